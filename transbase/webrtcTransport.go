package transbase

import (
	"github.com/gammazero/deque"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/compoundrtcp"
	"github.com/aoslee/mediasoup/consumer"
	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/producer"
	"github.com/aoslee/mediasoup/rembServer"
	"github.com/aoslee/mediasoup/utils"
	"github.com/aoslee/mediasoup/uvtime"
)

const (
	PUSH_TYPE = iota
	GET_TYPE
)

// PacketSink is where the transport writes outgoing RTP and RTCP. The
// DTLS/ICE machinery behind it is owned by the embedder.
type PacketSink interface {
	WriteRtp(packet *rtp.Packet) error
	WriteRtcp(packets []rtcp.Packet) error
}

// WebrtcTransport is the concrete transport: it dispatches incoming
// media to producers, runs REMB bandwidth estimation on abs-send-time
// and feeds consumers through the packet sink.
type WebrtcTransport struct {
	Transport

	sink               PacketSink
	rembServer         *rembServer.RemoteBitrateEstimatorAbsSendTime
	maxIncomingBitrate uint64
	minIncomingBitrate uint64
	PCType             int

	chanRecvRtcp chan []rtcp.Packet
	chanRecvRtp  chan *rtp.Packet
}

func NewWebrtcTransport(id string, listener Listener, sink PacketSink, pctype int) *WebrtcTransport {
	t := WebrtcTransport{}
	t.NewTransport(id, listener)
	t.listenerChild = &t
	t.sink = sink
	t.PCType = pctype
	t.minIncomingBitrate = 150000 * 8
	t.chanRecvRtcp = make(chan []rtcp.Packet, 200)
	t.chanRecvRtp = make(chan *rtp.Packet, 300)

	return &t
}

func (t *WebrtcTransport) SetMaxIncomingBitrate(bitrate uint64) {
	t.maxIncomingBitrate = bitrate
}

func (t *WebrtcTransport) SetMinIncomingBitrate(bitrate uint64) {
	t.minIncomingBitrate = bitrate
}

func (t *WebrtcTransport) Close() {
	t.SetCloseFlag(true)
	mylog.Logger.Infof("RoomTransport streamKey[%s] peerId[%s] close Transport begin", t.listener.OnTransportGetRouterId(), t.Id)
	t.Transport.Close()

	if nil != t.rembServer {
		t.rembServer.Close()
		t.rembServer = nil
	}

	close(t.chanRecvRtcp)
	close(t.chanRecvRtp)
}

func (t *WebrtcTransport) IsClose() bool {
	return t.CloseFlag
}

// RtpDataStore enqueues an incoming packet for the pump goroutine.
func (t *WebrtcTransport) RtpDataStore(packet *rtp.Packet) bool {
	if t.IsClose() {
		return false
	}

	if t.chanRecvRtp != nil {
		t.chanRecvRtp <- packet
	}

	return true
}

func (t *WebrtcTransport) RtcpDataStore(packets []rtcp.Packet) bool {
	if t.IsClose() {
		return false
	}

	if nil != t.chanRecvRtcp {
		t.chanRecvRtcp <- packets
	}
	return true
}

// readAbsSendTime extracts the 24 bit abs-send-time header extension.
func readAbsSendTime(packet *rtp.Packet, id uint8) (uint32, bool) {
	if 0 == id {
		return 0, false
	}

	buf := packet.GetExtension(id)
	if len(buf) != 3 {
		return 0, false
	}

	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]), true
}

func (t *WebrtcTransport) OnRtpDataReceived(packet *rtp.Packet) bool {
	if t.IsClose() {
		return false
	}

	t.DataReceived(packet.MarshalSize())

	if nil != t.rembServer {
		if absSendTime, ok := readAbsSendTime(packet, t.RtpHeaderExtensionIds.AbsSendTime); ok {
			t.rembServer.IncomingPacket(
				uvtime.GettimeMs(), uint(len(packet.Payload)), packet, absSendTime)
		}
	}

	producer := t.RtpListener.GetProducerbySSRC(packet.SSRC)
	if nil == producer {
		mylog.Logger.Errorf("no suitable Producer for received RTP packet [ssrc:%v, seq:%v, pt:%d]\n",
			packet.SSRC, packet.SequenceNumber, packet.PayloadType)
		return true
	}

	producer.ReceiveRtpPacket(packet)

	return true
}

func (t *WebrtcTransport) OnRtcpDataReceived(packets []rtcp.Packet) bool {
	if t.IsClose() {
		return false
	}

	for _, packet := range packets {
		if t.IsClose() {
			return false
		}
		t.ReceiveRtcpPacket(packet)
	}
	return true
}

// ListenerChild.
func (t *WebrtcTransport) SendRtpPacket(packet *rtp.Packet, consumer consumer.InterfaceConsumer, retransmitted bool, probation bool) {
	if nil == t.sink {
		return
	}

	if err := t.sink.WriteRtp(packet); err != nil {
		mylog.Logger.Errorf("streamKey[%s] peerId[%s] consumerId[%s] WriteRtp fail [ssrc:%v, seq:%v, pt:%d]\n",
			t.listener.OnTransportGetRouterId(), t.Id, consumer.ID(), packet.SSRC, packet.SequenceNumber, packet.PayloadType)
		return
	}
	t.DataSent(packet.MarshalSize())
}

// ListenerChild.
func (t *WebrtcTransport) SendRtcpPacket(packet []rtcp.Packet) {
	if nil == t.sink {
		return
	}

	if err := t.sink.WriteRtcp(packet); err != nil {
		mylog.Logger.Errorf("streamKey[%s] peerId[%s] write rtcp fail [%s]\n",
			t.listener.OnTransportGetRouterId(), t.Id, err.Error())
	}
}

// ListenerChild.
func (t *WebrtcTransport) SendRtcpCompoundPacket(compoundRtcp *compoundrtcp.CompoundRtcp) {
	if nil == t.sink {
		return
	}

	if err := t.sink.WriteRtcp(compoundRtcp.Packet); err != nil {
		mylog.Logger.Errorf("streamKey[%s] peerId[%s] write compound rtcp fail [%s]\n",
			t.listener.OnTransportGetRouterId(), t.Id, err.Error())
		return
	}
	t.DataSent(compoundRtcp.DataLen)
}

// ListenerChild. Sets up REMB bandwidth estimation when the producer
// negotiated goog-remb and abs-send-time.
func (t *WebrtcTransport) UserOnNewProducer(producer *producer.Producer) {
	rembflag := false

	for i := range producer.RtpParameters.Codecs {
		for _, fb := range producer.RtpParameters.Codecs[i].RtcpFeedback {
			if fb.Type == "goog-remb" {
				rembflag = true
				break
			}
		}
		if rembflag {
			break
		}
	}

	if nil == t.rembServer && t.RtpHeaderExtensionIds.AbsSendTime != 0 && rembflag {
		mylog.Logger.Infof("streamKey[%s] peerId[%s] producerId[%s] enabling REMB server [absSendTime:%d]\n",
			t.listener.OnTransportGetRouterId(), t.Id, producer.Id, t.RtpHeaderExtensionIds.AbsSendTime)
		t.rembServer = rembServer.NewRemoteBitrateEstimatorAbsSendTime(t)
	}
}

// RembServer listener. Sends REMB feedback to the sending endpoint and
// mirrors the estimation into the outgoing side of the loop.
func (t *WebrtcTransport) OnRembServerAvailableBitrate(remoteBitrateEstimator *rembServer.RemoteBitrateEstimatorAbsSendTime, ssrcs *deque.Deque[uint32], availableBitrate uint32) {
	if t.maxIncomingBitrate != 0 {
		availableBitrate = uint32(utils.Min(int64(t.maxIncomingBitrate), int64(availableBitrate)))
	}

	packet := rtcp.ReceiverEstimatedMaximumBitrate{}
	packet.SenderSSRC = 1
	packet.Bitrate = float32(availableBitrate)
	if uint64(packet.Bitrate) < t.minIncomingBitrate {
		packet.Bitrate = float32(t.minIncomingBitrate)
	}

	packet.SSRCs = make([]uint32, 0, ssrcs.Len())
	for i := 0; i < ssrcs.Len(); i++ {
		packet.SSRCs = append(packet.SSRCs, ssrcs.At(i))
	}

	mylog.Logger.Infof("streamKey[%s] peerId[%s] send remb [bitrate:%v]\n",
		t.listener.OnTransportGetRouterId(), t.Id, uint64(packet.Bitrate))
	t.SendRtcpPacket([]rtcp.Packet{&packet})

	t.SetAvailableOutgoingBitrate(uint32(packet.Bitrate))
}

// ProducerRecvPacketRun pumps queued packets into the producer path.
func (t *WebrtcTransport) ProducerRecvPacketRun() {
	go func() {
		t.AddWaitGroup(1)
		defer t.DoneWaitGroup()

		for {
			select {
			case rtpPacket := <-t.chanRecvRtp:
				if t.IsClose() {
					return
				}
				if !t.OnRtpDataReceived(rtpPacket) {
					mylog.Logger.Errorf("RoomTransport streamKey[%s] peerId[%s] ProducerRecvPacketRun fail",
						t.listener.OnTransportGetRouterId(), t.Id)
					return
				}
			case rtcpPackets := <-t.chanRecvRtcp:
				if t.IsClose() {
					return
				}
				t.OnRtcpDataReceived(rtcpPackets)
			case <-t.Ctx.Done():
				return
			}
		}
	}()
}
