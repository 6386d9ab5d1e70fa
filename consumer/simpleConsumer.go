package consumer

import (
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/codec"
	"github.com/aoslee/mediasoup/compoundrtcp"
	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/rtpstream"
	"github.com/aoslee/mediasoup/seqManager"
	"github.com/aoslee/mediasoup/streamRecv"
	"github.com/aoslee/mediasoup/streamSend"
	"github.com/aoslee/mediasoup/uvtime"
)

// SimpleConsumer forwards a single upstream stream without any layer
// logic: only sequence-number continuity and key-frame gating after a
// resync.
type SimpleConsumer struct {
	Consumer

	listener Listener
	notifier Notifier

	keyFrameSupported bool

	rtpStream *streamSend.StreamSend

	producerRtpStream *streamRecv.StreamRecv

	rtpSeqManager *seqManager.SeqManager[uint16]

	syncRequired bool
}

func NewSimpleConsumer(id string, listener Listener, notifier Notifier, options Options) (*SimpleConsumer, error) {
	c := &SimpleConsumer{}
	c.NewConsumer(id, ConsumerType_SIMPLE, options)

	c.listener = listener
	c.notifier = notifier

	// Ensure there is a single consumable encoding.
	if len(options.ConsumableRtpEncodings) != 1 {
		return nil, fmt.Errorf("%w: invalid consumableRtpEncodings with size != 1", ErrTypeError)
	}

	if len(options.RtpParameters.Encodings) == 0 {
		return nil, fmt.Errorf("%w: missing rtpParameters.encodings", ErrTypeError)
	}

	encoding := &c.RtpParameters.Encodings[0]
	mediaCodec := c.RtpParameters.GetCodecForEncoding(encoding)
	if mediaCodec == nil {
		return nil, fmt.Errorf("%w: no media codec for the encoding", ErrTypeError)
	}

	c.keyFrameSupported = codec.CanBeKeyFrame(mediaCodec.MimeType)
	c.rtpSeqManager = seqManager.NewSeqManager[uint16]()
	c.syncRequired = true

	c.createRtpStream(mediaCodec.MimeType)

	return c, nil
}

func (c *SimpleConsumer) createRtpStream(mimeType string) {
	encoding := &c.RtpParameters.Encodings[0]
	mediaCodec := c.RtpParameters.GetCodecForEncoding(encoding)

	params := rtpstream.Params{}
	params.SSRC = encoding.Ssrc
	params.PayloadType = mediaCodec.PayloadType
	params.MimeType = mimeType
	params.ClockRate = mediaCodec.ClockRate
	params.Cname = c.RtpParameters.Rtcp.Cname
	params.SpatialLayers = 1
	params.TemporalLayers = 1

	for _, fb := range mediaCodec.RtcpFeedback {
		if !params.UseNack && fb.Type == "nack" && fb.Parameter == "" {
			params.UseNack = true
		} else if !params.UsePli && fb.Type == "nack" && fb.Parameter == "pli" {
			params.UsePli = true
		} else if !params.UseFir && fb.Type == "ccm" && fb.Parameter == "fir" {
			params.UseFir = true
		}
	}

	bufferSize := 0
	if params.UseNack {
		bufferSize = streamSend.DeStorageSize
	}

	if rtxCodec := c.RtpParameters.GetRtxCodecForEncoding(encoding); rtxCodec != nil && encoding.HasRtx {
		params.RtxPayloadType = rtxCodec.PayloadType
		params.RtxSsrc = encoding.Rtx.Ssrc
	}

	c.rtpStream = streamSend.NewStreamSend(bufferSize, params, c)

	if c.IsPaused() || c.IsProducerPaused() {
		c.rtpStream.Pause()
	}
}

func (c *SimpleConsumer) Close() {
	c.rtpStream.Close()
	c.producerRtpStream = nil
}

func (c *SimpleConsumer) GetRtpStream() *streamSend.StreamSend {
	return c.rtpStream
}

func (c *SimpleConsumer) ProducerRtpStream(stream *streamRecv.StreamRecv, mappedSsrc uint32) {
	c.producerRtpStream = stream
}

func (c *SimpleConsumer) ProducerNewRtpStream(stream *streamRecv.StreamRecv, mappedSsrc uint32) {
	c.producerRtpStream = stream
}

func (c *SimpleConsumer) ProducerRtpStreamScore(stream *streamRecv.StreamRecv, score uint8, previousScore uint8) {
	// Simple consumers do not re-plan on upstream health changes, they just
	// report.
	if c.notifier != nil {
		consumerScore := ConsumerScore{Score: c.rtpStream.GetScore(), ProducerScore: score}
		c.notifier.OnConsumerScore(c, consumerScore)
	}
}

func (c *SimpleConsumer) ProducerRtcpSenderReport(stream *streamRecv.StreamRecv, first bool) {
}

func (c *SimpleConsumer) ProducerClosed() {
	c.producerPaused = true
	c.listener.OnConsumerProducerClosed(c)
}

// The bitrate probing protocol is layer driven; a simple consumer always
// consumes its single stream, so priority 1 and full consumption.
func (c *SimpleConsumer) GetBitratePriority() uint16 {
	if !c.IsActive() {
		return 0
	}
	return 1
}

func (c *SimpleConsumer) UseAvailableBitrate(bitrate uint32, considerLoss bool) uint32 {
	if !c.IsActive() {
		return 0
	}

	desired := c.GetDesiredBitrate()
	if desired < bitrate {
		return desired
	}
	return bitrate
}

func (c *SimpleConsumer) IncreaseTemporalLayer(bitrate uint32, considerLoss bool) uint32 {
	return 0
}

func (c *SimpleConsumer) ApplyLayers() {
}

func (c *SimpleConsumer) GetDesiredBitrate() uint32 {
	if !c.IsActive() || c.producerRtpStream == nil {
		return 0
	}

	now := uint64(uvtime.GettimeMs())
	return c.producerRtpStream.GetTotalBitrate(now)
}

func (c *SimpleConsumer) SendRtpPacket(packet *rtp.Packet) {
	if !c.IsActive() {
		return
	}

	if !c.supportedCodecPayloadTypes[packet.PayloadType] {
		mylog.Logger.Debugf("payload type not supported [payloadType:%v]\n", packet.PayloadType)
		return
	}

	// If we need to sync, gate on a key frame when the codec has them.
	if c.syncRequired && c.keyFrameSupported &&
		!codec.IsKeyFrame(c.rtpStream.Params.MimeType, packet.Payload) {
		return
	}

	if c.syncRequired {
		c.rtpSeqManager.Sync(packet.SequenceNumber - 1)
		c.syncRequired = false
	}

	seq := c.rtpSeqManager.Input(packet.SequenceNumber)

	// Save original packet fields.
	origSsrc := packet.SSRC
	origSeq := packet.SequenceNumber

	// Rewrite packet.
	packet.SSRC = c.RtpParameters.Encodings[0].Ssrc
	packet.SequenceNumber = seq

	if c.rtpStream.ReceivePacket(packet) {
		c.listener.OnConsumerSendRtpPacket(c, packet)
	} else {
		mylog.Logger.Warnf("failed to send packet [ssrc:%v, seq:%v]\n", packet.SSRC, packet.SequenceNumber)
	}

	// Restore packet fields.
	packet.SSRC = origSsrc
	packet.SequenceNumber = origSeq
}

func (c *SimpleConsumer) GetRtcp(packet *compoundrtcp.CompoundRtcp, rtpStream *streamSend.StreamSend, now uint64) {
	if rtpStream != c.rtpStream {
		// Caller contract violation, fatal.
		panic("RTP stream does not match")
	}

	if float64(now-c.LastRtcpSentTime)*1.15 < float64(c.MaxRtcpInterval) {
		return
	}

	report := c.rtpStream.GetRtcpSenderReport(now)
	if nil == report {
		return
	}

	packet.AddSenderReport(report)
	packet.AddSdes(c.rtpStream.GetRtcpSdesChunk())

	c.LastRtcpSentTime = now
}

func (c *SimpleConsumer) GetTransmissionRate(now uint64) uint32 {
	if !c.IsActive() {
		return 0
	}
	return c.rtpStream.GetBitrate(now)
}

func (c *SimpleConsumer) ReceiveNack(nack *rtcp.TransportLayerNack) {
	if !c.IsActive() {
		return
	}
	c.rtpStream.ReceiveNack(nack)
}

func (c *SimpleConsumer) ReceiveKeyFrameRequestPLI(packet *rtcp.PictureLossIndication) {
	c.rtpStream.ReceiveKeyFrameRequestPLI()

	if c.IsActive() {
		c.RequestKeyFrame()
	}
}

func (c *SimpleConsumer) ReceiveRtcpReceiverReport(report rtcp.ReceptionReport) {
	c.rtpStream.ReceiveRtcpReceiverReport(report)
}

func (c *SimpleConsumer) NeedWorstRemoteFractionLost(mappedSsrc uint32, worstRemoteFractionLost *uint8) {
	if !c.IsActive() {
		return
	}

	fractionLost := c.rtpStream.GetFractionLost()

	// If our fraction lost is worse than the given one, update it.
	if fractionLost > *worstRemoteFractionLost {
		*worstRemoteFractionLost = fractionLost
	}
}

func (c *SimpleConsumer) RequestKeyFrame() {
	if c.Kind != "video" {
		return
	}

	mappedSsrc := c.ConsumableRtpEncodings[0].Ssrc
	c.listener.OnConsumerKeyFrameRequested(c, mappedSsrc)
}

func (c *SimpleConsumer) UserOnTransportConnected() {
	c.transportConnected = true
	c.syncRequired = true
	c.rtpStream.Resume()
}

func (c *SimpleConsumer) UserOnTransportDisconnected() {
	c.transportConnected = false
	c.rtpStream.Pause()
}

func (c *SimpleConsumer) UserOnPaused() {
	c.paused = true
	c.rtpStream.Pause()
}

func (c *SimpleConsumer) UserOnResumed() {
	c.paused = false
	c.syncRequired = true
	c.rtpStream.Resume()
}

// StreamSend listener.
func (c *SimpleConsumer) OnRtpStreamScore(rtpStream *streamSend.StreamSend, score uint8, previousScore uint8) {
	if c.notifier != nil {
		consumerScore := ConsumerScore{Score: score}
		if c.producerRtpStream != nil {
			consumerScore.ProducerScore = c.producerRtpStream.GetScore()
		}
		c.notifier.OnConsumerScore(c, consumerScore)
	}
}

// StreamSend listener.
func (c *SimpleConsumer) OnRtpStreamRetransmitRtpPacket(rtpStream *streamSend.StreamSend, packet *rtp.Packet, probation bool) {
	c.listener.OnConsumerRetransmitRtpPacket(c, packet, probation)
}
