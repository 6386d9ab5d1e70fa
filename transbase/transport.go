package transbase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alex023/clock"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/compoundrtcp"
	"github.com/aoslee/mediasoup/consumer"
	"github.com/aoslee/mediasoup/mapsync"
	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/producer"
	"github.com/aoslee/mediasoup/rateCalculator"
	"github.com/aoslee/mediasoup/rtpHeaderExtensionIds"
	"github.com/aoslee/mediasoup/rtpListener"
	"github.com/aoslee/mediasoup/rtpparameters"
	"github.com/aoslee/mediasoup/streamRecv"
	"github.com/aoslee/mediasoup/uvtime"
)

const MtuSize = 1500
const RtcpTimerInterval = 500 // In ms.

type ListenerChild interface {
	SendRtpPacket(packet *rtp.Packet, consumer consumer.InterfaceConsumer, retransmitted bool, probation bool)
	SendRtcpPacket(packet []rtcp.Packet)
	SendRtcpCompoundPacket(compoundRtcp *compoundrtcp.CompoundRtcp)
	UserOnNewProducer(producer *producer.Producer)
}

type Listener interface {
	OnTransportNewProducer(transport *Transport, producer *producer.Producer)
	OnTransportNewConsumer(transport *Transport, consumer consumer.InterfaceConsumer, producerId string)
	OnTransportProducerRtpPacketReceived(transport *Transport, producer *producer.Producer, packet *rtp.Packet)
	OnTransportProducerNewRtpStream(transport *Transport, producer *producer.Producer, rtpStream *streamRecv.StreamRecv, mappedSsrc uint32)
	OnTransportProducerRtpStreamScore(transport *Transport, producer *producer.Producer, rtpStream *streamRecv.StreamRecv, score uint8, previousScore uint8)
	OnTransportProducerRtcpSenderReport(transport *Transport, producer *producer.Producer, rtpStream *streamRecv.StreamRecv, first bool)
	OnTransportConsumerKeyFrameRequested(transport *Transport, consumer consumer.InterfaceConsumer, mappedSsrc uint32)
	OnTransportNeedWorstRemoteFractionLost(transport *Transport, producer *producer.Producer, mappedSsrc uint32, worstRemoteFractionLost *uint8)
	OnTransportProducerClosed(transport *Transport, producer *producer.Producer)
	OnTransportConsumerProducerClosed(transport *Transport, consumer consumer.InterfaceConsumer)
	OnTransportConsumerClosed(transport *Transport, consumer consumer.InterfaceConsumer)
	OnTransportIsRouterClosed() bool
	OnTransportGetRouterId() string
}

// Transport holds producers and consumers, runs the RTCP interval and
// distributes the available outgoing bitrate across its consumers.
type Transport struct {
	Id string

	MapProducers map[string]*producer.Producer
	MapConsumers map[string]consumer.InterfaceConsumer

	RtpListener     *rtpListener.RtpListener
	mapSsrcConsumer *mapsync.MapSync

	listener      Listener
	listenerChild ListenerChild

	clock   *clock.Clock
	rtcpJob clock.Job

	RtpHeaderExtensionIds rtpHeaderExtensionIds.RtpHeaderExtensionIds

	RecvTransmission rateCalculator.RateCalculator
	SendTransmission rateCalculator.RateCalculator

	availableOutgoingBitrate uint32

	Connected bool
	CloseFlag bool

	Ctx    context.Context
	Cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (t *Transport) NewTransport(id string, listener Listener) {
	t.MapProducers = make(map[string]*producer.Producer)
	t.MapConsumers = make(map[string]consumer.InterfaceConsumer)
	t.mapSsrcConsumer = mapsync.NewMapSync()

	t.clock = clock.NewClock()
	t.Id = id
	t.listener = listener
	t.RtpListener = rtpListener.NewRtpListener()
	t.RecvTransmission = rateCalculator.NewRateCalculator(0, 0)
	t.SendTransmission = rateCalculator.NewRateCalculator(0, 0)

	t.Ctx, t.Cancel = context.WithCancel(context.Background())
}

// TransportProducer creates a producer for the given parameters and
// registers its ssrcs.
func (t *Transport) TransportProducer(id string, kind string, rtpParameters rtpparameters.RtpParameters) *producer.Producer {
	if _, ok := t.MapProducers[id]; ok {
		mylog.Logger.Errorf("TransportProducer already exists [producerId:%s]", id)
		return nil
	}

	newProducer := producer.NewProducer(id, kind, rtpParameters, t)
	t.RtpListener.AddProducer(newProducer)

	t.listener.OnTransportNewProducer(t, newProducer)
	t.MapProducers[id] = newProducer

	producerRtpHeaderExtensionIds := newProducer.RtpHeaderExtensionIds

	if producerRtpHeaderExtensionIds.Mid != 0 {
		t.RtpHeaderExtensionIds.Mid = producerRtpHeaderExtensionIds.Mid
	}
	if producerRtpHeaderExtensionIds.Rid != 0 {
		t.RtpHeaderExtensionIds.Rid = producerRtpHeaderExtensionIds.Rid
	}
	if producerRtpHeaderExtensionIds.Rrid != 0 {
		t.RtpHeaderExtensionIds.Rrid = producerRtpHeaderExtensionIds.Rrid
	}
	if producerRtpHeaderExtensionIds.AbsSendTime != 0 {
		t.RtpHeaderExtensionIds.AbsSendTime = producerRtpHeaderExtensionIds.AbsSendTime
	}

	// Tell the subclass so it can set up bandwidth estimation.
	t.listenerChild.UserOnNewProducer(newProducer)

	return newProducer
}

// TransportConsumer creates the consumer kind matching the consumable
// encodings: simulcast for N>1, simple otherwise.
func (t *Transport) TransportConsumer(id string, producerId string, notifier consumer.Notifier, options consumer.Options, externallyManagedBitrate bool) (consumer.InterfaceConsumer, error) {
	var newConsumer consumer.InterfaceConsumer
	var err error

	if len(options.ConsumableRtpEncodings) > 1 {
		newConsumer, err = consumer.NewSimulcastConsumer(id, t, notifier, options)
	} else {
		newConsumer, err = consumer.NewSimpleConsumer(id, t, notifier, options)
	}
	if err != nil {
		return nil, err
	}

	if externallyManagedBitrate {
		newConsumer.SetExternallyManagedBitrate()
	}

	t.MapConsumers[id] = newConsumer
	for _, ssrc := range newConsumer.GetMediaSsrcs() {
		t.mapSsrcConsumer.Store(ssrc, newConsumer)
	}

	t.listener.OnTransportNewConsumer(t, newConsumer, producerId)

	if t.Connected {
		newConsumer.UserOnTransportConnected()
	}

	return newConsumer, nil
}

// UserOnConnected moves every consumer to the connected state and starts
// the RTCP interval.
func (t *Transport) UserOnConnected() {
	t.Connected = true

	for _, c := range t.MapConsumers {
		c.UserOnTransportConnected()
	}

	t.DistributeAvailableOutgoingBitrate()
	t.runRtcpTimer()
}

func (t *Transport) UserOnDisconnected() {
	t.Connected = false

	if nil != t.rtcpJob {
		t.rtcpJob.Cancel()
		t.rtcpJob = nil
	}

	for _, c := range t.MapConsumers {
		c.UserOnTransportDisconnected()
	}
}

func (t *Transport) runRtcpTimer() {
	if nil != t.rtcpJob {
		return
	}

	job, ok := t.clock.AddJobRepeat(RtcpTimerInterval*time.Millisecond, 0, func() {
		t.wg.Add(1)
		defer t.wg.Done()
		if t.CloseFlag {
			return
		}
		t.SendRtcp(uint64(uvtime.GettimeMs()))
	})
	if !ok {
		mylog.Logger.Errorf("runRtcpTimer AddJobRepeat fail\n")
		return
	}
	t.rtcpJob = job
}

func (t *Transport) SendRtcp(now uint64) {
	packet := compoundrtcp.NewCompoundRtcp()

	for _, c := range t.MapConsumers {
		c.GetRtcp(packet, c.GetRtpStream(), now)
		if packet.HasContent() {
			t.listenerChild.SendRtcpCompoundPacket(packet)
		}
		packet = compoundrtcp.NewCompoundRtcp()
	}

	for _, p := range t.MapProducers {
		p.GetRtcp(packet, now)
		if packet.DataLen > MtuSize {
			t.listenerChild.SendRtcpCompoundPacket(packet)
			packet = compoundrtcp.NewCompoundRtcp()
		}
	}

	if packet.HasContent() {
		t.listenerChild.SendRtcpCompoundPacket(packet)
	}
}

// SetAvailableOutgoingBitrate feeds the estimation from the congestion
// controller and triggers a distribution round.
func (t *Transport) SetAvailableOutgoingBitrate(bitrate uint32) {
	t.availableOutgoingBitrate = bitrate
	t.DistributeAvailableOutgoingBitrate()
}

func (t *Transport) GetAvailableOutgoingBitrate() uint32 {
	return t.availableOutgoingBitrate
}

type priorityConsumer struct {
	priority uint16
	consumer consumer.InterfaceConsumer
}

// DistributeAvailableOutgoingBitrate runs one allocation round of the
// bitrate probing protocol: base allocation by priority, then temporal
// layer upgrades while anybody accepts more, then commit.
func (t *Transport) DistributeAvailableOutgoingBitrate() {
	entries := make([]priorityConsumer, 0, len(t.MapConsumers))

	for _, c := range t.MapConsumers {
		if !c.IsExternallyManagedBitrate() {
			continue
		}
		priority := c.GetBitratePriority()
		if priority > 0 {
			entries = append(entries, priorityConsumer{priority: priority, consumer: c})
		}
	}

	if len(entries) == 0 {
		return
	}

	// Higher priority consumers (higher viable spatial layers) first.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].priority > entries[j].priority })

	availableBitrate := t.availableOutgoingBitrate

	mylog.Logger.Debugf("distributing available outgoing bitrate [bitrate:%v, consumers:%d]\n",
		availableBitrate, len(entries))

	// First round: base allocation.
	for _, e := range entries {
		usedBitrate := e.consumer.UseAvailableBitrate(availableBitrate, true)
		if usedBitrate > availableBitrate {
			availableBitrate = 0
		} else {
			availableBitrate -= usedBitrate
		}
	}

	// Next rounds: upgrade temporal layers while some consumer accepts
	// more bitrate.
	for availableBitrate > 0 {
		previousAvailableBitrate := availableBitrate

		for _, e := range entries {
			usedBitrate := e.consumer.IncreaseTemporalLayer(availableBitrate, true)
			if usedBitrate > availableBitrate {
				availableBitrate = 0
			} else {
				availableBitrate -= usedBitrate
			}
		}

		// No consumer took more bitrate in this round: done.
		if availableBitrate == previousAvailableBitrate {
			break
		}
	}

	// Commit provisional layers.
	for _, e := range entries {
		e.consumer.ApplyLayers()
	}
}

// ComputeOutgoingDesiredBitrate reports what the consumers would consume
// unconstrained.
func (t *Transport) ComputeOutgoingDesiredBitrate() uint32 {
	var desiredBitrate uint32
	for _, c := range t.MapConsumers {
		if !c.IsExternallyManagedBitrate() {
			continue
		}
		desiredBitrate += c.GetDesiredBitrate()
	}
	return desiredBitrate
}

func (t *Transport) DataReceived(len int) {
	t.RecvTransmission.Update(uint64(len), uint64(uvtime.GettimeMs()))
}

func (t *Transport) DataSent(len int) {
	t.SendTransmission.Update(uint64(len), uint64(uvtime.GettimeMs()))
}

func (t *Transport) GetRecvBitrate() uint32 {
	return t.RecvTransmission.GetRate(uint64(uvtime.GettimeMs()))
}

func (t *Transport) GetSendBitrate() uint32 {
	return t.SendTransmission.GetRate(uint64(uvtime.GettimeMs()))
}

// Producer listener.
func (t *Transport) OnProducerRtpPacketReceived(producer *producer.Producer, packet *rtp.Packet) {
	t.listener.OnTransportProducerRtpPacketReceived(t, producer, packet)
}

// Producer listener.
func (t *Transport) OnProducerSendRtcpPacket(producer *producer.Producer, packet []rtcp.Packet) {
	t.listenerChild.SendRtcpPacket(packet)
}

// Producer listener.
func (t *Transport) OnProducerNewRtpStream(producer *producer.Producer, rtpStream *streamRecv.StreamRecv, mappedSsrc uint32) {
	t.listener.OnTransportProducerNewRtpStream(t, producer, rtpStream, mappedSsrc)
}

// Producer listener.
func (t *Transport) OnProducerRtpStreamScore(producer *producer.Producer, rtpStream *streamRecv.StreamRecv, score uint8, previousScore uint8) {
	t.listener.OnTransportProducerRtpStreamScore(t, producer, rtpStream, score, previousScore)
}

// Producer listener.
func (t *Transport) OnProducerRtcpSenderReport(producer *producer.Producer, rtpStream *streamRecv.StreamRecv, first bool) {
	t.listener.OnTransportProducerRtcpSenderReport(t, producer, rtpStream, first)
}

// Producer listener.
func (t *Transport) OnProducerNeedWorstRemoteFractionLost(producer *producer.Producer, mappedSsrc uint32, worstRemoteFractionLost *uint8) {
	t.listener.OnTransportNeedWorstRemoteFractionLost(t, producer, mappedSsrc, worstRemoteFractionLost)
}

// Consumer listener.
func (t *Transport) OnConsumerSendRtpPacket(consumer consumer.InterfaceConsumer, packet *rtp.Packet) {
	t.listenerChild.SendRtpPacket(packet, consumer, false, false)
}

// Consumer listener.
func (t *Transport) OnConsumerRetransmitRtpPacket(consumer consumer.InterfaceConsumer, packet *rtp.Packet, probation bool) {
	t.listenerChild.SendRtpPacket(packet, consumer, true, probation)
}

// Consumer listener.
func (t *Transport) OnConsumerKeyFrameRequested(consumer consumer.InterfaceConsumer, mappedSsrc uint32) {
	t.listener.OnTransportConsumerKeyFrameRequested(t, consumer, mappedSsrc)
}

// Consumer listener.
func (t *Transport) OnConsumerNeedBitrateChange(consumer consumer.InterfaceConsumer) {
	t.DistributeAvailableOutgoingBitrate()
}

// Consumer listener.
func (t *Transport) OnConsumerProducerClosed(consumer consumer.InterfaceConsumer) {
	delete(t.MapConsumers, consumer.ID())

	for _, ssrc := range consumer.GetMediaSsrcs() {
		t.mapSsrcConsumer.Delete(ssrc)
	}
	t.listener.OnTransportConsumerProducerClosed(t, consumer)
}

func (t *Transport) ReceiveRtcpPacket(packet rtcp.Packet) {
	switch pkt := packet.(type) {
	case *rtcp.SenderReport:
		producer := t.RtpListener.GetProducerbySSRC(pkt.SSRC)
		if nil == producer {
			mylog.Logger.Errorf("no Producer found for received Sender Report [ssrc:%v]\n", pkt.SSRC)
			break
		}

		producer.ReceiveRtcpSenderReport(pkt)

	case *rtcp.ReceiverReport:
		for _, report := range pkt.Reports {
			consumer := t.GetConsumerByMediaSsrc(report.SSRC)
			if nil == consumer {
				mylog.Logger.Errorf("no Consumer found for received Receiver Report [ssrc:%v]\n", report.SSRC)
				continue
			}
			consumer.ReceiveRtcpReceiverReport(report)
		}

	case *rtcp.TransportLayerNack:
		consumer := t.GetConsumerByMediaSsrc(pkt.MediaSSRC)
		if nil == consumer {
			mylog.Logger.Warnf("no Consumer found for received NACK packet [sender ssrc:%v, media ssrc:%v]",
				pkt.SenderSSRC, pkt.MediaSSRC)
			return
		}
		consumer.ReceiveNack(pkt)

	case *rtcp.PictureLossIndication:
		mylog.Logger.Infof("PLI received, requesting key frame for Consumer [sender ssrc:%v, media ssrc:%v]\n",
			pkt.SenderSSRC, pkt.MediaSSRC)
		consumer := t.GetConsumerByMediaSsrc(pkt.MediaSSRC)
		if nil == consumer {
			mylog.Logger.Warnf("no Consumer found for received PLI packet [sender ssrc:%v, media ssrc:%v]",
				pkt.SenderSSRC, pkt.MediaSSRC)
			return
		}
		consumer.ReceiveKeyFrameRequestPLI(pkt)

	case *rtcp.FullIntraRequest:
		consumer := t.GetConsumerByMediaSsrc(pkt.MediaSSRC)
		if nil == consumer {
			mylog.Logger.Warnf("no Consumer found for received FIR packet [sender ssrc:%v, media ssrc:%v]",
				pkt.SenderSSRC, pkt.MediaSSRC)
			return
		}
		consumer.GetRtpStream().ReceiveKeyFrameRequestFIR()
		consumer.RequestKeyFrame()

	case *rtcp.ReceiverEstimatedMaximumBitrate:
		// REMB feedback from the receiving endpoint drives the available
		// outgoing bitrate of this transport.
		mylog.Logger.Infof("REMB received [bitrate:%v]\n", pkt.Bitrate)
		t.SetAvailableOutgoingBitrate(uint32(pkt.Bitrate))

	case *rtcp.SourceDescription, *rtcp.Goodbye, *rtcp.RawPacket:
		// Ignored.
	default:
	}
}

func (t *Transport) GetConsumerByMediaSsrc(ssrc uint32) consumer.InterfaceConsumer {
	v, ok := t.mapSsrcConsumer.Load(ssrc)
	if !ok {
		return nil
	}

	return v.(consumer.InterfaceConsumer)
}

func (t *Transport) AddWaitGroup(i int) {
	t.wg.Add(i)
}

func (t *Transport) DoneWaitGroup() {
	t.wg.Done()
}

func (t *Transport) SetCloseFlag(flag bool) {
	t.CloseFlag = flag
}

func (t *Transport) Close() {
	t.SetCloseFlag(true)
	t.Cancel()
	t.wg.Wait()
	if t.rtcpJob != nil {
		t.rtcpJob.Cancel()
	}
	t.clock.Stop()
	t.RtpListener = nil

	for _, producer := range t.MapProducers {
		t.listener.OnTransportProducerClosed(t, producer)
	}
	t.MapProducers = nil

	for _, consumer := range t.MapConsumers {
		t.listener.OnTransportConsumerClosed(t, consumer)
	}
	t.MapConsumers = nil

	t.mapSsrcConsumer.Clear()
	t.mapSsrcConsumer = nil
}

func (t *Transport) IsRouterClose() bool {
	return t.listener.OnTransportIsRouterClosed()
}
