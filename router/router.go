package router

import (
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/consumer"
	"github.com/aoslee/mediasoup/mapsync"
	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/producer"
	"github.com/aoslee/mediasoup/streamRecv"
	"github.com/aoslee/mediasoup/transbase"
)

// Router wires producers to their consumers across transports: packets,
// stream registrations, scores and Sender Reports all fan out here.
type Router struct {
	Id string

	MapProducers         *mapsync.MapSync // producerId -> *producer.Producer
	MapProducerConsumers *mapsync.MapSync // *producer.Producer -> []consumer.InterfaceConsumer
	MapWebrtcTransports  *mapsync.MapSync // transportId -> *transbase.WebrtcTransport
	mapConsumerProducer  *mapsync.MapSync // consumer.InterfaceConsumer -> *producer.Producer

	CloseFlag bool
}

func NewRouter(id string) *Router {
	node := &Router{}

	node.Id = id
	node.MapProducers = mapsync.NewMapSync()
	node.MapProducerConsumers = mapsync.NewMapSync()
	node.MapWebrtcTransports = mapsync.NewMapSync()
	node.mapConsumerProducer = mapsync.NewMapSync()

	return node
}

func (r *Router) CreateWebrtcTransport(transportId string, sink transbase.PacketSink, pctype int) *transbase.WebrtcTransport {
	if _, ok := r.MapWebrtcTransports.Load(transportId); ok {
		mylog.Logger.Errorf("CreateWebrtcTransport exists transportId[%s]", transportId)
		return nil
	}

	tp := transbase.NewWebrtcTransport(transportId, r, sink, pctype)
	if nil == tp {
		mylog.Logger.Errorf("CreateWebrtcTransport fail transportId[%s]", transportId)
		return nil
	}

	r.MapWebrtcTransports.Store(transportId, tp)
	mylog.Logger.Infof("RoomTransport streamKey[%s] peerId[%s] add success now num[%d]", r.Id, tp.Id, r.MapWebrtcTransports.Len())

	return tp
}

func (r *Router) GetWebrtcTransportById(transportId string) *transbase.WebrtcTransport {
	if tp, ok := r.MapWebrtcTransports.Load(transportId); ok {
		return tp.(*transbase.WebrtcTransport)
	}

	return nil
}

func (r *Router) SetCloseFlag(flag bool) {
	r.CloseFlag = flag
}

func (r *Router) Close() bool {
	r.CloseFlag = true

	tpmap := make([]*transbase.WebrtcTransport, 0, 100)
	r.MapWebrtcTransports.Range(func(key, value interface{}) bool {
		tp := value.(*transbase.WebrtcTransport)
		if !tp.IsClose() {
			tp.SetCloseFlag(true)
			tpmap = append(tpmap, tp)
		}
		return true
	})

	for _, tp := range tpmap {
		r.MapWebrtcTransports.Delete(tp.Id)
		tp.Close()
	}

	if r.MapProducerConsumers.Len() > 0 || r.MapProducers.Len() > 0 || r.mapConsumerProducer.Len() > 0 {
		mylog.Logger.Errorf("Router [%s] close but warn MapProducerConsumers[%d] MapProducers[%d] mapConsumerProducer[%d]",
			r.Id, r.MapProducerConsumers.Len(), r.MapProducers.Len(), r.mapConsumerProducer.Len())
	}

	r.MapWebrtcTransports = nil
	r.MapProducerConsumers = nil
	r.MapProducers = nil
	r.mapConsumerProducer = nil

	return true
}

func (r *Router) TransportClose(tp *transbase.WebrtcTransport) bool {
	if tp.IsClose() {
		mylog.Logger.Errorf("RoomTransport streamKey[%s] peerId[%s] Transport close but is closing", r.Id, tp.Id)
		return false
	}
	tp.SetCloseFlag(true)
	r.MapWebrtcTransports.Delete(tp.Id)
	tp.Close()

	return true
}

// Transport listener.
func (r *Router) OnTransportNewProducer(transport *transbase.Transport, producer *producer.Producer) {
	if _, ok := r.MapProducerConsumers.Load(producer); ok {
		mylog.Logger.Error("Producer already present in mapProducerConsumers")
		return
	}

	if _, ok := r.MapProducers.Load(producer.Id); ok {
		mylog.Logger.Errorf("Producer already present in mapProducers [producerId:%s]", producer.Id)
	}

	r.MapProducers.Store(producer.Id, producer)
	r.MapProducerConsumers.Store(producer, make([]consumer.InterfaceConsumer, 0, 3))
}

// Transport listener.
func (r *Router) OnTransportNewConsumer(transport *transbase.Transport, consumerNew consumer.InterfaceConsumer, producerId string) {
	v, ok := r.MapProducers.Load(producerId)
	if !ok {
		mylog.Logger.Errorf("Producer not found [producerId:%s]", producerId)
		return
	}
	producer := v.(*producer.Producer)

	mapProducerConsumersIt, ok := r.MapProducerConsumers.Load(producer)
	if !ok {
		mylog.Logger.Errorf("Producer not present in mapProducerConsumers [producerId:%s]", producerId)
		return
	}
	consumers := make([]consumer.InterfaceConsumer, 0, 3)
	consumers = append(consumers, mapProducerConsumersIt.([]consumer.InterfaceConsumer)...)
	consumers = append(consumers, consumerNew)
	r.MapProducerConsumers.Store(producer, consumers)
	r.mapConsumerProducer.Store(consumerNew, producer)

	// Hand the already known producer streams to the new consumer.
	for mappedSsrc, stream := range producer.GetRtpStreams() {
		consumerNew.ProducerRtpStream(stream, mappedSsrc)
	}
}

// Transport listener.
func (r *Router) OnTransportProducerRtpPacketReceived(transport *transbase.Transport, producer *producer.Producer, packet *rtp.Packet) {
	consumers, ok := r.MapProducerConsumers.Load(producer)
	if !ok {
		mylog.Logger.Errorf("OnTransportProducerRtpPacketReceived cant find producer[%s]->consumers", producer.Id)
		return
	}

	for _, consumer := range consumers.([]consumer.InterfaceConsumer) {
		consumer.SendRtpPacket(packet)
	}
}

// Transport listener.
func (r *Router) OnTransportProducerNewRtpStream(transport *transbase.Transport, producer *producer.Producer, rtpStream *streamRecv.StreamRecv, mappedSsrc uint32) {
	consumers, ok := r.MapProducerConsumers.Load(producer)
	if !ok {
		mylog.Logger.Errorf("OnTransportProducerNewRtpStream cant find producer[%s]->consumers", producer.Id)
		return
	}

	for _, consumer := range consumers.([]consumer.InterfaceConsumer) {
		consumer.ProducerNewRtpStream(rtpStream, mappedSsrc)
	}
}

// Transport listener.
func (r *Router) OnTransportProducerRtpStreamScore(transport *transbase.Transport, producer *producer.Producer, rtpStream *streamRecv.StreamRecv, score uint8, previousScore uint8) {
	consumers, ok := r.MapProducerConsumers.Load(producer)
	if !ok {
		mylog.Logger.Errorf("OnTransportProducerRtpStreamScore cant find producer[%s]->consumers", producer.Id)
		return
	}

	for _, consumer := range consumers.([]consumer.InterfaceConsumer) {
		consumer.ProducerRtpStreamScore(rtpStream, score, previousScore)
	}
}

// Transport listener.
func (r *Router) OnTransportProducerRtcpSenderReport(transport *transbase.Transport, producer *producer.Producer, rtpStream *streamRecv.StreamRecv, first bool) {
	consumers, ok := r.MapProducerConsumers.Load(producer)
	if !ok {
		mylog.Logger.Errorf("OnTransportProducerRtcpSenderReport cant find producer[%s]->consumers", producer.Id)
		return
	}

	for _, consumer := range consumers.([]consumer.InterfaceConsumer) {
		consumer.ProducerRtcpSenderReport(rtpStream, first)
	}
}

// Transport listener.
func (r *Router) OnTransportConsumerKeyFrameRequested(transport *transbase.Transport, consumer consumer.InterfaceConsumer, mappedSsrc uint32) {
	v, ok := r.mapConsumerProducer.Load(consumer)
	if !ok {
		return
	}

	producer := v.(*producer.Producer)
	producer.RequestKeyFrame(mappedSsrc)
}

// Transport listener.
func (r *Router) OnTransportNeedWorstRemoteFractionLost(transport *transbase.Transport, producer *producer.Producer, mappedSsrc uint32, worstRemoteFractionLost *uint8) {
	consumers, ok := r.MapProducerConsumers.Load(producer)
	if !ok {
		mylog.Logger.Errorf("OnTransportNeedWorstRemoteFractionLost cant find producer[%s]->consumers", producer.Id)
		return
	}

	for _, consumer := range consumers.([]consumer.InterfaceConsumer) {
		consumer.NeedWorstRemoteFractionLost(mappedSsrc, worstRemoteFractionLost)
	}
}

// Transport listener.
func (r *Router) OnTransportProducerClosed(transport *transbase.Transport, producer *producer.Producer) {
	mapProducerConsumersIt, ok := r.MapProducerConsumers.Load(producer)
	if !ok {
		mylog.Logger.Errorf("OnTransportProducerClosed cant find producer[%s]->consumers", producer.Id)
		return
	}

	r.MapProducerConsumers.Delete(producer)
	for _, consumer := range mapProducerConsumersIt.([]consumer.InterfaceConsumer) {
		consumer.ProducerClosed()
	}

	r.MapProducers.Delete(producer.Id)
	producer.Close()
}

// Transport listener.
func (r *Router) OnTransportConsumerProducerClosed(transport *transbase.Transport, consumer consumer.InterfaceConsumer) {
	r.mapConsumerProducer.Delete(consumer)
	consumer.Close()
}

// Transport listener.
func (r *Router) OnTransportConsumerClosed(transport *transbase.Transport, consumerClosed consumer.InterfaceConsumer) {
	v, ok := r.mapConsumerProducer.Load(consumerClosed)
	if !ok {
		mylog.Logger.Errorf("[OnTransportConsumerClosed] consumerId[%s] not present in mapConsumerProducer", consumerClosed.ID())
		return
	}

	Producer := v.(*producer.Producer)
	info, ok := r.MapProducerConsumers.Load(Producer)
	if !ok {
		mylog.Logger.Errorf("OnTransportConsumerClosed cant find producer[%s]->consumers", Producer.Id)
		r.mapConsumerProducer.Delete(consumerClosed)
		return
	}
	consumers := info.([]consumer.InterfaceConsumer)
	for index, v := range consumers {
		if v == consumerClosed {
			consumers = append(consumers[:index], consumers[index+1:]...)
			break
		}
	}
	r.MapProducerConsumers.Store(Producer, consumers)
	r.mapConsumerProducer.Delete(consumerClosed)
	consumerClosed.Close()
}

// Transport listener.
func (r *Router) OnTransportIsRouterClosed() bool {
	return r.CloseFlag
}

// Transport listener.
func (r *Router) OnTransportGetRouterId() string {
	return r.Id
}

func (r *Router) IsProducerSupportVideoAudio() (bool, bool) {
	videoFlag := false
	audioFlag := false
	r.MapProducers.Range(func(key, value interface{}) bool {
		producer := value.(*producer.Producer)
		if "video" == producer.Kind {
			videoFlag = true
		} else if "audio" == producer.Kind {
			audioFlag = true
		}

		return true
	})

	return videoFlag, audioFlag
}

func (r *Router) GetProducerVideoAbsTime() uint8 {
	var absSendTime uint8
	r.MapProducers.Range(func(key, value interface{}) bool {
		producer := value.(*producer.Producer)
		if "video" == producer.Kind {
			absSendTime = producer.RtpHeaderExtensionIds.AbsSendTime
			return false
		}
		return true
	})

	return absSendTime
}

func (r *Router) WebrtcTransportsRange(f func(key, value interface{}) bool) {
	r.MapWebrtcTransports.Range(f)
}
