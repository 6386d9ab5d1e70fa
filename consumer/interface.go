package consumer

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/compoundrtcp"
	"github.com/aoslee/mediasoup/streamRecv"
	"github.com/aoslee/mediasoup/streamSend"
)

// InterfaceConsumer is the surface the transport and router drive,
// implemented by every consumer kind.
type InterfaceConsumer interface {
	ID() string
	GetKind() string
	GetType() int
	IsActive() bool
	Close()

	// Upstream producer stream plumbing.
	ProducerRtpStream(stream *streamRecv.StreamRecv, mappedSsrc uint32)
	ProducerNewRtpStream(stream *streamRecv.StreamRecv, mappedSsrc uint32)
	ProducerRtpStreamScore(stream *streamRecv.StreamRecv, score uint8, previousScore uint8)
	ProducerRtcpSenderReport(stream *streamRecv.StreamRecv, first bool)
	ProducerClosed()

	// Packet path.
	SendRtpPacket(packet *rtp.Packet)

	// Bitrate probing protocol, driven by the transport when bitrate is
	// externally managed.
	SetExternallyManagedBitrate()
	IsExternallyManagedBitrate() bool
	GetBitratePriority() uint16
	UseAvailableBitrate(bitrate uint32, considerLoss bool) uint32
	IncreaseTemporalLayer(bitrate uint32, considerLoss bool) uint32
	ApplyLayers()
	GetDesiredBitrate() uint32

	// RTCP.
	GetRtcp(packet *compoundrtcp.CompoundRtcp, rtpStream *streamSend.StreamSend, now uint64)
	GetRtpStream() *streamSend.StreamSend
	GetTransmissionRate(now uint64) uint32
	ReceiveNack(nack *rtcp.TransportLayerNack)
	ReceiveKeyFrameRequestPLI(packet *rtcp.PictureLossIndication)
	ReceiveRtcpReceiverReport(report rtcp.ReceptionReport)
	NeedWorstRemoteFractionLost(mappedSsrc uint32, worstRemoteFractionLost *uint8)
	GetMediaSsrcs() []uint32

	// Control surface.
	RequestKeyFrame()
	UserOnTransportConnected()
	UserOnTransportDisconnected()
	UserOnPaused()
	UserOnResumed()
}

// Listener receives the downward callbacks of a consumer.
type Listener interface {
	OnConsumerSendRtpPacket(consumer InterfaceConsumer, packet *rtp.Packet)
	OnConsumerRetransmitRtpPacket(consumer InterfaceConsumer, packet *rtp.Packet, probation bool)
	OnConsumerKeyFrameRequested(consumer InterfaceConsumer, mappedSsrc uint32)
	OnConsumerNeedBitrateChange(consumer InterfaceConsumer)
	OnConsumerProducerClosed(consumer InterfaceConsumer)
}

// Notifier receives the upward event-channel notifications.
type Notifier interface {
	OnConsumerScore(consumer InterfaceConsumer, score ConsumerScore)
	OnConsumerLayersChange(consumer InterfaceConsumer, layers *VideoLayer)
}
