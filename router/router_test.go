package router

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoslee/mediasoup/consumer"
	"github.com/aoslee/mediasoup/rtpparameters"
	"github.com/aoslee/mediasoup/transbase"
	"github.com/aoslee/mediasoup/uvtime"
)

const (
	prodSsrc0 = uint32(4001)
	prodSsrc1 = uint32(4002)
	outSsrc   = uint32(5001)
)

type captureSink struct {
	rtpPackets  []*rtp.Packet
	rtcpPackets [][]rtcp.Packet
}

func (s *captureSink) WriteRtp(packet *rtp.Packet) error {
	s.rtpPackets = append(s.rtpPackets, packet.Clone())
	return nil
}

func (s *captureSink) WriteRtcp(packets []rtcp.Packet) error {
	s.rtcpPackets = append(s.rtcpPackets, packets)
	return nil
}

type captureNotifier struct {
	layers []*consumer.VideoLayer
	scores []consumer.ConsumerScore
}

func (n *captureNotifier) OnConsumerScore(c consumer.InterfaceConsumer, score consumer.ConsumerScore) {
	n.scores = append(n.scores, score)
}

func (n *captureNotifier) OnConsumerLayersChange(c consumer.InterfaceConsumer, layers *consumer.VideoLayer) {
	n.layers = append(n.layers, layers)
}

func videoRtpParameters(ssrcs []uint32, outgoing bool) rtpparameters.RtpParameters {
	params := rtpparameters.RtpParameters{
		Codecs: []rtpparameters.RtpCodecParameters{{
			MimeType:    "video/VP8",
			PayloadType: 100,
			ClockRate:   90000,
			RtcpFeedback: []rtpparameters.RtcpFeedback{
				{Type: "nack", Parameter: "pli"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "goog-remb"},
			},
		}},
		Rtcp: rtpparameters.RtcpParameters{Cname: "it-test"},
	}

	if outgoing {
		params.Encodings = []rtpparameters.RtpEncodingParameters{{
			Ssrc:           outSsrc,
			SpatialLayers:  uint8(len(ssrcs)),
			TemporalLayers: 1,
		}}
		return params
	}

	for _, ssrc := range ssrcs {
		params.Encodings = append(params.Encodings, rtpparameters.RtpEncodingParameters{
			Ssrc:           ssrc,
			SpatialLayers:  1,
			TemporalLayers: 1,
		})
	}
	return params
}

func vp8KeyFramePacket(ssrc uint32, seq uint16, ts uint32, pictureId uint16) *rtp.Packet {
	payload := []byte{
		0x90 | 0x00, 0xc0, // X+S, I+L
		0x80 | byte(pictureId>>8&0x7f), byte(pictureId),
		0x01, // TL0PICIDX
		0x00, 0xde, 0xad,
	}
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           ssrc,
			SequenceNumber: seq,
			Timestamp:      ts,
			PayloadType:    100,
		},
		Payload: payload,
	}
}

func TestRouterForwardsSimulcastEndToEnd(t *testing.T) {
	r := NewRouter("room-1")

	producerSink := &captureSink{}
	consumerSink := &captureSink{}

	producerTransport := r.CreateWebrtcTransport("peer-producer", producerSink, transbase.PUSH_TYPE)
	require.NotNil(t, producerTransport)
	consumerTransport := r.CreateWebrtcTransport("peer-consumer", consumerSink, transbase.GET_TYPE)
	require.NotNil(t, consumerTransport)

	producerSsrcs := []uint32{prodSsrc0, prodSsrc1}
	p := producerTransport.TransportProducer("producer-1", "video", videoRtpParameters(producerSsrcs, false))
	require.NotNil(t, p)

	notifier := &captureNotifier{}
	options := consumer.Options{
		Kind:                   "video",
		RtpParameters:          videoRtpParameters(producerSsrcs, true),
		ConsumableRtpEncodings: videoRtpParameters(producerSsrcs, false).Encodings,
	}
	c, err := consumerTransport.TransportConsumer("consumer-1", "producer-1", notifier, options, false)
	require.NoError(t, err)
	assert.Equal(t, consumer.ConsumerType_SIMULCAST, c.GetType())

	consumerTransport.UserOnConnected()

	// Feed key frames on both upstream layers. Stream creation happens on
	// first packet; the router announces each new stream to the consumer.
	producerTransport.OnRtpDataReceived(vp8KeyFramePacket(prodSsrc0, 1, 1000, 10))
	producerTransport.OnRtpDataReceived(vp8KeyFramePacket(prodSsrc1, 1, 2000, 20))

	// The consumer locked onto a layer and forwarded the key frame with
	// the outgoing ssrc.
	require.NotEmpty(t, consumerSink.rtpPackets)
	assert.Equal(t, outSsrc, consumerSink.rtpPackets[0].SSRC)

	// More packets on the selected layer keep flowing.
	selected := consumerSink.rtpPackets[0].Timestamp
	var selectedSsrc uint32
	if selected == 1000 {
		selectedSsrc = prodSsrc0
	} else {
		selectedSsrc = prodSsrc1
	}
	before := len(consumerSink.rtpPackets)
	producerTransport.OnRtpDataReceived(vp8KeyFramePacket(selectedSsrc, 2, 5000, 30))
	assert.Greater(t, len(consumerSink.rtpPackets), before)

	// The layers change notification fired.
	require.NotEmpty(t, notifier.layers)
	assert.NotNil(t, notifier.layers[len(notifier.layers)-1])

	// A PLI from the receiving endpoint travels to the upstream producer
	// as a key frame request.
	consumerTransport.ReceiveRtcpPacket(&rtcp.PictureLossIndication{MediaSSRC: outSsrc})
	require.NotEmpty(t, producerSink.rtcpPackets)
	foundPli := false
	for _, packets := range producerSink.rtcpPackets {
		for _, packet := range packets {
			if _, ok := packet.(*rtcp.PictureLossIndication); ok {
				foundPli = true
			}
		}
	}
	assert.True(t, foundPli)
}

func TestDistributeAvailableOutgoingBitrate(t *testing.T) {
	r := NewRouter("room-2")

	producerSink := &captureSink{}
	consumerSink := &captureSink{}

	producerTransport := r.CreateWebrtcTransport("peer-p", producerSink, transbase.PUSH_TYPE)
	consumerTransport := r.CreateWebrtcTransport("peer-c", consumerSink, transbase.GET_TYPE)

	producerSsrcs := []uint32{prodSsrc0, prodSsrc1}
	p := producerTransport.TransportProducer("producer-2", "video", videoRtpParameters(producerSsrcs, false))
	require.NotNil(t, p)

	// Consumer A wants the top spatial layer (default preference).
	notifierA := &captureNotifier{}
	optionsA := consumer.Options{
		Kind:                   "video",
		RtpParameters:          videoRtpParameters(producerSsrcs, true),
		ConsumableRtpEncodings: videoRtpParameters(producerSsrcs, false).Encodings,
	}
	ca, err := consumerTransport.TransportConsumer("consumer-a", "producer-2", notifierA, optionsA, true)
	require.NoError(t, err)

	// Consumer B is capped at spatial layer 0, so its bitrate priority is
	// lower than A's.
	notifierB := &captureNotifier{}
	optionsB := consumer.Options{
		Kind:                   "video",
		RtpParameters:          videoRtpParameters(producerSsrcs, true),
		ConsumableRtpEncodings: videoRtpParameters(producerSsrcs, false).Encodings,
		PreferredLayers:        &consumer.VideoLayer{SpatialLayer: 0, TemporalLayer: -1},
	}
	optionsB.RtpParameters.Encodings[0].Ssrc = outSsrc + 1
	cb, err := consumerTransport.TransportConsumer("consumer-b", "producer-2", notifierB, optionsB, true)
	require.NoError(t, err)

	consumerTransport.UserOnConnected()

	// Register upstream streams.
	producerTransport.OnRtpDataReceived(vp8KeyFramePacket(prodSsrc0, 1, 1000, 10))
	producerTransport.OnRtpDataReceived(vp8KeyFramePacket(prodSsrc1, 1, 2000, 20))

	// Feed per-layer bitrates: layer 0 costs ~100 kbps, layer 1 ~250 kbps.
	now := uint64(uvtime.GettimeMs())
	feed := func(ssrc uint32, bitrate uint32) {
		stream := p.GetRtpStreams()[ssrc]
		require.NotNil(t, stream)
		stream.ActiveSinceMs = now - 10000
		payload := int(float64(bitrate)/3.2) - 12
		pkt := &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: make([]byte, payload)}
		stream.TransmissionCounter.SpatialLayerCounters[0][0].UpdateByTime(pkt, now)
	}
	feed(prodSsrc0, 100000)
	feed(prodSsrc1, 250000)

	sa := ca.(*consumer.SimulcastConsumer)
	sb := cb.(*consumer.SimulcastConsumer)

	// Externally managed consumers never picked layers on their own.
	assert.EqualValues(t, -1, sa.GetTargetLayers().SpatialLayer)
	assert.EqualValues(t, -1, sb.GetTargetLayers().SpatialLayer)

	// A's highest viable layer is 1, B is capped at 0.
	assert.EqualValues(t, 2, ca.GetBitratePriority())
	assert.EqualValues(t, 1, cb.GetBitratePriority())

	// 300 kbps available: A is served first by priority and takes layer 1
	// (~250 kbps); the ~50 kbps left cannot pay for B's layer 0, so B ends
	// the round with no target.
	consumerTransport.SetAvailableOutgoingBitrate(300000)
	assert.Equal(t, consumer.VideoLayer{SpatialLayer: 1, TemporalLayer: 0}, sa.GetTargetLayers())
	assert.Equal(t, consumer.VideoLayer{SpatialLayer: -1, TemporalLayer: -1}, sb.GetTargetLayers())

	// With enough budget for both, the remainder after A covers B's
	// preferred layer 0.
	consumerTransport.SetAvailableOutgoingBitrate(600000)
	assert.Equal(t, consumer.VideoLayer{SpatialLayer: 1, TemporalLayer: 0}, sa.GetTargetLayers())
	assert.Equal(t, consumer.VideoLayer{SpatialLayer: 0, TemporalLayer: 0}, sb.GetTargetLayers())
}
