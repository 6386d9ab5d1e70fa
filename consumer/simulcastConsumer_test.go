package consumer

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoslee/mediasoup/rtpparameters"
	"github.com/aoslee/mediasoup/rtpstream"
	"github.com/aoslee/mediasoup/streamRecv"
	"github.com/aoslee/mediasoup/uvtime"
)

const (
	outSsrc = uint32(900001)
	ssrc0   = uint32(1111)
	ssrc1   = uint32(2222)
	ssrc2   = uint32(3333)
)

type capturedListener struct {
	sent              []*rtp.Packet
	retransmitted     []*rtp.Packet
	keyFrameRequests  []uint32
	needBitrateChange int
	producerClosed    int
}

func (l *capturedListener) OnConsumerSendRtpPacket(c InterfaceConsumer, packet *rtp.Packet) {
	l.sent = append(l.sent, packet.Clone())
}

func (l *capturedListener) OnConsumerRetransmitRtpPacket(c InterfaceConsumer, packet *rtp.Packet, probation bool) {
	l.retransmitted = append(l.retransmitted, packet.Clone())
}

func (l *capturedListener) OnConsumerKeyFrameRequested(c InterfaceConsumer, mappedSsrc uint32) {
	l.keyFrameRequests = append(l.keyFrameRequests, mappedSsrc)
}

func (l *capturedListener) OnConsumerNeedBitrateChange(c InterfaceConsumer) {
	l.needBitrateChange++
}

func (l *capturedListener) OnConsumerProducerClosed(c InterfaceConsumer) {
	l.producerClosed++
}

type capturedNotifier struct {
	scores []ConsumerScore
	layers []*VideoLayer
}

func (n *capturedNotifier) OnConsumerScore(c InterfaceConsumer, score ConsumerScore) {
	n.scores = append(n.scores, score)
}

func (n *capturedNotifier) OnConsumerLayersChange(c InterfaceConsumer, layers *VideoLayer) {
	if layers == nil {
		n.layers = append(n.layers, nil)
		return
	}
	cp := *layers
	n.layers = append(n.layers, &cp)
}

func buildVP8Payload(pictureId uint16, tl0 uint8, tid uint8, layerSync bool, keyFrame bool) []byte {
	b0 := byte(0x80 | 0x10) // X, S, PID 0
	b1 := byte(0x80 | 0x40 | 0x20)

	tidByte := tid << 6
	if layerSync {
		tidByte |= 0x20
	}

	frameByte := byte(0x01)
	if keyFrame {
		frameByte = 0x00
	}

	return []byte{
		b0, b1,
		0x80 | byte(pictureId>>8&0x7f), byte(pictureId),
		tl0,
		tidByte,
		frameByte, 0xde, 0xad,
	}
}

func vp8Packet(ssrc uint32, seq uint16, ts uint32, pictureId uint16, tid uint8, keyFrame bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           ssrc,
			SequenceNumber: seq,
			Timestamp:      ts,
			PayloadType:    100,
		},
		Payload: buildVP8Payload(pictureId, uint8(pictureId), tid, keyFrame, keyFrame),
	}
}

func newTestOptions(n int, temporalLayers uint8, preferred *VideoLayer) Options {
	ssrcs := []uint32{ssrc0, ssrc1, ssrc2}

	consumable := make([]rtpparameters.RtpEncodingParameters, n)
	for i := 0; i < n; i++ {
		consumable[i] = rtpparameters.RtpEncodingParameters{
			Ssrc:           ssrcs[i],
			SpatialLayers:  1,
			TemporalLayers: temporalLayers,
		}
	}

	return Options{
		Kind: "video",
		RtpParameters: rtpparameters.RtpParameters{
			Codecs: []rtpparameters.RtpCodecParameters{{
				MimeType:    "video/VP8",
				PayloadType: 100,
				ClockRate:   90000,
				RtcpFeedback: []rtpparameters.RtcpFeedback{
					{Type: "nack"},
					{Type: "nack", Parameter: "pli"},
					{Type: "ccm", Parameter: "fir"},
					{Type: "goog-remb"},
				},
			}},
			Encodings: []rtpparameters.RtpEncodingParameters{{
				Ssrc:           outSsrc,
				SpatialLayers:  uint8(n),
				TemporalLayers: temporalLayers,
			}},
			Rtcp: rtpparameters.RtcpParameters{Cname: "test"},
		},
		ConsumableRtpEncodings: consumable,
		PreferredLayers:        preferred,
	}
}

func newProducerStream(ssrc uint32, temporalLayers uint8, score uint8) *streamRecv.StreamRecv {
	params := rtpstream.Params{
		SSRC:           ssrc,
		ClockRate:      90000,
		PayloadType:    100,
		MimeType:       "video/VP8",
		SpatialLayers:  1,
		TemporalLayers: temporalLayers,
	}
	stream := streamRecv.NewStreamRecv(params, nil)
	stream.SetScore(score)
	// Pretend the stream has been alive for a while.
	stream.ActiveSinceMs = uint64(uvtime.GettimeMs()) - 10000
	return stream
}

func newTestConsumer(t *testing.T, n int, temporalLayers uint8, preferred *VideoLayer) (*SimulcastConsumer, *capturedListener, *capturedNotifier) {
	listener := &capturedListener{}
	notifier := &capturedNotifier{}
	c, err := NewSimulcastConsumer("consumer-1", listener, notifier, newTestOptions(n, temporalLayers, preferred))
	require.NoError(t, err)
	return c, listener, notifier
}

func TestSimulcastConsumerConstructionErrors(t *testing.T) {
	listener := &capturedListener{}
	notifier := &capturedNotifier{}

	// Single encoding is not simulcast.
	_, err := NewSimulcastConsumer("c", listener, notifier, newTestOptions(1, 3, nil))
	assert.ErrorIs(t, err, ErrTypeError)

	// Mismatching spatial layer count.
	options := newTestOptions(3, 3, nil)
	options.RtpParameters.Encodings[0].SpatialLayers = 2
	_, err = NewSimulcastConsumer("c", listener, notifier, options)
	assert.ErrorIs(t, err, ErrTypeError)

	// Non-simulcast capable codec.
	options = newTestOptions(3, 3, nil)
	options.RtpParameters.Codecs[0].MimeType = "audio/opus"
	_, err = NewSimulcastConsumer("c", listener, notifier, options)
	assert.ErrorIs(t, err, ErrTypeError)
}

func TestSimulcastConsumerDefaultPreferredLayers(t *testing.T) {
	c, _, _ := newTestConsumer(t, 3, 3, nil)

	assert.Equal(t, VideoLayer{SpatialLayer: 2, TemporalLayer: 2}, c.GetPreferredLayers())
	assert.Equal(t, VideoLayer{SpatialLayer: -1, TemporalLayer: -1}, c.GetTargetLayers())
	assert.Nil(t, c.GetCurrentLayers())
}

// S1: startup with healthy layers.
func TestStartupWithHealthyLayers(t *testing.T) {
	c, listener, notifier := newTestConsumer(t, 3, 3, nil)

	streams := []*streamRecv.StreamRecv{
		newProducerStream(ssrc0, 3, 8),
		newProducerStream(ssrc1, 3, 8),
		newProducerStream(ssrc2, 3, 8),
	}
	c.ProducerRtpStream(streams[0], ssrc0)
	c.ProducerRtpStream(streams[1], ssrc1)
	c.ProducerRtpStream(streams[2], ssrc2)

	c.UserOnTransportConnected()

	// Targets converge to the top spatial layer with max temporal.
	assert.Equal(t, VideoLayer{SpatialLayer: 2, TemporalLayer: 2}, c.GetTargetLayers())
	// A key frame was requested on the target layer.
	require.NotEmpty(t, listener.keyFrameRequests)
	assert.Equal(t, ssrc2, listener.keyFrameRequests[0])
	// tsReference anchored on the first target, never to change.
	assert.EqualValues(t, 2, c.tsReferenceSpatialLayer)

	// Non-key packets on the target layer are dropped while waiting.
	c.SendRtpPacket(vp8Packet(ssrc2, 100, 10000, 500, 0, false))
	assert.Empty(t, listener.sent)
	assert.Nil(t, c.GetCurrentLayers())

	// The key frame on the target layer advances currentSpatial.
	c.SendRtpPacket(vp8Packet(ssrc2, 101, 10000, 501, 0, true))
	require.Len(t, listener.sent, 1)
	assert.Equal(t, outSsrc, listener.sent[0].SSRC)
	// Reference layer: tsOffset is zero.
	assert.EqualValues(t, 10000, listener.sent[0].Timestamp)
	require.NotNil(t, c.GetCurrentLayers())
	assert.EqualValues(t, 2, c.GetCurrentLayers().SpatialLayer)

	// layerschange and score were emitted.
	require.NotEmpty(t, notifier.layers)
	require.NotNil(t, notifier.layers[len(notifier.layers)-1])
	require.NotEmpty(t, notifier.scores)
	assert.EqualValues(t, 10, notifier.scores[len(notifier.scores)-1].Score)

	// A packet from a non-selected layer is dropped.
	c.SendRtpPacket(vp8Packet(ssrc0, 30, 444, 100, 0, false))
	assert.Len(t, listener.sent, 1)

	// Subsequent packets on the current layer flow.
	c.SendRtpPacket(vp8Packet(ssrc2, 102, 13000, 502, 0, false))
	require.Len(t, listener.sent, 2)
	assert.EqualValues(t, 13000, listener.sent[1].Timestamp)
	assert.Equal(t, listener.sent[0].SequenceNumber+1, listener.sent[1].SequenceNumber)
}

// S2/S5: downgrade on layer death with cross-layer timestamp resync.
func TestDowngradeWithCrossLayerResync(t *testing.T) {
	c, listener, notifier := newTestConsumer(t, 2, 1, nil)

	stream0 := newProducerStream(ssrc0, 1, 8)
	stream1 := newProducerStream(ssrc1, 1, 8)

	// Only layer 1 known at start: it becomes target and ts reference.
	c.ProducerRtpStream(stream1, ssrc1)
	c.UserOnTransportConnected()
	assert.EqualValues(t, 1, c.GetTargetLayers().SpatialLayer)
	assert.EqualValues(t, 1, c.tsReferenceSpatialLayer)

	// Key frame on layer 1; forwarding starts with tsOffset 0.
	c.SendRtpPacket(vp8Packet(ssrc1, 100, 10000, 500, 0, true))
	c.SendRtpPacket(vp8Packet(ssrc1, 101, 16000, 501, 0, false))
	require.Len(t, listener.sent, 2)
	assert.EqualValues(t, 16000, listener.sent[1].Timestamp)

	// Sender Reports on both layers enable cross-layer switching.
	// Reference layer (1): NtpMs 1000, ts 10000. Layer 0: NtpMs 1050, ts 55000.
	stream1.LastSenderReportNtpMs = 1000
	stream1.LastSenderReportTs = 10000
	stream0.LastSenderReportNtpMs = 1050
	stream0.LastSenderReportTs = 55000

	// Layer 1 dies, layer 0 appears.
	c.ProducerRtpStream(stream0, ssrc0)
	stream1.SetScore(0)
	c.ProducerRtpStreamScore(stream1, 0, 8)

	assert.EqualValues(t, 0, c.GetTargetLayers().SpatialLayer)
	// Key frame requested on the new target layer.
	assert.Contains(t, listener.keyFrameRequests, ssrc0)
	// Reference layer never reassigned.
	assert.EqualValues(t, 1, c.tsReferenceSpatialLayer)

	// Until the key frame arrives, layer-1 packets keep flowing.
	c.SendRtpPacket(vp8Packet(ssrc1, 102, 16000, 502, 0, false))
	require.Len(t, listener.sent, 3)

	// Key frame on layer 0 at ts 55000:
	// diffMs = 50 -> diffTicks = 4500, newTs2 = 50500, tsOffset = 40500,
	// outgoing ts = 14500 which would regress vs 16000, so the extra
	// offset forces 16001.
	c.SendRtpPacket(vp8Packet(ssrc0, 700, 55000, 100, 0, true))
	require.Len(t, listener.sent, 4)
	assert.EqualValues(t, 16001, listener.sent[3].Timestamp)
	assert.EqualValues(t, 0, c.GetCurrentLayers().SpatialLayer)

	// Output sequence numbers keep a gapless run across the switch.
	assert.Equal(t, listener.sent[2].SequenceNumber+1, listener.sent[3].SequenceNumber)

	// Further layer-0 packets keep the extra offset per input timestamp.
	c.SendRtpPacket(vp8Packet(ssrc0, 701, 55000, 100, 0, true))
	require.Len(t, listener.sent, 5)
	assert.EqualValues(t, 16001, listener.sent[4].Timestamp)

	// layerschange notified the downgrade.
	last := notifier.layers[len(notifier.layers)-1]
	require.NotNil(t, last)
	assert.EqualValues(t, 0, last.SpatialLayer)
}

// S3: preference clamping.
func TestSetPreferredLayersClamped(t *testing.T) {
	c, _, _ := newTestConsumer(t, 3, 3, nil)

	err := c.HandleSetPreferredLayersRequest(map[string]interface{}{
		"spatialLayer":  float64(99),
		"temporalLayer": float64(99),
	})
	require.NoError(t, err)
	assert.Equal(t, VideoLayer{SpatialLayer: 2, TemporalLayer: 2}, c.GetPreferredLayers())

	// Missing spatialLayer is a type error and preserves state.
	err = c.HandleSetPreferredLayersRequest(map[string]interface{}{"temporalLayer": float64(1)})
	assert.ErrorIs(t, err, ErrTypeError)
	assert.Equal(t, VideoLayer{SpatialLayer: 2, TemporalLayer: 2}, c.GetPreferredLayers())

	// Ill-typed spatialLayer as well.
	err = c.HandleSetPreferredLayersRequest(map[string]interface{}{"spatialLayer": "high"})
	assert.ErrorIs(t, err, ErrTypeError)
}

func TestPreferredLayersDriveTemporalChoice(t *testing.T) {
	c, _, _ := newTestConsumer(t, 3, 3, &VideoLayer{SpatialLayer: 1, TemporalLayer: 1})

	streams := []*streamRecv.StreamRecv{
		newProducerStream(ssrc0, 3, 8),
		newProducerStream(ssrc1, 3, 8),
		newProducerStream(ssrc2, 3, 8),
	}
	c.ProducerRtpStream(streams[0], ssrc0)
	c.ProducerRtpStream(streams[1], ssrc1)
	c.ProducerRtpStream(streams[2], ssrc2)

	c.UserOnTransportConnected()

	// Preferred spatial reached: preferred temporal applies.
	assert.Equal(t, VideoLayer{SpatialLayer: 1, TemporalLayer: 1}, c.GetTargetLayers())
}

// S4: bitrate allocator round.
func TestUseAvailableBitrateRound(t *testing.T) {
	c, _, _ := newTestConsumer(t, 2, 3, nil)
	c.SetExternallyManagedBitrate()

	stream0 := newProducerStream(ssrc0, 3, 8)
	stream1 := newProducerStream(ssrc1, 3, 8)
	c.ProducerRtpStream(stream0, ssrc0)
	c.ProducerRtpStream(stream1, ssrc1)
	c.UserOnTransportConnected()

	now := uint64(uvtime.GettimeMs())

	// Feed layer bitrates: layer 0 temporals cost 200k/250k/600k
	// (cumulative 200k/450k/1050k), layer 1 temporal 0 costs 700k.
	feed := func(stream *streamRecv.StreamRecv, temporal int, bitrate uint32) {
		// The 2500 ms window scales bytes by 3.2 to bps.
		payload := int(float64(bitrate)/3.2) - 12
		pkt := &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: make([]byte, payload)}
		stream.TransmissionCounter.SpatialLayerCounters[0][temporal].UpdateByTime(pkt, now)
	}
	feed(stream0, 0, 200000)
	feed(stream0, 1, 250000)
	feed(stream0, 2, 600000)
	feed(stream1, 0, 700000)

	// 500 kbps with low loss -> virtual bitrate 540 kbps.
	consumed := c.UseAvailableBitrate(500000, true)
	assert.EqualValues(t, 450000, consumed)
	assert.EqualValues(t, 0, c.provisionalTargetSpatialLayer)
	assert.EqualValues(t, 1, c.provisionalTargetTemporalLayer)

	// The next temporal layer needs 600k > 540k: no upgrade.
	assert.EqualValues(t, 0, c.IncreaseTemporalLayer(500000, true))

	c.ApplyLayers()
	assert.Equal(t, VideoLayer{SpatialLayer: 0, TemporalLayer: 1}, c.GetTargetLayers())
	// Provisional state is reset after ApplyLayers.
	assert.EqualValues(t, -1, c.provisionalTargetSpatialLayer)
	assert.EqualValues(t, -1, c.provisionalTargetTemporalLayer)
}

func TestIncreaseTemporalLayerWithinBudget(t *testing.T) {
	c, _, _ := newTestConsumer(t, 2, 3, nil)
	c.SetExternallyManagedBitrate()

	stream0 := newProducerStream(ssrc0, 3, 8)
	c.ProducerRtpStream(stream0, ssrc0)
	c.UserOnTransportConnected()

	now := uint64(uvtime.GettimeMs())
	feed := func(temporal int, bitrate uint32) {
		payload := int(float64(bitrate)/3.2) - 12
		pkt := &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: make([]byte, payload)}
		stream0.TransmissionCounter.SpatialLayerCounters[0][temporal].UpdateByTime(pkt, now)
	}
	feed(0, 100000)
	feed(1, 50000)

	consumed := c.UseAvailableBitrate(120000, false)
	assert.EqualValues(t, 100000, consumed)
	assert.EqualValues(t, 0, c.provisionalTargetTemporalLayer)

	// The incremental cost of temporal 1 is 50k, within budget.
	assert.EqualValues(t, 50000, c.IncreaseTemporalLayer(80000, false))
	assert.EqualValues(t, 1, c.provisionalTargetTemporalLayer)
}

func TestGetBitratePriority(t *testing.T) {
	c, _, _ := newTestConsumer(t, 3, 3, nil)
	c.SetExternallyManagedBitrate()
	c.UserOnTransportConnected()

	// No viable layer: still > 0 so the allocator keeps calling in.
	assert.EqualValues(t, 1, c.GetBitratePriority())

	stream0 := newProducerStream(ssrc0, 3, 8)
	c.ProducerRtpStream(stream0, ssrc0)
	assert.EqualValues(t, 1, c.GetBitratePriority())

	stream2 := newProducerStream(ssrc2, 3, 8)
	c.ProducerRtpStream(stream2, ssrc2)
	assert.EqualValues(t, 3, c.GetBitratePriority())

	// Inactive consumer has no priority.
	c.UserOnTransportDisconnected()
	assert.EqualValues(t, 0, c.GetBitratePriority())
}

func TestUseAvailableBitrateWithNothingViable(t *testing.T) {
	c, _, notifier := newTestConsumer(t, 2, 1, nil)
	c.SetExternallyManagedBitrate()

	stream0 := newProducerStream(ssrc0, 1, 8)
	c.ProducerRtpStream(stream0, ssrc0)
	c.UserOnTransportConnected()

	// Establish a target first.
	now := uint64(uvtime.GettimeMs())
	payload := int(float64(100000)/3.2) - 12
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: make([]byte, payload)}
	stream0.TransmissionCounter.SpatialLayerCounters[0][0].UpdateByTime(pkt, now)

	assert.EqualValues(t, 100000, c.UseAvailableBitrate(1000000, true))
	c.ApplyLayers()
	assert.Equal(t, VideoLayer{SpatialLayer: 0, TemporalLayer: 0}, c.GetTargetLayers())

	// The stream dies: nothing fits anymore, provisional stays -1 and
	// applying transitions to the "no target" state.
	stream0.SetScore(0)
	assert.EqualValues(t, 0, c.UseAvailableBitrate(1000000, true))
	c.ApplyLayers()
	assert.Equal(t, VideoLayer{SpatialLayer: -1, TemporalLayer: -1}, c.GetTargetLayers())
	// layerschange(null) was emitted.
	require.NotEmpty(t, notifier.layers)
	assert.Nil(t, notifier.layers[len(notifier.layers)-1])
}

// S6: transport disconnect and reconnect.
func TestTransportDisconnect(t *testing.T) {
	c, listener, notifier := newTestConsumer(t, 3, 3, nil)

	streams := []*streamRecv.StreamRecv{
		newProducerStream(ssrc0, 3, 8),
		newProducerStream(ssrc1, 3, 8),
		newProducerStream(ssrc2, 3, 8),
	}
	c.ProducerRtpStream(streams[0], ssrc0)
	c.ProducerRtpStream(streams[1], ssrc1)
	c.ProducerRtpStream(streams[2], ssrc2)
	c.UserOnTransportConnected()
	c.SendRtpPacket(vp8Packet(ssrc2, 101, 10000, 501, 0, true))
	require.Len(t, listener.sent, 1)

	c.UserOnTransportDisconnected()

	assert.Equal(t, VideoLayer{SpatialLayer: -1, TemporalLayer: -1}, c.GetTargetLayers())
	assert.Nil(t, c.GetCurrentLayers())
	assert.Nil(t, notifier.layers[len(notifier.layers)-1])

	// Packets are dropped silently while disconnected.
	c.SendRtpPacket(vp8Packet(ssrc2, 102, 11000, 502, 0, true))
	assert.Len(t, listener.sent, 1)

	// Reconnect re-plans and requires a new sync.
	kfRequestsBefore := len(listener.keyFrameRequests)
	c.UserOnTransportConnected()
	assert.True(t, c.syncRequired)
	assert.EqualValues(t, 2, c.GetTargetLayers().SpatialLayer)
	assert.Greater(t, len(listener.keyFrameRequests), kfRequestsBefore)
}

func TestPauseNotifiesAllocator(t *testing.T) {
	c, listener, _ := newTestConsumer(t, 3, 3, nil)
	c.SetExternallyManagedBitrate()

	stream2 := newProducerStream(ssrc2, 3, 8)
	c.ProducerRtpStream(stream2, ssrc2)
	c.UserOnTransportConnected()

	before := listener.needBitrateChange
	c.UserOnPaused()
	assert.Equal(t, VideoLayer{SpatialLayer: -1, TemporalLayer: -1}, c.GetTargetLayers())
	assert.Greater(t, listener.needBitrateChange, before)
}

func TestRequestKeyFrameTargetsBothLayers(t *testing.T) {
	c, listener, _ := newTestConsumer(t, 2, 1, nil)

	stream0 := newProducerStream(ssrc0, 1, 8)
	stream1 := newProducerStream(ssrc1, 1, 8)
	c.ProducerRtpStream(stream1, ssrc1)
	c.UserOnTransportConnected()
	c.SendRtpPacket(vp8Packet(ssrc1, 100, 10000, 500, 0, true))

	// Switch pending towards layer 0 while layer 1 is current.
	stream1.LastSenderReportNtpMs = 1000
	stream1.LastSenderReportTs = 10000
	stream0.LastSenderReportNtpMs = 1000
	stream0.LastSenderReportTs = 10000
	c.ProducerRtpStream(stream0, ssrc0)
	stream1.SetScore(0)
	c.ProducerRtpStreamScore(stream1, 0, 8)

	listener.keyFrameRequests = nil
	c.HandleRequestKeyFrame()

	// Both target (0) and current (1) upstream layers were asked.
	assert.Contains(t, listener.keyFrameRequests, ssrc0)
	assert.Contains(t, listener.keyFrameRequests, ssrc1)
}

func TestOutputSeqAndTsMonotonic(t *testing.T) {
	c, listener, _ := newTestConsumer(t, 2, 3, nil)

	stream0 := newProducerStream(ssrc0, 3, 8)
	stream1 := newProducerStream(ssrc1, 3, 8)
	c.ProducerRtpStream(stream0, ssrc0)
	c.ProducerRtpStream(stream1, ssrc1)

	stream0.LastSenderReportNtpMs = 1000
	stream0.LastSenderReportTs = 1000
	stream1.LastSenderReportNtpMs = 1000
	stream1.LastSenderReportTs = 90000

	c.UserOnTransportConnected()
	require.EqualValues(t, 1, c.GetTargetLayers().SpatialLayer)

	c.SendRtpPacket(vp8Packet(ssrc1, 60000, 90000, 100, 0, true))
	for i := 1; i < 50; i++ {
		c.SendRtpPacket(vp8Packet(ssrc1, 60000+uint16(i), 90000+uint32(i)*3000, 100+uint16(i), 0, false))
	}

	// Downgrade to layer 0.
	stream1.SetScore(0)
	c.ProducerRtpStreamScore(stream1, 0, 8)
	c.SendRtpPacket(vp8Packet(ssrc0, 10, 500, 700, 0, true))
	for i := 1; i < 50; i++ {
		c.SendRtpPacket(vp8Packet(ssrc0, 10+uint16(i), 500+uint32(i)*3000, 700+uint16(i), 0, false))
	}

	require.Greater(t, len(listener.sent), 90)
	for i := 1; i < len(listener.sent); i++ {
		seqDelta := listener.sent[i].SequenceNumber - listener.sent[i-1].SequenceNumber
		assert.True(t, seqDelta > 0 && seqDelta < 32768, "seq not monotonic at %d", i)

		tsDelta := listener.sent[i].Timestamp - listener.sent[i-1].Timestamp
		assert.True(t, tsDelta < 1<<31, "ts regressed at %d", i)
	}
}

func TestCurrentAdvancesOnlyOnTargetKeyFrame(t *testing.T) {
	c, listener, _ := newTestConsumer(t, 3, 3, nil)

	streams := []*streamRecv.StreamRecv{
		newProducerStream(ssrc0, 3, 8),
		newProducerStream(ssrc1, 3, 8),
		newProducerStream(ssrc2, 3, 8),
	}
	c.ProducerRtpStream(streams[0], ssrc0)
	c.ProducerRtpStream(streams[1], ssrc1)
	c.ProducerRtpStream(streams[2], ssrc2)
	c.UserOnTransportConnected()

	// Key frames on non-target layers do not advance currentSpatial.
	c.SendRtpPacket(vp8Packet(ssrc0, 1, 100, 1, 0, true))
	c.SendRtpPacket(vp8Packet(ssrc1, 1, 100, 1, 0, true))
	assert.Nil(t, c.GetCurrentLayers())
	assert.Empty(t, listener.sent)

	c.SendRtpPacket(vp8Packet(ssrc2, 1, 100, 1, 0, true))
	require.NotNil(t, c.GetCurrentLayers())
	assert.EqualValues(t, 2, c.GetCurrentLayers().SpatialLayer)
}

func TestExternallyManagedDefersToAllocator(t *testing.T) {
	c, listener, _ := newTestConsumer(t, 3, 3, nil)
	c.SetExternallyManagedBitrate()

	stream2 := newProducerStream(ssrc2, 3, 8)
	c.ProducerRtpStream(stream2, ssrc2)

	c.UserOnTransportConnected()

	// With external bitrate management the consumer only signals the
	// allocator instead of committing target layers itself.
	assert.Equal(t, VideoLayer{SpatialLayer: -1, TemporalLayer: -1}, c.GetTargetLayers())
	assert.Greater(t, listener.needBitrateChange, 0)
}
