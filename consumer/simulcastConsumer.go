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

const StreamGoodScore uint8 = 5
const StreamMinActiveTime uint64 = 2000 // In ms.

// SimulcastConsumer forwards exactly one of N upstream simulcast layers,
// rewriting sequence numbers and timestamps so the receiver sees a single
// continuous stream across layer switches.
type SimulcastConsumer struct {
	Consumer

	listener Listener
	notifier Notifier

	mapMappedSsrcSpatialLayer map[uint32]int16

	// Producer streams indexed by spatial layer. Entries are nil until the
	// producer reports them. Externally owned.
	producerRtpStreams []*streamRecv.StreamRecv

	rtpStream *streamSend.StreamSend

	encodingContext codec.EncodingContext

	rtpSeqManager *seqManager.SeqManager[uint16]

	preferredSpatialLayer  int16
	preferredTemporalLayer int16

	targetSpatialLayer  int16
	targetTemporalLayer int16
	currentSpatialLayer int16

	provisionalTargetSpatialLayer  int16
	provisionalTargetTemporalLayer int16

	// First layer ever chosen as target. Anchors cross-layer RTP timestamp
	// alignment and is never reassigned.
	tsReferenceSpatialLayer int16

	tsOffset                 uint32
	tsExtraOffsets           map[uint32]uint32
	tsExtraOffsetPacketCount uint32

	syncRequired bool
}

func NewSimulcastConsumer(id string, listener Listener, notifier Notifier, options Options) (*SimulcastConsumer, error) {
	c := &SimulcastConsumer{}
	c.NewConsumer(id, ConsumerType_SIMULCAST, options)

	c.listener = listener
	c.notifier = notifier

	// Ensure there are N > 1 encodings.
	if len(options.ConsumableRtpEncodings) <= 1 {
		return nil, fmt.Errorf("%w: invalid consumableRtpEncodings with size <= 1", ErrTypeError)
	}

	if len(options.RtpParameters.Encodings) == 0 {
		return nil, fmt.Errorf("%w: missing rtpParameters.encodings", ErrTypeError)
	}

	encoding := &c.RtpParameters.Encodings[0]

	// Ensure there are as many spatial layers as encodings.
	if int(encoding.SpatialLayers) != len(options.ConsumableRtpEncodings) {
		return nil, fmt.Errorf("%w: encoding.spatialLayers does not match number of consumableRtpEncodings", ErrTypeError)
	}

	// Fill mapMappedSsrcSpatialLayer.
	c.mapMappedSsrcSpatialLayer = make(map[uint32]int16)
	for idx := range options.ConsumableRtpEncodings {
		c.mapMappedSsrcSpatialLayer[options.ConsumableRtpEncodings[idx].Ssrc] = int16(idx)
	}

	// Set preferredLayers (if given), clamped to the announced maxima.
	if options.PreferredLayers != nil {
		if options.PreferredLayers.SpatialLayer < 0 {
			return nil, fmt.Errorf("%w: missing preferredLayers.spatialLayer", ErrTypeError)
		}

		c.preferredSpatialLayer = options.PreferredLayers.SpatialLayer
		if c.preferredSpatialLayer > int16(encoding.SpatialLayers)-1 {
			c.preferredSpatialLayer = int16(encoding.SpatialLayers) - 1
		}

		if options.PreferredLayers.TemporalLayer >= 0 {
			c.preferredTemporalLayer = options.PreferredLayers.TemporalLayer
			if c.preferredTemporalLayer > int16(encoding.TemporalLayers)-1 {
				c.preferredTemporalLayer = int16(encoding.TemporalLayers) - 1
			}
		} else {
			c.preferredTemporalLayer = int16(encoding.TemporalLayers) - 1
		}
	} else {
		// Initially set preferredSpatialLayer and preferredTemporalLayer to
		// the maximum value.
		c.preferredSpatialLayer = int16(encoding.SpatialLayers) - 1
		c.preferredTemporalLayer = int16(encoding.TemporalLayers) - 1
	}

	// Reserve space for the producer RTP streams.
	c.producerRtpStreams = make([]*streamRecv.StreamRecv, len(options.ConsumableRtpEncodings))

	// Create the encoding context.
	mediaCodec := c.RtpParameters.GetCodecForEncoding(encoding)
	if mediaCodec == nil {
		return nil, fmt.Errorf("%w: no media codec for the encoding", ErrTypeError)
	}

	c.encodingContext = codec.GetEncodingContext(mediaCodec.MimeType, encoding.SpatialLayers, encoding.TemporalLayers)
	if c.encodingContext == nil {
		return nil, fmt.Errorf("%w: %s codec not supported for simulcast", ErrTypeError, mediaCodec.MimeType)
	}

	c.rtpSeqManager = seqManager.NewSeqManager[uint16]()

	c.targetSpatialLayer = -1
	c.targetTemporalLayer = -1
	c.currentSpatialLayer = -1
	c.provisionalTargetSpatialLayer = -1
	c.provisionalTargetTemporalLayer = -1
	c.tsReferenceSpatialLayer = -1
	c.tsExtraOffsets = make(map[uint32]uint32)

	// Create the RtpStreamSend instance for sending a single stream to the
	// remote.
	c.createRtpStream(mediaCodec.MimeType)

	return c, nil
}

func (c *SimulcastConsumer) createRtpStream(mimeType string) {
	encoding := &c.RtpParameters.Encodings[0]
	mediaCodec := c.RtpParameters.GetCodecForEncoding(encoding)

	mylog.Logger.Infof("createRtpStream [ssrc:%v, payloadType:%v]\n", encoding.Ssrc, mediaCodec.PayloadType)

	params := rtpstream.Params{}
	params.SSRC = encoding.Ssrc
	params.PayloadType = mediaCodec.PayloadType
	params.MimeType = mimeType
	params.ClockRate = mediaCodec.ClockRate
	params.Cname = c.RtpParameters.Rtcp.Cname
	params.SpatialLayers = encoding.SpatialLayers
	params.TemporalLayers = encoding.TemporalLayers

	if mediaCodec.Parameters["useinbandfec"] == "1" {
		params.UseInBandFec = true
	}
	if mediaCodec.Parameters["usedtx"] == "1" || encoding.Dtx {
		params.UseDtx = true
	}

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

func (c *SimulcastConsumer) Close() {
	c.rtpStream.Close()
	c.producerRtpStreams = nil
	c.mapMappedSsrcSpatialLayer = nil
}

func (c *SimulcastConsumer) GetRtpStream() *streamSend.StreamSend {
	return c.rtpStream
}

func (c *SimulcastConsumer) GetPreferredLayers() VideoLayer {
	return VideoLayer{SpatialLayer: c.preferredSpatialLayer, TemporalLayer: c.preferredTemporalLayer}
}

func (c *SimulcastConsumer) GetTargetLayers() VideoLayer {
	return VideoLayer{SpatialLayer: c.targetSpatialLayer, TemporalLayer: c.targetTemporalLayer}
}

// GetCurrentLayers returns nil while no layer has been synced yet.
func (c *SimulcastConsumer) GetCurrentLayers() *VideoLayer {
	if c.currentSpatialLayer < 0 {
		return nil
	}
	return &VideoLayer{
		SpatialLayer:  c.currentSpatialLayer,
		TemporalLayer: c.encodingContext.GetCurrentTemporalLayer(),
	}
}

// HandleRequestKeyFrame serves the key-frame request of the remote
// endpoint's control channel.
func (c *SimulcastConsumer) HandleRequestKeyFrame() {
	if c.IsActive() {
		c.requestKeyFrames()
	}
}

// HandleSetPreferredLayersRequest parses a raw request body. A missing or
// ill-typed spatialLayer fails with a type error and leaves the previous
// preference untouched.
func (c *SimulcastConsumer) HandleSetPreferredLayersRequest(data map[string]interface{}) error {
	spatialValue, ok := data["spatialLayer"]
	if !ok {
		return fmt.Errorf("%w: missing spatialLayer", ErrTypeError)
	}
	spatialNumber, ok := spatialValue.(float64)
	if !ok || spatialNumber < 0 {
		return fmt.Errorf("%w: missing spatialLayer", ErrTypeError)
	}

	temporalLayer := int16(-1)
	if temporalValue, ok := data["temporalLayer"]; ok {
		if temporalNumber, ok := temporalValue.(float64); ok && temporalNumber >= 0 {
			temporalLayer = int16(temporalNumber)
		}
	}

	c.SetPreferredLayers(VideoLayer{SpatialLayer: int16(spatialNumber), TemporalLayer: temporalLayer})

	return nil
}

// SetPreferredLayers clamps the given layers to the announced maxima and
// re-plans if anything changed. TemporalLayer -1 selects the maximum.
func (c *SimulcastConsumer) SetPreferredLayers(layers VideoLayer) {
	previousPreferredSpatialLayer := c.preferredSpatialLayer
	previousPreferredTemporalLayer := c.preferredTemporalLayer

	c.preferredSpatialLayer = layers.SpatialLayer
	if c.preferredSpatialLayer > int16(c.rtpStream.GetSpatialLayers())-1 {
		c.preferredSpatialLayer = int16(c.rtpStream.GetSpatialLayers()) - 1
	}

	if layers.TemporalLayer >= 0 {
		c.preferredTemporalLayer = layers.TemporalLayer
		if c.preferredTemporalLayer > int16(c.rtpStream.GetTemporalLayers())-1 {
			c.preferredTemporalLayer = int16(c.rtpStream.GetTemporalLayers()) - 1
		}
	} else {
		c.preferredTemporalLayer = int16(c.rtpStream.GetTemporalLayers()) - 1
	}

	mylog.Logger.Debugf("preferred layers changed [spatial:%v, temporal:%v, consumerId:%s]\n",
		c.preferredSpatialLayer, c.preferredTemporalLayer, c.Id)

	if c.IsActive() &&
		(c.preferredSpatialLayer != previousPreferredSpatialLayer ||
			c.preferredTemporalLayer != previousPreferredTemporalLayer) {
		c.MayChangeLayers(true)
	}
}

// ProducerRtpStream registers an already existing producer stream for its
// spatial layer.
func (c *SimulcastConsumer) ProducerRtpStream(stream *streamRecv.StreamRecv, mappedSsrc uint32) {
	spatialLayer, ok := c.mapMappedSsrcSpatialLayer[mappedSsrc]
	if !ok {
		// Upstream contract violation, fatal.
		panic(fmt.Sprintf("unknown mappedSsrc %d", mappedSsrc))
	}

	c.producerRtpStreams[spatialLayer] = stream
}

// ProducerNewRtpStream registers a stream that just appeared and re-plans.
func (c *SimulcastConsumer) ProducerNewRtpStream(stream *streamRecv.StreamRecv, mappedSsrc uint32) {
	spatialLayer, ok := c.mapMappedSsrcSpatialLayer[mappedSsrc]
	if !ok {
		// Upstream contract violation, fatal.
		panic(fmt.Sprintf("unknown mappedSsrc %d", mappedSsrc))
	}

	c.producerRtpStreams[spatialLayer] = stream

	if c.IsActive() {
		c.MayChangeLayers(false)
	}
}

func (c *SimulcastConsumer) ProducerRtpStreamScore(stream *streamRecv.StreamRecv, score uint8, previousScore uint8) {
	// Emit the score event only if the stream whose score changed is the
	// current one.
	if stream == c.getProducerCurrentRtpStream() {
		c.emitScore()
	}

	if c.IsActive() {
		// Just check target layers if the stream has died or reborned.
		if !c.externallyManagedBitrate || score == 0 || previousScore == 0 {
			c.MayChangeLayers(false)
		}
	}
}

func (c *SimulcastConsumer) ProducerRtcpSenderReport(stream *streamRecv.StreamRecv, first bool) {
	// Just interested in the first Sender Report of a RTP stream.
	if !first {
		return
	}

	mylog.Logger.Infof("first SenderReport [ssrc:%v]\n", stream.GetSsrc())

	// If our current selected RTP stream does not yet have SR, do nothing
	// since we know we won't be able to switch.
	producerCurrentRtpStream := c.getProducerCurrentRtpStream()

	if producerCurrentRtpStream == nil || producerCurrentRtpStream.GetSenderReportNtpMs() == 0 {
		return
	}

	if c.IsActive() {
		c.MayChangeLayers(false)
	}
}

func (c *SimulcastConsumer) ProducerClosed() {
	c.producerPaused = true
	c.listener.OnConsumerProducerClosed(c)
}

func (c *SimulcastConsumer) ProducerPaused() {
	if c.producerPaused {
		return
	}
	c.producerPaused = true
	c.rtpStream.Pause()
	c.UpdateTargetLayers(-1, -1)

	if c.externallyManagedBitrate {
		c.listener.OnConsumerNeedBitrateChange(c)
	}
}

func (c *SimulcastConsumer) ProducerResumed() {
	if !c.producerPaused {
		return
	}
	c.producerPaused = false
	c.syncRequired = true

	if c.IsActive() {
		c.MayChangeLayers(false)
	}
}

// GetBitratePriority returns the highest viable spatial layer plus one, or
// 1 when nothing is viable so the allocator still calls
// UseAvailableBitrate and the consumer can transition to "no target".
func (c *SimulcastConsumer) GetBitratePriority() uint16 {
	if !c.externallyManagedBitrate {
		mylog.Logger.Errorf("GetBitratePriority but bitrate is not externally managed\n")
		return 0
	}

	if !c.IsActive() {
		return 0
	}

	prioritySpatialLayer := int16(-1)

	for sIdx := range c.producerRtpStreams {
		spatialLayer := int16(sIdx)

		// Do not choose a layer greater than the preferred one if we already
		// found an available layer equal or less than the preferred one.
		if spatialLayer > c.preferredSpatialLayer && prioritySpatialLayer != -1 {
			break
		}

		producerRtpStream := c.producerRtpStreams[sIdx]

		// Ignore spatial layers for non existing producer streams or for
		// those with score 0.
		if producerRtpStream == nil || producerRtpStream.GetScore() == 0 {
			continue
		}

		// Choose this layer for now.
		prioritySpatialLayer = spatialLayer
	}

	if prioritySpatialLayer == -1 {
		return 1
	}

	return uint16(prioritySpatialLayer + 1)
}

func (c *SimulcastConsumer) getVirtualBitrate(bitrate uint32, considerLoss bool) uint32 {
	if !considerLoss {
		return bitrate
	}

	// Calculate virtual available bitrate based on the given bitrate and
	// our packet loss.
	lossPercentage := c.rtpStream.GetLossPercentage()

	switch {
	case lossPercentage < 2:
		return uint32(1.08 * float64(bitrate))
	case lossPercentage > 10:
		return uint32((1 - 0.5*(lossPercentage/100)) * float64(bitrate))
	default:
		return bitrate
	}
}

func (c *SimulcastConsumer) UseAvailableBitrate(bitrate uint32, considerLoss bool) uint32 {
	if !c.externallyManagedBitrate {
		mylog.Logger.Errorf("UseAvailableBitrate but bitrate is not externally managed\n")
		return 0
	}

	c.provisionalTargetSpatialLayer = -1
	c.provisionalTargetTemporalLayer = -1

	if !c.IsActive() {
		return 0
	}

	virtualBitrate := c.getVirtualBitrate(bitrate, considerLoss)

	usedBitrate := uint32(0)
	maxProducerScore := uint8(0)
	now := uint64(uvtime.GettimeMs())

outer:
	for sIdx := range c.producerRtpStreams {
		spatialLayer := int16(sIdx)
		producerRtpStream := c.producerRtpStreams[sIdx]
		producerScore := uint8(0)
		if producerRtpStream != nil {
			producerScore = producerRtpStream.GetScore()
		}

		// Ignore spatial layers for non existing producer streams or for
		// those with score 0.
		if producerScore == 0 {
			continue
		}

		// If the stream has not been active long enough and we have an
		// active one already, move to the next spatial layer.
		if usedBitrate > 0 && producerRtpStream.GetActiveTime(now) < StreamMinActiveTime {
			continue
		}

		// We may not yet switch to this spatial layer.
		if !c.CanSwitchToSpatialLayer(spatialLayer) {
			continue
		}

		// If the stream score is worse than the best seen and not good
		// enough, ignore this stream.
		if producerScore < maxProducerScore && producerScore < StreamGoodScore {
			continue
		}

		maxProducerScore = producerScore

		// Check bitrate of every temporal layer.
		for temporalLayer := int16(0); temporalLayer < int16(producerRtpStream.GetTemporalLayers()); temporalLayer++ {
			requiredBitrate := producerRtpStream.GetBitrate(now, 0, uint8(temporalLayer))

			mylog.Logger.Debugf("testing layers %v:%v [virtual bitrate:%v, required bitrate:%v]\n",
				spatialLayer, temporalLayer, virtualBitrate, requiredBitrate)

			// If layer is not active move to next spatial layer.
			if requiredBitrate == 0 {
				break
			}

			// If this layer requires more bitrate than the given one, stop
			// here (use the previous chosen layers if any).
			if requiredBitrate > virtualBitrate {
				break outer
			}

			// Set provisional layers and used bitrate.
			c.provisionalTargetSpatialLayer = spatialLayer
			c.provisionalTargetTemporalLayer = temporalLayer
			usedBitrate = requiredBitrate

			// If this is the preferred spatial and temporal layer with good
			// score, we are done.
			if c.provisionalTargetSpatialLayer == c.preferredSpatialLayer &&
				c.provisionalTargetTemporalLayer == c.preferredTemporalLayer &&
				producerScore >= StreamGoodScore {
				break outer
			}
		}

		// If this is the preferred or higher spatial layer with good score,
		// take it and exit.
		if c.provisionalTargetSpatialLayer >= c.preferredSpatialLayer && producerScore >= StreamGoodScore {
			break
		}
	}

	if c.provisionalTargetSpatialLayer != c.targetSpatialLayer ||
		c.provisionalTargetTemporalLayer != c.targetTemporalLayer {
		mylog.Logger.Infof("choosing layers %v:%v [bitrate:%v, virtual bitrate:%v, used bitrate:%v, consumerId:%s]\n",
			c.provisionalTargetSpatialLayer, c.provisionalTargetTemporalLayer, bitrate, virtualBitrate, usedBitrate, c.Id)
	}

	// Must recompute usedBitrate based on given bitrate, virtualBitrate and
	// usedBitrate.
	if usedBitrate <= bitrate {
		return usedBitrate
	} else if usedBitrate <= virtualBitrate {
		return bitrate
	}
	return usedBitrate
}

func (c *SimulcastConsumer) IncreaseTemporalLayer(bitrate uint32, considerLoss bool) uint32 {
	if !c.externallyManagedBitrate {
		mylog.Logger.Errorf("IncreaseTemporalLayer but bitrate is not externally managed\n")
		return 0
	}

	if !c.IsActive() {
		return 0
	}

	if c.provisionalTargetSpatialLayer == -1 {
		return 0
	}

	// If already in the preferred layers, do nothing.
	if c.provisionalTargetSpatialLayer == c.preferredSpatialLayer &&
		c.provisionalTargetTemporalLayer == c.preferredTemporalLayer {
		return 0
	}

	virtualBitrate := c.getVirtualBitrate(bitrate, considerLoss)

	requiredBitrate := uint32(0)
	producerRtpStream := c.getProducerProvisionalTargetRtpStream()
	temporalLayer := c.provisionalTargetTemporalLayer + 1
	now := uint64(uvtime.GettimeMs())

	if producerRtpStream == nil {
		mylog.Logger.Errorf("IncreaseTemporalLayer no producer provisional target stream\n")
		return 0
	}

	for ; temporalLayer < int16(producerRtpStream.GetTemporalLayers()); temporalLayer++ {
		// If this is higher than preferred layers, exit the loop.
		if c.provisionalTargetSpatialLayer >= c.preferredSpatialLayer &&
			temporalLayer > c.preferredTemporalLayer {
			break
		}

		requiredBitrate = producerRtpStream.GetLayerBitrate(now, 0, uint8(temporalLayer))

		// If active layer, end iterations here.
		if requiredBitrate != 0 {
			break
		}
	}

	// No higher active layers found.
	if requiredBitrate == 0 {
		return 0
	}

	// No luck.
	if requiredBitrate > virtualBitrate {
		return 0
	}

	// Set provisional temporal target layer.
	c.provisionalTargetTemporalLayer = temporalLayer

	mylog.Logger.Infof("upgrading to layers %v:%v [virtual bitrate:%v, required bitrate:%v]\n",
		c.provisionalTargetSpatialLayer, c.provisionalTargetTemporalLayer, virtualBitrate, requiredBitrate)

	if requiredBitrate <= bitrate {
		return requiredBitrate
	} else if requiredBitrate <= virtualBitrate {
		return bitrate
	}
	return requiredBitrate // NOTE: This cannot happen.
}

func (c *SimulcastConsumer) ApplyLayers() {
	if !c.externallyManagedBitrate {
		mylog.Logger.Errorf("ApplyLayers but bitrate is not externally managed\n")
		return
	}

	provisionalTargetSpatialLayer := c.provisionalTargetSpatialLayer
	provisionalTargetTemporalLayer := c.provisionalTargetTemporalLayer

	// Reset provisional target layers.
	c.provisionalTargetSpatialLayer = -1
	c.provisionalTargetTemporalLayer = -1

	if !c.IsActive() {
		return
	}

	if provisionalTargetSpatialLayer != c.targetSpatialLayer ||
		provisionalTargetTemporalLayer != c.targetTemporalLayer {
		c.UpdateTargetLayers(provisionalTargetSpatialLayer, provisionalTargetTemporalLayer)
	}
}

// GetDesiredBitrate reports what the consumer would consume if the
// allocator put no constraint on it. No state is mutated.
func (c *SimulcastConsumer) GetDesiredBitrate() uint32 {
	if !c.externallyManagedBitrate {
		mylog.Logger.Errorf("GetDesiredBitrate but bitrate is not externally managed\n")
		return 0
	}

	if !c.IsActive() {
		return 0
	}

	desiredSpatialLayer := int16(-1)
	desiredTemporalLayer := int16(-1)
	desiredBitrate := uint32(0)
	maxProducerScore := uint8(0)
	now := uint64(uvtime.GettimeMs())

outer:
	for sIdx := range c.producerRtpStreams {
		spatialLayer := int16(sIdx)
		producerRtpStream := c.producerRtpStreams[sIdx]
		producerScore := uint8(0)
		if producerRtpStream != nil {
			producerScore = producerRtpStream.GetScore()
		}

		if producerScore == 0 {
			continue
		}

		if desiredBitrate > 0 && producerRtpStream.GetActiveTime(now) < StreamMinActiveTime {
			continue
		}

		if !c.CanSwitchToSpatialLayer(spatialLayer) {
			continue
		}

		if producerScore < maxProducerScore && producerScore < StreamGoodScore {
			continue
		}

		maxProducerScore = producerScore

		for temporalLayer := int16(0); temporalLayer < int16(producerRtpStream.GetTemporalLayers()); temporalLayer++ {
			bitrate := producerRtpStream.GetBitrate(now, 0, uint8(temporalLayer))

			// If layer is not active move to next spatial layer.
			if bitrate == 0 {
				break
			}

			desiredSpatialLayer = spatialLayer
			desiredTemporalLayer = temporalLayer
			desiredBitrate = bitrate

			if desiredSpatialLayer == c.preferredSpatialLayer &&
				desiredTemporalLayer == c.preferredTemporalLayer &&
				producerScore >= StreamGoodScore {
				break outer
			}
		}

		if desiredSpatialLayer >= c.preferredSpatialLayer && producerScore >= StreamGoodScore {
			break
		}
	}

	// No luck.
	if desiredSpatialLayer == -1 {
		return 0
	}

	mylog.Logger.Debugf("desired layers %v:%v [desired bitrate:%v, consumerId:%s]\n",
		desiredSpatialLayer, desiredTemporalLayer, desiredBitrate, c.Id)

	return desiredBitrate
}

func (c *SimulcastConsumer) SendRtpPacket(packet *rtp.Packet) {
	if !c.IsActive() {
		return
	}

	if c.targetTemporalLayer == -1 {
		return
	}

	// NOTE: This may happen if this consumer supports just some codecs of
	// those in the corresponding producer.
	if !c.supportedCodecPayloadTypes[packet.PayloadType] {
		mylog.Logger.Debugf("payload type not supported [payloadType:%v]\n", packet.PayloadType)
		return
	}

	spatialLayer, ok := c.mapMappedSsrcSpatialLayer[packet.SSRC]
	if !ok {
		// Upstream contract violation, fatal.
		panic(fmt.Sprintf("unknown mappedSsrc %d", packet.SSRC))
	}

	mimeType := c.rtpStream.Params.MimeType
	isKeyFrame := codec.IsKeyFrame(mimeType, packet.Payload)

	// Check whether this is the packet we are waiting for in order to
	// update the current spatial layer.
	if c.currentSpatialLayer != c.targetSpatialLayer && spatialLayer == c.targetSpatialLayer {
		// Ignore if not a key frame.
		if !isKeyFrame {
			return
		}

		// Update current spatial layer.
		c.currentSpatialLayer = c.targetSpatialLayer

		// Update target and current temporal layer.
		c.encodingContext.SetTargetTemporalLayer(c.targetTemporalLayer)
		c.encodingContext.SetCurrentTemporalLayer(codec.GetTemporalLayer(mimeType, packet.Payload))

		// Reset the score of our RtpStream to 10.
		c.rtpStream.ResetScore(10, false)

		c.emitLayersChange()
		c.emitScore()

		// Need to resync the stream.
		c.syncRequired = true
	}

	// If the packet belongs to different spatial layer than the one being
	// sent, drop it.
	if spatialLayer != c.currentSpatialLayer {
		return
	}

	// If we need to sync and this is not a key frame, ignore the packet.
	if c.syncRequired && !isKeyFrame {
		return
	}

	// Whether this is the first packet after re-sync.
	isSyncPacket := c.syncRequired

	// Sync sequence number and timestamp if required.
	if isSyncPacket {
		if isKeyFrame {
			mylog.Logger.Debugf("sync key frame received\n")
		}

		// Sync our RTP stream's sequence number.
		c.rtpSeqManager.Sync(packet.SequenceNumber - 1)

		// Sync our RTP stream's RTP timestamp.
		if spatialLayer == c.tsReferenceSpatialLayer {
			c.tsOffset = 0
		} else {
			// Do NTP based RTP TS synchronization. Being here means we have
			// Sender Reports for both the TS reference stream and this one.
			producerTsReferenceRtpStream := c.getProducerTsReferenceRtpStream()
			producerCurrentRtpStream := c.getProducerCurrentRtpStream()

			if producerTsReferenceRtpStream == nil || producerTsReferenceRtpStream.GetSenderReportNtpMs() == 0 ||
				producerCurrentRtpStream == nil || producerCurrentRtpStream.GetSenderReportNtpMs() == 0 {
				mylog.Logger.Errorf("no Sender Report for TS reference or current RTP stream\n")
				return
			}

			ntpMs1 := producerTsReferenceRtpStream.GetSenderReportNtpMs()
			ts1 := producerTsReferenceRtpStream.GetSenderReportTs()
			ntpMs2 := producerCurrentRtpStream.GetSenderReportNtpMs()
			ts2 := producerCurrentRtpStream.GetSenderReportTs()

			var diffMs int64
			if ntpMs2 >= ntpMs1 {
				diffMs = int64(ntpMs2 - ntpMs1)
			} else {
				diffMs = -1 * int64(ntpMs1-ntpMs2)
			}

			diffTs := diffMs * int64(c.rtpStream.GetClockRate()) / 1000
			newTs2 := ts2 - uint32(diffTs)

			// This is the difference that later must be removed from the
			// sending RTP packet.
			c.tsOffset = newTs2 - ts1
		}

		// Reset tsExtraOffsets and its packet counter.
		c.tsExtraOffsets = make(map[uint32]uint32)
		c.tsExtraOffsetPacketCount = 0

		// When switching to a new stream it may happen that the timestamp of
		// this key frame is lower than the last sent. If so, apply an extra
		// offset to fix it gradually.
		if packet.Timestamp-c.tsOffset <= c.rtpStream.MaxPacketTs {
			tsExtraOffset := c.rtpStream.MaxPacketTs - packet.Timestamp + c.tsOffset + 1

			c.tsExtraOffsets[packet.Timestamp] = tsExtraOffset

			mylog.Logger.Warnf("ts extra offset needed [ts in:%v, ts out:%v, ts max out:%v, ts offset:%v]\n",
				packet.Timestamp, packet.Timestamp-c.tsOffset, c.rtpStream.MaxPacketTs, c.tsOffset)
		}

		c.encodingContext.SyncRequired()

		c.syncRequired = false
	}

	previousTemporalLayer := c.encodingContext.GetCurrentTemporalLayer()

	// Rewrite payload if needed. Drop packet if necessary.
	if !c.encodingContext.ProcessPayload(packet) {
		c.rtpSeqManager.Drop(packet.SequenceNumber)

		return
	}

	if previousTemporalLayer != c.encodingContext.GetCurrentTemporalLayer() {
		c.emitLayersChange()
	}

	// Update RTP seq number and timestamp based on NTP offset.
	timestamp := packet.Timestamp - c.tsOffset

	if len(c.tsExtraOffsets) > 0 {
		tsExtraOffset := uint32(0)
		if v, ok := c.tsExtraOffsets[packet.Timestamp]; ok {
			tsExtraOffset = v
		} else if timestamp < c.rtpStream.MaxPacketTs {
			tsExtraOffset = c.rtpStream.MaxPacketTs - timestamp + 1
			c.tsExtraOffsets[packet.Timestamp] = tsExtraOffset
		}

		timestamp += tsExtraOffset

		// Reset once enough packets have passed.
		if tsExtraOffset != 0 {
			c.tsExtraOffsetPacketCount++
		}
		if (tsExtraOffset != 0 && c.tsExtraOffsetPacketCount > 200) || c.tsExtraOffsetPacketCount > 500 {
			mylog.Logger.Debugf("cleaning ts extra map\n")

			c.tsExtraOffsets = make(map[uint32]uint32)
			c.tsExtraOffsetPacketCount = 0
		}
	}

	seq := c.rtpSeqManager.Input(packet.SequenceNumber)

	// Save original packet fields.
	origSsrc := packet.SSRC
	origSeq := packet.SequenceNumber
	origTimestamp := packet.Timestamp

	// Rewrite packet.
	packet.SSRC = c.RtpParameters.Encodings[0].Ssrc
	packet.SequenceNumber = seq
	packet.Timestamp = timestamp

	if isSyncPacket {
		mylog.Logger.Debugf("sending sync packet [ssrc:%v, seq:%v, ts:%v] from original [ssrc:%v, seq:%v, ts:%v]\n",
			packet.SSRC, packet.SequenceNumber, packet.Timestamp, origSsrc, origSeq, origTimestamp)
	}

	// Process the packet.
	if c.rtpStream.ReceivePacket(packet) {
		// Send the packet.
		c.listener.OnConsumerSendRtpPacket(c, packet)
	} else {
		mylog.Logger.Warnf("failed to send packet [ssrc:%v, seq:%v, ts:%v] from original [ssrc:%v, seq:%v, ts:%v]\n",
			packet.SSRC, packet.SequenceNumber, packet.Timestamp, origSsrc, origSeq, origTimestamp)
	}

	// Restore packet fields and payload, so the packet can be offered to
	// other consumers of the same producer.
	packet.SSRC = origSsrc
	packet.SequenceNumber = origSeq
	packet.Timestamp = origTimestamp
	c.encodingContext.RestorePayload(packet)
}

func (c *SimulcastConsumer) GetRtcp(packet *compoundrtcp.CompoundRtcp, rtpStream *streamSend.StreamSend, now uint64) {
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

	sdesChunk := c.rtpStream.GetRtcpSdesChunk()
	packet.AddSdes(sdesChunk)

	c.LastRtcpSentTime = now
}

func (c *SimulcastConsumer) NeedWorstRemoteFractionLost(mappedSsrc uint32, worstRemoteFractionLost *uint8) {
	if !c.IsActive() {
		return
	}

	fractionLost := c.rtpStream.GetFractionLost()

	// If our fraction lost is worse than the given one, update it.
	if fractionLost > *worstRemoteFractionLost {
		*worstRemoteFractionLost = fractionLost
	}
}

func (c *SimulcastConsumer) ReceiveNack(nack *rtcp.TransportLayerNack) {
	if !c.IsActive() {
		return
	}

	c.rtpStream.ReceiveNack(nack)
}

func (c *SimulcastConsumer) ReceiveKeyFrameRequestPLI(packet *rtcp.PictureLossIndication) {
	c.rtpStream.ReceiveKeyFrameRequestPLI()

	if c.IsActive() {
		c.requestKeyFrameForCurrentSpatialLayer()
	}
}

func (c *SimulcastConsumer) ReceiveRtcpReceiverReport(report rtcp.ReceptionReport) {
	c.rtpStream.ReceiveRtcpReceiverReport(report)
}

func (c *SimulcastConsumer) GetTransmissionRate(now uint64) uint32 {
	if !c.IsActive() {
		return 0
	}

	return c.rtpStream.GetBitrate(now)
}

func (c *SimulcastConsumer) GetRtt() float64 {
	return c.rtpStream.GetRtt()
}

func (c *SimulcastConsumer) UserOnTransportConnected() {
	c.transportConnected = true
	c.syncRequired = true

	if c.IsActive() {
		c.MayChangeLayers(false)
	}
}

func (c *SimulcastConsumer) UserOnTransportDisconnected() {
	c.transportConnected = false
	c.rtpStream.Pause()

	c.UpdateTargetLayers(-1, -1)
}

func (c *SimulcastConsumer) UserOnPaused() {
	c.paused = true
	c.rtpStream.Pause()

	c.UpdateTargetLayers(-1, -1)

	// Tell the transport so it can distribute available bitrate into other
	// consumers.
	if c.externallyManagedBitrate {
		c.listener.OnConsumerNeedBitrateChange(c)
	}
}

func (c *SimulcastConsumer) UserOnResumed() {
	c.paused = false
	c.syncRequired = true

	if c.IsActive() {
		c.MayChangeLayers(false)
	}
}

func (c *SimulcastConsumer) RequestKeyFrame() {
	c.HandleRequestKeyFrame()
}

func (c *SimulcastConsumer) requestKeyFrames() {
	if c.Kind != "video" {
		return
	}

	producerTargetRtpStream := c.getProducerTargetRtpStream()
	producerCurrentRtpStream := c.getProducerCurrentRtpStream()

	if producerTargetRtpStream != nil {
		mappedSsrc := c.ConsumableRtpEncodings[c.targetSpatialLayer].Ssrc
		c.listener.OnConsumerKeyFrameRequested(c, mappedSsrc)
	}

	if producerCurrentRtpStream != nil && producerCurrentRtpStream != producerTargetRtpStream {
		mappedSsrc := c.ConsumableRtpEncodings[c.currentSpatialLayer].Ssrc
		c.listener.OnConsumerKeyFrameRequested(c, mappedSsrc)
	}
}

func (c *SimulcastConsumer) requestKeyFrameForTargetSpatialLayer() {
	if c.Kind != "video" {
		return
	}

	if c.getProducerTargetRtpStream() == nil {
		return
	}

	mappedSsrc := c.ConsumableRtpEncodings[c.targetSpatialLayer].Ssrc
	c.listener.OnConsumerKeyFrameRequested(c, mappedSsrc)
}

func (c *SimulcastConsumer) requestKeyFrameForCurrentSpatialLayer() {
	if c.Kind != "video" {
		return
	}

	if c.getProducerCurrentRtpStream() == nil {
		return
	}

	mappedSsrc := c.ConsumableRtpEncodings[c.currentSpatialLayer].Ssrc
	c.listener.OnConsumerKeyFrameRequested(c, mappedSsrc)
}

func (c *SimulcastConsumer) MayChangeLayers(force bool) {
	newTargetSpatialLayer, newTargetTemporalLayer, changed := c.RecalculateTargetLayers()

	if changed || force {
		// If bitrate is externally managed, don't bother the transport
		// unless the target spatial layer has changed (or force). The target
		// temporal layer is driven by the available bitrate, so the
		// transport will let us change it when it considers.
		if c.externallyManagedBitrate {
			if newTargetSpatialLayer != c.targetSpatialLayer || force {
				c.listener.OnConsumerNeedBitrateChange(c)
			}
		} else {
			c.UpdateTargetLayers(newTargetSpatialLayer, newTargetTemporalLayer)
		}
	}
}

func (c *SimulcastConsumer) RecalculateTargetLayers() (int16, int16, bool) {
	// Start with no layers.
	newTargetSpatialLayer := int16(-1)
	newTargetTemporalLayer := int16(-1)

	maxProducerScore := uint8(0)
	now := uint64(uvtime.GettimeMs())

	for sIdx := range c.producerRtpStreams {
		spatialLayer := int16(sIdx)
		producerRtpStream := c.producerRtpStreams[sIdx]
		producerScore := uint8(0)
		if producerRtpStream != nil {
			producerScore = producerRtpStream.GetScore()
		}

		// Ignore spatial layers for non existing producer streams or for
		// those with score 0.
		if producerScore == 0 {
			continue
		}

		// If the stream has not been active long enough and we have an
		// active one already, move to the next spatial layer.
		// NOTE: Requires bitrate externally managed for this.
		if c.externallyManagedBitrate &&
			newTargetSpatialLayer != -1 &&
			producerRtpStream.GetActiveTime(now) < StreamMinActiveTime {
			continue
		}

		// We may not yet switch to this spatial layer.
		if !c.CanSwitchToSpatialLayer(spatialLayer) {
			continue
		}

		// If the stream score is worse than the best seen and not good
		// enough, ignore this stream.
		if producerScore < maxProducerScore && producerScore < StreamGoodScore {
			continue
		}

		newTargetSpatialLayer = spatialLayer
		maxProducerScore = producerScore

		// If this is the preferred or higher spatial layer with good score,
		// take it and exit.
		if spatialLayer >= c.preferredSpatialLayer && producerScore >= StreamGoodScore {
			break
		}
	}

	if newTargetSpatialLayer != -1 {
		if newTargetSpatialLayer == c.preferredSpatialLayer {
			newTargetTemporalLayer = c.preferredTemporalLayer
		} else if newTargetSpatialLayer < c.preferredSpatialLayer {
			newTargetTemporalLayer = int16(c.rtpStream.GetTemporalLayers()) - 1
		} else {
			newTargetTemporalLayer = 0
		}
	}

	// Return whether any target layer changed.
	changed := newTargetSpatialLayer != c.targetSpatialLayer ||
		newTargetTemporalLayer != c.targetTemporalLayer

	return newTargetSpatialLayer, newTargetTemporalLayer, changed
}

func (c *SimulcastConsumer) UpdateTargetLayers(newTargetSpatialLayer int16, newTargetTemporalLayer int16) {
	// If we don't have yet a RTP timestamp reference, set it now.
	if newTargetSpatialLayer != -1 && c.tsReferenceSpatialLayer == -1 {
		mylog.Logger.Infof("using spatial layer %v as RTP timestamp reference\n", newTargetSpatialLayer)

		c.tsReferenceSpatialLayer = newTargetSpatialLayer
	}

	if newTargetSpatialLayer == -1 {
		// Unset current and target layers.
		c.targetSpatialLayer = -1
		c.targetTemporalLayer = -1
		c.currentSpatialLayer = -1

		c.encodingContext.SetTargetTemporalLayer(-1)
		c.encodingContext.SetCurrentTemporalLayer(-1)

		mylog.Logger.Infof("target layers changed [spatial:-1, temporal:-1, consumerId:%s]\n", c.Id)

		c.emitLayersChange()

		return
	}

	c.targetSpatialLayer = newTargetSpatialLayer
	c.targetTemporalLayer = newTargetTemporalLayer

	// If the new target spatial layer matches the current one, apply the
	// new target temporal layer now. Temporal switches need no key frame.
	if c.targetSpatialLayer == c.currentSpatialLayer {
		c.encodingContext.SetTargetTemporalLayer(c.targetTemporalLayer)
	}

	mylog.Logger.Infof("target layers changed [spatial:%v, temporal:%v, consumerId:%s]\n",
		c.targetSpatialLayer, c.targetTemporalLayer, c.Id)

	// If the target spatial layer is different than the current one,
	// request a key frame.
	if c.targetSpatialLayer != c.currentSpatialLayer {
		c.requestKeyFrameForTargetSpatialLayer()
	}
}

// CanSwitchToSpatialLayer reports whether a shared time reference exists
// to switch to the given layer.
func (c *SimulcastConsumer) CanSwitchToSpatialLayer(spatialLayer int16) bool {
	if c.tsReferenceSpatialLayer == -1 || spatialLayer == c.tsReferenceSpatialLayer {
		return true
	}

	producerTsReferenceRtpStream := c.getProducerTsReferenceRtpStream()
	candidate := c.producerRtpStreams[spatialLayer]

	return producerTsReferenceRtpStream != nil &&
		producerTsReferenceRtpStream.GetSenderReportNtpMs() != 0 &&
		candidate != nil &&
		candidate.GetSenderReportNtpMs() != 0
}

func (c *SimulcastConsumer) emitScore() {
	if c.notifier == nil {
		return
	}

	score := ConsumerScore{Score: c.rtpStream.GetScore()}
	if producerCurrentRtpStream := c.getProducerCurrentRtpStream(); producerCurrentRtpStream != nil {
		score.ProducerScore = producerCurrentRtpStream.GetScore()
	}

	c.notifier.OnConsumerScore(c, score)
}

func (c *SimulcastConsumer) emitLayersChange() {
	mylog.Logger.Debugf("current layers changed to [spatial:%v, temporal:%v, consumerId:%s]\n",
		c.currentSpatialLayer, c.encodingContext.GetCurrentTemporalLayer(), c.Id)

	if c.notifier == nil {
		return
	}

	c.notifier.OnConsumerLayersChange(c, c.GetCurrentLayers())
}

func (c *SimulcastConsumer) getProducerCurrentRtpStream() *streamRecv.StreamRecv {
	if c.currentSpatialLayer == -1 {
		return nil
	}

	// This may return nil.
	return c.producerRtpStreams[c.currentSpatialLayer]
}

func (c *SimulcastConsumer) getProducerTargetRtpStream() *streamRecv.StreamRecv {
	if c.targetSpatialLayer == -1 {
		return nil
	}

	// This may return nil.
	return c.producerRtpStreams[c.targetSpatialLayer]
}

func (c *SimulcastConsumer) getProducerProvisionalTargetRtpStream() *streamRecv.StreamRecv {
	if c.provisionalTargetSpatialLayer == -1 {
		return nil
	}

	// This may return nil.
	return c.producerRtpStreams[c.provisionalTargetSpatialLayer]
}

func (c *SimulcastConsumer) getProducerTsReferenceRtpStream() *streamRecv.StreamRecv {
	if c.tsReferenceSpatialLayer == -1 {
		return nil
	}

	// This may return nil.
	return c.producerRtpStreams[c.tsReferenceSpatialLayer]
}

// StreamSend listener.
func (c *SimulcastConsumer) OnRtpStreamScore(rtpStream *streamSend.StreamSend, score uint8, previousScore uint8) {
	c.emitScore()

	if c.IsActive() {
		// Just check target layers if our bitrate is not externally
		// managed.
		if !c.externallyManagedBitrate {
			c.MayChangeLayers(false)
		}
	}
}

// StreamSend listener.
func (c *SimulcastConsumer) OnRtpStreamRetransmitRtpPacket(rtpStream *streamSend.StreamSend, packet *rtp.Packet, probation bool) {
	c.listener.OnConsumerRetransmitRtpPacket(c, packet, probation)
}
