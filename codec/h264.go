package codec

import (
	"encoding/binary"

	"github.com/pion/rtp"
)

const (
	naluTypeIdr  = 5
	naluTypeSps  = 7
	naluTypeStap = 24
	naluTypeFuA  = 28
)

// H264EncodingContext performs no payload rewriting. H264 simulcast
// streams carry a single temporal layer here, so only key-frame gating
// applies; the temporal layer state just mirrors what the consumer sets.
type H264EncodingContext struct {
	spatialLayers  uint8
	temporalLayers uint8

	targetTemporalLayer  int16
	currentTemporalLayer int16
}

func NewH264EncodingContext(spatialLayers uint8, temporalLayers uint8) *H264EncodingContext {
	return &H264EncodingContext{
		spatialLayers:        spatialLayers,
		temporalLayers:       temporalLayers,
		targetTemporalLayer:  -1,
		currentTemporalLayer: -1,
	}
}

func (c *H264EncodingContext) ProcessPayload(packet *rtp.Packet) bool {
	if c.targetTemporalLayer < 0 {
		return false
	}

	if c.currentTemporalLayer != c.targetTemporalLayer {
		c.currentTemporalLayer = c.targetTemporalLayer
	}

	return len(packet.Payload) > 0
}

func (c *H264EncodingContext) RestorePayload(packet *rtp.Packet) {
}

func (c *H264EncodingContext) SyncRequired() {
}

func (c *H264EncodingContext) SetTargetTemporalLayer(layer int16) {
	c.targetTemporalLayer = layer
}

func (c *H264EncodingContext) GetTargetTemporalLayer() int16 {
	return c.targetTemporalLayer
}

func (c *H264EncodingContext) SetCurrentTemporalLayer(layer int16) {
	c.currentTemporalLayer = layer
}

func (c *H264EncodingContext) GetCurrentTemporalLayer() int16 {
	return c.currentTemporalLayer
}

func (c *H264EncodingContext) GetTemporalLayers() uint8 {
	return c.temporalLayers
}

func isH264KeyFrame(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}

	naluType := payload[0] & 0x1f
	switch naluType {
	case naluTypeIdr, naluTypeSps:
		return true
	case naluTypeStap:
		// Walk the aggregated NAL units.
		offset := 1
		for offset+2 < len(payload) {
			size := int(binary.BigEndian.Uint16(payload[offset:]))
			offset += 2
			if size == 0 || offset >= len(payload) {
				break
			}
			t := payload[offset] & 0x1f
			if t == naluTypeIdr || t == naluTypeSps {
				return true
			}
			offset += size
		}
	case naluTypeFuA:
		// Only the fragment carrying the start bit identifies the NALU.
		if len(payload) >= 2 && payload[1]&0x80 != 0 {
			t := payload[1] & 0x1f
			return t == naluTypeIdr || t == naluTypeSps
		}
	}

	return false
}
