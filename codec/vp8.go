package codec

import (
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/aoslee/mediasoup/seqManager"
)

// vp8Descriptor is the parsed VP8 payload descriptor plus the byte offsets
// needed for in-place rewriting.
type vp8Descriptor struct {
	extended     bool
	startOfFrame bool
	partitionIdx uint8

	hasPictureId bool
	mBit         bool
	pictureId    uint16

	hasTl0PicIdx bool
	tl0PicIdx    uint8

	hasTlIndex bool
	tlIndex    uint8
	layerSync  bool

	pictureIdOffset int
	tl0Offset       int
	headerSize      int
}

func parseVP8Descriptor(payload []byte) (vp8Descriptor, bool) {
	var d vp8Descriptor

	if len(payload) < 1 {
		return d, false
	}

	d.extended = payload[0]&0x80 != 0
	d.startOfFrame = payload[0]&0x10 != 0
	d.partitionIdx = payload[0] & 0x07

	offset := 1

	if d.extended {
		if len(payload) < 2 {
			return d, false
		}

		hasPictureId := payload[1]&0x80 != 0
		hasTl0 := payload[1]&0x40 != 0
		hasTid := payload[1]&0x20 != 0
		hasKeyIdx := payload[1]&0x10 != 0
		offset = 2

		if hasPictureId {
			if len(payload) <= offset {
				return d, false
			}
			d.hasPictureId = true
			d.pictureIdOffset = offset
			d.mBit = payload[offset]&0x80 != 0
			if d.mBit {
				if len(payload) <= offset+1 {
					return d, false
				}
				d.pictureId = uint16(payload[offset]&0x7f)<<8 | uint16(payload[offset+1])
				offset += 2
			} else {
				d.pictureId = uint16(payload[offset] & 0x7f)
				offset++
			}
		}

		if hasTl0 {
			if len(payload) <= offset {
				return d, false
			}
			d.hasTl0PicIdx = true
			d.tl0Offset = offset
			d.tl0PicIdx = payload[offset]
			offset++
		}

		if hasTid || hasKeyIdx {
			if len(payload) <= offset {
				return d, false
			}
			if hasTid {
				d.hasTlIndex = true
				d.tlIndex = payload[offset] >> 6
				d.layerSync = payload[offset]&0x20 != 0
			}
			offset++
		}
	}

	if len(payload) <= offset {
		return d, false
	}
	d.headerSize = offset

	return d, true
}

// VP8EncodingContext filters temporal layers and keeps pictureId and
// TL0PICIDX continuous across layer switches and drops.
type VP8EncodingContext struct {
	spatialLayers  uint8
	temporalLayers uint8

	targetTemporalLayer  int16
	currentTemporalLayer int16
	syncRequired         bool

	pictureIdManager *seqManager.SeqManager[uint16]
	tl0PicIdxManager *seqManager.SeqManager[uint8]

	// Restore state for the packet currently being processed.
	saved             bool
	savedPictureIdOff int
	savedPictureIdLen int
	savedPictureId    [2]byte
	savedTl0Off       int
	savedTl0          byte
}

func NewVP8EncodingContext(spatialLayers uint8, temporalLayers uint8) *VP8EncodingContext {
	return &VP8EncodingContext{
		spatialLayers:        spatialLayers,
		temporalLayers:       temporalLayers,
		targetTemporalLayer:  -1,
		currentTemporalLayer: -1,
		pictureIdManager:     seqManager.NewSeqManager[uint16](),
		tl0PicIdxManager:     seqManager.NewSeqManager[uint8](),
	}
}

func (c *VP8EncodingContext) ProcessPayload(packet *rtp.Packet) bool {
	c.saved = false

	if c.targetTemporalLayer < 0 {
		return false
	}

	d, ok := parseVP8Descriptor(packet.Payload)
	if !ok {
		return false
	}

	// Sync pictureId and tl0PictureIndex managers with the new stream.
	if c.syncRequired && d.hasPictureId && d.hasTl0PicIdx {
		c.pictureIdManager.Sync(d.pictureId - 1)
		c.tl0PicIdxManager.Sync(d.tl0PicIdx - 1)

		c.syncRequired = false
	}

	tlIndex := int16(0)
	if d.hasTlIndex {
		tlIndex = int16(d.tlIndex)
	}

	// Drop packets of temporal layers above the target.
	if tlIndex > c.targetTemporalLayer {
		if d.hasPictureId {
			c.pictureIdManager.Drop(d.pictureId)
		}

		return false
	}

	// A temporal upgrade requires the layer sync flag.
	if tlIndex > c.currentTemporalLayer && !d.layerSync {
		if d.hasPictureId {
			c.pictureIdManager.Drop(d.pictureId)
		}

		return false
	}

	// Update the current temporal layer.
	if tlIndex > c.currentTemporalLayer {
		c.currentTemporalLayer = tlIndex
	} else if c.currentTemporalLayer > c.targetTemporalLayer {
		c.currentTemporalLayer = c.targetTemporalLayer
	}

	// Rewrite pictureId keeping its wire width.
	if d.hasPictureId {
		newPictureId := c.pictureIdManager.Input(d.pictureId)

		c.savedPictureIdOff = d.pictureIdOffset
		if d.mBit {
			c.savedPictureIdLen = 2
			c.savedPictureId[0] = packet.Payload[d.pictureIdOffset]
			c.savedPictureId[1] = packet.Payload[d.pictureIdOffset+1]

			packet.Payload[d.pictureIdOffset] = 0x80 | byte(newPictureId>>8&0x7f)
			packet.Payload[d.pictureIdOffset+1] = byte(newPictureId)
		} else {
			c.savedPictureIdLen = 1
			c.savedPictureId[0] = packet.Payload[d.pictureIdOffset]

			packet.Payload[d.pictureIdOffset] = byte(newPictureId & 0x7f)
		}
		c.saved = true
	} else {
		c.savedPictureIdLen = 0
	}

	if d.hasTl0PicIdx {
		newTl0 := c.tl0PicIdxManager.Input(d.tl0PicIdx)

		c.savedTl0Off = d.tl0Offset
		c.savedTl0 = packet.Payload[d.tl0Offset]
		packet.Payload[d.tl0Offset] = newTl0
		c.saved = true
	} else {
		c.savedTl0Off = -1
	}

	return true
}

func (c *VP8EncodingContext) RestorePayload(packet *rtp.Packet) {
	if !c.saved {
		return
	}

	if c.savedPictureIdLen >= 1 {
		packet.Payload[c.savedPictureIdOff] = c.savedPictureId[0]
	}
	if c.savedPictureIdLen == 2 {
		packet.Payload[c.savedPictureIdOff+1] = c.savedPictureId[1]
	}
	if c.savedTl0Off >= 0 {
		packet.Payload[c.savedTl0Off] = c.savedTl0
	}

	c.saved = false
}

func (c *VP8EncodingContext) SyncRequired() {
	c.syncRequired = true
}

func (c *VP8EncodingContext) SetTargetTemporalLayer(layer int16) {
	c.targetTemporalLayer = layer
}

func (c *VP8EncodingContext) GetTargetTemporalLayer() int16 {
	return c.targetTemporalLayer
}

func (c *VP8EncodingContext) SetCurrentTemporalLayer(layer int16) {
	c.currentTemporalLayer = layer
}

func (c *VP8EncodingContext) GetCurrentTemporalLayer() int16 {
	return c.currentTemporalLayer
}

func (c *VP8EncodingContext) GetTemporalLayers() uint8 {
	return c.temporalLayers
}

func isVP8KeyFrame(payload []byte) bool {
	var pkt codecs.VP8Packet
	if _, err := pkt.Unmarshal(payload); err != nil {
		return false
	}

	// First packet of the first partition with the P bit unset.
	return pkt.S == 1 && pkt.PID == 0 && len(pkt.Payload) > 0 && pkt.Payload[0]&0x01 == 0
}

func vp8TemporalLayer(payload []byte) int16 {
	var pkt codecs.VP8Packet
	if _, err := pkt.Unmarshal(payload); err != nil {
		return 0
	}
	if pkt.T == 1 {
		return int16(pkt.TID)
	}
	return 0
}
