package codec

import (
	"strings"

	"github.com/pion/rtp"
)

// EncodingContext rewrites codec payload descriptors across a stream
// switch and filters temporal layers. One instance per consumer, one
// implementation per codec.
type EncodingContext interface {
	// ProcessPayload edits the packet payload in place. It returns false
	// when the packet must be dropped (filtered temporal layer, broken
	// descriptor). RestorePayload must be called before the packet is
	// handed back to its owner.
	ProcessPayload(packet *rtp.Packet) bool
	RestorePayload(packet *rtp.Packet)
	SyncRequired()
	SetTargetTemporalLayer(layer int16)
	GetTargetTemporalLayer() int16
	SetCurrentTemporalLayer(layer int16)
	GetCurrentTemporalLayer() int16
	GetTemporalLayers() uint8
}

// GetEncodingContext returns the context for the given mime type, or nil
// if the codec has no payload rewriting support.
func GetEncodingContext(mimeType string, spatialLayers uint8, temporalLayers uint8) EncodingContext {
	switch {
	case isMimeType(mimeType, "video/vp8"):
		return NewVP8EncodingContext(spatialLayers, temporalLayers)
	case isMimeType(mimeType, "video/h264"):
		return NewH264EncodingContext(spatialLayers, temporalLayers)
	default:
		return nil
	}
}

// CanBeKeyFrame reports whether the codec signals key frames in the RTP
// payload, so layer switching can be gated on them.
func CanBeKeyFrame(mimeType string) bool {
	return isMimeType(mimeType, "video/vp8") || isMimeType(mimeType, "video/h264")
}

// IsKeyFrame inspects the payload of a media packet.
func IsKeyFrame(mimeType string, payload []byte) bool {
	switch {
	case isMimeType(mimeType, "video/vp8"):
		return isVP8KeyFrame(payload)
	case isMimeType(mimeType, "video/h264"):
		return isH264KeyFrame(payload)
	default:
		return false
	}
}

// GetTemporalLayer returns the temporal layer the packet belongs to, or 0
// when the codec does not signal one.
func GetTemporalLayer(mimeType string, payload []byte) int16 {
	if isMimeType(mimeType, "video/vp8") {
		return vp8TemporalLayer(payload)
	}
	return 0
}

func isMimeType(mimeType string, expected string) bool {
	return strings.EqualFold(mimeType, expected)
}
