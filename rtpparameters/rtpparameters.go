package rtpparameters

import (
	"strconv"
	"strings"
)

const (
	MimeTypeVP8  = "video/VP8"
	MimeTypeH264 = "video/H264"
	MimeTypeOpus = "audio/opus"
	MimeTypeRtx  = "video/rtx"
)

type RtcpFeedback struct {
	Type      string
	Parameter string
}

type RtpCodecParameters struct {
	// MimeType is "video/VP8" style: kind slash codec name.
	MimeType     string
	PayloadType  uint8
	ClockRate    uint32
	Channels     uint8
	Parameters   map[string]string
	RtcpFeedback []RtcpFeedback
}

func (c *RtpCodecParameters) Kind() string {
	if idx := strings.IndexByte(c.MimeType, '/'); idx > 0 {
		return c.MimeType[:idx]
	}
	return ""
}

func (c *RtpCodecParameters) IsRtxCodec() bool {
	return strings.EqualFold(subType(c.MimeType), "rtx")
}

func subType(mimeType string) string {
	if idx := strings.IndexByte(mimeType, '/'); idx >= 0 {
		return mimeType[idx+1:]
	}
	return mimeType
}

type RtpEncodingRtx struct {
	Ssrc uint32
}

type RtpEncodingParameters struct {
	Ssrc           uint32
	Rid            string
	PayloadType    uint8
	HasRtx         bool
	Rtx            RtpEncodingRtx
	Dtx            bool
	SpatialLayers  uint8
	TemporalLayers uint8
	MaxBitrate     uint32
}

type RtpHeaderExtensionParameters struct {
	Uri string
	Id  uint8
}

type RtcpParameters struct {
	Cname       string
	ReducedSize bool
}

type RtpParameters struct {
	Mid              string
	Codecs           []RtpCodecParameters
	HeaderExtensions []RtpHeaderExtensionParameters
	Encodings        []RtpEncodingParameters
	Rtcp             RtcpParameters
}

// GetCodecForEncoding returns the media codec for the given encoding: the
// one matching its payload type, or the first non-RTX codec.
func (p *RtpParameters) GetCodecForEncoding(encoding *RtpEncodingParameters) *RtpCodecParameters {
	for i := range p.Codecs {
		codec := &p.Codecs[i]
		if codec.IsRtxCodec() {
			continue
		}
		if encoding.PayloadType == 0 || codec.PayloadType == encoding.PayloadType {
			return codec
		}
	}
	return nil
}

// GetRtxCodecForEncoding returns the RTX codec whose apt parameter points
// at the encoding's media codec.
func (p *RtpParameters) GetRtxCodecForEncoding(encoding *RtpEncodingParameters) *RtpCodecParameters {
	mediaCodec := p.GetCodecForEncoding(encoding)
	if mediaCodec == nil {
		return nil
	}

	for i := range p.Codecs {
		codec := &p.Codecs[i]
		if !codec.IsRtxCodec() {
			continue
		}
		if codec.Parameters["apt"] == strconv.Itoa(int(mediaCodec.PayloadType)) {
			return codec
		}
	}
	return nil
}
