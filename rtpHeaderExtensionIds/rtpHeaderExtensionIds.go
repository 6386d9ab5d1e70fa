package rtpHeaderExtensionIds

import (
	"github.com/aoslee/mediasoup/rtpparameters"
)

const MaxAudioIntervalMs = 5000
const MaxVideoIntervalMs = 1000

type RtpHeaderExtensionIds struct {
	Mid               uint8
	Rid               uint8
	Rrid              uint8
	AbsSendTime       uint8
	TransportWideCC01 uint8
	FrameMarking07    uint8 // NOTE: Remove once RFC.
	FrameMarking      uint8
	SsrcAudioLevel    uint8
	VideoOrientation  uint8
	Toffset           uint8
}

func (ids *RtpHeaderExtensionIds) InitRtpHeaderExtensionIds(extensions []rtpparameters.RtpHeaderExtensionParameters) {
	for _, ext := range extensions {
		switch ext.Uri {
		case "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time":
			ids.AbsSendTime = ext.Id
		case "urn:ietf:params:rtp-hdrext:sdes:mid":
			ids.Mid = ext.Id
		case "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id":
			ids.Rid = ext.Id
		case "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id":
			ids.Rrid = ext.Id
		case "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01":
			ids.TransportWideCC01 = ext.Id
		case "http://tools.ietf.org/html/draft-ietf-avtext-framemarking-07":
			ids.FrameMarking07 = ext.Id
		case "urn:ietf:params:rtp-hdrext:framemarking":
			ids.FrameMarking = ext.Id
		case "urn:ietf:params:rtp-hdrext:ssrc-audio-level":
			ids.SsrcAudioLevel = ext.Id
		case "urn:3gpp:video-orientation":
			ids.VideoOrientation = ext.Id
		case "urn:ietf:params:rtp-hdrext:toffset":
			ids.Toffset = ext.Id
		}
	}
}
