package consumer

import (
	"errors"

	"github.com/aoslee/mediasoup/rtpHeaderExtensionIds"
	"github.com/aoslee/mediasoup/rtpparameters"
)

const (
	ConsumerType_NONE = iota
	ConsumerType_SIMPLE
	ConsumerType_SIMULCAST
	ConsumerType_SVC
	ConsumerType_PIPE
)

// ErrTypeError marks malformed construction input or request parameters.
// Prior state is preserved when a request fails with it.
var ErrTypeError = errors.New("type error")

// VideoLayer is a spatial/temporal layer pair. -1 means none.
type VideoLayer struct {
	SpatialLayer  int16
	TemporalLayer int16
}

// ConsumerScore pairs the outgoing stream score with the score of the
// producer stream currently being forwarded.
type ConsumerScore struct {
	Score         uint8
	ProducerScore uint8
}

// Options is the construction input shared by all consumer kinds.
type Options struct {
	Kind                   string // "video" or "audio"
	RtpParameters          rtpparameters.RtpParameters
	ConsumableRtpEncodings []rtpparameters.RtpEncodingParameters
	PreferredLayers        *VideoLayer
	Paused                 bool
}

// Consumer is the state shared by the concrete consumer kinds.
type Consumer struct {
	Id           string
	Kind         string
	ConsumerType int

	RtpParameters          rtpparameters.RtpParameters
	ConsumableRtpEncodings []rtpparameters.RtpEncodingParameters

	RtpHeaderExtensionIds rtpHeaderExtensionIds.RtpHeaderExtensionIds

	supportedCodecPayloadTypes map[uint8]bool
	mediaSsrcs                 []uint32

	paused                   bool
	producerPaused           bool
	transportConnected       bool
	externallyManagedBitrate bool

	MaxRtcpInterval  uint16
	LastRtcpSentTime uint64
}

func (c *Consumer) NewConsumer(id string, consumerType int, options Options) {
	c.Id = id
	c.ConsumerType = consumerType
	c.Kind = options.Kind
	c.RtpParameters = options.RtpParameters
	c.ConsumableRtpEncodings = options.ConsumableRtpEncodings
	c.paused = options.Paused

	if "video" == c.Kind {
		c.MaxRtcpInterval = rtpHeaderExtensionIds.MaxVideoIntervalMs
	} else {
		c.MaxRtcpInterval = rtpHeaderExtensionIds.MaxAudioIntervalMs
	}

	c.RtpHeaderExtensionIds.InitRtpHeaderExtensionIds(options.RtpParameters.HeaderExtensions)

	c.supportedCodecPayloadTypes = make(map[uint8]bool)
	for i := range options.RtpParameters.Codecs {
		codec := &options.RtpParameters.Codecs[i]
		if !codec.IsRtxCodec() {
			c.supportedCodecPayloadTypes[codec.PayloadType] = true
		}
	}

	c.mediaSsrcs = make([]uint32, 0, 3)
	for _, encoding := range options.RtpParameters.Encodings {
		c.mediaSsrcs = append(c.mediaSsrcs, encoding.Ssrc)
		if encoding.HasRtx {
			c.mediaSsrcs = append(c.mediaSsrcs, encoding.Rtx.Ssrc)
		}
	}
}

func (c *Consumer) ID() string {
	return c.Id
}

func (c *Consumer) GetKind() string {
	return c.Kind
}

func (c *Consumer) GetType() int {
	return c.ConsumerType
}

func (c *Consumer) GetMediaSsrcs() []uint32 {
	return c.mediaSsrcs
}

// IsActive reports whether packets may flow right now.
func (c *Consumer) IsActive() bool {
	return c.transportConnected && !c.paused && !c.producerPaused
}

func (c *Consumer) IsPaused() bool {
	return c.paused
}

func (c *Consumer) IsProducerPaused() bool {
	return c.producerPaused
}

func (c *Consumer) SetExternallyManagedBitrate() {
	c.externallyManagedBitrate = true
}

func (c *Consumer) IsExternallyManagedBitrate() bool {
	return c.externallyManagedBitrate
}
