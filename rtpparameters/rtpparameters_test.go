package rtpparameters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParameters() RtpParameters {
	return RtpParameters{
		Codecs: []RtpCodecParameters{
			{
				MimeType:    "video/VP8",
				PayloadType: 100,
				ClockRate:   90000,
			},
			{
				MimeType:    "video/rtx",
				PayloadType: 101,
				ClockRate:   90000,
				Parameters:  map[string]string{"apt": "100"},
			},
		},
		Encodings: []RtpEncodingParameters{{
			Ssrc:           3001,
			HasRtx:         true,
			Rtx:            RtpEncodingRtx{Ssrc: 3002},
			SpatialLayers:  3,
			TemporalLayers: 3,
		}},
	}
}

func TestGetCodecForEncoding(t *testing.T) {
	params := testParameters()

	codec := params.GetCodecForEncoding(&params.Encodings[0])
	require.NotNil(t, codec)
	assert.EqualValues(t, 100, codec.PayloadType)
	assert.Equal(t, "video", codec.Kind())
	assert.False(t, codec.IsRtxCodec())
}

func TestGetRtxCodecForEncoding(t *testing.T) {
	params := testParameters()

	rtxCodec := params.GetRtxCodecForEncoding(&params.Encodings[0])
	require.NotNil(t, rtxCodec)
	assert.EqualValues(t, 101, rtxCodec.PayloadType)
	assert.True(t, rtxCodec.IsRtxCodec())

	// An apt mismatch yields no RTX codec.
	params.Codecs[1].Parameters["apt"] = "96"
	assert.Nil(t, params.GetRtxCodecForEncoding(&params.Encodings[0]))
}
