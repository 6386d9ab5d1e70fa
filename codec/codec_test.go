package codec

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func vp8Packet(seq uint16, pictureId uint16, tl0 uint8, tid uint8, layerSync bool, keyFrame bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: seq,
			PayloadType:    100,
		},
		Payload: buildVP8Payload(pictureId, tl0, tid, layerSync, keyFrame),
	}
}

func TestVP8KeyFrameDetection(t *testing.T) {
	assert.True(t, IsKeyFrame("video/VP8", buildVP8Payload(10, 1, 0, true, true)))
	assert.False(t, IsKeyFrame("video/VP8", buildVP8Payload(10, 1, 0, false, false)))
	assert.False(t, IsKeyFrame("video/VP8", nil))
}

func TestVP8TemporalLayerExtraction(t *testing.T) {
	assert.EqualValues(t, 2, GetTemporalLayer("video/VP8", buildVP8Payload(10, 1, 2, false, false)))
	assert.EqualValues(t, 0, GetTemporalLayer("video/VP8", buildVP8Payload(10, 1, 0, false, true)))
}

func TestVP8ProcessRewritesPictureId(t *testing.T) {
	ctx := NewVP8EncodingContext(3, 3)
	ctx.SetTargetTemporalLayer(2)
	ctx.SetCurrentTemporalLayer(0)
	ctx.SyncRequired()

	pkt := vp8Packet(1, 100, 50, 0, false, true)
	require.True(t, ctx.ProcessPayload(pkt))

	d, ok := parseVP8Descriptor(pkt.Payload)
	require.True(t, ok)
	assert.EqualValues(t, 1, d.pictureId)
	assert.EqualValues(t, 1, d.tl0PicIdx)

	// Restore puts the original descriptor back.
	ctx.RestorePayload(pkt)
	d, ok = parseVP8Descriptor(pkt.Payload)
	require.True(t, ok)
	assert.EqualValues(t, 100, d.pictureId)
	assert.EqualValues(t, 50, d.tl0PicIdx)
}

func TestVP8TemporalFilterKeepsPictureIdContinuous(t *testing.T) {
	ctx := NewVP8EncodingContext(3, 3)
	ctx.SetTargetTemporalLayer(0)
	ctx.SetCurrentTemporalLayer(0)
	ctx.SyncRequired()

	pkt := vp8Packet(1, 100, 50, 0, false, true)
	require.True(t, ctx.ProcessPayload(pkt))

	// Higher temporal layer than the target: dropped.
	dropped := vp8Packet(2, 101, 50, 1, true, false)
	assert.False(t, ctx.ProcessPayload(dropped))

	// Next base-layer picture continues the rewritten pictureId run.
	next := vp8Packet(3, 102, 51, 0, false, false)
	require.True(t, ctx.ProcessPayload(next))

	d, ok := parseVP8Descriptor(next.Payload)
	require.True(t, ok)
	assert.EqualValues(t, 2, d.pictureId)
}

func TestVP8TemporalUpgradeNeedsLayerSync(t *testing.T) {
	ctx := NewVP8EncodingContext(3, 3)
	ctx.SetTargetTemporalLayer(1)
	ctx.SetCurrentTemporalLayer(0)
	ctx.SyncRequired()

	require.True(t, ctx.ProcessPayload(vp8Packet(1, 100, 50, 0, false, true)))

	// T1 without the layer sync bit cannot be decoded yet.
	assert.False(t, ctx.ProcessPayload(vp8Packet(2, 101, 50, 1, false, false)))
	assert.EqualValues(t, 0, ctx.GetCurrentTemporalLayer())

	// With the layer sync bit the upgrade happens.
	require.True(t, ctx.ProcessPayload(vp8Packet(3, 102, 50, 1, true, false)))
	assert.EqualValues(t, 1, ctx.GetCurrentTemporalLayer())
}

func TestVP8CurrentClampedWhenTargetLowered(t *testing.T) {
	ctx := NewVP8EncodingContext(3, 3)
	ctx.SetTargetTemporalLayer(2)
	ctx.SetCurrentTemporalLayer(2)
	ctx.SyncRequired()

	require.True(t, ctx.ProcessPayload(vp8Packet(1, 100, 50, 0, false, true)))

	ctx.SetTargetTemporalLayer(0)
	require.True(t, ctx.ProcessPayload(vp8Packet(2, 101, 51, 0, false, false)))
	assert.EqualValues(t, 0, ctx.GetCurrentTemporalLayer())
}

func TestH264KeyFrameDetection(t *testing.T) {
	idr := []byte{0x65, 0x88, 0x84}
	sps := []byte{0x67, 0x42, 0x00}
	nonKey := []byte{0x61, 0x9a, 0x00}
	stapWithSps := []byte{0x78, 0x00, 0x03, 0x67, 0x42, 0x00}
	fuaStartIdr := []byte{0x7c, 0x85, 0x88}
	fuaMiddle := []byte{0x7c, 0x05, 0x88}

	assert.True(t, IsKeyFrame("video/H264", idr))
	assert.True(t, IsKeyFrame("video/H264", sps))
	assert.False(t, IsKeyFrame("video/H264", nonKey))
	assert.True(t, IsKeyFrame("video/H264", stapWithSps))
	assert.True(t, IsKeyFrame("video/H264", fuaStartIdr))
	assert.False(t, IsKeyFrame("video/H264", fuaMiddle))
}

func TestGetEncodingContext(t *testing.T) {
	assert.NotNil(t, GetEncodingContext("video/VP8", 3, 3))
	assert.NotNil(t, GetEncodingContext("video/H264", 3, 1))
	assert.Nil(t, GetEncodingContext("audio/opus", 1, 1))

	assert.True(t, CanBeKeyFrame("video/VP8"))
	assert.False(t, CanBeKeyFrame("audio/opus"))
}
