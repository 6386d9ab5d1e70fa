package streamSend

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoslee/mediasoup/rtpstream"
)

type captureListener struct {
	retransmitted []*rtp.Packet
	scores        []uint8
}

func (l *captureListener) OnRtpStreamRetransmitRtpPacket(stream *StreamSend, packet *rtp.Packet, probation bool) {
	l.retransmitted = append(l.retransmitted, packet)
}

func (l *captureListener) OnRtpStreamScore(stream *StreamSend, score uint8, previousScore uint8) {
	l.scores = append(l.scores, score)
}

func testParams() rtpstream.Params {
	return rtpstream.Params{
		SSRC:        6001,
		ClockRate:   90000,
		PayloadType: 100,
		MimeType:    "video/VP8",
		Cname:       "stream-test",
		UseNack:     true,
	}
}

func testPacket(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           6001,
			SequenceNumber: seq,
			Timestamp:      ts,
			PayloadType:    100,
		},
		Payload: []byte{0x01, 0x02, 0x03},
	}
}

func TestStreamSendStoresAndRetransmits(t *testing.T) {
	listener := &captureListener{}
	stream := NewStreamSend(DeStorageSize, testParams(), listener)

	for i := 0; i < 10; i++ {
		require.True(t, stream.ReceivePacket(testPacket(uint16(100+i), uint32(1000+i*90))))
	}

	nack := &rtcp.TransportLayerNack{
		MediaSSRC: 6001,
		Nacks:     []rtcp.NackPair{{PacketID: 103, LostPackets: 0b1}},
	}
	stream.ReceiveNack(nack)

	// Packets 103 and 104 were resent.
	require.Len(t, listener.retransmitted, 2)
	assert.EqualValues(t, 103, listener.retransmitted[0].SequenceNumber)
	assert.EqualValues(t, 104, listener.retransmitted[1].SequenceNumber)

	// A NACK for the same packets right away is suppressed by the RTT gate.
	stream.ReceiveNack(nack)
	assert.Len(t, listener.retransmitted, 2)
}

func TestStreamSendSenderReport(t *testing.T) {
	listener := &captureListener{}
	stream := NewStreamSend(0, testParams(), listener)

	// No packets yet: no report.
	assert.Nil(t, stream.GetRtcpSenderReport(1000))

	require.True(t, stream.ReceivePacket(testPacket(1, 90000)))

	report := stream.GetRtcpSenderReport(uint64(stream.MaxPacketMs) + 1000)
	require.NotNil(t, report)
	assert.EqualValues(t, 6001, report.SSRC)
	assert.EqualValues(t, 1, report.PacketCount)
	// One second elapsed: the report timestamp advanced one clock-rate.
	assert.EqualValues(t, 90000+90000, report.RTPTime)
	assert.NotZero(t, stream.GetSenderReportNtpMs())
}

func TestStreamSendScoreFromReceiverReport(t *testing.T) {
	listener := &captureListener{}
	stream := NewStreamSend(0, testParams(), listener)

	for i := 0; i < 100; i++ {
		stream.ReceivePacket(testPacket(uint16(i), uint32(i*90)))
	}

	// Heavy loss reported: the score drops and the listener hears it.
	report := rtcp.ReceptionReport{
		SSRC:         6001,
		FractionLost: 128,
		TotalLost:    50,
	}
	stream.ReceiveRtcpReceiverReport(report)

	assert.Less(t, stream.GetScore(), uint8(10))
	require.NotEmpty(t, listener.scores)
	assert.InDelta(t, 50, stream.GetLossPercentage(), 0.1)
}

func TestStreamSendPauseClearsBuffer(t *testing.T) {
	listener := &captureListener{}
	stream := NewStreamSend(DeStorageSize, testParams(), listener)

	stream.ReceivePacket(testPacket(10, 1000))
	stream.Pause()

	nack := &rtcp.TransportLayerNack{
		MediaSSRC: 6001,
		Nacks:     []rtcp.NackPair{{PacketID: 10}},
	}
	stream.ReceiveNack(nack)
	assert.Empty(t, listener.retransmitted)
}
