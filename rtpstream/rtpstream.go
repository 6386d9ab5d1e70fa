package rtpstream

import (
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/seqManager"
	"github.com/aoslee/mediasoup/uvtime"
)

const RtpSeqMod = 1 << 16
const MaxDropout = 3000
const MaxMisorder = 1500

type Params struct {
	SSRC           uint32
	ClockRate      uint32
	PayloadType    uint8
	RtxPayloadType uint8
	RtxSsrc        uint32

	// MimeType is "video/VP8" style: kind slash codec name.
	MimeType string
	Rid      string
	Cname    string

	SpatialLayers  uint8
	TemporalLayers uint8

	UseNack bool
	UseFir  bool
	UsePli  bool

	UseInBandFec bool
	UseDtx       bool
}

type RtpStream struct {
	Started bool // Whether at least a RTP packet has been received.

	PacketsDiscarded int64
	BaseSeq          uint32 // Base seq number.
	BadSeq           uint32 // Last 'bad' seq number + 1.
	Cycles           uint32

	MaxSeq      uint16 // Highest seq. number seen.
	MaxPacketTs uint32 // Highest timestamp seen.
	MaxPacketMs uint64 // When the packet with highest timestamp was seen.

	Params               Params
	PacketsRetransmitted int64
	RetransmittedPrior   int64 // Packets retransmitted at last interval.
	PacketsRepaired      int64
	RepairedPrior        int64 // Packets repaired at last interval.

	PliCount int
	FirCount int

	Score uint8

	// When the stream last transitioned to a non-zero score.
	ActiveSinceMs uint64

	LastSenderReportNtpMs uint64 // NTP timestamp in last Sender Report (in ms).
	LastSenderReportTs    uint32 // RTP timestamp in last Sender Report.
	PacketsLost           uint32
	ExpectedPrior         uint32 // Packets expected at last interval.
	FractionLost          uint8
}

func (s *RtpStream) InitSeq(seq uint16) {
	// Initialize/reset RTP counters.
	s.BaseSeq = uint32(seq)
	s.MaxSeq = seq
	s.BadSeq = RtpSeqMod + 1 // So seq == badSeq is false.
}

func (s *RtpStream) UpdateSeq(packet *rtp.Packet) bool {
	seq := packet.SequenceNumber
	udelta := seq - s.MaxSeq

	if udelta < MaxDropout {
		// In order, with permissible gap.
		if seq < s.MaxSeq {
			// Sequence number wrapped: count another 64K cycle.
			s.Cycles += RtpSeqMod
		}

		s.MaxSeq = seq
	} else if udelta <= RtpSeqMod-MaxMisorder {
		// The sequence number made a very large jump.
		if uint32(seq) == s.BadSeq {
			mylog.Logger.Infof("too bad sequence number, re-syncing RTP [ssrc:%v, seq:%v]\n", packet.SSRC, packet.SequenceNumber)
			s.InitSeq(seq)
			s.MaxPacketTs = packet.Timestamp
			s.MaxPacketMs = uint64(uvtime.GettimeMs())
		} else {
			mylog.Logger.Infof("bad sequence number, ignoring packet [ssrc:%v, seq:%v]\n", packet.SSRC, packet.SequenceNumber)
			s.BadSeq = uint32(seq+1) & (RtpSeqMod - 1)
			s.PacketsDiscarded++

			return false
		}
	}

	return true
}

func (s *RtpStream) ReceivePacket(packet *rtp.Packet) bool {
	seq := packet.SequenceNumber

	if !s.Started {
		s.InitSeq(seq)

		s.Started = true
		s.MaxSeq = seq - 1
		s.MaxPacketTs = packet.Timestamp
		s.MaxPacketMs = uint64(uvtime.GettimeMs())
		if 0 == s.ActiveSinceMs {
			s.ActiveSinceMs = s.MaxPacketMs
		}
	}

	if !s.UpdateSeq(packet) {
		mylog.Logger.Infof("invalid packet [ssrc:%v, seq:%v]\n", packet.SSRC, packet.SequenceNumber)

		return false
	}

	if seqManager.CompareTimeStampHigherThan(packet.Timestamp, s.MaxPacketTs) {
		s.MaxPacketTs = packet.Timestamp
		s.MaxPacketMs = uint64(uvtime.GettimeMs())
	}

	return true
}

func (s *RtpStream) PacketRetransmitted(packet *rtp.Packet) {
	s.PacketsRetransmitted++
}

func (s *RtpStream) PacketRepaired(packet *rtp.Packet) {
	s.PacketsRepaired++
}

// GetExpectedPackets returns how many packets should have been received so
// far given the observed sequence-number range.
func (s *RtpStream) GetExpectedPackets() uint32 {
	return (s.Cycles + uint32(s.MaxSeq)) - s.BaseSeq + 1
}

func (s *RtpStream) GetSenderReportNtpMs() uint64 {
	return s.LastSenderReportNtpMs
}

func (s *RtpStream) GetSenderReportTs() uint32 {
	return s.LastSenderReportTs
}

func (s *RtpStream) GetSsrc() uint32 {
	return s.Params.SSRC
}

func (s *RtpStream) GetRtxSsrc() uint32 {
	return s.Params.RtxSsrc
}

func (s *RtpStream) GetClockRate() uint32 {
	return s.Params.ClockRate
}

func (s *RtpStream) GetSpatialLayers() uint8 {
	return s.Params.SpatialLayers
}

func (s *RtpStream) GetTemporalLayers() uint8 {
	return s.Params.TemporalLayers
}

func (s *RtpStream) GetScore() uint8 {
	return s.Score
}

// GetActiveTime returns for how long the stream has been continuously
// active (score above zero), in milliseconds.
func (s *RtpStream) GetActiveTime(now uint64) uint64 {
	if 0 == s.ActiveSinceMs || now < s.ActiveSinceMs {
		return 0
	}
	return now - s.ActiveSinceMs
}

// SetScore stores the new score and maintains the active-since mark. The
// caller decides whether to notify anybody.
func (s *RtpStream) SetScore(score uint8) {
	if 0 == score {
		s.ActiveSinceMs = 0
	} else if 0 == s.Score {
		s.ActiveSinceMs = uint64(uvtime.GettimeMs())
	}

	s.Score = score
}

func (s *RtpStream) GetFractionLost() uint8 {
	return s.FractionLost
}

// GetLossPercentage expresses the fraction lost as a 0..100 percentage.
func (s *RtpStream) GetLossPercentage() float64 {
	return float64(s.FractionLost) * 100 / 256
}
