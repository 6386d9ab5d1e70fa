package streamSend

import (
	"math"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/rateCalculator"
	"github.com/aoslee/mediasoup/rtpstream"
	"github.com/aoslee/mediasoup/utils"
	"github.com/aoslee/mediasoup/uvtime"
)

const MtuSize = 1500
const DeStorageSize = 600

// Don't retransmit packets older than this (ms).
const MaxRetransmissionDelay = 2000

const DefaultRtt = 100

type Listener interface {
	OnRtpStreamRetransmitRtpPacket(streamSend *StreamSend, packet *rtp.Packet, probation bool)
	OnRtpStreamScore(streamSend *StreamSend, score uint8, previousScore uint8)
}

type StorageItem struct {
	// Cloned packet.
	Packet *rtp.Packet
	// Last time this packet was resent.
	ResentAtTime uint64
	// Number of times this packet was resent.
	SentTimes uint8
	// Whether the packet has been already RTX encoded.
	RtxEncoded bool
}

func (s *StorageItem) ResetStorageItem() {
	s.Packet = nil
	s.ResentAtTime = 0
	s.SentTimes = 0
	s.RtxEncoded = false
}

type StreamSend struct {
	Buffer         []*StorageItem
	BufferSize     int
	Storage        []StorageItem
	BufferStartIdx uint16

	nackCount       int
	nackPacketCount int

	rtpstream.RtpStream
	MapSsrc uint32

	Rtt float64

	Paused bool

	transmissionCounter *rateCalculator.RtpDataCounter

	listener Listener

	lostPrior uint32 // Packets lost at last interval.
	sentPrior uint32 // Packets sent at last interval.
}

func NewStreamSend(bufferSize int, params rtpstream.Params, listener Listener) *StreamSend {
	node := StreamSend{}

	mylog.Logger.Infof("new StreamSend params %v\n", params)

	node.Storage = make([]StorageItem, bufferSize)
	if bufferSize > 0 {
		node.Buffer = make([]*StorageItem, 65536)
	}

	node.listener = listener
	node.Params = params
	node.Score = 10
	node.transmissionCounter = rateCalculator.NewRtpDataCounter()

	return &node
}

func (s *StreamSend) Close() {
	s.transmissionCounter = nil
}

// Pause drops the retransmission buffer and marks the stream inactive
// until packets flow again.
func (s *StreamSend) Pause() {
	s.Paused = true

	for i := range s.Storage {
		s.Storage[i].ResetStorageItem()
	}
	if nil != s.Buffer {
		for i := range s.Buffer {
			s.Buffer[i] = nil
		}
	}
	s.BufferSize = 0
	s.BufferStartIdx = 0
}

func (s *StreamSend) Resume() {
	s.Paused = false
}

func (s *StreamSend) updateBufferStartIdx() {
	seq := s.BufferStartIdx + 1

	for idx := 0; idx < len(s.Buffer); idx, seq = idx+1, seq+1 {
		storageItem := s.Buffer[seq]
		if nil != storageItem {
			s.BufferStartIdx = seq
			break
		}
	}
}

func (s *StreamSend) StorePacket(packet *rtp.Packet) {
	seq := packet.SequenceNumber
	storageItem := s.Buffer[seq]

	if 0 == s.BufferSize {
		storageItem = &s.Storage[0]
		s.Buffer[seq] = storageItem

		s.BufferSize++
		s.BufferStartIdx = seq
	} else if nil != storageItem {
		// Already stored. Ignore duplicated packets.
		storedPacket := storageItem.Packet
		if storedPacket.Timestamp == packet.Timestamp {
			return
		}

		// The sequence number space wrapped onto an old entry. Reuse it.
		storageItem.ResetStorageItem()

		if s.BufferStartIdx == seq {
			s.updateBufferStartIdx()
		}
	} else if s.BufferSize < len(s.Storage) {
		storageItem = &s.Storage[s.BufferSize]
		s.Buffer[seq] = storageItem
		s.BufferSize++
	} else {
		// Buffer full: evict the oldest entry.
		firstStorageItem := s.Buffer[s.BufferStartIdx]
		firstStorageItem.ResetStorageItem()

		s.Buffer[s.BufferStartIdx] = nil

		s.updateBufferStartIdx()

		storageItem = firstStorageItem
		s.Buffer[seq] = storageItem
	}

	storageItem.Packet = packet.Clone()
}

func (s *StreamSend) FillRetransmissionContainer(outSeq []uint16) []*StorageItem {
	var OutItem = make([]*StorageItem, 0, 20)

	now := uvtime.GettimeMs()
	var tooOldPacketFound bool
	var rtt float64 = DefaultRtt
	if 0 != s.Rtt {
		rtt = s.Rtt
	}

	for _, seq := range outSeq {
		storageItem := s.Buffer[seq]
		var packet *rtp.Packet
		var diffMs uint32

		if nil != storageItem {
			packet = storageItem.Packet
			diffTs := s.MaxPacketTs - packet.Timestamp
			diffMs = diffTs * 1000 / s.Params.ClockRate
		}

		if nil == storageItem {
			mylog.Logger.Infof("storageItem nil seq[%v]\n", seq)
		} else if diffMs > MaxRetransmissionDelay {
			if !tooOldPacketFound {
				mylog.Logger.Infof("ignoring retransmission for too old packet [seq:%v, max age:%v ms, packet age:%v ms]\n", packet.SequenceNumber, MaxRetransmissionDelay, diffMs)
				tooOldPacketFound = true
			}
		} else if storageItem.ResentAtTime != 0 && uint64(now)-storageItem.ResentAtTime <= uint64(rtt) {
			mylog.Logger.Infof("ignoring retransmission for a packet already resent in the last RTT ms [seq:%v, rtt:%v ms]\n", packet.SequenceNumber, uint32(rtt))
		} else {
			storageItem.ResentAtTime = uint64(now)
			storageItem.SentTimes++
			OutItem = append(OutItem, storageItem)
		}
	}

	return OutItem
}

func (s *StreamSend) ReceiveNack(nack *rtcp.TransportLayerNack) {
	if nil == s.Buffer {
		return
	}

	s.nackCount++
	for _, item := range nack.Nacks {
		outSeq := item.PacketList()
		s.nackPacketCount += len(outSeq)
		outSend := s.FillRetransmissionContainer(outSeq)
		for _, storageItem := range outSend {
			if nil == storageItem {
				break
			}

			packet := storageItem.Packet
			mylog.Logger.Debugf("StreamSend send nack packet seq[%v] ssrc[%v] pt[%v]\n", packet.SequenceNumber, packet.SSRC, packet.PayloadType)
			s.listener.OnRtpStreamRetransmitRtpPacket(s, packet, false)
			s.RtpStream.PacketRetransmitted(packet)
			if 1 == storageItem.SentTimes {
				s.RtpStream.PacketRepaired(packet)
			}
		}
	}
}

func (s *StreamSend) ReceivePacket(packet *rtp.Packet) bool {
	if !s.RtpStream.ReceivePacket(packet) {
		return false
	}

	s.Paused = false

	if len(s.Storage) > 0 {
		s.StorePacket(packet)
	}
	s.transmissionCounter.Update(packet)
	return true
}

func (s *StreamSend) ReceiveKeyFrameRequestPLI() {
	s.PliCount++
}

func (s *StreamSend) ReceiveKeyFrameRequestFIR() {
	s.FirCount++
}

func (s *StreamSend) GetBitrate(now uint64) uint32 {
	return s.transmissionCounter.GetBitrate(now)
}

func (s *StreamSend) GetRtt() float64 {
	return s.Rtt
}

// ResetScore overrides the stream score, optionally notifying the
// listener. Used when a consumer switches to another spatial layer and the
// stats of the previous layer no longer apply.
func (s *StreamSend) ResetScore(score uint8, notify bool) {
	previousScore := s.Score
	s.SetScore(score)

	if notify && previousScore != score {
		s.listener.OnRtpStreamScore(s, score, previousScore)
	}
}

func (s *StreamSend) GetRtcpSenderReport(now uint64) *rtcp.SenderReport {
	if 0 == s.transmissionCounter.GetPacketCount() {
		return nil
	}
	ntp := utils.TimeMs2Ntp(now)
	report := rtcp.SenderReport{}
	diffMs := now - s.MaxPacketMs
	diffTs := diffMs * uint64(s.Params.ClockRate) / 1000

	report.SSRC = s.Params.SSRC
	report.NTPTime = uint64(ntp.Seconds)<<32 | uint64(ntp.Fractions)
	report.RTPTime = uint32(uint64(s.MaxPacketTs) + diffTs)
	report.PacketCount = uint32(s.transmissionCounter.GetPacketCount())
	report.OctetCount = uint32(s.transmissionCounter.GetBytes())

	s.LastSenderReportNtpMs = now
	s.LastSenderReportTs = report.RTPTime

	return &report
}

func (s *StreamSend) GetRtcpSdesChunk() *rtcp.SourceDescription {
	report := rtcp.SourceDescription{}
	chunk := rtcp.SourceDescriptionChunk{
		Source: s.Params.SSRC,
		Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: s.Params.Cname}},
	}
	report.Chunks = append(report.Chunks, chunk)
	return &report
}

func (s *StreamSend) ReceiveRtcpReceiverReport(report rtcp.ReceptionReport) {
	now := uint64(uvtime.GettimeMs())
	ntp := utils.TimeMs2Ntp(now)

	// Get the compact NTP representation of the current timestamp.
	var compactNtp = (ntp.Seconds & 0x0000FFFF) << 16

	compactNtp |= (ntp.Fractions & 0xFFFF0000) >> 16

	lastSr := report.LastSenderReport
	dlsr := report.Delay

	// RTT in 1/2^16 second fractions.
	var rtt uint32

	// If no Sender Report was received by the remote endpoint yet, ignore
	// lastSr and dlsr values in the Receiver Report.
	if 0 == lastSr || 0 == dlsr {
		rtt = 0
	} else if compactNtp > dlsr+lastSr {
		rtt = compactNtp - dlsr - lastSr
	} else {
		rtt = 0
	}

	// RTT in milliseconds.
	s.Rtt = float64(rtt>>16) * 1000
	s.Rtt += (float64(rtt&0x0000FFFF) / 65536) * 1000.0

	s.PacketsLost = report.TotalLost
	s.FractionLost = report.FractionLost
	s.UpdateScore(report)
}

func (s *StreamSend) UpdateScore(report rtcp.ReceptionReport) {
	// Calculate number of packets sent in this interval.
	totalSent := uint32(s.transmissionCounter.GetPacketCount())
	sent := totalSent - s.sentPrior

	s.sentPrior = totalSent

	// Calculate number of packets lost in this interval.
	totalLost := report.TotalLost
	var lost uint32

	if totalLost < s.lostPrior {
		lost = 0
	} else {
		lost = totalLost - s.lostPrior
	}
	s.lostPrior = totalLost

	// Calculate number of packets repaired in this interval.
	totalRepaired := s.PacketsRepaired
	repaired := uint32(totalRepaired - s.RepairedPrior)

	s.RepairedPrior = totalRepaired

	// Calculate number of packets retransmitted in this interval.
	totalRetransmitted := s.PacketsRetransmitted
	retransmitted := totalRetransmitted - s.RetransmittedPrior

	s.RetransmittedPrior = totalRetransmitted

	// We didn't send any packet.
	if sent == 0 {
		s.updateScoreValue(10)
		return
	}

	if lost > sent {
		lost = sent
	}

	if repaired > lost {
		lost = repaired
	}

	repairedRatio := float64(repaired) / float64(sent)
	repairedWeight := math.Pow(1.0/(repairedRatio+1), 4.0)

	if retransmitted > 0 {
		repairedWeight *= float64(repaired) / float64(retransmitted)
	}

	lost -= repaired * uint32(repairedWeight)

	deliveredRatio := float64(sent-lost) / float64(sent)
	score := uint8(utils.Lround(math.Pow(deliveredRatio, 4) * 10))
	s.updateScoreValue(score)
}

func (s *StreamSend) updateScoreValue(score uint8) {
	previousScore := s.Score
	s.SetScore(score)

	if previousScore != score {
		s.listener.OnRtpStreamScore(s, score, previousScore)
	}
}
