package streamRecv

import (
	"math"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/codec"
	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/nackGenerator"
	"github.com/aoslee/mediasoup/rateCalculator"
	"github.com/aoslee/mediasoup/rtpstream"
	"github.com/aoslee/mediasoup/utils"
	"github.com/aoslee/mediasoup/uvtime"
)

type Listener interface {
	OnRtpStreamSendRtcpPacket(streamRecv *StreamRecv, packet []rtcp.Packet)
	OnRtpStreamNeedWorstRemoteFractionLost(rtpStream *StreamRecv, worstRemoteFractionLost *uint8)
	OnRtpStreamScore(rtpStream *StreamRecv, score uint8, previousScore uint8)
}

// TransmissionCounter tracks receive bitrate per spatial/temporal layer so
// consumers can plan layer switches against real rates.
type TransmissionCounter struct {
	SpatialLayerCounters [][]*rateCalculator.RtpDataCounter
}

func NewTransmissionCounter(spatialLayers uint8, temporalLayers uint8) TransmissionCounter {
	c := TransmissionCounter{}
	c.SpatialLayerCounters = make([][]*rateCalculator.RtpDataCounter, spatialLayers)

	for i := 0; i < len(c.SpatialLayerCounters); i++ {
		c.SpatialLayerCounters[i] = make([]*rateCalculator.RtpDataCounter, temporalLayers)
		for j := 0; j < len(c.SpatialLayerCounters[i]); j++ {
			c.SpatialLayerCounters[i][j] = rateCalculator.NewRtpDataCounter()
		}
	}

	return c
}

func (p *TransmissionCounter) Update(packet *rtp.Packet, spatialLayer uint8, temporalLayer uint8) {
	if spatialLayer > uint8(len(p.SpatialLayerCounters)-1) {
		spatialLayer = uint8(len(p.SpatialLayerCounters) - 1)
	}

	if temporalLayer > uint8(len(p.SpatialLayerCounters[0])-1) {
		temporalLayer = uint8(len(p.SpatialLayerCounters[0]) - 1)
	}

	counter := p.SpatialLayerCounters[spatialLayer][temporalLayer]
	counter.Update(packet)
}

func (p *TransmissionCounter) GetBitrate(now uint64) uint32 {
	var rate uint32
	for i := 0; i < len(p.SpatialLayerCounters); i++ {
		for j := 0; j < len(p.SpatialLayerCounters[i]); j++ {
			rate += p.SpatialLayerCounters[i][j].GetBitrate(now)
		}
	}

	return rate
}

// GetBitrateByLayer returns the cumulative bitrate up to and including the
// given layer pair. Zero if that layer itself is inactive.
func (p *TransmissionCounter) GetBitrateByLayer(now uint64, spatialLayer uint8, temporalLayer uint8) uint32 {
	var rate uint32

	if int(spatialLayer) >= len(p.SpatialLayerCounters) {
		mylog.Logger.Errorf("spatialLayer too high\n")
		return 0
	}

	if int(temporalLayer) >= len(p.SpatialLayerCounters[spatialLayer]) {
		mylog.Logger.Errorf("temporalLayer too high\n")
		return 0
	}

	counter := p.SpatialLayerCounters[spatialLayer][temporalLayer]
	if counter.GetBitrate(now) == 0 {
		return 0
	}

	for i := 0; i <= int(spatialLayer); i++ {
		for j := 0; j <= int(temporalLayer); j++ {
			rate += p.SpatialLayerCounters[i][j].GetBitrate(now)
		}
	}

	return rate
}

func (p *TransmissionCounter) GetSpatialLayerBitrate(now uint64, spatialLayer uint8) uint32 {
	var rate uint32

	if int(spatialLayer) >= len(p.SpatialLayerCounters) {
		mylog.Logger.Errorf("GetSpatialLayerBitrate spatialLayer too high\n")
		return 0
	}

	for i := 0; i < len(p.SpatialLayerCounters[spatialLayer]); i++ {
		rate += p.SpatialLayerCounters[spatialLayer][i].GetBitrate(now)
	}

	return rate
}

// GetLayerBitrate returns the bitrate of a single layer pair.
func (p *TransmissionCounter) GetLayerBitrate(now uint64, spatialLayer uint8, temporalLayer uint8) uint32 {
	if int(spatialLayer) >= len(p.SpatialLayerCounters) {
		mylog.Logger.Errorf("GetLayerBitrate spatialLayer too high\n")
		return 0
	}

	if int(temporalLayer) >= len(p.SpatialLayerCounters[spatialLayer]) {
		mylog.Logger.Errorf("GetLayerBitrate temporalLayer too high\n")
		return 0
	}

	return p.SpatialLayerCounters[spatialLayer][temporalLayer].GetBitrate(now)
}

func (p *TransmissionCounter) GetPacketCount() int {
	var packetCount int
	for i := 0; i < len(p.SpatialLayerCounters); i++ {
		for j := 0; j < len(p.SpatialLayerCounters[i]); j++ {
			packetCount += p.SpatialLayerCounters[i][j].GetPacketCount()
		}
	}

	return packetCount
}

func (p *TransmissionCounter) GetBytes() uint64 {
	var bytes uint64
	for i := 0; i < len(p.SpatialLayerCounters); i++ {
		for j := 0; j < len(p.SpatialLayerCounters[i]); j++ {
			bytes += p.SpatialLayerCounters[i][j].GetBytes()
		}
	}

	return bytes
}

type StreamRecv struct {
	NackGeneratorNode *nackGenerator.NackGenerator

	rtpstream.RtpStream

	NackCount       int
	NackPacketCount int
	listener        Listener

	Transit             uint32 // Relative transit time for prev packet.
	Jitter              uint32
	TransmissionCounter TransmissionCounter
	LastPacketAt        uint64

	ReceivedPrior      uint32 // Packets received at last interval.
	ReportedPacketLost uint32

	LastSrTimestamp uint32 // Middle 32 bits of the NTP timestamp in the most recent SR.
	LastSrReceived  uint64 // Wallclock time of the most recent SR arrival.
}

func NewStreamRecv(params rtpstream.Params, listener Listener) *StreamRecv {
	node := StreamRecv{}

	mylog.Logger.Infof("new StreamRecv params %v\n", params)

	if params.UseNack {
		node.NackGeneratorNode = nackGenerator.NewNackGenerator(&node, params.MimeType)
	}

	node.Params = params
	node.Score = 10
	node.ActiveSinceMs = uint64(uvtime.GettimeMs())
	node.listener = listener
	node.TransmissionCounter = NewTransmissionCounter(params.SpatialLayers, params.TemporalLayers)

	return &node
}

func (s *StreamRecv) Close() {
	if nil != s.NackGeneratorNode {
		s.NackGeneratorNode.Close()
	}

	s.NackGeneratorNode = nil
}

func (s *StreamRecv) ReceivePacket(packet *rtp.Packet) bool {
	if !s.RtpStream.ReceivePacket(packet) {
		return false
	}

	if s.Params.UseNack {
		if s.NackGeneratorNode.ReceivePacket(packet) {
			s.RtpStream.PacketRetransmitted(packet)
			s.RtpStream.PacketRepaired(packet)
		}
	}

	s.CalculateJitter(packet.Timestamp)

	temporalLayer := uint8(0)
	if packet.PayloadType == s.Params.PayloadType {
		temporalLayer = uint8(codec.GetTemporalLayer(s.Params.MimeType, packet.Payload))
	}
	s.TransmissionCounter.Update(packet, 0, temporalLayer)

	s.LastPacketAt = uint64(uvtime.GettimeMs())
	return true
}

func (s *StreamRecv) ReceiveRtxPacket(packet *rtp.Packet) bool {
	if !s.Params.UseNack {
		mylog.Logger.Infof("NACK not supported")
		return false
	}

	// Check that the payload type corresponds to the one negotiated.
	if packet.PayloadType != s.Params.RtxPayloadType {
		mylog.Logger.Infof("ignoring RTX packet with invalid payload type [ssrc:%v, seq:%v, pt:%v]",
			packet.SSRC, packet.SequenceNumber, packet.PayloadType)

		return false
	}

	if len(packet.Payload) < 2 {
		mylog.Logger.Errorf("ignoring empty RTX packet [ssrc:%v, seq:%v, pt:%v]",
			packet.SSRC, packet.SequenceNumber, packet.PayloadType)

		return false
	}

	// Recover the original packet in place: OSN travels in the first two
	// payload octets.
	rtxSeq := packet.SequenceNumber
	packet.SequenceNumber = uint16(packet.Payload[0])<<8 | uint16(packet.Payload[1])
	packet.Payload = packet.Payload[2:]
	packet.PayloadType = s.Params.PayloadType
	packet.SSRC = s.Params.SSRC

	mylog.Logger.Debugf("received RTX packet [ssrc:%v, seq:%v] recovering original [ssrc:%v, seq:%v]",
		s.Params.RtxSsrc, rtxSeq, packet.SSRC, packet.SequenceNumber)

	if !s.UpdateSeq(packet) {
		mylog.Logger.Errorf("invalid RTX packet [ssrc:%v, seq:%v]", packet.SSRC, packet.SequenceNumber)
		return false
	}

	s.PacketRetransmitted(packet)

	if s.NackGeneratorNode.ReceivePacket(packet) {
		// Mark the packet as repaired.
		s.PacketRepaired(packet)

		// Increase transmission counter.
		temporalLayer := uint8(codec.GetTemporalLayer(s.Params.MimeType, packet.Payload))
		s.TransmissionCounter.Update(packet, 0, temporalLayer)

		// Update last packet arrival.
		s.LastPacketAt = uint64(uvtime.GettimeMs())

		return true
	}

	return false
}

// GetBitrate mirrors the cumulative layer query used during bitrate
// allocation.
func (s *StreamRecv) GetBitrate(now uint64, spatialLayer uint8, temporalLayer uint8) uint32 {
	return s.TransmissionCounter.GetBitrateByLayer(now, spatialLayer, temporalLayer)
}

func (s *StreamRecv) GetLayerBitrate(now uint64, spatialLayer uint8, temporalLayer uint8) uint32 {
	return s.TransmissionCounter.GetLayerBitrate(now, spatialLayer, temporalLayer)
}

func (s *StreamRecv) GetTotalBitrate(now uint64) uint32 {
	return s.TransmissionCounter.GetBitrate(now)
}

// NackGenerator listener.
func (s *StreamRecv) OnNackGeneratorNackRequired(nackBatch []uint16) {
	var p *uint16
	var bitmask uint16
	var NumSend int

	NackPacket := rtcp.TransportLayerNack{SenderSSRC: 0, MediaSSRC: s.Params.SSRC, Nacks: []rtcp.NackPair{}}
	mylog.Logger.Infof("StreamRecv send nack total packetId[%v] ssrc[%v]\n", nackBatch, s.Params.SSRC)
	for index, v := range nackBatch {
		NumSend++
		if nil == p {
			p = &nackBatch[index]
			continue
		}

		shift := v - *p - 1
		if shift <= 15 {
			bitmask |= 1 << shift
			continue
		}

		NackPacket.Nacks = append(NackPacket.Nacks, rtcp.NackPair{PacketID: *p, LostPackets: rtcp.PacketBitmap(bitmask)})
		p = &nackBatch[index]
		bitmask = 0
	}

	if nil != p {
		NackPacket.Nacks = append(NackPacket.Nacks, rtcp.NackPair{PacketID: *p, LostPackets: rtcp.PacketBitmap(bitmask)})
	}

	s.NackCount++
	s.NackPacketCount += NumSend
	s.listener.OnRtpStreamSendRtcpPacket(s, []rtcp.Packet{&NackPacket})
}

// NackGenerator listener.
func (s *StreamRecv) OnNackGeneratorKeyFrameRequired(ssrc uint32) {
	mylog.Logger.Infof("OnNackGeneratorKeyFrameRequired send pli ssrc[%v]", ssrc)
	s.RequestKeyFrame()
}

func (s *StreamRecv) RequestKeyFrame() {
	if nil != s.NackGeneratorNode {
		s.NackGeneratorNode.Reset()
	}

	s.PliCount++
	s.listener.OnRtpStreamSendRtcpPacket(s, []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: s.Params.SSRC}})
}

func (s *StreamRecv) CalculateJitter(rtpTimestamp uint32) {
	if 0 == s.Params.ClockRate {
		mylog.Logger.Errorf("CalculateJitter clock is 0 ssrc[%v]", s.Params.SSRC)
		return
	}

	transit := int(uint32(uvtime.GettimeMs()) - (rtpTimestamp * 1000 / s.Params.ClockRate))
	d := transit - int(s.Transit)

	s.Transit = uint32(transit)
	if d < 0 {
		d = -d
	}
	s.Jitter += uint32((1. / 16.) * (float64(d) - float64(s.Jitter)))
}

func (s *StreamRecv) GetRtcpReceiverReport() rtcp.ReceptionReport {
	worstRemoteFractionLost := uint8(0)
	if s.Params.UseInBandFec {
		s.listener.OnRtpStreamNeedWorstRemoteFractionLost(s, &worstRemoteFractionLost)

		if worstRemoteFractionLost > 0 {
			mylog.Logger.Infof("using worst remote fraction lost:%d", worstRemoteFractionLost)
		}
	}

	rr := rtcp.ReceptionReport{}
	rr.SSRC = s.Params.SSRC

	prevPacketsLost := s.PacketsLost
	expected := s.GetExpectedPackets()
	s.PacketsLost = expected - uint32(s.TransmissionCounter.GetPacketCount())

	expectedInterval := expected - s.ExpectedPrior
	s.ExpectedPrior = expected

	receivedInterval := uint32(s.TransmissionCounter.GetPacketCount()) - s.ReceivedPrior
	s.ReceivedPrior = uint32(s.TransmissionCounter.GetPacketCount())

	lostInterval := int32(expectedInterval) - int32(receivedInterval)
	if expectedInterval == 0 || lostInterval <= 0 {
		s.FractionLost = 0
	} else {
		s.FractionLost = uint8((uint32(lostInterval) << 8) / expectedInterval)
	}

	if worstRemoteFractionLost <= s.FractionLost {
		s.ReportedPacketLost += s.PacketsLost - prevPacketsLost
		rr.TotalLost = s.ReportedPacketLost
		rr.FractionLost = s.FractionLost
	} else {
		// Recalculate packetsLost.
		newLostInterval := (uint32(worstRemoteFractionLost) * expectedInterval) >> 8
		newReceivedInterval := expectedInterval - newLostInterval
		s.ReportedPacketLost += receivedInterval - newReceivedInterval
		rr.TotalLost = s.ReportedPacketLost
		rr.FractionLost = worstRemoteFractionLost
	}
	rr.LastSequenceNumber = uint32(s.MaxSeq) + s.Cycles
	rr.Jitter = s.Jitter

	if s.LastSrReceived != 0 {
		// Get delay in milliseconds.
		delayMs := uint32(uint64(uvtime.GettimeMs()) - s.LastSrReceived)
		// Express delay in units of 1/65536 seconds.
		dlsr := (delayMs / 1000) << 16
		dlsr |= uint32((delayMs % 1000) * 65536 / 1000)

		rr.Delay = dlsr
		rr.LastSenderReport = s.LastSrTimestamp
	} else {
		rr.Delay = 0
		rr.LastSenderReport = 0
	}

	return rr
}

func (s *StreamRecv) ReceiveRtcpSenderReport(sr *rtcp.SenderReport) {
	s.LastSrReceived = uint64(uvtime.GettimeMs())
	s.LastSrTimestamp = uint32(sr.NTPTime >> 16)

	// Update info about last Sender Report.
	ntp := utils.Ntp{
		Seconds:   uint32(sr.NTPTime >> 32),
		Fractions: uint32(sr.NTPTime),
	}

	s.LastSenderReportNtpMs = utils.Ntp2TimeMs(ntp)
	s.LastSenderReportTs = sr.RTPTime

	// Update the score.
	s.UpdateScore()
}

func (s *StreamRecv) UpdateScore() {
	// Calculate number of packets expected in this interval.
	totalExpected := s.GetExpectedPackets()
	expected := totalExpected - s.ExpectedPrior

	s.ExpectedPrior = totalExpected

	// Calculate number of packets received in this interval.
	totalReceived := s.TransmissionCounter.GetPacketCount()
	received := uint32(totalReceived) - s.ReceivedPrior

	s.ReceivedPrior = uint32(totalReceived)

	// Calculate number of packets lost in this interval.
	var lost uint32

	if expected < received {
		lost = 0
	} else {
		lost = expected - received
	}

	// Calculate number of packets repaired in this interval.
	totalRepaired := s.PacketsRepaired
	repaired := totalRepaired - s.RepairedPrior

	s.RepairedPrior = totalRepaired

	// Calculate number of packets retransmitted in this interval.
	totalRetransmitted := s.PacketsRetransmitted
	retransmitted := totalRetransmitted - s.RetransmittedPrior

	s.RetransmittedPrior = totalRetransmitted

	// We didn't expect more packets to come.
	if expected == 0 {
		s.updateScoreValue(10)

		return
	}

	if lost > received {
		lost = received
	}

	if uint32(repaired) > lost {
		lost = uint32(repaired)
	}

	repairedRatio := float64(repaired) / float64(received)
	repairedWeight := math.Pow(1.0/(repairedRatio+1), 4.0)

	if retransmitted > 0 {
		repairedWeight *= float64(repaired) / float64(retransmitted)
	}

	lost -= uint32(repaired) * uint32(repairedWeight)

	deliveredRatio := float64(received-lost) / float64(received)
	score := uint8(utils.Lround(math.Pow(deliveredRatio, 4) * 10))
	s.updateScoreValue(score)
}

func (s *StreamRecv) updateScoreValue(score uint8) {
	previousScore := s.Score
	s.SetScore(score)

	if previousScore != score {
		s.listener.OnRtpStreamScore(s, score, previousScore)
	}
}
