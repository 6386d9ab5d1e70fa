package producer

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/codec"
	"github.com/aoslee/mediasoup/compoundrtcp"
	"github.com/aoslee/mediasoup/keyframerequestmanager"
	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/rtpHeaderExtensionIds"
	"github.com/aoslee/mediasoup/rtpparameters"
	"github.com/aoslee/mediasoup/rtpstream"
	"github.com/aoslee/mediasoup/streamRecv"
)

type Listener interface {
	OnProducerRtpPacketReceived(producer *Producer, packet *rtp.Packet)
	OnProducerSendRtcpPacket(producer *Producer, packet []rtcp.Packet)
	OnProducerNewRtpStream(producer *Producer, rtpStream *streamRecv.StreamRecv, mappedSsrc uint32)
	OnProducerRtpStreamScore(producer *Producer, rtpStream *streamRecv.StreamRecv, score uint8, previousScore uint8)
	OnProducerRtcpSenderReport(producer *Producer, rtpStream *streamRecv.StreamRecv, first bool)
	OnProducerNeedWorstRemoteFractionLost(producer *Producer, mappedSsrc uint32, worstRemoteFractionLost *uint8)
}

// Producer ingests the upstream simulcast streams, one StreamRecv per
// ssrc, and fans their packets, scores and Sender Reports out to the
// router.
type Producer struct {
	Id   string
	Kind string

	RtpParameters rtpparameters.RtpParameters

	mapRtpStreamMappedSsrc map[uint32]*streamRecv.StreamRecv
	mapRtxSsrcRtpStream    map[uint32]*streamRecv.StreamRecv

	KeyFrameRequestManager *keyframerequestmanager.KeyFrameRequestManager

	maxRtcpInterval  uint16
	lastRtcpSentTime uint64

	RtpHeaderExtensionIds rtpHeaderExtensionIds.RtpHeaderExtensionIds

	listener Listener
}

func NewProducer(id string, kind string, rtpParameters rtpparameters.RtpParameters, listener Listener) *Producer {
	node := Producer{}
	node.Id = id
	node.Kind = kind
	node.RtpParameters = rtpParameters
	node.mapRtpStreamMappedSsrc = make(map[uint32]*streamRecv.StreamRecv)
	node.mapRtxSsrcRtpStream = make(map[uint32]*streamRecv.StreamRecv)

	if "video" == kind {
		node.KeyFrameRequestManager = keyframerequestmanager.NewKeyFrameRequestManager(&node)
		node.maxRtcpInterval = rtpHeaderExtensionIds.MaxVideoIntervalMs
	} else {
		node.maxRtcpInterval = rtpHeaderExtensionIds.MaxAudioIntervalMs
	}

	node.RtpHeaderExtensionIds.InitRtpHeaderExtensionIds(rtpParameters.HeaderExtensions)

	node.listener = listener
	return &node
}

func (p *Producer) Close() {
	if nil != p.KeyFrameRequestManager {
		p.KeyFrameRequestManager.Release()
	}

	for _, v := range p.mapRtpStreamMappedSsrc {
		v.Close()
	}

	p.mapRtpStreamMappedSsrc = nil
	p.mapRtxSsrcRtpStream = nil
	p.KeyFrameRequestManager = nil
}

// KeyFrameRequestManager listener.
func (p *Producer) OnKeyFrameNeeded(keyFrameRequestManager *keyframerequestmanager.KeyFrameRequestManager, ssrc uint32) {
	stream, ok := p.mapRtpStreamMappedSsrc[ssrc]
	if !ok {
		mylog.Logger.Errorf("producer no StreamRecv ssrc[%v]", ssrc)
		return
	}
	mylog.Logger.Infof("OnKeyFrameNeeded send pli ssrc[%v]", ssrc)
	stream.RequestKeyFrame()
}

func (p *Producer) getEncodingBySsrc(ssrc uint32) *rtpparameters.RtpEncodingParameters {
	for i := range p.RtpParameters.Encodings {
		encoding := &p.RtpParameters.Encodings[i]
		if encoding.Ssrc == ssrc {
			return encoding
		}
		if encoding.HasRtx && encoding.Rtx.Ssrc == ssrc {
			return encoding
		}
	}
	return nil
}

func (p *Producer) getCodecByPayloadType(payloadType uint8) *rtpparameters.RtpCodecParameters {
	for i := range p.RtpParameters.Codecs {
		if p.RtpParameters.Codecs[i].PayloadType == payloadType {
			return &p.RtpParameters.Codecs[i]
		}
	}
	return nil
}

func (p *Producer) GetRtpStreamRecvbyRTXPt(pt uint8) *streamRecv.StreamRecv {
	for _, v := range p.mapRtpStreamMappedSsrc {
		if v.Params.RtxPayloadType == pt {
			return v
		}
	}

	return nil
}

// GetRtpStreamRecv returns the stream for the packet's ssrc, creating it
// on first sight.
func (p *Producer) GetRtpStreamRecv(packet *rtp.Packet) *streamRecv.StreamRecv {
	ssrc := packet.SSRC

	if v, ok := p.mapRtpStreamMappedSsrc[ssrc]; ok {
		return v
	}

	if v, ok := p.mapRtxSsrcRtpStream[ssrc]; ok {
		return v
	}

	codecInfo := p.getCodecByPayloadType(packet.PayloadType)
	if nil != codecInfo && !codecInfo.IsRtxCodec() {
		encoding := p.getEncodingBySsrc(ssrc)
		if nil == encoding {
			mylog.Logger.Errorf("no encoding found for received packet ssrc[%v]\n", ssrc)
			return nil
		}

		params := rtpstream.Params{}
		params.SSRC = ssrc
		params.PayloadType = packet.PayloadType
		params.MimeType = codecInfo.MimeType
		params.ClockRate = codecInfo.ClockRate
		params.Rid = encoding.Rid
		params.SpatialLayers = 1
		params.TemporalLayers = encoding.TemporalLayers
		if 0 == params.TemporalLayers {
			params.TemporalLayers = 1
		}

		if rtxCodec := p.RtpParameters.GetRtxCodecForEncoding(encoding); rtxCodec != nil && encoding.HasRtx {
			params.RtxPayloadType = rtxCodec.PayloadType
			params.RtxSsrc = encoding.Rtx.Ssrc
		}

		for _, fb := range codecInfo.RtcpFeedback {
			if !params.UseNack && fb.Type == "nack" && fb.Parameter == "" {
				params.UseNack = true
			} else if !params.UsePli && fb.Type == "nack" && fb.Parameter == "pli" {
				params.UsePli = true
			} else if !params.UseFir && fb.Type == "ccm" && fb.Parameter == "fir" {
				params.UseFir = true
			}
		}

		v := streamRecv.NewStreamRecv(params, p)
		if nil != v {
			p.mapRtpStreamMappedSsrc[ssrc] = v
		}

		return v
	}

	// Unknown media payload type: try RTX.
	mylog.Logger.Infof("new StreamRecv rtx pt[%d] ssrc[%v]", packet.PayloadType, packet.SSRC)
	v := p.GetRtpStreamRecvbyRTXPt(packet.PayloadType)
	if nil == v {
		mylog.Logger.Errorf("ignoring RTX packet for not yet created RtpStream (ssrc lookup)")
		return nil
	}
	v.Params.RtxSsrc = packet.SSRC
	p.mapRtxSsrcRtpStream[ssrc] = v

	return v
}

func (p *Producer) GetRtpStreamRecvbySSRC(ssrc uint32) *streamRecv.StreamRecv {
	v, ok := p.mapRtpStreamMappedSsrc[ssrc]
	if !ok {
		mylog.Logger.Errorf("Producer GetRtpStreamRecvbySSRC fail [%v]", ssrc)
		return nil
	}

	return v
}

func (p *Producer) ReceiveRtpPacket(packet *rtp.Packet) bool {
	numRtpStreamsBefore := len(p.mapRtpStreamMappedSsrc)

	rtpStream := p.GetRtpStreamRecv(packet)
	if nil == rtpStream {
		mylog.Logger.Errorf("no stream found for received packet ssrc[%v]\n", packet.SSRC)
		return false
	}

	if rtpStream.GetSsrc() == packet.SSRC {
		// Media packet.
		if !rtpStream.ReceivePacket(packet) {
			mylog.Logger.Errorf("ReceivePacket packet fail ssrc[%v] seq[%v]\n", packet.SSRC, packet.SequenceNumber)
			return false
		}
	} else if rtpStream.GetRtxSsrc() == packet.SSRC {
		if !rtpStream.ReceiveRtxPacket(packet) {
			return false
		}
	} else {
		mylog.Logger.Errorf("found stream does not match received packet ssrc[%v]", packet.SSRC)
	}

	isKeyFrame := codec.IsKeyFrame(rtpStream.Params.MimeType, packet.Payload)
	if isKeyFrame {
		mylog.Logger.Infof("key frame received [ssrc:%v, seq:%v]", packet.SSRC, packet.SequenceNumber)

		// Tell the keyFrameRequestManager.
		if nil != p.KeyFrameRequestManager {
			p.KeyFrameRequestManager.KeyFrameReceived(packet.SSRC)
		}
	}

	if len(p.mapRtpStreamMappedSsrc) > numRtpStreamsBefore {
		// A new stream just appeared: announce it and make sure it starts
		// with a key frame.
		p.listener.OnProducerNewRtpStream(p, rtpStream, rtpStream.GetSsrc())

		if nil != p.KeyFrameRequestManager && !isKeyFrame {
			p.KeyFrameRequestManager.ForceKeyFrameNeeded(packet.SSRC)
		}
	}

	p.listener.OnProducerRtpPacketReceived(p, packet)

	return true
}

// StreamRecv listener.
func (p *Producer) OnRtpStreamSendRtcpPacket(rtpStream *streamRecv.StreamRecv, packet []rtcp.Packet) {
	p.listener.OnProducerSendRtcpPacket(p, packet)
}

// StreamRecv listener.
func (p *Producer) OnRtpStreamScore(rtpStream *streamRecv.StreamRecv, score uint8, previousScore uint8) {
	p.listener.OnProducerRtpStreamScore(p, rtpStream, score, previousScore)
}

// StreamRecv listener.
func (p *Producer) OnRtpStreamNeedWorstRemoteFractionLost(rtpStream *streamRecv.StreamRecv, worstRemoteFractionLost *uint8) {
	p.listener.OnProducerNeedWorstRemoteFractionLost(p, rtpStream.Params.SSRC, worstRemoteFractionLost)
}

func (p *Producer) RequestKeyFrame(mappedSsrc uint32) {
	recv := p.GetRtpStreamRecvbySSRC(mappedSsrc)
	if nil == recv {
		mylog.Logger.Errorf("RequestKeyFrame no stream for mappedSsrc[%v]\n", mappedSsrc)
		return
	}
	if nil != p.KeyFrameRequestManager {
		p.KeyFrameRequestManager.KeyFrameNeeded(mappedSsrc)
	}
}

func (p *Producer) GetRtcp(packet *compoundrtcp.CompoundRtcp, now uint64) {
	if float64(now-p.lastRtcpSentTime)*1.15 < float64(p.maxRtcpInterval) {
		return
	}

	rrpacket := rtcp.ReceiverReport{}
	for _, stream := range p.mapRtpStreamMappedSsrc {
		report := stream.GetRtcpReceiverReport()
		rrpacket.Reports = append(rrpacket.Reports, report)
	}
	packet.AddReceiverReport(&rrpacket)
	p.lastRtcpSentTime = now
}

func (p *Producer) ReceiveRtcpSenderReport(sr *rtcp.SenderReport) {
	rtpStream, ok := p.mapRtpStreamMappedSsrc[sr.SSRC]
	if !ok {
		mylog.Logger.Errorf("ReceiveRtcpSenderReport Id[%s] kind[%s] RtpStream not found [%v]\n", p.Id, p.Kind, sr.SSRC)
		return
	}

	first := 0 == rtpStream.GetSenderReportNtpMs()
	rtpStream.ReceiveRtcpSenderReport(sr)
	p.listener.OnProducerRtcpSenderReport(p, rtpStream, first)
}

func (p *Producer) GetRtpStreams() map[uint32]*streamRecv.StreamRecv {
	return p.mapRtpStreamMappedSsrc
}

func (p *Producer) GetMediaSsrcs() []uint32 {
	ssrcs := make([]uint32, 0, len(p.RtpParameters.Encodings)*2)
	for _, encoding := range p.RtpParameters.Encodings {
		ssrcs = append(ssrcs, encoding.Ssrc)
		if encoding.HasRtx {
			ssrcs = append(ssrcs, encoding.Rtx.Ssrc)
		}
	}
	return ssrcs
}
