package rtpListener

import (
	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/producer"
)

// RtpListener dispatches incoming ssrcs to their producer.
type RtpListener struct {
	mapSsrcProducer map[uint32]*producer.Producer
}

func NewRtpListener() *RtpListener {
	return &RtpListener{mapSsrcProducer: make(map[uint32]*producer.Producer)}
}

func (l *RtpListener) AddProducer(p *producer.Producer) {
	for _, ssrc := range p.GetMediaSsrcs() {
		if ssrc == 0 {
			continue
		}
		if _, ok := l.mapSsrcProducer[ssrc]; ok {
			mylog.Logger.Errorf("ssrc already exists in RTP listener [ssrc:%v]", ssrc)
			continue
		}
		l.mapSsrcProducer[ssrc] = p
	}
}

func (l *RtpListener) RemoveProducer(p *producer.Producer) {
	for ssrc, owner := range l.mapSsrcProducer {
		if owner == p {
			delete(l.mapSsrcProducer, ssrc)
		}
	}
}

func (l *RtpListener) GetProducerbySSRC(ssrc uint32) *producer.Producer {
	if p, ok := l.mapSsrcProducer[ssrc]; ok {
		return p
	}
	return nil
}
