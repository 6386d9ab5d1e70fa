package nackGenerator

import (
	"sync"
	"time"

	"github.com/alex023/clock"
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/codec"
	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/seqManager"
	"github.com/aoslee/mediasoup/uvtime"
)

const MaxPacketAge = 5000
const MaxNackPackets = 1000
const DefaultRtt = 80
const MaxNackRetries = 8
const TimerInterval = 50

const (
	SEQ = iota
	TIME
)

type Listener interface {
	OnNackGeneratorNackRequired(nackBatch []uint16)
	OnNackGeneratorKeyFrameRequired(ssrc uint32)
}

type NackInfo struct {
	Seq        uint16
	SendAtSeq  uint16
	SentAtTime uint64
	Retries    uint8
}

type NackGenerator struct {
	Started bool
	LastSeq uint16 // Seq number of last valid packet.
	Rtt     uint64 // Round trip time (ms).

	NackList     seqManager.SequenceMap
	KeyFrameList seqManager.SequenceSet

	mimeType string

	listener Listener

	clock *clock.Clock
	job   clock.Job
	wg    sync.WaitGroup
	mutex sync.Mutex
}

func NewNackGenerator(listener Listener, mimeType string) *NackGenerator {
	p := new(NackGenerator)

	p.NackList = seqManager.NewMapList()
	p.KeyFrameList = seqManager.NewSetList()

	p.Rtt = DefaultRtt
	p.mimeType = mimeType

	p.listener = listener

	p.clock = clock.NewClock()

	return p
}

func (g *NackGenerator) Close() {
	g.wg.Wait()
	if nil != g.job {
		g.job.Cancel()
		g.job = nil
	}
	if nil != g.clock {
		g.clock.Stop()
	}
	g.KeyFrameList = nil
}

func (g *NackGenerator) SetRtt(rtt uint64) {
	if 0 == rtt {
		g.Rtt = DefaultRtt
	} else {
		g.Rtt = rtt
	}
}

func (g *NackGenerator) Reset() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.NackList.Clear()
	g.KeyFrameList.Clear()
	g.Started = false
	g.LastSeq = 0
}

func (g *NackGenerator) CleanOldNackItems(InsertSeq uint16) {
	g.NackList.Lower_bound(InsertSeq - MaxPacketAge)
	g.KeyFrameList.Lower_bound(InsertSeq - MaxPacketAge)
}

// RemoveNackItemsUntilKeyFrame drops pending NACKs that a received key
// frame makes useless.
func (g *NackGenerator) RemoveNackItemsUntilKeyFrame() bool {
	if 0 == g.KeyFrameList.Len() {
		return false
	}
	SecLen := g.NackList.Len()
	Bseq, _ := g.KeyFrameList.GetBegin()

	g.NackList.Lower_bound(Bseq)
	g.KeyFrameList.Del(Bseq)

	numItemsRemoved := SecLen - g.NackList.Len()

	if numItemsRemoved > 0 {
		mylog.Logger.Infof("removed %v old NACK items older than received key frame [seq:%v]\n",
			numItemsRemoved, Bseq)
	}

	return true
}

func (g *NackGenerator) AddPacketsToNackList(seqStart uint16, seqEnd uint16, ssrc uint32) {
	numNewNacks := seqEnd - seqStart
	if uint16(g.NackList.Len())+numNewNacks > MaxNackPackets {
		g.NackList.Clear()
		g.KeyFrameList.Clear()
		g.listener.OnNackGeneratorKeyFrameRequired(ssrc)
		mylog.Logger.Infof("NACK list full, requesting key frame [seqEnd:%v, seqStart:%v]\n",
			seqEnd, seqStart)

		return
	}

	for seq := seqStart; seq != seqEnd; seq++ {
		g.NackList.PushLowerThan(seq, &NackInfo{Seq: seq, SendAtSeq: seq})
	}
}

func (g *NackGenerator) GetNackBatch(NackFilterType int) (nackBatch []uint16) {
	nowtime := uvtime.GettimeMs()

	for _, k := range g.NackList.GetDateListClone() {
		infer, ok := g.NackList.Find(k)
		if !ok {
			continue
		}
		nackInfo := infer.(*NackInfo)
		seq := nackInfo.Seq

		if SEQ == NackFilterType && 0 == nackInfo.SentAtTime &&
			seqManager.CompareSeqNumLowerThan(g.LastSeq, nackInfo.SendAtSeq) > 0 {
			nackInfo.Retries++
			nackInfo.SentAtTime = uint64(nowtime)
			if nackInfo.Retries >= MaxNackRetries {
				mylog.Logger.Infof("sequence number removed from the NACK list due to max retries [seq:%v]\n", seq)
				g.NackList.Del(k)
			} else {
				nackBatch = append(nackBatch, seq)
			}

			continue
		}

		if TIME == NackFilterType && int64(nackInfo.SentAtTime+g.Rtt) < nowtime {
			nackInfo.Retries++
			nackInfo.SentAtTime = uint64(nowtime)
			if nackInfo.Retries >= MaxNackRetries {
				mylog.Logger.Infof("sequence number removed from the NACK list due to max retries [seq:%v]\n", seq)
				g.NackList.Del(k)
			} else {
				nackBatch = append(nackBatch, seq)
			}

			continue
		}
	}
	return
}

// ReceivePacket returns true when the packet was recovered via
// retransmission (it was in the NACK list).
func (g *NackGenerator) ReceivePacket(packet *rtp.Packet) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	isKeyFrame := codec.IsKeyFrame(g.mimeType, packet.Payload)
	seq := packet.SequenceNumber

	if !g.Started {
		g.LastSeq = seq
		g.Started = true
		if isKeyFrame {
			g.KeyFrameList.PushLowerThan(seq)
		}

		return false
	}

	// Duplicated packet.
	if seq == g.LastSeq {
		return false
	}

	if isKeyFrame {
		g.KeyFrameList.PushLowerThan(seq)
	}

	g.CleanOldNackItems(seq)

	// Out of order or retransmitted packet.
	if seqManager.CompareSeqNumLowerThan(seq, g.LastSeq) < 0 {
		if _, ok := g.NackList.Find(seq); ok {
			mylog.Logger.Infof("NACKed packet received [ssrc:%v, seq:%v]\n", packet.SSRC, seq)
			g.NackList.Del(seq)

			return true
		}

		mylog.Logger.Infof("ignoring old packet not present in the NACK list [ssrc:%v, seq:%v]\n", packet.SSRC, seq)

		return false
	}

	if seq == g.LastSeq+1 {
		g.LastSeq = seq

		if isKeyFrame {
			g.RemoveNackItemsUntilKeyFrame()
		}

		return false
	}

	// A gap: packets in between are missing.
	g.AddPacketsToNackList(g.LastSeq+1, seq, packet.SSRC)
	g.LastSeq = seq

	if isKeyFrame {
		g.RemoveNackItemsUntilKeyFrame()
	}

	nackBatch := g.GetNackBatch(SEQ)
	if len(nackBatch) > 0 {
		g.listener.OnNackGeneratorNackRequired(nackBatch)
	}

	g.MayRunTimer()

	return false
}

func (g *NackGenerator) MayRunTimer() {
	if 0 == g.NackList.Len() || nil != g.job {
		return
	}

	job, ok := g.clock.AddJobRepeat(TimerInterval*time.Millisecond, 0, g.onTimer)
	if !ok {
		mylog.Logger.Errorf("NackGenerator AddJobRepeat fail\n")
		return
	}
	g.job = job
}

func (g *NackGenerator) onTimer() {
	g.wg.Add(1)
	defer g.wg.Done()

	g.mutex.Lock()
	defer g.mutex.Unlock()

	nackBatch := g.GetNackBatch(TIME)
	if len(nackBatch) > 0 {
		g.listener.OnNackGeneratorNackRequired(nackBatch)
	}

	if 0 == g.NackList.Len() && nil != g.job {
		g.job.Cancel()
		g.job = nil
	}
}
