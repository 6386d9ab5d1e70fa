package keyframerequestmanager

import (
	"sync"
	"time"

	"github.com/alex023/clock"

	"github.com/aoslee/mediasoup/mylog"
)

const KeyFrameWaitTime = 1000

type PKFListener interface {
	OnKeyFrameRequestTimeout(keyFrameRequestInfo *PendingKeyFrameInfo)
}

type PendingKeyFrameInfo struct {
	SSRC           uint32
	RetryOnTimeout bool
	listener       PKFListener
	job            clock.Job
	clock          *clock.Clock
}

func NewPendingKeyFrameInfo(listener PKFListener, ssrc uint32, clk *clock.Clock, pwg *sync.WaitGroup) *PendingKeyFrameInfo {
	p := &PendingKeyFrameInfo{SSRC: ssrc, RetryOnTimeout: true, listener: listener}

	job, ok := clk.AddJobWithInterval(KeyFrameWaitTime*time.Millisecond, func() {
		pwg.Add(1)
		defer pwg.Done()
		p.listener.OnKeyFrameRequestTimeout(p)
	})
	if !ok {
		mylog.Logger.Errorf("NewPendingKeyFrameInfo AddJobWithInterval fail ssrc[%v]\n", ssrc)
		return nil
	}
	p.clock = clk
	p.job = job
	return p
}

func (p *PendingKeyFrameInfo) Release() {
	if nil != p.clock {
		p.job.Cancel()
		p.clock = nil
	}
}

func (p *PendingKeyFrameInfo) GetSsrc() uint32 {
	return p.SSRC
}

func (p *PendingKeyFrameInfo) GetRetryOnTimeout() bool {
	return p.RetryOnTimeout
}

func (p *PendingKeyFrameInfo) SetRetryOnTimeout(notify bool) {
	p.RetryOnTimeout = notify
}

func (p *PendingKeyFrameInfo) Restart(pwg *sync.WaitGroup) {
	p.job.Cancel()
	job, ok := p.clock.AddJobWithInterval(KeyFrameWaitTime*time.Millisecond, func() {
		pwg.Add(1)
		defer pwg.Done()
		p.listener.OnKeyFrameRequestTimeout(p)
	})
	if !ok {
		mylog.Logger.Errorf("Restart AddJobWithInterval fail ssrc[%v]\n", p.SSRC)
		return
	}
	p.job = job
}

type KFRMListener interface {
	OnKeyFrameNeeded(keyFrameRequestManager *KeyFrameRequestManager, ssrc uint32)
}

// KeyFrameRequestManager deduplicates key frame requests per ssrc and
// retries once if no key frame arrives within the wait window.
type KeyFrameRequestManager struct {
	MapSsrcPendingKeyFrameInfo map[uint32]*PendingKeyFrameInfo
	listener                   KFRMListener
	Clock                      *clock.Clock
	wg                         sync.WaitGroup
}

func NewKeyFrameRequestManager(listener KFRMListener) *KeyFrameRequestManager {
	return &KeyFrameRequestManager{
		MapSsrcPendingKeyFrameInfo: make(map[uint32]*PendingKeyFrameInfo),
		listener:                   listener,
		Clock:                      clock.NewClock(),
	}
}

func (m *KeyFrameRequestManager) Release() {
	for _, v := range m.MapSsrcPendingKeyFrameInfo {
		v.Release()
	}
	m.wg.Wait()
	m.Clock.Stop()
}

func (m *KeyFrameRequestManager) KeyFrameNeeded(ssrc uint32) {
	if v, ok := m.MapSsrcPendingKeyFrameInfo[ssrc]; ok {
		// There is a pending key frame request for the given ssrc, so just
		// let it retry on timeout.
		v.SetRetryOnTimeout(true)
		return
	}
	m.MapSsrcPendingKeyFrameInfo[ssrc] = NewPendingKeyFrameInfo(m, ssrc, m.Clock, &m.wg)
	m.listener.OnKeyFrameNeeded(m, ssrc)
}

func (m *KeyFrameRequestManager) ForceKeyFrameNeeded(ssrc uint32) {
	if v, ok := m.MapSsrcPendingKeyFrameInfo[ssrc]; ok {
		v.SetRetryOnTimeout(true)
		v.Restart(&m.wg)
	} else {
		m.MapSsrcPendingKeyFrameInfo[ssrc] = NewPendingKeyFrameInfo(m, ssrc, m.Clock, &m.wg)
	}

	m.listener.OnKeyFrameNeeded(m, ssrc)
}

func (m *KeyFrameRequestManager) KeyFrameReceived(ssrc uint32) {
	v, ok := m.MapSsrcPendingKeyFrameInfo[ssrc]
	if !ok {
		return
	}
	v.Release()
	delete(m.MapSsrcPendingKeyFrameInfo, ssrc)
}

func (m *KeyFrameRequestManager) OnKeyFrameRequestTimeout(pendingKeyFrameInfo *PendingKeyFrameInfo) {
	v, ok := m.MapSsrcPendingKeyFrameInfo[pendingKeyFrameInfo.SSRC]
	if !ok {
		mylog.Logger.Errorf("OnKeyFrameRequestTimeout find ssrc[%v] fail\n", pendingKeyFrameInfo.SSRC)
		return
	}

	if !pendingKeyFrameInfo.GetRetryOnTimeout() {
		v.Release()
		delete(m.MapSsrcPendingKeyFrameInfo, pendingKeyFrameInfo.SSRC)
		return
	}

	// Best effort in case the PLI/FIR was lost. Do not retry on timeout.
	pendingKeyFrameInfo.SetRetryOnTimeout(false)
	pendingKeyFrameInfo.Restart(&m.wg)
	m.listener.OnKeyFrameNeeded(m, pendingKeyFrameInfo.GetSsrc())
}
