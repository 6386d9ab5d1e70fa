package rembServer

import (
	"github.com/gammazero/deque"
)

var streamTimeOutMs int64 = 2000

type Listener interface {
	OnRembServerAvailableBitrate(remoteBitrateEstimator *RemoteBitrateEstimatorAbsSendTime, ssrcs *deque.Deque[uint32], availableBitrate uint32)
}

type RemoteBitrateEstimator struct {
	AvailableBitrate uint32
	listener         Listener
}

func (r *RemoteBitrateEstimator) GetAvailableBitrate() uint32 {
	return r.AvailableBitrate
}
