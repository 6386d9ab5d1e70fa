package rembServer

import (
	"container/list"
	"math"

	"github.com/gammazero/deque"
	"github.com/pion/rtp"

	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/rateCalculator"
	"github.com/aoslee/mediasoup/utils"
	"github.com/aoslee/mediasoup/uvtime"
)

const (
	BITRATE_UPDATED = iota
	NO_UPDATE
)

const TimestampGroupLengthMs = 5
const AbsSendTimeFraction = 18
const AbsSendTimeInterArrivalUpshift = 8
const InterArrivalShift = AbsSendTimeFraction + AbsSendTimeInterArrivalUpshift
const InitialProbingIntervalMs = 2000
const MinClusterSize = 4
const MaxProbePackets = 15
const ExpectedNumberOfProbes = 3
const TimestampToMs = 1000.0 / float64(1<<InterArrivalShift)

type Probe struct {
	SendTimeMs  int64
	RecvTimeMs  int64
	PayloadSize uint
}

type Cluster struct {
	SendMeanMs float64
	RecvMeanMs float64

	MeanSize         uint
	Count            int
	NumAboveMinDelta int
}

func (c *Cluster) GetSendBitrateBps() int {
	return int(float64(c.MeanSize) * 8 * 1000 / c.SendMeanMs)
}

func (c *Cluster) GetRecvBitrateBps() int {
	return int(float64(c.MeanSize) * 8 * 1000 / c.RecvMeanMs)
}

// RemoteBitrateEstimatorAbsSendTime estimates the available incoming
// bandwidth from abs-send-time inter-arrival deltas and notifies its
// listener whenever the estimate changes.
type RemoteBitrateEstimatorAbsSendTime struct {
	RemoteBitrateEstimator
	interArrival               *InterArrival
	estimator                  *OveruseEstimator
	detector                   OveruseDetector
	incomingBitrate            rateCalculator.RateCalculator
	incomingBitrateInitialized bool
	probes                     *list.List
	totalProbesReceived        int64
	firstPacketTimeMs          int64
	lastUpdateMs               int64
	ssrcs                      map[uint32]int64
	remoteRate                 AimdRateControl
}

func NewRemoteBitrateEstimatorAbsSendTime(listener Listener) *RemoteBitrateEstimatorAbsSendTime {
	node := RemoteBitrateEstimatorAbsSendTime{}
	node.listener = listener
	node.probes = list.New()
	node.firstPacketTimeMs = -1
	node.lastUpdateMs = -1
	node.incomingBitrate = rateCalculator.NewRateCalculator(0, 0)
	node.detector = NewOveruseDetector()
	node.remoteRate = NewAimdRateControl()
	node.ssrcs = make(map[uint32]int64)

	return &node
}

func (r *RemoteBitrateEstimatorAbsSendTime) Close() {
	r.interArrival = nil
	r.estimator = nil
	r.probes = nil
	r.ssrcs = nil
}

func (r *RemoteBitrateEstimatorAbsSendTime) OnRttUpdate(avgRttMs int64, maxRttMs int64) {
	r.remoteRate.SetRtt(avgRttMs)
}

func (r *RemoteBitrateEstimatorAbsSendTime) RemoveStream(ssrc uint32) {
	delete(r.ssrcs, ssrc)
}

func (r *RemoteBitrateEstimatorAbsSendTime) SetMinBitrate(minBitrateBps int) {
	r.remoteRate.SetMinBitrate(minBitrateBps)
}

func (r *RemoteBitrateEstimatorAbsSendTime) IsWithinClusterBounds(sendDeltaMs int, clusterAggregate *Cluster) bool {
	if clusterAggregate.Count == 0 {
		return true
	}

	clusterMean := clusterAggregate.SendMeanMs / float64(clusterAggregate.Count)

	return math.Abs(float64(sendDeltaMs)-clusterMean) < 2.5
}

func (r *RemoteBitrateEstimatorAbsSendTime) AddCluster(clusters *list.List, cluster *Cluster) {
	cluster.SendMeanMs /= float64(cluster.Count)
	cluster.RecvMeanMs /= float64(cluster.Count)
	cluster.MeanSize /= uint(cluster.Count)

	clusters.PushBack(*cluster)
}

func (r *RemoteBitrateEstimatorAbsSendTime) ComputeClusters(clusters *list.List) {
	current := Cluster{}
	prevSendTime := int64(-1)
	prevRecvTime := int64(-1)

	for it := r.probes.Front(); nil != it; it = it.Next() {
		probe := it.Value.(Probe)
		if prevSendTime >= 0 {
			sendDeltaMs := probe.SendTimeMs - prevSendTime
			recvDeltaMs := probe.RecvTimeMs - prevRecvTime

			if sendDeltaMs >= 1 && recvDeltaMs >= 1 {
				current.NumAboveMinDelta++
			}

			if !r.IsWithinClusterBounds(int(sendDeltaMs), &current) {
				if current.Count >= MinClusterSize {
					r.AddCluster(clusters, &current)
				}

				current = Cluster{}
			}

			current.SendMeanMs += float64(sendDeltaMs)
			current.RecvMeanMs += float64(recvDeltaMs)
			current.MeanSize += probe.PayloadSize
			current.Count++
		}

		prevSendTime = probe.SendTimeMs
		prevRecvTime = probe.RecvTimeMs
	}

	if current.Count >= MinClusterSize {
		r.AddCluster(clusters, &current)
	}
}

func (r *RemoteBitrateEstimatorAbsSendTime) FindBestProbe(clusters *list.List) (bestIt *list.Element) {
	highestProbeBitrateBps := int64(0)

	for it := clusters.Front(); nil != it; it = it.Next() {
		cluster := it.Value.(Cluster)
		if cluster.SendMeanMs == 0 || cluster.RecvMeanMs == 0 {
			continue
		}
		if cluster.NumAboveMinDelta > cluster.Count/2 &&
			(cluster.RecvMeanMs-cluster.SendMeanMs <= 2.0 && cluster.SendMeanMs-cluster.RecvMeanMs <= 5.0) {
			probeBitrateBps := utils.Min(int64(cluster.GetSendBitrateBps()), int64(cluster.GetRecvBitrateBps()))

			if probeBitrateBps > highestProbeBitrateBps {
				highestProbeBitrateBps = probeBitrateBps
				bestIt = it
			}
		} else {
			break
		}
	}

	return
}

func (r *RemoteBitrateEstimatorAbsSendTime) ProcessClusters(nowMs int64) int {
	clusters := list.New()
	r.ComputeClusters(clusters)

	if 0 == clusters.Len() {
		// If we reach the max number of probe packets and still have no
		// clusters, remove the oldest one.
		if r.probes.Len() >= MaxProbePackets {
			r.probes.Remove(r.probes.Front())
			return NO_UPDATE
		}
	}

	bestIt := r.FindBestProbe(clusters)
	if nil != bestIt {
		cluster := bestIt.Value.(Cluster)
		probeBitrateBps := utils.Min(int64(cluster.GetSendBitrateBps()), int64(cluster.GetRecvBitrateBps()))

		// Make sure that a probe sent on a lower bitrate than our estimate
		// can't reduce the estimate.
		if r.IsBitrateImproving(int(probeBitrateBps)) {
			mylog.Logger.Infof(
				"probe successful, sent at %d bps, received at %d bps [mean send delta:%f ms, mean recv delta:%f ms, num probes:%d]",
				cluster.GetSendBitrateBps(),
				cluster.GetRecvBitrateBps(),
				cluster.SendMeanMs,
				cluster.RecvMeanMs,
				cluster.Count)

			r.remoteRate.SetEstimate(int(probeBitrateBps), nowMs)

			return BITRATE_UPDATED
		}
	}

	if clusters.Len() >= ExpectedNumberOfProbes {
		r.probes = list.New()
	}

	return NO_UPDATE
}

func (r *RemoteBitrateEstimatorAbsSendTime) IsBitrateImproving(newBitrateBps int) bool {
	initialProbe := !r.remoteRate.ValidEstimate() && newBitrateBps > 0
	bitrateAboveEstimate := r.remoteRate.ValidEstimate() &&
		newBitrateBps > int(r.remoteRate.LatestEstimate())

	return initialProbe || bitrateAboveEstimate
}

func (r *RemoteBitrateEstimatorAbsSendTime) IncomingPacket(arrivalTimeMs int64, payloadSize uint, packet *rtp.Packet, absSendTime uint32) {
	r.IncomingPacketInfo(arrivalTimeMs, absSendTime, payloadSize, packet.SSRC)
}

func (r *RemoteBitrateEstimatorAbsSendTime) IncomingPacketInfo(arrivalTimeMs int64, sendTime24bits uint32, payloadSize uint, ssrc uint32) {
	timestamp := sendTime24bits << AbsSendTimeInterArrivalUpshift
	sendTimeMs := int64(float64(timestamp) * TimestampToMs)
	nowMs := uvtime.GettimeMs()

	incomingBitrate := r.incomingBitrate.GetRate(uint64(arrivalTimeMs))
	if incomingBitrate != 0 {
		r.incomingBitrateInitialized = true
	} else if r.incomingBitrateInitialized {
		// Incoming bitrate had a previous valid value, but now not enough
		// data points are left within the current window. Reset the
		// incoming bitrate estimator so that the window size will only
		// contain new data points.
		r.incomingBitrate.Reset()
		r.incomingBitrateInitialized = false
	}

	r.incomingBitrate.Update(uint64(payloadSize), uint64(arrivalTimeMs))

	if r.firstPacketTimeMs == -1 {
		r.firstPacketTimeMs = nowMs
	}

	tsDelta := uint32(0)
	tDelta := int64(0)
	sizeDelta := 0
	updateEstimate := false
	targetBitrateBps := uint32(0)
	var ssrcs deque.Deque[uint32]

	r.TimeoutStreams(nowMs)

	r.ssrcs[ssrc] = nowMs

	// For now only try to detect probes while we don't have a valid
	// estimate. We currently assume that only packets larger than 200
	// bytes are paced by the sender.
	minProbePacketSize := uint(200)

	if payloadSize > minProbePacketSize &&
		(!r.remoteRate.ValidEstimate() || nowMs-r.firstPacketTimeMs < InitialProbingIntervalMs) {
		r.probes.PushBack(Probe{SendTimeMs: sendTimeMs, RecvTimeMs: arrivalTimeMs, PayloadSize: payloadSize})
		r.totalProbesReceived++

		// Make sure that a probe which updated the bitrate immediately has
		// an effect by calling the OnRembServerAvailableBitrate callback.
		if r.ProcessClusters(nowMs) == BITRATE_UPDATED {
			updateEstimate = true
		}
	}

	if r.interArrival.ComputeDeltas(
		timestamp, arrivalTimeMs, nowMs, payloadSize, &tsDelta, &tDelta, &sizeDelta) {
		tsDeltaMs := (1000.0 * float64(tsDelta)) / float64(uint64(1)<<InterArrivalShift)

		r.estimator.Update(tDelta, tsDeltaMs, sizeDelta, r.detector.State(), arrivalTimeMs)
		r.detector.Detect(
			r.estimator.GetOffset(), tsDeltaMs, int(r.estimator.GetNumOfDeltas()), arrivalTimeMs)
	}

	if !updateEstimate {
		// Check if it's time for a periodic update or if we should update
		// because of an over-use.
		if r.lastUpdateMs == -1 || nowMs-r.lastUpdateMs > r.remoteRate.GetFeedbackInterval() {
			updateEstimate = true
		} else if r.detector.State() == BW_OVERUSING {
			incomingRate := r.incomingBitrate.GetRate(uint64(arrivalTimeMs))

			if incomingRate != 0 && r.remoteRate.TimeToReduceFurther(nowMs, incomingRate) {
				updateEstimate = true
			}
		}
	}

	if updateEstimate {
		// The first overuse should immediately trigger a new estimate. We
		// also have to update the estimate immediately if we are overusing
		// and the target bitrate is too high compared to what we are
		// receiving.
		input := RateControlInput{
			BwState:         r.detector.State(),
			IncomingBitrate: r.incomingBitrate.GetRate(uint64(arrivalTimeMs)),
			NoiseVar:        r.estimator.GetVarNoise(),
		}

		r.remoteRate.Update(&input, nowMs)
		targetBitrateBps = r.remoteRate.UpdateBandwidthEstimate(nowMs)
		updateEstimate = r.remoteRate.ValidEstimate()
		for k := range r.ssrcs {
			ssrcs.PushBack(k)
		}
	}

	if updateEstimate {
		r.lastUpdateMs = nowMs
		r.AvailableBitrate = targetBitrateBps

		r.listener.OnRembServerAvailableBitrate(r, &ssrcs, targetBitrateBps)
	}
}

func (r *RemoteBitrateEstimatorAbsSendTime) TimeoutStreams(nowMs int64) {
	for k, v := range r.ssrcs {
		if nowMs-v > streamTimeOutMs {
			delete(r.ssrcs, k)
		}
	}

	if 0 == len(r.ssrcs) {
		interArrival := NewInterArrival(uint32((TimestampGroupLengthMs<<InterArrivalShift)/1000), TimestampToMs, true)
		r.interArrival = &interArrival
		estimator := NewOveruseEstimator(NewOverUseDetectorOptions())
		r.estimator = &estimator
	}
}

func (r *RemoteBitrateEstimatorAbsSendTime) LatestEstimate(ssrcs *deque.Deque[uint32], bitrateBps *uint32) bool {
	if !r.remoteRate.ValidEstimate() {
		return false
	}

	var ssrcsbak deque.Deque[uint32]
	for k := range r.ssrcs {
		ssrcsbak.PushBack(k)
	}
	*ssrcs = ssrcsbak

	if 0 == len(r.ssrcs) {
		*bitrateBps = 0
	} else {
		*bitrateBps = r.remoteRate.LatestEstimate()
	}

	return true
}
