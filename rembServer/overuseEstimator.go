package rembServer

import (
	"math"

	"github.com/gammazero/deque"

	"github.com/aoslee/mediasoup/mylog"
)

const MinFramePeriodHistoryLength = 60
const DeltaCounterMax = 1000

type OverUseDetectorOptions struct {
	InitialSlope        float64
	InitialOffset       float64
	InitialE            [2][2]float64
	InitialProcessNoise [2]float64
	InitialAvgNoise     float64
	InitialVarNoise     float64
}

func NewOverUseDetectorOptions() OverUseDetectorOptions {
	node := OverUseDetectorOptions{}

	node.InitialSlope = 8.0 / 512.0
	node.InitialOffset = 0
	node.InitialAvgNoise = 0.0
	node.InitialVarNoise = 50

	node.InitialE[0][0] = 100
	node.InitialE[1][1] = 1e-1
	node.InitialE[0][1] = 0
	node.InitialE[1][0] = 0
	node.InitialProcessNoise[0] = 1e-13
	node.InitialProcessNoise[1] = 1e-3

	return node
}

// OveruseEstimator runs the Kalman filter estimating the queueing delay
// offset from the inter-arrival deltas.
type OveruseEstimator struct {
	options      OverUseDetectorOptions
	numOfDeltas  uint16
	slope        float64
	offset       float64
	prevOffset   float64
	e            [2][2]float64
	processNoise [2]float64
	avgNoise     float64
	varNoise     float64
	tsDeltaHist  deque.Deque[float64]
}

func NewOveruseEstimator(options OverUseDetectorOptions) OveruseEstimator {
	node := OveruseEstimator{}
	node.options = options
	node.slope = node.options.InitialSlope
	node.offset = node.options.InitialOffset
	node.prevOffset = node.options.InitialOffset
	node.avgNoise = node.options.InitialAvgNoise
	node.varNoise = node.options.InitialVarNoise

	node.e = node.options.InitialE
	node.processNoise = node.options.InitialProcessNoise

	return node
}

func (e *OveruseEstimator) GetVarNoise() float64 {
	return e.varNoise
}

func (e *OveruseEstimator) GetOffset() float64 {
	return e.offset
}

func (e *OveruseEstimator) GetNumOfDeltas() uint16 {
	return e.numOfDeltas
}

func (e *OveruseEstimator) Update(tDelta int64, tsDelta float64, sizeDelta int, currentHypothesis int, nowMs int64) {
	minFramePeriod := e.UpdateMinFramePeriod(tsDelta)
	tTsDelta := float64(tDelta) - tsDelta
	fsDelta := float64(sizeDelta)

	e.numOfDeltas++

	if e.numOfDeltas > DeltaCounterMax {
		e.numOfDeltas = DeltaCounterMax
	}

	// Update the Kalman filter.
	e.e[0][0] += e.processNoise[0]
	e.e[1][1] += e.processNoise[1]

	if (currentHypothesis == BW_OVERUSING && e.offset < e.prevOffset) ||
		(currentHypothesis == BW_UNDERUSING && e.offset > e.prevOffset) {
		e.e[1][1] += 10 * e.processNoise[1]
	}

	h := [2]float64{fsDelta, 1.0}
	eh := [2]float64{
		e.e[0][0]*h[0] + e.e[0][1]*h[1],
		e.e[1][0]*h[0] + e.e[1][1]*h[1],
	}
	residual := tTsDelta - e.slope*h[0] - e.offset
	inStableState := currentHypothesis == BW_NORMAL
	maxResidual := 3.0 * math.Sqrt(e.varNoise)

	// We try to filter out very late frames. For instance periodic key
	// frames don't fit the Gaussian model well.
	if math.Abs(residual) < maxResidual {
		e.UpdateNoiseEstimate(residual, minFramePeriod, inStableState)
	} else {
		var clamped float64
		if residual < 0 {
			clamped = -maxResidual
		} else {
			clamped = maxResidual
		}
		e.UpdateNoiseEstimate(clamped, minFramePeriod, inStableState)
	}

	denom := e.varNoise + h[0]*eh[0] + h[1]*eh[1]
	k := [2]float64{eh[0] / denom, eh[1] / denom}
	iKh := [2][2]float64{
		{1.0 - k[0]*h[0], -k[0] * h[1]},
		{-k[1] * h[0], 1.0 - k[1]*h[1]},
	}
	e00 := e.e[0][0]
	e01 := e.e[0][1]

	// Update state.
	e.e[0][0] = e00*iKh[0][0] + e.e[1][0]*iKh[0][1]
	e.e[0][1] = e01*iKh[0][0] + e.e[1][1]*iKh[0][1]
	e.e[1][0] = e00*iKh[1][0] + e.e[1][0]*iKh[1][1]
	e.e[1][1] = e01*iKh[1][0] + e.e[1][1]*iKh[1][1]

	// The covariance matrix must be positive semi-definite.
	positiveSemiDefinite := e.e[0][0]+e.e[1][1] >= 0 &&
		e.e[0][0]*e.e[1][1]-e.e[0][1]*e.e[1][0] >= 0 && e.e[0][0] >= 0

	if !positiveSemiDefinite {
		mylog.Logger.Error("the over-use estimator's covariance matrix is no longer semi-definite")
	}

	e.slope = e.slope + k[0]*residual
	e.prevOffset = e.offset
	e.offset = e.offset + k[1]*residual
}

func (e *OveruseEstimator) UpdateMinFramePeriod(tsDelta float64) float64 {
	minFramePeriod := tsDelta

	if e.tsDeltaHist.Len() >= MinFramePeriodHistoryLength {
		e.tsDeltaHist.PopFront()
	}

	for i := 0; i < e.tsDeltaHist.Len(); i++ {
		oldTsDelta := e.tsDeltaHist.At(i)
		minFramePeriod = math.Min(oldTsDelta, minFramePeriod)
	}

	e.tsDeltaHist.PushBack(tsDelta)

	return minFramePeriod
}

func (e *OveruseEstimator) UpdateNoiseEstimate(residual float64, tsDelta float64, stableState bool) {
	if !stableState {
		return
	}

	// Faster filter during startup to faster adapt to the jitter level of
	// the network. alpha is tuned for 30 frames per second, but is scaled
	// according to tsDelta.
	alpha := 0.01

	if e.numOfDeltas > 10*30 {
		alpha = 0.002
	}

	// Only update the noise estimate if we're not over-using. beta is a
	// function of alpha and the time delta since the previous update.
	beta := math.Pow(1.0-alpha, tsDelta*30.0/1000.0)

	e.avgNoise = beta*e.avgNoise + (1-beta)*residual
	e.varNoise = beta*e.varNoise +
		(1-beta)*(e.avgNoise-residual)*(e.avgNoise-residual)
	if e.varNoise < 1 {
		e.varNoise = 1
	}
}
