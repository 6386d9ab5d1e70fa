package rembServer

import (
	"math"

	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/utils"
)

const MaxFeedbackIntervalMs = 1000
const DefaultRttMs = 200
const MinBitrateBps = 10000

const (
	RC_HOLD = iota
	RC_INCREASE
	RC_DECREASE
)

const (
	RC_NEAR_MAX = iota
	RC_ABOVE_MAX
	RC_MAX_UNKNOWN
)

// AimdRateControl is the additive-increase multiplicative-decrease rate
// controller fed by the over-use detector state.
type AimdRateControl struct {
	minConfiguredBitrateBps   uint32
	maxConfiguredBitrateBps   uint32
	currentBitrateBps         uint32
	avgMaxBitrateKbps         float32
	varMaxBitrateKbps         float32
	rateControlState          int
	rateControlRegion         int
	timeLastBitrateChange     int64
	currentInput              RateControlInput
	updated                   bool
	timeFirstIncomingEstimate int64
	bitrateIsInitialized      bool
	beta                      float32
	rtt                       int64
	lastDecrease              int
}

func NewAimdRateControl() AimdRateControl {
	node := AimdRateControl{}
	node.minConfiguredBitrateBps = MinBitrateBps
	node.maxConfiguredBitrateBps = 30000000
	node.currentBitrateBps = node.maxConfiguredBitrateBps
	node.avgMaxBitrateKbps = -1.0
	node.varMaxBitrateKbps = 0.4
	node.rateControlState = RC_HOLD
	node.rateControlRegion = RC_MAX_UNKNOWN
	node.timeLastBitrateChange = -1
	node.currentInput = NewRateControlInput(BW_NORMAL, 0, 1.0)
	node.timeFirstIncomingEstimate = -1
	node.beta = 0.85
	node.rtt = DefaultRttMs
	return node
}

func (a *AimdRateControl) SetStartBitrate(startBitrateBps int) {
	a.currentBitrateBps = uint32(startBitrateBps)
	a.bitrateIsInitialized = true
}

func (a *AimdRateControl) SetMinBitrate(minBitrateBps int) {
	a.minConfiguredBitrateBps = uint32(minBitrateBps)

	if uint32(minBitrateBps) > a.currentBitrateBps {
		a.currentBitrateBps = uint32(minBitrateBps)
	}
}

func (a *AimdRateControl) ValidEstimate() bool {
	return a.bitrateIsInitialized
}

func (a *AimdRateControl) LatestEstimate() uint32 {
	return a.currentBitrateBps
}

func (a *AimdRateControl) UpdateBandwidthEstimate(nowMs int64) uint32 {
	a.currentBitrateBps = a.ChangeBitrate(a.currentBitrateBps, a.currentInput.IncomingBitrate, nowMs)

	return a.currentBitrateBps
}

func (a *AimdRateControl) SetRtt(rtt int64) {
	a.rtt = rtt
}

func (a *AimdRateControl) SetEstimate(bitrateBps int, nowMs int64) {
	a.updated = true
	a.bitrateIsInitialized = true
	a.currentBitrateBps = a.ClampBitrate(uint32(bitrateBps), uint32(bitrateBps))
	a.timeLastBitrateChange = nowMs
}

func (a *AimdRateControl) GetLastBitrateDecreaseBps() int {
	return a.lastDecrease
}

func (a *AimdRateControl) AdditiveRateIncrease(nowMs int64, lastMs int64) uint32 {
	return uint32((nowMs - lastMs) * int64(a.GetNearMaxIncreaseRateBps()) / 1000)
}

func (a *AimdRateControl) ChangeRegion(region int) {
	a.rateControlRegion = region
}

func (a *AimdRateControl) ChangeStateBase(newState int) {
	a.rateControlState = newState
}

func (a *AimdRateControl) GetFeedbackInterval() int64 {
	const RtcpSize = 80
	const minFeedbackIntervalMs = 200
	interval := utils.Lround((RtcpSize*8.0*1000.0)/(0.05*float64(a.currentBitrateBps)) + 0.5)

	return utils.Min(utils.Max(interval, minFeedbackIntervalMs), MaxFeedbackIntervalMs)
}

func (a *AimdRateControl) TimeToReduceFurther(timeNow int64, incomingBitrateBps uint32) bool {
	bitrateReductionInterval := utils.Max(utils.Min(a.rtt, 200), 10)

	if timeNow-a.timeLastBitrateChange >= bitrateReductionInterval {
		return true
	}

	if a.ValidEstimate() {
		threshold := uint32(0.5 * float64(a.LatestEstimate()))

		return incomingBitrateBps < threshold
	}

	return false
}

func (a *AimdRateControl) Update(input *RateControlInput, nowMs int64) {
	if !a.bitrateIsInitialized {
		const initializationTimeMs = 5000

		if a.timeFirstIncomingEstimate < 0 {
			if input.IncomingBitrate != 0 {
				a.timeFirstIncomingEstimate = nowMs
			}
		} else if nowMs-a.timeFirstIncomingEstimate > initializationTimeMs && input.IncomingBitrate != 0 {
			a.currentBitrateBps = input.IncomingBitrate
			a.bitrateIsInitialized = true
		}
	}

	if a.updated && a.currentInput.BwState == BW_OVERUSING {
		// Only update delay factor and incoming bit rate. We always want to
		// react on an over-use.
		a.currentInput.NoiseVar = input.NoiseVar
		a.currentInput.IncomingBitrate = input.IncomingBitrate
	} else {
		a.updated = true
		a.currentInput = *input
	}
}

func (a *AimdRateControl) GetNearMaxIncreaseRateBps() int {
	responseTime := (a.rtt + 100) * 2
	const MinIncreaseRateBps = 4000.0

	bitsPerFrame := float64(a.currentBitrateBps) / 30.0
	packetsPerFrame := math.Ceil(bitsPerFrame / (8.0 * 1200.0))
	avgPacketSizeBits := bitsPerFrame / packetsPerFrame

	return int(math.Max(MinIncreaseRateBps, (avgPacketSizeBits*1000)/float64(responseTime)))
}

func (a *AimdRateControl) ChangeBitrate(newBitrateBps uint32, incomingBitrateBps uint32, nowMs int64) uint32 {
	if !a.updated {
		return a.currentBitrateBps
	}

	if !a.bitrateIsInitialized && a.currentInput.BwState != BW_OVERUSING {
		return a.currentBitrateBps
	}

	a.updated = false
	a.ChangeState(&a.currentInput, nowMs)

	incomingBitrateKbps := float64(incomingBitrateBps) / 1000.0
	stdMaxBitRate := math.Sqrt(float64(a.varMaxBitrateKbps * a.avgMaxBitrateKbps))

	switch a.rateControlState {
	case RC_HOLD:

	case RC_INCREASE:
		if a.avgMaxBitrateKbps >= 0 && incomingBitrateKbps > float64(a.avgMaxBitrateKbps)+3*stdMaxBitRate {
			a.ChangeRegion(RC_MAX_UNKNOWN)
			a.avgMaxBitrateKbps = -1.0
		}
		if a.rateControlRegion == RC_NEAR_MAX {
			additiveIncreaseBps := a.AdditiveRateIncrease(nowMs, a.timeLastBitrateChange)

			newBitrateBps += additiveIncreaseBps
		} else {
			multiplicativeIncreaseBps := a.MultiplicativeRateIncrease(nowMs, a.timeLastBitrateChange, newBitrateBps)

			newBitrateBps += multiplicativeIncreaseBps
		}

		a.timeLastBitrateChange = nowMs

	case RC_DECREASE:
		a.bitrateIsInitialized = true
		// Set bit rate to something slightly lower than max to get rid of
		// any self-induced delay.
		newBitrateBps = uint32(utils.Lround(float64(a.beta)*float64(incomingBitrateBps) + 0.5))

		if newBitrateBps > a.currentBitrateBps {
			// Avoid increasing the rate when over-using.
			if a.rateControlRegion != RC_MAX_UNKNOWN {
				newBitrateBps = uint32(utils.Lround(float64(a.beta)*float64(a.avgMaxBitrateKbps)*1000 + 0.5))
			}

			newBitrateBps = uint32(utils.Min(int64(newBitrateBps), int64(a.currentBitrateBps)))
		}

		a.ChangeRegion(RC_NEAR_MAX)

		if incomingBitrateBps < a.currentBitrateBps {
			a.lastDecrease = int(a.currentBitrateBps - newBitrateBps)
		}

		if incomingBitrateKbps < float64(a.avgMaxBitrateKbps)-3*stdMaxBitRate {
			a.avgMaxBitrateKbps = -1.0
		}

		a.UpdateMaxBitRateEstimate(float32(incomingBitrateKbps))
		// Stay on hold until the pipes are cleared.
		a.ChangeStateBase(RC_HOLD)
		a.timeLastBitrateChange = nowMs

	default:
		mylog.Logger.Errorf("invalid rateControlState value\n")
	}

	return a.ClampBitrate(newBitrateBps, incomingBitrateBps)
}

func (a *AimdRateControl) ClampBitrate(newBitrateBps, incomingBitrateBps uint32) uint32 {
	maxBitrateBps := uint32(1.5*float64(incomingBitrateBps)) + 10000

	if newBitrateBps > a.currentBitrateBps && newBitrateBps > maxBitrateBps {
		newBitrateBps = uint32(utils.Max(int64(a.currentBitrateBps), int64(maxBitrateBps)))
	}

	newBitrateBps = uint32(utils.Max(int64(newBitrateBps), int64(a.minConfiguredBitrateBps)))

	return newBitrateBps
}

func (a *AimdRateControl) MultiplicativeRateIncrease(nowMs int64, lastMs int64, currentBitrateBps uint32) uint32 {
	alpha := 1.08
	if lastMs > -1 {
		timeSinceLastUpdateMs := utils.Min(nowMs-lastMs, 1000)

		alpha = math.Pow(alpha, float64(timeSinceLastUpdateMs)/1000.0)
	}
	multiplicativeIncreaseBps := uint32(math.Max(float64(currentBitrateBps)*(alpha-1.0), 1000.0))

	return multiplicativeIncreaseBps
}

func (a *AimdRateControl) UpdateMaxBitRateEstimate(incomingBitrateKbps float32) {
	alpha := float32(0.05)

	if a.avgMaxBitrateKbps == -1.0 {
		a.avgMaxBitrateKbps = incomingBitrateKbps
	} else {
		a.avgMaxBitrateKbps = (1.0-alpha)*a.avgMaxBitrateKbps + alpha*incomingBitrateKbps
	}

	// Estimate the max bit rate variance and normalize the variance with
	// the average max bit rate.
	norm := float32(math.Max(float64(a.avgMaxBitrateKbps), 1.0))

	a.varMaxBitrateKbps = (1-alpha)*a.varMaxBitrateKbps +
		alpha*(a.avgMaxBitrateKbps-incomingBitrateKbps)*(a.avgMaxBitrateKbps-incomingBitrateKbps)/norm

	// 0.4 ~= 14 kbit/s at 500 kbit/s
	if a.varMaxBitrateKbps < 0.4 {
		a.varMaxBitrateKbps = 0.4
	}

	// 2.5f ~= 35 kbit/s at 500 kbit/s
	if a.varMaxBitrateKbps > 2.5 {
		a.varMaxBitrateKbps = 2.5
	}
}

func (a *AimdRateControl) ChangeState(input *RateControlInput, nowMs int64) {
	switch a.currentInput.BwState {
	case BW_NORMAL:
		if a.rateControlState == RC_HOLD {
			a.timeLastBitrateChange = nowMs
			a.ChangeStateBase(RC_INCREASE)
		}
	case BW_OVERUSING:
		if a.rateControlState != RC_DECREASE {
			a.ChangeStateBase(RC_DECREASE)
		}
	case BW_UNDERUSING:
		a.ChangeStateBase(RC_HOLD)
	default:
		mylog.Logger.Errorf("invalid RateControlInput bwState value\n")
	}
}
