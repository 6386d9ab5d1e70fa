package rembServer

import (
	"math"

	"github.com/aoslee/mediasoup/utils"
)

const OverUsingTimeThreshold = 10
const MaxAdaptOffsetMs = 15.0
const MinNumDeltas = 60

type OveruseDetector struct {
	up                     float64
	down                   float64
	overusingTimeThreshold float64
	threshold              float64
	lastUpdateMs           int64
	prevOffset             float64
	timeOverUsing          float64
	overuseCounter         int
	hypothesis             int
}

func NewOveruseDetector() OveruseDetector {
	node := OveruseDetector{}
	node.up = 0.0087
	node.down = 0.039
	node.overusingTimeThreshold = OverUsingTimeThreshold
	node.threshold = 12.5
	node.lastUpdateMs = -1
	node.prevOffset = 0.0
	node.timeOverUsing = -1
	node.overuseCounter = 0
	node.hypothesis = BW_NORMAL
	return node
}

func (d *OveruseDetector) State() int {
	return d.hypothesis
}

func (d *OveruseDetector) Detect(offset float64, tsDelta float64, numOfDeltas int, nowMs int64) int {
	if numOfDeltas < 2 {
		return BW_NORMAL
	}

	t := float64(utils.Min(int64(numOfDeltas), MinNumDeltas)) * offset
	if t > d.threshold {
		if d.timeOverUsing == -1 {
			// Initialize the timer. Assume that we've been over-using half
			// of the time since the previous sample.
			d.timeOverUsing = tsDelta / 2
		} else {
			// Increment timer.
			d.timeOverUsing += tsDelta
		}

		d.overuseCounter++

		if d.timeOverUsing > d.overusingTimeThreshold && d.overuseCounter > 1 {
			if offset >= d.prevOffset {
				d.timeOverUsing = 0
				d.overuseCounter = 0
				d.hypothesis = BW_OVERUSING
			}
		}
	} else if t < -d.threshold {
		d.timeOverUsing = -1
		d.overuseCounter = 0
		d.hypothesis = BW_UNDERUSING
	} else {
		d.timeOverUsing = -1
		d.overuseCounter = 0
		d.hypothesis = BW_NORMAL
	}

	d.prevOffset = offset
	d.UpdateThreshold(t, nowMs)

	return d.hypothesis
}

func (d *OveruseDetector) UpdateThreshold(modifiedOffset float64, nowMs int64) {
	if d.lastUpdateMs == -1 {
		d.lastUpdateMs = nowMs
	}

	if math.Abs(modifiedOffset) > d.threshold+MaxAdaptOffsetMs {
		// Avoid adapting the threshold to big latency spikes, caused e.g.
		// by a sudden capacity drop.
		d.lastUpdateMs = nowMs

		return
	}

	var k float64
	if math.Abs(modifiedOffset) < d.threshold {
		k = d.down
	} else {
		k = d.up
	}
	maxTimeDeltaMs := int64(100)
	timeDeltaMs := utils.Min(nowMs-d.lastUpdateMs, maxTimeDeltaMs)

	d.threshold += k * (math.Abs(modifiedOffset) - d.threshold) * float64(timeDeltaMs)

	minThreshold := 6.0
	maxThreshold := 600.0

	d.threshold = math.Min(math.Max(d.threshold, minThreshold), maxThreshold)
	d.lastUpdateMs = nowMs
}
