package rembServer

import (
	"github.com/aoslee/mediasoup/mylog"
	"github.com/aoslee/mediasoup/utils"
)

const ReorderedResetThreshold = 3
const ArrivalTimeOffsetThresholdMs = 3000
const BurstDeltaThresholdMs = 5

type TimestampGroup struct {
	Size             uint
	FirstTimestamp   uint32
	Timestamp        uint32
	CompleteTimeMs   int64
	LastSystemTimeMs int64
}

func newTimestampGroup() TimestampGroup {
	return TimestampGroup{CompleteTimeMs: -1}
}

func (g *TimestampGroup) IsFirstPacket() bool {
	return g.CompleteTimeMs == -1
}

// InterArrival groups packets by send timestamp and computes per-group
// send/arrival deltas for the over-use estimator.
type InterArrival struct {
	timestampGroupLengthTicks      uint32
	currentTimestampGroup          TimestampGroup
	prevTimestampGroup             TimestampGroup
	timestampToMsCoeff             float64
	burstGrouping                  bool
	numConsecutiveReorderedPackets int
}

func NewInterArrival(timestampGroupLengthTicks uint32, timestampToMsCoeff float64, enableBurstGrouping bool) InterArrival {
	node := InterArrival{}
	node.timestampGroupLengthTicks = timestampGroupLengthTicks
	node.currentTimestampGroup = newTimestampGroup()
	node.prevTimestampGroup = newTimestampGroup()
	node.timestampToMsCoeff = timestampToMsCoeff
	node.burstGrouping = enableBurstGrouping
	return node
}

func (a *InterArrival) ComputeDeltas(timestamp uint32,
	arrivalTimeMs int64,
	systemTimeMs int64,
	packetSize uint,
	timestampDelta *uint32,
	arrivalTimeDeltaMs *int64,
	packetSizeDelta *int) bool {
	if nil == timestampDelta || nil == arrivalTimeDeltaMs || nil == packetSizeDelta {
		mylog.Logger.Errorf("ComputeDeltas nil output argument\n")
		return false
	}

	calculatedDeltas := false

	if a.currentTimestampGroup.IsFirstPacket() {
		// We don't have enough data to update the filter, so we store it
		// until we have two frames of data to process.
		a.currentTimestampGroup.Timestamp = timestamp
		a.currentTimestampGroup.FirstTimestamp = timestamp
	} else if !a.PacketInOrder(timestamp) {
		return false
	} else if a.NewTimestampGroup(arrivalTimeMs, timestamp) {
		// First packet of a later frame, the previous frame sample is ready.
		if a.prevTimestampGroup.CompleteTimeMs >= 0 {
			*timestampDelta = a.currentTimestampGroup.Timestamp - a.prevTimestampGroup.Timestamp
			*arrivalTimeDeltaMs = a.currentTimestampGroup.CompleteTimeMs - a.prevTimestampGroup.CompleteTimeMs

			// Check system time differences to see if we have an
			// unproportional jump in arrival time. In that case reset the
			// inter-arrival computations.
			systemTimeDeltaMs := a.currentTimestampGroup.LastSystemTimeMs - a.prevTimestampGroup.LastSystemTimeMs

			if *arrivalTimeDeltaMs-systemTimeDeltaMs >= ArrivalTimeOffsetThresholdMs {
				mylog.Logger.Infof("the arrival time clock offset has changed, resetting [diff:%v ms]", *arrivalTimeDeltaMs-systemTimeDeltaMs)

				a.Reset()

				return false
			}

			if *arrivalTimeDeltaMs < 0 {
				// The group of packets has been reordered since receiving
				// its local arrival timestamp.
				a.numConsecutiveReorderedPackets++
				if a.numConsecutiveReorderedPackets >= ReorderedResetThreshold {
					mylog.Logger.Info(
						"packets are being reordered on the path from the socket to the bandwidth estimator, ignoring this packet for bandwidth estimation, resetting")
					a.Reset()
				}

				return false
			}

			a.numConsecutiveReorderedPackets = 0

			*packetSizeDelta = int(a.currentTimestampGroup.Size) - int(a.prevTimestampGroup.Size)
			calculatedDeltas = true
		}

		a.prevTimestampGroup = a.currentTimestampGroup
		// The new timestamp is now the current frame.
		a.currentTimestampGroup.FirstTimestamp = timestamp
		a.currentTimestampGroup.Timestamp = timestamp
		a.currentTimestampGroup.Size = 0
	} else {
		a.currentTimestampGroup.Timestamp = latestTimestamp(a.currentTimestampGroup.Timestamp, timestamp)
	}

	a.currentTimestampGroup.Size += packetSize
	a.currentTimestampGroup.CompleteTimeMs = arrivalTimeMs
	a.currentTimestampGroup.LastSystemTimeMs = systemTimeMs

	return calculatedDeltas
}

func (a *InterArrival) PacketInOrder(timestamp uint32) bool {
	if a.currentTimestampGroup.IsFirstPacket() {
		return true
	}

	// Assume that a diff which is bigger than half the timestamp interval
	// (32 bits) must be due to reordering.
	timestampDiff := timestamp - a.currentTimestampGroup.FirstTimestamp

	return timestampDiff < 0x80000000
}

func (a *InterArrival) NewTimestampGroup(arrivalTimeMs int64, timestamp uint32) bool {
	if a.currentTimestampGroup.IsFirstPacket() {
		return false
	}

	if a.BelongsToBurst(arrivalTimeMs, timestamp) {
		return false
	}

	timestampDiff := timestamp - a.currentTimestampGroup.FirstTimestamp

	return timestampDiff > a.timestampGroupLengthTicks
}

func (a *InterArrival) BelongsToBurst(arrivalTimeMs int64, timestamp uint32) bool {
	if !a.burstGrouping {
		return false
	}

	arrivalTimeDeltaMs := arrivalTimeMs - a.currentTimestampGroup.CompleteTimeMs
	timestampDiff := timestamp - a.currentTimestampGroup.Timestamp
	tsDeltaMs := utils.Lround(a.timestampToMsCoeff*float64(timestampDiff) + 0.5)

	if tsDeltaMs == 0 {
		return true
	}

	propagationDeltaMs := arrivalTimeDeltaMs - tsDeltaMs
	return propagationDeltaMs < 0 && arrivalTimeDeltaMs <= BurstDeltaThresholdMs
}

func (a *InterArrival) Reset() {
	a.numConsecutiveReorderedPackets = 0
	a.currentTimestampGroup = newTimestampGroup()
	a.prevTimestampGroup = newTimestampGroup()
}

func latestTimestamp(timestamp1 uint32, timestamp2 uint32) uint32 {
	if isNewerTimestamp(timestamp2, timestamp1) {
		return timestamp2
	}
	return timestamp1
}

func isNewerTimestamp(timestamp uint32, prevTimestamp uint32) bool {
	// Distinguish between elements that are exactly 0x80000000 apart: the
	// element with the higher value is considered newer.
	if timestamp-prevTimestamp == 0x80000000 {
		return timestamp > prevTimestamp
	}

	return timestamp != prevTimestamp && timestamp-prevTimestamp < 0x80000000
}
