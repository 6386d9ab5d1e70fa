package rateCalculator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateCalculatorWindow(t *testing.T) {
	r := NewRateCalculator(1000, DefaultBpsScale)
	now := uint64(1000000)
	r.ResetByTime(now)

	// 1000 bytes inside one window -> 8000 bps.
	r.Update(500, now)
	r.Update(500, now+100)
	assert.EqualValues(t, 8000, r.GetRate(now+100))
	assert.EqualValues(t, 1000, r.GetBytes())

	// Once the window has fully elapsed the rate falls to zero.
	assert.EqualValues(t, 0, r.GetRate(now+2000))
}

func TestRateCalculatorOldUpdateIgnored(t *testing.T) {
	r := NewRateCalculator(1000, DefaultBpsScale)
	now := uint64(1000000)
	r.ResetByTime(now)

	r.Update(100, now-5000)
	assert.EqualValues(t, 0, r.GetRate(now))
}

func TestRateCalculatorSlidesOut(t *testing.T) {
	r := NewRateCalculator(1000, DefaultBpsScale)
	now := uint64(1000000)
	r.ResetByTime(now)

	r.Update(1000, now)
	r.Update(1000, now+999)

	// First update slides out of the window, second remains.
	rate := r.GetRate(now + 1500)
	assert.EqualValues(t, 8000, rate)
}
