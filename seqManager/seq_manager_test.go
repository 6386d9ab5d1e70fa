package seqManager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqManagerPlainRun(t *testing.T) {
	m := NewSeqManager[uint16]()

	m.Sync(99)

	assert.EqualValues(t, 1, m.Input(100))
	assert.EqualValues(t, 2, m.Input(101))
	assert.EqualValues(t, 3, m.Input(102))
	assert.EqualValues(t, 3, m.GetMaxOutput())
}

func TestSeqManagerDropAdvancesWithoutEmission(t *testing.T) {
	m := NewSeqManager[uint16]()

	m.Sync(0)

	assert.EqualValues(t, 1, m.Input(1))
	assert.EqualValues(t, 2, m.Input(2))

	m.Drop(3)
	m.Drop(4)

	// Two dropped inputs shift the outputs down so the run stays gapless.
	assert.EqualValues(t, 3, m.Input(5))
	assert.EqualValues(t, 4, m.Input(6))
}

func TestSeqManagerSyncRealignsBase(t *testing.T) {
	m := NewSeqManager[uint16]()

	m.Sync(99)
	assert.EqualValues(t, 1, m.Input(100))
	assert.EqualValues(t, 2, m.Input(101))

	// Stream switch: new input space starts at 40000.
	m.Sync(40000 - 1)
	assert.EqualValues(t, 3, m.Input(40000))
	assert.EqualValues(t, 4, m.Input(40001))
}

func TestSeqManagerWrap(t *testing.T) {
	m := NewSeqManager[uint16]()

	m.Sync(65533)
	assert.EqualValues(t, 1, m.Input(65534))
	assert.EqualValues(t, 2, m.Input(65535))
	assert.EqualValues(t, 3, m.Input(0))
	assert.EqualValues(t, 4, m.Input(1))
}

func TestSeqManagerDropThenWrap(t *testing.T) {
	m := NewSeqManager[uint16]()

	m.Sync(65533)
	assert.EqualValues(t, 1, m.Input(65534))

	m.Drop(65535)

	assert.EqualValues(t, 2, m.Input(0))
	assert.EqualValues(t, 3, m.Input(1))
}

func TestSeqManagerUint8Space(t *testing.T) {
	m := NewSeqManager[uint8]()

	m.Sync(254)
	assert.EqualValues(t, 1, m.Input(255))
	assert.EqualValues(t, 2, m.Input(0))

	m.Drop(1)
	assert.EqualValues(t, 3, m.Input(2))
}

func TestIsSeqHigherThan(t *testing.T) {
	assert.True(t, IsSeqHigherThan[uint16](11, 10))
	assert.False(t, IsSeqHigherThan[uint16](10, 11))
	assert.True(t, IsSeqHigherThan[uint16](0, 65535))
	assert.False(t, IsSeqHigherThan[uint16](65535, 0))
}

func TestCompareSeqNumLowerThan(t *testing.T) {
	assert.Greater(t, CompareSeqNumLowerThan(11, 10), int16(0))
	assert.Less(t, CompareSeqNumLowerThan(10, 11), int16(0))
	assert.Greater(t, CompareSeqNumLowerThan(0, 65535), int16(0))
}

func TestSequenceSetOrdering(t *testing.T) {
	s := NewSetList()

	s.PushLowerThan(10)
	s.PushLowerThan(5)
	s.PushLowerThan(7)
	assert.False(t, s.PushLowerThan(7))

	begin, ok := s.GetBegin()
	assert.True(t, ok)
	assert.EqualValues(t, 5, begin)

	assert.Equal(t, 2, s.CountLowerThan(10))

	removed := s.Lower_bound(7)
	assert.Equal(t, []uint16{5}, removed)
	assert.Equal(t, 2, s.Len())
}
