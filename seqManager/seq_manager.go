package seqManager

import "sort"

type seqUint interface {
	~uint8 | ~uint16
}

// SeqManager maps an input sequence-number space onto a gapless output
// space. Drop() consumes an output slot without emitting it, Sync() aligns
// the base so the next input continues right after the last output.
type SeqManager[T seqUint] struct {
	base      T
	maxOutput T
	maxInput  T
	dropped   []T
}

func NewSeqManager[T seqUint]() *SeqManager[T] {
	return &SeqManager[T]{}
}

func maxSeqValue[T seqUint]() T {
	return ^T(0)
}

func IsSeqHigherThan[T seqUint](lhs T, rhs T) bool {
	maxValue := maxSeqValue[T]()
	return ((lhs > rhs) && (lhs-rhs <= maxValue/2)) ||
		((rhs > lhs) && (rhs-lhs > maxValue/2))
}

func IsSeqLowerThan[T seqUint](lhs T, rhs T) bool {
	return IsSeqHigherThan(rhs, lhs)
}

func (m *SeqManager[T]) Sync(input T) {
	// Update base.
	m.base = m.maxOutput - input

	// Update maxInput.
	m.maxInput = input

	// Clear dropped set.
	m.dropped = m.dropped[:0]
}

func (m *SeqManager[T]) Drop(input T) {
	// Mark as dropped if 'input' is higher than anyone already processed.
	if IsSeqHigherThan(input, m.maxInput) {
		m.maxInput = input
		m.insertDropped(input)
	}
}

func (m *SeqManager[T]) Input(input T) T {
	base := m.base

	if len(m.dropped) > 0 {
		// Delete dropped entries older than input - maxValue/2.
		m.deleteDroppedLowerThan(input - maxSeqValue[T]()/2)

		// Count dropped entries before 'input' in order to adapt the base.
		droppedCount := m.countDroppedLowerThan(input)

		base = m.base - T(droppedCount)
	}

	output := input + base

	idelta := input - m.maxInput
	odelta := output - m.maxOutput

	// New input is higher than the maximum seen, but less than acceptable
	// units higher. Keep it as the maximum seen. See Drop().
	if idelta < maxSeqValue[T]()/2 {
		m.maxInput = input
	}

	// Same for the output. See Sync().
	if odelta < maxSeqValue[T]()/2 {
		m.maxOutput = output
	}

	return output
}

func (m *SeqManager[T]) GetMaxInput() T {
	return m.maxInput
}

func (m *SeqManager[T]) GetMaxOutput() T {
	return m.maxOutput
}

func (m *SeqManager[T]) insertDropped(input T) {
	index := sort.Search(len(m.dropped), func(i int) bool { return IsSeqHigherThan(m.dropped[i], input) })
	if index > 0 && m.dropped[index-1] == input {
		return
	}

	m.dropped = append(m.dropped, input)
	if index == len(m.dropped)-1 {
		return
	}

	copy(m.dropped[index+1:], m.dropped[index:])
	m.dropped[index] = input
}

func (m *SeqManager[T]) deleteDroppedLowerThan(input T) {
	index := sort.Search(len(m.dropped), func(i int) bool { return !IsSeqLowerThan(m.dropped[i], input) })
	if index > 0 {
		m.dropped = append(m.dropped[:0], m.dropped[index:]...)
	}
}

func (m *SeqManager[T]) countDroppedLowerThan(input T) int {
	return sort.Search(len(m.dropped), func(i int) bool { return !IsSeqLowerThan(m.dropped[i], input) })
}
