package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimers_Average(t *testing.T) {
	tm := NewTimers()
	for _, v := range []float64{2.0, 3.0, 4.0} {
		require.NoError(t, tm.Record("1", v))
	}

	avg, ok := tm.Average("1")
	require.True(t, ok)
	assert.Equal(t, 3.0, avg)
	assert.Equal(t, 3, tm.Count("1"))
	assert.Equal(t, []float64{2.0, 3.0, 4.0}, tm.Samples("1"))
}

func TestTimers_EmptyReportsNoSamples(t *testing.T) {
	tm := NewTimers()
	avg, ok := tm.Average("1")
	assert.False(t, ok)
	assert.Equal(t, 0.0, avg)

	st := tm.Stats("1")
	assert.Equal(t, 0, st.Count)
	assert.Empty(t, st.Samples)
	assert.False(t, math.IsNaN(st.Average))
}

func TestTimers_Clear(t *testing.T) {
	tm := NewTimers()
	_ = tm.Record("1", 1.5)
	_ = tm.Record("1", 2.5)
	_ = tm.Record("2", 9)

	assert.Equal(t, 2, tm.Clear("1"))
	assert.Equal(t, 0, tm.Count("1"))
	assert.Equal(t, 1, tm.Count("2"))
	assert.Equal(t, 0, tm.Clear("1"))
}

func TestTimers_RejectsBadValues(t *testing.T) {
	tm := NewTimers()
	for _, v := range []float64{-1, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, tm.Record("1", v), ErrInvalidTime)
	}
	assert.Equal(t, 0, tm.Count("1"))
}

func TestTimers_SamplesAreCopies(t *testing.T) {
	tm := NewTimers()
	_ = tm.Record("1", 1)
	s := tm.Samples("1")
	s[0] = 99
	assert.Equal(t, []float64{1}, tm.Samples("1"))
}
