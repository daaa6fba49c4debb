package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseEasing(t *testing.T) {
	e, err := ParseEasing("")
	require.NoError(t, err)
	assert.Equal(t, EaseLinear, e)

	e, err = ParseEasing("ease_in_out")
	require.NoError(t, err)
	assert.Equal(t, EaseInOut, e)

	_, err = ParseEasing("bounce")
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestGenerateTransitionEndpoints(t *testing.T) {
	seq, err := GenerateTransition([]int{0, 100}, []int{200, 0}, 5, EaseLinear)
	require.NoError(t, err)
	require.Len(t, seq, 5)
	assert.Equal(t, []int{0, 100}, seq[0])
	assert.Equal(t, []int{200, 0}, seq[4])
	assert.Equal(t, []int{100, 50}, seq[2])
}

func TestGenerateTransitionSingleStep(t *testing.T) {
	seq, err := GenerateTransition([]int{0}, []int{255}, 1, EaseInOut)
	require.NoError(t, err)
	require.Len(t, seq, 1)
	assert.Equal(t, []int{255}, seq[0])
}

func TestGenerateTransitionMismatch(t *testing.T) {
	_, err := GenerateTransition([]int{0, 0}, []int{255}, 5, EaseLinear)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestGenerateTransitionMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		start := rapid.IntRange(0, 255).Draw(rt, "start")
		end := rapid.IntRange(0, 255).Draw(rt, "end")
		steps := rapid.IntRange(2, 50).Draw(rt, "steps")
		easing := rapid.SampledFrom([]Easing{EaseLinear, EaseIn, EaseOut, EaseInOut}).Draw(rt, "easing")

		seq, err := GenerateTransition([]int{start}, []int{end}, steps, easing)
		require.NoError(rt, err)
		require.Len(rt, seq, steps)
		assert.Equal(rt, start, seq[0][0])
		assert.Equal(rt, end, seq[steps-1][0])

		for i := 1; i < steps; i++ {
			prev, cur := seq[i-1][0], seq[i][0]
			if start <= end {
				assert.GreaterOrEqual(rt, cur, prev)
			} else {
				assert.LessOrEqual(rt, cur, prev)
			}
		}
	})
}

func TestEaseValueCurveShape(t *testing.T) {
	// All curves pin the endpoints.
	for _, e := range []Easing{EaseLinear, EaseIn, EaseOut, EaseInOut} {
		assert.InDelta(t, 0, easeValue(e, 0), 1e-9, "%s at 0", e)
		assert.InDelta(t, 1, easeValue(e, 1), 1e-9, "%s at 1", e)
	}
	// Ease-in lags linear early, ease-out leads it.
	assert.Less(t, easeValue(EaseIn, 0.25), 0.25)
	assert.Greater(t, easeValue(EaseOut, 0.25), 0.25)
	assert.InDelta(t, 0.5, easeValue(EaseInOut, 0.5), 1e-9)
}
