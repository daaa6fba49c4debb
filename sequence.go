package main

// Transition sequence generation. Produces per-step channel vectors that
// walk from one vector to another, optionally shaped by an easing curve.

type Easing string

const (
	EaseLinear Easing = "linear"
	EaseIn     Easing = "ease_in"
	EaseOut    Easing = "ease_out"
	EaseInOut  Easing = "ease_in_out"
)

func ParseEasing(s string) (Easing, error) {
	if s == "" {
		return EaseLinear, nil
	}
	switch Easing(s) {
	case EaseLinear, EaseIn, EaseOut, EaseInOut:
		return Easing(s), nil
	}
	return "", errValidation("parse easing", "unknown easing %q", s)
}

// easeValue maps linear progress t in [0,1] onto the curve.
func easeValue(e Easing, t float64) float64 {
	switch e {
	case EaseIn:
		return t * t
	case EaseOut:
		return 1 - (1-t)*(1-t)
	case EaseInOut:
		if t < 0.5 {
			return 2 * t * t
		}
		u := -2*t + 2
		return 1 - u*u/2
	default:
		return t
	}
}

// GenerateTransition returns steps vectors interpolating start to end.
// The last step always lands exactly on end; a single step is just end.
// Start and end must have the same channel count.
func GenerateTransition(start, end []int, steps int, easing Easing) ([][]int, error) {
	if len(start) != len(end) {
		return nil, errValidation("transition", "start has %d channels, end has %d", len(start), len(end))
	}
	if steps <= 0 {
		return [][]int{}, nil
	}
	seq := make([][]int, 0, steps)
	for i := 0; i < steps; i++ {
		t := 1.0
		if steps > 1 {
			t = float64(i) / float64(steps-1)
		}
		t = easeValue(easing, t)
		row := make([]int, len(start))
		for j := range start {
			v := int(float64(start[j]) + t*float64(end[j]-start[j]))
			row[j] = clampChannel(v)
		}
		seq = append(seq, row)
	}
	return seq, nil
}
