// Package dsp holds the numeric kernels used to turn a corrected velocity
// trace into ground-motion peaks.
package dsp

import (
	"fmt"
	"math"
	"strings"
)

type DetrendMode string

const (
	DetrendNone   DetrendMode = "none"
	DetrendDemean DetrendMode = "demean"
	DetrendLinear DetrendMode = "linear"
)

func ParseDetrendMode(s string) (DetrendMode, error) {
	switch DetrendMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", DetrendDemean:
		return DetrendDemean, nil
	case DetrendNone:
		return DetrendNone, nil
	case DetrendLinear:
		return DetrendLinear, nil
	default:
		return "", fmt.Errorf("unknown detrend mode %q", s)
	}
}

// Integrate is the cumulative trapezoid rule with out[0] = 0.
func Integrate(x []float64, rate float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 || rate <= 0 {
		return out
	}
	half := 0.5 / rate
	for i := 1; i < len(x); i++ {
		out[i] = out[i-1] + (x[i]+x[i-1])*half
	}
	return out
}

// Differentiate is the backward first difference with out[0] = 0, the exact
// inverse of Integrate's increments.
func Differentiate(x []float64, rate float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 || rate <= 0 {
		return out
	}
	for i := 1; i < len(x); i++ {
		out[i] = (x[i] - x[i-1]) * rate
	}
	return out
}

// Detrend modifies x in place.
func Detrend(x []float64, mode DetrendMode) {
	n := len(x)
	if n == 0 {
		return
	}
	switch mode {
	case DetrendDemean:
		var sum float64
		for _, v := range x {
			sum += v
		}
		mean := sum / float64(n)
		for i := range x {
			x[i] -= mean
		}
	case DetrendLinear:
		if n == 1 {
			x[0] = 0
			return
		}
		// least squares against the sample index
		var sx, sy, sxx, sxy float64
		for i, v := range x {
			fi := float64(i)
			sx += fi
			sy += v
			sxx += fi * fi
			sxy += fi * v
		}
		fn := float64(n)
		den := fn*sxx - sx*sx
		slope := (fn*sxy - sx*sy) / den
		icept := (sy - slope*sx) / fn
		for i := range x {
			x[i] -= icept + slope*float64(i)
		}
	}
}

func PeakAbs(x []float64) float64 {
	var peak float64
	for _, v := range x {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}
