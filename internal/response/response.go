// Package response loads instrument sensitivities from StationXML and applies
// them to raw counts.
package response

import (
	"fmt"
	"strings"
	"time"

	"seismon/internal/dsp"
	"seismon/internal/model"
)

// Response is the scalar instrument sensitivity of one channel epoch.
type Response struct {
	Stream      model.StreamKey
	Sensitivity float64
	Frequency   float64
	InputUnits  string
	Start       time.Time
	End         time.Time
	Source      string
}

func (r Response) Covers(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !t.Before(r.End) {
		return false
	}
	return true
}

// Correct divides counts by the sensitivity and brings the result to velocity
// according to the sensor's input units.
func (r Response) Correct(counts []float64, rate float64) ([]float64, error) {
	if r.Sensitivity == 0 {
		return nil, fmt.Errorf("%s: zero sensitivity: %w", r.Stream, model.ErrResponseMissing)
	}
	phys := make([]float64, len(counts))
	for i, v := range counts {
		phys[i] = v / r.Sensitivity
	}
	switch normalizeUnits(r.InputUnits) {
	case "M/S":
		return phys, nil
	case "M/S**2":
		return dsp.Integrate(phys, rate), nil
	case "M":
		return dsp.Differentiate(phys, rate), nil
	default:
		return nil, fmt.Errorf("%s: unsupported input units %q: %w", r.Stream, r.InputUnits, model.ErrResponseMissing)
	}
}

func normalizeUnits(u string) string {
	u = strings.ToUpper(strings.TrimSpace(u))
	switch u {
	case "M/S", "M/SEC", "M S-1":
		return "M/S"
	case "M/S**2", "M/S2", "M/S^2", "M/SEC**2", "M S-2":
		return "M/S**2"
	case "M":
		return "M"
	}
	return u
}
