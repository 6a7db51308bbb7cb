package dsp

import (
	"fmt"
	"math"
	"time"

	"seismon/internal/model"
)

// Corrector converts raw counts into ground velocity in m/s.
type Corrector interface {
	Correct(counts []float64, rate float64) ([]float64, error)
}

type Options struct {
	SubWindow time.Duration
	Detrend   DetrendMode
	Scale     float64
}

func DefaultOptions() Options {
	return Options{SubWindow: 10 * time.Second, Detrend: DetrendDemean, Scale: 1e6}
}

// Computer recomputes the peaks of one station from scratch on every update.
// When correction is impossible the previous snapshot is kept unchanged.
type Computer struct {
	opts Options
	last model.MetricSnapshot
}

func NewComputer(opts Options) *Computer {
	def := DefaultOptions()
	if opts.SubWindow <= 0 {
		opts.SubWindow = def.SubWindow
	}
	if opts.Detrend == "" {
		opts.Detrend = def.Detrend
	}
	if opts.Scale == 0 {
		opts.Scale = def.Scale
	}
	return &Computer{opts: opts}
}

func (c *Computer) Last() model.MetricSnapshot {
	return c.last
}

func (c *Computer) SubWindow() time.Duration {
	return c.opts.SubWindow
}

// Update takes the raw trailing counts of the station, most recent last. Only
// the last SubWindow of them is used.
func (c *Computer) Update(counts []float64, rate float64, corr Corrector, at time.Time) (model.MetricSnapshot, error) {
	if corr == nil {
		return c.last, fmt.Errorf("metrics: no response: %w", model.ErrResponseMissing)
	}
	if rate <= 0 {
		return c.last, fmt.Errorf("metrics: invalid sample rate %v: %w", rate, model.ErrParse)
	}
	n := int(math.Round(c.opts.SubWindow.Seconds() * rate))
	if n > len(counts) {
		n = len(counts)
	}
	if n == 0 {
		return c.last, nil
	}
	window := append([]float64(nil), counts[len(counts)-n:]...)
	Detrend(window, c.opts.Detrend)

	vel, err := corr.Correct(window, rate)
	if err != nil {
		return c.last, err
	}
	c.last = model.MetricSnapshot{
		VelocityPeak:     PeakAbs(vel) * c.opts.Scale,
		DisplacementPeak: PeakAbs(Integrate(vel, rate)) * c.opts.Scale,
		AccelerationPeak: PeakAbs(Differentiate(vel, rate)) * c.opts.Scale,
		LastUpdate:       at,
	}
	return c.last, nil
}
