package engine

import (
	"fmt"
	"time"

	"seismon/internal/config"
	"seismon/internal/dsp"
	"seismon/internal/model"
)

// Session holds the tunables of one aggregation session. They are fixed for
// the lifetime of an Aggregator.
type Session struct {
	Window               time.Duration
	SubWindow            time.Duration
	MaxGap               time.Duration
	LivenessTimeout      time.Duration
	RefreshInterval      time.Duration
	Detrend              dsp.DetrendMode
	Scale                float64
	AllowMissingResponse bool
	ChannelBuffer        int
	PersistMetrics       bool
	// DedupeWindow bounds how long a replayed block is recognised as a
	// duplicate. Zero disables dedupe.
	DedupeWindow time.Duration
	Retry        config.RetryConfig
}

func DefaultSession() Session {
	return Session{
		Window:          150 * time.Second,
		SubWindow:       10 * time.Second,
		MaxGap:          2 * time.Second,
		LivenessTimeout: 30 * time.Second,
		RefreshInterval: 500 * time.Millisecond,
		Detrend:         dsp.DetrendDemean,
		Scale:           1e6,
		ChannelBuffer:   4096,
		DedupeWindow:    150 * time.Second,
		Retry:           config.DefaultConfig().Feed.Retry,
	}
}

func SessionFromConfig(cfg *config.Config) (Session, error) {
	if cfg == nil {
		return DefaultSession(), nil
	}
	mode, err := dsp.ParseDetrendMode(cfg.Session.Detrend)
	if err != nil {
		return Session{}, fmt.Errorf("session: %v: %w", err, model.ErrConfiguration)
	}
	sc := cfg.Session
	return Session{
		Window:               sc.Window,
		SubWindow:            sc.SubWindow,
		MaxGap:               sc.MaxGap,
		LivenessTimeout:      sc.LivenessTimeout,
		RefreshInterval:      sc.RefreshInterval,
		Detrend:              mode,
		Scale:                sc.Scale,
		AllowMissingResponse: sc.AllowMissingResponse,
		ChannelBuffer:        sc.ChannelBuffer,
		PersistMetrics:       sc.PersistMetrics,
		DedupeWindow:         sc.Window,
		Retry:                cfg.Feed.Retry,
	}, nil
}

func (s Session) validate() error {
	if s.Window <= 0 {
		return fmt.Errorf("session: window must be positive: %w", model.ErrConfiguration)
	}
	if s.SubWindow <= 0 || s.SubWindow > s.Window {
		return fmt.Errorf("session: sub_window must be in (0, window]: %w", model.ErrConfiguration)
	}
	if s.LivenessTimeout <= 0 {
		return fmt.Errorf("session: liveness_timeout must be positive: %w", model.ErrConfiguration)
	}
	return nil
}
