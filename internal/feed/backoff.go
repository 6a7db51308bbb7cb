package feed

import (
	"math/rand"
	"sync"
	"time"

	"seismon/internal/config"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff produces exponentially growing reconnect delays capped at MaxDelay.
// With jitter each delay is drawn from [d/2, d].
type Backoff struct {
	cfg  config.RetryConfig
	next time.Duration
}

func NewBackoff(cfg config.RetryConfig) *Backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	return &Backoff{cfg: cfg, next: cfg.InitialDelay}
}

func (b *Backoff) Next() time.Duration {
	d := b.next
	grown := float64(b.next) * b.cfg.Multiplier
	if grown > float64(b.cfg.MaxDelay) {
		b.next = b.cfg.MaxDelay
	} else {
		b.next = time.Duration(grown)
	}
	if b.cfg.Jitter && d > 1 {
		randMu.Lock()
		half := d / 2
		d = half + time.Duration(randSource.Int63n(int64(d-half)+1))
		randMu.Unlock()
	}
	return d
}

func (b *Backoff) Reset() {
	b.next = b.cfg.InitialDelay
}
