// Package catalog holds the channel inventory of a streaming server and
// refreshes it on request.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"seismon/internal/model"
)

// Persister receives every successfully refreshed catalog.
type Persister interface {
	SaveCatalog(ctx context.Context, records []model.ChannelRecord) error
}

type Recorder interface {
	Record(kind model.EventKind, station, message string)
}

// Observer counts refresh outcomes.
type Observer interface {
	CatalogRefresh(err error)
}

type Options struct {
	VerticalCodes []string
	Store         Persister
	Events        Recorder
	Metrics       Observer
	Logger        *slog.Logger
}

// Catalog replaces its record set wholesale on each successful refresh. A
// failed refresh leaves the previous set in place.
type Catalog struct {
	src     Source
	opts    Options
	group   singleflight.Group
	mu      sync.RWMutex
	recs    []model.ChannelRecord
	at      time.Time
	lastErr error
}

func New(src Source, opts Options) *Catalog {
	if len(opts.VerticalCodes) == 0 {
		opts.VerticalCodes = []string{"EHZ", "HNZ"}
	}
	return &Catalog{src: src, opts: opts}
}

// Refresh queries the source. Concurrent callers share one query; each gets
// its own copy of the result.
func (c *Catalog) Refresh(ctx context.Context) ([]model.ChannelRecord, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return append([]model.ChannelRecord(nil), v.([]model.ChannelRecord)...), nil
}

func (c *Catalog) refresh(ctx context.Context) ([]model.ChannelRecord, error) {
	recs, err := c.src.Query(ctx)
	if c.opts.Metrics != nil {
		c.opts.Metrics.CatalogRefresh(err)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", model.ErrCatalogRefresh, err)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		if c.opts.Logger != nil {
			c.opts.Logger.Warn("catalog refresh failed", "err", err)
		}
		if c.opts.Events != nil {
			c.opts.Events.Record(model.EventCatalogFailed, "", err.Error())
		}
		return nil, err
	}
	c.mu.Lock()
	c.recs = append([]model.ChannelRecord(nil), recs...)
	c.at = time.Now().UTC()
	c.lastErr = nil
	c.mu.Unlock()

	active := len(Selectable(recs, c.opts.VerticalCodes))
	if c.opts.Logger != nil {
		c.opts.Logger.Info("catalog refreshed", "channels", len(recs), "selectable", active)
	}
	if c.opts.Events != nil {
		c.opts.Events.Record(model.EventCatalogRefreshed, "", fmt.Sprintf("%d channels, %d selectable", len(recs), active))
	}
	if c.opts.Store != nil {
		if err := c.opts.Store.SaveCatalog(ctx, recs); err != nil && c.opts.Logger != nil {
			c.opts.Logger.Warn("catalog persist failed", "err", err)
		}
	}
	return recs, nil
}

// Seed installs a previously persisted listing when nothing has been loaded
// yet, so a failing first refresh still has a catalog to fall back on. Status
// is derived again against now.
func (c *Catalog) Seed(recs []model.ChannelRecord, now time.Time, grace time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recs) > 0 || len(recs) == 0 {
		return false
	}
	out := make([]model.ChannelRecord, len(recs))
	for i, r := range recs {
		r.Status = DeriveStatus(r.EndTime, now, grace)
		out[i] = r
	}
	c.recs = out
	return true
}

func (c *Catalog) Records() []model.ChannelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.ChannelRecord(nil), c.recs...)
}

func (c *Catalog) Selectable() []model.ChannelRecord {
	return Selectable(c.Records(), c.opts.VerticalCodes)
}

func (c *Catalog) VerticalCodes() []string {
	return append([]string(nil), c.opts.VerticalCodes...)
}

func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.at
}

func (c *Catalog) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}
