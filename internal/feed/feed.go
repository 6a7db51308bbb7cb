// Package feed subscribes to per-stream waveform packets over a transport and
// hands decoded blocks to a Handler.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"seismon/internal/config"
	"seismon/internal/model"
)

// Handler receives the output of one subscription. HandleError is called for
// malformed packets (ErrParse) and broken transports (ErrTransport); neither
// ends the subscription loop run by Run.
type Handler interface {
	HandleBlock(block model.Block)
	HandleError(key model.StreamKey, err error)
}

// Publisher is the sending side of a transport, used to replay recorded
// packets.
type Publisher interface {
	Publish(ctx context.Context, block model.Block) error
	Close() error
}

// Feed delivers blocks for one stream. Subscribe blocks until ctx is done,
// returning nil, or until the transport fails, returning an ErrTransport.
type Feed interface {
	Subscribe(ctx context.Context, key model.StreamKey, h Handler) error
	Name() string
}

func New(cfg config.FeedConfig, broker *Broker, logger *slog.Logger) (Feed, error) {
	switch strings.ToLower(cfg.Driver) {
	case "tcp":
		return NewTCP(cfg.TCP, logger), nil
	case "kafka":
		return NewKafka(cfg.Kafka, logger), nil
	case "nats":
		return NewNATS(cfg.NATS, logger), nil
	case "file":
		return NewFile(cfg.File, logger), nil
	case "mem":
		if broker == nil {
			return nil, fmt.Errorf("feed: mem driver needs a broker: %w", model.ErrConfiguration)
		}
		return broker, nil
	default:
		return nil, fmt.Errorf("feed: unknown driver %q: %w", cfg.Driver, model.ErrConfiguration)
	}
}

func transportErr(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: connection closed: %w", op, model.ErrTransport)
	}
	return fmt.Errorf("%s: %v: %w", op, err, model.ErrTransport)
}

// Run keeps one subscription alive until ctx is done, reconnecting with
// backoff after every transport failure.
func Run(ctx context.Context, f Feed, key model.StreamKey, h Handler, retry config.RetryConfig, logger *slog.Logger) {
	b := NewBackoff(retry)
	for {
		counter := &countingHandler{Handler: h}
		err := f.Subscribe(ctx, key, counter)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = transportErr(f.Name(), nil)
		}
		if !errors.Is(err, model.ErrTransport) {
			err = fmt.Errorf("%s: %v: %w", f.Name(), err, model.ErrTransport)
		}
		h.HandleError(key, err)
		if counter.blocks.Load() > 0 {
			b.Reset()
		}
		d := b.Next()
		if logger != nil {
			logger.Warn("subscription lost, retrying", "stream", key.String(), "feed", f.Name(), "delay", d, "err", err)
		}
		if !BackoffSleep(ctx, d) {
			return
		}
	}
}

type countingHandler struct {
	Handler
	blocks atomic.Int64
}

func (c *countingHandler) HandleBlock(b model.Block) {
	c.blocks.Add(1)
	c.Handler.HandleBlock(b)
}

// SendNonBlocking offers b to out and reports whether it was accepted.
func SendNonBlocking(ctx context.Context, out chan<- model.Block, b model.Block, logger *slog.Logger) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("block channel full, dropping block", "stream", b.Key.String(), "start", b.Start)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
