// Package events keeps the most recent operational events in memory for the
// API event console.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"seismon/internal/model"
)

const (
	persistQueue   = 256
	persistTimeout = 5 * time.Second
)

// Persister receives a copy of every event added to the store.
type Persister interface {
	SaveEvent(ctx context.Context, ev model.Event) error
}

type Store struct {
	mu     sync.RWMutex
	buf    []model.Event
	limit  int
	queue  chan model.Event
	done   chan struct{}
	logger *slog.Logger
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

// Persist starts a writer that forwards each added event to p. Add only
// queues the event; when the queue is full the event stays in memory and is
// not persisted. Each write gets its own timeout. Call Close to stop the
// writer.
func (s *Store) Persist(p Persister, logger *slog.Logger) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	queue := make(chan model.Event, persistQueue)
	done := make(chan struct{})
	s.queue, s.done, s.logger = queue, done, logger
	s.mu.Unlock()
	go drain(p, queue, done, logger)
}

func drain(p Persister, queue <-chan model.Event, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)
	for ev := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := p.SaveEvent(ctx, ev)
		cancel()
		if err != nil && logger != nil {
			logger.Warn("event persist failed", "kind", ev.Kind, "err", err)
		}
	}
}

// Close stops the persist writer, waiting up to persistTimeout for queued
// events to be written.
func (s *Store) Close() {
	s.mu.Lock()
	queue, done := s.queue, s.done
	s.queue = nil
	s.mu.Unlock()
	if queue == nil {
		return
	}
	close(queue)
	select {
	case <-done:
	case <-time.After(persistTimeout):
	}
}

func (s *Store) Add(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
	} else {
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = ev
	}
	dropped := false
	if s.queue != nil {
		select {
		case s.queue <- ev:
		default:
			dropped = true
		}
	}
	logger := s.logger
	s.mu.Unlock()

	if dropped && logger != nil {
		logger.Warn("event persist queue full, event kept in memory only", "kind", ev.Kind)
	}
}

// Record is a shorthand for Add stamped with the current time.
func (s *Store) Record(kind model.EventKind, station, message string) {
	s.Add(model.Event{Timestamp: time.Now().UTC(), Kind: kind, Station: station, Message: message})
}

func (s *Store) List(limit int) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Event, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, 0)
	for _, ev := range s.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) ByKind(kind model.EventKind) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, 0)
	for _, ev := range s.buf {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
