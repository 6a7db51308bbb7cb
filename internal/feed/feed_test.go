package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"seismon/internal/config"
	"seismon/internal/model"
)

var testKey = model.StreamKey{Network: "UX", Station: "UIS09", Location: "00", Channel: "EHZ"}

type recorder struct {
	mu     sync.Mutex
	blocks []model.Block
	errs   []error
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 100)}
}

func (r *recorder) HandleBlock(b model.Block) {
	r.mu.Lock()
	r.blocks = append(r.blocks, b)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) HandleError(_ model.StreamKey, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for block")
	}
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func block(i int) model.Block {
	return model.Block{
		Key:        testKey,
		Start:      time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
		SampleRate: 40,
		Samples:    []float64{float64(i), float64(i)},
	}
}

func waitSubscribers(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers(testKey) != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers: %d want %d", b.Subscribers(testKey), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunReconnectsAfterDisconnect(t *testing.T) {
	broker := NewBroker(16)
	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	retry := config.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	done := make(chan struct{})
	go func() {
		Run(ctx, broker, testKey, rec, retry, nil)
		close(done)
	}()

	waitSubscribers(t, broker, 1)
	_ = broker.Publish(ctx, block(0))
	rec.wait(t)

	broker.Disconnect(testKey)
	waitSubscribers(t, broker, 1)
	_ = broker.Publish(ctx, block(1))
	rec.wait(t)

	if rec.errCount() != 1 || !errors.Is(rec.errs[0], model.ErrTransport) {
		t.Fatalf("errors: %v", rec.errs)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if broker.Subscribers(testKey) != 0 {
		t.Fatalf("subscription leaked")
	}
}

func TestTCPServerAndClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := NewBroker(16)
	srv, err := StartTCPServer(ctx, "127.0.0.1:0", broker, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	client := NewTCP(config.TCPConfig{Addr: srv.Addr()}, nil)
	rec := newRecorder()
	subDone := make(chan error, 1)
	subCtx, subCancel := context.WithCancel(ctx)
	go func() { subDone <- client.Subscribe(subCtx, testKey, rec) }()

	waitSubscribers(t, broker, 1)
	_ = broker.Publish(ctx, block(3))
	other := block(4)
	other.Key.Station = "UIS01"
	_ = broker.Publish(ctx, other)
	rec.wait(t)
	rec.mu.Lock()
	if len(rec.blocks) != 1 || rec.blocks[0].Samples[0] != 3 {
		t.Fatalf("blocks: %+v", rec.blocks)
	}
	rec.mu.Unlock()

	subCancel()
	if err := <-subDone; err != nil {
		t.Fatalf("subscribe after cancel: %v", err)
	}
	waitSubscribers(t, broker, 0)
	cancel()
	srv.Wait()
}

func TestTCPDialFailureIsTransportError(t *testing.T) {
	client := NewTCP(config.TCPConfig{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, nil)
	err := client.Subscribe(context.Background(), testKey, newRecorder())
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(config.RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Fatalf("step %d: %s", i, got)
		}
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("after reset: %s", got)
	}

	j := NewBackoff(config.RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true})
	for i := 0; i < 50; i++ {
		j.Reset()
		if d := j.Next(); d < 50*time.Millisecond || d > 100*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", d)
		}
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(config.FeedConfig{Driver: "seedlink"}, nil, nil); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := New(config.FeedConfig{Driver: "mem"}, nil, nil); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("mem without broker: %v", err)
	}
	f, err := New(config.FeedConfig{Driver: "nats"}, nil, nil)
	if err != nil || f.Name() != "nats" {
		t.Fatalf("nats: %v", err)
	}
}
