package feed

import (
	"context"
	"sync"

	"seismon/internal/model"
)

// Broker is an in-process transport. Publish fans a block out to every
// subscriber of its stream; a subscriber whose queue is full misses it.
type Broker struct {
	mu     sync.Mutex
	subs   map[model.StreamKey]map[chan model.Block]struct{}
	buffer int
	closed bool
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{subs: make(map[model.StreamKey]map[chan model.Block]struct{}), buffer: buffer}
}

func (b *Broker) Name() string {
	return "mem"
}

func (b *Broker) Publish(ctx context.Context, blk model.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transportErr("mem publish", nil)
	}
	for ch := range b.subs[blk.Key] {
		select {
		case ch <- blk:
		default:
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, key model.StreamKey, h Handler) error {
	ch, err := b.add(key)
	if err != nil {
		return err
	}
	defer b.remove(key, ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case blk, ok := <-ch:
			if !ok {
				return transportErr("mem "+key.String(), nil)
			}
			h.HandleBlock(blk)
		}
	}
}

func (b *Broker) add(key model.StreamKey) (chan model.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transportErr("mem subscribe", nil)
	}
	ch := make(chan model.Block, b.buffer)
	if b.subs[key] == nil {
		b.subs[key] = make(map[chan model.Block]struct{})
	}
	b.subs[key][ch] = struct{}{}
	return ch, nil
}

func (b *Broker) remove(key model.StreamKey, ch chan model.Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[key][ch]; ok {
		delete(b.subs[key], ch)
		close(ch)
	}
	if len(b.subs[key]) == 0 {
		delete(b.subs, key)
	}
}

func (b *Broker) Subscribers(key model.StreamKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

// Disconnect drops every current subscriber of key, as a lost connection would.
func (b *Broker) Disconnect(key model.StreamKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[key] {
		close(ch)
	}
	delete(b.subs, key)
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for key, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, key)
	}
	return nil
}
