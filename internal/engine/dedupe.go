package engine

import (
	"encoding/binary"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"seismon/internal/model"
)

const dedupeCompactAt = 10000

// DedupeCache remembers recently ingested blocks so a transport that replays
// data after a reconnect does not count it twice.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time)}
}

func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= ttl {
		return true
	}
	d.items[key] = now
	if len(d.items) > dedupeCompactAt {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

// blockKey identifies a block by stream, start time, length and a hash of its
// samples, so a resent block with corrected values is not mistaken for a
// replay.
func blockKey(b model.Block) string {
	h := xxhash.New()
	var buf [8]byte
	for _, v := range b.Samples {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	return b.Key.String() + "|" + strconv.FormatInt(b.Start.UnixNano(), 10) + "|" +
		strconv.Itoa(len(b.Samples)) + "|" + strconv.FormatUint(h.Sum64(), 16)
}
