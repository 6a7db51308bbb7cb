package buffer

import (
	"fmt"
	"math"
	"time"

	"seismon/internal/model"
)

// gridEpsilon absorbs float noise when mapping a timestamp onto the sample grid.
const gridEpsilon = 1e-6

// StreamBuffer holds the samples of one stream on a fixed time grid. Appended
// blocks wait in a pending list until Merge folds them into the grid.
type StreamBuffer struct {
	key     model.StreamKey
	maxGap  time.Duration
	maxSpan time.Duration
	rate    float64
	start   time.Time
	data    []float64
	filled  []bool
	pending []model.Block
}

func New(key model.StreamKey, maxGap time.Duration) *StreamBuffer {
	return &StreamBuffer{key: key, maxGap: maxGap}
}

// SetMaxSpan bounds how far a merge may stretch the grid. A block starting
// more than d past the newest sample replaces the grid, and samples older than
// d before it are discarded. Zero leaves the grid unbounded.
func (b *StreamBuffer) SetMaxSpan(d time.Duration) {
	b.maxSpan = d
}

func (b *StreamBuffer) Key() model.StreamKey {
	return b.key
}

// Append queues a block. A block whose rate differs from the established rate
// is rejected and leaves the buffer untouched.
func (b *StreamBuffer) Append(block model.Block) error {
	if len(block.Samples) == 0 {
		return fmt.Errorf("append %s: empty block: %w", b.key, model.ErrParse)
	}
	if block.SampleRate <= 0 || math.IsNaN(block.SampleRate) || math.IsInf(block.SampleRate, 0) {
		return fmt.Errorf("append %s: invalid sample rate %v: %w", b.key, block.SampleRate, model.ErrParse)
	}
	if rate := b.establishedRate(); rate > 0 && !sameRate(rate, block.SampleRate) {
		return fmt.Errorf("append %s: got %v Hz, buffer is %v Hz: %w", b.key, block.SampleRate, rate, model.ErrRateMismatch)
	}
	cp := block
	cp.Samples = append([]float64(nil), block.Samples...)
	b.pending = append(b.pending, cp)
	return nil
}

func (b *StreamBuffer) establishedRate() float64 {
	if b.rate > 0 {
		return b.rate
	}
	if len(b.pending) > 0 {
		return b.pending[0].SampleRate
	}
	return 0
}

func sameRate(a, c float64) bool {
	return math.Abs(a-c) <= 1e-9*math.Max(a, c)
}

// Merge folds pending blocks into the grid in arrival order, so a later block
// overwrites an earlier one wherever they overlap.
func (b *StreamBuffer) Merge() {
	for _, blk := range b.pending {
		b.mergeBlock(blk)
	}
	b.pending = b.pending[:0]
}

func (b *StreamBuffer) mergeBlock(blk model.Block) {
	if len(b.data) == 0 {
		b.reset(blk)
		return
	}
	k := int(math.Round(b.offset(blk.Start)))
	if b.maxSpan > 0 {
		limit := int(math.Ceil(b.maxSpan.Seconds() * b.rate))
		last := len(b.data) - 1
		switch {
		case k > last+limit:
			b.reset(blk)
			return
		case k+len(blk.Samples)-1 < last-limit:
			return
		case k < last-limit:
			cut := last - limit - k
			blk.Samples = blk.Samples[cut:]
			k += cut
		}
	}
	if k < 0 {
		b.growFront(-k)
		k = 0
	}
	end := k + len(blk.Samples)
	if end > len(b.data) {
		b.growBack(end - len(b.data))
	}
	copy(b.data[k:end], blk.Samples)
	for i := k; i < end; i++ {
		b.filled[i] = true
	}
	b.fillGapBefore(k)
	b.fillGapAfter(end - 1)
}

func (b *StreamBuffer) reset(blk model.Block) {
	b.rate = blk.SampleRate
	b.start = blk.Start
	b.data = append(b.data[:0], blk.Samples...)
	b.filled = make([]bool, len(blk.Samples))
	for i := range b.filled {
		b.filled[i] = true
	}
}

func (b *StreamBuffer) fillGapBefore(k int) {
	p := k - 1
	for p >= 0 && !b.filled[p] {
		p--
	}
	if p < 0 || p == k-1 {
		return
	}
	b.fillGap(p, k)
}

func (b *StreamBuffer) fillGapAfter(last int) {
	q := last + 1
	for q < len(b.data) && !b.filled[q] {
		q++
	}
	if q == len(b.data) || q == last+1 {
		return
	}
	b.fillGap(last, q)
}

// fillGap handles the unfilled samples strictly between the real samples at p
// and q. Short gaps are interpolated and become real; long gaps are zeroed and
// stay open so a late block can still fill them.
func (b *StreamBuffer) fillGap(p, q int) {
	missing := q - p - 1
	gap := time.Duration(float64(missing) / b.rate * float64(time.Second))
	if gap <= b.maxGap {
		from, to := b.data[p], b.data[q]
		for j := p + 1; j < q; j++ {
			frac := float64(j-p) / float64(q-p)
			b.data[j] = from + (to-from)*frac
			b.filled[j] = true
		}
		return
	}
	for j := p + 1; j < q; j++ {
		b.data[j] = 0
	}
}

func (b *StreamBuffer) growFront(n int) {
	b.data = append(make([]float64, n), b.data...)
	b.filled = append(make([]bool, n), b.filled...)
	b.start = b.timeAt(-n)
}

func (b *StreamBuffer) growBack(n int) {
	b.data = append(b.data, make([]float64, n)...)
	b.filled = append(b.filled, make([]bool, n)...)
}

// Trim keeps exactly round(window*rate) samples whose last grid point is the
// latest one at or before now. Samples outside the range are dropped and
// uncovered grid points are zero-padded.
func (b *StreamBuffer) Trim(now time.Time, window time.Duration) {
	if b.rate <= 0 || len(b.data) == 0 {
		return
	}
	n := int(math.Round(window.Seconds() * b.rate))
	if n <= 0 {
		b.data = b.data[:0]
		b.filled = b.filled[:0]
		return
	}
	endIdx := int(math.Floor(b.offset(now) + gridEpsilon))
	first := endIdx - n + 1
	if first == 0 && len(b.data) == n {
		return
	}
	data := make([]float64, n)
	filled := make([]bool, n)
	for i := 0; i < n; i++ {
		src := first + i
		if src >= 0 && src < len(b.data) {
			data[i] = b.data[src]
			filled[i] = b.filled[src]
		}
	}
	b.start = b.timeAt(first)
	b.data = data
	b.filled = filled
}

func (b *StreamBuffer) offset(t time.Time) float64 {
	return t.Sub(b.start).Seconds() * b.rate
}

func (b *StreamBuffer) timeAt(i int) time.Time {
	return b.start.Add(time.Duration(math.Round(float64(i) / b.rate * float64(time.Second))))
}

func (b *StreamBuffer) Len() int {
	return len(b.data)
}

func (b *StreamBuffer) SampleRate() float64 {
	return b.rate
}

func (b *StreamBuffer) Start() time.Time {
	return b.start
}

// End is the timestamp of the last grid point.
func (b *StreamBuffer) End() time.Time {
	if len(b.data) == 0 {
		return b.start
	}
	return b.timeAt(len(b.data) - 1)
}

func (b *StreamBuffer) Span() time.Duration {
	if b.rate <= 0 {
		return 0
	}
	return time.Duration(float64(len(b.data)) / b.rate * float64(time.Second))
}

func (b *StreamBuffer) Samples() []float64 {
	return append([]float64(nil), b.data...)
}

// Tail copies the most recent d of the grid.
func (b *StreamBuffer) Tail(d time.Duration) (time.Time, []float64) {
	if len(b.data) == 0 || b.rate <= 0 {
		return time.Time{}, nil
	}
	n := int(math.Round(d.Seconds() * b.rate))
	if n <= 0 {
		return b.End(), nil
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	first := len(b.data) - n
	return b.timeAt(first), append([]float64(nil), b.data[first:]...)
}

// at returns the sample nearest to t, and whether t falls inside the grid.
func (b *StreamBuffer) at(t time.Time) (float64, bool) {
	if len(b.data) == 0 {
		return 0, false
	}
	i := int(math.Round(b.offset(t)))
	if i < 0 || i >= len(b.data) {
		return 0, false
	}
	return b.data[i], true
}

// Release drops all samples; the buffer is unusable for reads afterwards.
func (b *StreamBuffer) Release() {
	b.data = nil
	b.filled = nil
	b.pending = nil
	b.rate = 0
}
