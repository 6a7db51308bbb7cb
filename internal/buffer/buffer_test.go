package buffer

import (
	"errors"
	"math"
	"testing"
	"time"

	"seismon/internal/model"
)

var testKey = model.StreamKey{Network: "UX", Station: "UIS09", Location: "00", Channel: "EHZ"}

func constBlock(start time.Time, rate float64, n int, v float64) model.Block {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = v
	}
	return model.Block{Key: testKey, Start: start, SampleRate: rate, Samples: samples}
}

func mustAppend(t *testing.T, b *StreamBuffer, blk model.Block) {
	t.Helper()
	if err := b.Append(blk); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestTrimSpansWindowRegardlessOfGaps(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	mustAppend(t, b, constBlock(t0, 40, 40, 1))
	mustAppend(t, b, constBlock(t0.Add(3*time.Second), 40, 40, 2))
	mustAppend(t, b, constBlock(t0.Add(20*time.Second), 40, 20, 3))
	b.Merge()

	now := t0.Add(25*time.Second + 310*time.Millisecond)
	b.Trim(now, 10*time.Second)

	if b.Len() != 400 {
		t.Fatalf("len: %d", b.Len())
	}
	if b.Span() != 10*time.Second {
		t.Fatalf("span: %s", b.Span())
	}
	if b.End().After(now) || now.Sub(b.End()) >= 25*time.Millisecond {
		t.Fatalf("end %s not within one sample of now %s", b.End(), now)
	}

	start := b.Start()
	first := b.Samples()
	b.Trim(now, 10*time.Second)
	if !b.Start().Equal(start) {
		t.Fatalf("second trim moved start: %s -> %s", start, b.Start())
	}
	second := b.Samples()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("second trim changed sample %d", i)
		}
	}
}

func TestTrimWithoutGapsKeepsLength(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	for i := 0; i < 20; i++ {
		mustAppend(t, b, constBlock(t0.Add(time.Duration(i)*time.Second), 100, 100, float64(i)))
		b.Merge()
		b.Trim(t0.Add(time.Duration(i+1)*time.Second), 5*time.Second)
		if b.Len() != 500 {
			t.Fatalf("iteration %d: len %d", i, b.Len())
		}
	}
	if v, ok := b.at(t0.Add(19*time.Second + 500*time.Millisecond)); !ok || v != 19 {
		t.Fatalf("latest block value: %v %v", v, ok)
	}
}

func TestMergeOverlapPrefersNewer(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	mustAppend(t, b, constBlock(t0, 40, 40, 1))
	mustAppend(t, b, constBlock(t0.Add(500*time.Millisecond), 40, 40, 2))
	b.Merge()

	if b.Len() != 60 {
		t.Fatalf("len: %d", b.Len())
	}
	samples := b.Samples()
	for i, v := range samples {
		want := 1.0
		if i >= 20 {
			want = 2
		}
		if v != want {
			t.Fatalf("sample %d: got %v want %v", i, v, want)
		}
	}
}

func TestMergeOverlapAcrossMergeCalls(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	mustAppend(t, b, constBlock(t0, 40, 40, 1))
	b.Merge()
	mustAppend(t, b, constBlock(t0.Add(750*time.Millisecond), 40, 40, 5))
	b.Merge()
	if v, _ := b.at(t0.Add(800 * time.Millisecond)); v != 5 {
		t.Fatalf("coincident sample: got %v want 5", v)
	}
	if v, _ := b.at(t0.Add(700 * time.Millisecond)); v != 1 {
		t.Fatalf("older sample: got %v want 1", v)
	}
}

func TestShortGapInterpolated(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	mustAppend(t, b, constBlock(t0, 40, 40, 10))
	mustAppend(t, b, constBlock(t0.Add(1500*time.Millisecond), 40, 40, 30))
	b.Merge()

	samples := b.Samples()
	if len(samples) != 100 {
		t.Fatalf("len: %d", len(samples))
	}
	prev := samples[39]
	for i := 40; i < 60; i++ {
		if samples[i] <= prev || samples[i] >= 30 {
			t.Fatalf("sample %d not interpolated: %v", i, samples[i])
		}
		prev = samples[i]
	}
	want := 10 + 20*float64(50-39)/float64(60-39)
	if math.Abs(samples[50]-want) > 1e-9 {
		t.Fatalf("sample 50: got %v want %v", samples[50], want)
	}
}

func TestLongGapZeroFilledAndSpansWindow(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	mustAppend(t, b, constBlock(t0, 40, 40, 1))
	b.Merge()
	b.Trim(t0.Add(time.Second), 10*time.Second)
	mustAppend(t, b, constBlock(t0.Add(5*time.Second), 40, 40, 1))
	b.Merge()
	now := t0.Add(6 * time.Second)
	b.Trim(now, 10*time.Second)

	if b.Len() != 400 || b.Span() != 10*time.Second {
		t.Fatalf("len %d span %s", b.Len(), b.Span())
	}
	if !b.End().Equal(now) {
		t.Fatalf("end: %s", b.End())
	}
	for off := time.Second; off < 5*time.Second; off += 25 * time.Millisecond {
		if v, ok := b.at(t0.Add(off)); !ok || v != 0 {
			t.Fatalf("gap at +%s: %v %v", off, v, ok)
		}
	}
	if v, _ := b.at(t0.Add(500 * time.Millisecond)); v != 1 {
		t.Fatalf("first block lost: %v", v)
	}
	if v, _ := b.at(t0.Add(5500 * time.Millisecond)); v != 1 {
		t.Fatalf("second block lost: %v", v)
	}
	if v, _ := b.at(t0.Add(-3 * time.Second)); v != 0 {
		t.Fatalf("leading pad: %v", v)
	}
}

func TestLateBlockFillsZeroedGap(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 500*time.Millisecond)
	mustAppend(t, b, constBlock(t0, 40, 40, 1))
	mustAppend(t, b, constBlock(t0.Add(3*time.Second), 40, 40, 1))
	b.Merge()
	mustAppend(t, b, constBlock(t0.Add(time.Second), 40, 80, 7))
	b.Merge()
	if v, _ := b.at(t0.Add(2 * time.Second)); v != 7 {
		t.Fatalf("late block not merged: %v", v)
	}
}

func TestBlockBeforeStartExtendsFront(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	mustAppend(t, b, constBlock(t0.Add(time.Second), 40, 40, 2))
	b.Merge()
	mustAppend(t, b, constBlock(t0, 40, 40, 1))
	b.Merge()
	if !b.Start().Equal(t0) || b.Len() != 80 {
		t.Fatalf("start %s len %d", b.Start(), b.Len())
	}
}

func TestAppendRateMismatchIsNoOp(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	mustAppend(t, b, constBlock(t0, 40, 40, 1))
	b.Merge()

	err := b.Append(constBlock(t0.Add(time.Second), 100, 100, 9))
	if !errors.Is(err, model.ErrRateMismatch) {
		t.Fatalf("expected rate mismatch, got %v", err)
	}
	if len(b.pending) != 0 {
		t.Fatalf("mismatched block queued")
	}
	b.Merge()
	if b.Len() != 40 {
		t.Fatalf("buffer changed: len %d", b.Len())
	}
}

func TestAppendRejectsEmptyBlock(t *testing.T) {
	b := New(testKey, time.Second)
	if err := b.Append(model.Block{Key: testKey, SampleRate: 40}); !errors.Is(err, model.ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestTailCopiesMostRecent(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	mustAppend(t, b, constBlock(t0, 40, 40, 1))
	mustAppend(t, b, constBlock(t0.Add(time.Second), 40, 40, 2))
	b.Merge()
	start, tail := b.Tail(time.Second)
	if len(tail) != 40 || !start.Equal(t0.Add(time.Second)) {
		t.Fatalf("tail start %s len %d", start, len(tail))
	}
	tail[0] = 99
	if v, _ := b.at(t0.Add(time.Second)); v != 2 {
		t.Fatalf("tail aliases buffer")
	}
}

func TestFarFutureBlockReplacesGrid(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	b.SetMaxSpan(30 * time.Second)
	mustAppend(t, b, constBlock(t0, 40, 40, 1))
	b.Merge()

	ahead := t0.Add(30 * 24 * time.Hour)
	mustAppend(t, b, constBlock(ahead, 40, 40, 3))
	b.Merge()
	if b.Len() != 40 || !b.Start().Equal(ahead) {
		t.Fatalf("grid not rebased: start %s len %d", b.Start(), b.Len())
	}
	b.Trim(t0.Add(time.Second), 30*time.Second)
	if b.Len() != 1200 {
		t.Fatalf("trim after rebase: len %d", b.Len())
	}
	for _, v := range b.Samples() {
		if v != 0 {
			t.Fatalf("future samples survived trim")
		}
	}
}

func TestAncientBlockIgnoredWithinSpan(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(testKey, 2*time.Second)
	b.SetMaxSpan(30 * time.Second)
	mustAppend(t, b, constBlock(t0, 40, 40, 1))
	b.Merge()

	mustAppend(t, b, constBlock(time.Unix(0, 0).UTC(), 40, 40, 9))
	b.Merge()
	if b.Len() != 40 || !b.Start().Equal(t0) {
		t.Fatalf("ancient block grew the grid: start %s len %d", b.Start(), b.Len())
	}

	// a block straddling the span edge keeps only its recent part
	mustAppend(t, b, constBlock(t0.Add(-35*time.Second), 40, 400, 5))
	b.Merge()
	if b.Len() > 40+30*40+1 {
		t.Fatalf("grid exceeded span: len %d", b.Len())
	}
	if v, ok := b.at(t0.Add(-26 * time.Second)); !ok || v != 5 {
		t.Fatalf("recent part of straddling block: %v %v", v, ok)
	}
}
