// Package engine runs an aggregation session. It subscribes to every selected
// stream, folds incoming blocks into per-stream buffers on a single ingestion
// worker and publishes an immutable view of each station for render consumers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"seismon/internal/buffer"
	"seismon/internal/dsp"
	"seismon/internal/feed"
	"seismon/internal/liveness"
	"seismon/internal/metrics"
	"seismon/internal/model"
	"seismon/internal/response"
	"seismon/internal/selection"
)

var (
	ErrAlreadySubscribed = errors.New("session already subscribed")
	ErrUnknownStream     = errors.New("stream not subscribed")
	ErrClosed            = errors.New("session torn down")
)

// logCooldown throttles repeated warnings for the same stream and cause.
const logCooldown = 30 * time.Second

// clockSkew is how far ahead of the session clock a block may start.
const clockSkew = 5 * time.Second

const (
	persistQueue   = 256
	persistTimeout = 5 * time.Second
)

type Recorder interface {
	Record(kind model.EventKind, station, message string)
}

// MetricsSink receives every successful metric update when persistence is on.
type MetricsSink interface {
	SaveMetrics(ctx context.Context, session string, station model.StationKey, snap model.MetricSnapshot) error
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Events  Recorder
	Store   MetricsSink
	// Clock defaults to the UTC wall clock.
	Clock     func() time.Time
	SessionID string
}

type Aggregator struct {
	sess    Session
	id      string
	inv     *response.Inventory
	feed    feed.Feed
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  Recorder
	store   MetricsSink
	clock   func() time.Time

	cooldown *Cooldown
	dedupe   *DedupeCache
	in       chan model.Block
	persist  chan metricsRecord

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	down    bool
	downErr error

	// ingestMu serialises every mutation of station state.
	ingestMu sync.Mutex
	closed   bool
	stations map[model.StationKey]*stationState

	// list is written once by Subscribe and read lock-free by snapshots.
	list atomic.Pointer[[]*stationState]

	reportMu sync.Mutex
	reported map[model.StationKey]model.LivenessState
}

func New(sess Session, inv *response.Inventory, f feed.Feed, opts Options) (*Aggregator, error) {
	if err := sess.validate(); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("session: no feed: %w", model.ErrConfiguration)
	}
	if sess.ChannelBuffer <= 0 {
		sess.ChannelBuffer = DefaultSession().ChannelBuffer
	}
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("session", id)
	}
	return &Aggregator{
		sess:     sess,
		id:       id,
		inv:      inv,
		feed:     f,
		logger:   logger,
		metrics:  opts.Metrics,
		events:   opts.Events,
		store:    opts.Store,
		clock:    clock,
		cooldown: NewCooldown(),
		dedupe:   NewDedupeCache(),
		in:       make(chan model.Block, sess.ChannelBuffer),
		persist:  make(chan metricsRecord, persistQueue),
		stations: make(map[model.StationKey]*stationState),
		reported: make(map[model.StationKey]model.LivenessState),
	}, nil
}

func (a *Aggregator) ID() string {
	return a.id
}

func (a *Aggregator) Session() Session {
	return a.sess
}

// Subscribe claims set and starts one feed subscription per stream plus the
// ingestion worker. Every station must have response metadata unless the
// session allows missing responses, in which case such stations run degraded.
// A nil or empty set yields an inert session whose snapshots are empty.
func (a *Aggregator) Subscribe(ctx context.Context, set *selection.Set) error {
	var streams []model.StreamKey
	var stations []model.StationKey
	if set != nil {
		streams = set.Streams()
		stations = set.Stations()
	}
	var missing []string
	for _, st := range stations {
		if !a.inv.Has(st) {
			missing = append(missing, st.String())
		}
	}
	if len(missing) > 0 && !a.sess.AllowMissingResponse {
		return fmt.Errorf("subscribe: no response metadata for %s: %w", strings.Join(missing, ", "), model.ErrConfiguration)
	}

	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.down {
		return fmt.Errorf("subscribe: %w", ErrClosed)
	}
	if a.started {
		return fmt.Errorf("subscribe: %w", ErrAlreadySubscribed)
	}
	if set != nil {
		if err := set.Claim(); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	a.started = true

	a.ingestMu.Lock()
	list := make([]*stationState, 0, len(stations))
	for _, key := range streams {
		st, ok := a.stations[key.StationKey()]
		if !ok {
			st = newStationState(key.StationKey(), a.sess)
			a.stations[st.key] = st
			list = append(list, st)
		}
		st.addStream(key, a.sess.MaxGap, a.sess.Window)
	}
	for _, st := range list {
		if !a.inv.Has(st.key) {
			a.markDegraded(st, fmt.Errorf("%s: %w", st.key, model.ErrResponseMissing))
		}
		st.publish()
	}
	a.ingestMu.Unlock()
	a.list.Store(&list)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	a.cancel = cancel
	a.group = g
	g.Go(func() error {
		a.ingest(gctx)
		return nil
	})
	if a.sess.PersistMetrics && a.store != nil {
		g.Go(func() error {
			a.persistMetrics(gctx)
			return nil
		})
	}
	for _, key := range streams {
		key := key
		h := &streamHandler{a: a, ctx: gctx, key: key}
		g.Go(func() error {
			feed.Run(gctx, a.feed, key, h, a.sess.Retry, a.logger)
			return nil
		})
	}
	if a.logger != nil {
		a.logger.Info("session subscribed",
			"feed", a.feed.Name(),
			"stations", len(list),
			"streams", len(streams),
			"window", a.sess.Window,
		)
	}
	return nil
}

// Run subscribes, blocks until ctx is done and tears the session down.
func (a *Aggregator) Run(ctx context.Context, set *selection.Set) error {
	if err := a.Subscribe(ctx, set); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Teardown()
}

func (a *Aggregator) ingest(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-a.in:
			a.metrics.SetQueueLength(len(a.in))
			_ = a.OnSample(b.Key, b)
		}
	}
}

// OnSample folds one block into the buffer of its stream, refreshes liveness
// and recomputes the station metrics. Failures are confined to the block's
// station: the block is dropped and every other station is unaffected.
func (a *Aggregator) OnSample(key model.StreamKey, b model.Block) error {
	began := time.Now()
	a.ingestMu.Lock()
	defer a.ingestMu.Unlock()
	if a.closed {
		return fmt.Errorf("ingest %s: %w", key, ErrClosed)
	}
	st := a.stations[key.StationKey()]
	idx := -1
	if st != nil {
		idx = st.index(key)
	}
	if idx < 0 {
		a.metrics.BlockDropped(metrics.DropUnsubscribed)
		return fmt.Errorf("ingest %s: %w", key, ErrUnknownStream)
	}
	b.Key = key
	now := a.clock()
	if a.sess.DedupeWindow > 0 && a.dedupe.Seen(blockKey(b), now, a.sess.DedupeWindow) {
		return nil
	}

	buf := st.buffers[idx]
	err := checkWindow(b, now, a.sess.Window)
	if err == nil {
		err = buf.Append(b)
	}
	if err != nil {
		reason := metrics.DropParse
		switch {
		case errors.Is(err, model.ErrRateMismatch):
			reason = metrics.DropRateMismatch
		case errors.Is(err, errOutOfWindow):
			reason = metrics.DropOutOfWindow
		}
		a.metrics.BlockDropped(reason)
		if a.cooldown.Allow(reason+"|"+key.String(), now, logCooldown) {
			if a.logger != nil {
				a.logger.Warn("block dropped", "stream", key.String(), "reason", reason, "err", err)
			}
			a.record(model.EventBlockDropped, st.key.String(), err.Error())
		}
		return err
	}
	buf.Merge()
	buf.Trim(now, a.sess.Window)
	st.refreshChannel(idx, a.sess.Window)
	st.tracker.Touch(now)
	st.packets++
	st.lastPacket = now
	a.metrics.BlockIngested(st.key)

	if idx == 0 {
		a.updateMetrics(st, b, now)
	}
	st.publish()
	a.metrics.ObserveIngest(time.Since(began))
	return nil
}

var errOutOfWindow = errors.New("outside the session window")

// checkWindow rejects blocks that cannot land in the trimmed buffer, such as
// packets with a corrupt or mis-scaled timestamp.
func checkWindow(b model.Block, now time.Time, window time.Duration) error {
	if b.Start.After(now.Add(clockSkew)) || b.End().Before(now.Add(-window)) {
		return fmt.Errorf("block %s at %s: %w: %w", b.Key, b.Start.Format(time.RFC3339Nano), errOutOfWindow, model.ErrParse)
	}
	return nil
}

func (a *Aggregator) updateMetrics(st *stationState, b model.Block, now time.Time) {
	buf := st.buffers[0]
	_, counts := buf.Tail(st.computer.SubWindow())
	resp, lookupErr := a.inv.Lookup(buf.Key(), b.End())
	var corr dsp.Corrector
	if lookupErr == nil {
		corr = resp
	}
	snap, err := st.computer.Update(counts, buf.SampleRate(), corr, now)
	if lookupErr != nil {
		err = lookupErr
	}
	if err != nil {
		if errors.Is(err, model.ErrResponseMissing) {
			a.markDegraded(st, err)
			return
		}
		if a.cooldown.Allow("metrics|"+st.key.String(), now, logCooldown) && a.logger != nil {
			a.logger.Warn("metric update failed", "station", st.key.String(), "err", err)
		}
		return
	}
	if st.degraded {
		st.degraded = false
		st.why = ""
		if a.logger != nil {
			a.logger.Info("station response available", "station", st.key.String())
		}
	}
	a.metrics.ObservePeaks(st.key, snap)
	if a.sess.PersistMetrics && a.store != nil {
		select {
		case a.persist <- metricsRecord{station: st.key, snap: snap, at: now}:
		default:
			if a.cooldown.Allow("persist-full|"+st.key.String(), now, logCooldown) && a.logger != nil {
				a.logger.Warn("metrics persist queue full, update not stored", "station", st.key.String())
			}
		}
	}
}

type metricsRecord struct {
	station model.StationKey
	snap    model.MetricSnapshot
	at      time.Time
}

// persistMetrics writes queued metric updates off the ingestion path.
func (a *Aggregator) persistMetrics(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-a.persist:
			wctx, cancel := context.WithTimeout(ctx, persistTimeout)
			err := a.store.SaveMetrics(wctx, a.id, rec.station, rec.snap)
			cancel()
			if err != nil && a.cooldown.Allow("persist|"+rec.station.String(), rec.at, logCooldown) && a.logger != nil {
				a.logger.Warn("persist metrics failed", "station", rec.station.String(), "err", err)
			}
		}
	}
}

// markDegraded freezes the station metrics at their last value. The event and
// log line fire once per degradation.
func (a *Aggregator) markDegraded(st *stationState, err error) {
	a.metrics.ResponseMissing(st.key)
	if st.degraded {
		return
	}
	st.degraded = true
	st.why = err.Error()
	if a.logger != nil {
		a.logger.Warn("response metadata missing, metrics frozen", "station", st.key.String(), "err", err)
	}
	a.record(model.EventResponseMissing, st.key.String(), err.Error())
}

func (a *Aggregator) handleFeedError(key model.StreamKey, err error) {
	now := a.clock()
	if errors.Is(err, model.ErrParse) {
		a.metrics.BlockDropped(metrics.DropParse)
		if a.cooldown.Allow("parse|"+key.String(), now, logCooldown) && a.logger != nil {
			a.logger.Warn("malformed packet dropped", "stream", key.String(), "err", err)
		}
		return
	}
	a.metrics.TransportError(key)
	if !a.cooldown.Allow("transport|"+key.String(), now, logCooldown) {
		return
	}
	if a.logger != nil {
		a.logger.Warn("transport error", "stream", key.String(), "err", err)
	}
	a.record(model.EventTransportError, key.StationKey().String(), err.Error())
}

func (a *Aggregator) record(kind model.EventKind, station, message string) {
	if a.events != nil {
		a.events.Record(kind, station, message)
	}
}

// Snapshot returns the current view of every station, evaluated against the
// session clock.
func (a *Aggregator) Snapshot() model.Snapshot {
	return a.SnapshotAt(a.clock())
}

// SnapshotAt never waits on ingestion. Liveness is evaluated on a copy of the
// published tracker, so the render path does not mutate station state.
func (a *Aggregator) SnapshotAt(now time.Time) model.Snapshot {
	out := model.Snapshot{SessionID: a.id, Taken: now, Stations: []model.StationView{}}
	list := a.list.Load()
	if list == nil {
		return out
	}
	out.Stations = make([]model.StationView, 0, len(*list))
	for _, st := range *list {
		out.Stations = append(out.Stations, a.viewAt(st, now))
	}
	return out
}

// Station returns the view of one station.
func (a *Aggregator) Station(key model.StationKey) (model.StationView, bool) {
	list := a.list.Load()
	if list == nil {
		return model.StationView{}, false
	}
	for _, st := range *list {
		if st.key == key {
			return a.viewAt(st, a.clock()), true
		}
	}
	return model.StationView{}, false
}

func (a *Aggregator) viewAt(st *stationState, now time.Time) model.StationView {
	p := st.view.Load()
	tr := p.tracker
	state, _ := tr.Evaluate(now)
	v := p.view
	v.Liveness = tr.Liveness()
	a.report(st.key, state)
	return v
}

// report turns liveness transitions seen by snapshots into events.
func (a *Aggregator) report(station model.StationKey, state model.LivenessState) {
	a.reportMu.Lock()
	prev, seen := a.reported[station]
	if seen && prev == state {
		a.reportMu.Unlock()
		return
	}
	a.reported[station] = state
	a.reportMu.Unlock()

	a.metrics.SetLiveness(station, state)
	switch {
	case state == model.LivenessStale:
		if a.logger != nil {
			a.logger.Warn("station stale", "station", station.String(), "timeout", a.sess.LivenessTimeout)
		}
		a.record(model.EventStationStale, station.String(), fmt.Sprintf("no data for more than %s", a.sess.LivenessTimeout))
	case state == model.LivenessConnected && prev == model.LivenessStale:
		if a.logger != nil {
			a.logger.Info("station recovered", "station", station.String())
		}
		a.record(model.EventStationRecovered, station.String(), "data flowing again")
	}
}

// Teardown stops every subscription, waits for the workers and releases the
// buffers. The last published views stay readable. It is safe to call more
// than once.
func (a *Aggregator) Teardown() error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.down {
		return a.downErr
	}
	a.down = true
	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		a.downErr = a.group.Wait()
	}

	a.ingestMu.Lock()
	a.closed = true
	for _, st := range a.stations {
		for _, b := range st.buffers {
			b.Release()
		}
		a.metrics.Forget(st.key)
	}
	a.ingestMu.Unlock()
	a.metrics.SetQueueLength(0)
	if a.logger != nil {
		a.logger.Info("session torn down", "stations", len(a.stations))
	}
	return a.downErr
}

type streamHandler struct {
	a   *Aggregator
	ctx context.Context
	key model.StreamKey
}

func (h *streamHandler) HandleBlock(b model.Block) {
	if b.Key == (model.StreamKey{}) {
		b.Key = h.key
	}
	if feed.SendNonBlocking(h.ctx, h.a.in, b, nil) || h.ctx.Err() != nil {
		return
	}
	h.a.metrics.BlockDropped(metrics.DropQueueFull)
	if h.a.cooldown.Allow("queue|"+h.key.String(), h.a.clock(), logCooldown) && h.a.logger != nil {
		h.a.logger.Warn("ingest queue full, dropping block", "stream", h.key.String(), "start", b.Start)
	}
}

func (h *streamHandler) HandleError(key model.StreamKey, err error) {
	h.a.handleFeedError(key, err)
}

// stationState is owned by the ingestion path; nothing outside ingestMu
// touches it except through the published view.
type stationState struct {
	key        model.StationKey
	streams    []model.StreamKey
	buffers    []*buffer.StreamBuffer
	channels   []model.ChannelView
	tracker    liveness.Tracker
	computer   *dsp.Computer
	degraded   bool
	why        string
	packets    uint64
	lastPacket time.Time

	view atomic.Pointer[published]
}

type published struct {
	view    model.StationView
	tracker liveness.Tracker
}

func newStationState(key model.StationKey, sess Session) *stationState {
	return &stationState{
		key:     key,
		tracker: liveness.NewTracker(sess.LivenessTimeout),
		computer: dsp.NewComputer(dsp.Options{
			SubWindow: sess.SubWindow,
			Detrend:   sess.Detrend,
			Scale:     sess.Scale,
		}),
	}
}

// addStream registers key; the first stream of a station drives its metrics.
func (s *stationState) addStream(key model.StreamKey, maxGap, window time.Duration) {
	if s.index(key) >= 0 {
		return
	}
	buf := buffer.New(key, maxGap)
	buf.SetMaxSpan(window)
	s.streams = append(s.streams, key)
	s.buffers = append(s.buffers, buf)
	s.channels = append(s.channels, model.ChannelView{Stream: key, Tail: []float64{}})
}

func (s *stationState) index(key model.StreamKey) int {
	for i, k := range s.streams {
		if k == key {
			return i
		}
	}
	return -1
}

func (s *stationState) refreshChannel(i int, window time.Duration) {
	buf := s.buffers[i]
	start, tail := buf.Tail(window)
	if tail == nil {
		tail = []float64{}
	}
	s.channels[i] = model.ChannelView{
		Stream:     buf.Key(),
		SampleRate: buf.SampleRate(),
		TailStart:  start,
		Tail:       tail,
	}
}

// publish swaps in a fresh view. Channel tails are shared with the previous
// view because they are never written after refreshChannel creates them.
func (s *stationState) publish() {
	var primary model.StreamKey
	if len(s.streams) > 0 {
		primary = s.streams[0]
	}
	s.view.Store(&published{
		view: model.StationView{
			Station:      s.key,
			Primary:      primary,
			Channels:     append([]model.ChannelView(nil), s.channels...),
			Liveness:     s.tracker.Liveness(),
			Metrics:      s.computer.Last(),
			Degraded:     s.degraded,
			DegradedWhy:  s.why,
			Packets:      s.packets,
			LastPacketAt: s.lastPacket,
		},
		tracker: s.tracker,
	})
}
