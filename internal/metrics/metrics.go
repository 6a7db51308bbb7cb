// Package metrics exposes session instrumentation as Prometheus collectors on
// a private registry. Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seismon/internal/model"
)

const (
	DropParse        = "parse"
	DropRateMismatch = "rate_mismatch"
	DropQueueFull    = "queue_full"
	DropUnsubscribed = "unsubscribed"
	DropOutOfWindow  = "out_of_window"
)

type Metrics struct {
	reg *prometheus.Registry

	blocksIngested  *prometheus.CounterVec
	blocksDropped   *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	responseMissing *prometheus.CounterVec
	peaks           *prometheus.GaugeVec
	liveness        *prometheus.GaugeVec
	catalog         *prometheus.CounterVec
	queueLength     prometheus.Gauge
	ingestLatency   prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		blocksIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seismon_blocks_ingested_total",
			Help: "Sample blocks merged into a station buffer.",
		}, []string{"station"}),
		blocksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seismon_blocks_dropped_total",
			Help: "Sample blocks discarded before merge, by reason.",
		}, []string{"reason"}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seismon_transport_errors_total",
			Help: "Subscription failures that triggered a reconnect.",
		}, []string{"stream"}),
		responseMissing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seismon_response_missing_total",
			Help: "Metric updates skipped for lack of response metadata.",
		}, []string{"station"}),
		peaks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "seismon_peak",
			Help: "Latest ground-motion peak in micro-units over the metric sub-window.",
		}, []string{"station", "quantity"}),
		liveness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "seismon_station_liveness",
			Help: "1 for the current liveness state of a station, 0 otherwise.",
		}, []string{"station", "state"}),
		catalog: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seismon_catalog_refreshes_total",
			Help: "Catalog refresh attempts by result.",
		}, []string{"result"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seismon_ingest_queue_length",
			Help: "Blocks waiting for the ingestion worker.",
		}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seismon_ingest_seconds",
			Help:    "Time spent processing one block from append to metric update.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.blocksIngested, m.blocksDropped, m.transportErrors, m.responseMissing,
		m.peaks, m.liveness, m.catalog, m.queueLength, m.ingestLatency,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) BlockIngested(station model.StationKey) {
	if m == nil {
		return
	}
	m.blocksIngested.WithLabelValues(station.String()).Inc()
}

func (m *Metrics) BlockDropped(reason string) {
	if m == nil {
		return
	}
	m.blocksDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) TransportError(stream model.StreamKey) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(stream.String()).Inc()
}

func (m *Metrics) ResponseMissing(station model.StationKey) {
	if m == nil {
		return
	}
	m.responseMissing.WithLabelValues(station.String()).Inc()
}

func (m *Metrics) ObservePeaks(station model.StationKey, snap model.MetricSnapshot) {
	if m == nil {
		return
	}
	s := station.String()
	m.peaks.WithLabelValues(s, "velocity").Set(snap.VelocityPeak)
	m.peaks.WithLabelValues(s, "displacement").Set(snap.DisplacementPeak)
	m.peaks.WithLabelValues(s, "acceleration").Set(snap.AccelerationPeak)
}

func (m *Metrics) SetLiveness(station model.StationKey, state model.LivenessState) {
	if m == nil {
		return
	}
	s := station.String()
	for _, st := range []model.LivenessState{model.LivenessUnknown, model.LivenessConnected, model.LivenessStale} {
		v := 0.0
		if st == state {
			v = 1
		}
		m.liveness.WithLabelValues(s, string(st)).Set(v)
	}
}

func (m *Metrics) CatalogRefresh(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.catalog.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) ObserveIngest(d time.Duration) {
	if m == nil {
		return
	}
	m.ingestLatency.Observe(d.Seconds())
}

// Forget removes the per-station series of a torn-down session.
func (m *Metrics) Forget(station model.StationKey) {
	if m == nil {
		return
	}
	s := station.String()
	m.blocksIngested.DeleteLabelValues(s)
	m.responseMissing.DeleteLabelValues(s)
	m.peaks.DeletePartialMatch(prometheus.Labels{"station": s})
	m.liveness.DeletePartialMatch(prometheus.Labels{"station": s})
}
