package model

import (
	"fmt"
	"strings"
	"time"
)

type StationKey struct {
	Network string `json:"network" yaml:"network"`
	Station string `json:"station" yaml:"station"`
}

func (k StationKey) String() string {
	return k.Network + "." + k.Station
}

type StreamKey struct {
	Network  string `json:"network" yaml:"network"`
	Station  string `json:"station" yaml:"station"`
	Location string `json:"location" yaml:"location"`
	Channel  string `json:"channel" yaml:"channel"`
}

func (k StreamKey) StationKey() StationKey {
	return StationKey{Network: k.Network, Station: k.Station}
}

func (k StreamKey) String() string {
	return k.Network + "." + k.Station + "." + k.Location + "." + k.Channel
}

// ParseStreamKey accepts NET.STA.LOC.CHA. The location may be empty ("UX.UIS09..EHZ")
// or written as "--".
func ParseStreamKey(s string) (StreamKey, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 4 {
		return StreamKey{}, fmt.Errorf("stream key %q: want NET.STA.LOC.CHA: %w", s, ErrParse)
	}
	if parts[0] == "" || parts[1] == "" || parts[3] == "" {
		return StreamKey{}, fmt.Errorf("stream key %q: empty component: %w", s, ErrParse)
	}
	loc := parts[2]
	if loc == "--" {
		loc = ""
	}
	return StreamKey{Network: parts[0], Station: parts[1], Location: loc, Channel: parts[3]}, nil
}

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusUnknown  Status = "unknown"
)

type ChannelRecord struct {
	Network   string    `json:"network"`
	Station   string    `json:"station"`
	Location  string    `json:"location"`
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Status    Status    `json:"status"`
}

func (r ChannelRecord) StreamKey() StreamKey {
	return StreamKey{Network: r.Network, Station: r.Station, Location: r.Location, Channel: r.Channel}
}

// Block is one contiguous run of samples for a stream, as delivered by a feed.
type Block struct {
	Key        StreamKey `json:"key"`
	Start      time.Time `json:"start"`
	SampleRate float64   `json:"sample_rate"`
	Samples    []float64 `json:"samples"`
}

func (b Block) Interval() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / b.SampleRate)
}

// End is the timestamp of the last sample.
func (b Block) End() time.Time {
	if len(b.Samples) == 0 || b.SampleRate <= 0 {
		return b.Start
	}
	return b.Start.Add(time.Duration(float64(len(b.Samples)-1) / b.SampleRate * float64(time.Second)))
}

func (b Block) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(b.Samples)) / b.SampleRate * float64(time.Second))
}

type LivenessState string

const (
	LivenessUnknown   LivenessState = "UNKNOWN"
	LivenessConnected LivenessState = "CONNECTED"
	LivenessStale     LivenessState = "STALE"
)

type MetricSnapshot struct {
	VelocityPeak     float64   `json:"velocity_peak"`
	DisplacementPeak float64   `json:"displacement_peak"`
	AccelerationPeak float64   `json:"acceleration_peak"`
	LastUpdate       time.Time `json:"last_update,omitempty"`
}

type Liveness struct {
	State          LivenessState `json:"state"`
	LastSampleTime *time.Time    `json:"last_sample_time,omitempty"`
}

// ChannelView is the display tail of one stream, in raw counts.
type ChannelView struct {
	Stream     StreamKey `json:"stream"`
	SampleRate float64   `json:"sample_rate"`
	TailStart  time.Time `json:"tail_start,omitempty"`
	Tail       []float64 `json:"tail"`
}

// StationView is the per-station record handed to render consumers. A view is
// never mutated after it is published.
type StationView struct {
	Station      StationKey     `json:"station"`
	Primary      StreamKey      `json:"primary"`
	Channels     []ChannelView  `json:"channels"`
	Liveness     Liveness       `json:"liveness"`
	Metrics      MetricSnapshot `json:"metrics"`
	Degraded     bool           `json:"degraded"`
	DegradedWhy  string         `json:"degraded_reason,omitempty"`
	Packets      uint64         `json:"packets"`
	LastPacketAt time.Time      `json:"last_packet_at,omitempty"`
}

// Channel returns the view of stream, if the station carries it.
func (v StationView) Channel(stream StreamKey) (ChannelView, bool) {
	for _, c := range v.Channels {
		if c.Stream == stream {
			return c, true
		}
	}
	return ChannelView{}, false
}

type Snapshot struct {
	SessionID string        `json:"session_id"`
	Taken     time.Time     `json:"taken"`
	Stations  []StationView `json:"stations"`
}

type EventKind string

const (
	EventCatalogRefreshed EventKind = "catalog_refreshed"
	EventCatalogFailed    EventKind = "catalog_failed"
	EventHandoff          EventKind = "handoff"
	EventStationStale     EventKind = "station_stale"
	EventStationRecovered EventKind = "station_recovered"
	EventResponseMissing  EventKind = "response_missing"
	EventBlockDropped     EventKind = "block_dropped"
	EventTransportError   EventKind = "transport_error"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Station   string    `json:"station,omitempty"`
	Message   string    `json:"message"`
}
