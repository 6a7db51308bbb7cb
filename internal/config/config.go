package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"seismon/internal/model"
)

type Config struct {
	LogLevel  string            `json:"log_level" yaml:"log_level"`
	LogFormat string            `json:"log_format" yaml:"log_format"`
	Server    ServerConfig      `json:"server" yaml:"server"`
	Session   SessionConfig     `json:"session" yaml:"session"`
	Feed      FeedConfig        `json:"feed" yaml:"feed"`
	Catalog   CatalogConfig     `json:"catalog" yaml:"catalog"`
	Responses map[string]string `json:"responses" yaml:"responses"`
	API       APIConfig         `json:"api" yaml:"api"`
	Storage   StorageConfig     `json:"storage" yaml:"storage"`
	Events    EventsConfig      `json:"events" yaml:"events"`
}

// ServerConfig names the SeedLink server queried for the channel catalog.
type ServerConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Slinktool    string        `json:"slinktool" yaml:"slinktool"`
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

type SessionConfig struct {
	Window               time.Duration `json:"window" yaml:"window"`
	SubWindow            time.Duration `json:"sub_window" yaml:"sub_window"`
	MaxGap               time.Duration `json:"max_gap" yaml:"max_gap"`
	LivenessTimeout      time.Duration `json:"liveness_timeout" yaml:"liveness_timeout"`
	RefreshInterval      time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
	Detrend              string        `json:"detrend" yaml:"detrend"`
	Scale                float64       `json:"scale" yaml:"scale"`
	AllowMissingResponse bool          `json:"allow_missing_response" yaml:"allow_missing_response"`
	ChannelBuffer        int           `json:"channel_buffer" yaml:"channel_buffer"`
	PersistMetrics       bool          `json:"persist_metrics" yaml:"persist_metrics"`
}

type FeedConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	TCP    TCPConfig   `json:"tcp" yaml:"tcp"`
	Kafka  KafkaConfig `json:"kafka" yaml:"kafka"`
	NATS   NATSConfig  `json:"nats" yaml:"nats"`
	File   FileConfig  `json:"file" yaml:"file"`
	Retry  RetryConfig `json:"retry" yaml:"retry"`
}

// FileConfig tails a packet file written by another process.
type FileConfig struct {
	Path       string        `json:"path" yaml:"path"`
	StartAtEnd bool          `json:"start_at_end" yaml:"start_at_end"`
	Poll       time.Duration `json:"poll" yaml:"poll"`
}

type TCPConfig struct {
	Addr        string        `json:"addr" yaml:"addr"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type NATSConfig struct {
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	ClientName    string `json:"client_name" yaml:"client_name"`
}

type RetryConfig struct {
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	Jitter       bool          `json:"jitter" yaml:"jitter"`
}

type CatalogConfig struct {
	Grace         time.Duration `json:"grace" yaml:"grace"`
	VerticalCodes []string      `json:"vertical_codes" yaml:"vertical_codes"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type EventsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Server: ServerConfig{
			Host:         "localhost:18000",
			Slinktool:    "slinktool",
			QueryTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			Window:          150 * time.Second,
			SubWindow:       10 * time.Second,
			MaxGap:          2 * time.Second,
			LivenessTimeout: 30 * time.Second,
			RefreshInterval: 500 * time.Millisecond,
			Detrend:         "demean",
			Scale:           1e6,
			ChannelBuffer:   4096,
		},
		Feed: FeedConfig{
			Driver: "tcp",
			TCP:    TCPConfig{Addr: "localhost:18010", DialTimeout: 5 * time.Second},
			Kafka:  KafkaConfig{Topic: "seismon.waveforms", GroupID: "seismon"},
			NATS:   NATSConfig{URL: "nats://localhost:4222", SubjectPrefix: "seismon.waveform", ClientName: "seismon"},
			Retry:  RetryConfig{InitialDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: true},
		},
		Catalog: CatalogConfig{
			Grace:         time.Minute,
			VerticalCodes: []string{"EHZ", "HNZ"},
		},
		Responses: map[string]string{},
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		Storage:   StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:seismon.db?_pragma=busy_timeout(5000)"},
		Events:    EventsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.Server.Slinktool == "" {
		cfg.Server.Slinktool = def.Server.Slinktool
	}
	if cfg.Session.SubWindow <= 0 {
		cfg.Session.SubWindow = def.Session.SubWindow
	}
	if cfg.Session.RefreshInterval <= 0 {
		cfg.Session.RefreshInterval = def.Session.RefreshInterval
	}
	if cfg.Session.Detrend == "" {
		cfg.Session.Detrend = def.Session.Detrend
	}
	if cfg.Session.Scale == 0 {
		cfg.Session.Scale = def.Session.Scale
	}
	if cfg.Session.ChannelBuffer <= 0 {
		cfg.Session.ChannelBuffer = def.Session.ChannelBuffer
	}
	if cfg.Feed.Driver == "" {
		cfg.Feed.Driver = def.Feed.Driver
	}
	if cfg.Feed.Retry.InitialDelay <= 0 {
		cfg.Feed.Retry.InitialDelay = def.Feed.Retry.InitialDelay
	}
	if cfg.Feed.Retry.MaxDelay <= 0 {
		cfg.Feed.Retry.MaxDelay = def.Feed.Retry.MaxDelay
	}
	if cfg.Feed.Retry.Multiplier <= 0 {
		cfg.Feed.Retry.Multiplier = def.Feed.Retry.Multiplier
	}
	if cfg.Catalog.Grace <= 0 {
		cfg.Catalog.Grace = def.Catalog.Grace
	}
	if len(cfg.Catalog.VerticalCodes) == 0 {
		cfg.Catalog.VerticalCodes = def.Catalog.VerticalCodes
	}
	if cfg.Responses == nil {
		cfg.Responses = map[string]string{}
	}
	if cfg.Events.StoreLimit <= 0 {
		cfg.Events.StoreLimit = def.Events.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Session.Window <= 0 {
		return errors.New("session.window must be > 0")
	}
	if cfg.Session.SubWindow > cfg.Session.Window {
		return fmt.Errorf("session.sub_window %s exceeds session.window %s", cfg.Session.SubWindow, cfg.Session.Window)
	}
	if cfg.Session.MaxGap < 0 {
		return errors.New("session.max_gap must be >= 0")
	}
	if cfg.Session.LivenessTimeout <= 0 {
		return errors.New("session.liveness_timeout must be > 0")
	}
	switch strings.ToLower(cfg.Session.Detrend) {
	case "none", "demean", "linear":
	default:
		return fmt.Errorf("session.detrend %q: want none, demean or linear", cfg.Session.Detrend)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log_format %q: want json or text", cfg.LogFormat)
	}
	switch strings.ToLower(cfg.Feed.Driver) {
	case "tcp":
		if cfg.Feed.TCP.Addr == "" {
			return errors.New("feed.tcp.addr required when feed.driver is tcp")
		}
	case "kafka":
		if len(cfg.Feed.Kafka.Brokers) == 0 || cfg.Feed.Kafka.Topic == "" || cfg.Feed.Kafka.GroupID == "" {
			return errors.New("feed.kafka requires brokers, topic, group_id")
		}
	case "nats":
		if cfg.Feed.NATS.URL == "" || cfg.Feed.NATS.SubjectPrefix == "" {
			return errors.New("feed.nats requires url and subject_prefix")
		}
	case "file":
		if cfg.Feed.File.Path == "" {
			return errors.New("feed.file.path required when feed.driver is file")
		}
	case "mem":
	default:
		return fmt.Errorf("feed.driver %q: want tcp, kafka, nats, file or mem", cfg.Feed.Driver)
	}
	if cfg.Feed.Retry.MaxDelay < cfg.Feed.Retry.InitialDelay {
		return errors.New("feed.retry.max_delay must be >= initial_delay")
	}
	for station := range cfg.Responses {
		if _, err := ParseStation(station); err != nil {
			return fmt.Errorf("responses: %w", err)
		}
	}
	if cfg.Storage.Enabled && cfg.Storage.DSN == "" {
		return errors.New("storage.dsn required when storage.enabled is true")
	}
	return nil
}

// ResponsePaths converts the responses section into station keys. Relative
// paths are resolved against the working directory.
func (c *Config) ResponsePaths() map[model.StationKey]string {
	out := make(map[model.StationKey]string, len(c.Responses))
	for station, path := range c.Responses {
		key, err := ParseStation(station)
		if err != nil {
			continue
		}
		out[key] = ResolvePath(path)
	}
	return out
}

// ParseStation reads a NET.STA station identifier.
func ParseStation(s string) (model.StationKey, error) {
	net, sta, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || net == "" || sta == "" || strings.Contains(sta, ".") {
		return model.StationKey{}, fmt.Errorf("station %q: want NET.STA: %w", s, model.ErrConfiguration)
	}
	return model.StationKey{Network: net, Station: sta}, nil
}

// Manager holds the loaded configuration and reloads it when the file on
// disk changes. A running session keeps the settings it started with, so
// RestartRequired tells the caller which edits are not applied live.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	reloads atomic.Int64

	mu    sync.Mutex
	stamp fileStamp
}

// fileStamp identifies one version of the config file.
type fileStamp struct {
	mod  time.Time
	size int64
}

func statStamp(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{mod: info.ModTime(), size: info.Size()}, nil
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.current.Store(cfg)
	if st, err := statStamp(path); err == nil {
		m.stamp = st
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if cfg := m.current.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

// Reloads counts the successful reloads since the manager was created.
func (m *Manager) Reloads() int64 {
	return m.reloads.Load()
}

// Reload re-reads the file. A file that no longer loads or validates leaves
// the current configuration in place and is not retried until it changes
// again.
func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, statErr := statStamp(m.path)
	if statErr == nil {
		m.stamp = st
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	m.reloads.Add(1)
	return cfg, nil
}

func (m *Manager) changed() (bool, error) {
	st, err := statStamp(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !st.mod.Equal(m.stamp.mod) || st.size != m.stamp.size, nil
}

// Watch polls the file until ctx ends and calls onReload with the previous
// and the new configuration after each successful reload.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, onReload func(prev, next *Config), onError func(error)) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		changed, err := m.changed()
		if err != nil {
			report(err)
			continue
		}
		if !changed {
			continue
		}
		prev := m.Get()
		next, err := m.Reload()
		if err != nil {
			report(err)
			continue
		}
		if onReload != nil {
			onReload(prev, next)
		}
	}
}

// RestartRequired lists the sections that differ between prev and next and
// are only read when the monitor starts. The log level is applied live.
func RestartRequired(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	sections := []struct {
		name string
		a, b any
	}{
		{"log_format", prev.LogFormat, next.LogFormat},
		{"server", prev.Server, next.Server},
		{"session", prev.Session, next.Session},
		{"feed", prev.Feed, next.Feed},
		{"catalog", prev.Catalog, next.Catalog},
		{"responses", prev.Responses, next.Responses},
		{"api", prev.API, next.API},
		{"storage", prev.Storage, next.Storage},
		{"events", prev.Events, next.Events},
	}
	var out []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.a, s.b) {
			out = append(out, s.name)
		}
	}
	return out
}

// ResolvePath makes a config or response file path absolute. A leading ~/
// refers to the user's home directory.
func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
