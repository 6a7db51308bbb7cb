package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"seismon/internal/model"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "seismon.yaml", `
log_level: debug
session:
  window: 60s
  liveness_timeout: 20s
feed:
  driver: nats
  nats:
    url: nats://broker:4222
    subject_prefix: waveforms
responses:
  UX.UIS09: /srv/resp/UIS09.xml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.Window != 60*time.Second || cfg.Session.SubWindow != 10*time.Second {
		t.Fatalf("session: %+v", cfg.Session)
	}
	if cfg.Feed.Retry.MaxDelay != 10*time.Second || cfg.Catalog.Grace != time.Minute {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Feed.Retry, cfg.Catalog)
	}
	paths := cfg.ResponsePaths()
	if paths[model.StationKey{Network: "UX", Station: "UIS09"}] != "/srv/resp/UIS09.xml" {
		t.Fatalf("responses: %v", paths)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "seismon.json", `{"log_level":"warn","feed":{"driver":"mem"},"api":{"enabled":false}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Feed.Driver != "mem" || cfg.API.Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"sub window":  func(c *Config) { c.Session.SubWindow = 2 * c.Session.Window },
		"detrend":     func(c *Config) { c.Session.Detrend = "bandpass" },
		"driver":      func(c *Config) { c.Feed.Driver = "seedlink2" },
		"kafka":       func(c *Config) { c.Feed.Driver = "kafka" },
		"station key": func(c *Config) { c.Responses["UIS09"] = "x.xml" },
		"timeout":     func(c *Config) { c.Session.LivenessTimeout = 0 },
		"storage":     func(c *Config) { c.Storage = StorageConfig{Enabled: true} },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"out.yaml", "out.json"} {
		path := filepath.Join(dir, name)
		cfg := DefaultConfig()
		cfg.Responses["UX.UIS01"] = "/srv/resp/UIS01.xml"
		if err := Save(path, cfg); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
		back, err := Load(path)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if back.Session.Window != cfg.Session.Window || back.Responses["UX.UIS01"] != "/srv/resp/UIS01.xml" {
			t.Fatalf("%s: round trip mismatch", name)
		}
	}
}

func TestLoadEmptyFile(t *testing.T) {
	if _, err := Load(writeFile(t, "empty.yaml", "  \n")); err == nil {
		t.Fatalf("expected error for empty file")
	}
}

func TestWatchReportsRestartSections(t *testing.T) {
	path := writeFile(t, "seismon.yaml", "log_level: info\nsession:\n  window: 60s\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	type reload struct{ prev, next *Config }
	got := make(chan reload, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx, 10*time.Millisecond, func(prev, next *Config) {
		got <- reload{prev, next}
	}, nil)

	if err := os.WriteFile(path, []byte("log_level: debug\nsession:\n  window: 120s\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case r := <-got:
		if r.prev.LogLevel != "info" || r.next.LogLevel != "debug" {
			t.Fatalf("levels: %q -> %q", r.prev.LogLevel, r.next.LogLevel)
		}
		sections := RestartRequired(r.prev, r.next)
		if len(sections) != 1 || sections[0] != "session" {
			t.Fatalf("restart sections: %v", sections)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reload observed")
	}
	if m.Reloads() != 1 || m.Get().Session.Window != 120*time.Second {
		t.Fatalf("manager state: reloads=%d window=%v", m.Reloads(), m.Get().Session.Window)
	}
}

func TestReloadKeepsConfigOnInvalidFile(t *testing.T) {
	path := writeFile(t, "seismon.yaml", "log_level: warn\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if err := os.WriteFile(path, []byte("session:\n  detrend: bandpass\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := m.Reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	if m.Get().LogLevel != "warn" || m.Reloads() != 0 {
		t.Fatalf("config replaced by invalid file: %+v", m.Get())
	}
	if changed, err := m.changed(); err != nil || changed {
		t.Fatalf("failed version should not be retried: changed=%v err=%v", changed, err)
	}
}

func TestResolvePathExpandsHome(t *testing.T) {
	t.Setenv("HOME", "/home/op")
	if got := ResolvePath("~/seismon.yaml"); got != "/home/op/seismon.yaml" {
		t.Fatalf("home: %q", got)
	}
	if got := ResolvePath("/etc/seismon.yaml"); got != "/etc/seismon.yaml" {
		t.Fatalf("absolute: %q", got)
	}
	if got := ResolvePath("seismon.yaml"); !filepath.IsAbs(got) {
		t.Fatalf("relative not resolved: %q", got)
	}
}
