package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"seismon/internal/config"
	"seismon/internal/events"
	"seismon/internal/feed"
	"seismon/internal/metrics"
	"seismon/internal/model"
)

// SessionView is the read side of a running aggregation session.
type SessionView interface {
	Snapshot() model.Snapshot
	Station(key model.StationKey) (model.StationView, bool)
}

type CatalogView interface {
	Records() []model.ChannelRecord
	Selectable() []model.ChannelRecord
	RefreshedAt() time.Time
	LastError() error
	Refresh(ctx context.Context) ([]model.ChannelRecord, error)
}

type Deps struct {
	Config  *config.Manager
	Session SessionView
	Catalog CatalogView
	Events  *events.Store
	Metrics *metrics.Metrics
	// Ingest receives packets pushed to /ingest; nil disables the endpoint.
	Ingest  feed.Publisher
	Version string
}

type Server struct {
	cfg      *config.Manager
	session  SessionView
	catalog  CatalogView
	events   *events.Store
	metrics  *metrics.Metrics
	ingest   feed.Publisher
	logger   *slog.Logger
	version  string
	upgrader websocket.Upgrader

	// done is closed on shutdown to end websocket sessions, which the
	// http server no longer tracks once upgraded.
	done      chan struct{}
	closeOnce sync.Once
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Reloads    int64         `json:"config_reloads"`
	Session    sessionStatus `json:"session"`
	Catalog    catalogStatus `json:"catalog"`
	Feed       string        `json:"feed"`
	API        apiStatus     `json:"api"`
}

type sessionStatus struct {
	Running  bool   `json:"running"`
	ID       string `json:"id,omitempty"`
	Stations int    `json:"stations"`
	Window   string `json:"window"`
}

type catalogStatus struct {
	Channels    int    `json:"channels"`
	RefreshedAt string `json:"refreshed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	return &Server{
		cfg:     deps.Config,
		session: deps.Session,
		catalog: deps.Catalog,
		events:  deps.Events,
		metrics: deps.Metrics,
		ingest:  deps.Ingest,
		logger:  logger,
		version: deps.Version,
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/snapshot/", s.handleSnapshot)
	mux.HandleFunc("/catalog", s.handleCatalog)
	mux.HandleFunc("/catalog/refresh", s.handleCatalogRefresh)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/ws", s.handleWS)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Close ends the open websocket sessions. Plain requests are drained by the
// http server's own shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func newHTTPServer(addr string, server *Server) *http.Server {
	httpServer := &http.Server{Addr: addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	httpServer.RegisterOnShutdown(server.Close)
	return httpServer
}

// Start serves the API until ctx is done. It returns nil when the API is
// disabled.
func Start(ctx context.Context, deps Deps, logger *slog.Logger) *http.Server {
	if deps.Config == nil {
		return nil
	}
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := newHTTPServer(current.Addr, NewServer(deps, logger))
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.version,
	}
	if s.cfg != nil {
		cfg := s.cfg.Get()
		resp.ConfigPath = s.cfg.Path()
		resp.Reloads = s.cfg.Reloads()
		resp.Feed = cfg.Feed.Driver
		resp.API = apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr}
		resp.Session.Window = cfg.Session.Window.String()
	}
	if s.session != nil {
		snap := s.session.Snapshot()
		resp.Session.Running = true
		resp.Session.ID = snap.SessionID
		resp.Session.Stations = len(snap.Stations)
	}
	if s.catalog != nil {
		resp.Catalog.Channels = len(s.catalog.Records())
		if ts := s.catalog.RefreshedAt(); !ts.IsZero() {
			resp.Catalog.RefreshedAt = ts.Format(time.RFC3339Nano)
		}
		if err := s.catalog.LastError(); err != nil {
			resp.Catalog.LastError = err.Error()
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.session == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no session running"})
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/snapshot")
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		writeJSON(w, http.StatusOK, s.session.Snapshot())
		return
	}
	key, err := config.ParseStation(path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	view, ok := s.session.Station(key)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no catalog"})
		return
	}
	list := s.catalog.Records()
	if v := r.URL.Query().Get("selectable"); v == "1" || v == "true" {
		list = s.catalog.Selectable()
	}
	resp := map[string]any{
		"channels": list,
		"count":    len(list),
	}
	if ts := s.catalog.RefreshedAt(); !ts.IsZero() {
		resp["refreshed_at"] = ts.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCatalogRefresh re-queries the server. On failure the previous listing
// is still reported alongside the error.
func (s *Server) handleCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no catalog"})
		return
	}
	list, err := s.catalog.Refresh(r.Context())
	if err != nil {
		list = s.catalog.Records()
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    err.Error(),
			"channels": list,
			"count":    len(list),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": list,
		"count":    len(list),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []model.Event{}, "count": 0})
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Event
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.events.Since(ts)
	case q.Get("kind") != "":
		list = s.events.ByKind(model.EventKind(q.Get("kind")))
	default:
		list = s.events.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "events"
	}
	if target != "events" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.events != nil {
		s.events.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
