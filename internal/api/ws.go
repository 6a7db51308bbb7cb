package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"seismon/internal/config"
	"seismon/internal/model"
)

const (
	defaultPushInterval = 500 * time.Millisecond
	wsWriteWait         = 10 * time.Second
	wsPongWait          = 60 * time.Second
)

// handleWS pushes a snapshot to the client on every refresh tick. With
// ?station=NET.STA only that station's view is sent.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no session running"})
		return
	}
	var filter *model.StationKey
	if v := r.URL.Query().Get("station"); v != "" {
		key, err := config.ParseStation(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		filter = &key
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pushInterval())
	defer ticker.Stop()
	pings := time.NewTicker(wsPongWait / 2)
	defer pings.Stop()
	if err := s.push(conn, filter); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			return
		case <-pings.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.push(conn, filter); err != nil {
				return
			}
		}
	}
}

func (s *Server) push(conn *websocket.Conn, filter *model.StationKey) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if filter == nil {
		return conn.WriteJSON(s.session.Snapshot())
	}
	view, ok := s.session.Station(*filter)
	if !ok {
		return conn.WriteJSON(map[string]any{"error": "unknown station", "station": filter.String()})
	}
	return conn.WriteJSON(view)
}

func (s *Server) pushInterval() time.Duration {
	if s.cfg == nil {
		return defaultPushInterval
	}
	if d := s.cfg.Get().Session.RefreshInterval; d > 0 {
		return d
	}
	return defaultPushInterval
}
