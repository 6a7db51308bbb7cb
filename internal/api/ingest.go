package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"seismon/internal/feed"
	"seismon/internal/metrics"
)

// handleIngest accepts packets pushed over HTTP and publishes them on the
// in-process broker. The body is either a JSON array of packet objects or
// packet lines, one per line.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.ingest == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "ingest needs feed.driver mem"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var lines []string
	if trim[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		for _, raw := range list {
			lines = append(lines, string(raw))
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(trim))
		scanner.Buffer(make([]byte, 64*1024), 8<<20)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
	}

	accepted, failed := 0, 0
	for _, line := range lines {
		blk, ok, err := feed.ParseLine(line)
		if err != nil {
			failed++
			if s.metrics != nil {
				s.metrics.BlockDropped(metrics.DropParse)
			}
			if s.logger != nil {
				s.logger.Warn("ingest parse error", "err", err)
			}
			continue
		}
		if !ok {
			continue
		}
		if err := s.ingest.Publish(r.Context(), blk); err != nil {
			failed++
			continue
		}
		accepted++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"failed":   failed,
	})
}
