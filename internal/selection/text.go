package selection

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"seismon/internal/model"
)

type document struct {
	Streams   []string        `yaml:"streams"`
	Responses []responseEntry `yaml:"responses"`
}

type responseEntry struct {
	Station string `yaml:"station"`
	Path    string `yaml:"path"`
}

// Encode renders the set as a YAML transcript an operator can copy into
// `seismon run --selection`.
func Encode(s *Set) ([]byte, error) {
	doc := document{}
	for _, k := range s.streams {
		doc.Streams = append(doc.Streams, k.String())
	}
	for _, st := range s.stations {
		doc.Responses = append(doc.Responses, responseEntry{Station: st.String(), Path: s.paths[st]})
	}
	var buf bytes.Buffer
	buf.WriteString("# seismon station selection\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse reads a transcript produced by Encode. It does not check that the
// response files exist on this host.
func Parse(data []byte) (*Set, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("selection: %v: %w", err, model.ErrParse)
	}
	if len(doc.Streams) == 0 {
		return nil, fmt.Errorf("selection: no streams: %w", model.ErrConfiguration)
	}
	streams := make([]model.StreamKey, 0, len(doc.Streams))
	for _, s := range doc.Streams {
		k, err := model.ParseStreamKey(s)
		if err != nil {
			return nil, fmt.Errorf("selection: %w", err)
		}
		streams = append(streams, k)
	}
	paths := make(map[model.StationKey]string, len(doc.Responses))
	for _, r := range doc.Responses {
		st, err := parseStationKey(r.Station)
		if err != nil {
			return nil, err
		}
		paths[st] = r.Path
	}
	set := newSet(streams, paths)
	for _, st := range set.stations {
		if set.paths[st] == "" {
			return nil, fmt.Errorf("selection: %s has no response path: %w", st, model.ErrConfiguration)
		}
	}
	return set, nil
}

func parseStationKey(s string) (model.StationKey, error) {
	net, sta, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || net == "" || sta == "" || strings.Contains(sta, ".") {
		return model.StationKey{}, fmt.Errorf("selection: station %q: want NET.STA: %w", s, model.ErrParse)
	}
	return model.StationKey{Network: net, Station: sta}, nil
}
