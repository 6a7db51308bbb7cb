// Package selection builds the immutable set of streams an operator picked
// from the catalog and hands it to a live session.
package selection

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"seismon/internal/catalog"
	"seismon/internal/model"
)

// Set is an ordered selection of streams plus the StationXML path of every
// selected station. It is immutable and may be claimed by one session only.
type Set struct {
	streams  []model.StreamKey
	stations []model.StationKey
	paths    map[model.StationKey]string
	claimed  atomic.Bool
}

type BuildOptions struct {
	VerticalCodes []string
	// Stat checks that a response path exists. Defaults to os.Stat.
	Stat func(string) (os.FileInfo, error)
}

// Build keeps the vertical active records, in their given order, and requires
// a usable response path for each of their stations.
func Build(records []model.ChannelRecord, paths map[model.StationKey]string, opts BuildOptions) (*Set, error) {
	codes := opts.VerticalCodes
	if len(codes) == 0 {
		codes = []string{"EHZ", "HNZ"}
	}
	stat := opts.Stat
	if stat == nil {
		stat = os.Stat
	}
	var streams []model.StreamKey
	seen := make(map[model.StreamKey]bool)
	for _, rec := range catalog.Selectable(records, codes) {
		key := rec.StreamKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		streams = append(streams, key)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("selection: no active vertical channels selected: %w", model.ErrConfiguration)
	}
	set := newSet(streams, paths)
	for _, st := range set.stations {
		p := strings.TrimSpace(set.paths[st])
		if p == "" {
			return nil, fmt.Errorf("selection: %s has no response path: %w", st, model.ErrConfiguration)
		}
		if _, err := stat(p); err != nil {
			return nil, fmt.Errorf("selection: %s response %s: %v: %w", st, p, err, model.ErrConfiguration)
		}
	}
	return set, nil
}

func newSet(streams []model.StreamKey, paths map[model.StationKey]string) *Set {
	s := &Set{
		streams: append([]model.StreamKey(nil), streams...),
		paths:   make(map[model.StationKey]string),
	}
	for _, k := range streams {
		st := k.StationKey()
		if _, ok := s.paths[st]; ok {
			continue
		}
		s.stations = append(s.stations, st)
		s.paths[st] = paths[st]
	}
	return s
}

func (s *Set) Streams() []model.StreamKey {
	return append([]model.StreamKey(nil), s.streams...)
}

// Stations lists the distinct stations in order of first appearance.
func (s *Set) Stations() []model.StationKey {
	return append([]model.StationKey(nil), s.stations...)
}

func (s *Set) ResponsePaths() map[model.StationKey]string {
	out := make(map[model.StationKey]string, len(s.paths))
	for k, v := range s.paths {
		out[k] = v
	}
	return out
}

// Empty returns a set with no streams; a session started from it is inert.
func Empty() *Set {
	return newSet(nil, nil)
}

func (s *Set) Len() int {
	return len(s.streams)
}

// Claim marks the set as consumed. Only the first call succeeds.
func (s *Set) Claim() error {
	if !s.claimed.CompareAndSwap(false, true) {
		return fmt.Errorf("selection already consumed: %w", model.ErrConfiguration)
	}
	return nil
}

func (s *Set) Claimed() bool {
	return s.claimed.Load()
}

// Equal compares content and order, ignoring whether either set was claimed.
func (s *Set) Equal(o *Set) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.streams) != len(o.streams) || len(s.stations) != len(o.stations) {
		return false
	}
	for i := range s.streams {
		if s.streams[i] != o.streams[i] {
			return false
		}
	}
	for i, st := range s.stations {
		if o.stations[i] != st || o.paths[st] != s.paths[st] {
			return false
		}
	}
	return true
}
