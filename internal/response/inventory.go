package response

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"seismon/internal/model"
)

// Inventory maps stations to the channel epochs loaded from their StationXML
// files. It is safe for concurrent reads once loaded.
type Inventory struct {
	mu       sync.RWMutex
	stations map[model.StationKey][]Response
	paths    map[model.StationKey]string
}

func NewInventory() *Inventory {
	return &Inventory{
		stations: make(map[model.StationKey][]Response),
		paths:    make(map[model.StationKey]string),
	}
}

// LoadInventory reads one StationXML file per station. Any unreadable file
// fails the whole load.
func LoadInventory(paths map[model.StationKey]string) (*Inventory, error) {
	inv := NewInventory()
	keys := make([]model.StationKey, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		if err := inv.LoadStation(key, paths[key]); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// LoadEach loads every station it can and reports the others. It backs
// sessions that run stations without metadata as degraded.
func LoadEach(paths map[model.StationKey]string) (*Inventory, []error) {
	inv := NewInventory()
	keys := make([]model.StationKey, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	var errs []error
	for _, key := range keys {
		if err := inv.LoadStation(key, paths[key]); err != nil {
			errs = append(errs, err)
		}
	}
	return inv, errs
}

// LoadStation keeps only the epochs of the file that belong to station.
func (i *Inventory) LoadStation(station model.StationKey, path string) error {
	all, err := LoadFile(path)
	if err != nil {
		return err
	}
	var own []Response
	for _, r := range all {
		if r.Stream.StationKey() == station {
			own = append(own, r)
		}
	}
	if len(own) == 0 {
		return fmt.Errorf("stationxml %s: no sensitivity for %s: %w", path, station, model.ErrResponseMissing)
	}
	i.Add(own...)
	i.mu.Lock()
	i.paths[station] = path
	i.mu.Unlock()
	return nil
}

func (i *Inventory) Add(resps ...Response) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, r := range resps {
		key := r.Stream.StationKey()
		i.stations[key] = append(i.stations[key], r)
	}
}

func (i *Inventory) Has(station model.StationKey) bool {
	if i == nil {
		return false
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.stations[station]) > 0
}

func (i *Inventory) Path(station model.StationKey) string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.paths[station]
}

// Lookup finds the epoch of stream that covers t. A zero t selects the most
// recent epoch.
func (i *Inventory) Lookup(stream model.StreamKey, t time.Time) (Response, error) {
	if i == nil {
		return Response{}, fmt.Errorf("%s: no inventory: %w", stream, model.ErrResponseMissing)
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	var best Response
	found := false
	for _, r := range i.stations[stream.StationKey()] {
		if r.Stream != stream || !r.Covers(t) {
			continue
		}
		if !found || r.Start.After(best.Start) {
			best = r
			found = true
		}
	}
	if !found {
		return Response{}, fmt.Errorf("%s at %s: %w", stream, t.Format(time.RFC3339), model.ErrResponseMissing)
	}
	return best, nil
}
