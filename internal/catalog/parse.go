package catalog

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"seismon/internal/model"
	"seismon/internal/normalize"
)

const DefaultGrace = time.Minute

// ParseLine reads one line of `slinktool -Q` output:
//
//	NET STA LOC CHA T YYYY/MM/DD hh:mm:ss.ffff  -  YYYY/MM/DD hh:mm:ss.ffff
//
// An empty location code collapses to whitespace, which is detected by the
// one-letter type code landing in the channel column.
func ParseLine(line string, now time.Time, grace time.Duration) (model.ChannelRecord, error) {
	parts := strings.Fields(line)
	if len(parts) >= 4 && len(parts[3]) == 1 && len(parts[2]) == 3 {
		parts = append(parts[:2], append([]string{""}, parts[2:]...)...)
	}
	if len(parts) < 7 {
		return model.ChannelRecord{}, fmt.Errorf("catalog line %q: %d fields: %w", line, len(parts), model.ErrParse)
	}
	rec := model.ChannelRecord{
		Network:  parts[0],
		Station:  parts[1],
		Location: parts[2],
		Channel:  parts[3],
		Type:     parts[4],
	}
	if rec.Location == "--" {
		rec.Location = ""
	}
	start, err := normalize.ParseTimestamp(parts[5]+" "+parts[6], time.UTC)
	if err != nil {
		return model.ChannelRecord{}, fmt.Errorf("catalog line %q: start: %v: %w", line, err, model.ErrParse)
	}
	rec.StartTime = start

	rec.Status = model.StatusUnknown
	if len(parts) >= 10 {
		if end, err := normalize.ParseTimestamp(parts[8]+" "+parts[9], time.UTC); err == nil {
			rec.EndTime = end
			rec.Status = DeriveStatus(end, now, grace)
		}
	}
	return rec, nil
}

// DeriveStatus treats a stream as active while its last data time plus grace
// is not in the past.
func DeriveStatus(end, now time.Time, grace time.Duration) model.Status {
	if end.IsZero() {
		return model.StatusUnknown
	}
	if !end.Add(grace).Before(now) {
		return model.StatusActive
	}
	return model.StatusInactive
}

// ParseOutput parses every line it can and returns the malformed ones as
// errors. Blank lines are ignored.
func ParseOutput(r io.Reader, now time.Time, grace time.Duration) ([]model.ChannelRecord, []error) {
	var records []model.ChannelRecord
	var bad []error
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec, err := ParseLine(line, now, grace)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		bad = append(bad, err)
	}
	return records, bad
}

// IsVertical matches channel against codes, where '?' matches any character.
func IsVertical(channel string, codes []string) bool {
	for _, code := range codes {
		if matchCode(code, channel) {
			return true
		}
	}
	return false
}

func matchCode(pattern, channel string) bool {
	if len(pattern) != len(channel) {
		return false
	}
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '?' && pattern[i] != channel[i] {
			return false
		}
	}
	return true
}

// Selectable keeps the records the selector offers: vertical and active.
func Selectable(records []model.ChannelRecord, codes []string) []model.ChannelRecord {
	out := make([]model.ChannelRecord, 0, len(records))
	for _, r := range records {
		if r.Status == model.StatusActive && IsVertical(r.Channel, codes) {
			out = append(out, r)
		}
	}
	return out
}
