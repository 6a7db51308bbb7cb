package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"seismon/internal/model"
	"seismon/internal/normalize"
)

// ParseLine decodes one packet line. Two forms are accepted:
//
//	UX.UIS09.00.EHZ 2026-03-01T12:00:00Z 40 12,15,9,...
//	{"key":"UX.UIS09.00.EHZ","start":"2026-03-01T12:00:00Z","rate":40,"samples":[12,15,9]}
//
// A blank line or a # comment yields ok=false and no error.
func ParseLine(line string) (model.Block, bool, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return model.Block{}, false, nil
	}
	var (
		blk model.Block
		err error
	)
	if looksLikeJSON(trim) {
		blk, err = parseJSON(trim)
	} else {
		blk, err = parsePlain(trim)
	}
	if err != nil {
		return model.Block{}, false, fmt.Errorf("packet: %v: %w", err, model.ErrParse)
	}
	return blk, true, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) (model.Block, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return model.Block{}, fmt.Errorf("want 4 fields, got %d", len(fields))
	}
	key, err := model.ParseStreamKey(fields[0])
	if err != nil {
		return model.Block{}, err
	}
	start, err := normalize.ParseTimestamp(fields[1], time.UTC)
	if err != nil {
		return model.Block{}, err
	}
	rate, err := normalize.ParseRate(fields[2])
	if err != nil {
		return model.Block{}, err
	}
	samples, err := normalize.ParseSamples(fields[3])
	if err != nil {
		return model.Block{}, err
	}
	return model.Block{Key: key, Start: start, SampleRate: rate, Samples: samples}, nil
}

type jsonPacket struct {
	Key     string          `json:"key"`
	Start   json.RawMessage `json:"start"`
	Rate    float64         `json:"rate"`
	Samples []float64       `json:"samples"`
}

func parseJSON(line string) (model.Block, error) {
	var pkt jsonPacket
	if err := json.Unmarshal([]byte(line), &pkt); err != nil {
		return model.Block{}, err
	}
	key, err := model.ParseStreamKey(pkt.Key)
	if err != nil {
		return model.Block{}, err
	}
	// start may be a string or a unix number
	raw := strings.Trim(strings.TrimSpace(string(pkt.Start)), `"`)
	start, err := normalize.ParseTimestamp(raw, time.UTC)
	if err != nil {
		return model.Block{}, err
	}
	if pkt.Rate <= 0 {
		return model.Block{}, fmt.Errorf("rate %v must be positive", pkt.Rate)
	}
	if len(pkt.Samples) == 0 {
		return model.Block{}, fmt.Errorf("no samples")
	}
	return model.Block{Key: key, Start: start, SampleRate: pkt.Rate, Samples: pkt.Samples}, nil
}

// FormatLine renders a block in the plain packet form, without newline.
func FormatLine(b model.Block) string {
	var sb strings.Builder
	sb.WriteString(b.Key.String())
	sb.WriteByte(' ')
	sb.WriteString(b.Start.UTC().Format(time.RFC3339Nano))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatFloat(b.SampleRate, 'g', -1, 64))
	sb.WriteByte(' ')
	for i, v := range b.Samples {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return sb.String()
}
