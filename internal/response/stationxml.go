package response

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"seismon/internal/model"
	"seismon/internal/normalize"
)

type fdsnDocument struct {
	Networks []struct {
		Code     string `xml:"code,attr"`
		Stations []struct {
			Code     string `xml:"code,attr"`
			Channels []struct {
				Code        string `xml:"code,attr"`
				Location    string `xml:"locationCode,attr"`
				StartDate   string `xml:"startDate,attr"`
				EndDate     string `xml:"endDate,attr"`
				Sensitivity *struct {
					Value      float64 `xml:"Value"`
					Frequency  float64 `xml:"Frequency"`
					InputUnits struct {
						Name string `xml:"Name"`
					} `xml:"InputUnits"`
				} `xml:"Response>InstrumentSensitivity"`
			} `xml:"Channel"`
		} `xml:"Station"`
	} `xml:"Network"`
}

// ParseStationXML returns every channel epoch that carries an instrument
// sensitivity. Epochs without one are skipped.
func ParseStationXML(r io.Reader, source string) ([]Response, error) {
	var doc fdsnDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("stationxml %s: %v: %w", source, err, model.ErrParse)
	}
	var out []Response
	for _, n := range doc.Networks {
		for _, s := range n.Stations {
			for _, c := range s.Channels {
				if c.Sensitivity == nil {
					continue
				}
				resp := Response{
					Stream: model.StreamKey{
						Network:  strings.TrimSpace(n.Code),
						Station:  strings.TrimSpace(s.Code),
						Location: strings.TrimSpace(c.Location),
						Channel:  strings.TrimSpace(c.Code),
					},
					Sensitivity: c.Sensitivity.Value,
					Frequency:   c.Sensitivity.Frequency,
					InputUnits:  c.Sensitivity.InputUnits.Name,
					Source:      source,
				}
				if c.StartDate != "" {
					ts, err := normalize.ParseTimestamp(c.StartDate, time.UTC)
					if err != nil {
						return nil, fmt.Errorf("stationxml %s: %s start: %w", source, resp.Stream, err)
					}
					resp.Start = ts
				}
				if c.EndDate != "" {
					ts, err := normalize.ParseTimestamp(c.EndDate, time.UTC)
					if err != nil {
						return nil, fmt.Errorf("stationxml %s: %s end: %w", source, resp.Stream, err)
					}
					resp.End = ts
				}
				out = append(out, resp)
			}
		}
	}
	return out, nil
}

func LoadFile(path string) ([]Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stationxml %s: %w", path, err)
	}
	defer f.Close()
	return ParseStationXML(f, path)
}
