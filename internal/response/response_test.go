package response

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"seismon/internal/model"
)

var (
	uis09 = model.StationKey{Network: "UX", Station: "UIS09"}
	ehz   = model.StreamKey{Network: "UX", Station: "UIS09", Location: "00", Channel: "EHZ"}
	hnz   = model.StreamKey{Network: "UX", Station: "UIS09", Channel: "HNZ"}
)

func TestLoadInventoryEpochs(t *testing.T) {
	inv, err := LoadInventory(map[model.StationKey]string{uis09: "testdata/UX.UIS09.xml"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !inv.Has(uis09) {
		t.Fatalf("station missing")
	}
	old, err := inv.Lookup(ehz, time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || old.Sensitivity != 1.5e8 {
		t.Fatalf("old epoch: %+v %v", old, err)
	}
	cur, err := inv.Lookup(ehz, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || cur.Sensitivity != 2e8 || cur.InputUnits != "M/S" {
		t.Fatalf("current epoch: %+v %v", cur, err)
	}
	latest, err := inv.Lookup(ehz, time.Time{})
	if err != nil || latest.Sensitivity != 2e8 {
		t.Fatalf("latest epoch: %+v %v", latest, err)
	}
	if inv.Path(uis09) != "testdata/UX.UIS09.xml" {
		t.Fatalf("path: %q", inv.Path(uis09))
	}
}

func TestLookupMissing(t *testing.T) {
	inv, err := LoadInventory(map[model.StationKey]string{uis09: "testdata/UX.UIS09.xml"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := []struct {
		key model.StreamKey
		at  time.Time
	}{
		{ehz, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)},
		{model.StreamKey{Network: "UX", Station: "UIS09", Location: "00", Channel: "LOG"}, time.Time{}},
		{model.StreamKey{Network: "UX", Station: "UIS01", Channel: "EHZ"}, time.Time{}},
	}
	for _, tc := range cases {
		if _, err := inv.Lookup(tc.key, tc.at); !errors.Is(err, model.ErrResponseMissing) {
			t.Fatalf("%s: expected response missing, got %v", tc.key, err)
		}
	}
	var nilInv *Inventory
	if _, err := nilInv.Lookup(ehz, time.Time{}); !errors.Is(err, model.ErrResponseMissing) {
		t.Fatalf("nil inventory: %v", err)
	}
}

func TestLoadStationWithoutSensitivity(t *testing.T) {
	inv := NewInventory()
	err := inv.LoadStation(model.StationKey{Network: "UX", Station: "UIS01"}, "testdata/UX.UIS09.xml")
	if !errors.Is(err, model.ErrResponseMissing) {
		t.Fatalf("expected response missing, got %v", err)
	}
	if _, err := LoadInventory(map[model.StationKey]string{uis09: "testdata/nope.xml"}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestParseStationXMLRejectsGarbage(t *testing.T) {
	if _, err := ParseStationXML(strings.NewReader("<FDSNStationXML><Network"), "inline"); !errors.Is(err, model.ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestCorrectByInputUnits(t *testing.T) {
	counts := []float64{0, 200, 400, 600}

	vel := Response{Stream: ehz, Sensitivity: 200, InputUnits: "M/S"}
	out, err := vel.Correct(counts, 10)
	if err != nil || out[3] != 3 {
		t.Fatalf("velocity: %v %v", out, err)
	}

	acc := Response{Stream: hnz, Sensitivity: 200, InputUnits: "m/s**2"}
	out, err = acc.Correct(counts, 10)
	if err != nil {
		t.Fatalf("acceleration: %v", err)
	}
	// trapezoid of 0,1,2,3 at dt 0.1
	if math.Abs(out[3]-0.45) > 1e-12 {
		t.Fatalf("integrated: %v", out)
	}

	disp := Response{Stream: ehz, Sensitivity: 200, InputUnits: "M"}
	out, err = disp.Correct(counts, 10)
	if err != nil || out[0] != 0 || math.Abs(out[2]-10) > 1e-12 {
		t.Fatalf("differentiated: %v %v", out, err)
	}

	for _, bad := range []Response{
		{Stream: ehz, Sensitivity: 0, InputUnits: "M/S"},
		{Stream: ehz, Sensitivity: 1, InputUnits: "PA"},
	} {
		if _, err := bad.Correct(counts, 10); !errors.Is(err, model.ErrResponseMissing) {
			t.Fatalf("%+v: expected response missing, got %v", bad, err)
		}
	}
}
