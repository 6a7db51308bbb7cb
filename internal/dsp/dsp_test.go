package dsp

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"seismon/internal/model"
)

func sine(amp, freq, rate float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/rate)
	}
	return out
}

func TestIntegrateDifferentiateRoundTrip(t *testing.T) {
	const amp, rate = 1.0, 100.0
	x := sine(amp, 1, rate, 200)
	tol := 0.05 * amp

	back := Integrate(Differentiate(x, rate), rate)
	for i := range x {
		require.InDeltaf(t, x[i], back[i]+x[0], tol, "integrate(differentiate) sample %d", i)
	}

	fwd := Differentiate(Integrate(x, rate), rate)
	for i := 1; i < len(x); i++ {
		require.InDeltaf(t, x[i], fwd[i], tol, "differentiate(integrate) sample %d", i)
	}
}

func TestIntegrateConstant(t *testing.T) {
	out := Integrate([]float64{2, 2, 2, 2, 2}, 10)
	require.InDelta(t, 0.8, out[4], 1e-12)
	require.Equal(t, 0.0, out[0])
}

func TestDetrendLinearRemovesRamp(t *testing.T) {
	x := make([]float64, 50)
	for i := range x {
		x[i] = 3 + 2*float64(i)
	}
	Detrend(x, DetrendLinear)
	for i, v := range x {
		require.InDeltaf(t, 0, v, 1e-9, "sample %d", i)
	}
}

func TestDetrendDemean(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	Detrend(x, DetrendDemean)
	require.Equal(t, []float64{-2, -1, 0, 1, 2}, x)

	y := []float64{1, 2, 3}
	Detrend(y, DetrendNone)
	require.Equal(t, []float64{1, 2, 3}, y)
}

func TestParseDetrendMode(t *testing.T) {
	m, err := ParseDetrendMode("")
	require.NoError(t, err)
	require.Equal(t, DetrendDemean, m)
	m, err = ParseDetrendMode("Linear")
	require.NoError(t, err)
	require.Equal(t, DetrendLinear, m)
	_, err = ParseDetrendMode("highpass")
	require.Error(t, err)
}

type sensitivity float64

func (s sensitivity) Correct(counts []float64, rate float64) ([]float64, error) {
	out := make([]float64, len(counts))
	for i, v := range counts {
		out[i] = v / float64(s)
	}
	return out, nil
}

type failing struct{}

func (failing) Correct([]float64, float64) ([]float64, error) {
	return nil, model.ErrResponseMissing
}

func TestComputerPeaks(t *testing.T) {
	const rate, amp, sens = 40.0, 1000.0, 2e8
	c := NewComputer(Options{})
	counts := sine(amp, 1, rate, 30*40)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	snap, err := c.Update(counts, rate, sensitivity(sens), at)
	require.NoError(t, err)

	velPeak := amp / sens * 1e6
	omega := 2 * math.Pi
	require.InDelta(t, velPeak, snap.VelocityPeak, 1e-3)
	require.InDelta(t, 2*velPeak/omega, snap.DisplacementPeak, 0.05*2*velPeak/omega)
	require.InDelta(t, velPeak*omega, snap.AccelerationPeak, 0.02*velPeak*omega)
	require.True(t, snap.LastUpdate.Equal(at))
}

func TestComputerFreezesOnMissingResponse(t *testing.T) {
	c := NewComputer(Options{})
	counts := sine(1000, 1, 40, 400)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := c.Update(counts, 40, sensitivity(1e8), at)
	require.NoError(t, err)

	louder := sine(5000, 1, 40, 400)
	got, err := c.Update(louder, 40, nil, at.Add(time.Second))
	require.True(t, errors.Is(err, model.ErrResponseMissing))
	require.Equal(t, first, got)

	got, err = c.Update(louder, 40, failing{}, at.Add(2*time.Second))
	require.Error(t, err)
	require.Equal(t, first, got)
	require.Equal(t, first, c.Last())
}

func TestComputerUsesOnlySubWindow(t *testing.T) {
	c := NewComputer(Options{SubWindow: time.Second, Detrend: DetrendNone})
	counts := make([]float64, 200)
	counts[10] = 1e8
	snap, err := c.Update(counts, 40, sensitivity(1), time.Now())
	require.NoError(t, err)
	require.Zero(t, snap.VelocityPeak)
}
