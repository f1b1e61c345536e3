// Package telemetry computes run statistics and step timing and writes them as CSV.
package telemetry

import (
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/flowlenia/field"
)

// Floats is a float slice that serializes to a single CSV cell.
type Floats []float64

// MarshalCSV implements gocsv.TypeMarshaller.
func (f Floats) MarshalCSV() (string, error) {
	parts := make([]string, len(f))
	for i, v := range f {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ";"), nil
}

// Stats summarizes the simulation state after a step.
type Stats struct {
	Step        int     `csv:"step"`
	Time        float64 `csv:"time"`
	TotalMass   float64 `csv:"total_mass"`
	ChannelMass Floats  `csv:"channel_mass"`

	// Conservation relative to the seed mass
	MassDrift float64 `csv:"mass_drift"`

	// Mass distribution over occupied cells
	Occupied int     `csv:"occupied"`
	MaxMass  float64 `csv:"max_mass"`
	MassP50  float64 `csv:"mass_p50"`
	MassP90  float64 `csv:"mass_p90"`

	// Mass-weighted parameter distribution (embedding only)
	MuMean    float64 `csv:"mu_mean"`
	MuStd     float64 `csv:"mu_std"`
	SigmaMean float64 `csv:"sigma_mean"`
	SigmaStd  float64 `csv:"sigma_std"`
}

// occupiedEpsilon is the cell mass below which a cell counts as empty.
const occupiedEpsilon = 1e-9

// ComputeStats builds Stats from a consistent post-step state. params may
// be nil; reference is the mass the drift is measured against.
func ComputeStats(step int, time float64, mass *field.MassField, params *field.ParameterGrid, reference float64) Stats {
	s := Stats{
		Step:        step,
		Time:        time,
		TotalMass:   mass.Total(),
		ChannelMass: mass.ChannelTotals(),
	}
	if reference > 0 {
		s.MassDrift = (s.TotalMass - reference) / reference
	}

	cells := mass.SumInto(nil)
	if len(cells) > 0 {
		s.MaxMass = floats.Max(cells)
	}
	occupied := make([]float64, 0, len(cells))
	for _, v := range cells {
		if v > occupiedEpsilon {
			occupied = append(occupied, v)
		}
	}
	s.Occupied = len(occupied)
	sort.Float64s(occupied)
	s.MassP50 = Percentile(occupied, 0.50)
	s.MassP90 = Percentile(occupied, 0.90)

	if params != nil && floats.Sum(cells) > 0 {
		s.MuMean, s.MuStd = weightedMeanStd(params.Column(field.ParamMu, nil), cells)
		s.SigmaMean, s.SigmaStd = weightedMeanStd(params.Column(field.ParamSigma, nil), cells)
	}
	return s
}

// weightedMeanStd returns the weighted mean and population std of x.
func weightedMeanStd(x, weights []float64) (mean, std float64) {
	mean, variance := stat.PopMeanVariance(x, weights)
	if variance < 0 || math.IsNaN(variance) {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// LogValue implements slog.LogValuer for structured logging.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("step", s.Step),
		slog.Float64("time", s.Time),
		slog.Float64("total_mass", s.TotalMass),
		slog.Any("channel_mass", []float64(s.ChannelMass)),
		slog.Float64("mass_drift", s.MassDrift),
		slog.Int("occupied", s.Occupied),
		slog.Float64("max_mass", s.MaxMass),
		slog.Float64("mass_p50", s.MassP50),
		slog.Float64("mass_p90", s.MassP90),
		slog.Float64("mu_mean", s.MuMean),
		slog.Float64("mu_std", s.MuStd),
		slog.Float64("sigma_mean", s.SigmaMean),
		slog.Float64("sigma_std", s.SigmaStd),
	)
}

// LogStats logs the stats using logger, or the default logger when nil.
func (s Stats) LogStats(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("stats",
		"step", s.Step,
		"time", s.Time,
		"total_mass", s.TotalMass,
		"channel_mass", []float64(s.ChannelMass),
		"mass_drift", s.MassDrift,
		"occupied", s.Occupied,
		"max_mass", s.MaxMass,
		"mu_mean", s.MuMean,
		"mu_std", s.MuStd,
	)
}
