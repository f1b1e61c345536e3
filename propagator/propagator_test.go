package propagator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/flowlenia/config"
	"github.com/pthm-cable/flowlenia/field"
	"github.com/pthm-cable/flowlenia/gpu"
	"github.com/pthm-cable/flowlenia/telemetry"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const scenarioYAML = `
grid: {width: 4, height: 4, channels: 1}
physics: {dt: 0.1, boundary: wrap}
kernels:
  - source: 0
    target: 0
    radius: 1
    shape: uniform
    growth: {mu: 0.15, sigma: 0.02, weight: 1.0}
`

func mustConfig(t testing.TB, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

// worldYAML builds a mid-sized config for conservation runs.
func worldYAML(w, h int, boundary, kind string, embedded bool) string {
	return fmt.Sprintf(`
grid: {width: %d, height: %d, channels: 2}
physics: {dt: 0.2, boundary: %s}
kernels:
  - {source: 0, target: 0, radius: 4, rings: [1.0, 0.4], growth: {mu: 0.15, sigma: 0.03}}
  - {source: 1, target: 0, radius: 3, shape: uniform, growth: {mu: 0.2, sigma: 0.05, weight: 0.5}}
  - {source: 0, target: 1, radius: 3, growth: {mu: 0.1, sigma: 0.04}}
embedding: {enabled: %t}
backend: {kind: %s, conv_mode: direct}
`, w, h, boundary, embedded, kind)
}

func worldSeed(w, h int) *config.Seed {
	return &config.Seed{
		RNGSeed: 7,
		Blobs: []config.SeedBlob{
			{Channel: 0, Row: h / 3, Col: w / 3, Radius: 5, Value: 0.8, Noise: 0.5},
			{Channel: 1, Row: 2 * h / 3, Col: 2 * w / 3, Radius: 4, Value: 0.6, Noise: 0.5},
			{Channel: 0, Row: 1, Col: w - 2, Radius: 3, Value: 1.0, Noise: 0.3},
		},
		Params: config.SeedParams{
			Default: &field.CellParams{Mu: 0.2, Sigma: 0.03, Weight: 1, Beta: 2, N: 2},
			Regions: []config.ParamRegion{
				{Row: 0, Col: 0, Height: h / 2, Width: w, Params: field.CellParams{Mu: 0.1, Sigma: 0.02, Weight: 1.5, Beta: 1.5, N: 2}},
				{Row: h / 2, Col: w / 2, Height: h / 2, Width: w / 2, Params: field.CellParams{Mu: 0.3, Sigma: 0.05, Weight: 0.5, Beta: 3, N: 1}},
			},
		},
	}
}

func mustNew(t testing.TB, cfg *config.Config, seed *config.Seed, opts Options) *Propagator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quiet
	}
	p, err := New(cfg, seed, opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPointScenario(t *testing.T) {
	for _, kind := range []string{"cpu", "gpu"} {
		t.Run(kind, func(t *testing.T) {
			cfg := mustConfig(t, scenarioYAML+"backend: {kind: "+kind+"}\n")
			p := mustNew(t, cfg, config.PointSeed(2, 2, 1.0), Options{})
			require.Equal(t, Ready, p.Status())

			require.NoError(t, p.Step(context.Background()))
			require.Equal(t, 1, p.Steps())
			require.InDelta(t, 0.1, p.Time(), 1e-15)

			total, err := p.TotalMass()
			require.NoError(t, err)
			require.InDelta(t, 1.0, total, 1e-9)

			st, err := p.State()
			require.NoError(t, err)
			require.Nil(t, st.Params)
			for _, v := range st.Mass.Data {
				require.GreaterOrEqual(t, v, 0.0)
			}
			for dr := -1; dr <= 1; dr++ {
				for dc := -1; dc <= 1; dc++ {
					require.Greater(t, st.Mass.At(0, 2+dr, 2+dc), 0.0, "cell (%d,%d)", 2+dr, 2+dc)
				}
			}
		})
	}
}

func TestConservation(t *testing.T) {
	const w, h = 40, 32
	for _, kind := range []string{"cpu", "gpu"} {
		for _, boundary := range []string{"wrap", "clamp"} {
			for _, embedded := range []bool{false, true} {
				name := fmt.Sprintf("%s/%s/embedded=%t", kind, boundary, embedded)
				t.Run(name, func(t *testing.T) {
					cfg := mustConfig(t, worldYAML(w, h, boundary, kind, embedded))
					p := mustNew(t, cfg, worldSeed(w, h), Options{})

					initial, err := p.TotalMass()
					require.NoError(t, err)
					require.Greater(t, initial, 0.0)

					require.NoError(t, p.Run(context.Background(), 25))

					total, err := p.TotalMass()
					require.NoError(t, err)
					require.InEpsilon(t, initial, total, 1e-5)

					st, err := p.State()
					require.NoError(t, err)
					for i, v := range st.Mass.Data {
						require.False(t, v < 0 || math.IsNaN(v), "cell %d mass %v", i, v)
					}
				})
			}
		}
	}
}

func TestConservationFFT(t *testing.T) {
	cfg := mustConfig(t, `
grid: {width: 48, height: 48}
kernels:
  - {radius: 6, rings: [1.0, 0.5]}
backend: {conv_mode: fft}
`)
	require.True(t, cfg.Derived.UseFFT)
	p := mustNew(t, cfg, &config.Seed{RNGSeed: 3, Blobs: []config.SeedBlob{{Row: 24, Col: 24, Radius: 8, Value: 0.5, Noise: 0.8}}}, Options{})

	initial, err := p.TotalMass()
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), 20))
	total, err := p.TotalMass()
	require.NoError(t, err)
	require.InEpsilon(t, initial, total, 1e-5)
}

func TestMixingStaysWithinSeedRange(t *testing.T) {
	const w, h = 40, 32
	cfg := mustConfig(t, worldYAML(w, h, "wrap", "cpu", true))
	seed := worldSeed(w, h)
	p := mustNew(t, cfg, seed, Options{})

	require.NoError(t, p.Run(context.Background(), 15))
	st, err := p.State()
	require.NoError(t, err)
	require.NotNil(t, st.Params)

	// Every parameter is a convex combination of seeded values.
	lo := [field.NumParams]float64{0.1, 0.02, 0.5, 1.5, 1}
	hi := [field.NumParams]float64{0.3, 0.05, 1.5, 3, 2}
	for i := 0; i < st.Params.Len(); i++ {
		slot := st.Params.At(i).Slot()
		for k, v := range slot {
			require.GreaterOrEqual(t, v, lo[k]-1e-12, "cell %d %s", i, field.ParamNames[k])
			require.LessOrEqual(t, v, hi[k]+1e-12, "cell %d %s", i, field.ParamNames[k])
		}
	}
}

func TestDeterministicAcrossWorkers(t *testing.T) {
	// Tall enough that rows are split between workers.
	const w, h = 48, 96
	for _, embedded := range []bool{false, true} {
		t.Run(fmt.Sprintf("embedded=%t", embedded), func(t *testing.T) {
			cfg := mustConfig(t, worldYAML(w, h, "wrap", "cpu", embedded))
			var states []*State
			for _, workers := range []int{1, 3, 8} {
				p := mustNew(t, cfg, worldSeed(w, h), Options{Workers: workers})
				require.NoError(t, p.Run(context.Background(), 6))
				st, err := p.State()
				require.NoError(t, err)
				states = append(states, st)
			}
			for _, st := range states[1:] {
				require.Equal(t, states[0].Mass.Data, st.Mass.Data)
				if embedded {
					require.Equal(t, states[0].Params.Data, st.Params.Data)
				}
			}
		})
	}
}

func TestSoftwareGPUMatchesCPU(t *testing.T) {
	const w, h = 40, 32
	for _, embedded := range []bool{false, true} {
		t.Run(fmt.Sprintf("embedded=%t", embedded), func(t *testing.T) {
			cpu := mustNew(t, mustConfig(t, worldYAML(w, h, "clamp", "cpu", embedded)), worldSeed(w, h), Options{})
			dev := mustNew(t, mustConfig(t, worldYAML(w, h, "clamp", "gpu", embedded)), worldSeed(w, h), Options{})
			require.Equal(t, "cpu", cpu.Backend())
			require.Equal(t, "gpu/software", dev.Backend())

			ctx := context.Background()
			require.NoError(t, cpu.Run(ctx, 8))
			require.NoError(t, dev.Run(ctx, 8))

			a, err := cpu.State()
			require.NoError(t, err)
			b, err := dev.State()
			require.NoError(t, err)
			require.InDeltaSlice(t, a.Mass.Data, b.Mass.Data, 1e-12)
			if embedded {
				require.InDeltaSlice(t, a.Params.Data, b.Params.Data, 1e-12)
			}
		})
	}
}

func TestEmptyWorldIsIdempotent(t *testing.T) {
	cfg := mustConfig(t, worldYAML(16, 16, "wrap", "cpu", true))
	p := mustNew(t, cfg, &config.Seed{}, Options{})
	before, err := p.State()
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), 3))
	after, err := p.State()
	require.NoError(t, err)
	require.Equal(t, before.Mass.Data, after.Mass.Data)
	require.Equal(t, before.Params.Data, after.Params.Data)
}

func TestReset(t *testing.T) {
	const w, h = 24, 24
	cfg := mustConfig(t, worldYAML(w, h, "wrap", "cpu", true))
	seed := worldSeed(w, h)
	p := mustNew(t, cfg, seed, Options{})

	initial, err := p.State()
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), 4))
	require.NoError(t, p.Reset(seed))
	require.Equal(t, 0, p.Steps())
	require.Zero(t, p.Time())

	st, err := p.State()
	require.NoError(t, err)
	require.Equal(t, initial.Mass.Data, st.Mass.Data)
	require.Equal(t, initial.Params.Data, st.Params.Data)

	// An invalid seed leaves the state alone.
	require.NoError(t, p.Run(context.Background(), 2))
	bad := config.PointSeed(h+5, 0, 1)
	require.ErrorIs(t, p.Reset(bad), ErrSeed)
	require.Equal(t, 2, p.Steps())
	require.Equal(t, Ready, p.Status())
}

func TestStats(t *testing.T) {
	const w, h = 24, 24
	cfg := mustConfig(t, worldYAML(w, h, "wrap", "cpu", true))
	perf := telemetry.NewPerfCollector(4)
	p := mustNew(t, cfg, worldSeed(w, h), Options{Perf: perf})

	require.NoError(t, p.Run(context.Background(), 5))
	s, err := p.Stats()
	require.NoError(t, err)
	require.Equal(t, 5, s.Step)
	require.InDelta(t, 1.0, s.Time, 1e-12)
	require.InDelta(t, 0, s.MassDrift, 1e-5)
	require.Len(t, s.ChannelMass, 2)
	require.Greater(t, s.Occupied, 0)
	require.GreaterOrEqual(t, s.MuMean, 0.1)
	require.LessOrEqual(t, s.MuMean, 0.3)

	ps := perf.Stats()
	require.True(t, ps.AvgTickDuration > 0, "avg step %v", ps.AvgTickDuration)
	require.Contains(t, ps.PhaseAvg, telemetry.PhaseAdvection)
}

func TestErrors(t *testing.T) {
	t.Run("config", func(t *testing.T) {
		_, err := NewFromYAML([]byte("grid: {width: 0}"), nil, Options{Logger: quiet})
		require.ErrorIs(t, err, ErrConfig)

		_, err = NewFromYAML([]byte("physics: {boundary: mirror}"), nil, Options{Logger: quiet})
		require.ErrorIs(t, err, ErrConfig)

		_, err = New(nil, &config.Seed{}, Options{Logger: quiet})
		require.ErrorIs(t, err, ErrConfig)
	})

	t.Run("seed", func(t *testing.T) {
		_, err := NewFromYAML([]byte(scenarioYAML), []byte("cells: [{row: 9, col: 0, value: 1}]"), Options{Logger: quiet})
		require.ErrorIs(t, err, ErrSeed)

		_, err = NewFromYAML([]byte(scenarioYAML), []byte("cells: [{row: 0, col: 0, value: -1}]"), Options{Logger: quiet})
		require.ErrorIs(t, err, ErrSeed)

		_, err = New(mustConfig(t, scenarioYAML), nil, Options{Logger: quiet})
		require.ErrorIs(t, err, ErrSeed)
	})

	t.Run("dispose", func(t *testing.T) {
		p, err := NewFromYAML([]byte(scenarioYAML), []byte("cells: [{row: 1, col: 1, value: 1}]"), Options{Logger: quiet})
		require.NoError(t, err)
		require.NoError(t, p.Close())
		require.Equal(t, Disposed, p.Status())

		ctx := context.Background()
		require.ErrorIs(t, p.Step(ctx), ErrUseAfterDispose)
		require.ErrorIs(t, p.Run(ctx, 1), ErrUseAfterDispose)
		require.ErrorIs(t, p.Reset(&config.Seed{}), ErrUseAfterDispose)
		_, err = p.TotalMass()
		require.ErrorIs(t, err, ErrUseAfterDispose)
		_, err = p.State()
		require.ErrorIs(t, err, ErrUseAfterDispose)
		_, err = p.Stats()
		require.ErrorIs(t, err, ErrUseAfterDispose)
		require.ErrorIs(t, p.Close(), ErrUseAfterDispose)

		require.Zero(t, p.Steps())
		require.Zero(t, p.Time())
		require.Zero(t, p.Width())
		require.Zero(t, p.Height())
		require.Zero(t, p.Channels())
	})

	t.Run("busy", func(t *testing.T) {
		p := mustNew(t, mustConfig(t, scenarioYAML), config.PointSeed(2, 2, 1), Options{})
		p.busy.Store(true)
		require.ErrorIs(t, p.Step(context.Background()), ErrBusy)
		_, err := p.TotalMass()
		require.ErrorIs(t, err, ErrBusy)
		p.busy.Store(false)
		require.NoError(t, p.Step(context.Background()))
	})

	t.Run("negative run", func(t *testing.T) {
		p := mustNew(t, mustConfig(t, scenarioYAML), config.PointSeed(2, 2, 1), Options{})
		require.Error(t, p.Run(context.Background(), -1))
		require.Equal(t, 0, p.Steps())
	})
}

func TestCanceledBeforeStep(t *testing.T) {
	p := mustNew(t, mustConfig(t, scenarioYAML), config.PointSeed(2, 2, 1), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Step(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrFaulted)
	require.Equal(t, Ready, p.Status())
	require.Equal(t, 0, p.Steps())
	require.NoError(t, p.Step(context.Background()))
}

// gatedDevice blocks every dispatch until gate is closed.
type gatedDevice struct {
	*gpu.SoftwareDevice
	gate chan struct{}
}

func (d *gatedDevice) Dispatch(prog gpu.Program, bufs []gpu.Buffer, w, h int) error {
	<-d.gate
	return d.SoftwareDevice.Dispatch(prog, bufs, w, h)
}

func TestAbandonedStepFaults(t *testing.T) {
	gate := make(chan struct{})
	open := func() (gpu.Device, error) {
		return &gatedDevice{SoftwareDevice: gpu.NewSoftwareDevice(4, 1), gate: gate}, nil
	}
	cfg := mustConfig(t, scenarioYAML+"backend: {kind: gpu}\n")
	seed := config.PointSeed(2, 2, 1)
	p := mustNew(t, cfg, seed, Options{Opener: open})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Step(ctx)
	require.ErrorIs(t, err, ErrFaulted)
	require.ErrorIs(t, err, gpu.ErrAbandoned)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, Faulted, p.Status())

	require.ErrorIs(t, p.Step(context.Background()), ErrFaulted)
	_, err = p.TotalMass()
	require.ErrorIs(t, err, ErrFaulted)

	close(gate)
	require.NoError(t, p.Reset(seed))
	require.Equal(t, Ready, p.Status())
	total, err := p.TotalMass()
	require.NoError(t, err)
	require.InDelta(t, 1.0, total, 1e-12)
	require.NoError(t, p.Step(context.Background()))
}

func TestGPUDeviceOpenFailure(t *testing.T) {
	open := func() (gpu.Device, error) { return nil, errors.New("no adapter") }
	cfg := mustConfig(t, scenarioYAML+"backend: {kind: gpu}\n")
	_, err := New(cfg, config.PointSeed(0, 0, 1), Options{Opener: open, Logger: quiet})
	require.ErrorIs(t, err, gpu.ErrDeviceUnavailable)
}

func BenchmarkStep(b *testing.B) {
	cfg := mustConfig(b, `
grid: {width: 128, height: 128}
backend: {conv_mode: direct}
`)
	p := mustNew(b, cfg, &config.Seed{Blobs: []config.SeedBlob{{Row: 64, Col: 64, Radius: 20, Value: 0.5, Noise: 0.5}}}, Options{})
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := p.Step(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
