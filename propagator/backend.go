package propagator

import (
	"context"

	"github.com/pthm-cable/flowlenia/config"
	"github.com/pthm-cable/flowlenia/field"
	"github.com/pthm-cable/flowlenia/kernel"
	"github.com/pthm-cable/flowlenia/parallel"
	"github.com/pthm-cable/flowlenia/systems"
	"github.com/pthm-cable/flowlenia/telemetry"
)

// Backend executes steps for a Propagator. Implementations own the
// device-side copy of the state; the propagator only sees it through Load
// and Sync.
//
// A Step that returns an error must either leave the state unchanged or
// report gpu.ErrAbandoned.
type Backend interface {
	Name() string
	Load(ctx context.Context, mass *field.MassField, params *field.ParameterGrid) error
	Step(ctx context.Context) error
	Sync(ctx context.Context, mass *field.MassField, params *field.ParameterGrid) error
	Close() error
}

// cpuBackend runs the passes on a worker pool, splitting rows between
// workers. Every cell is computed from the read-only front buffers, so
// results do not depend on the worker count.
type cpuBackend struct {
	engine *systems.Engine
	pool   *parallel.Pool
	perf   *telemetry.PerfCollector
	fft    *kernel.FFT // nil in direct mode

	scratch *systems.Scratch
	gathers []*systems.Gather // one per worker

	mass   [2]*field.MassField
	params [2]*field.ParameterGrid
	cur    int
}

func newCPUBackend(cfg *config.Config, engine *systems.Engine, stencils []kernel.Stencil, workers int, perf *telemetry.PerfCollector) *cpuBackend {
	w, h, ch := cfg.Grid.Width, cfg.Grid.Height, cfg.Grid.Channels
	b := &cpuBackend{
		engine: engine,
		pool:   parallel.NewPool(workers),
		perf:   perf,
	}

	convBufs := 0
	if cfg.Derived.UseFFT {
		b.fft = kernel.NewFFT(w, h, stencils)
		convBufs = len(stencils)
	}
	b.scratch = systems.NewScratch(ch, w, h, convBufs)

	b.gathers = make([]*systems.Gather, b.pool.Workers())
	for i := range b.gathers {
		b.gathers[i] = systems.NewGather(engine.Advection.Radius)
	}

	for i := range b.mass {
		b.mass[i] = field.NewMassField(ch, w, h)
		if engine.Embedded() {
			b.params[i] = field.NewParameterGrid(w, h, cfg.Derived.DefaultParams)
		}
	}
	return b
}

func (b *cpuBackend) Name() string { return "cpu" }

func (b *cpuBackend) Load(_ context.Context, mass *field.MassField, params *field.ParameterGrid) error {
	b.mass[b.cur].CopyFrom(mass)
	if b.params[b.cur] != nil && params != nil {
		b.params[b.cur].CopyFrom(params)
	}
	return nil
}

func (b *cpuBackend) phase(name string) {
	if b.perf != nil {
		b.perf.StartPhase(name)
	}
}

// Step runs affinity, flow and advection into the back buffers and swaps.
// ctx is checked only before any work starts.
func (b *cpuBackend) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cur, next := b.cur, 1-b.cur
	src := b.mass[cur]
	w, h := src.Width, src.Height
	params := b.engine.Params(b.params[cur])
	s := b.scratch
	e := b.engine

	b.phase(telemetry.PhaseAffinity)
	var conv [][]float64
	if b.fft != nil {
		e.Affinity.Prepare(b.fft, s.Conv, src)
		conv = s.Conv
	}
	b.pool.Run(h, func(_, r0, r1 int) {
		e.Affinity.Tile(s, src, params, conv, systems.Rows(r0, r1, w))
	})

	b.phase(telemetry.PhaseFlow)
	b.pool.Run(h, func(_, r0, r1 int) {
		e.Flow.Tile(s, params, systems.Rows(r0, r1, w))
	})

	b.phase(telemetry.PhaseAdvection)
	b.pool.Run(h, func(worker, r0, r1 int) {
		e.Advection.Tile(
			b.mass[next], b.params[next],
			src, b.params[cur],
			s.Flow, systems.Rows(r0, r1, w), b.gathers[worker])
	})

	b.phase(telemetry.PhaseSwap)
	b.cur = next
	return nil
}

func (b *cpuBackend) Sync(_ context.Context, mass *field.MassField, params *field.ParameterGrid) error {
	mass.CopyFrom(b.mass[b.cur])
	if params != nil && b.params[b.cur] != nil {
		params.CopyFrom(b.params[b.cur])
	}
	return nil
}

func (b *cpuBackend) Close() error {
	b.pool.Close()
	return nil
}
