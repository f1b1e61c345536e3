// Package propagator advances a Flow Lenia world one step at a time on a
// cpu or gpu backend.
package propagator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pthm-cable/flowlenia/config"
	"github.com/pthm-cable/flowlenia/field"
	"github.com/pthm-cable/flowlenia/gpu"
	"github.com/pthm-cable/flowlenia/kernel"
	"github.com/pthm-cable/flowlenia/systems"
	"github.com/pthm-cable/flowlenia/telemetry"
)

// Status is the lifecycle position of a Propagator.
type Status int32

const (
	Constructed Status = iota
	Ready
	Stepping
	Faulted
	Disposed
)

func (s Status) String() string {
	switch s {
	case Constructed:
		return "constructed"
	case Ready:
		return "ready"
	case Stepping:
		return "stepping"
	case Faulted:
		return "faulted"
	case Disposed:
		return "disposed"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Options configures a Propagator beyond what the config file holds.
type Options struct {
	// Workers overrides backend.workers when > 0.
	Workers int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Perf receives per-phase step timings. Optional.
	Perf *telemetry.PerfCollector

	// Opener overrides the gpu device named by backend.device.
	Opener gpu.Opener
}

// State is a consistent host copy of the simulation fields. Params is nil
// when embedding is disabled.
type State struct {
	Mass   *field.MassField
	Params *field.ParameterGrid
}

// Propagator owns one simulation: its config, kernels, fields and the
// backend that steps them. Methods may be called from any goroutine, but
// overlapping calls that touch the fields fail with ErrBusy instead of
// blocking.
type Propagator struct {
	cfg      *config.Config
	stencils []kernel.Stencil
	engine   *systems.Engine
	backend  Backend
	logger   *slog.Logger
	perf     *telemetry.PerfCollector

	busy   atomic.Bool
	status atomic.Int32

	mu        sync.Mutex // guards steps, time and reference
	steps     int
	time      float64
	reference float64 // seed mass, for drift

	// Host mirror filled by Sync; only touched while busy is held.
	mass   *field.MassField
	params *field.ParameterGrid
}

// New builds a propagator from a finalized config and a seed. cfg is
// copied; later edits to it have no effect.
func New(cfg *config.Config, seed *config.Seed, opts Options) (*Propagator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrConfig)
	}
	if seed == nil {
		return nil, fmt.Errorf("%w: nil seed", ErrSeed)
	}
	cfg = cfg.Clone()
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stencils, err := kernel.Build(cfg)
	if err != nil {
		return nil, err
	}
	mass, params, err := seed.Materialize(cfg)
	if err != nil {
		return nil, err
	}

	p := &Propagator{
		cfg:      cfg,
		stencils: stencils,
		engine:   systems.NewEngine(cfg, stencils),
		logger:   logger,
		perf:     opts.Perf,
		mass:     mass,
		params:   params,
	}
	p.status.Store(int32(Constructed))

	workers := cfg.Backend.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}

	switch cfg.Backend.Kind {
	case "gpu":
		open := opts.Opener
		if open == nil {
			if open, err = gpu.OpenerFor(cfg.Backend.Device, cfg.Backend.Workgroup, workers); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfig, err)
			}
		}
		gb, err := gpu.NewBackend(cfg, p.engine, open, logger, opts.Perf)
		if err != nil {
			return nil, err
		}
		p.backend = gb
	default:
		p.backend = newCPUBackend(cfg, p.engine, stencils, workers, opts.Perf)
	}

	if err := p.backend.Load(context.Background(), mass, params); err != nil {
		p.backend.Close()
		return nil, fmt.Errorf("loading seed: %w", err)
	}
	p.reference = mass.Total()
	p.status.Store(int32(Ready))

	logger.Info("propagator ready",
		"backend", p.backend.Name(),
		"width", cfg.Grid.Width,
		"height", cfg.Grid.Height,
		"channels", cfg.Grid.Channels,
		"kernels", len(stencils),
		"embedding", cfg.Embedding.Enabled,
		"fft", cfg.Derived.UseFFT,
		"mass", p.reference,
	)
	return p, nil
}

// NewFromYAML parses a config overlay and a seed document and calls New.
func NewFromYAML(cfgText, seedText []byte, opts Options) (*Propagator, error) {
	cfg, err := config.Parse(cfgText)
	if err != nil {
		return nil, err
	}
	seed, err := config.ParseSeed(seedText)
	if err != nil {
		return nil, err
	}
	return New(cfg, seed, opts)
}

// acquire claims exclusive use of the fields. allowFaulted admits Reset and
// Close in the Faulted state.
func (p *Propagator) acquire(allowFaulted bool) error {
	if !p.busy.CompareAndSwap(false, true) {
		if p.Status() == Disposed {
			return ErrUseAfterDispose
		}
		return ErrBusy
	}
	switch p.Status() {
	case Disposed:
		p.busy.Store(false)
		return ErrUseAfterDispose
	case Faulted:
		if !allowFaulted {
			p.busy.Store(false)
			return ErrFaulted
		}
	}
	return nil
}

func (p *Propagator) release() { p.busy.Store(false) }

// Status reports the lifecycle state.
func (p *Propagator) Status() Status { return Status(p.status.Load()) }

// Step advances the simulation by one dt.
func (p *Propagator) Step(ctx context.Context) error {
	if err := p.acquire(false); err != nil {
		return err
	}
	defer p.release()
	return p.step(ctx)
}

// Run performs n sequential steps, stopping at the first error.
func (p *Propagator) Run(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("propagator: negative step count %d", n)
	}
	if err := p.acquire(false); err != nil {
		return err
	}
	defer p.release()
	for i := 0; i < n; i++ {
		if err := p.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Propagator) step(ctx context.Context) error {
	p.status.Store(int32(Stepping))
	if p.perf != nil {
		p.perf.StartTick()
	}
	err := p.backend.Step(ctx)
	if p.perf != nil {
		p.perf.EndTick()
	}

	if err != nil {
		if isCancel(err) && !errors.Is(err, gpu.ErrAbandoned) {
			// Nothing ran.
			p.status.Store(int32(Ready))
			return err
		}
		p.status.Store(int32(Faulted))
		p.logger.Warn("step failed", "step", p.Steps(), "error", err)
		return fmt.Errorf("%w: step %d: %w", ErrFaulted, p.Steps()+1, err)
	}

	p.mu.Lock()
	p.steps++
	p.time += p.cfg.Physics.DT
	p.mu.Unlock()
	p.status.Store(int32(Ready))
	return nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Reset replaces the fields with a new seed and zeroes the clock. The seed
// is validated first; on error the current state is kept. Kernels are not
// rebuilt.
func (p *Propagator) Reset(seed *config.Seed) error {
	if err := p.acquire(true); err != nil {
		return err
	}
	defer p.release()

	if seed == nil {
		return fmt.Errorf("%w: nil seed", ErrSeed)
	}
	mass, params, err := seed.Materialize(p.cfg)
	if err != nil {
		return err
	}
	if err := p.backend.Load(context.Background(), mass, params); err != nil {
		p.status.Store(int32(Faulted))
		return fmt.Errorf("%w: loading seed: %w", ErrFaulted, err)
	}

	p.mass, p.params = mass, params
	p.mu.Lock()
	p.steps = 0
	p.time = 0
	p.reference = mass.Total()
	p.mu.Unlock()
	p.status.Store(int32(Ready))

	p.logger.Info("propagator reset", "mass", p.reference)
	return nil
}

// disposed reports whether Close has run. Accessors that cannot return an
// error answer zero afterwards.
func (p *Propagator) disposed() bool {
	if p.Status() != Disposed {
		return false
	}
	p.logger.Debug("propagator accessed after Close")
	return true
}

// Steps returns the number of completed steps since construction or Reset.
// It returns 0 after Close.
func (p *Propagator) Steps() int {
	if p.disposed() {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steps
}

// Time returns the simulated time, the sum of dt over completed steps.
func (p *Propagator) Time() float64 {
	if p.disposed() {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.time
}

// Width, Height and Channels give the grid shape, or 0 after Close.
func (p *Propagator) Width() int {
	if p.disposed() {
		return 0
	}
	return p.cfg.Grid.Width
}

func (p *Propagator) Height() int {
	if p.disposed() {
		return 0
	}
	return p.cfg.Grid.Height
}

func (p *Propagator) Channels() int {
	if p.disposed() {
		return 0
	}
	return p.cfg.Grid.Channels
}

// Backend returns the name of the backend in use.
func (p *Propagator) Backend() string { return p.backend.Name() }

// Config returns a copy of the finalized configuration.
func (p *Propagator) Config() *config.Config { return p.cfg.Clone() }

// sync refreshes the host mirror. The caller holds busy.
func (p *Propagator) sync() error {
	if err := p.backend.Sync(context.Background(), p.mass, p.params); err != nil {
		return fmt.Errorf("reading state: %w", err)
	}
	return nil
}

// TotalMass returns the mass summed over every cell and channel.
func (p *Propagator) TotalMass() (float64, error) {
	if err := p.acquire(false); err != nil {
		return 0, err
	}
	defer p.release()
	if err := p.sync(); err != nil {
		return 0, err
	}
	return p.mass.Total(), nil
}

// State returns a copy of the current fields.
func (p *Propagator) State() (*State, error) {
	if err := p.acquire(false); err != nil {
		return nil, err
	}
	defer p.release()
	if err := p.sync(); err != nil {
		return nil, err
	}
	st := &State{Mass: p.mass.Clone()}
	if p.params != nil {
		st.Params = p.params.Clone()
	}
	return st, nil
}

// Stats summarizes the current fields.
func (p *Propagator) Stats() (*telemetry.Stats, error) {
	if err := p.acquire(false); err != nil {
		return nil, err
	}
	defer p.release()
	if err := p.sync(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	steps, t, ref := p.steps, p.time, p.reference
	p.mu.Unlock()

	s := telemetry.ComputeStats(steps, t, p.mass, p.params, ref)
	return &s, nil
}

// Close releases the backend. Every later call returns ErrUseAfterDispose.
func (p *Propagator) Close() error {
	if err := p.acquire(true); err != nil {
		return err
	}
	defer p.release()

	steps := p.Steps()
	p.status.Store(int32(Disposed))
	err := p.backend.Close()
	p.logger.Debug("propagator disposed", "steps", steps)
	return err
}
