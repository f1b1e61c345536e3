package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/pthm-cable/flowlenia/config"
	"github.com/pthm-cable/flowlenia/field"
	"github.com/pthm-cable/flowlenia/systems"
	"github.com/pthm-cable/flowlenia/telemetry"
)

var errClosed = errors.New("gpu: backend closed")

// ErrAbandoned marks a command whose caller stopped waiting after it was
// queued. The command may still run, so device state is unknown.
var ErrAbandoned = errors.New("gpu: command abandoned")

// command is one unit of device work with its completion signal.
type command struct {
	run  func(Device) error
	done chan error
}

// Backend executes simulation steps on a Device. All device calls happen on
// one goroutine locked to its OS thread, in submission order, so a readback
// always observes every step submitted before it.
type Backend struct {
	name   string
	logger *slog.Logger
	perf   *telemetry.PerfCollector

	cmds      chan command
	wg        sync.WaitGroup
	closeOnce sync.Once

	width, height, channels int
	embedded                bool

	// Device-side state, touched only by the device goroutine.
	mass       [2]Buffer
	params     [2]Buffer
	sum        Buffer
	affinity   Buffer
	flow       Buffer
	taps       Buffer
	stencils   Buffer
	progAff    Program
	progFlow   Program
	progAdvect Program
	cur        int

	// gathers holds one advection gather per software worker.
	gathers []*systems.Gather
}

// hostWorkers is implemented by devices that run host functions on a
// fixed set of goroutines.
type hostWorkers interface {
	Workers() int
}

// NewBackend opens a device through open and uploads programs for engine.
// Failure to open the device wraps ErrDeviceUnavailable.
func NewBackend(cfg *config.Config, engine *systems.Engine, open Opener, logger *slog.Logger, perf *telemetry.PerfCollector) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		logger:   logger,
		perf:     perf,
		cmds:     make(chan command, 4),
		width:    cfg.Grid.Width,
		height:   cfg.Grid.Height,
		channels: cfg.Grid.Channels,
		embedded: engine.Embedded(),
	}

	ready := make(chan error, 1)
	b.wg.Add(1)
	go b.loop(open, ready)
	if err := <-ready; err != nil {
		b.wg.Wait()
		return nil, err
	}

	err := b.submit(context.Background(), func(d Device) error {
		b.name = d.Name()
		return b.setup(d, cfg, engine)
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("gpu: setting up device: %w", err)
	}
	b.logger.Debug("gpu backend ready", "device", b.name, "width", b.width, "height", b.height)
	return b, nil
}

// loop owns the device for its whole lifetime.
func (b *Backend) loop(open Opener, ready chan<- error) {
	defer b.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dev, err := open()
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		ready <- err
		return
	}
	ready <- nil

	for cmd := range b.cmds {
		cmd.done <- cmd.run(dev)
	}
	if err := dev.Close(); err != nil {
		b.logger.Warn("closing gpu device", "error", err)
	}
}

// submit queues fn and waits for it or for ctx. A ctx that ends before the
// command is queued returns ctx.Err(); one that ends afterwards returns
// ErrAbandoned wrapping ctx.Err().
func (b *Backend) submit(ctx context.Context, fn func(Device) error) (err error) {
	defer func() {
		if recover() != nil {
			err = errClosed
		}
	}()
	done := make(chan error, 1)
	select {
	case b.cmds <- command{run: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
	}
}

func (b *Backend) setup(d Device, cfg *config.Config, e *systems.Engine) error {
	n := b.width * b.height
	c := b.channels

	paramLen := 1
	if b.embedded {
		paramLen = field.NumParams * n
	}

	var taps, meta []float64
	for _, st := range e.Affinity.Stencils {
		meta = append(meta,
			float64(st.Source), float64(st.Target), float64(st.Radius),
			float64(len(taps)/3), float64(len(st.Taps)),
			st.Growth.Mu, st.Growth.Sigma, st.Growth.Weight)
		for _, t := range st.Taps {
			taps = append(taps, float64(t.DR), float64(t.DC), t.W)
		}
	}

	alloc := []struct {
		dst  *Buffer
		size int
	}{
		{&b.mass[0], c * n}, {&b.mass[1], c * n},
		{&b.params[0], paramLen}, {&b.params[1], paramLen},
		{&b.sum, n}, {&b.affinity, c * n}, {&b.flow, 2 * c * n},
		{&b.taps, len(taps)}, {&b.stencils, len(meta)},
	}
	for _, a := range alloc {
		buf, err := d.NewBuffer(a.size)
		if err != nil {
			return err
		}
		*a.dst = buf
	}
	if err := d.Write(b.taps, taps); err != nil {
		return err
	}
	if err := d.Write(b.stencils, meta); err != nil {
		return err
	}

	defs := defines(cfg, e)

	if hw, ok := d.(hostWorkers); ok {
		b.gathers = make([]*systems.Gather, hw.Workers())
		for i := range b.gathers {
			b.gathers[i] = systems.NewGather(e.Advection.Radius)
		}
	}

	var err error
	if b.progAff, err = d.NewProgram(b.affinityProgram(e, defs)); err != nil {
		return err
	}
	if b.progFlow, err = d.NewProgram(b.flowProgram(e, defs)); err != nil {
		return err
	}
	if b.progAdvect, err = d.NewProgram(b.advectProgram(e, defs)); err != nil {
		return err
	}
	return nil
}

// Host views over raw device buffers.

func (b *Backend) massView(data []float64) *field.MassField {
	return &field.MassField{Channels: b.channels, Width: b.width, Height: b.height, Data: data}
}

func (b *Backend) paramsView(data []float64) *field.ParameterGrid {
	if !b.embedded {
		return nil
	}
	return &field.ParameterGrid{Width: b.width, Height: b.height, Data: data}
}

func (b *Backend) affinityProgram(e *systems.Engine, defs map[string]string) ProgramSpec {
	return ProgramSpec{
		Name:   "affinity",
		Source: buildSource(affinitySource, defs),
		Host: func(_ int, span systems.Span, bufs [][]float64) {
			s := &systems.Scratch{Width: b.width, Height: b.height, Channels: b.channels, Sum: bufs[2], Affinity: bufs[3]}
			e.Affinity.Tile(s, b.massView(bufs[0]), e.Params(b.paramsView(bufs[1])), nil, span)
		},
	}
}

func (b *Backend) flowProgram(e *systems.Engine, defs map[string]string) ProgramSpec {
	return ProgramSpec{
		Name:   "flow",
		Source: buildSource(flowSource, defs),
		Host: func(_ int, span systems.Span, bufs [][]float64) {
			s := &systems.Scratch{Width: b.width, Height: b.height, Channels: b.channels, Sum: bufs[0], Affinity: bufs[1], Flow: bufs[3]}
			e.Flow.Tile(s, e.Params(b.paramsView(bufs[2])), span)
		},
	}
}

func (b *Backend) advectProgram(e *systems.Engine, defs map[string]string) ProgramSpec {
	return ProgramSpec{
		Name:   "advect",
		Source: buildSource(advectSource, defs),
		Host: func(worker int, span systems.Span, bufs [][]float64) {
			e.Advection.Tile(
				b.massView(bufs[3]), b.paramsView(bufs[4]),
				b.massView(bufs[0]), b.paramsView(bufs[1]),
				bufs[2], span, b.gathers[worker])
		},
	}
}

// Name identifies the device in use.
func (b *Backend) Name() string { return "gpu/" + b.name }

// Load uploads a new state into the current buffers.
func (b *Backend) Load(ctx context.Context, mass *field.MassField, params *field.ParameterGrid) error {
	massData := append([]float64(nil), mass.Data...)
	var paramData []float64
	if b.embedded && params != nil {
		paramData = append([]float64(nil), params.Data...)
	}
	return b.submit(ctx, func(d Device) error {
		if err := d.Write(b.mass[b.cur], massData); err != nil {
			return err
		}
		if paramData != nil {
			return d.Write(b.params[b.cur], paramData)
		}
		return nil
	})
}

// Step dispatches affinity, flow and advection with a barrier between each
// and then swaps the front and back buffers.
func (b *Backend) Step(ctx context.Context) error {
	if b.perf != nil {
		b.perf.StartPhase(telemetry.PhaseDispatch)
	}
	return b.submit(ctx, func(d Device) error {
		cur, next := b.cur, 1-b.cur
		w, h := b.width, b.height

		if err := d.Dispatch(b.progAff, []Buffer{b.mass[cur], b.params[cur], b.sum, b.affinity, b.taps, b.stencils}, w, h); err != nil {
			return fmt.Errorf("affinity pass: %w", err)
		}
		if err := d.Barrier(); err != nil {
			return err
		}
		if err := d.Dispatch(b.progFlow, []Buffer{b.sum, b.affinity, b.params[cur], b.flow}, w, h); err != nil {
			return fmt.Errorf("flow pass: %w", err)
		}
		if err := d.Barrier(); err != nil {
			return err
		}
		if err := d.Dispatch(b.progAdvect, []Buffer{b.mass[cur], b.params[cur], b.flow, b.mass[next], b.params[next]}, w, h); err != nil {
			return fmt.Errorf("advection pass: %w", err)
		}
		if err := d.Barrier(); err != nil {
			return err
		}
		b.cur = next
		return nil
	})
}

// Sync reads the current state back into mass and params.
func (b *Backend) Sync(ctx context.Context, mass *field.MassField, params *field.ParameterGrid) error {
	if b.perf != nil {
		b.perf.StartPhase(telemetry.PhaseReadback)
	}
	massData := make([]float64, len(mass.Data))
	var paramData []float64
	if b.embedded && params != nil {
		paramData = make([]float64, len(params.Data))
	}
	err := b.submit(ctx, func(d Device) error {
		if err := d.Read(b.mass[b.cur], massData); err != nil {
			return err
		}
		if paramData != nil {
			return d.Read(b.params[b.cur], paramData)
		}
		return nil
	})
	if err != nil {
		return err
	}
	copy(mass.Data, massData)
	if paramData != nil {
		copy(params.Data, paramData)
	}
	return nil
}

// Close stops the device goroutine and releases the device.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.cmds)
		b.wg.Wait()
	})
	return nil
}
