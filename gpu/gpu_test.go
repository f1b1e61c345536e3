package gpu

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/flowlenia/config"
	"github.com/pthm-cable/flowlenia/field"
	"github.com/pthm-cable/flowlenia/kernel"
	"github.com/pthm-cable/flowlenia/systems"
)

func TestSoftwareDeviceTiles(t *testing.T) {
	d := NewSoftwareDevice(4, 3)
	defer d.Close()

	const w, h = 10, 7
	out, err := d.NewBuffer(w * h)
	require.NoError(t, err)

	var tiles, badWorker atomic.Int32
	prog, err := d.NewProgram(ProgramSpec{
		Name: "count",
		Host: func(worker int, span systems.Span, bufs [][]float64) {
			tiles.Add(1)
			if worker < 0 || worker >= d.Workers() {
				badWorker.Add(1)
			}
			for r := span.Row0; r < span.Row1; r++ {
				for c := span.Col0; c < span.Col1; c++ {
					bufs[0][r*w+c]++
				}
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(prog, []Buffer{out}, w, h))

	got := make([]float64, w*h)
	require.NoError(t, d.Read(out, got))
	for i, v := range got {
		require.Equal(t, 1.0, v, "cell %d visited %v times", i, v)
	}
	// ceil(10/4) * ceil(7/4)
	require.Equal(t, int32(6), tiles.Load())
	require.Zero(t, badWorker.Load())
}

func TestSoftwareDeviceErrors(t *testing.T) {
	d := NewSoftwareDevice(0, 1)
	defer d.Close()

	_, err := d.NewBuffer(0)
	require.Error(t, err)

	b, err := d.NewBuffer(2)
	require.NoError(t, err)
	require.Error(t, d.Write(b, []float64{1, 2, 3}))
	require.Error(t, d.Write(Buffer(9), nil))

	_, err = d.NewProgram(ProgramSpec{Name: "empty"})
	require.Error(t, err)
	require.Error(t, d.Dispatch(Program(3), nil, 1, 1))
}

func TestBuildSource(t *testing.T) {
	src := buildSource("void main() {}\n", map[string]string{
		"WIDTH": "8",
		"DT":    glslFloat(0.2),
		"WRAP":  glslBool(true),
	})
	lines := strings.Split(src, "\n")
	require.Equal(t, "#version 430", lines[0])
	require.Equal(t, "#define DT 2e-01", lines[1])
	require.Equal(t, "#define WIDTH 8", lines[2])
	require.Equal(t, "#define WRAP 1", lines[3])
	require.Equal(t, "void main() {}", lines[4])

	for _, body := range []string{affinitySource, flowSource, advectSource} {
		require.Contains(t, body, "void main()")
		require.Contains(t, body, "local_size_x = LOCAL_SIZE")
	}
}

func TestSource(t *testing.T) {
	cfg, err := config.Parse([]byte(`
grid: {width: 32, height: 24, channels: 2}
kernels: [{radius: 3}, {source: 1, target: 0, radius: 2}]
embedding: {enabled: true, linear_mixing: true}
backend: {kind: gpu, workgroup: 8}
`))
	require.NoError(t, err)
	stencils, err := kernel.Build(cfg)
	require.NoError(t, err)
	e := systems.NewEngine(cfg, stencils)

	for _, pass := range Passes {
		src, err := Source(cfg, e, pass)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(src, "#version 430\n"))
		require.Contains(t, src, "#define WIDTH 32\n")
		require.Contains(t, src, "#define CHANNELS 2\n")
		require.Contains(t, src, "#define NUM_STENCILS 2\n")
		require.Contains(t, src, "#define SOFTMAX 0\n")
		require.Contains(t, src, "#define LOCAL_SIZE 8\n")
	}
	_, err = Source(cfg, e, "blur")
	require.Error(t, err)
}

func TestOpenerFor(t *testing.T) {
	open, err := OpenerFor("software", 8, 1)
	require.NoError(t, err)
	d, err := open()
	require.NoError(t, err)
	require.Equal(t, "software", d.Name())
	require.NoError(t, d.Close())

	_, err = OpenerFor("vulkan", 8, 1)
	require.Error(t, err)
}

func newBackend(t *testing.T, yaml string) (*Backend, *systems.Engine, *config.Config) {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	stencils, err := kernel.Build(cfg)
	require.NoError(t, err)
	engine := systems.NewEngine(cfg, stencils)
	open, err := OpenerFor("software", cfg.Backend.Workgroup, 2)
	require.NoError(t, err)
	b, err := NewBackend(cfg, engine, open, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, engine, cfg
}

func TestBackendLoadSync(t *testing.T) {
	b, _, cfg := newBackend(t, `
grid: {width: 12, height: 9, channels: 2}
kernels: [{radius: 2}]
embedding: {enabled: true}
backend: {kind: gpu, workgroup: 4}
`)
	require.Equal(t, "gpu/software", b.Name())

	mass := field.NewMassField(2, 12, 9)
	for i := range mass.Data {
		mass.Data[i] = float64(i) / 100
	}
	params := field.NewParameterGrid(12, 9, cfg.Derived.DefaultParams)
	params.Set(5, field.CellParams{Mu: 0.3, Sigma: 0.02, Weight: 1, Beta: 1, N: 1})

	ctx := context.Background()
	require.NoError(t, b.Load(ctx, mass, params))

	gotMass := field.NewMassField(2, 12, 9)
	gotParams := field.NewParameterGrid(12, 9, field.CellParams{})
	require.NoError(t, b.Sync(ctx, gotMass, gotParams))
	require.Equal(t, mass.Data, gotMass.Data)
	require.Equal(t, params.Data, gotParams.Data)
}

// The backend must produce the same step as running the passes serially.
func TestBackendStepMatchesSerial(t *testing.T) {
	const w, h = 20, 14
	b, e, cfg := newBackend(t, `
grid: {width: 20, height: 14}
physics: {boundary: clamp}
kernels: [{radius: 3, rings: [1.0, 0.5]}]
backend: {kind: gpu, workgroup: 8}
`)

	mass := field.NewMassField(1, w, h)
	for r := 4; r < 10; r++ {
		for c := 5; c < 12; c++ {
			mass.Set(0, r, c, float64((r*7+c*3)%5)/4)
		}
	}
	ctx := context.Background()
	require.NoError(t, b.Load(ctx, mass, nil))
	require.NoError(t, b.Step(ctx))
	require.NoError(t, b.Step(ctx))

	got := field.NewMassField(1, w, h)
	require.NoError(t, b.Sync(ctx, got, nil))

	cur, next := mass.Clone(), field.NewMassField(1, w, h)
	s := systems.NewScratch(1, w, h, 0)
	all := systems.Rows(0, h, w)
	for i := 0; i < 2; i++ {
		params := e.Params(nil)
		e.Affinity.Tile(s, cur, params, nil, all)
		e.Flow.Tile(s, params, all)
		e.Advection.Tile(next, nil, cur, nil, s.Flow, all, systems.NewGather(cfg.Physics.GatherRadius))
		cur, next = next, cur
	}
	require.Equal(t, cur.Data, got.Data)
	require.InDelta(t, mass.Total(), got.Total(), 1e-9)
}

func TestBackendReusesGathers(t *testing.T) {
	b, _, _ := newBackend(t, `
grid: {width: 24, height: 24}
kernels: [{radius: 2}]
backend: {kind: gpu, workgroup: 4}
`)
	require.Len(t, b.gathers, 2)
	before := append([]*systems.Gather(nil), b.gathers...)

	mass := field.NewMassField(1, 24, 24)
	mass.Set(0, 12, 12, 1)
	ctx := context.Background()
	require.NoError(t, b.Load(ctx, mass, nil))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Step(ctx))
	}
	got := field.NewMassField(1, 24, 24)
	require.NoError(t, b.Sync(ctx, got, nil))
	require.InDelta(t, 1.0, got.Total(), 1e-9)
	require.Equal(t, before, b.gathers)
}

func TestBackendClosed(t *testing.T) {
	b, _, _ := newBackend(t, `
grid: {width: 8, height: 8}
kernels: [{radius: 1}]
backend: {kind: gpu}
`)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Step(context.Background()), errClosed)
}
