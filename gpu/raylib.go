//go:build raylib

package gpu

import (
	"fmt"
	"unsafe"

	rl "github.com/gen2brain/raylib-go/raylib"
)

// OpenGL enums not re-exported by raylib-go.
const (
	glComputeShader = 0x91B9
	glDynamicCopy   = 0x88EA
)

type raylibBuffer struct {
	id   uint32
	size int // in floats
}

// RaylibDevice dispatches GLSL compute shaders through raylib's rlgl layer.
// Storage is float32, so results agree with the cpu backend only within
// single precision. Requires an OpenGL 4.3 context (build raylib-go with
// the opengl43 tag).
type RaylibDevice struct {
	workgroup int
	buffers   []raylibBuffer
	programs  []uint32
	staging   []float32
}

// NewRaylibDevice opens a hidden window to obtain a GL context. It must be
// called on the thread that will issue every later device call.
func NewRaylibDevice(workgroup int) (Device, error) {
	if workgroup <= 0 {
		workgroup = 16
	}
	rl.SetTraceLogLevel(rl.LogWarning)
	rl.SetConfigFlags(rl.FlagWindowHidden)
	rl.InitWindow(1, 1, "flowlenia")
	if !rl.IsWindowReady() {
		return nil, fmt.Errorf("%w: no OpenGL context", ErrDeviceUnavailable)
	}
	return &RaylibDevice{workgroup: workgroup}, nil
}

func (d *RaylibDevice) Name() string { return "raylib" }

func (d *RaylibDevice) NewBuffer(n int) (Buffer, error) {
	if n <= 0 {
		return 0, fmt.Errorf("gpu: buffer size must be positive, got %d", n)
	}
	id := rl.LoadShaderBuffer(uint32(n*4), nil, glDynamicCopy)
	if id == 0 {
		return 0, fmt.Errorf("gpu: allocating %d floats failed", n)
	}
	d.buffers = append(d.buffers, raylibBuffer{id: id, size: n})
	return Buffer(len(d.buffers) - 1), nil
}

func (d *RaylibDevice) buffer(b Buffer) (raylibBuffer, error) {
	if int(b) < 0 || int(b) >= len(d.buffers) {
		return raylibBuffer{}, fmt.Errorf("gpu: invalid buffer %d", b)
	}
	return d.buffers[b], nil
}

func (d *RaylibDevice) stage(n int) []float32 {
	if cap(d.staging) < n {
		d.staging = make([]float32, n)
	}
	return d.staging[:n]
}

func (d *RaylibDevice) Write(b Buffer, data []float64) error {
	buf, err := d.buffer(b)
	if err != nil {
		return err
	}
	if len(data) > buf.size {
		return fmt.Errorf("gpu: write of %d values into buffer of %d", len(data), buf.size)
	}
	if len(data) == 0 {
		return nil
	}
	st := d.stage(len(data))
	for i, v := range data {
		st[i] = float32(v)
	}
	rl.UpdateShaderBuffer(buf.id, unsafe.Pointer(&st[0]), uint32(len(st)*4), 0)
	return nil
}

func (d *RaylibDevice) Read(b Buffer, dst []float64) error {
	buf, err := d.buffer(b)
	if err != nil {
		return err
	}
	n := min(len(dst), buf.size)
	if n == 0 {
		return nil
	}
	st := d.stage(n)
	rl.ReadShaderBuffer(buf.id, unsafe.Pointer(&st[0]), uint32(n*4), 0)
	for i, v := range st {
		dst[i] = float64(v)
	}
	return nil
}

func (d *RaylibDevice) NewProgram(spec ProgramSpec) (Program, error) {
	shader := rl.CompileShader(spec.Source, glComputeShader)
	if shader == 0 {
		return 0, fmt.Errorf("gpu: compiling %s shader failed", spec.Name)
	}
	prog := rl.LoadComputeShaderProgram(shader)
	if prog == 0 {
		return 0, fmt.Errorf("gpu: linking %s program failed", spec.Name)
	}
	d.programs = append(d.programs, prog)
	return Program(len(d.programs) - 1), nil
}

func (d *RaylibDevice) Dispatch(p Program, bufs []Buffer, w, h int) error {
	if int(p) < 0 || int(p) >= len(d.programs) {
		return fmt.Errorf("gpu: invalid program %d", p)
	}
	rl.EnableShader(d.programs[p])
	for slot, b := range bufs {
		buf, err := d.buffer(b)
		if err != nil {
			rl.DisableShader()
			return err
		}
		rl.BindShaderBuffer(buf.id, uint32(slot))
	}
	gx := (w + d.workgroup - 1) / d.workgroup
	gy := (h + d.workgroup - 1) / d.workgroup
	rl.ComputeShaderDispatch(uint32(gx), uint32(gy), 1)
	rl.DisableShader()
	return nil
}

// Barrier flushes the render batch. rlgl exposes no glMemoryBarrier, so
// ordering between dispatches relies on the driver serializing work on
// the same context.
func (d *RaylibDevice) Barrier() error {
	rl.DrawRenderBatchActive()
	return nil
}

func (d *RaylibDevice) Close() error {
	for _, p := range d.programs {
		rl.UnloadShaderProgram(p)
	}
	for _, b := range d.buffers {
		rl.UnloadShaderBuffer(b.id)
	}
	d.programs = nil
	d.buffers = nil
	rl.CloseWindow()
	return nil
}
