package gpu

import (
	"fmt"

	"github.com/pthm-cable/flowlenia/parallel"
	"github.com/pthm-cable/flowlenia/systems"
)

// SoftwareDevice executes each program's host function per workgroup tile
// on a worker pool. It keeps float64 storage, so results match the cpu
// backend exactly.
type SoftwareDevice struct {
	workgroup int
	pool      *parallel.Pool
	buffers   [][]float64
	programs  []ProgramSpec
	bound     [][]float64
}

// NewSoftwareDevice creates a device with square tiles of edge workgroup.
// workers <= 0 uses GOMAXPROCS.
func NewSoftwareDevice(workgroup, workers int) *SoftwareDevice {
	if workgroup <= 0 {
		workgroup = 16
	}
	return &SoftwareDevice{workgroup: workgroup, pool: parallel.NewPool(workers)}
}

func (d *SoftwareDevice) Name() string { return "software" }

// Workers returns the number of goroutines tiles run on. Worker ids passed
// to host functions are in [0, Workers()).
func (d *SoftwareDevice) Workers() int { return d.pool.Workers() }

func (d *SoftwareDevice) NewBuffer(n int) (Buffer, error) {
	if n <= 0 {
		return 0, fmt.Errorf("gpu: buffer size must be positive, got %d", n)
	}
	d.buffers = append(d.buffers, make([]float64, n))
	return Buffer(len(d.buffers) - 1), nil
}

func (d *SoftwareDevice) buffer(b Buffer) ([]float64, error) {
	if int(b) < 0 || int(b) >= len(d.buffers) || d.buffers[b] == nil {
		return nil, fmt.Errorf("gpu: invalid buffer %d", b)
	}
	return d.buffers[b], nil
}

func (d *SoftwareDevice) Write(b Buffer, data []float64) error {
	buf, err := d.buffer(b)
	if err != nil {
		return err
	}
	if len(data) > len(buf) {
		return fmt.Errorf("gpu: write of %d values into buffer of %d", len(data), len(buf))
	}
	copy(buf, data)
	return nil
}

func (d *SoftwareDevice) Read(b Buffer, dst []float64) error {
	buf, err := d.buffer(b)
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func (d *SoftwareDevice) NewProgram(spec ProgramSpec) (Program, error) {
	if spec.Host == nil {
		return 0, fmt.Errorf("gpu: program %q has no host function", spec.Name)
	}
	d.programs = append(d.programs, spec)
	return Program(len(d.programs) - 1), nil
}

func (d *SoftwareDevice) Dispatch(p Program, bufs []Buffer, w, h int) error {
	if int(p) < 0 || int(p) >= len(d.programs) {
		return fmt.Errorf("gpu: invalid program %d", p)
	}
	d.bound = d.bound[:0]
	for _, b := range bufs {
		buf, err := d.buffer(b)
		if err != nil {
			return err
		}
		d.bound = append(d.bound, buf)
	}

	host := d.programs[p].Host
	bound := d.bound
	wg := d.workgroup
	tilesX := (w + wg - 1) / wg
	tilesY := (h + wg - 1) / wg
	d.pool.RunCoarse(tilesX*tilesY, func(worker, start, end int) {
		for t := start; t < end; t++ {
			tx, ty := t%tilesX, t/tilesX
			host(worker, systems.Span{
				Row0: ty * wg, Row1: min((ty+1)*wg, h),
				Col0: tx * wg, Col1: min((tx+1)*wg, w),
			}, bound)
		}
	})
	return nil
}

// Barrier is implicit: Dispatch returns after every tile finished.
func (d *SoftwareDevice) Barrier() error { return nil }

func (d *SoftwareDevice) Close() error {
	d.pool.Close()
	d.buffers = nil
	d.programs = nil
	return nil
}
