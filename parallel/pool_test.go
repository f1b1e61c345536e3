package parallel

import (
	"sync/atomic"
	"testing"
)

func TestPoolCoversRange(t *testing.T) {
	for _, n := range []int{0, 1, 63, 64, 65, 1000} {
		p := NewPool(4)
		hits := make([]int32, n)
		p.Run(n, func(_, start, end int) {
			for i := start; i < end; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		p.Close()

		for i, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: item %d visited %d times", n, i, h)
			}
		}
	}
}

func TestRunCoarseSmallCounts(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var items atomic.Int32
	var chunks atomic.Int32
	p.RunCoarse(3, func(_, start, end int) {
		chunks.Add(1)
		items.Add(int32(end - start))
	})
	if items.Load() != 3 {
		t.Errorf("expected 3 items, got %d", items.Load())
	}
	if chunks.Load() != 3 {
		t.Errorf("expected one chunk per item, got %d chunks", chunks.Load())
	}
}

func TestPoolWorkerIDs(t *testing.T) {
	p := NewPool(3)
	defer p.Close()

	var bad atomic.Int32
	p.Run(300, func(worker, _, _ int) {
		if worker < 0 || worker >= p.Workers() {
			bad.Add(1)
		}
	})
	if bad.Load() != 0 {
		t.Errorf("worker id out of range in %d chunks", bad.Load())
	}
}

func TestPoolBarrier(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	n := 512
	a := make([]int, n)
	b := make([]int, n)
	for pass := 0; pass < 20; pass++ {
		p.Run(n, func(_, start, end int) {
			for i := start; i < end; i++ {
				a[i] = pass
			}
		})
		// Every write of the previous pass must be visible here.
		p.Run(n, func(_, start, end int) {
			for i := start; i < end; i++ {
				b[i] = a[n-1-i]
			}
		})
		for i := range b {
			if b[i] != pass {
				t.Fatalf("pass %d: b[%d] = %d", pass, i, b[i])
			}
		}
	}
}

func TestPoolRestartAfterClose(t *testing.T) {
	p := NewPool(2)
	var count atomic.Int64
	fn := func(_, start, end int) { count.Add(int64(end - start)) }

	p.Run(100, fn)
	p.Close()
	p.Close() // idempotent
	p.Run(100, fn)
	p.Close()

	if count.Load() != 200 {
		t.Errorf("expected 200 items, got %d", count.Load())
	}
}

func TestNewPoolDefaultsToGOMAXPROCS(t *testing.T) {
	if NewPool(0).Workers() < 1 {
		t.Error("expected at least one worker")
	}
}

func BenchmarkPoolRun(b *testing.B) {
	p := NewPool(0)
	defer p.Close()
	data := make([]float64, 1<<16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Run(len(data), func(_, start, end int) {
			for j := start; j < end; j++ {
				data[j] += 1
			}
		})
	}
}
