// Package parallel provides a persistent worker pool for row-partitioned
// grid passes.
package parallel

import (
	"runtime"
	"sync"
)

// serialThreshold is the minimum item count to dispatch to workers.
// Below this, running on the caller is faster than the channel round trip.
const serialThreshold = 64

// Func processes items [start, end). worker identifies the calling worker
// so callers can index per-worker scratch without locking.
type Func func(worker, start, end int)

// workChunk represents a range of items for a worker to process.
type workChunk struct {
	start, end int
	fn         Func
}

// Pool runs passes over a fixed set of persistent goroutines. Run returns
// only after every chunk finished, which makes each call a barrier. A Pool
// is driven by one goroutine at a time.
type Pool struct {
	numWorkers int

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running
}

// NewPool creates a pool of n workers; n <= 0 uses GOMAXPROCS. Workers
// start lazily on the first parallel Run.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Pool{numWorkers: n}
}

// Workers returns the worker count. Worker ids passed to Func are in
// [0, Workers()).
func (p *Pool) Workers() int { return p.numWorkers }

// start launches persistent worker goroutines.
func (p *Pool) start() {
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Close signals all workers to exit and waits for them. The pool may be
// reused afterwards; workers restart on demand.
func (p *Pool) Close() {
	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

// worker runs in a goroutine, processing chunks until stopped.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			chunk.fn(id, chunk.start, chunk.end)
			p.doneChan <- struct{}{}
		}
	}
}

// Run splits [0, n) into at most Workers() contiguous chunks and blocks
// until all of them are processed.
func (p *Pool) Run(n int, fn Func) {
	p.run(n, serialThreshold, fn)
}

// RunCoarse is Run for items heavy enough to parallelize even when there
// are only a few of them, such as workgroup tiles.
func (p *Pool) RunCoarse(n int, fn Func) {
	p.run(n, 2, fn)
}

func (p *Pool) run(n, threshold int, fn Func) {
	if n <= 0 {
		return
	}
	if n < threshold || p.numWorkers == 1 {
		fn(0, 0, n)
		return
	}

	if !p.running {
		p.start()
	}

	chunkSize := (n + p.numWorkers - 1) / p.numWorkers

	// Dispatch chunks to workers
	chunksDispatched := 0
	for w := 0; w < p.numWorkers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			continue
		}

		p.workChan <- workChunk{start: start, end: end, fn: fn}
		chunksDispatched++
	}

	// Wait for all chunks to complete
	for i := 0; i < chunksDispatched; i++ {
		<-p.doneChan
	}
}
