// Package worker runs the fixed-size pool draining the priority queue
// and dispatching requests against the method registry.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goxel/goxeld/internal/dispatch"
	"github.com/goxel/goxeld/internal/logging"
	"github.com/goxel/goxeld/internal/protocol"
	"github.com/goxel/goxeld/internal/queue"
)

// Pool lifecycle states.
const (
	StateInitializing int32 = iota
	StateRunning
	StateStopping
	StateStopped
)

// Config configures the worker pool.
type Config struct {
	Workers         int
	ShutdownTimeout time.Duration
}

// DefaultWorkers returns the CPU count clamped to [2, 16].
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	if n > 16 {
		n = 16
	}
	return n
}

// Stats is a pool counter snapshot.
type Stats struct {
	Workers      int     `json:"workers"`
	Processed    uint64  `json:"processed"`
	Failed       uint64  `json:"failed"`
	Discarded    uint64  `json:"discarded"`
	TimedOut     uint64  `json:"timed_out"`
	AvgProcessMs float64 `json:"avg_process_ms"`
}

// Pool drains the queue with W synchronous workers.
type Pool struct {
	q    *queue.Queue
	disp *dispatch.Dispatcher
	cfg  Config

	state   atomic.Int32
	abandon atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
	timedOut  atomic.Uint64

	mu           sync.Mutex
	avgProcessMs float64 // EWMA, alpha 0.1
}

// New creates a pool over the given queue and dispatcher.
func New(q *queue.Queue, disp *dispatch.Dispatcher, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.Workers < 2 {
		cfg.Workers = 2
	}
	if cfg.Workers > 16 {
		cfg.Workers = 16
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Pool{
		q:      q,
		disp:   disp,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start spawns the workers. Idempotent after the first call.
func (p *Pool) Start() {
	if !p.state.CompareAndSwap(StateInitializing, StateRunning) {
		return
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logging.Op().Info("worker pool started", "workers", p.cfg.Workers)
}

// Stop closes the queue, lets workers drain up to the shutdown timeout,
// then abandons whatever is left. Entries never reached are discarded by
// their workers on the way out.
func (p *Pool) Stop() {
	if !p.state.CompareAndSwap(StateRunning, StateStopping) {
		return
	}
	close(p.stopCh)
	p.q.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Op().Info("worker pool drained")
	case <-time.After(p.cfg.ShutdownTimeout):
		// Queued entries reached from here on are discarded, not run.
		// A handler stuck inside the engine is left behind; the process
		// is exiting anyway.
		p.abandon.Store(true)
		logging.Op().Warn("worker pool shutdown timed out, abandoning remaining work",
			"timeout", p.cfg.ShutdownTimeout)
	}
	p.state.Store(StateStopped)
}

// Running reports whether the pool accepts work.
func (p *Pool) Running() bool {
	return p.state.Load() == StateRunning
}

// GetStats returns a counter snapshot.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	avg := p.avgProcessMs
	p.mu.Unlock()
	return Stats{
		Workers:      p.cfg.Workers,
		Processed:    p.processed.Load(),
		Failed:       p.failed.Load(),
		Discarded:    p.discarded.Load(),
		TimedOut:     p.timedOut.Load(),
		AvgProcessMs: avg,
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("worker-%d", id)

	// During drain the queue keeps handing out entries until empty;
	// Dequeue returns false once closed and dry.
	for {
		e, ok := p.q.Dequeue()
		if !ok {
			return
		}
		p.process(workerID, e)
	}
}

// process runs one entry to completion. A single entry is executed by
// exactly one worker; the worker keeps no reference to it afterwards.
func (p *Pool) process(workerID string, e *queue.Entry) {
	if e.Cancelled() || p.abandon.Load() {
		p.discarded.Add(1)
		p.q.Discard(e)
		logging.Op().Debug("discarded cancelled request", "worker", workerID, "request_id", e.RequestID)
		return
	}

	if deadline := e.Deadline(); !deadline.IsZero() && time.Now().After(deadline) {
		p.timedOut.Add(1)
		resp := protocol.NewError(e.Request.ID, protocol.CodeRequestTimeout, "request timed out", nil)
		e.Sink.Deliver(e, resp)
		p.q.Discard(e)
		return
	}

	start := time.Now()
	resp := p.dispatchSafe(e)
	elapsed := time.Since(start)

	p.mu.Lock()
	p.avgProcessMs = p.avgProcessMs*0.9 + float64(elapsed.Milliseconds())*0.1
	p.mu.Unlock()

	if resp.IsError() {
		p.failed.Add(1)
	} else {
		p.processed.Add(1)
	}

	e.Sink.Deliver(e, resp)
	p.q.Complete(e)
}

// dispatchSafe isolates handler panics: the in-flight request turns into
// an engine_failure response and the worker keeps running.
func (p *Pool) dispatchSafe(e *queue.Entry) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("handler panic recovered", "method", e.Request.Method, "panic", r)
			resp = dispatch.Errorf(dispatch.KindEngineFailure, "handler panic: %v", r).Response(e.Request.ID)
		}
	}()
	return p.disp.Dispatch(context.Background(), e.Request)
}
