// Package runtime provides the shared I/O runtime that drives every
// session in the process.
//
// A Runtime owns a bounded pool of workers that execute posted jobs. Each
// session overlays a Strand on the pool: jobs posted to the same strand run
// one at a time and in order, regardless of how many workers drain the pool.
// Blocking socket reads live in dedicated loops (Go), which park on the
// kernel rather than occupy a worker.
//
// The runtime is constructed and stopped explicitly by the embedding
// program. There is no on-demand construction and no package-level instance.
package runtime

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"
	log "github.com/sirupsen/logrus"
)

// Runtime is the shared executor. All strand jobs run on its workers.
type Runtime struct {
	jobs    chan func()
	workers *taskgroup.Group
	loops   sync.WaitGroup
	quit    chan struct{}
	stopped atomic.Bool
}

// New starts a runtime with the given number of workers; workers <= 0 uses
// one worker per CPU.
func New(workers int) *Runtime {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	r := &Runtime{
		jobs: make(chan func(), 128),
		quit: make(chan struct{}),
	}
	r.workers = taskgroup.New(nil)
	for i := 0; i < workers; i++ {
		r.workers.Go(r.work)
	}
	log.Debugf("runtime started with %d workers", workers)
	return r
}

func (r *Runtime) work() error {
	for {
		select {
		case job := <-r.jobs:
			job()
		case <-r.quit:
			// Drain jobs already queued so strands do not lose posted work.
			for {
				select {
				case job := <-r.jobs:
					job()
				default:
					return nil
				}
			}
		}
	}
}

// Post submits a job to the worker pool. Reports false if the runtime is
// stopped and the job was dropped.
func (r *Runtime) Post(job func()) bool {
	if r.stopped.Load() {
		return false
	}
	select {
	case r.jobs <- job:
		return true
	case <-r.quit:
		return false
	}
}

// Go runs f in a dedicated goroutine, outside the worker pool. Sessions use
// this for loops that block on socket reads. The caller is responsible for
// unblocking f (closing its socket) before Stop; Stop does not wait for
// loops that are still parked in the kernel.
func (r *Runtime) Go(f func()) {
	if r.stopped.Load() {
		return
	}
	r.loops.Add(1)
	go func() {
		defer r.loops.Done()
		f()
	}()
}

// IsStopped reports whether Stop has been called.
func (r *Runtime) IsStopped() bool {
	return r.stopped.Load()
}

// Stop shuts the worker pool down after draining queued jobs. Posting after
// Stop is a no-op.
func (r *Runtime) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	close(r.quit)
	r.workers.Wait()
	log.Debug("runtime stopped")
}
