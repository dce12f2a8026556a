package runtime

import "sync"

// Strand serializes jobs on top of the shared worker pool. Jobs posted to
// one strand execute in post order and never concurrently with each other,
// even while many workers drain the pool. Different strands run in
// parallel.
type Strand struct {
	r *Runtime

	mu      sync.Mutex
	queue   []func()
	running bool
}

// NewStrand creates a serial executor over this runtime.
func (r *Runtime) NewStrand() *Strand {
	return &Strand{r: r}
}

// Post enqueues a job on the strand. If no drain pass is active, one is
// scheduled on the worker pool. Jobs posted after the runtime stopped are
// dropped.
func (s *Strand) Post(job func()) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	if !s.r.Post(s.drain) {
		s.mu.Lock()
		s.running = false
		s.queue = nil
		s.mu.Unlock()
	}
}

// drain runs queued jobs one at a time. The lock is released around each
// job so posts from inside a job (or from other goroutines) do not block on
// the running job.
func (s *Strand) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		job()
	}
}
