// Package worker provides the ordered, single-goroutine work queues the
// capture contexts use for sensor I/O and frame-done completion.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("worker: already started")
)

// Job is one unit of work. ctx is the queue's lifecycle context.
type Job func(ctx context.Context)

// item is a queued job. Barriers are Flush markers and do not count toward
// depth.
type item struct {
	job     Job
	barrier bool
}

// Stats is a snapshot of queue activity.
type Stats struct {
	Name      string
	Pending   int    // jobs queued, not yet running
	Running   bool   // a job is executing
	MaxDepth  int    // high-water mark of pending+running
	Submitted uint64 // jobs accepted
	Processed uint64 // jobs completed
	Rejected  uint64 // jobs refused after Stop
}

// Queue runs submitted jobs one at a time in submission order.
//
// Goroutine topology:
//   - 1 fixed: run loop (spawned by Start, joined by Stop)
//
// Semantics:
//   - Submit never blocks
//   - Jobs submitted before Stop are run before Stop returns
//   - Jobs submitted after Stop are rejected
//
// Thread-safety: All methods safe for concurrent use.
type Queue struct {
	name string

	mu       sync.Mutex
	cond     *sync.Cond
	jobs     []item
	running  bool
	closing  bool
	started  bool
	maxDepth int

	submitted atomic.Uint64
	processed atomic.Uint64
	rejected  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped queue.
func New(name string) *Queue {
	q := &Queue{name: name}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue name given to New.
func (q *Queue) Name() string { return q.name }

// Start spawns the run loop. Cancelling ctx has the same effect as Stop
// without the wait.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return ErrAlreadyStarted
	}
	q.started = true
	q.closing = false
	q.ctx, q.cancel = context.WithCancel(ctx)

	runCtx := q.ctx
	context.AfterFunc(runCtx, func() {
		q.mu.Lock()
		if q.ctx == runCtx {
			q.closing = true
			q.cond.Broadcast()
		}
		q.mu.Unlock()
	})

	q.wg.Add(1)
	go q.loop()
	return nil
}

// Submit queues job. Returns false when the queue is stopped.
func (q *Queue) Submit(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started || q.closing {
		q.rejected.Add(1)
		return false
	}

	q.jobs = append(q.jobs, item{job: job})
	q.submitted.Add(1)
	if d := q.depthLocked(); d > q.maxDepth {
		q.maxDepth = d
	}
	q.cond.Signal()
	return true
}

// Busy reports whether a job is queued or running.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked() > 0
}

// Flush blocks until every job submitted before the call has run. Returns
// immediately on a stopped queue.
func (q *Queue) Flush() {
	done := make(chan struct{})
	if !q.submitBarrier(func(context.Context) { close(done) }) {
		return
	}
	<-done
}

// submitBarrier queues job without touching the depth statistics.
func (q *Queue) submitBarrier(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started || q.closing {
		return false
	}
	q.jobs = append(q.jobs, item{job: job, barrier: true})
	q.cond.Signal()
	return true
}

// Stop rejects new jobs, runs the ones already queued and joins the loop.
// Idempotent.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.closing = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()
	cancel()
	return nil
}

// Stats returns a snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:      q.name,
		Pending:   q.depthLocked() - boolToInt(q.running),
		Running:   q.running,
		MaxDepth:  q.maxDepth,
		Submitted: q.submitted.Load(),
		Processed: q.processed.Load(),
		Rejected:  q.rejected.Load(),
	}
}

func (q *Queue) depthLocked() int {
	d := 0
	for _, it := range q.jobs {
		if !it.barrier {
			d++
		}
	}
	if q.running {
		d++
	}
	return d
}

// loop pops jobs in order until the queue is closing and empty.
func (q *Queue) loop() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.jobs) == 0 {
			if q.closing {
				q.mu.Unlock()
				return
			}
			q.cond.Wait()
		}
		it := q.jobs[0]
		q.jobs[0] = item{}
		q.jobs = q.jobs[1:]
		q.running = !it.barrier
		ctx := q.ctx
		q.mu.Unlock()

		it.job(ctx)

		if it.barrier {
			continue
		}
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		q.processed.Add(1)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
