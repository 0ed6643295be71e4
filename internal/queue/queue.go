// Package queue provides an in-process job queue with named serialization
// lanes. Jobs in the same lane execute strictly one at a time in submission
// order; jobs in different lanes run concurrently across a fixed worker
// pool. Low-priority jobs yield to normal-priority ones when workers are
// contended.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Priority orders lanes competing for a free worker.
type Priority int

const (
	// PriorityNormal is for latency-sensitive work.
	PriorityNormal Priority = iota
	// PriorityLow is for bulk background work that must not starve
	// interactive operations.
	PriorityLow
)

// DefaultMaxAttempts caps deliveries per job when the job does not set its
// own limit.
const DefaultMaxAttempts = 5

// ErrClosed is returned by Enqueue after the queue has shut down.
var ErrClosed = errors.New("queue closed")

// Job is one unit of asynchronous work. Run is invoked once per delivery
// attempt; a returned error or a panic counts the attempt as failed and the
// job is redelivered until MaxAttempts is exhausted, after which it is
// abandoned with a log record.
type Job struct {
	ID          uuid.UUID
	Lane        string
	Priority    Priority
	MaxAttempts int
	Run         func(ctx context.Context) error
}

type pending struct {
	job      Job
	attempts int
}

// lane is a FIFO of pending jobs sharing a serialization key. At most one
// of its jobs is ever in flight.
type lane struct {
	key     string
	jobs    []*pending
	running bool
	queued  bool
}

// Queue dispatches jobs to a worker pool while enforcing per-lane mutual
// exclusion.
type Queue struct {
	workers int

	mu          sync.Mutex
	cond        *sync.Cond
	lanes       map[string]*lane
	readyNormal []*lane
	readyLow    []*lane
	closed      bool
}

// New creates a queue served by the given number of workers. Call Run to
// start delivery.
func New(workers int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		workers: workers,
		lanes:   make(map[string]*lane),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue submits a job. Jobs with an empty lane serialize under a shared
// default lane; MaxAttempts <= 0 means DefaultMaxAttempts.
func (q *Queue) Enqueue(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.ID)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	ln, ok := q.lanes[job.Lane]
	if !ok {
		ln = &lane{key: job.Lane}
		q.lanes[job.Lane] = ln
	}
	ln.jobs = append(ln.jobs, &pending{job: job})
	q.scheduleLocked(ln)
	return nil
}

// Depth returns the number of jobs waiting or in flight.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ln := range q.lanes {
		n += len(ln.jobs)
	}
	return n
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight jobs have finished. Jobs still waiting at shutdown are dropped;
// callers needing durability re-enumerate unprocessed work at startup.
func (q *Queue) Run(ctx context.Context) error {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		q.close()
	}()

	g := new(errgroup.Group)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.worker(ctx)
			return nil
		})
	}
	err := g.Wait()
	close(stop)
	return err
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// scheduleLocked marks a lane ready if it is neither running nor already
// queued. Caller holds q.mu.
func (q *Queue) scheduleLocked(ln *lane) {
	if ln.running || ln.queued || len(ln.jobs) == 0 {
		return
	}
	ln.queued = true
	if ln.jobs[0].job.Priority == PriorityLow {
		q.readyLow = append(q.readyLow, ln)
	} else {
		q.readyNormal = append(q.readyNormal, ln)
	}
	q.cond.Signal()
}

// next blocks until a lane is ready or the queue closes. Normal-priority
// lanes are always drained before low-priority ones.
func (q *Queue) next() *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.readyNormal) > 0 {
			ln := q.readyNormal[0]
			q.readyNormal = q.readyNormal[1:]
			ln.queued = false
			ln.running = true
			return ln
		}
		if len(q.readyLow) > 0 {
			ln := q.readyLow[0]
			q.readyLow = q.readyLow[1:]
			ln.queued = false
			ln.running = true
			return ln
		}
		if q.closed {
			return nil
		}
		q.cond.Wait()
	}
}

func (q *Queue) worker(ctx context.Context) {
	for {
		ln := q.next()
		if ln == nil {
			return
		}
		q.deliver(ctx, ln)
	}
}

// deliver runs one attempt of the job at the head of the lane. The head
// stays in place across failed attempts so lane FIFO order holds; it is
// popped on success or abandonment.
func (q *Queue) deliver(ctx context.Context, ln *lane) {
	q.mu.Lock()
	p := ln.jobs[0]
	q.mu.Unlock()

	// An attempt that has begun runs to completion; shutdown waits for it
	// rather than cancelling mid-run.
	err := runAttempt(context.WithoutCancel(ctx), p.job)
	p.attempts++

	done := err == nil
	if err != nil {
		if p.attempts >= p.job.MaxAttempts {
			slog.Error("job abandoned after max attempts",
				"job_id", p.job.ID, "lane", ln.key,
				"attempts", p.attempts, "error", err)
			done = true
		} else {
			slog.Warn("job attempt failed, redelivering",
				"job_id", p.job.ID, "lane", ln.key,
				"attempt", p.attempts, "error", err)
		}
	}

	q.mu.Lock()
	if done {
		ln.jobs = ln.jobs[1:]
	}
	ln.running = false
	if len(ln.jobs) > 0 {
		q.scheduleLocked(ln)
	} else {
		delete(q.lanes, ln.key)
	}
	q.mu.Unlock()
}

// runAttempt invokes the job, converting panics into errors so a
// misbehaving job cannot take down a worker.
func runAttempt(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}
