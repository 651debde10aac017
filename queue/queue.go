// Package queue implements the per-conversation job queue.
//
// Every mutating operation on a conversation (send dispatch, mark-read,
// expiration-timer change) runs as a job on that conversation's queue. A
// queue executes its jobs strictly one at a time, in submission order; a
// job does not start until the previous job has finished, whatever its
// outcome. The queue serializes work, it does not retry it.
//
// Example:
//
//	q := queue.New("conv-1", 0)
//	job := q.Enqueue("send", func() error {
//	    return dispatch()
//	})
//	if err := job.Wait(); err != nil {
//	    // this job failed; the queue has already moved on
//	}
package queue

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultJobTimeout bounds how long a single job may run before the
// queue abandons it and advances to the next job.
const DefaultJobTimeout = 60 * time.Second

// ErrJobTimeout is the failure reported for a job that exceeded the
// queue's job timeout. The job's function may still be running; the
// queue no longer waits for it.
var ErrJobTimeout = errors.New("queue: job timed out")

// ErrQueueClosed is reported for jobs enqueued on, or still pending in,
// a closed queue.
var ErrQueueClosed = errors.New("queue: closed")

// Job is the handle returned by Enqueue. Callers observe their own
// job's outcome through Wait; one job's failure is never surfaced to
// another job's caller.
type Job struct {
	name string
	fn   func() error

	done chan struct{}
	err  error
}

// Wait blocks until the job has finished (or been abandoned by the
// queue) and returns its outcome.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// Done returns a channel closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the job's outcome. Valid only after Done is closed.
func (j *Job) Err() error { return j.err }

func (j *Job) finish(err error) {
	j.err = err
	close(j.done)
}

// Queue serializes jobs for one conversation. Depth is unbounded: a
// slow conversation may accumulate arbitrarily many pending jobs.
type Queue struct {
	key     string
	timeout time.Duration

	mu      sync.Mutex
	pending *list.List
	wake    chan struct{}
	closed  bool
}

// New creates a queue for the given conversation key and starts its
// worker. A non-positive timeout selects DefaultJobTimeout.
func New(key string, timeout time.Duration) *Queue {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	q := &Queue{
		key:     key,
		timeout: timeout,
		pending: list.New(),
		wake:    make(chan struct{}, 1),
	}
	go q.run()
	return q
}

// Enqueue appends a job to the tail of the queue and returns its
// handle. The job starts only after every previously enqueued job has
// finished.
func (q *Queue) Enqueue(name string, fn func() error) *Job {
	job := &Job{name: name, fn: fn, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		job.finish(ErrQueueClosed)
		return job
	}
	q.pending.PushBack(job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job
}

// Close stops the worker after the currently running job, failing all
// still-pending jobs with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of jobs not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *Queue) next() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front := q.pending.Front(); front != nil {
		q.pending.Remove(front)
		return front.Value.(*Job), false
	}
	return nil, q.closed
}

func (q *Queue) run() {
	for {
		job, done := q.next()
		if done {
			q.drain()
			return
		}
		if job == nil {
			<-q.wake
			continue
		}
		q.execute(job)
	}
}

// execute runs one job with the queue timeout. The chain advances
// regardless of the job's outcome; a panicking or overrunning job fails
// only its own caller.
func (q *Queue) execute(job *Job) {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithFields(logrus.Fields{
					"function": "execute",
					"queue":    q.key,
					"job":      job.name,
					"panic":    r,
				}).Error("Job panicked")
				result <- errors.New("queue: job panicked")
			}
		}()
		result <- job.fn()
	}()

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		job.finish(err)
	case <-timer.C:
		logrus.WithFields(logrus.Fields{
			"function": "execute",
			"queue":    q.key,
			"job":      job.name,
			"timeout":  q.timeout,
		}).Warn("Job exceeded timeout, advancing queue")
		job.finish(ErrJobTimeout)
	}
}

func (q *Queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for front := q.pending.Front(); front != nil; front = q.pending.Front() {
		q.pending.Remove(front)
		front.Value.(*Job).finish(ErrQueueClosed)
	}
}
