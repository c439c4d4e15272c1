// Package task implements the fire-and-forget background work binding from
// spec.md §2/§4.9: cache invalidations, metrics flushes, and persistence
// side-effects posted from the request path without the submitter ever
// blocking on or observing the result.
package task

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task is one fire-and-forget unit of background work.
type Task struct {
	ID         string
	Kind       string
	Payload    any
	EnqueuedAt time.Time
	Attempts   int
}

// Handler processes one Task of a registered Kind.
type Handler func(ctx context.Context, t Task) error

// Publisher hands a Task off to a durable transport instead of running it
// locally. Queue.SetPublisher installs one to back the queue with
// RabbitMQ (task/amqp.go) for cross-worker fan-out.
type Publisher interface {
	Publish(ctx context.Context, t Task) error
}

// Queue is a bounded channel of Task values drained by a fixed pool of
// goroutines against a handler registry, grounded on the teacher's
// WorkerPool dispatch loop (server/worker_pool.go).
type Queue struct {
	handlers      map[string]Handler
	handlersMu    sync.RWMutex
	ch            chan Task
	submitTimeout time.Duration
	workers       int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex

	dropped   atomic.Int64
	processed atomic.Int64
	publisher Publisher
}

// NewQueue constructs a Queue with the given worker count, channel buffer
// size, and submit timeout (how long Submit blocks before dropping a task
// under backpressure, matching the teacher's WorkerPool.SubmitTask policy).
func NewQueue(workers, bufferSize int, submitTimeout time.Duration) *Queue {
	if workers <= 0 {
		workers = 4
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if submitTimeout <= 0 {
		submitTimeout = 500 * time.Millisecond
	}
	return &Queue{
		handlers:      make(map[string]Handler),
		ch:            make(chan Task, bufferSize),
		submitTimeout: submitTimeout,
		workers:       workers,
	}
}

// Register binds a Handler to a Task.Kind.
func (q *Queue) Register(kind string, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[kind] = h
}

// SetPublisher installs a durable backend. Once set, Submit publishes
// instead of enqueueing locally; published tasks run only where a separate
// consumer (such as AMQPTransport.Consume) calls Dispatch on delivery.
func (q *Queue) SetPublisher(p Publisher) {
	q.publisher = p
}

// Start launches the worker goroutines.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop drains in-flight tasks and waits up to timeout for workers to exit.
func (q *Queue) Stop(timeout time.Duration) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	close(q.stopCh)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("[task] stop timed out after %v waiting for workers", timeout)
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case t := <-q.ch:
			q.run(t)
		}
	}
}

func (q *Queue) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[task] handler for kind=%s panicked: %v", t.Kind, r)
		}
	}()

	q.handlersMu.RLock()
	h, ok := q.handlers[t.Kind]
	q.handlersMu.RUnlock()
	if !ok {
		log.Printf("[task] no handler registered for kind=%s, dropping", t.Kind)
		return
	}

	if err := h(context.Background(), t); err != nil {
		log.Printf("[task] handler for kind=%s (id=%s) failed: %v", t.Kind, t.ID, err)
		return
	}
	q.processed.Add(1)
}

// Submit enqueues (or publishes, if a durable backend is installed) t
// without blocking the caller past submitTimeout. A full queue drops the
// task and increments a counter rather than blocking the request path.
func (q *Queue) Submit(ctx context.Context, kind string, payload any) error {
	t := Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}

	if q.publisher != nil {
		return q.publisher.Publish(ctx, t)
	}

	timer := time.NewTimer(q.submitTimeout)
	defer timer.Stop()
	select {
	case q.ch <- t:
		return nil
	case <-timer.C:
		q.dropped.Add(1)
		return fmt.Errorf("task queue full, dropped kind=%s after %v", kind, q.submitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch runs t synchronously against the registered handler. It is the
// entry point a durable-backend consumer uses to feed deliveries back into
// the same handler registry Submit's local path uses.
func (q *Queue) Dispatch(t Task) {
	q.run(t)
}

// Stats reports basic counters for monitoring.
type Stats struct {
	Queued    int
	Dropped   int64
	Processed int64
}

func (q *Queue) Stats() Stats {
	return Stats{
		Queued:    len(q.ch),
		Dropped:   q.dropped.Load(),
		Processed: q.processed.Load(),
	}
}
