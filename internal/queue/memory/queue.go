// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/webaudit/sitescan/internal/scan"
)

// Queue is a bounded in-memory task queue with context-aware operations.
// Cancel is advisory: cancelled tasks still in the buffer are dropped at
// dequeue time, tasks already handed to a worker are unaffected.
type Queue struct {
	ch chan scan.Task

	mu        sync.Mutex
	cancelled map[string]struct{}
	closed    bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:        make(chan scan.Task, capacity),
		cancelled: make(map[string]struct{}),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task scan.Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, skipping any cancelled in the meantime.
func (q *Queue) Dequeue(ctx context.Context) (scan.Task, error) {
	for {
		select {
		case <-ctx.Done():
			return scan.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case task, ok := <-q.ch:
			if !ok {
				return scan.Task{}, errors.New("queue closed")
			}
			if q.isCancelled(task.ID) {
				continue
			}
			return task, nil
		}
	}
}

// Cancel marks a task so it is dropped if still queued.
func (q *Queue) Cancel(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[taskID] = struct{}{}
	return nil
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

func (q *Queue) isCancelled(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.cancelled[taskID]
	return ok
}
