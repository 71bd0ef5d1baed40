// Package queue carries pipeline steps between the API and the workers.
//
// A Task names one step of one execution. Steps of the same execution are
// never enqueued together: the orchestrator enqueues the next step only after
// the previous one completed, so the queue needs no ordering guarantees
// beyond delivering every task at least once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Task is one schedulable pipeline step.
type Task struct {
	ExecID string `json:"exec_id"`
	Step   string `json:"step"`
}

func (t Task) String() string { return t.ExecID + "/" + t.Step }

// Delivery is a dequeued task awaiting acknowledgement.
type Delivery struct {
	Task Task
	raw  string
}

// Queue is a FIFO of tasks with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Delivery, error)
	// Ack marks a delivery as processed.
	Ack(ctx context.Context, d Delivery) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

func encodeTask(t Task) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTask(s string) (Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return Task{}, fmt.Errorf("decode task %q: %w", s, err)
	}
	return t, nil
}

// Memory is an in-process queue.
type Memory struct {
	mu     sync.Mutex
	items  []Task
	notify chan struct{}
	closed bool
}

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

func (q *Memory) Enqueue(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, t)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, ErrClosed
		}
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				// wake another waiting worker
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return Delivery{Task: t}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Memory) Ack(context.Context, Delivery) error { return nil }

func (q *Memory) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}
