// Package queue implements the queue dispatcher (C2): a thin
// maragu.dev/goqite wrapper (Manager) plus a configurable N-worker pool
// (Dispatcher) that claims jobs and hands them to the handler registry.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"maragu.dev/goqite"
)

// ErrNoMessage is returned when the queue has nothing to deliver.
var ErrNoMessage = errors.New("no messages in queue")

// Manager is a thin wrapper around goqite. It carries only the job id;
// the job record itself lives in the store (C1) so goqite never needs to
// know the job's shape.
type Manager struct {
	q *goqite.Queue
}

// NewManager creates the goqite-backed queue on db, creating its tables
// if they do not already exist.
func NewManager(db *sql.DB, queueName string) (*Manager, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := goqite.Setup(ctx, db); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, err
		}
	}

	q := goqite.New(goqite.NewOpts{DB: db, Name: queueName})
	return &Manager{q: q}, nil
}

// Enqueue publishes jobID onto the queue. Create (C1) and Enqueue happen
// back to back: a job exists in the store before it can be claimed.
func (m *Manager) Enqueue(ctx context.Context, jobID string) error {
	return m.q.Send(ctx, goqite.Message{Body: []byte(jobID)})
}

// delivery is a received message awaiting the worker's disposition.
type delivery struct {
	id    goqite.ID
	jobID string
}

// receive pulls the next message, or ErrNoMessage if the queue is empty.
func (m *Manager) receive(ctx context.Context) (*delivery, error) {
	msg, err := m.q.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNoMessage
	}
	return &delivery{id: msg.ID, jobID: string(msg.Body)}, nil
}

// extend extends a delivery's visibility timeout, used to keep a
// long-running job from being redelivered to a second worker.
func (m *Manager) extend(ctx context.Context, id goqite.ID, d time.Duration) error {
	return m.q.Extend(ctx, id, d)
}

// deleteMessage removes a delivery from the queue once its job has
// reached a terminal state (or was found already claimed/absent).
func (m *Manager) deleteMessage(ctx context.Context, id goqite.ID) error {
	return m.q.Delete(ctx, id)
}
