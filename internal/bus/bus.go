// Package bus implements the progress bus (C3): push-based fan-out of
// job-update and subject-update events to per-job and global subscribers,
// plus the foreground-context delivery primitive spec §4.3/§9 requires.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/models"
)

// EventKind distinguishes the two event classes spec §4.3 defines.
type EventKind string

const (
	// EventJobUpdate carries the full Job snapshot on any status or
	// progress change.
	EventJobUpdate EventKind = "job_update"
	// EventSubjectUpdate carries a minimal project lifecycle transition,
	// emitted by handlers and by the supervisor.
	EventSubjectUpdate EventKind = "subject_update"
	// EventSupervisorStatus carries the supervisor's periodic aggregate
	// broadcast (spec §4.7 step 7).
	EventSupervisorStatus EventKind = "supervisor_status"
	// EventSupervisorLog announces a recovery action or other structured
	// supervisor log line for the push channel (spec §7).
	EventSupervisorLog EventKind = "supervisor_log"
)

// Event is the payload delivered to subscribers. Which fields are
// populated depends on Kind: Job for job updates, SubjectID/Status for
// subject updates, Data for supervisor broadcasts.
type Event struct {
	Kind EventKind

	Job *models.Job

	SubjectID string
	Status    models.ProjectStatus

	Data interface{}
}

// Handler receives a published event. Handlers run on their own goroutine
// (see Publish) unless delivered through ScheduleForeground.
type Handler func(ctx context.Context, event Event)

type foregroundKey struct{}

// WithForeground marks ctx as originating on the registered foreground
// execution context (e.g. the websocket hub's own goroutine). Pass the
// returned context to ScheduleForeground to get inline delivery instead
// of a channel round trip.
func WithForeground(ctx context.Context) context.Context {
	return context.WithValue(ctx, foregroundKey{}, true)
}

func isForeground(ctx context.Context) bool {
	v, _ := ctx.Value(foregroundKey{}).(bool)
	return v
}

type subscription struct {
	id int64
	h  Handler
}

// Bus is the progress bus. Subscribers registered for jobID=="" are
// global; others are scoped to a single job id (delivery ordering is per
// job FIFO, cross-job ordering is unspecified, per spec §4.3).
type Bus struct {
	mu       sync.RWMutex
	global   []subscription
	perJob   map[string][]subscription
	nextID   int64
	logger   arbor.ILogger
	fgQueue  chan func()
	closed   chan struct{}
	closeOne sync.Once
}

// New creates a progress bus. fgQueueSize bounds the backlog of deliveries
// awaiting the foreground loop; a full queue drops the new delivery
// with a warning rather than blocking the publisher (spec §4.3
// non-blocking-publish requirement).
func New(logger arbor.ILogger, fgQueueSize int) *Bus {
	if fgQueueSize <= 0 {
		fgQueueSize = 256
	}
	return &Bus{
		perJob:  make(map[string][]subscription),
		logger:  logger,
		fgQueue: make(chan func(), fgQueueSize),
		closed:  make(chan struct{}),
	}
}

// Subscribe registers h for events on jobID ("" for all jobs) and returns
// an unsubscribe func.
func (b *Bus) Subscribe(jobID string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := subscription{id: id, h: h}

	if jobID == "" {
		b.global = append(b.global, sub)
	} else {
		b.perJob[jobID] = append(b.perJob[jobID], sub)
	}

	return func() { b.unsubscribe(jobID, id) }
}

func (b *Bus) unsubscribe(jobID string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if jobID == "" {
		b.global = removeSub(b.global, id)
		return
	}
	remaining := removeSub(b.perJob[jobID], id)
	if len(remaining) == 0 {
		delete(b.perJob, jobID)
	} else {
		b.perJob[jobID] = remaining
	}
}

func removeSub(subs []subscription, id int64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish fans event out to every matching subscriber asynchronously, one
// goroutine per handler, so a slow subscriber never blocks the caller
// (spec §4.3). jobID selects which per-job subscribers also receive it;
// pass "" for subject-update events with no associated job.
func (b *Bus) Publish(ctx context.Context, jobID string, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.global))
	for _, s := range b.global {
		handlers = append(handlers, s.h)
	}
	if jobID != "" {
		for _, s := range b.perJob[jobID] {
			handlers = append(handlers, s.h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Str("event_kind", string(event.Kind)).Msg("bus: subscriber panicked")
				}
			}()
			h(ctx, event)
		}(h)
	}
}

// ScheduleForeground schedules fn to run on the registered foreground
// execution context (spec §4.3's "schedules a delivery callback onto a
// named execution context"). If ctx was produced by WithForeground, fn
// runs inline; otherwise it is enqueued for RunForeground to execute. A
// full queue drops fn and logs a warning rather than blocking the caller.
func (b *Bus) ScheduleForeground(ctx context.Context, fn func()) {
	if isForeground(ctx) {
		fn()
		return
	}
	select {
	case b.fgQueue <- fn:
	default:
		b.logger.Warn().Msg("bus: foreground queue full, dropping delivery")
	}
}

// RunForeground drains scheduled deliveries until ctx is done or the bus
// is closed. Call this once, on the goroutine that owns the foreground
// execution context (e.g. the websocket hub's run loop).
func (b *Bus) RunForeground(ctx context.Context) {
	for {
		select {
		case fn := <-b.fgQueue:
			fn()
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		}
	}
}

// Close stops RunForeground loops and clears all subscribers.
func (b *Bus) Close() {
	b.closeOne.Do(func() { close(b.closed) })

	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = nil
	b.perJob = make(map[string][]subscription)
}
