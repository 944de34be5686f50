// Package registry implements the handler registry (C4): the mapping
// from job kind to handler function and declared payload shape (spec
// §4.4). Registration is mutable only during startup; Freeze locks it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
)

// ProgressReporter is the handle a handler uses to report progress and
// observe cancellation, threaded in by the dispatcher (C2).
type ProgressReporter interface {
	// Progress reports a stage label, 0-100 progress, and a human message.
	Progress(stage string, progress float64, message string) error
	// Cancelled reports whether the dispatcher has asked the handler to
	// stop; handlers must check this between steps (spec §4.2).
	Cancelled() bool
}

// HandlerFunc implements one job kind. It returns the job's result bag on
// success; any returned error fails the job (spec §4.2, §7).
type HandlerFunc func(ctx context.Context, job *models.Job, reporter ProgressReporter) (models.Bag, error)

// PayloadFactory returns a fresh zero-value pointer to the job kind's
// declared payload struct, used to decode-and-validate a claimed job's
// payload bag before the handler runs.
type PayloadFactory func() interface{}

type registration struct {
	handler        HandlerFunc
	payloadFactory PayloadFactory
}

// Registry maps job kind to handler and payload shape.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	entries  map[models.JobKind]registration
	validate *validator.Validate
}

// New creates an empty, unfrozen registry.
func New() *Registry {
	return &Registry{
		entries:  make(map[models.JobKind]registration),
		validate: validator.New(),
	}
}

// Register adds a handler for kind. payloadFactory may be nil if the kind
// declares no structured payload (no validation is performed). Register
// panics if called after Freeze — registration is a startup-only
// operation and a post-freeze call is a programming error, not a runtime
// condition callers should need to handle.
func (r *Registry) Register(kind models.JobKind, payloadFactory PayloadFactory, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("registry: Register(%s) called after Freeze", kind))
	}
	if handler == nil {
		panic(fmt.Sprintf("registry: Register(%s) called with a nil handler", kind))
	}

	r.entries[kind] = registration{handler: handler, payloadFactory: payloadFactory}
}

// Freeze locks the registry against further registration. Called once,
// after all handlers have registered at startup (spec §4.4).
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Resolve returns the handler for kind, or a Failed-worthy error if no
// handler is registered (spec §4.4: "attempting to claim a job whose kind
// has no registered handler causes Failed with a clear error").
func (r *Registry) Resolve(kind models.JobKind) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[kind]
	if !ok {
		return nil, orcherr.HandlerFailure(fmt.Sprintf("no handler registered for job kind %q", kind))
	}
	return entry.handler, nil
}

// ValidatePayload decodes payload into the registered payload struct for
// kind and validates it with go-playground/validator tags (spec §9:
// "dynamic job payload re-architected as a per-kind structured record").
// A kind with no payloadFactory is treated as schema-less and always
// valid.
func (r *Registry) ValidatePayload(kind models.JobKind, payload models.Bag) error {
	r.mu.RLock()
	entry, ok := r.entries[kind]
	r.mu.RUnlock()

	if !ok {
		return orcherr.HandlerFailure(fmt.Sprintf("no handler registered for job kind %q", kind))
	}
	if entry.payloadFactory == nil {
		return nil
	}

	target := entry.payloadFactory()
	data, err := json.Marshal(payload)
	if err != nil {
		return orcherr.Precondition(fmt.Sprintf("payload for kind %q is not JSON-shaped: %v", kind, err))
	}
	if err := json.Unmarshal(data, target); err != nil {
		return orcherr.Precondition(fmt.Sprintf("payload for kind %q does not match declared shape: %v", kind, err))
	}
	if err := r.validate.Struct(target); err != nil {
		return orcherr.Precondition(fmt.Sprintf("payload for kind %q failed validation: %v", kind, err))
	}
	return nil
}

// Kinds returns every registered job kind, for diagnostics.
func (r *Registry) Kinds() []models.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]models.JobKind, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	return kinds
}
