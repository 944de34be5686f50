package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
	"maragu.dev/goqite"

	"github.com/ternarybob/reelforge/internal/bus"
	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/registry"
	"github.com/ternarybob/reelforge/internal/store"
)

// Config configures the dispatcher's worker pool (spec §4.2, §5, §6).
type Config struct {
	WorkerCount       int
	IdlePoll          time.Duration
	VisibilityTimeout time.Duration
	HandlerTimeout    time.Duration
	CancelGrace       time.Duration
	// SubprocessRateLimit bounds how often a worker may start a handler
	// that owns an external subprocess (ffmpeg/whisper-equivalent),
	// independent of worker count (spec §5 shared-resource policy).
	SubprocessRateLimit rate.Limit
	SubprocessBurst     int
}

// Dispatcher is the queue dispatcher (C2): a pool of workers executing
// claim-next -> resolve handler -> run handler -> record terminal
// outcome -> sleep-if-idle (spec §4.2).
type Dispatcher struct {
	mgr      *Manager
	store    store.Store
	registry *registry.Registry
	bus      *bus.Bus
	logger   arbor.ILogger
	limiter  *rate.Limiter
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	controls map[string]context.CancelFunc
}

// New creates a dispatcher. Call Start to begin claiming jobs.
func New(mgr *Manager, st store.Store, reg *registry.Registry, b *bus.Bus, logger arbor.ILogger, cfg Config) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 2 * time.Second
	}
	limit := cfg.SubprocessRateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.SubprocessBurst
	if burst <= 0 {
		burst = cfg.WorkerCount
	}

	return &Dispatcher{
		mgr:      mgr,
		store:    st,
		registry: reg,
		bus:      b,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, burst),
		cfg:      cfg,
		controls: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker pool.
func (d *Dispatcher) Start() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info().Int("workers", d.cfg.WorkerCount).Msg("dispatcher started")
}

// Stop signals every worker to stop claiming, cancels any in-flight
// handler, and waits (bounded by CancelGrace per handler) for workers to
// return (spec §4.2 shutdown contract).
func (d *Dispatcher) Stop() {
	d.logger.Info().Msg("dispatcher stopping")
	d.cancel()
	d.wg.Wait()
	d.logger.Info().Msg("dispatcher stopped")
}

// Cancel requests cancellation of jobID (spec §5 cancellation semantics).
// If the job is Running, its cancellation handle is signalled; either
// way the store transition to Cancelled happens here so a job cancelled
// before a worker claims it never runs at all.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	d.mu.Lock()
	cancel, running := d.controls[jobID]
	d.mu.Unlock()
	if running {
		cancel()
	}

	if err := d.store.Finish(ctx, jobID, models.StatusCancelled, nil, "cancelled by operator"); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}

	updated, err := d.store.Get(ctx, jobID)
	if err == nil {
		d.bus.Publish(ctx, jobID, bus.Event{Kind: bus.EventJobUpdate, Job: updated})
	}
	return nil
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	stagger := time.Duration(int64(d.cfg.IdlePoll) / int64(d.cfg.WorkerCount) * int64(id))
	if stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-d.ctx.Done():
			return
		}
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		handled, err := d.processOne(d.ctx)
		if err != nil && err != ErrNoMessage {
			msg := err.Error()
			if !strings.Contains(msg, "database is locked") && !strings.Contains(msg, "SQLITE_BUSY") {
				d.logger.Warn().Err(err).Int("worker_id", id).Msg("dispatcher: error processing message")
			}
		}
		if !handled {
			select {
			case <-time.After(d.cfg.IdlePoll):
			case <-d.ctx.Done():
				return
			}
		}
	}
}

// processOne claims and runs at most one job. It returns handled=true
// whenever a message was received, regardless of whether the job was
// still claimable, so the worker does not idle-sleep needlessly after a
// busy tick (spec §4.2 idle behaviour only applies when nothing at all
// was delivered).
func (d *Dispatcher) processOne(ctx context.Context) (bool, error) {
	dlv, err := d.mgr.receive(ctx)
	if err != nil {
		if err == ErrNoMessage {
			return false, nil
		}
		return false, err
	}

	job, err := d.store.ClaimByID(ctx, dlv.jobID)
	if err != nil {
		return true, err
	}
	if job == nil {
		// Already claimed, cancelled, or purged: the delivery is stale.
		if delErr := d.mgr.deleteMessage(ctx, dlv.id); delErr != nil {
			d.logger.Warn().Err(delErr).Str("job_id", dlv.jobID).Msg("dispatcher: failed to delete stale message")
		}
		return true, nil
	}

	d.bus.Publish(ctx, job.ID, bus.Event{Kind: bus.EventJobUpdate, Job: job})

	d.execute(job, dlv)
	return true, nil
}

type handlerResult struct {
	result models.Bag
	err    error
}

func (d *Dispatcher) execute(job *models.Job, dlv *delivery) {
	defer func() {
		if err := d.mgr.deleteMessage(context.Background(), dlv.id); err != nil {
			d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("dispatcher: failed to delete processed message")
		}
	}()

	if err := d.limiter.Wait(d.ctx); err != nil {
		// Shutdown arrived before the rate limiter admitted this job;
		// leave it Running so ResetOrphanedRunning resumes it on restart.
		return
	}

	handler, err := d.registry.Resolve(job.Kind)
	if err != nil {
		d.finish(job, models.StatusFailed, nil, err.Error())
		return
	}
	if err := d.registry.ValidatePayload(job.Kind, job.Payload); err != nil {
		d.finish(job, models.StatusFailed, nil, err.Error())
		return
	}

	timeout := d.cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	hctx, cancel := context.WithTimeout(d.ctx, timeout)

	d.mu.Lock()
	d.controls[job.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.controls, job.ID)
		d.mu.Unlock()
		cancel()
	}()

	if d.cfg.VisibilityTimeout > 0 {
		stopExtend := make(chan struct{})
		defer close(stopExtend)
		go d.keepAlive(hctx, dlv.id, stopExtend)
	}

	reporter := &dispatcherReporter{
		jobID: job.ID,
		store: d.store,
		bus:   d.bus,
		done:  hctx.Done(),
	}

	resultCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handlerResult{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := handler(hctx, job, reporter)
		resultCh <- handlerResult{result: result, err: err}
	}()

	var outcome handlerResult
	select {
	case outcome = <-resultCh:
	case <-hctx.Done():
		grace := d.cfg.CancelGrace
		if grace <= 0 {
			grace = 30 * time.Second
		}
		select {
		case outcome = <-resultCh:
		case <-time.After(grace):
			d.logger.Error().Str("job_id", job.ID).Msg("dispatcher: handler did not observe cancellation within grace period")
			d.finish(job, models.StatusFailed, nil, fmt.Sprintf("stuck: handler did not observe cancellation within %s grace period", grace))
			return
		}
	}

	if hctx.Err() != nil {
		// Cancellation was requested (externally or by timeout); the
		// handler's return value is discarded (spec §5).
		d.finish(job, models.StatusCancelled, nil, "cancelled")
		return
	}
	if outcome.err != nil {
		d.finish(job, models.StatusFailed, nil, outcome.err.Error())
		return
	}
	d.finish(job, models.StatusCompleted, outcome.result, "")
}

func (d *Dispatcher) keepAlive(ctx context.Context, id goqite.ID, stop <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.VisibilityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.mgr.extend(context.Background(), id, d.cfg.VisibilityTimeout); err != nil {
				d.logger.Warn().Err(err).Msg("dispatcher: failed to extend message visibility")
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) finish(job *models.Job, status models.JobStatus, result models.Bag, errMsg string) {
	ctx := context.Background()
	if err := d.store.Finish(ctx, job.ID, status, result, errMsg); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatcher: failed to record terminal outcome")
		return
	}
	updated, err := d.store.Get(ctx, job.ID)
	if err != nil {
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("dispatcher: failed to reload finished job for broadcast")
		return
	}
	d.bus.Publish(ctx, job.ID, bus.Event{Kind: bus.EventJobUpdate, Job: updated})
}

// dispatcherReporter implements registry.ProgressReporter against the
// store and bus, and treats the handler's context cancellation as the
// cancellation signal (spec §4.2 "handler invocation receives ... a
// cancellation signal").
type dispatcherReporter struct {
	jobID string
	store store.Store
	bus   *bus.Bus
	done  <-chan struct{}
}

func (r *dispatcherReporter) Progress(stage string, progress float64, message string) error {
	ctx := context.Background()
	if err := r.store.UpdateProgress(ctx, r.jobID, progress, stage, message); err != nil {
		return err
	}
	job, err := r.store.Get(ctx, r.jobID)
	if err != nil {
		return err
	}
	r.bus.Publish(ctx, r.jobID, bus.Event{Kind: bus.EventJobUpdate, Job: job})
	return nil
}

func (r *dispatcherReporter) Cancelled() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
