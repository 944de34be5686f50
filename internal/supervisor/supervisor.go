// Package supervisor implements the watcher (C7): a single background
// loop that probes collaborator health, detects stuck jobs and orphaned
// projects, retries eligible failures, repairs predecessor/successor
// gaps, and broadcasts an aggregate status message each tick (spec §4.7).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/bus"
	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/probe"
	"github.com/ternarybob/reelforge/internal/sequencer"
	"github.com/ternarybob/reelforge/internal/store"
)

// retryWindow bounds how recently a job must have failed to qualify for
// auto-retry (spec §4.7 step 5).
const retryWindow = 10 * time.Minute

// ServiceProbe checks one external collaborator's health.
type ServiceProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthRecord is one observation of a collaborator service.
type HealthRecord struct {
	Service   string    `json:"service"`
	Healthy   bool      `json:"healthy"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Switches are the runtime-mutable operator toggles (spec §4.7).
type Switches struct {
	AutoRecovery       bool          `json:"auto_recovery"`
	RetryMax           int           `json:"retry_max"`
	StuckThreshold     time.Duration `json:"stuck_threshold"`
	TickInterval       time.Duration `json:"tick_interval"`
	AutoRetryEveryNth  int           `json:"auto_retry_every_nth"`
	ContinuityEveryNth int           `json:"continuity_every_nth"`
}

// sample is the in-memory health record for one Running job: the last
// observed progress and when it last advanced. Lost on restart by
// design; the startup orphan-running reset reclassifies everything as
// Pending, which is not subject to stall detection (spec §9).
type sample struct {
	progress   float64
	advancedAt time.Time
}

// TickReport summarizes the actions one tick applied, returned by
// ForceTick for the operator surface.
type TickReport struct {
	Tick             uint64         `json:"tick"`
	StuckRecovered   int            `json:"stuck_recovered"`
	OrphansRecovered int            `json:"orphans_recovered"`
	RetriesCreated   int            `json:"retries_created"`
	ContinuityJobs   int            `json:"continuity_jobs"`
	Health           []HealthRecord `json:"health"`
	Errors           []string       `json:"errors,omitempty"`
}

// StatusSnapshot is the aggregate surface behind SupervisorStatus (§6).
type StatusSnapshot struct {
	Uptime     string                   `json:"uptime"`
	Resources  probe.Snapshot           `json:"resources"`
	Services   []HealthRecord           `json:"services"`
	JobCounts  map[models.JobStatus]int `json:"job_counts"`
	StuckCount int                      `json:"stuck_count"`
	Switches   Switches                 `json:"switches"`
	LastTick   time.Time                `json:"last_tick"`
	RecentLogs map[string]string        `json:"recent_logs,omitempty"`
}

// Supervisor runs the recurring repair loop.
type Supervisor struct {
	store    store.Store
	projects store.Projects
	seq      *sequencer.Service
	bus      *bus.Bus
	probe    *probe.Probe
	logger   arbor.ILogger
	probes   []ServiceProbe

	mu       sync.Mutex
	samples  map[string]sample
	switches Switches
	health   []HealthRecord
	lastTick time.Time
	tick     uint64

	startedAt   time.Time
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates the supervisor with its initial switches.
func New(st store.Store, projects store.Projects, seq *sequencer.Service, b *bus.Bus, rp *probe.Probe, logger arbor.ILogger, switches Switches, probes ...ServiceProbe) *Supervisor {
	if switches.TickInterval <= 0 {
		switches.TickInterval = 15 * time.Second
	}
	if switches.StuckThreshold <= 0 {
		switches.StuckThreshold = 180 * time.Second
	}
	if switches.RetryMax < 0 {
		switches.RetryMax = 3
	}
	if switches.AutoRetryEveryNth <= 0 {
		switches.AutoRetryEveryNth = 2
	}
	if switches.ContinuityEveryNth <= 0 {
		switches.ContinuityEveryNth = 4
	}

	return &Supervisor{
		store:    st,
		projects: projects,
		seq:      seq,
		bus:      b,
		probe:    rp,
		logger:   logger,
		probes:   probes,
		samples:  make(map[string]sample),
		switches: switches,
	}
}

// Start begins the tick loop and subscribes to the progress bus so job
// progress re-seeds the in-memory health samples.
func (s *Supervisor) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startedAt = time.Now()

	s.unsubscribe = s.bus.Subscribe("", func(_ context.Context, event bus.Event) {
		if event.Kind != bus.EventJobUpdate || event.Job == nil {
			return
		}
		s.observe(event.Job)
	})

	s.wg.Add(1)
	go s.loop()
	s.logger.Info().Dur("tick_interval", s.Switches().TickInterval).Msg("supervisor started")
}

// Stop halts the loop. A tick in flight completes first.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wg.Wait()
	s.logger.Info().Msg("supervisor stopped")
}

func (s *Supervisor) loop() {
	defer s.wg.Done()
	for {
		interval := s.Switches().TickInterval
		select {
		case <-time.After(interval):
			s.Tick(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// observe folds a bus-delivered job snapshot into the sample map. The
// sample's clock only advances when progress advances, which is what
// makes Δt the stall duration.
func (s *Supervisor) observe(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Status != models.StatusRunning {
		delete(s.samples, job.ID)
		return
	}
	prev, seen := s.samples[job.ID]
	if !seen || job.Progress > prev.progress {
		s.samples[job.ID] = sample{progress: job.Progress, advancedAt: time.Now()}
	}
}

// Switches returns a copy of the current toggles.
func (s *Supervisor) Switches() Switches {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches
}

// SetSwitches replaces the runtime toggles (operator surface, §4.7).
func (s *Supervisor) SetSwitches(sw Switches) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sw.TickInterval > 0 {
		s.switches.TickInterval = sw.TickInterval
	}
	if sw.StuckThreshold > 0 {
		s.switches.StuckThreshold = sw.StuckThreshold
	}
	if sw.RetryMax >= 0 {
		s.switches.RetryMax = sw.RetryMax
	}
	if sw.AutoRetryEveryNth > 0 {
		s.switches.AutoRetryEveryNth = sw.AutoRetryEveryNth
	}
	if sw.ContinuityEveryNth > 0 {
		s.switches.ContinuityEveryNth = sw.ContinuityEveryNth
	}
	s.switches.AutoRecovery = sw.AutoRecovery
}

// Tick executes the seven supervisor actions in order (spec §4.7). A
// failure inside one action never aborts the tick; it is recorded and
// the remaining actions run (spec §7).
func (s *Supervisor) Tick(ctx context.Context) TickReport {
	s.mu.Lock()
	s.tick++
	tick := s.tick
	sw := s.switches
	s.lastTick = time.Now()
	s.mu.Unlock()

	report := TickReport{Tick: tick}
	run := func(name string, action func() error) {
		defer func() {
			if r := recover(); r != nil {
				msg := fmt.Sprintf("%s panicked: %v", name, r)
				report.Errors = append(report.Errors, msg)
				s.logger.Error().Str("action", name).Str("panic", fmt.Sprintf("%v", r)).Msg("supervisor action panicked")
			}
		}()
		if err := action(); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
			s.logger.Error().Err(err).Str("action", name).Msg("supervisor action failed")
		}
	}

	run("health_probe", func() error {
		report.Health = s.probeServices(ctx)
		return nil
	})

	var stuck []*models.Job
	run("stuck_detection", func() error {
		var err error
		stuck, err = s.detectStuck(ctx, sw.StuckThreshold)
		return err
	})

	if sw.AutoRecovery {
		run("stuck_recovery", func() error {
			var err error
			report.StuckRecovered, err = s.recoverStuck(ctx, stuck)
			return err
		})

		run("orphan_recovery", func() error {
			var err error
			report.OrphansRecovered, err = s.recoverOrphans(ctx)
			return err
		})

		if tick%uint64(sw.AutoRetryEveryNth) == 0 {
			run("auto_retry", func() error {
				var err error
				report.RetriesCreated, err = s.retryFailed(ctx, sw.RetryMax)
				return err
			})
		}

		if tick%uint64(sw.ContinuityEveryNth) == 0 {
			run("continuity_scan", func() error {
				var err error
				report.ContinuityJobs, err = s.continuityScan(ctx)
				return err
			})
		}
	}

	run("broadcast", func() error {
		return s.broadcast(ctx)
	})

	return report
}

// ForceTick runs one tick immediately (operator surface, §6).
func (s *Supervisor) ForceTick(ctx context.Context) TickReport {
	return s.Tick(ctx)
}

// probeServices records one HealthRecord per collaborator (step 1).
func (s *Supervisor) probeServices(ctx context.Context) []HealthRecord {
	records := make([]HealthRecord, 0, len(s.probes))
	for _, p := range s.probes {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		err := p.Check(pctx)
		cancel()

		record := HealthRecord{
			Service:   p.Name,
			Healthy:   err == nil,
			LatencyMS: time.Since(start).Milliseconds(),
			CheckedAt: time.Now().UTC(),
		}
		if err != nil {
			record.Error = err.Error()
		}
		records = append(records, record)
	}

	s.mu.Lock()
	s.health = records
	s.mu.Unlock()
	return records
}

// detectStuck compares each Running job against its in-memory sample
// (step 2). Jobs without a sample are seeded now and judged next tick.
func (s *Supervisor) detectStuck(ctx context.Context, threshold time.Duration) ([]*models.Job, error) {
	running, err := s.store.List(ctx, store.ListFilter{Statuses: []models.JobStatus{models.StatusRunning}})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var stuck []*models.Job

	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool, len(running))
	for _, job := range running {
		live[job.ID] = true
		prev, seen := s.samples[job.ID]
		switch {
		case !seen, job.Progress > prev.progress:
			s.samples[job.ID] = sample{progress: job.Progress, advancedAt: now}
		case now.Sub(prev.advancedAt) > threshold:
			stuck = append(stuck, job)
		}
	}
	// Drop samples for jobs no longer Running.
	for id := range s.samples {
		if !live[id] {
			delete(s.samples, id)
		}
	}
	return stuck, nil
}

// stuckRollback maps a stuck job's kind to the project status it resets
// to (step 3).
func stuckRollback(kind models.JobKind) (models.ProjectStatus, bool) {
	switch kind {
	case models.KindIngest:
		return models.ProjectCreated, true
	case models.KindAnalyze:
		return models.ProjectIngested, true
	case models.KindExport, models.KindRenderVariants:
		return models.ProjectAnalyzed, true
	default:
		return "", false
	}
}

// recoverStuck fails each stuck job and rolls its project back one stage
// (step 3).
func (s *Supervisor) recoverStuck(ctx context.Context, stuck []*models.Job) (int, error) {
	recovered := 0
	for _, job := range stuck {
		s.mu.Lock()
		prev, seen := s.samples[job.ID]
		delete(s.samples, job.ID)
		s.mu.Unlock()

		var stallFor time.Duration
		switch {
		case seen:
			stallFor = time.Since(prev.advancedAt).Round(time.Second)
		case job.StartedAt != nil:
			stallFor = time.Since(*job.StartedAt).Round(time.Second)
		}
		errMsg := fmt.Sprintf("auto-recovered: stuck for %.0fs", stallFor.Seconds())
		if err := s.store.Finish(ctx, job.ID, models.StatusFailed, nil, errMsg); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to fail stuck job")
			continue
		}

		if job.SubjectID != "" {
			if target, ok := stuckRollback(job.Kind); ok {
				if err := s.seq.SetProjectStatus(ctx, job.SubjectID, target); err != nil {
					s.logger.Warn().Err(err).Str("project_id", job.SubjectID).Msg("failed to roll back stuck job's project")
				}
			}
		}

		if updated, err := s.store.Get(ctx, job.ID); err == nil {
			s.bus.Publish(ctx, job.ID, bus.Event{Kind: bus.EventJobUpdate, Job: updated})
		}
		s.announce(ctx, fmt.Sprintf("recovered stuck %s job %s (%s)", job.Kind, job.ID, errMsg))
		recovered++
	}
	return recovered, nil
}

// transientKind maps a transient project status to the job kind whose
// absence makes the project an orphan (step 4).
func transientKind(status models.ProjectStatus) (models.JobKind, bool) {
	switch status {
	case models.ProjectIngesting, models.ProjectDownloading:
		return models.KindIngest, true
	case models.ProjectAnalyzing:
		return models.KindAnalyze, true
	case models.ProjectExporting:
		return models.KindExport, true
	default:
		return "", false
	}
}

// recoverOrphans resets projects stranded in a transient status with no
// live job of the matching kind (step 4).
func (s *Supervisor) recoverOrphans(ctx context.Context) (int, error) {
	transients, err := s.projects.ListByStatus(ctx,
		models.ProjectIngesting, models.ProjectDownloading,
		models.ProjectAnalyzing, models.ProjectExporting)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, project := range transients {
		kind, ok := transientKind(project.Status)
		if !ok {
			continue
		}
		active, err := s.seq.HasActiveJob(ctx, project.ID, kind)
		if err != nil {
			s.logger.Warn().Err(err).Str("project_id", project.ID).Msg("orphan scan: failed to list jobs")
			continue
		}
		if active {
			continue
		}

		target := project.Status.Predecessor()
		if err := s.seq.SetProjectStatus(ctx, project.ID, target); err != nil {
			s.logger.Warn().Err(err).Str("project_id", project.ID).Msg("failed to reset orphaned project")
			continue
		}
		s.announce(ctx, fmt.Sprintf("reset orphaned project %s: %s -> %s", project.ID, project.Status, target))
		recovered++
	}
	return recovered, nil
}

// retryFailed re-creates recently failed jobs under the retry cap
// (step 5). Beyond the cap the job is terminal and operator action is
// required (P7).
func (s *Supervisor) retryFailed(ctx context.Context, retryMax int) (int, error) {
	failed, err := s.store.List(ctx, store.ListFilter{Statuses: []models.JobStatus{models.StatusFailed}})
	if err != nil {
		return 0, err
	}

	// Only the latest failed attempt of a (subject, kind) chain is a retry
	// candidate; earlier failed attempts have already been re-created.
	latest := make(map[string]int)
	for _, job := range failed {
		key := job.SubjectID + "/" + string(job.Kind)
		if rc, ok := latest[key]; !ok || job.RetryCount > rc {
			latest[key] = job.RetryCount
		}
	}

	cutoff := time.Now().Add(-retryWindow)
	created := 0
	for _, job := range failed {
		if job.CompletedAt == nil || job.CompletedAt.Before(cutoff) {
			continue
		}
		if job.RetryCount >= retryMax {
			continue
		}
		if job.SubjectID != "" && job.RetryCount < latest[job.SubjectID+"/"+string(job.Kind)] {
			continue
		}
		if job.SubjectID != "" {
			active, err := s.seq.HasActiveJob(ctx, job.SubjectID, job.Kind)
			if err != nil {
				continue
			}
			if active {
				continue
			}
		}

		retry, err := s.seq.CreateRetry(ctx, job)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to create retry job")
			continue
		}
		s.announce(ctx, fmt.Sprintf("auto-retried %s job for project %s (retry #%d, new job %s)",
			job.Kind, job.SubjectID, retry.RetryCount, retry.ID))
		created++
	}
	return created, nil
}

// continuityScan repairs predecessor -> successor gaps the sequencer
// missed: Ingested projects whose policy requests auto-analyze but that
// have no live Analyze job (step 6).
func (s *Supervisor) continuityScan(ctx context.Context) (int, error) {
	ingested, err := s.projects.ListByStatus(ctx, models.ProjectIngested)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, project := range ingested {
		if auto, _ := project.Policy.GetBool(sequencer.PayloadAutoAnalyze); !auto {
			continue
		}
		active, err := s.seq.HasActiveJob(ctx, project.ID, models.KindAnalyze)
		if err != nil || active {
			continue
		}

		if _, err := s.seq.CreateJob(ctx, models.KindAnalyze, project.ID, models.Bag{}); err != nil {
			s.logger.Warn().Err(err).Str("project_id", project.ID).Msg("continuity scan: failed to create analyze job")
			continue
		}
		if err := s.seq.SetProjectStatus(ctx, project.ID, models.ProjectAnalyzing); err != nil {
			s.logger.Warn().Err(err).Str("project_id", project.ID).Msg("continuity scan: failed to set project analyzing")
		}
		s.announce(ctx, fmt.Sprintf("continuity scan created analyze job for project %s", project.ID))
		created++
	}
	return created, nil
}

// broadcast publishes the aggregate supervisor status (step 7).
func (s *Supervisor) broadcast(ctx context.Context) error {
	snapshot, err := s.Status(ctx)
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, "", bus.Event{Kind: bus.EventSupervisorStatus, Data: snapshot})
	return nil
}

// announce emits a structured recovery-action log event consumable
// through the push channel (spec §7).
func (s *Supervisor) announce(ctx context.Context, message string) {
	s.logger.Info().Msg(message)
	s.bus.Publish(ctx, "", bus.Event{Kind: bus.EventSupervisorLog, Data: message})
}

// Status assembles the aggregate snapshot behind SupervisorStatus (§6).
func (s *Supervisor) Status(ctx context.Context) (StatusSnapshot, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}

	s.mu.Lock()
	health := append([]HealthRecord(nil), s.health...)
	sw := s.switches
	lastTick := s.lastTick
	threshold := s.switches.StuckThreshold
	now := time.Now()
	stuckCount := 0
	for _, smp := range s.samples {
		if now.Sub(smp.advancedAt) > threshold {
			stuckCount++
		}
	}
	s.mu.Unlock()

	snapshot := StatusSnapshot{
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Services:   health,
		JobCounts:  counts,
		StuckCount: stuckCount,
		Switches:   sw,
		LastTick:   lastTick,
	}
	if s.probe != nil {
		snapshot.Resources = s.probe.Snapshot(ctx)
	}
	if memWriter := arbor.GetRegisteredMemoryWriter(arbor.WRITER_MEMORY); memWriter != nil {
		if entries, err := memWriter.GetEntriesWithLimit(20); err == nil {
			snapshot.RecentLogs = entries
		}
	}
	return snapshot, nil
}

// Recover forces stuck-style recovery for the given job ids, or for
// every currently stuck job when ids is empty (operator surface, §6).
func (s *Supervisor) Recover(ctx context.Context, jobIDs []string) (int, error) {
	var targets []*models.Job
	if len(jobIDs) == 0 {
		sw := s.Switches()
		stuck, err := s.detectStuck(ctx, sw.StuckThreshold)
		if err != nil {
			return 0, err
		}
		targets = stuck
	} else {
		for _, id := range jobIDs {
			job, err := s.store.Get(ctx, id)
			if err != nil {
				continue
			}
			if job.Status == models.StatusRunning || job.Status == models.StatusPending {
				targets = append(targets, job)
			}
		}
	}
	return s.recoverStuck(ctx, targets)
}
