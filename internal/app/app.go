// Package app wires the process-scoped services together with explicit
// startup and teardown order (spec §9: no module-level singletons; every
// service is constructed here and passed where it is needed).
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/bus"
	"github.com/ternarybob/reelforge/internal/cache"
	"github.com/ternarybob/reelforge/internal/common"
	"github.com/ternarybob/reelforge/internal/handlers"
	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/probe"
	"github.com/ternarybob/reelforge/internal/queue"
	"github.com/ternarybob/reelforge/internal/registry"
	"github.com/ternarybob/reelforge/internal/sequencer"
	"github.com/ternarybob/reelforge/internal/storage/sqlite"
	"github.com/ternarybob/reelforge/internal/store"
	"github.com/ternarybob/reelforge/internal/supervisor"
)

// App holds every wired service. Construction order matters: storage
// before store, store before queue, everything before the supervisor.
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	Durations common.Durations

	DB         *sqlite.SQLiteDB
	Store      store.Store
	Projects   store.Projects
	Queue      *queue.Manager
	Bus        *bus.Bus
	Cache      *cache.StepCache
	Layout     cache.Layout
	Registry   *registry.Registry
	Sequencer  *sequencer.Service
	Dispatcher *queue.Dispatcher
	Probe      *probe.Probe
	Supervisor *supervisor.Supervisor

	cron *cron.Cron
}

// New constructs and wires the application. Nothing is running yet;
// call Start.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	durations, err := config.ParseDurations()
	if err != nil {
		return nil, fmt.Errorf("parse config durations: %w", err)
	}

	a := &App{
		Config:    config,
		Logger:    logger,
		Durations: durations,
	}

	// Storage: one SQLite connection shared by job rows, project rows,
	// and the goqite queue table.
	a.DB, err = sqlite.NewSQLiteDB(logger, config.Store.Path, config.Store.ResetOnStartup)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := a.DB.InitSchema(); err != nil {
		a.DB.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	a.Store = store.New(a.DB.DB(), logger, durations.FreshnessWindow)
	a.Projects = store.NewProjects(a.DB.DB(), logger)

	a.Queue, err = queue.NewManager(a.DB.DB(), config.Queue.QueueName)
	if err != nil {
		a.DB.Close()
		return nil, fmt.Errorf("create queue: %w", err)
	}

	// Startup repairs, before any worker serves (spec §4.1, §9): move
	// legacy payload-in-result rows, reclassify crashed Running jobs as
	// Pending, then re-enqueue every Pending job so none is stranded
	// without a queue delivery. Duplicate deliveries are harmless: the
	// claim converts at most one into ownership.
	ctx := context.Background()
	if _, err := a.Store.MigrateLegacyPayloads(ctx); err != nil {
		a.DB.Close()
		return nil, fmt.Errorf("migrate legacy payloads: %w", err)
	}
	reset, err := a.Store.ResetOrphanedRunning(ctx)
	if err != nil {
		a.DB.Close()
		return nil, fmt.Errorf("reset orphaned running jobs: %w", err)
	}
	if reset > 0 {
		logger.Warn().Int("count", reset).Msg("recovered orphaned running jobs from previous process")
	}
	if err := a.requeuePending(ctx); err != nil {
		a.DB.Close()
		return nil, fmt.Errorf("requeue pending jobs: %w", err)
	}

	a.Bus = bus.New(logger, 256)
	a.Layout = cache.Layout{Root: config.Cache.Root}
	a.Cache = cache.New(config.Cache.Root, logger)
	a.Sequencer = sequencer.New(a.Store, a.Projects, a.Queue, a.Bus, a.Cache, a.Layout, logger)

	media := handlers.NewExecMedia(logger)
	a.Registry = registry.New()
	handlers.Register(a.Registry, handlers.Deps{
		Store:     a.Store,
		Projects:  a.Projects,
		Cache:     a.Cache,
		Layout:    a.Layout,
		Sequencer: a.Sequencer,
		Media:     media,
		Logger:    logger,
	})
	a.Registry.Freeze()

	a.Dispatcher = queue.New(a.Queue, a.Store, a.Registry, a.Bus, logger, queue.Config{
		WorkerCount:       config.Queue.WorkerCount,
		IdlePoll:          durations.IdlePoll,
		VisibilityTimeout: durations.VisibilityTimeout,
		HandlerTimeout:    durations.HandlerTimeout,
		CancelGrace:       durations.CancelGrace,
	})

	a.Probe = probe.New(config.Cache.Root, logger)

	a.Supervisor = supervisor.New(a.Store, a.Projects, a.Sequencer, a.Bus, a.Probe, logger,
		supervisor.Switches{
			AutoRecovery:       config.Supervisor.AutoRecovery,
			RetryMax:           config.Queue.RetryMax,
			StuckThreshold:     durations.StuckThreshold,
			TickInterval:       durations.TickInterval,
			AutoRetryEveryNth:  config.Supervisor.AutoRetryEveryNth,
			ContinuityEveryNth: config.Supervisor.ContinuityEveryNth,
		},
		supervisor.ServiceProbe{Name: "transcoder", Check: media.Health},
		supervisor.ServiceProbe{Name: "persistence", Check: a.DB.Ping},
	)

	// Retention sweep runs on its own schedule, independent of the
	// supervisor tick.
	a.cron = cron.New()
	if _, err := a.cron.AddFunc("10 3 * * *", a.retentionSweep); err != nil {
		a.DB.Close()
		return nil, fmt.Errorf("schedule retention sweep: %w", err)
	}

	return a, nil
}

// requeuePending re-publishes every Pending job id onto the queue.
func (a *App) requeuePending(ctx context.Context) error {
	pending, err := a.Store.List(ctx, store.ListFilter{Statuses: []models.JobStatus{models.StatusPending}})
	if err != nil {
		return err
	}
	for _, job := range pending {
		if err := a.Queue.Enqueue(ctx, job.ID); err != nil {
			return fmt.Errorf("enqueue %s: %w", job.ID, err)
		}
	}
	if len(pending) > 0 {
		a.Logger.Info().Int("count", len(pending)).Msg("re-enqueued pending jobs on startup")
	}
	return nil
}

func (a *App) retentionSweep() {
	ctx := context.Background()
	cutoff := time.Now().AddDate(0, 0, -a.Config.Store.RetentionDays)
	terminal := []models.JobStatus{models.StatusCompleted, models.StatusFailed, models.StatusCancelled}
	deleted, err := a.Store.PurgeOlderThan(ctx, terminal, cutoff)
	if err != nil {
		a.Logger.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if deleted > 0 {
		a.Logger.Info().Int("deleted", deleted).Msg("retention sweep purged terminal jobs")
	}
}

// Start launches the dispatcher workers, the supervisor loop, and the
// retention scheduler.
func (a *App) Start() {
	a.Dispatcher.Start()
	a.Supervisor.Start()
	a.cron.Start()
}

// Close tears services down in reverse order of construction.
func (a *App) Close() {
	if a.cron != nil {
		a.cron.Stop()
	}
	if a.Supervisor != nil {
		a.Supervisor.Stop()
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close database")
		}
	}
	common.Stop()
}
