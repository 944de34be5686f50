package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/bus"
	"github.com/ternarybob/reelforge/internal/cache"
	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/sequencer"
	"github.com/ternarybob/reelforge/internal/storage/sqlite"
	"github.com/ternarybob/reelforge/internal/store"
)

type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(context.Context, string) error { return nil }

type fixture struct {
	sup      *Supervisor
	store    store.Store
	projects store.Projects
	bus      *bus.Bus
}

func newFixture(t *testing.T, switches Switches) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	dbPath := filepath.Join(t.TempDir(), "reelforge.db")
	db, err := sqlite.NewSQLiteDB(logger, dbPath, false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	st := store.New(db.DB(), logger, 24*time.Hour)
	projects := store.NewProjects(db.DB(), logger)
	b := bus.New(logger, 16)
	t.Cleanup(b.Close)

	root := t.TempDir()
	seq := sequencer.New(st, projects, nopEnqueuer{}, b, cache.New(root, logger), cache.Layout{Root: root}, logger)
	sup := New(st, projects, seq, b, nil, logger, switches)
	sup.startedAt = time.Now()

	return &fixture{sup: sup, store: st, projects: projects, bus: b}
}

func defaultSwitches() Switches {
	return Switches{
		AutoRecovery:       true,
		RetryMax:           3,
		StuckThreshold:     180 * time.Second,
		TickInterval:       15 * time.Second,
		AutoRetryEveryNth:  2,
		ContinuityEveryNth: 4,
	}
}

func (f *fixture) runningJob(t *testing.T, kind models.JobKind, projectID string) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.store.Create(ctx, kind, projectID, nil)
	require.NoError(t, err)
	claimed, err := f.store.ClaimByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func TestStuckJobIsFailedAndProjectRolledBack(t *testing.T) {
	f := newFixture(t, defaultSwitches())
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectAnalyzing))

	job := f.runningJob(t, models.KindAnalyze, project.ID)

	// Seed a sample whose progress last advanced beyond the threshold.
	f.sup.samples[job.ID] = sample{progress: 40, advancedAt: time.Now().Add(-200 * time.Second)}

	report := f.sup.Tick(ctx)
	require.Equal(t, 1, report.StuckRecovered)

	failed, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, failed.Status)
	require.Contains(t, failed.Error, "stuck")

	updated, err := f.projects.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectIngested, updated.Status, "Analyze-stuck resets the project to Ingested")

	_, sampled := f.sup.samples[job.ID]
	require.False(t, sampled, "the health sample is dropped on recovery")
}

func TestRunningJobWithAdvancingProgressIsNotStuck(t *testing.T) {
	f := newFixture(t, defaultSwitches())
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	job := f.runningJob(t, models.KindAnalyze, project.ID)

	f.sup.samples[job.ID] = sample{progress: 10, advancedAt: time.Now().Add(-300 * time.Second)}
	require.NoError(t, f.store.UpdateProgress(ctx, job.ID, 55, "transcribe", "advancing"))

	report := f.sup.Tick(ctx)
	require.Zero(t, report.StuckRecovered, "progress advanced, so the stall clock resets")

	still, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, still.Status)
}

func TestOrphanedTransientProjectIsReset(t *testing.T) {
	f := newFixture(t, defaultSwitches())
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectAnalyzing))

	report := f.sup.Tick(ctx)
	require.Equal(t, 1, report.OrphansRecovered)

	updated, err := f.projects.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectIngested, updated.Status)
}

func TestTransientProjectWithLiveJobIsNotOrphan(t *testing.T) {
	f := newFixture(t, defaultSwitches())
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectAnalyzing))
	f.runningJob(t, models.KindAnalyze, project.ID)

	report := f.sup.Tick(ctx)
	require.Zero(t, report.OrphansRecovered)

	updated, err := f.projects.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectAnalyzing, updated.Status)
}

func TestSupervisorConvergence(t *testing.T) {
	// P6: K stuck jobs and L orphan projects converge to (0, 0) in one tick.
	f := newFixture(t, defaultSwitches())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		project, err := f.projects.Create(ctx, "stuck", "https://example.com/v", nil)
		require.NoError(t, err)
		require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectAnalyzing))
		job := f.runningJob(t, models.KindAnalyze, project.ID)
		f.sup.samples[job.ID] = sample{progress: 20, advancedAt: time.Now().Add(-400 * time.Second)}
	}
	for i := 0; i < 3; i++ {
		project, err := f.projects.Create(ctx, "orphan", "https://example.com/v", nil)
		require.NoError(t, err)
		require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectExporting))
	}

	report := f.sup.Tick(ctx)
	require.Equal(t, 2, report.StuckRecovered)
	require.Equal(t, 3, report.OrphansRecovered)

	again := f.sup.Tick(ctx)
	require.Zero(t, again.StuckRecovered)
	require.Zero(t, again.OrphansRecovered)
}

func TestFailedJobAutoRetryIncrementsCount(t *testing.T) {
	f := newFixture(t, defaultSwitches())
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)

	job := f.runningJob(t, models.KindAnalyze, project.ID)
	require.NoError(t, f.store.Finish(ctx, job.ID, models.StatusFailed, nil, "transcriber exited 1"))

	// Auto-retry runs every 2nd tick.
	first := f.sup.Tick(ctx)
	require.Zero(t, first.RetriesCreated)
	second := f.sup.Tick(ctx)
	require.Equal(t, 1, second.RetriesCreated)

	retries, err := f.store.List(ctx, store.ListFilter{
		SubjectID: project.ID,
		Kind:      models.KindAnalyze,
		Statuses:  []models.JobStatus{models.StatusPending},
	})
	require.NoError(t, err)
	require.Len(t, retries, 1)
	require.Equal(t, 1, retries[0].RetryCount)
}

func TestRetryCapIsNeverExceeded(t *testing.T) {
	// P7: a job at the retry cap is terminal; no further attempt is created.
	f := newFixture(t, defaultSwitches())
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)

	job := f.runningJob(t, models.KindAnalyze, project.ID)
	require.NoError(t, f.store.Finish(ctx, job.ID, models.StatusFailed, nil, "fails every time"))

	created, err := f.sup.retryFailed(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, created, "first retry below the cap is created")

	// Fail the retry at the cap and confirm no further attempt appears.
	retries, err := f.store.List(ctx, store.ListFilter{SubjectID: project.ID, Statuses: []models.JobStatus{models.StatusPending}})
	require.NoError(t, err)
	require.Len(t, retries, 1)

	for i := 0; i < 3; i++ {
		pending, err := f.store.List(ctx, store.ListFilter{SubjectID: project.ID, Statuses: []models.JobStatus{models.StatusPending}})
		require.NoError(t, err)
		if len(pending) == 0 {
			break
		}
		claimed, err := f.store.ClaimByID(ctx, pending[0].ID)
		require.NoError(t, err)
		require.NoError(t, f.store.Finish(ctx, claimed.ID, models.StatusFailed, nil, "fails every time"))
		_, err = f.sup.retryFailed(ctx, 3)
		require.NoError(t, err)
	}

	all, err := f.store.List(ctx, store.ListFilter{SubjectID: project.ID, Kind: models.KindAnalyze})
	require.NoError(t, err)
	require.Len(t, all, 4, "original plus exactly retry_max attempts")
	for _, j := range all {
		require.LessOrEqual(t, j.RetryCount, 3)
	}
}

func TestContinuityScanCreatesMissingAnalyzeJob(t *testing.T) {
	// S5: Ingested + auto_analyze policy + no live Analyze job.
	f := newFixture(t, defaultSwitches())
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", models.Bag{
		sequencer.PayloadAutoAnalyze: true,
	})
	require.NoError(t, err)
	require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectIngested))

	created, err := f.sup.continuityScan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	updated, err := f.projects.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectAnalyzing, updated.Status)

	jobs, err := f.store.List(ctx, store.ListFilter{
		SubjectID: project.ID,
		Kind:      models.KindAnalyze,
		Statuses:  []models.JobStatus{models.StatusPending},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestContinuityScanSkipsWithoutPolicy(t *testing.T) {
	f := newFixture(t, defaultSwitches())
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectIngested))

	created, err := f.sup.continuityScan(ctx)
	require.NoError(t, err)
	require.Zero(t, created)
}

func TestStatusReportsCountsAndSwitches(t *testing.T) {
	f := newFixture(t, defaultSwitches())
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	f.runningJob(t, models.KindIngest, project.ID)

	snapshot, err := f.sup.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snapshot.JobCounts[models.StatusRunning])
	require.True(t, snapshot.Switches.AutoRecovery)
}

func TestSetSwitchesIsRuntimeMutable(t *testing.T) {
	f := newFixture(t, defaultSwitches())

	sw := f.sup.Switches()
	sw.AutoRecovery = false
	sw.StuckThreshold = 60 * time.Second
	f.sup.SetSwitches(sw)

	got := f.sup.Switches()
	require.False(t, got.AutoRecovery)
	require.Equal(t, 60*time.Second, got.StuckThreshold)
}

func TestAutoRecoveryOffLeavesStuckJobsAlone(t *testing.T) {
	sw := defaultSwitches()
	sw.AutoRecovery = false
	f := newFixture(t, sw)
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	job := f.runningJob(t, models.KindAnalyze, project.ID)
	f.sup.samples[job.ID] = sample{progress: 10, advancedAt: time.Now().Add(-400 * time.Second)}

	report := f.sup.Tick(ctx)
	require.Zero(t, report.StuckRecovered)

	still, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, still.Status)
}
