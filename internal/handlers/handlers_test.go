package handlers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/bus"
	"github.com/ternarybob/reelforge/internal/cache"
	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
	"github.com/ternarybob/reelforge/internal/sequencer"
	"github.com/ternarybob/reelforge/internal/storage/sqlite"
	"github.com/ternarybob/reelforge/internal/store"
)

// fakeMedia counts invocations so tests can assert which expensive steps
// actually ran.
type fakeMedia struct {
	transcribeCalls   int
	detectSceneCalls  int
	failTranscribe    bool
	transcribeOutcome models.Bag
}

func (f *fakeMedia) Download(_ context.Context, _, destDir string) (models.Bag, error) {
	return models.Bag{"dest_dir": destDir}, nil
}

func (f *fakeMedia) Probe(_ context.Context, _ string) (models.Bag, error) {
	return models.Bag{"format": map[string]interface{}{"duration": "120.0"}}, nil
}

func (f *fakeMedia) ExtractAudio(_ context.Context, _, audioPath string) error {
	if err := os.MkdirAll(filepath.Dir(audioPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(audioPath, []byte("RIFF"), 0644)
}

func (f *fakeMedia) Transcribe(_ context.Context, _, _ string) (models.Bag, error) {
	f.transcribeCalls++
	if f.failTranscribe {
		return nil, os.ErrDeadlineExceeded
	}
	if f.transcribeOutcome != nil {
		return f.transcribeOutcome, nil
	}
	return models.Bag{"segments": []interface{}{
		map[string]interface{}{"start": 0.0, "end": 8.5, "text": "hello"},
	}}, nil
}

func (f *fakeMedia) DetectScenes(_ context.Context, _ string) (models.Bag, error) {
	f.detectSceneCalls++
	return models.Bag{"frames": []interface{}{map[string]interface{}{"pts_time": "4.2"}}}, nil
}

func (f *fakeMedia) RenderVariant(_ context.Context, _, destPath string, _, _ float64) error {
	return os.WriteFile(destPath, []byte("mp4"), 0644)
}

func (f *fakeMedia) Health(_ context.Context) error { return nil }

type nopReporter struct {
	lastProgress float64
	cancelled    bool
}

func (r *nopReporter) Progress(_ string, progress float64, _ string) error {
	r.lastProgress = progress
	return nil
}

func (r *nopReporter) Cancelled() bool { return r.cancelled }

type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(context.Context, string) error { return nil }

type fixture struct {
	deps     Deps
	store    store.Store
	projects store.Projects
	media    *fakeMedia
	layout   cache.Layout
}

func newFixture(t *testing.T) *fixture {
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
	layout := cache.Layout{Root: root}
	stepCache := cache.New(root, logger)
	seq := sequencer.New(st, projects, nopEnqueuer{}, b, stepCache, layout, logger)
	media := &fakeMedia{}

	return &fixture{
		deps: Deps{
			Store:     st,
			Projects:  projects,
			Cache:     stepCache,
			Layout:    layout,
			Sequencer: seq,
			Media:     media,
			Logger:    logger,
		},
		store:    st,
		projects: projects,
		media:    media,
		layout:   layout,
	}
}

func (f *fixture) materializeSource(t *testing.T, projectID string) {
	t.Helper()
	dir := f.layout.SourceDir(projectID)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "source.mp4"), []byte("x"), 0644))
}

func (f *fixture) materializeAudio(t *testing.T, projectID string) {
	t.Helper()
	path := f.layout.AudioPath(projectID)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0644))
}

func TestIngestPrepareHappyPathChainsAnalyze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	f.materializeSource(t, project.ID)

	job, err := f.store.Create(ctx, models.KindIngest, project.ID, models.Bag{
		sequencer.PayloadVariant:     sequencer.VariantPrepare,
		sequencer.PayloadAutoAnalyze: true,
	})
	require.NoError(t, err)

	reporter := &nopReporter{}
	result, err := f.deps.ingest(ctx, job, reporter)
	require.NoError(t, err)
	require.NotNil(t, result["audio_path"])
	require.Equal(t, float64(100), reporter.lastProgress)

	// S1: project reaches Analyzing with exactly one Analyze job live.
	updated, err := f.projects.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectAnalyzing, updated.Status)

	analyzeJobs, err := f.store.List(ctx, store.ListFilter{
		SubjectID: project.ID,
		Kind:      models.KindAnalyze,
		Statuses:  []models.JobStatus{models.StatusPending, models.StatusRunning},
	})
	require.NoError(t, err)
	require.Len(t, analyzeJobs, 1)
}

func TestIngestPrepareFailsWithoutSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)

	job, err := f.store.Create(ctx, models.KindIngest, project.ID, models.Bag{
		sequencer.PayloadVariant: sequencer.VariantPrepare,
	})
	require.NoError(t, err)

	_, err = f.deps.ingest(ctx, job, &nopReporter{})
	require.ErrorIs(t, err, orcherr.ErrPrecondition)

	// Precondition failures leave the project status unchanged.
	updated, err := f.projects.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectCreated, updated.Status)
}

func TestAnalyzeResumesFromStepCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectIngested))
	f.materializeSource(t, project.ID)
	f.materializeAudio(t, project.ID)

	// Transcript and scenes already cached, as after a crash at 40%.
	require.NoError(t, f.deps.Cache.Put(project.ID, StageTranscribe, models.Bag{
		"segments": []interface{}{map[string]interface{}{"start": 0.0, "end": 5.0, "text": "cached"}},
	}))
	require.NoError(t, f.deps.Cache.Put(project.ID, StageDetectScenes, models.Bag{
		"frames": []interface{}{map[string]interface{}{"pts_time": "2.0"}},
	}))

	job, err := f.store.Create(ctx, models.KindAnalyze, project.ID, nil)
	require.NoError(t, err)

	reporter := &nopReporter{}
	result, err := f.deps.analyze(ctx, job, reporter)
	require.NoError(t, err)
	require.NotNil(t, result["segments"])

	// P5: the expensive sub-steps did not re-execute.
	require.Zero(t, f.media.transcribeCalls)
	require.Zero(t, f.media.detectSceneCalls)
	require.Equal(t, float64(100), reporter.lastProgress)

	updated, err := f.projects.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectAnalyzed, updated.Status)
}

func TestAnalyzeFailureRecordsCacheErrorAndRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectIngested))
	f.materializeSource(t, project.ID)
	f.materializeAudio(t, project.ID)
	f.media.failTranscribe = true

	job, err := f.store.Create(ctx, models.KindAnalyze, project.ID, nil)
	require.NoError(t, err)

	_, err = f.deps.analyze(ctx, job, &nopReporter{})
	require.ErrorIs(t, err, orcherr.ErrHandlerFailure)

	// The failed step left a disqualified cache entry behind.
	_, ok := f.deps.Cache.Get(project.ID, StageTranscribe)
	require.False(t, ok)
	_, statErr := os.Stat(f.deps.Cache.Path(project.ID, StageTranscribe))
	require.NoError(t, statErr)

	// HandlerFailure rolls the project back one stage.
	updated, err := f.projects.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectIngested, updated.Status)
}

func TestExportRequiresAnalysisArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)

	job, err := f.store.Create(ctx, models.KindExport, project.ID, nil)
	require.NoError(t, err)

	_, err = f.deps.export(ctx, job, &nopReporter{})
	require.ErrorIs(t, err, orcherr.ErrPrecondition)
}

func TestExportPackagesSegmentsAndMarksReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectAnalyzed))
	f.materializeSource(t, project.ID)

	require.NoError(t, f.deps.Cache.Put(project.ID, StageTranscribe, models.Bag{"language": "en"}))
	require.NoError(t, f.deps.Cache.Put(project.ID, StageScoreSegments, models.Bag{
		"segments": []interface{}{
			map[string]interface{}{"id": "seg_0", "start": 0.0, "end": 8.0},
		},
	}))

	job, err := f.store.Create(ctx, models.KindExport, project.ID, nil)
	require.NoError(t, err)

	result, err := f.deps.export(ctx, job, &nopReporter{})
	require.NoError(t, err)
	deliverables, ok := result["deliverables"].([]interface{})
	require.True(t, ok)
	require.Len(t, deliverables, 1)

	updated, err := f.projects.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectReady, updated.Status)
}

func TestCancelledReporterStopsAnalyzeBetweenSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.projects.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)
	require.NoError(t, f.projects.SetStatus(ctx, project.ID, models.ProjectIngested))
	f.materializeSource(t, project.ID)
	f.materializeAudio(t, project.ID)

	job, err := f.store.Create(ctx, models.KindAnalyze, project.ID, nil)
	require.NoError(t, err)

	_, err = f.deps.analyze(ctx, job, &nopReporter{cancelled: true})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, f.media.transcribeCalls, "no expensive step may start after cancellation is observed")
}
