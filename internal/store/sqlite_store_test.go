package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reelforge.db")

	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), dbPath, false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.InitSchema())

	return New(db.DB(), arbor.NewLogger(), 24*time.Hour)
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, models.KindIngest, "project_1", models.Bag{"source_url": "https://example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, models.StatusPending, job.Status)

	fetched, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, fetched.ID)
	require.Equal(t, "project_1", fetched.SubjectID)
	url, ok := fetched.Payload.GetString("source_url")
	require.True(t, ok)
	require.Equal(t, "https://example.com", url)
}

func TestClaimByIDOnlyClaimsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, models.KindIngest, "project_1", nil)
	require.NoError(t, err)

	first, err := s.ClaimByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, models.StatusRunning, first.Status)
	require.NotNil(t, first.StartedAt)

	second, err := s.ClaimByID(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestClaimNextRespectsFreshnessWindow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reelforge.db")
	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), dbPath, false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	s := New(db.DB(), arbor.NewLogger(), time.Millisecond)
	ctx := context.Background()

	_, err = s.Create(ctx, models.KindIngest, "project_1", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, claimed, "job older than the freshness window must not be claimable")
}

func TestUpdateProgressNoopWhenNotRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, models.KindIngest, "project_1", nil)
	require.NoError(t, err)

	err = s.UpdateProgress(ctx, job.ID, 50, "download", "halfway")
	require.NoError(t, err)

	fetched, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, float64(0), fetched.Progress, "progress update must be a no-op while job is still Pending")
}

func TestFinishIsIdempotentAndWinsOverProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, models.KindIngest, "project_1", nil)
	require.NoError(t, err)
	_, err = s.ClaimByID(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, s.Finish(ctx, job.ID, models.StatusCompleted, models.Bag{"ok": true}, ""))

	// A late progress update racing the Finish must not resurrect the job.
	require.NoError(t, s.UpdateProgress(ctx, job.ID, 0.9, "download", "late"))

	fetched, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, fetched.Status)
	require.Equal(t, float64(0), fetched.Progress)

	// Finishing again is a no-op, not an error.
	require.NoError(t, s.Finish(ctx, job.ID, models.StatusFailed, nil, "should not apply"))
	fetched, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, fetched.Status)
}

func TestResetOrphanedRunningRevertsToPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, models.KindIngest, "project_1", nil)
	require.NoError(t, err)
	_, err = s.ClaimByID(ctx, job.ID)
	require.NoError(t, err)

	count, err := s.ResetOrphanedRunning(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	fetched, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, fetched.Status)
	require.Nil(t, fetched.StartedAt)
}

func TestCreateRetryCarriesPayloadAndIncrementsCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original, err := s.Create(ctx, models.KindAnalyze, "project_1", models.Bag{"language": "en", "_custom": "kept"})
	require.NoError(t, err)
	original.RetryCount = 1

	retry, err := s.CreateRetry(ctx, original)
	require.NoError(t, err)
	require.NotEqual(t, original.ID, retry.ID)
	require.Equal(t, 2, retry.RetryCount)

	fetched, err := s.Get(ctx, retry.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, fetched.Status)
	custom, ok := fetched.Payload.GetString("_custom")
	require.True(t, ok, "unknown payload fields are preserved verbatim")
	require.Equal(t, "kept", custom)
}

func TestMigrateLegacyPayloadsMovesResultIntoPayload(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reelforge.db")
	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), dbPath, false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	// A row written under the old shape: payload in the result column.
	_, err = db.DB().Exec(`
		INSERT INTO job (id, kind, subject_id, status, payload_json, result_json, created_at)
		VALUES ('job_legacy', 'Analyze', 'project_1', 'Pending', '{}', '{"language":"en"}', ?)`,
		time.Now().Unix())
	require.NoError(t, err)
	// A terminal row with a legitimate result must not be touched.
	_, err = db.DB().Exec(`
		INSERT INTO job (id, kind, subject_id, status, payload_json, result_json, created_at, completed_at)
		VALUES ('job_done', 'Analyze', 'project_2', 'Completed', '{}', '{"ok":true}', ?, ?)`,
		time.Now().Unix(), time.Now().Unix())
	require.NoError(t, err)

	s := New(db.DB(), arbor.NewLogger(), 24*time.Hour)
	ctx := context.Background()

	migrated, err := s.MigrateLegacyPayloads(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, migrated)

	legacy, err := s.Get(ctx, "job_legacy")
	require.NoError(t, err)
	lang, ok := legacy.Payload.GetString("language")
	require.True(t, ok)
	require.Equal(t, "en", lang)
	require.Nil(t, legacy.Result)

	done, err := s.Get(ctx, "job_done")
	require.NoError(t, err)
	okVal, _ := done.Result.GetBool("ok")
	require.True(t, okVal)
}

func TestPurgeOlderThanDeletesOnlyTerminalPastCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Create(ctx, models.KindIngest, "project_1", nil)
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, job.ID, models.StatusCompleted, nil, ""))

	future := time.Now().Add(time.Hour)
	purged, err := s.PurgeOlderThan(ctx, []models.JobStatus{models.StatusCompleted}, future)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, err = s.Get(ctx, job.ID)
	require.Error(t, err)
}
