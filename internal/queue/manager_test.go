package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/storage/sqlite"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reelforge.db")

	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), dbPath, false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mgr, err := NewManager(db.DB(), "reelforge_jobs")
	require.NoError(t, err)
	return mgr
}

func TestEnqueueThenReceiveRoundTrips(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Enqueue(ctx, "job_123"))

	dlv, err := mgr.receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "job_123", dlv.jobID)

	require.NoError(t, mgr.deleteMessage(ctx, dlv.id))
}

func TestReceiveOnEmptyQueueReturnsErrNoMessage(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.receive(context.Background())
	require.ErrorIs(t, err, ErrNoMessage)
}

func TestDeletedMessageIsNotRedelivered(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Enqueue(ctx, "job_1"))
	dlv, err := mgr.receive(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.deleteMessage(ctx, dlv.id))

	_, err = mgr.receive(ctx)
	require.ErrorIs(t, err, ErrNoMessage)
}
