package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
	"github.com/ternarybob/reelforge/internal/storage/sqlite"
)

func newTestProjects(t *testing.T) *SQLiteProjects {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reelforge.db")

	db, err := sqlite.NewSQLiteDB(arbor.NewLogger(), dbPath, false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.InitSchema())

	return NewProjects(db.DB(), arbor.NewLogger())
}

func TestProjectCreateThenGetRoundTrips(t *testing.T) {
	p := newTestProjects(t)
	ctx := context.Background()

	project, err := p.Create(ctx, "clip", "https://example.com/v", models.Bag{"auto_analyze": true})
	require.NoError(t, err)
	require.Equal(t, models.ProjectCreated, project.Status)

	fetched, err := p.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, "clip", fetched.Name)
	auto, ok := fetched.Policy.GetBool("auto_analyze")
	require.True(t, ok)
	require.True(t, auto)
}

func TestProjectGetUnknownIDIsNotFound(t *testing.T) {
	p := newTestProjects(t)

	_, err := p.Get(context.Background(), "prj_missing")
	require.ErrorIs(t, err, orcherr.ErrNotFound)
}

func TestProjectSetStatusTransitions(t *testing.T) {
	p := newTestProjects(t)
	ctx := context.Background()

	project, err := p.Create(ctx, "clip", "https://example.com/v", nil)
	require.NoError(t, err)

	require.NoError(t, p.SetStatus(ctx, project.ID, models.ProjectAnalyzing))

	fetched, err := p.Get(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProjectAnalyzing, fetched.Status)

	require.ErrorIs(t, p.SetStatus(ctx, "prj_missing", models.ProjectReady), orcherr.ErrNotFound)
}

func TestProjectListByStatusFilters(t *testing.T) {
	p := newTestProjects(t)
	ctx := context.Background()

	a, err := p.Create(ctx, "a", "https://example.com/a", nil)
	require.NoError(t, err)
	b, err := p.Create(ctx, "b", "https://example.com/b", nil)
	require.NoError(t, err)
	require.NoError(t, p.SetStatus(ctx, a.ID, models.ProjectAnalyzing))
	require.NoError(t, p.SetStatus(ctx, b.ID, models.ProjectExporting))

	transients, err := p.ListByStatus(ctx, models.ProjectAnalyzing, models.ProjectExporting)
	require.NoError(t, err)
	require.Len(t, transients, 2)

	analyzing, err := p.ListByStatus(ctx, models.ProjectAnalyzing)
	require.NoError(t, err)
	require.Len(t, analyzing, 1)
	require.Equal(t, a.ID, analyzing[0].ID)
}
