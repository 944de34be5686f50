package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/models"
)

func newTestCache(t *testing.T) *StepCache {
	t.Helper()
	return New(t.TempDir(), arbor.NewLogger())
}

func TestStepCache_MissOnEmpty(t *testing.T) {
	c := newTestCache(t)

	_, ok := c.Get("prj_1", "transcript")
	assert.False(t, ok)
}

func TestStepCache_PutGetRoundTrip(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put("prj_1", "transcript", models.Bag{
		"language": "en",
		"segments": []interface{}{"hello", "world"},
	}))

	blob, ok := c.Get("prj_1", "transcript")
	require.True(t, ok)
	lang, _ := blob.GetString("language")
	assert.Equal(t, "en", lang)
}

func TestStepCache_ErrorEntryIsMiss(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.PutError("prj_1", "detect_scenes", "scene detector exited 1"))

	_, ok := c.Get("prj_1", "detect_scenes")
	assert.False(t, ok, "an entry with an error field must disqualify itself")

	// The failed attempt is still on disk for diagnosis.
	_, err := os.Stat(c.Path("prj_1", "detect_scenes"))
	require.NoError(t, err)
}

func TestStepCache_CorruptEntryIsMiss(t *testing.T) {
	c := newTestCache(t)

	path := c.Path("prj_1", "timeline")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, ok := c.Get("prj_1", "timeline")
	assert.False(t, ok)
}

func TestStepCache_NoTempFileLeftBehind(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put("prj_1", "transcript", models.Bag{"ok": true}))

	entries, err := os.ReadDir(filepath.Dir(c.Path("prj_1", "transcript")))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "transcript.json", entries[0].Name())
}

func TestStepCache_PurgeRemovesAllEntries(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put("prj_1", "transcript", models.Bag{"ok": true}))
	require.NoError(t, c.Put("prj_1", "detect_scenes", models.Bag{"ok": true}))
	require.NoError(t, c.Put("prj_2", "transcript", models.Bag{"ok": true}))

	require.NoError(t, c.Purge("prj_1"))

	_, ok := c.Get("prj_1", "transcript")
	assert.False(t, ok)
	_, ok = c.Get("prj_2", "transcript")
	assert.True(t, ok, "purging one project must not touch another")
}
