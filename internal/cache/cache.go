// Package cache implements the step cache (C6): per-project, per-stage
// idempotence for expensive analysis sub-steps. Entries are JSON blobs on
// disk under a deterministic layout so the cache survives process
// restarts (spec §4.6).
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/models"
)

// StepCache reads and writes one file per named step under
// {root}/{project_id}/analysis/{step}.json.
type StepCache struct {
	root   string
	logger arbor.ILogger
}

// New creates a step cache rooted at root (the operator-configured
// persistence root from spec §6).
func New(root string, logger arbor.ILogger) *StepCache {
	return &StepCache{root: root, logger: logger}
}

// Path returns the entry file for (projectID, step).
func (c *StepCache) Path(projectID, step string) string {
	return filepath.Join(c.root, projectID, "analysis", step+".json")
}

// Get returns the cached blob for (projectID, step), or (nil, false) on a
// miss. An entry carrying an "error" field records a failed attempt and
// is treated as a miss (spec §4.6, §7): the step re-runs on the next
// attempt.
func (c *StepCache) Get(projectID, step string) (models.Bag, bool) {
	data, err := os.ReadFile(c.Path(projectID, step))
	if err != nil {
		return nil, false
	}

	var blob models.Bag
	if err := json.Unmarshal(data, &blob); err != nil {
		c.logger.Warn().Err(err).Str("project_id", projectID).Str("step", step).Msg("step cache: corrupt entry ignored")
		return nil, false
	}
	if _, failed := blob["error"]; failed {
		return nil, false
	}
	return blob, true
}

// Put writes blob atomically (write to temp, rename) so a crash mid-write
// never leaves a truncated entry behind.
func (c *StepCache) Put(projectID, step string, blob models.Bag) error {
	path := c.Path(projectID, step)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal step cache entry: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write step cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename step cache entry: %w", err)
	}
	return nil
}

// PutError records a failed attempt so the entry disqualifies itself as a
// hit while remaining visible for diagnosis (spec §7 propagation policy).
func (c *StepCache) PutError(projectID, step, errMsg string) error {
	return c.Put(projectID, step, models.Bag{"error": errMsg})
}

// Purge removes every cache entry for projectID. Entries are otherwise
// never mutated after creation (spec §3 lifecycle).
func (c *StepCache) Purge(projectID string) error {
	dir := filepath.Join(c.root, projectID, "analysis")
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge step cache for %s: %w", projectID, err)
	}
	return nil
}
