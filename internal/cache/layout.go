package cache

import "path/filepath"

// Layout resolves the per-project filesystem layout under the configured
// persistence root (spec §6): analysis/ holds step cache entries, the
// remaining directories hold handler-owned artifacts the core never
// reads beyond existence checks.
type Layout struct {
	Root string
}

// ProjectDir is the project's top-level directory.
func (l Layout) ProjectDir(projectID string) string {
	return filepath.Join(l.Root, projectID)
}

// SourceDir holds the materialized source media the ingest prepare stage
// requires (spec §4.5 preconditions).
func (l Layout) SourceDir(projectID string) string {
	return filepath.Join(l.Root, projectID, "source")
}

// AudioPath is the extracted-audio artifact the analyze stage requires.
func (l Layout) AudioPath(projectID string) string {
	return filepath.Join(l.Root, projectID, "audio", "audio.wav")
}

// ProxyDir holds render proxies.
func (l Layout) ProxyDir(projectID string) string {
	return filepath.Join(l.Root, projectID, "proxy")
}

// ExportsDir holds packaged deliverables.
func (l Layout) ExportsDir(projectID string) string {
	return filepath.Join(l.Root, projectID, "exports")
}
