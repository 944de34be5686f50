package models

import (
	"strings"
	"time"
)

// ProjectStatus is the project's lifecycle status, per spec §3. Transient
// states end in "-ing"; every other state is terminal.
type ProjectStatus string

const (
	ProjectCreated    ProjectStatus = "Created"
	ProjectIngesting  ProjectStatus = "Ingesting"
	ProjectIngested   ProjectStatus = "Ingested"
	ProjectAnalyzing  ProjectStatus = "Analyzing"
	ProjectAnalyzed   ProjectStatus = "Analyzed"
	ProjectExporting  ProjectStatus = "Exporting"
	ProjectReady      ProjectStatus = "Ready"
	ProjectError      ProjectStatus = "Error"
	// ProjectDownloading is a transient sub-state of Ingesting, carried
	// over from original_source's project model.
	ProjectDownloading ProjectStatus = "Downloading"
)

// IsTransient reports whether the status is a "-ing" variant: a status
// the supervisor expects to observe a matching live job for.
func (s ProjectStatus) IsTransient() bool {
	return strings.HasSuffix(string(s), "ing")
}

// Predecessor returns the stage a transient status rolls back to on
// stuck-job recovery or orphan-project recovery (spec §4.7 steps 3-4).
func (s ProjectStatus) Predecessor() ProjectStatus {
	switch s {
	case ProjectIngesting, ProjectDownloading:
		return ProjectCreated
	case ProjectAnalyzing:
		return ProjectIngested
	case ProjectExporting:
		return ProjectAnalyzed
	default:
		return s
	}
}

// Project is the external, core-referenced subject a job operates on.
// The core never mutates domain fields; only Status, as part of
// sequencing or recovery.
type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	SourceURL string        `json:"source_url,omitempty"`
	Status    ProjectStatus `json:"status"`
	// Policy carries operator-set flags such as auto_ingest/auto_analyze,
	// consulted by the sequencer and the supervisor's workflow-continuity
	// scan (spec §4.5, §4.7 step 6).
	Policy    Bag       `json:"policy,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
