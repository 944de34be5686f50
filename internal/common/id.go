package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewProjectID generates a unique project ID with the "prj_" prefix
// Format: prj_<uuid>
func NewProjectID() string {
	return "prj_" + uuid.New().String()
}
