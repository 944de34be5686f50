package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/store"
)

// --- Jobs ---

type createJobRequest struct {
	Kind      string     `json:"kind"`
	SubjectID string     `json:"subject_id,omitempty"`
	Payload   models.Bag `json:"payload,omitempty"`
}

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind == "" {
		WriteError(w, http.StatusBadRequest, "kind is required")
		return
	}

	job, err := s.app.Sequencer.CreateJob(r.Context(), models.JobKind(req.Kind), req.SubjectID, req.Payload)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		SubjectID: r.URL.Query().Get("subject_id"),
		Kind:      models.JobKind(r.URL.Query().Get("kind")),
		Limit:     100,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []models.JobStatus{models.JobStatus(status)}
	}

	jobs, err := s.app.Store.List(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// jobItemHandler serves GET /api/jobs/{id} and POST /api/jobs/{id}/cancel.
func (s *Server) jobItemHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if rest == "" {
		WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if r.Method != http.MethodPost {
			WriteError(w, http.StatusMethodNotAllowed, "cancel requires POST")
			return
		}
		if err := s.app.Dispatcher.Cancel(r.Context(), id); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true, "job_id": id})
		return
	}

	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := s.app.Store.Get(r.Context(), rest)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

type cleanupRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

func (s *Server) cleanupJobsHandler(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{OlderThanDays: s.app.Config.Store.RetentionDays}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.OlderThanDays <= 0 {
		WriteError(w, http.StatusBadRequest, "older_than_days must be positive")
		return
	}

	cutoff := time.Now().AddDate(0, 0, -req.OlderThanDays)
	terminal := []models.JobStatus{models.StatusCompleted, models.StatusFailed, models.StatusCancelled}
	deleted, err := s.app.Store.PurgeOlderThan(r.Context(), terminal, cutoff)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// --- Projects ---

type createProjectRequest struct {
	Name      string     `json:"name"`
	SourceURL string     `json:"source_url"`
	Policy    models.Bag `json:"policy,omitempty"`
}

func (s *Server) createProjectHandler(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}

	project, err := s.app.Projects.Create(r.Context(), req.Name, req.SourceURL, req.Policy)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, project)
}

func (s *Server) listProjectsHandler(w http.ResponseWriter, r *http.Request) {
	projects, err := s.app.Projects.List(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	WriteJSON(w, http.StatusOK, projects)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// projectItemHandler serves GET /api/projects/{id} and
// PUT /api/projects/{id}/status (operator override, spec §6).
func (s *Server) projectItemHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	if rest == "" {
		WriteError(w, http.StatusBadRequest, "project id is required")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/status"); ok {
		if r.Method != http.MethodPut {
			WriteError(w, http.StatusMethodNotAllowed, "status override requires PUT")
			return
		}
		var req setStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.app.Sequencer.SetProjectStatus(r.Context(), id, models.ProjectStatus(req.Status)); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"project_id": id, "status": req.Status})
		return
	}

	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	project, err := s.app.Projects.Get(r.Context(), rest)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, project)
}

// --- Supervisor ---

func (s *Server) supervisorStatusHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.app.Supervisor.Status(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snapshot)
}

type recoverRequest struct {
	JobIDs []string `json:"job_ids,omitempty"`
}

func (s *Server) supervisorRecoverHandler(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	recovered, err := s.app.Supervisor.Recover(r.Context(), req.JobIDs)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"recovered": recovered})
}

func (s *Server) supervisorTickHandler(w http.ResponseWriter, r *http.Request) {
	report := s.app.Supervisor.ForceTick(r.Context())
	WriteJSON(w, http.StatusOK, report)
}

func (s *Server) getSwitchesHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.app.Supervisor.Switches())
}

type switchesRequest struct {
	AutoRecovery       *bool  `json:"auto_recovery,omitempty"`
	RetryMax           *int   `json:"retry_max,omitempty"`
	StuckThreshold     string `json:"stuck_threshold,omitempty"`
	TickInterval       string `json:"tick_interval,omitempty"`
	AutoRetryEveryNth  *int   `json:"auto_retry_every_nth,omitempty"`
	ContinuityEveryNth *int   `json:"continuity_every_nth,omitempty"`
}

func (s *Server) setSwitchesHandler(w http.ResponseWriter, r *http.Request) {
	var req switchesRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sw := s.app.Supervisor.Switches()
	if req.AutoRecovery != nil {
		sw.AutoRecovery = *req.AutoRecovery
	}
	if req.RetryMax != nil {
		sw.RetryMax = *req.RetryMax
	}
	if req.AutoRetryEveryNth != nil {
		sw.AutoRetryEveryNth = *req.AutoRetryEveryNth
	}
	if req.ContinuityEveryNth != nil {
		sw.ContinuityEveryNth = *req.ContinuityEveryNth
	}
	if req.StuckThreshold != "" {
		d, err := time.ParseDuration(req.StuckThreshold)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid stuck_threshold: "+err.Error())
			return
		}
		sw.StuckThreshold = d
	}
	if req.TickInterval != "" {
		d, err := time.ParseDuration(req.TickInterval)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid tick_interval: "+err.Error())
			return
		}
		sw.TickInterval = d
	}

	s.app.Supervisor.SetSwitches(sw)
	WriteJSON(w, http.StatusOK, s.app.Supervisor.Switches())
}

// --- Liveness ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.app.Store.CountByStatus(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"job_counts": counts,
	})
}
