package server

import "net/http"

// setupRoutes configures the control-surface routes (spec §6).
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket push channel
	mux.HandleFunc("/ws", s.ws.HandleWebSocket)

	// Jobs
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		RouteResourceCollection(w, r, s.listJobsHandler, s.createJobHandler)
	})
	mux.HandleFunc("/api/jobs/cleanup", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"POST": s.cleanupJobsHandler})
	})
	mux.HandleFunc("/api/jobs/", s.jobItemHandler)

	// Projects
	mux.HandleFunc("/api/projects", func(w http.ResponseWriter, r *http.Request) {
		RouteResourceCollection(w, r, s.listProjectsHandler, s.createProjectHandler)
	})
	mux.HandleFunc("/api/projects/", s.projectItemHandler)

	// Supervisor
	mux.HandleFunc("/api/supervisor/status", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"GET": s.supervisorStatusHandler})
	})
	mux.HandleFunc("/api/supervisor/recover", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"POST": s.supervisorRecoverHandler})
	})
	mux.HandleFunc("/api/supervisor/tick", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{"POST": s.supervisorTickHandler})
	})
	mux.HandleFunc("/api/supervisor/switches", func(w http.ResponseWriter, r *http.Request) {
		RouteByMethod(w, r, MethodRouter{
			"GET": s.getSwitchesHandler,
			"PUT": s.setSwitchesHandler,
		})
	})

	// Liveness
	mux.HandleFunc("/api/status", s.statusHandler)

	return mux
}
