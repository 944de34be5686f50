package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/reelforge/internal/app"
)

// Server exposes the inbound control surface (spec §6): job CRUD and
// cancellation, supervisor operations, project status overrides, and the
// websocket push channel.
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server
	ws     *WebSocketHandler
}

// New creates the HTTP server over the wired application.
func New(application *app.App) *Server {
	s := &Server{
		app: application,
		ws:  NewWebSocketHandler(application.Bus, application.Logger),
	}

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withConditionalMiddleware(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start runs the listener and the push channel's foreground loop. Blocks
// until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	go s.ws.Run(ctx)

	s.app.Logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.CloseAll()
	return s.server.Shutdown(ctx)
}
