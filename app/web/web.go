// Package web exposes the job API: create, progress stream, websocket
// completion broadcast, reconciliation queries, cancel and the emergency
// reset. Progress delivery is best effort; clients recover authoritative
// state via the active/complete-check endpoints.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"github.com/gorilla/websocket"

	"github.com/progsync/progsync/app/broadcast"
	"github.com/progsync/progsync/app/controller"
	"github.com/progsync/progsync/app/store"
	"github.com/progsync/progsync/app/tracker"
)

// Controller is the orchestration surface the handlers call into
type Controller interface {
	Create(ctx context.Context, req controller.Request) (tracker.Snapshot, error)
	Cancel(sessionID string) (dataDeleted bool, err error)
	ResetAll() int
	Active() (store.Session, error)
	Snapshot(sessionID string) (tracker.Snapshot, error)
	Completed(sessionID string) (bool, store.Status, error)
}

// Config defines server parameters
type Config struct {
	Version         string
	Controller      Controller
	Broadcaster     *broadcast.Broadcaster
	Hub             *broadcast.Hub
	AdminPasswdHash string        // bcrypt hash guarding reset-all, empty disables the check
	StreamInterval  time.Duration // cadence of the NDJSON progress stream
	UploadDir       string        // where uploaded files land before the worker picks them up
}

// Server is a web service for the job API
type Server struct {
	Config
	upgrader websocket.Upgrader
}

// New creates a server from config
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("web server requires a controller")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("web server requires a broadcaster")
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = time.Second
	}
	return &Server{Config: cfg}, nil
}

// Run starts the web server and blocks until the context is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	if s.Hub != nil {
		s.Broadcaster.Register(s.Hub)
		defer s.Hub.Close()
	}

	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("progsync", "progsync", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(1024*1024), // 1MB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	router.HandleFunc("GET /ws", s.handleWebsocket)

	resetLimiter := tollbooth.NewLimiter(1, nil) // 1 req/sec, emergency endpoint only

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("POST /jobs", s.handleCreateJob)
		api.HandleFunc("GET /jobs/active", s.handleActive)
		api.HandleFunc("GET /jobs/complete-check", s.handleCompleteCheck)
		api.HandleFunc("GET /jobs/{id}/events", s.handleEvents)
		api.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
		api.With(tollbooth.HTTPMiddleware(resetLimiter), s.adminOnly).
			HandleFunc("POST /jobs/reset-all", s.handleResetAll)
	})

	return router
}
