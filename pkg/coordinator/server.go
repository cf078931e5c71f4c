// Package coordinator implements the HTTP control plane: task submit,
// node registration, heartbeat-with-piggybacked-dispatch, status update,
// and the read-only introspection endpoints.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/queue"
	"github.com/cuemby/fleetcore/pkg/registry"
	"github.com/cuemby/fleetcore/pkg/scheduler"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server is the coordinator's HTTP control plane.
type Server struct {
	queue     *queue.Queue
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger
	startedAt time.Time

	mux *http.ServeMux
	srv *http.Server
}

// New builds the control plane, wiring routes to q, r and sched.
func New(q *queue.Queue, r *registry.Registry, sched *scheduler.Scheduler) *Server {
	s := &Server{
		queue:     q,
		registry:  r,
		scheduler: sched,
		logger:    log.WithComponent("coordinator"),
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /task", s.handleSubmitTask)
	s.mux.HandleFunc("POST /node/register", s.handleRegisterNode)
	s.mux.HandleFunc("POST /node/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /task/update", s.handleTaskUpdate)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /nodes", s.handleListNodes)
	s.mux.HandleFunc("GET /task/{id}", s.handleGetTask)
	s.mux.Handle("/metrics", metrics.Handler())

	return s
}

// Handler returns the control plane's http.Handler, wrapped with request
// logging, for embedding or for tests.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.logger)(s.mux)
}

// Start runs the HTTP server on addr until ctx is cancelled, then
// performs a graceful shutdown.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("coordinator listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to an HTTP status: unknown id -> 404,
// illegal transition or duplicate id -> 400, stale update -> 409,
// everything else -> 500.
func statusFor(err error) (int, string) {
	var notFoundQ queue.ErrNotFound
	var notFoundR registry.ErrNotFound
	var illegal queue.ErrIllegalTransition
	var dup queue.ErrDuplicateID
	var stale queue.ErrStaleUpdate
	switch {
	case errors.As(err, &notFoundQ), errors.As(err, &notFoundR):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &illegal), errors.As(err, &dup):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &stale):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func newID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}
