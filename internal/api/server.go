package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"packaging-coordinator/internal/artifact"
	"packaging-coordinator/internal/lease"
	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/ratelimit"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/telemetry"
)

// Hints wakes polling workers. Implemented by queue.HintQueue.
type Hints interface {
	Push(ctx context.Context, jobID string) error
	Remove(ctx context.Context, jobID string) error
}

// Limiter throttles job submissions per user. Implemented by ratelimit.TokenBucket.
type Limiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// Artifacts produces download links. Implemented by artifact.Presigner.
type Artifacts interface {
	DownloadURL(ctx context.Context, location string) (string, time.Time, error)
}

// Deps are the collaborators of the API. Hints, Limiter, Artifacts and Log are optional.
type Deps struct {
	Store          store.Store
	Leases         *lease.Coordinator
	Lifecycle      *lifecycle.Service
	Hints          Hints
	Limiter        Limiter
	Artifacts      Artifacts
	CallbackSecret string
	Log            logrus.FieldLogger
}

// Server wires HTTP handlers for producers, workers, callbacks and operators.
type Server struct {
	store     store.Store
	leases    *lease.Coordinator
	lifecycle *lifecycle.Service
	hints     Hints
	limiter   Limiter
	artifacts Artifacts
	secret    []byte
	log       logrus.FieldLogger
}

// New constructs the API server.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = telemetry.Discard()
	}
	return &Server{
		store:     d.Store,
		leases:    d.Leases,
		lifecycle: d.Lifecycle,
		hints:     d.Hints,
		limiter:   d.Limiter,
		artifacts: d.Artifacts,
		secret:    []byte(d.CallbackSecret),
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListByStatus)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleDeleteJob)
			r.Get("/events", s.handleJobEvents)
			r.Get("/artifact", s.handleArtifact)
			r.Post("/cancel", s.handleCancel)
			r.Post("/force-release", s.handleForceRelease)
		})
	})

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/jobs", s.handleListByUser)
		r.Delete("/jobs", s.handleCleanup)
		r.Get("/history", s.handleListHistory)
	})

	r.Route("/leases", func(r chi.Router) {
		r.Post("/claim-next", s.handleClaimNext)
		r.Post("/{id}/claim", s.handleClaim)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/{id}/release", s.handleRelease)
	})

	r.Get("/stats", s.handleStats)
	r.Post("/history", s.handleCreateHistory)
	r.Post("/callbacks", s.handleCallback)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		telemetry.WithTrace(r.Context(), s.log).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: store.ErrInvalidJob.Error(), Fields: verr.Fields})
	case errors.Is(err, store.ErrInvalidJob),
		errors.Is(err, store.ErrInvalidArgument),
		errors.Is(err, store.ErrInvalidPatch),
		errors.Is(err, lease.ErrNoPackager):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, lifecycle.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, lifecycle.ErrStaleCallback),
		errors.Is(err, lifecycle.ErrTerminal),
		errors.Is(err, lifecycle.ErrConflict),
		errors.Is(err, lease.ErrFinished):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, artifact.ErrUnsupportedLocation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		telemetry.WithTrace(r.Context(), s.log).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json: %w", store.ErrInvalidArgument, err)
	}
	return nil
}

const maxBodyBytes = 1 << 20

// queryLimit parses ?limit=. Absent means the store default.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", store.ErrInvalidArgument)
	}
	return n, nil
}

// pushHint and dropHint are best effort; the store stays authoritative.
func (s *Server) pushHint(ctx context.Context, jobID string) {
	if s.hints == nil {
		return
	}
	if err := s.hints.Push(ctx, jobID); err != nil {
		s.log.WithField("job_id", jobID).WithError(err).Warn("push hint")
	}
}

func (s *Server) dropHint(ctx context.Context, jobID string) {
	if s.hints == nil {
		return
	}
	if err := s.hints.Remove(ctx, jobID); err != nil {
		s.log.WithField("job_id", jobID).WithError(err).Warn("remove hint")
	}
}
