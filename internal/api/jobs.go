package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/telemetry"
)

// createJobRequest is what a producer submits: the package and installer descriptors plus
// opaque configuration. Status, lease and result fields are server-owned.
type createJobRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`

	WingetID     string `json:"winget_id"`
	Version      string `json:"version"`
	DisplayName  string `json:"display_name"`
	Publisher    string `json:"publisher"`
	Architecture string `json:"architecture"`

	InstallerType    string `json:"installer_type"`
	InstallerURL     string `json:"installer_url"`
	InstallerSHA256  string `json:"installer_sha256"`
	InstallCommand   string `json:"install_command"`
	UninstallCommand string `json:"uninstall_command"`
	InstallScope     string `json:"install_scope"`
	SilentSwitches   string `json:"silent_switches"`

	DetectionRules any `json:"detection_rules"`
	PackageConfig  any `json:"package_config"`
}

func (req createJobRequest) job() *models.PackagingJob {
	return &models.PackagingJob{
		UserID:           req.UserID,
		TenantID:         models.StrPtr(req.TenantID),
		WingetID:         req.WingetID,
		Version:          req.Version,
		DisplayName:      req.DisplayName,
		Publisher:        req.Publisher,
		Architecture:     req.Architecture,
		InstallerType:    req.InstallerType,
		InstallerURL:     req.InstallerURL,
		InstallerSHA256:  strings.ToLower(req.InstallerSHA256),
		InstallCommand:   req.InstallCommand,
		UninstallCommand: req.UninstallCommand,
		InstallScope:     req.InstallScope,
		SilentSwitches:   req.SilentSwitches,
		DetectionRules:   req.DetectionRules,
		PackageConfig:    req.PackageConfig,
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.limiter != nil && req.UserID != "" {
		d, err := s.limiter.Allow(r.Context(), req.UserID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int((d.RetryAfter+time.Second-1)/time.Second)))
			}
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited"})
			return
		}
	}

	job, err := s.store.Create(r.Context(), req.job())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.JobsCreated.Inc()
	s.pushHint(r.Context(), job.ID)
	if err := s.store.AppendEvent(r.Context(), job.ID, "created", job.UserID); err != nil {
		s.log.WithField("job_id", job.ID).WithError(err).Warn("record job event")
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.store.GetEvents(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (s *Server) handleListByUser(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.store.GetByUserID(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

func (s *Server) handleListByStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, ok := models.ParseStatus(q.Get("status"))
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: status must be one of %v", store.ErrInvalidArgument, models.AllStatuses))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ascending := true
	switch q.Get("order") {
	case "", "asc":
	case "desc":
		ascending = false
	default:
		s.writeError(w, r, fmt.Errorf("%w: order must be asc or desc", store.ErrInvalidArgument))
		return
	}
	jobs, err := s.store.GetByStatus(r.Context(), status, limit, ascending)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

// handleDeleteJob removes a single finished job. Active jobs must be cancelled first.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	if !job.Status.Terminal() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: fmt.Sprintf("job is %s; only finished jobs can be deleted", job.Status)})
		return
	}
	if _, err := s.store.DeleteByID(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCleanup deletes a user's finished jobs. ?status=deployed,failed narrows the set.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	statuses := models.TerminalStatuses
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = nil
		for _, part := range strings.Split(raw, ",") {
			st, ok := models.ParseStatus(strings.TrimSpace(part))
			if !ok {
				s.writeError(w, r, fmt.Errorf("%w: unknown status %q", store.ErrInvalidArgument, part))
				return
			}
			statuses = append(statuses, st)
		}
	}
	n, err := s.store.DeleteByUserIDAndStatuses(r.Context(), chi.URLParam(r, "userID"), statuses)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	job, err := s.lifecycle.Cancel(r.Context(), id, req.CancelledBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dropHint(r.Context(), id)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.leases.ForceRelease(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	s.pushHint(r.Context(), id)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil || job.IntunewinURL == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "artifact not found"})
		return
	}
	if s.artifacts == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "artifact storage is not configured"})
		return
	}
	link, expires, err := s.artifacts.DownloadURL(r.Context(), *job.IntunewinURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"url": link}
	if !expires.IsZero() {
		resp["expires_at"] = expires.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
