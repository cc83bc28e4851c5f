package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/telemetry"
)

// SignatureHeader carries base64(HMAC-SHA256(secret, body)) on callback requests.
const SignatureHeader = "X-Signature"

// Callback events reported by the packaging pipeline.
const (
	EventProgress  = "progress"
	EventTesting   = "testing"
	EventUploading = "uploading"
	EventDeployed  = "deployed"
	EventFailed    = "failed"
)

// callbackRequest is a pipeline report. PackagerID identifies the worker that claimed the job.
type callbackRequest struct {
	JobID      string `json:"job_id"`
	PackagerID string `json:"packager_id"`
	Event      string `json:"event"`
	Message    string `json:"message"`
	// ClaimedAt echoes the claim the pipeline was started for. When present, reports from an
	// earlier claim by the same packager are rejected.
	ClaimedAt *time.Time `json:"claimed_at"`

	ProgressPercent int `json:"progress_percent"`

	GithubRunID  string `json:"github_run_id"`
	GithubRunURL string `json:"github_run_url"`

	IntuneAppID            string `json:"intune_app_id"`
	IntuneAppURL           string `json:"intune_app_url"`
	IntuneTenantID         string `json:"intune_tenant_id"`
	IntunewinURL           string `json:"intunewin_url"`
	IntunewinSizeBytes     *int64 `json:"intunewin_size_bytes"`
	UnencryptedContentSize *int64 `json:"unencrypted_content_size"`
	EncryptionInfo         any    `json:"encryption_info"`

	ErrorStage    string `json:"error_stage"`
	ErrorCategory string `json:"error_category"`
	ErrorCode     string `json:"error_code"`
	ErrorDetails  any    `json:"error_details"`
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Server) verify(body []byte, signature string) bool {
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if len(s.secret) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "callbacks are not configured"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: read body: %w", store.ErrInvalidArgument, err))
		return
	}
	if !s.verify(body, r.Header.Get(SignatureHeader)) {
		telemetry.Callbacks.WithLabelValues("unknown", "unauthorized").Inc()
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	var req callbackRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid json: %w", store.ErrInvalidArgument, err))
		return
	}
	if req.JobID == "" {
		s.writeError(w, r, fmt.Errorf("%w: job_id is required", store.ErrInvalidArgument))
		return
	}

	job, err := s.applyCallback(r, req)
	event := eventLabel(req.Event)
	switch {
	case err == nil:
		telemetry.Callbacks.WithLabelValues(event, "applied").Inc()
		writeJSON(w, http.StatusOK, job)
	case job != nil:
		// Deployed, but the history append failed. The job state is authoritative.
		telemetry.Callbacks.WithLabelValues(event, "applied").Inc()
		telemetry.WithTrace(r.Context(), s.log).WithError(err).WithField("job_id", job.ID).Warn("callback side effect failed")
		writeJSON(w, http.StatusOK, job)
	case errors.Is(err, lifecycle.ErrStaleCallback), errors.Is(err, lifecycle.ErrTerminal):
		telemetry.Callbacks.WithLabelValues(event, "stale").Inc()
		s.writeError(w, r, err)
	default:
		telemetry.Callbacks.WithLabelValues(event, "rejected").Inc()
		s.writeError(w, r, err)
	}
}

// eventLabel bounds the metric label set to known events.
func eventLabel(event string) string {
	switch event {
	case EventProgress, EventTesting, EventUploading, EventDeployed, EventFailed:
		return event
	}
	return "unknown"
}

func (s *Server) applyCallback(r *http.Request, req callbackRequest) (*models.PackagingJob, error) {
	ctx := r.Context()
	svc := s.lifecycle
	if req.ClaimedAt != nil {
		svc = svc.Attempt(*req.ClaimedAt)
	}
	switch req.Event {
	case EventProgress:
		return svc.Progress(ctx, req.JobID, req.PackagerID, req.ProgressPercent, req.Message)
	case EventTesting, EventUploading:
		var extra []models.Assignment
		if req.GithubRunID != "" {
			extra = append(extra, models.Set(models.FieldGithubRunID, req.GithubRunID))
		}
		if req.GithubRunURL != "" {
			extra = append(extra, models.Set(models.FieldGithubRunURL, req.GithubRunURL))
		}
		return svc.MoveTo(ctx, req.JobID, req.PackagerID, models.Status(req.Event), req.Message, extra...)
	case EventDeployed:
		return svc.Deploy(ctx, req.JobID, req.PackagerID, lifecycle.DeployResult{
			IntuneAppID:            req.IntuneAppID,
			IntuneAppURL:           req.IntuneAppURL,
			IntuneTenantID:         req.IntuneTenantID,
			IntunewinURL:           req.IntunewinURL,
			IntunewinSizeBytes:     req.IntunewinSizeBytes,
			UnencryptedContentSize: req.UnencryptedContentSize,
			EncryptionInfo:         req.EncryptionInfo,
		})
	case EventFailed:
		return svc.Fail(ctx, req.JobID, req.PackagerID, lifecycle.JobError{
			Stage:    req.ErrorStage,
			Category: req.ErrorCategory,
			Code:     req.ErrorCode,
			Message:  req.Message,
			Details:  req.ErrorDetails,
		})
	default:
		return nil, fmt.Errorf("%w: unknown event %q", store.ErrInvalidArgument, req.Event)
	}
}
