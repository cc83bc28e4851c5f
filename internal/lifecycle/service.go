// Package lifecycle applies the status transitions reported by workers after a claim, plus
// cancellation and deployment bookkeeping.
//
// Every worker-reported transition is conditioned on the expected current status and on
// packaged_by matching the reporter; leaving packaging also requires the reporter to still hold
// packager_id. A service narrowed with Attempt also requires claimed_at to match, which tells
// two claims by the same packager apart. A late report from a worker whose lease was reclaimed
// changes nothing.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/telemetry"
)

var (
	// ErrNotFound is returned when the job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrStaleCallback is returned when the reporter no longer owns the job or the job moved on.
	ErrStaleCallback = errors.New("stale callback")
	// ErrTerminal is returned for changes to a deployed, failed or cancelled job.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrInvalidTransition is returned for transitions the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned when a cancel keeps losing to concurrent updates.
	ErrConflict = errors.New("concurrent update conflict")
)

const cancelAttempts = 3

// Transition moves a job from an expected status to the next one on behalf of a worker.
type Transition struct {
	JobID      string
	PackagerID string
	From       models.Status
	To         models.Status
	Message    string
	// Extra is applied in the same update, e.g. run ids or artifact details.
	Extra models.Patch
}

// JobError describes why packaging failed.
type JobError struct {
	Stage    string
	Category string
	Code     string
	Message  string
	Details  any
}

// DeployResult carries the outcome of a successful upload.
type DeployResult struct {
	IntuneAppID            string
	IntuneAppURL           string
	IntuneTenantID         string
	IntunewinURL           string
	IntunewinSizeBytes     *int64
	UnencryptedContentSize *int64
	EncryptionInfo         any
}

// Service applies callback-driven transitions.
type Service struct {
	jobs    store.JobStore
	history store.HistoryStore
	events  store.EventLog
	log     logrus.FieldLogger
	now     func() time.Time

	// claimedAt pins reports to one claim when set.
	claimedAt *time.Time
}

// New builds a lifecycle service. events and log may be nil.
func New(jobs store.JobStore, history store.HistoryStore, events store.EventLog, log logrus.FieldLogger) *Service {
	if log == nil {
		log = telemetry.Discard()
	}
	return &Service{jobs: jobs, history: history, events: events, log: log, now: store.Now}
}

// Attempt returns a copy of s whose reports only apply to the claim made at claimedAt.
func (s *Service) Attempt(claimedAt time.Time) *Service {
	pinned := *s
	at := claimedAt.UTC().Truncate(time.Millisecond)
	pinned.claimedAt = &at
	return &pinned
}

// Advance applies t as one conditioned update. Transitions back to queued belong to the lease
// coordinator and cancellation to Cancel; both are rejected here.
func (s *Service) Advance(ctx context.Context, t Transition) (*models.PackagingJob, error) {
	if t.PackagerID == "" {
		return nil, fmt.Errorf("%w: packager id is required", ErrStaleCallback)
	}
	if t.To == models.StatusQueued || t.To == models.StatusCancelled || !models.CanTransition(t.From, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}

	now := s.now()
	patch := models.Patch{models.Set(models.FieldStatus, t.To)}
	if t.Message != "" {
		patch = append(patch, models.Set(models.FieldStatusMessage, t.Message))
	}
	conds := []models.Condition{
		models.Eq(models.FieldStatus, t.From),
		models.Eq(models.FieldPackagedBy, t.PackagerID),
	}
	conds = s.pin(conds)
	if t.From == models.StatusPackaging {
		conds = append(conds, models.Eq(models.FieldPackagerID, t.PackagerID))
		patch = append(patch,
			models.Clear(models.FieldPackagerID),
			models.Clear(models.FieldPackagerHeartbeatAt),
			models.Set(models.FieldPackagingCompletedAt, now),
		)
	}
	if t.To == models.StatusUploading {
		patch = append(patch, models.Set(models.FieldUploadStartedAt, now))
	}
	if t.To.Terminal() {
		patch = append(patch, models.Set(models.FieldCompletedAt, now))
	}
	patch = patch.With(t.Extra...)

	job, err := s.jobs.Update(ctx, t.JobID, patch, conds...)
	if err != nil {
		return nil, fmt.Errorf("advance %s to %s: %w", t.JobID, t.To, err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s no longer %s under %s", ErrStaleCallback, t.JobID, t.From, t.PackagerID)
	}
	s.record(ctx, job.ID, string(t.To), t.Message)
	return job, nil
}

// MoveTo reads the job and advances it from its current status to `to`.
func (s *Service) MoveTo(ctx context.Context, jobID, packagerID string, to models.Status, message string, extra ...models.Assignment) (*models.PackagingJob, error) {
	current, err := s.owned(ctx, jobID, packagerID)
	if err != nil {
		return nil, err
	}
	return s.Advance(ctx, Transition{
		JobID:      jobID,
		PackagerID: packagerID,
		From:       current.Status,
		To:         to,
		Message:    message,
		Extra:      extra,
	})
}

// Progress records progress for a job the reporter still owns. Values are clamped to 0..100
// and may go down, e.g. when a runner retries a step.
func (s *Service) Progress(ctx context.Context, jobID, packagerID string, percent int, message string) (*models.PackagingJob, error) {
	current, err := s.owned(ctx, jobID, packagerID)
	if err != nil {
		return nil, err
	}
	percent = min(max(percent, 0), 100)

	patch := models.Patch{models.Set(models.FieldProgressPercent, percent)}
	if message != "" {
		patch = append(patch, models.Set(models.FieldProgressMessage, message))
	}
	conds := []models.Condition{
		models.Eq(models.FieldStatus, current.Status),
		models.Eq(models.FieldPackagedBy, packagerID),
	}
	conds = s.pin(conds)
	if current.Status == models.StatusPackaging {
		conds = append(conds, models.Eq(models.FieldPackagerID, packagerID))
	}
	job, err := s.jobs.Update(ctx, jobID, patch, conds...)
	if err != nil {
		return nil, fmt.Errorf("progress %s: %w", jobID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s changed while reporting progress", ErrStaleCallback, jobID)
	}
	return job, nil
}

// Fail moves an owned job to failed with structured error details.
func (s *Service) Fail(ctx context.Context, jobID, packagerID string, jerr JobError) (*models.PackagingJob, error) {
	extra := []models.Assignment{
		models.Set(models.FieldErrorMessage, models.StrPtr(jerr.Message)),
		models.Set(models.FieldErrorStage, models.StrPtr(jerr.Stage)),
		models.Set(models.FieldErrorCategory, models.StrPtr(jerr.Category)),
		models.Set(models.FieldErrorCode, models.StrPtr(jerr.Code)),
		models.Set(models.FieldErrorDetails, jerr.Details),
	}
	return s.MoveTo(ctx, jobID, packagerID, models.StatusFailed, jerr.Message, extra...)
}

// Deploy marks an owned job deployed and appends its upload history record. A history write
// failure is returned together with the deployed job.
func (s *Service) Deploy(ctx context.Context, jobID, packagerID string, res DeployResult) (*models.PackagingJob, error) {
	if res.IntuneAppID == "" {
		return nil, fmt.Errorf("%w: intune app id is required", store.ErrInvalidArgument)
	}
	extra := []models.Assignment{
		models.Set(models.FieldIntuneAppID, res.IntuneAppID),
		models.Set(models.FieldIntuneAppURL, models.StrPtr(res.IntuneAppURL)),
		models.Set(models.FieldProgressPercent, 100),
	}
	if res.IntunewinURL != "" {
		extra = append(extra, models.Set(models.FieldIntunewinURL, res.IntunewinURL))
	}
	if res.IntunewinSizeBytes != nil {
		extra = append(extra, models.Set(models.FieldIntunewinSizeBytes, res.IntunewinSizeBytes))
	}
	if res.UnencryptedContentSize != nil {
		extra = append(extra, models.Set(models.FieldUnencryptedContentSize, res.UnencryptedContentSize))
	}
	if res.EncryptionInfo != nil {
		extra = append(extra, models.Set(models.FieldEncryptionInfo, res.EncryptionInfo))
	}

	job, err := s.MoveTo(ctx, jobID, packagerID, models.StatusDeployed, "deployed to Intune", extra...)
	if err != nil {
		return nil, err
	}

	tenant := models.StrPtr(res.IntuneTenantID)
	if tenant == nil {
		tenant = job.TenantID
	}
	_, err = s.history.CreateHistory(ctx, &models.UploadHistoryRecord{
		UserID:         job.UserID,
		PackagingJobID: &job.ID,
		WingetID:       job.WingetID,
		Version:        job.Version,
		DisplayName:    job.DisplayName,
		Publisher:      job.Publisher,
		IntuneAppID:    res.IntuneAppID,
		IntuneAppURL:   job.IntuneAppURL,
		IntuneTenantID: tenant,
		DeployedAt:     *job.CompletedAt,
	})
	if err != nil {
		s.log.WithField("job_id", job.ID).WithError(err).Error("append upload history")
		return job, fmt.Errorf("append upload history for %s: %w", job.ID, err)
	}
	return job, nil
}

// Cancel marks a non-terminal job cancelled. Whoever holds the lease finds out on its next
// heartbeat; the external pipeline is not interrupted.
func (s *Service) Cancel(ctx context.Context, jobID, cancelledBy string) (*models.PackagingJob, error) {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		current, err := s.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", jobID, err)
		}
		if current == nil {
			return nil, ErrNotFound
		}
		if current.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, jobID, current.Status)
		}

		now := s.now()
		job, err := s.jobs.Update(ctx, jobID, models.Patch{
			models.Set(models.FieldStatus, models.StatusCancelled),
			models.Set(models.FieldCancelledAt, now),
			models.Set(models.FieldCancelledBy, models.StrPtr(cancelledBy)),
			models.Set(models.FieldCompletedAt, now),
			models.Clear(models.FieldPackagerID),
			models.Clear(models.FieldPackagerHeartbeatAt),
		}, models.Eq(models.FieldStatus, current.Status))
		if err != nil {
			return nil, fmt.Errorf("cancel %s: %w", jobID, err)
		}
		if job != nil {
			s.record(ctx, jobID, "cancelled", cancelledBy)
			return job, nil
		}
	}
	return nil, fmt.Errorf("%w: cancel %s", ErrConflict, jobID)
}

// owned loads the job and checks the reporter is the worker whose claim produced it.
func (s *Service) owned(ctx context.Context, jobID, packagerID string) (*models.PackagingJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", jobID, err)
	}
	if job == nil {
		return nil, ErrNotFound
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, jobID, job.Status)
	}
	if packagerID == "" || models.Deref(job.PackagedBy) != packagerID {
		return nil, fmt.Errorf("%w: %s is not owned by %q", ErrStaleCallback, jobID, packagerID)
	}
	if s.claimedAt != nil && (job.ClaimedAt == nil || !job.ClaimedAt.Equal(*s.claimedAt)) {
		return nil, fmt.Errorf("%w: %s was claimed again since %s", ErrStaleCallback, jobID, s.claimedAt.Format(time.RFC3339Nano))
	}
	return job, nil
}

func (s *Service) pin(conds []models.Condition) []models.Condition {
	if s.claimedAt == nil {
		return conds
	}
	return append(conds, models.Eq(models.FieldClaimedAt, *s.claimedAt))
}

func (s *Service) record(ctx context.Context, jobID, event, detail string) {
	if s.events == nil {
		return
	}
	if err := s.events.AppendEvent(ctx, jobID, event, detail); err != nil {
		s.log.WithFields(logrus.Fields{"job_id": jobID, "event": event}).WithError(err).Warn("record job event")
	}
}
