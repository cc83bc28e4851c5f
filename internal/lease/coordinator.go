// Package lease grants and revokes exclusive ownership of packaging jobs. Every operation is a
// single conditioned store update; a nil job with a nil error means the condition did not hold.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/telemetry"
)

// ErrNoPackager is returned when a lease operation is called without a packager identity.
var ErrNoPackager = errors.New("packager id is required")

// ErrFinished is returned when a force release targets a job in a terminal status.
var ErrFinished = errors.New("job is finished")

const forceReleaseAttempts = 3

const eventTimeout = 5 * time.Second

// Coordinator implements claim, heartbeat, release and reclamation over a JobStore.
type Coordinator struct {
	jobs   store.JobStore
	events store.EventLog
	log    logrus.FieldLogger
	now    func() time.Time

	pending sync.WaitGroup
}

// New builds a coordinator. events and log may be nil.
func New(jobs store.JobStore, events store.EventLog, log logrus.FieldLogger) *Coordinator {
	if log == nil {
		log = telemetry.Discard()
	}
	return &Coordinator{jobs: jobs, events: events, log: log, now: store.Now}
}

// Claim moves a queued job to packaging under packagerID. It returns nil when the job was not
// queued; callers move on to another job.
func (c *Coordinator) Claim(ctx context.Context, jobID, packagerID string) (*models.PackagingJob, error) {
	if packagerID == "" {
		return nil, ErrNoPackager
	}
	now := c.now()
	job, err := c.jobs.Update(ctx, jobID, models.Patch{
		models.Set(models.FieldStatus, models.StatusPackaging),
		models.Set(models.FieldPackagerID, packagerID),
		models.Set(models.FieldPackagedBy, packagerID),
		models.Set(models.FieldPackagerHeartbeatAt, now),
		models.Set(models.FieldClaimedAt, now),
		models.Set(models.FieldPackagingStartedAt, now),
	}, models.Eq(models.FieldStatus, models.StatusQueued))
	c.observe("claim", job, err)
	if job != nil {
		c.record(ctx, jobID, "claimed", packagerID)
	}
	return job, err
}

// Heartbeat renews the lease. nil means the lease was revoked or reassigned and in-flight work
// must stop.
func (c *Coordinator) Heartbeat(ctx context.Context, jobID, packagerID string) (*models.PackagingJob, error) {
	if packagerID == "" {
		return nil, ErrNoPackager
	}
	job, err := c.jobs.Update(ctx, jobID,
		models.Patch{models.Set(models.FieldPackagerHeartbeatAt, c.now())},
		models.Eq(models.FieldPackagerID, packagerID),
		models.Eq(models.FieldStatus, models.StatusPackaging),
	)
	c.observe("heartbeat", job, err)
	return job, err
}

// Release hands the job back to the queue. Only the current holder can release.
func (c *Coordinator) Release(ctx context.Context, jobID, packagerID string) (*models.PackagingJob, error) {
	if packagerID == "" {
		return nil, ErrNoPackager
	}
	job, err := c.jobs.Update(ctx, jobID, resetPatch(), models.Eq(models.FieldPackagerID, packagerID))
	c.observe("release", job, err)
	if job != nil {
		c.record(ctx, jobID, "released", packagerID)
	}
	return job, err
}

// ForceRelease resets the lease whoever holds it. It returns nil only for an unknown id and
// ErrFinished for a terminal job. A worker that is slow rather than dead loses its lease too.
func (c *Coordinator) ForceRelease(ctx context.Context, jobID string) (*models.PackagingJob, error) {
	for range forceReleaseAttempts {
		current, err := c.jobs.GetByID(ctx, jobID)
		if err != nil || current == nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrFinished, jobID, current.Status)
		}
		job, err := c.jobs.Update(ctx, jobID, resetPatch(), models.Eq(models.FieldStatus, current.Status))
		c.observe("force_release", job, err)
		if err != nil {
			return nil, err
		}
		if job != nil {
			c.record(ctx, jobID, "force_released", "")
			return job, nil
		}
	}
	return nil, fmt.Errorf("force release %s: status kept changing", jobID)
}

// StaleJobs lists packaging jobs whose last heartbeat is older than threshold.
func (c *Coordinator) StaleJobs(ctx context.Context, threshold time.Time) ([]*models.PackagingJob, error) {
	return c.jobs.GetStaleJobs(ctx, threshold)
}

// Reclaim requeues a stale job, but only if its lease is still the one observed in job.
// A heartbeat that landed after the scan makes this a no-op.
func (c *Coordinator) Reclaim(ctx context.Context, job *models.PackagingJob) (*models.PackagingJob, error) {
	patch := resetPatch().With(
		models.Set(models.FieldRequeueCount, job.RequeueCount+1),
		models.Set(models.FieldStatusMessage, "requeued after lease went stale"),
	)
	out, err := c.jobs.Update(ctx, job.ID, patch, observedLease(job)...)
	c.observe("reclaim", out, err)
	if out != nil {
		c.record(ctx, job.ID, "requeued", models.Deref(job.PackagerID))
	}
	return out, err
}

// Expire fails a stale job that ran out of requeues, under the same observed-lease conditions
// as Reclaim. packaged_by is kept so the failure stays attributable.
func (c *Coordinator) Expire(ctx context.Context, job *models.PackagingJob, reason string) (*models.PackagingJob, error) {
	now := c.now()
	out, err := c.jobs.Update(ctx, job.ID, models.Patch{
		models.Set(models.FieldStatus, models.StatusFailed),
		models.Set(models.FieldStatusMessage, reason),
		models.Set(models.FieldErrorMessage, reason),
		models.Set(models.FieldErrorStage, "packaging"),
		models.Set(models.FieldErrorCategory, "lease"),
		models.Set(models.FieldErrorCode, "LEASE_EXPIRED"),
		models.Clear(models.FieldPackagerID),
		models.Clear(models.FieldPackagerHeartbeatAt),
		models.Set(models.FieldCompletedAt, now),
	}, observedLease(job)...)
	c.observe("expire", out, err)
	if out != nil {
		c.record(ctx, job.ID, "expired", reason)
	}
	return out, err
}

// ClaimNext tries the oldest queued jobs in turn and returns the first one won, or nil when
// every candidate was taken by someone else.
func (c *Coordinator) ClaimNext(ctx context.Context, packagerID string, limit int) (*models.PackagingJob, error) {
	candidates, err := c.jobs.GetByStatus(ctx, models.StatusQueued, limit, true)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	for _, cand := range candidates {
		job, err := c.Claim(ctx, cand.ID, packagerID)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// Wait blocks until every pending event write has finished.
func (c *Coordinator) Wait() {
	c.pending.Wait()
}

func resetPatch() models.Patch {
	return models.Patch{
		models.Set(models.FieldStatus, models.StatusQueued),
		models.Clear(models.FieldPackagerID),
		models.Clear(models.FieldPackagedBy),
		models.Clear(models.FieldPackagerHeartbeatAt),
		models.Clear(models.FieldClaimedAt),
		models.Clear(models.FieldPackagingStartedAt),
	}
}

func observedLease(job *models.PackagingJob) []models.Condition {
	return []models.Condition{
		models.Eq(models.FieldStatus, models.StatusPackaging),
		models.Eq(models.FieldPackagerID, job.PackagerID),
		models.Eq(models.FieldPackagerHeartbeatAt, job.PackagerHeartbeatAt),
	}
}

func (c *Coordinator) observe(op string, job *models.PackagingJob, err error) {
	outcome := telemetry.OutcomeWon
	switch {
	case err != nil:
		outcome = telemetry.OutcomeError
	case job == nil:
		outcome = telemetry.OutcomeContended
	}
	telemetry.LeaseOps.WithLabelValues(op, outcome).Inc()
}

// record appends a job event in the background. Failures are logged and never reach the caller.
func (c *Coordinator) record(ctx context.Context, jobID, event, detail string) {
	if c.events == nil {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventTimeout)
		defer cancel()
		if err := c.events.AppendEvent(ctx, jobID, event, detail); err != nil {
			c.log.WithFields(logrus.Fields{"job_id": jobID, "event": event}).WithError(err).Warn("record job event")
		}
	}()
}
