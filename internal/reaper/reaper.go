// Package reaper returns jobs with silent leases to the queue, or fails them once they have
// been requeued too often.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/telemetry"
)

// Leases is the part of the lease coordinator the reaper drives.
type Leases interface {
	StaleJobs(ctx context.Context, threshold time.Time) ([]*models.PackagingJob, error)
	Reclaim(ctx context.Context, job *models.PackagingJob) (*models.PackagingJob, error)
	Expire(ctx context.Context, job *models.PackagingJob, reason string) (*models.PackagingJob, error)
}

// StatsSource reports job counts per status.
type StatsSource interface {
	GetStats(ctx context.Context) (models.Stats, error)
}

// Hinter wakes workers for a requeued job.
type Hinter interface {
	Push(ctx context.Context, jobID string) error
}

// Config controls sweep cadence and the requeue budget.
type Config struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	MaxRequeues int
}

// Result summarizes one sweep.
type Result struct {
	Requeued int
	Failed   int
	// Skipped counts stale jobs whose lease changed between the scan and the update.
	Skipped int
}

// Reaper sweeps stale leases.
type Reaper struct {
	leases Leases
	stats  StatsSource
	hints  Hinter
	cfg    Config
	log    logrus.FieldLogger
	now    func() time.Time
}

// New builds a reaper. stats, hints and log may be nil.
func New(leases Leases, stats StatsSource, hints Hinter, cfg Config, log logrus.FieldLogger) *Reaper {
	if log == nil {
		log = telemetry.Discard()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reaper{leases: leases, stats: stats, hints: hints, cfg: cfg, log: log, now: time.Now}
}

// Sweep handles every job whose heartbeat is older than StaleAfter. A store fault stops the
// sweep and is returned with the counts so far.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { telemetry.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res Result
	stale, err := r.leases.StaleJobs(ctx, r.now().Add(-r.cfg.StaleAfter))
	if err != nil {
		return res, fmt.Errorf("scan stale jobs: %w", err)
	}
	for _, job := range stale {
		log := r.log.WithFields(logrus.Fields{
			"job_id":        job.ID,
			"packager_id":   models.Deref(job.PackagerID),
			"requeue_count": job.RequeueCount,
		})
		if job.RequeueCount >= r.cfg.MaxRequeues {
			reason := fmt.Sprintf("lease expired after %d requeues", job.RequeueCount)
			out, err := r.leases.Expire(ctx, job, reason)
			if err != nil {
				return res, fmt.Errorf("expire %s: %w", job.ID, err)
			}
			if out == nil {
				res.Skipped++
				continue
			}
			res.Failed++
			telemetry.ReaperExpired.Inc()
			log.Warn("stale job failed")
			continue
		}

		out, err := r.leases.Reclaim(ctx, job)
		if err != nil {
			return res, fmt.Errorf("reclaim %s: %w", job.ID, err)
		}
		if out == nil {
			res.Skipped++
			continue
		}
		res.Requeued++
		telemetry.ReaperRequeued.Inc()
		log.Info("stale job requeued")
		if r.hints != nil {
			if err := r.hints.Push(ctx, job.ID); err != nil {
				log.WithError(err).Warn("push hint for requeued job")
			}
		}
	}
	r.publishStats(ctx)
	return res, nil
}

// Run sweeps immediately and then every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		res, err := r.Sweep(ctx)
		if err != nil {
			r.log.WithError(err).Error("reaper sweep failed")
		} else if res != (Result{}) {
			r.log.WithFields(logrus.Fields{
				"requeued": res.Requeued,
				"failed":   res.Failed,
				"skipped":  res.Skipped,
			}).Info("reaper sweep")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reaper) publishStats(ctx context.Context) {
	if r.stats == nil {
		return
	}
	stats, err := r.stats.GetStats(ctx)
	if err != nil {
		r.log.WithError(err).Warn("refresh job stats")
		return
	}
	for _, st := range models.AllStatuses {
		telemetry.JobsByStatus.WithLabelValues(string(st)).Set(float64(stats.Count(st)))
	}
}
