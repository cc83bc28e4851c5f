package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/telemetry"
)

// Results reported on the worker results counter.
const (
	ResultHandedOff   = "handed_off"
	ResultFailed      = "failed"
	ResultTimedOut    = "handoff_timeout"
	ResultLeaseLost   = "lease_lost"
	ResultInterrupted = "interrupted"
)

var (
	errLeaseLost      = errors.New("lease lost")
	errHandoffTimeout = errors.New("hand-off timed out")
)

// Leases is the lease API the worker needs. Implemented by lease.Coordinator.
type Leases interface {
	Claim(ctx context.Context, jobID, packagerID string) (*models.PackagingJob, error)
	ClaimNext(ctx context.Context, packagerID string, limit int) (*models.PackagingJob, error)
	Heartbeat(ctx context.Context, jobID, packagerID string) (*models.PackagingJob, error)
	Release(ctx context.Context, jobID, packagerID string) (*models.PackagingJob, error)
}

// Reporter records worker-side failures. Implemented by lifecycle.Service.
type Reporter interface {
	Fail(ctx context.Context, jobID, packagerID string, jerr lifecycle.JobError) (*models.PackagingJob, error)
}

// attemptReporter narrows a Reporter to one claim. A failure from an earlier claim of the same
// job by the same packager is then rejected. Implemented by lifecycle.Service.
type attemptReporter interface {
	Attempt(claimedAt time.Time) *lifecycle.Service
}

// Hints wakes the worker when jobs are queued. Implemented by queue.HintQueue.
type Hints interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
}

// Handler starts packaging for a claimed job. Returning nil means the work was handed to the
// external pipeline, which reports back through callbacks.
type Handler func(ctx context.Context, job *models.PackagingJob) error

// Config tunes the processor loop.
type Config struct {
	PackagerID        string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HandoffTimeout    time.Duration
	ClaimBatchSize    int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      Config
	leases   Leases
	reporter Reporter
	hints    Hints
	handler  Handler
	log      logrus.FieldLogger
}

// NewProcessor builds a processor. hints and log may be nil; without hints the store is polled.
func NewProcessor(cfg Config, leases Leases, reporter Reporter, hints Hints, handler Handler, log logrus.FieldLogger) *Processor {
	if log == nil {
		log = telemetry.Discard()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 2 * time.Hour
	}
	return &Processor{
		cfg:      cfg,
		leases:   leases,
		reporter: reporter,
		hints:    hints,
		handler:  handler,
		log:      log.WithField("packager_id", cfg.PackagerID),
	}
}

// Run claims and processes jobs one at a time until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	b := p.newBackOff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := p.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := b.NextBackOff()
			p.log.WithError(err).WithField("retry_in", wait.String()).Warn("claim failed")
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		b.Reset()
		if job == nil {
			continue
		}
		telemetry.WorkerResults.WithLabelValues(p.process(ctx, job)).Inc()
	}
}

func (p *Processor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.cfg.BackoffInitial > 0 {
		b.InitialInterval = p.cfg.BackoffInitial
	}
	if p.cfg.BackoffMax > 0 {
		b.MaxInterval = p.cfg.BackoffMax
	}
	// Keep retrying for as long as the worker runs.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// next waits for a hint or the poll interval, then tries to win a job. A nil job means nothing
// was claimable this round.
func (p *Processor) next(ctx context.Context) (*models.PackagingJob, error) {
	if p.hints == nil {
		job, err := p.leases.ClaimNext(ctx, p.cfg.PackagerID, p.cfg.ClaimBatchSize)
		if err != nil || job != nil {
			return job, err
		}
		sleep(ctx, p.cfg.PollInterval)
		return nil, nil
	}

	id, err := p.hints.Pop(ctx, p.cfg.PollInterval)
	if err != nil {
		return nil, err
	}
	if id != "" {
		job, err := p.leases.Claim(ctx, id, p.cfg.PackagerID)
		if err != nil || job != nil {
			return job, err
		}
	}
	// Stale hint or no hint at all; fall back to the store so a lost hint never strands a job.
	return p.leases.ClaimNext(ctx, p.cfg.PackagerID, p.cfg.ClaimBatchSize)
}

// process runs the handler under a heartbeat loop and waits for the hand-off.
func (p *Processor) process(ctx context.Context, job *models.PackagingJob) string {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.log.WithFields(logrus.Fields{"job_id": job.ID, "winget_id": job.WingetID})
	log.Info("claimed job")

	dispatched := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.keepAlive(gctx, job.ID, dispatched)
	})
	g.Go(func() error {
		if err := p.handler(gctx, job); err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return &handlerError{err: err}
		}
		close(dispatched)
		return nil
	})
	err := g.Wait()

	var herr *handlerError
	switch {
	case errors.As(err, &herr):
		log.WithError(herr.err).Warn("dispatch failed")
		p.fail(ctx, job, lifecycle.JobError{
			Stage:    "packaging",
			Category: "dispatch",
			Code:     "DISPATCH_FAILED",
			Message:  herr.err.Error(),
		}, log)
		return ResultFailed
	case errors.Is(err, errHandoffTimeout):
		log.Warn("no callback before hand-off timeout")
		p.fail(ctx, job, lifecycle.JobError{
			Stage:    "packaging",
			Category: "timeout",
			Code:     "HANDOFF_TIMEOUT",
			Message:  "pipeline did not report within " + p.cfg.HandoffTimeout.String(),
		}, log)
		return ResultTimedOut
	case errors.Is(err, errLeaseLost):
		if closed(dispatched) {
			log.Info("job handed off")
			return ResultHandedOff
		}
		log.Warn("lease lost before dispatch finished")
		return ResultLeaseLost
	default:
		// Shutdown. Give an undispatched job back so another worker can take it now.
		if !closed(dispatched) {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := p.leases.Release(rctx, job.ID, p.cfg.PackagerID); err != nil {
				log.WithError(err).Warn("release on shutdown")
			}
		}
		return ResultInterrupted
	}
}

// keepAlive heartbeats until the lease disappears, the hand-off deadline passes or ctx ends.
// The deadline starts when dispatched is closed.
func (p *Processor) keepAlive(ctx context.Context, jobID string, dispatched <-chan struct{}) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-dispatched:
			dispatched = nil
			timer := time.NewTimer(p.cfg.HandoffTimeout)
			defer timer.Stop()
			deadline = timer.C
		case <-deadline:
			return errHandoffTimeout
		case <-ticker.C:
			job, err := p.leases.Heartbeat(ctx, jobID, p.cfg.PackagerID)
			if err != nil {
				// Transient; the reaper decides if we stay silent too long.
				p.log.WithField("job_id", jobID).WithError(err).Warn("heartbeat failed")
				continue
			}
			if job == nil {
				return errLeaseLost
			}
		}
	}
}

func (p *Processor) fail(ctx context.Context, job *models.PackagingJob, jerr lifecycle.JobError, log logrus.FieldLogger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	reporter := p.reporter
	if a, ok := reporter.(attemptReporter); ok && job.ClaimedAt != nil {
		reporter = a.Attempt(*job.ClaimedAt)
	}
	if _, err := reporter.Fail(fctx, job.ID, p.cfg.PackagerID, jerr); err != nil {
		log.WithError(err).Warn("report failure")
	}
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }

func (e *handlerError) Unwrap() error { return e.err }

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
