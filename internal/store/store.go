package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"packaging-coordinator/internal/models"
)

var (
	// ErrInvalidJob wraps every create-time validation failure.
	ErrInvalidJob = errors.New("invalid packaging job")
	// ErrInvalidPatch is returned for unknown, immutable, duplicated or mistyped patch fields.
	ErrInvalidPatch = errors.New("invalid patch")
	// ErrInvalidArgument is returned for malformed query arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)

// DefaultLimit applies to list queries called with a non-positive limit.
const DefaultLimit = 50

// JobStore is the only gateway to packaging job state. A nil job with a nil error
// means "absent" or "condition not met"; errors are store faults or invalid input.
type JobStore interface {
	Create(ctx context.Context, job *models.PackagingJob) (*models.PackagingJob, error)
	GetByID(ctx context.Context, id string) (*models.PackagingJob, error)
	GetByUserID(ctx context.Context, userID string, limit int) ([]*models.PackagingJob, error)
	GetByStatus(ctx context.Context, status models.Status, limit int, ascending bool) ([]*models.PackagingJob, error)
	// Update applies patch in a single statement, only when every condition holds.
	Update(ctx context.Context, id string, patch models.Patch, conds ...models.Condition) (*models.PackagingJob, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	DeleteByUserIDAndStatuses(ctx context.Context, userID string, statuses []models.Status) (int64, error)
	GetStaleJobs(ctx context.Context, threshold time.Time) ([]*models.PackagingJob, error)
	GetStats(ctx context.Context) (models.Stats, error)
}

// HistoryStore is the append-only upload history log.
type HistoryStore interface {
	CreateHistory(ctx context.Context, rec *models.UploadHistoryRecord) (*models.UploadHistoryRecord, error)
	GetHistoryByUserID(ctx context.Context, userID string, limit int) ([]*models.UploadHistoryRecord, error)
}

// EventLog records job lifecycle events. Callers treat failures as non-fatal.
type EventLog interface {
	AppendEvent(ctx context.Context, jobID, event, detail string) error
	GetEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// Store is the full persistence adapter implemented by every backend.
type Store interface {
	JobStore
	HistoryStore
	EventLog
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	SQLitePath  string
	PostgresDSN string
	Tracer      trace.Tracer // nil uses a noop tracer
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		return NewSQLite(ctx, opts.SQLitePath, opts.Tracer)
	case BackendPostgres:
		return NewPostgres(ctx, opts.PostgresDSN, opts.Tracer)
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", ErrInvalidArgument, opts.Backend)
	}
}
