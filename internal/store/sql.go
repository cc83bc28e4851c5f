package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4/database"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"packaging-coordinator/internal/models"
)

// dialect captures what differs between the SQL backends.
type dialect interface {
	name() string
	placeholder(n int) string
	encodeTime(t time.Time) any
	migrationDriver(db *sql.DB) (database.Driver, error)
}

// SQLStore implements Store over database/sql for any dialect.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	tracer  trace.Tracer
	closers []func()
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect, tracer trace.Tracer, closers ...func()) *SQLStore {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("store")
	}
	return &SQLStore{
		db:      db,
		dialect: d,
		tracer:  tracer,
		closers: closers,
		now:     Now,
	}
}

// Now is the store clock: UTC truncated to milliseconds so every backend round-trips it exactly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Close releases the database handle and any backend pool.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	for _, c := range s.closers {
		c()
	}
	return err
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var jobColumns = []string{
	"id", "user_id", "tenant_id",
	"winget_id", "version", "display_name", "publisher", "architecture",
	"installer_type", "installer_url", "installer_sha256", "install_command", "uninstall_command",
	"install_scope", "silent_switches",
	"detection_rules", "package_config", "encryption_info",
	"github_run_id", "github_run_url", "intunewin_url", "intunewin_size_bytes", "unencrypted_content_size",
	"intune_app_id", "intune_app_url",
	"status", "status_message", "progress_percent", "progress_message",
	"error_message", "error_stage", "error_category", "error_code", "error_details",
	"packager_id", "packager_heartbeat_at", "claimed_at", "packaged_by", "requeue_count",
	"packaging_started_at", "packaging_completed_at", "upload_started_at", "completed_at",
	"cancelled_at", "cancelled_by",
	"created_at", "updated_at",
}

var jobColumnList = strings.Join(jobColumns, ", ")

var historyColumnList = "id, user_id, packaging_job_id, winget_id, version, display_name, publisher, intune_app_id, intune_app_url, intune_tenant_id, deployed_at, created_at"

func (s *SQLStore) traced(ctx context.Context, span string, attrs []attribute.KeyValue, op func(ctx context.Context) error) error {
	return withSpan(ctx, s.tracer, span, s.dialect.name(), attrs, op)
}

// Create validates and inserts a job, filling id, status, and timestamps when absent.
func (s *SQLStore) Create(ctx context.Context, job *models.PackagingJob) (*models.PackagingJob, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	in := *job
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = models.StatusQueued
	}
	if err := validateJob(&in); err != nil {
		return nil, err
	}
	now := s.now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now

	cols := make([]string, 0, len(jobColumns))
	marks := make([]string, 0, len(jobColumns))
	args := make([]any, 0, len(jobColumns))
	add := func(col string, v any) {
		cols = append(cols, col)
		args = append(args, v)
		marks = append(marks, s.dialect.placeholder(len(args)))
	}
	add("id", in.ID)
	for _, a := range patchFromJob(&in) {
		v, err := s.encode(a.Field, a.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		add(string(a.Field), v)
	}
	add("created_at", s.dialect.encodeTime(in.CreatedAt.UTC().Truncate(time.Millisecond)))
	add("updated_at", s.dialect.encodeTime(in.UpdatedAt))

	query := fmt.Sprintf("INSERT INTO packaging_jobs (%s) VALUES (%s) RETURNING %s",
		strings.Join(cols, ", "), strings.Join(marks, ", "), jobColumnList)

	var out *models.PackagingJob
	err := s.traced(ctx, "store.create_job", []attribute.KeyValue{attribute.String("job_id", in.ID)}, func(ctx context.Context) error {
		j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetByID returns the job or nil when it does not exist.
func (s *SQLStore) GetByID(ctx context.Context, id string) (*models.PackagingJob, error) {
	var out *models.PackagingJob
	err := s.traced(ctx, "store.get_job", []attribute.KeyValue{attribute.String("job_id", id)}, func(ctx context.Context) error {
		j, err := scanJob(s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT %s FROM packaging_jobs WHERE id = %s", jobColumnList, s.dialect.placeholder(1)), id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		out = j
		return nil
	})
	return out, err
}

// GetByUserID lists a user's jobs, newest first.
func (s *SQLStore) GetByUserID(ctx context.Context, userID string, limit int) ([]*models.PackagingJob, error) {
	query := fmt.Sprintf("SELECT %s FROM packaging_jobs WHERE user_id = %s ORDER BY created_at DESC, id DESC LIMIT %s",
		jobColumnList, s.dialect.placeholder(1), s.dialect.placeholder(2))
	var out []*models.PackagingJob
	err := s.traced(ctx, "store.get_jobs_by_user", []attribute.KeyValue{attribute.String("user_id", userID)}, func(ctx context.Context) error {
		var err error
		out, err = s.queryJobs(ctx, query, userID, normalizeLimit(limit))
		return err
	})
	return out, err
}

// GetByStatus lists jobs in a status ordered by created_at.
func (s *SQLStore) GetByStatus(ctx context.Context, status models.Status, limit int, ascending bool) ([]*models.PackagingJob, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM packaging_jobs WHERE status = %s ORDER BY created_at %s, id %s LIMIT %s",
		jobColumnList, s.dialect.placeholder(1), order, order, s.dialect.placeholder(2))
	var out []*models.PackagingJob
	err := s.traced(ctx, "store.get_jobs_by_status", []attribute.KeyValue{attribute.String("status", string(status))}, func(ctx context.Context) error {
		var err error
		out, err = s.queryJobs(ctx, query, string(status), normalizeLimit(limit))
		return err
	})
	return out, err
}

// Update applies patch to the job in one UPDATE ... WHERE id AND conditions statement.
// It returns nil, nil when the job is absent or any condition does not hold.
func (s *SQLStore) Update(ctx context.Context, id string, patch models.Patch, conds ...models.Condition) (*models.PackagingJob, error) {
	query, args, err := s.buildUpdate(id, patch, conds)
	if err != nil {
		return nil, err
	}
	var out *models.PackagingJob
	err = s.traced(ctx, "store.update_job", []attribute.KeyValue{
		attribute.String("job_id", id),
		attribute.Int("conditions", len(conds)),
	}, func(ctx context.Context) error {
		j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		out = j
		return nil
	})
	return out, err
}

func (s *SQLStore) buildUpdate(id string, patch models.Patch, conds []models.Condition) (string, []any, error) {
	var (
		sets  []string
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return s.dialect.placeholder(len(args))
	}

	seen := make(map[models.Field]bool, len(patch))
	for _, a := range patch {
		if seen[a.Field] {
			return "", nil, fmt.Errorf("%w: field %q assigned twice", ErrInvalidPatch, a.Field)
		}
		seen[a.Field] = true
		v, err := s.encode(a.Field, a.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		sets = append(sets, fmt.Sprintf("%s = %s", a.Field, bind(v)))
	}
	sets = append(sets, fmt.Sprintf("updated_at = %s", bind(s.dialect.encodeTime(s.now()))))

	where = append(where, fmt.Sprintf("id = %s", bind(id)))
	for _, c := range conds {
		if _, ok := c.Field.Kind(); !ok {
			return "", nil, fmt.Errorf("%w: unknown condition field %q", ErrInvalidPatch, c.Field)
		}
		if c.Op == models.OpIsNull {
			where = append(where, fmt.Sprintf("%s IS NULL", c.Field))
			continue
		}
		v, err := s.encode(c.Field, c.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%w: condition: %v", ErrInvalidPatch, err)
		}
		if v == nil {
			where = append(where, fmt.Sprintf("%s IS NULL", c.Field))
			continue
		}
		where = append(where, fmt.Sprintf("%s = %s", c.Field, bind(v)))
	}

	query := fmt.Sprintf("UPDATE packaging_jobs SET %s WHERE %s RETURNING %s",
		strings.Join(sets, ", "), strings.Join(where, " AND "), jobColumnList)
	return query, args, nil
}

// DeleteByID removes one job, reporting whether it existed.
func (s *SQLStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.traced(ctx, "store.delete_job", []attribute.KeyValue{attribute.String("job_id", id)}, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM packaging_jobs WHERE id = %s", s.dialect.placeholder(1)), id)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// DeleteByUserIDAndStatuses removes a user's jobs in the given terminal statuses.
func (s *SQLStore) DeleteByUserIDAndStatuses(ctx context.Context, userID string, statuses []models.Status) (int64, error) {
	if userID == "" || len(statuses) == 0 {
		return 0, fmt.Errorf("%w: user id and at least one status are required", ErrInvalidArgument)
	}
	args := []any{userID}
	marks := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if !st.Terminal() {
			return 0, fmt.Errorf("%w: only terminal jobs can be deleted, got %q", ErrInvalidArgument, st)
		}
		args = append(args, string(st))
		marks = append(marks, s.dialect.placeholder(len(args)))
	}
	query := fmt.Sprintf("DELETE FROM packaging_jobs WHERE user_id = %s AND status IN (%s)",
		s.dialect.placeholder(1), strings.Join(marks, ", "))

	var n int64
	err := s.traced(ctx, "store.delete_jobs_by_user", []attribute.KeyValue{attribute.String("user_id", userID)}, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		return nil
	})
	return n, err
}

// GetStaleJobs returns packaging jobs whose heartbeat is older than threshold, oldest first.
func (s *SQLStore) GetStaleJobs(ctx context.Context, threshold time.Time) ([]*models.PackagingJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM packaging_jobs
		WHERE status = %s AND packager_heartbeat_at IS NOT NULL AND packager_heartbeat_at < %s
		ORDER BY packager_heartbeat_at ASC`,
		jobColumnList, s.dialect.placeholder(1), s.dialect.placeholder(2))
	var out []*models.PackagingJob
	err := s.traced(ctx, "store.get_stale_jobs", nil, func(ctx context.Context) error {
		var err error
		out, err = s.queryJobs(ctx, query, string(models.StatusPackaging), s.dialect.encodeTime(threshold.UTC()))
		return err
	})
	return out, err
}

// GetStats counts jobs per status with a single grouped query.
func (s *SQLStore) GetStats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	err := s.traced(ctx, "store.get_stats", nil, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM packaging_jobs GROUP BY status")
		if err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return fmt.Errorf("scan stats: %w", err)
			}
			stats.Add(models.Status(status), n)
		}
		return rows.Err()
	})
	return stats, err
}

// CreateHistory appends an upload history record.
func (s *SQLStore) CreateHistory(ctx context.Context, rec *models.UploadHistoryRecord) (*models.UploadHistoryRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil history record", ErrInvalidArgument)
	}
	in := *rec
	if err := validateHistory(&in); err != nil {
		return nil, err
	}
	now := s.now()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.DeployedAt.IsZero() {
		in.DeployedAt = now
	}
	in.CreatedAt = now

	marks := make([]string, 12)
	for i := range marks {
		marks[i] = s.dialect.placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO upload_history (%s) VALUES (%s) RETURNING %s",
		historyColumnList, strings.Join(marks, ", "), historyColumnList)

	var out *models.UploadHistoryRecord
	err := s.traced(ctx, "store.create_history", []attribute.KeyValue{attribute.String("user_id", in.UserID)}, func(ctx context.Context) error {
		r, err := scanHistory(s.db.QueryRowContext(ctx, query,
			in.ID, in.UserID, in.PackagingJobID, in.WingetID, in.Version, in.DisplayName, in.Publisher,
			in.IntuneAppID, in.IntuneAppURL, in.IntuneTenantID,
			s.dialect.encodeTime(in.DeployedAt.UTC().Truncate(time.Millisecond)), s.dialect.encodeTime(in.CreatedAt),
		))
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		out = r
		return nil
	})
	return out, err
}

// GetHistoryByUserID lists a user's deployments, newest first.
func (s *SQLStore) GetHistoryByUserID(ctx context.Context, userID string, limit int) ([]*models.UploadHistoryRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM upload_history WHERE user_id = %s ORDER BY deployed_at DESC, id DESC LIMIT %s",
		historyColumnList, s.dialect.placeholder(1), s.dialect.placeholder(2))
	var out []*models.UploadHistoryRecord
	err := s.traced(ctx, "store.get_history_by_user", []attribute.KeyValue{attribute.String("user_id", userID)}, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, userID, normalizeLimit(limit))
		if err != nil {
			return fmt.Errorf("query history: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanHistory(rows)
			if err != nil {
				return fmt.Errorf("scan history: %w", err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// AppendEvent adds a row to the job event log.
func (s *SQLStore) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	query := fmt.Sprintf("INSERT INTO job_events (job_id, event, detail, recorded_at) VALUES (%s, %s, %s, %s)",
		s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3), s.dialect.placeholder(4))
	attrs := []attribute.KeyValue{attribute.String("job_id", jobID), attribute.String("event", event)}
	return s.traced(ctx, "store.append_event", attrs, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query, jobID, event, detail, s.dialect.encodeTime(s.now())); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return nil
	})
}

// GetEvents returns a job's events in recording order.
func (s *SQLStore) GetEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	query := fmt.Sprintf("SELECT job_id, event, detail, recorded_at FROM job_events WHERE job_id = %s ORDER BY id ASC LIMIT %s",
		s.dialect.placeholder(1), s.dialect.placeholder(2))
	var out []models.JobEvent
	err := s.traced(ctx, "store.get_events", []attribute.KeyValue{attribute.String("job_id", jobID)}, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, jobID, normalizeLimit(limit))
		if err != nil {
			return fmt.Errorf("query events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var ev models.JobEvent
			if err := rows.Scan(&ev.JobID, &ev.Event, &ev.Detail, timeValue{&ev.RecordedAt}); err != nil {
				return fmt.Errorf("scan event: %w", err)
			}
			out = append(out, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.PackagingJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	out := make([]*models.PackagingJob, 0, 16)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// encode converts a patch or condition value into a driver argument for field f.
func (s *SQLStore) encode(f models.Field, v any) (any, error) {
	kind, ok := f.Kind()
	if !ok {
		return nil, fmt.Errorf("unknown field %q", f)
	}
	if v == nil {
		return nil, nil
	}
	switch kind {
	case models.KindText:
		switch t := v.(type) {
		case string:
			return t, nil
		case models.Status:
			return string(t), nil
		case *string:
			if t == nil {
				return nil, nil
			}
			return *t, nil
		}
	case models.KindInt:
		switch t := v.(type) {
		case int:
			return int64(t), nil
		case int32:
			return int64(t), nil
		case int64:
			return t, nil
		case *int64:
			if t == nil {
				return nil, nil
			}
			return *t, nil
		}
	case models.KindTime:
		switch t := v.(type) {
		case time.Time:
			return s.dialect.encodeTime(t.UTC().Truncate(time.Millisecond)), nil
		case *time.Time:
			if t == nil {
				return nil, nil
			}
			return s.dialect.encodeTime(t.UTC().Truncate(time.Millisecond)), nil
		}
	case models.KindDocument:
		switch t := v.(type) {
		case json.RawMessage:
			if len(t) == 0 {
				return nil, nil
			}
			if !json.Valid(t) {
				return nil, fmt.Errorf("%s is not valid JSON", f)
			}
			return string(t), nil
		default:
			raw, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", f, err)
			}
			if string(raw) == "null" {
				return nil, nil
			}
			return string(raw), nil
		}
	}
	return nil, fmt.Errorf("field %q does not accept %T", f, v)
}

// patchFromJob lists every insertable job column except id and the timestamps.
func patchFromJob(j *models.PackagingJob) models.Patch {
	return models.Patch{
		models.Set(models.FieldUserID, j.UserID),
		models.Set(models.FieldTenantID, j.TenantID),
		models.Set(models.FieldWingetID, j.WingetID),
		models.Set(models.FieldVersion, j.Version),
		models.Set(models.FieldDisplayName, j.DisplayName),
		models.Set(models.FieldPublisher, j.Publisher),
		models.Set(models.FieldArchitecture, j.Architecture),
		models.Set(models.FieldInstallerType, j.InstallerType),
		models.Set(models.FieldInstallerURL, j.InstallerURL),
		models.Set(models.FieldInstallerSHA256, j.InstallerSHA256),
		models.Set(models.FieldInstallCommand, j.InstallCommand),
		models.Set(models.FieldUninstallCommand, j.UninstallCommand),
		models.Set(models.FieldInstallScope, j.InstallScope),
		models.Set(models.FieldSilentSwitches, j.SilentSwitches),
		models.Set(models.FieldDetectionRules, j.DetectionRules),
		models.Set(models.FieldPackageConfig, j.PackageConfig),
		models.Set(models.FieldEncryptionInfo, j.EncryptionInfo),
		models.Set(models.FieldGithubRunID, j.GithubRunID),
		models.Set(models.FieldGithubRunURL, j.GithubRunURL),
		models.Set(models.FieldIntunewinURL, j.IntunewinURL),
		models.Set(models.FieldIntunewinSizeBytes, j.IntunewinSizeBytes),
		models.Set(models.FieldUnencryptedContentSize, j.UnencryptedContentSize),
		models.Set(models.FieldIntuneAppID, j.IntuneAppID),
		models.Set(models.FieldIntuneAppURL, j.IntuneAppURL),
		models.Set(models.FieldStatus, j.Status),
		models.Set(models.FieldStatusMessage, j.StatusMessage),
		models.Set(models.FieldProgressPercent, j.ProgressPercent),
		models.Set(models.FieldProgressMessage, j.ProgressMessage),
		models.Set(models.FieldErrorMessage, j.ErrorMessage),
		models.Set(models.FieldErrorStage, j.ErrorStage),
		models.Set(models.FieldErrorCategory, j.ErrorCategory),
		models.Set(models.FieldErrorCode, j.ErrorCode),
		models.Set(models.FieldErrorDetails, j.ErrorDetails),
		models.Set(models.FieldPackagerID, j.PackagerID),
		models.Set(models.FieldPackagerHeartbeatAt, j.PackagerHeartbeatAt),
		models.Set(models.FieldClaimedAt, j.ClaimedAt),
		models.Set(models.FieldPackagedBy, j.PackagedBy),
		models.Set(models.FieldRequeueCount, j.RequeueCount),
		models.Set(models.FieldPackagingStartedAt, j.PackagingStartedAt),
		models.Set(models.FieldPackagingCompletedAt, j.PackagingCompletedAt),
		models.Set(models.FieldUploadStartedAt, j.UploadStartedAt),
		models.Set(models.FieldCompletedAt, j.CompletedAt),
		models.Set(models.FieldCancelledAt, j.CancelledAt),
		models.Set(models.FieldCancelledBy, j.CancelledBy),
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
