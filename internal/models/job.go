package models

import (
	"time"
)

// Install scopes accepted for PackagingJob.InstallScope.
const (
	ScopeMachine = "machine"
	ScopeUser    = "user"
)

// PackagingJob is one request to turn an installer into a deployable Intune package.
type PackagingJob struct {
	ID       string  `json:"id"`
	UserID   string  `json:"user_id" validate:"required"`
	TenantID *string `json:"tenant_id,omitempty"`

	WingetID     string `json:"winget_id" validate:"required"`
	Version      string `json:"version" validate:"required"`
	DisplayName  string `json:"display_name" validate:"required"`
	Publisher    string `json:"publisher" validate:"required"`
	Architecture string `json:"architecture" validate:"required"`

	InstallerType    string `json:"installer_type" validate:"required"`
	InstallerURL     string `json:"installer_url" validate:"required,url"`
	InstallerSHA256  string `json:"installer_sha256" validate:"omitempty,hexadecimal,len=64"`
	InstallCommand   string `json:"install_command"`
	UninstallCommand string `json:"uninstall_command"`
	InstallScope     string `json:"install_scope" validate:"omitempty,oneof=machine user"`
	SilentSwitches   string `json:"silent_switches"`

	// Structured documents, stored serialized and never interpreted by the lease logic.
	DetectionRules any `json:"detection_rules,omitempty"`
	PackageConfig  any `json:"package_config,omitempty"`
	EncryptionInfo any `json:"encryption_info,omitempty"`

	GithubRunID            *string `json:"github_run_id,omitempty"`
	GithubRunURL           *string `json:"github_run_url,omitempty"`
	IntunewinURL           *string `json:"intunewin_url,omitempty"`
	IntunewinSizeBytes     *int64  `json:"intunewin_size_bytes,omitempty"`
	UnencryptedContentSize *int64  `json:"unencrypted_content_size,omitempty"`

	IntuneAppID  *string `json:"intune_app_id,omitempty"`
	IntuneAppURL *string `json:"intune_app_url,omitempty"`

	Status          Status  `json:"status" validate:"omitempty,jobstatus"`
	StatusMessage   *string `json:"status_message,omitempty"`
	ProgressPercent int     `json:"progress_percent" validate:"gte=0,lte=100"`
	ProgressMessage *string `json:"progress_message,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	ErrorStage      *string `json:"error_stage,omitempty"`
	ErrorCategory   *string `json:"error_category,omitempty"`
	ErrorCode       *string `json:"error_code,omitempty"`
	ErrorDetails    any     `json:"error_details,omitempty"`

	// Lease. PackagerID is set only while Status is packaging. PackagedBy survives the
	// hand-off to testing/uploading so later callbacks can be tied to the claiming worker.
	PackagerID          *string    `json:"packager_id,omitempty"`
	PackagerHeartbeatAt *time.Time `json:"packager_heartbeat_at,omitempty"`
	ClaimedAt           *time.Time `json:"claimed_at,omitempty"`
	PackagedBy          *string    `json:"packaged_by,omitempty"`
	RequeueCount        int        `json:"requeue_count"`

	PackagingStartedAt   *time.Time `json:"packaging_started_at,omitempty"`
	PackagingCompletedAt *time.Time `json:"packaging_completed_at,omitempty"`
	UploadStartedAt      *time.Time `json:"upload_started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy          *string    `json:"cancelled_by,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// HoldsLease reports whether packagerID is the current lease holder.
func (j *PackagingJob) HoldsLease(packagerID string) bool {
	return j.Status == StatusPackaging && j.PackagerID != nil && *j.PackagerID == packagerID
}

// UploadHistoryRecord is an append-only record of a successful deployment.
type UploadHistoryRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id" validate:"required"`
	PackagingJobID *string   `json:"packaging_job_id,omitempty"`
	WingetID       string    `json:"winget_id" validate:"required"`
	Version        string    `json:"version" validate:"required"`
	DisplayName    string    `json:"display_name"`
	Publisher      string    `json:"publisher"`
	IntuneAppID    string    `json:"intune_app_id" validate:"required"`
	IntuneAppURL   *string   `json:"intune_app_url,omitempty"`
	IntuneTenantID *string   `json:"intune_tenant_id,omitempty"`
	DeployedAt     time.Time `json:"deployed_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stats holds job counts per status. Every status is always present.
type Stats struct {
	Queued    int `json:"queued"`
	Packaging int `json:"packaging"`
	Testing   int `json:"testing"`
	Uploading int `json:"uploading"`
	Deployed  int `json:"deployed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Add increments the counter for status by n. Unknown statuses are ignored.
func (s *Stats) Add(status Status, n int) {
	switch status {
	case StatusQueued:
		s.Queued += n
	case StatusPackaging:
		s.Packaging += n
	case StatusTesting:
		s.Testing += n
	case StatusUploading:
		s.Uploading += n
	case StatusDeployed:
		s.Deployed += n
	case StatusFailed:
		s.Failed += n
	case StatusCancelled:
		s.Cancelled += n
	}
}

// Count returns the counter for status.
func (s Stats) Count(status Status) int {
	switch status {
	case StatusQueued:
		return s.Queued
	case StatusPackaging:
		return s.Packaging
	case StatusTesting:
		return s.Testing
	case StatusUploading:
		return s.Uploading
	case StatusDeployed:
		return s.Deployed
	case StatusFailed:
		return s.Failed
	case StatusCancelled:
		return s.Cancelled
	}
	return 0
}

// StrPtr returns a pointer to v, or nil when v is empty.
func StrPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// Deref returns the pointed-to string or "".
func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// JobEvent is a lifecycle event row recorded alongside a job.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}
