package models

import "fmt"

// Field names a patchable or conditionable PackagingJob column.
type Field string

// FieldKind describes how a field value is encoded by the store.
type FieldKind int

const (
	KindText FieldKind = iota
	KindInt
	KindTime
	KindDocument
)

const (
	FieldUserID   Field = "user_id"
	FieldTenantID Field = "tenant_id"

	FieldWingetID     Field = "winget_id"
	FieldVersion      Field = "version"
	FieldDisplayName  Field = "display_name"
	FieldPublisher    Field = "publisher"
	FieldArchitecture Field = "architecture"

	FieldInstallerType    Field = "installer_type"
	FieldInstallerURL     Field = "installer_url"
	FieldInstallerSHA256  Field = "installer_sha256"
	FieldInstallCommand   Field = "install_command"
	FieldUninstallCommand Field = "uninstall_command"
	FieldInstallScope     Field = "install_scope"
	FieldSilentSwitches   Field = "silent_switches"

	FieldDetectionRules Field = "detection_rules"
	FieldPackageConfig  Field = "package_config"
	FieldEncryptionInfo Field = "encryption_info"

	FieldGithubRunID            Field = "github_run_id"
	FieldGithubRunURL           Field = "github_run_url"
	FieldIntunewinURL           Field = "intunewin_url"
	FieldIntunewinSizeBytes     Field = "intunewin_size_bytes"
	FieldUnencryptedContentSize Field = "unencrypted_content_size"

	FieldIntuneAppID  Field = "intune_app_id"
	FieldIntuneAppURL Field = "intune_app_url"

	FieldStatus          Field = "status"
	FieldStatusMessage   Field = "status_message"
	FieldProgressPercent Field = "progress_percent"
	FieldProgressMessage Field = "progress_message"
	FieldErrorMessage    Field = "error_message"
	FieldErrorStage      Field = "error_stage"
	FieldErrorCategory   Field = "error_category"
	FieldErrorCode       Field = "error_code"
	FieldErrorDetails    Field = "error_details"

	FieldPackagerID          Field = "packager_id"
	FieldPackagerHeartbeatAt Field = "packager_heartbeat_at"
	FieldClaimedAt           Field = "claimed_at"
	FieldPackagedBy          Field = "packaged_by"
	FieldRequeueCount        Field = "requeue_count"

	FieldPackagingStartedAt   Field = "packaging_started_at"
	FieldPackagingCompletedAt Field = "packaging_completed_at"
	FieldUploadStartedAt      Field = "upload_started_at"
	FieldCompletedAt          Field = "completed_at"
	FieldCancelledAt          Field = "cancelled_at"
	FieldCancelledBy          Field = "cancelled_by"
)

var fieldKinds = map[Field]FieldKind{
	FieldUserID:                 KindText,
	FieldTenantID:               KindText,
	FieldWingetID:               KindText,
	FieldVersion:                KindText,
	FieldDisplayName:            KindText,
	FieldPublisher:              KindText,
	FieldArchitecture:           KindText,
	FieldInstallerType:          KindText,
	FieldInstallerURL:           KindText,
	FieldInstallerSHA256:        KindText,
	FieldInstallCommand:         KindText,
	FieldUninstallCommand:       KindText,
	FieldInstallScope:           KindText,
	FieldSilentSwitches:         KindText,
	FieldDetectionRules:         KindDocument,
	FieldPackageConfig:          KindDocument,
	FieldEncryptionInfo:         KindDocument,
	FieldGithubRunID:            KindText,
	FieldGithubRunURL:           KindText,
	FieldIntunewinURL:           KindText,
	FieldIntunewinSizeBytes:     KindInt,
	FieldUnencryptedContentSize: KindInt,
	FieldIntuneAppID:            KindText,
	FieldIntuneAppURL:           KindText,
	FieldStatus:                 KindText,
	FieldStatusMessage:          KindText,
	FieldProgressPercent:        KindInt,
	FieldProgressMessage:        KindText,
	FieldErrorMessage:           KindText,
	FieldErrorStage:             KindText,
	FieldErrorCategory:          KindText,
	FieldErrorCode:              KindText,
	FieldErrorDetails:           KindDocument,
	FieldPackagerID:             KindText,
	FieldPackagerHeartbeatAt:    KindTime,
	FieldClaimedAt:              KindTime,
	FieldPackagedBy:             KindText,
	FieldRequeueCount:           KindInt,
	FieldPackagingStartedAt:     KindTime,
	FieldPackagingCompletedAt:   KindTime,
	FieldUploadStartedAt:        KindTime,
	FieldCompletedAt:            KindTime,
	FieldCancelledAt:            KindTime,
	FieldCancelledBy:            KindText,
}

// Kind returns the encoding kind of f and whether f is a known field.
func (f Field) Kind() (FieldKind, bool) {
	k, ok := fieldKinds[f]
	return k, ok
}

// Assignment sets one field. A nil Value writes NULL.
type Assignment struct {
	Field Field
	Value any
}

// Patch is an ordered set of field assignments applied by a single update.
type Patch []Assignment

// Set assigns v to f.
func Set(f Field, v any) Assignment { return Assignment{Field: f, Value: v} }

// Clear writes NULL to f.
func Clear(f Field) Assignment { return Assignment{Field: f} }

// With returns a copy of p with extra assignments appended.
func (p Patch) With(more ...Assignment) Patch {
	out := make(Patch, 0, len(p)+len(more))
	out = append(out, p...)
	return append(out, more...)
}

// ConditionOp is the comparison a Condition applies.
type ConditionOp int

const (
	OpEq ConditionOp = iota
	OpIsNull
)

// Condition is one predicate an update requires the current row to satisfy.
type Condition struct {
	Field Field
	Op    ConditionOp
	Value any
}

// Eq requires f to equal v. A nil v matches NULL.
func Eq(f Field, v any) Condition {
	if v == nil {
		return IsNull(f)
	}
	return Condition{Field: f, Op: OpEq, Value: v}
}

// IsNull requires f to be NULL.
func IsNull(f Field) Condition { return Condition{Field: f, Op: OpIsNull} }

func (c Condition) String() string {
	if c.Op == OpIsNull {
		return fmt.Sprintf("%s IS NULL", c.Field)
	}
	return fmt.Sprintf("%s = %v", c.Field, c.Value)
}
