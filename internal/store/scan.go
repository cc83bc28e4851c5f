package store

import (
	"encoding/json"
	"fmt"
	"time"

	"packaging-coordinator/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.PackagingJob, error) {
	var j models.PackagingJob
	err := row.Scan(
		&j.ID, &j.UserID, nullText{&j.TenantID},
		&j.WingetID, &j.Version, &j.DisplayName, &j.Publisher, &j.Architecture,
		&j.InstallerType, &j.InstallerURL, &j.InstallerSHA256, &j.InstallCommand, &j.UninstallCommand,
		&j.InstallScope, &j.SilentSwitches,
		document{&j.DetectionRules}, document{&j.PackageConfig}, document{&j.EncryptionInfo},
		nullText{&j.GithubRunID}, nullText{&j.GithubRunURL}, nullText{&j.IntunewinURL},
		nullInt{&j.IntunewinSizeBytes}, nullInt{&j.UnencryptedContentSize},
		nullText{&j.IntuneAppID}, nullText{&j.IntuneAppURL},
		(*string)(&j.Status), nullText{&j.StatusMessage}, &j.ProgressPercent, nullText{&j.ProgressMessage},
		nullText{&j.ErrorMessage}, nullText{&j.ErrorStage}, nullText{&j.ErrorCategory}, nullText{&j.ErrorCode},
		document{&j.ErrorDetails},
		nullText{&j.PackagerID}, nullTime{&j.PackagerHeartbeatAt}, nullTime{&j.ClaimedAt},
		nullText{&j.PackagedBy}, &j.RequeueCount,
		nullTime{&j.PackagingStartedAt}, nullTime{&j.PackagingCompletedAt}, nullTime{&j.UploadStartedAt},
		nullTime{&j.CompletedAt}, nullTime{&j.CancelledAt}, nullText{&j.CancelledBy},
		timeValue{&j.CreatedAt}, timeValue{&j.UpdatedAt},
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanHistory(row rowScanner) (*models.UploadHistoryRecord, error) {
	var r models.UploadHistoryRecord
	err := row.Scan(
		&r.ID, &r.UserID, nullText{&r.PackagingJobID},
		&r.WingetID, &r.Version, &r.DisplayName, &r.Publisher,
		&r.IntuneAppID, nullText{&r.IntuneAppURL}, nullText{&r.IntuneTenantID},
		timeValue{&r.DeployedAt}, timeValue{&r.CreatedAt},
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type nullText struct{ dst **string }

func (n nullText) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n.dst = nil
	case string:
		*n.dst = &v
	case []byte:
		s := string(v)
		*n.dst = &s
	default:
		return fmt.Errorf("cannot scan %T into text", src)
	}
	return nil
}

type nullInt struct{ dst **int64 }

func (n nullInt) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n.dst = nil
	case int64:
		*n.dst = &v
	case int32:
		i := int64(v)
		*n.dst = &i
	default:
		return fmt.Errorf("cannot scan %T into integer", src)
	}
	return nil
}

// timeValue decodes timestamps stored as timestamptz or as unix milliseconds.
type timeValue struct{ dst *time.Time }

func (t timeValue) Scan(src any) error {
	v, err := decodeTime(src)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("unexpected NULL timestamp")
	}
	*t.dst = *v
	return nil
}

type nullTime struct{ dst **time.Time }

func (t nullTime) Scan(src any) error {
	v, err := decodeTime(src)
	if err != nil {
		return err
	}
	*t.dst = v
	return nil
}

func decodeTime(src any) (*time.Time, error) {
	var t time.Time
	switch v := src.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t = v.UTC()
	case int64:
		t = time.UnixMilli(v).UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", v, err)
		}
		t = parsed.UTC()
	case []byte:
		parsed, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", v, err)
		}
		t = parsed.UTC()
	default:
		return nil, fmt.Errorf("cannot scan %T into timestamp", src)
	}
	return &t, nil
}

// document decodes a JSON column into a native structured value.
type document struct{ dst *any }

func (d document) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d.dst = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into document", src)
	}
	if len(raw) == 0 {
		*d.dst = nil
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	*d.dst = out
	return nil
}
