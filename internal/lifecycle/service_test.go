package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packaging-coordinator/internal/lease"
	"packaging-coordinator/internal/models"
	"packaging-coordinator/internal/store"
)

type fixture struct {
	store  *store.SQLStore
	leases *lease.Coordinator
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	leases := lease.New(s, nil, nil)
	return &fixture{store: s, leases: leases, svc: New(s, s, s, nil)}
}

func (f *fixture) claimedJob(t *testing.T, packagerID string) *models.PackagingJob {
	t.Helper()
	ctx := context.Background()
	job, err := f.store.Create(ctx, &models.PackagingJob{
		UserID:        "user-1",
		TenantID:      models.StrPtr("tenant-1"),
		WingetID:      "Notepad++.Notepad++",
		Version:       "8.6.9",
		DisplayName:   "Notepad++",
		Publisher:     "Notepad++ Team",
		Architecture:  "x64",
		InstallerType: "nullsoft",
		InstallerURL:  "https://github.com/notepad-plus-plus/notepad-plus-plus/releases/download/v8.6.9/npp.8.6.9.Installer.x64.exe",
	})
	require.NoError(t, err)
	claimed, err := f.leases.Claim(ctx, job.ID, packagerID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func TestHappyPathToDeployed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.claimedJob(t, "runner-1")

	inTest, err := f.svc.MoveTo(ctx, job.ID, "runner-1", models.StatusTesting, "running install test",
		models.Set(models.FieldGithubRunID, "9001"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusTesting, inTest.Status)
	assert.Nil(t, inTest.PackagerID)
	assert.Nil(t, inTest.PackagerHeartbeatAt)
	assert.Equal(t, "runner-1", models.Deref(inTest.PackagedBy))
	assert.NotNil(t, inTest.PackagingCompletedAt)
	assert.Equal(t, "9001", models.Deref(inTest.GithubRunID))

	uploading, err := f.svc.MoveTo(ctx, job.ID, "runner-1", models.StatusUploading, "")
	require.NoError(t, err)
	assert.NotNil(t, uploading.UploadStartedAt)

	size := int64(4096)
	deployed, err := f.svc.Deploy(ctx, job.ID, "runner-1", DeployResult{
		IntuneAppID:        "app-123",
		IntuneAppURL:       "https://intune.microsoft.com/apps/app-123",
		IntunewinURL:       "s3://artifacts/npp.intunewin",
		IntunewinSizeBytes: &size,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeployed, deployed.Status)
	assert.Equal(t, 100, deployed.ProgressPercent)
	assert.Equal(t, "app-123", models.Deref(deployed.IntuneAppID))
	assert.Equal(t, size, *deployed.IntunewinSizeBytes)
	require.NotNil(t, deployed.CompletedAt)

	history, err := f.store.GetHistoryByUserID(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, job.ID, models.Deref(history[0].PackagingJobID))
	assert.Equal(t, "Notepad++.Notepad++", history[0].WingetID)
	assert.Equal(t, "tenant-1", models.Deref(history[0].IntuneTenantID))
	assert.True(t, deployed.CompletedAt.Equal(history[0].DeployedAt))

	events, err := f.store.GetEvents(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "deployed", events[2].Event)
}

func TestZombieCallbackAfterForceRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.claimedJob(t, "zombie")

	_, err := f.leases.ForceRelease(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.leases.Claim(ctx, job.ID, "runner-2")
	require.NoError(t, err)

	_, err = f.svc.MoveTo(ctx, job.ID, "zombie", models.StatusTesting, "")
	assert.True(t, errors.Is(err, ErrStaleCallback))

	_, err = f.svc.Progress(ctx, job.ID, "zombie", 80, "almost")
	assert.True(t, errors.Is(err, ErrStaleCallback))

	_, err = f.svc.Advance(ctx, Transition{
		JobID: job.ID, PackagerID: "zombie", From: models.StatusPackaging, To: models.StatusDeployed,
	})
	assert.True(t, errors.Is(err, ErrStaleCallback))

	current, err := f.store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPackaging, current.Status)
	assert.Equal(t, "runner-2", models.Deref(current.PackagerID))
}

func TestAttemptRejectsEarlierClaimBySamePackager(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.claimedJob(t, "runner-1")

	_, err := f.leases.ForceRelease(ctx, first.ID)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := f.leases.Claim(ctx, first.ID, "runner-1")
	require.NoError(t, err)
	require.NotNil(t, second)
	require.False(t, first.ClaimedAt.Equal(*second.ClaimedAt))

	old := f.svc.Attempt(*first.ClaimedAt)
	_, err = old.Progress(ctx, first.ID, "runner-1", 50, "from the first run")
	assert.ErrorIs(t, err, ErrStaleCallback)
	_, err = old.Fail(ctx, first.ID, "runner-1", JobError{Code: "DISPATCH_FAILED", Message: "first run gave up"})
	assert.ErrorIs(t, err, ErrStaleCallback)
	_, err = old.Advance(ctx, Transition{
		JobID: first.ID, PackagerID: "runner-1", From: models.StatusPackaging, To: models.StatusTesting,
	})
	assert.ErrorIs(t, err, ErrStaleCallback)

	current, err := f.store.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPackaging, current.Status)
	assert.Nil(t, current.ErrorCode)

	moved, err := f.svc.Attempt(*second.ClaimedAt).MoveTo(ctx, first.ID, "runner-1", models.StatusTesting, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTesting, moved.Status)

	_, err = old.MoveTo(ctx, first.ID, "runner-1", models.StatusUploading, "")
	assert.ErrorIs(t, err, ErrStaleCallback)
}

func TestAdvanceRejectsOutOfOrderReports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.claimedJob(t, "runner-1")

	_, err := f.svc.Advance(ctx, Transition{
		JobID: job.ID, PackagerID: "runner-1", From: models.StatusTesting, To: models.StatusUploading,
	})
	assert.ErrorIs(t, err, ErrStaleCallback)

	_, err = f.svc.Advance(ctx, Transition{
		JobID: job.ID, PackagerID: "runner-1", From: models.StatusUploading, To: models.StatusTesting,
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Advance(ctx, Transition{
		JobID: job.ID, PackagerID: "runner-1", From: models.StatusPackaging, To: models.StatusQueued,
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestProgressClampsAndMayRegress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.claimedJob(t, "runner-1")

	high, err := f.svc.Progress(ctx, job.ID, "runner-1", 150, "downloading")
	require.NoError(t, err)
	assert.Equal(t, 100, high.ProgressPercent)
	assert.Equal(t, "downloading", models.Deref(high.ProgressMessage))

	low, err := f.svc.Progress(ctx, job.ID, "runner-1", 10, "retrying")
	require.NoError(t, err)
	assert.Equal(t, 10, low.ProgressPercent)

	negative, err := f.svc.Progress(ctx, job.ID, "runner-1", -5, "")
	require.NoError(t, err)
	assert.Equal(t, 0, negative.ProgressPercent)
	assert.Equal(t, "retrying", models.Deref(negative.ProgressMessage))
}

func TestFailRecordsStructuredError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.claimedJob(t, "runner-1")

	failed, err := f.svc.Fail(ctx, job.ID, "runner-1", JobError{
		Stage:    "packaging",
		Category: "installer",
		Code:     "HASH_MISMATCH",
		Message:  "installer hash mismatch",
		Details:  map[string]any{"expected": "abc", "actual": "def"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, "HASH_MISMATCH", models.Deref(failed.ErrorCode))
	assert.Equal(t, map[string]any{"expected": "abc", "actual": "def"}, failed.ErrorDetails)
	assert.NotNil(t, failed.CompletedAt)

	_, err = f.svc.Progress(ctx, job.ID, "runner-1", 50, "")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.claimedJob(t, "runner-1")

	cancelled, err := f.svc.Cancel(ctx, job.ID, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Equal(t, "admin@example.com", models.Deref(cancelled.CancelledBy))
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Nil(t, cancelled.PackagerID)

	hb, err := f.leases.Heartbeat(ctx, job.ID, "runner-1")
	require.NoError(t, err)
	assert.Nil(t, hb, "the holder learns about cancellation from its heartbeat")

	_, err = f.svc.Cancel(ctx, job.ID, "admin@example.com")
	assert.ErrorIs(t, err, ErrTerminal)

	_, err = f.svc.Cancel(ctx, "missing", "admin@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeployRequiresAppID(t *testing.T) {
	f := newFixture(t)
	job := f.claimedJob(t, "runner-1")

	_, err := f.svc.Deploy(context.Background(), job.ID, "runner-1", DeployResult{})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}
