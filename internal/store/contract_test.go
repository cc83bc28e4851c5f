package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packaging-coordinator/internal/models"
)

// storeFactory returns a fresh, empty store for one test.
type storeFactory func(t *testing.T) *SQLStore

func newTestJob(userID string) *models.PackagingJob {
	return &models.PackagingJob{
		UserID:        userID,
		WingetID:      "Microsoft.VisualStudioCode",
		Version:       "1.95.0",
		DisplayName:   "Visual Studio Code",
		Publisher:     "Microsoft Corporation",
		Architecture:  "x64",
		InstallerType: "exe",
		InstallerURL:  "https://update.code.visualstudio.com/1.95.0/win32-x64/stable",
		InstallScope:  models.ScopeMachine,
	}
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

func claimPatch(packagerID string, now time.Time) models.Patch {
	return models.Patch{
		models.Set(models.FieldStatus, models.StatusPackaging),
		models.Set(models.FieldPackagerID, packagerID),
		models.Set(models.FieldPackagedBy, packagerID),
		models.Set(models.FieldPackagerHeartbeatAt, now),
		models.Set(models.FieldClaimedAt, now),
		models.Set(models.FieldPackagingStartedAt, now),
	}
}

func claim(ctx context.Context, s *SQLStore, id, packagerID string) (*models.PackagingJob, error) {
	return s.Update(ctx, id, claimPatch(packagerID, Now()), models.Eq(models.FieldStatus, models.StatusQueued))
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("create applies defaults", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		job, err := s.Create(ctx, newTestJob("user-1"))
		require.NoError(t, err)
		require.NotNil(t, job)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, models.StatusQueued, job.Status)
		assert.Equal(t, 0, job.ProgressPercent)
		assert.Nil(t, job.PackagerID)
		assert.False(t, job.CreatedAt.IsZero())
		assert.Equal(t, job.CreatedAt, job.UpdatedAt)

		got, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job, got)
	})

	t.Run("create rejects invalid payload before writing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		bad := newTestJob("user-1")
		bad.WingetID = ""
		bad.InstallScope = "everyone"
		bad.ProgressPercent = 101

		_, err := s.Create(ctx, bad)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidJob))

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Contains(t, verr.Fields, "winget_id")
		assert.Contains(t, verr.Fields, "install_scope")
		assert.Contains(t, verr.Fields, "progress_percent")

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.Stats{}, stats)
	})

	t.Run("create rejects lease holder outside packaging", func(t *testing.T) {
		s := newStore(t)
		job := newTestJob("user-1")
		job.PackagerID = models.StrPtr("worker-1")

		_, err := s.Create(context.Background(), job)
		assert.ErrorIs(t, err, ErrInvalidJob)
	})

	t.Run("malformed raw documents are rejected before writing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		good, err := s.Create(ctx, newTestJob("user-1"))
		require.NoError(t, err)

		bad := newTestJob("user-1")
		bad.DetectionRules = json.RawMessage("{not json")
		_, err = s.Create(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidJob)

		queued, err := s.GetByStatus(ctx, models.StatusQueued, 0, true)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, good.ID, queued[0].ID)

		byUser, err := s.GetByUserID(ctx, "user-1", 0)
		require.NoError(t, err)
		assert.Len(t, byUser, 1)

		updated, err := s.Update(ctx, good.ID, models.Patch{
			models.Set(models.FieldErrorDetails, json.RawMessage(`{"exit":`)),
		})
		assert.ErrorIs(t, err, ErrInvalidPatch)
		assert.Nil(t, updated)

		got, err := s.GetByID(ctx, good.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ErrorDetails)

		raw := newTestJob("user-1")
		raw.PackageConfig = json.RawMessage(`{"restart":true}`)
		created, err := s.Create(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"restart": true}, created.PackageConfig)
	})

	t.Run("structured fields round trip", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		job := newTestJob("user-1")
		job.DetectionRules = []any{
			map[string]any{"type": "file", "path": "%ProgramFiles%", "fileOrFolderName": "Code"},
		}
		job.PackageConfig = map[string]any{"restart": false, "timeoutMinutes": float64(30)}

		created, err := s.Create(ctx, job)
		require.NoError(t, err)

		got, err := s.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, job.DetectionRules, got.DetectionRules)
		assert.Equal(t, job.PackageConfig, got.PackageConfig)
		assert.Nil(t, got.EncryptionInfo)
	})

	t.Run("get by id returns nil when absent", func(t *testing.T) {
		got, err := newStore(t).GetByID(context.Background(), "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("lists by user newest first and by status in either order", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

		var ids []string
		for i := 0; i < 3; i++ {
			job := newTestJob("user-1")
			job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			created, err := s.Create(ctx, job)
			require.NoError(t, err)
			ids = append(ids, created.ID)
		}
		_, err := s.Create(ctx, newTestJob("user-2"))
		require.NoError(t, err)

		mine, err := s.GetByUserID(ctx, "user-1", 10)
		require.NoError(t, err)
		require.Len(t, mine, 3)
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, jobIDs(mine))

		limited, err := s.GetByUserID(ctx, "user-1", 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		oldest, err := s.GetByStatus(ctx, models.StatusQueued, 2, true)
		require.NoError(t, err)
		assert.Equal(t, []string{ids[0], ids[1]}, jobIDs(oldest))

		newest, err := s.GetByStatus(ctx, models.StatusQueued, 1, false)
		require.NoError(t, err)
		require.Len(t, newest, 1)
		assert.Equal(t, "user-2", newest[0].UserID)

		_, err = s.GetByStatus(ctx, models.Status("bogus"), 1, true)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("conditional update is a compare and swap", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job, err := s.Create(ctx, newTestJob("user-1"))
		require.NoError(t, err)

		miss, err := s.Update(ctx, job.ID,
			models.Patch{models.Set(models.FieldStatusMessage, "nope")},
			models.Eq(models.FieldStatus, models.StatusPackaging))
		require.NoError(t, err)
		assert.Nil(t, miss)

		unchanged, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job, unchanged)

		hit, err := s.Update(ctx, job.ID,
			models.Patch{models.Set(models.FieldStatusMessage, "ok")},
			models.Eq(models.FieldStatus, models.StatusQueued),
			models.Eq(models.FieldPackagerID, nil))
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, "ok", models.Deref(hit.StatusMessage))
		assert.False(t, hit.UpdatedAt.Before(job.UpdatedAt))

		absent, err := s.Update(ctx, "missing", models.Patch{models.Set(models.FieldStatusMessage, "x")})
		require.NoError(t, err)
		assert.Nil(t, absent)
	})

	t.Run("update rejects malformed patches", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job, err := s.Create(ctx, newTestJob("user-1"))
		require.NoError(t, err)

		cases := map[string]models.Patch{
			"unknown field":   {models.Set(models.Field("created_at"), time.Now())},
			"duplicate field": {models.Set(models.FieldStatusMessage, "a"), models.Set(models.FieldStatusMessage, "b")},
			"wrong type":      {models.Set(models.FieldProgressPercent, "fifty")},
		}
		for name, patch := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := s.Update(ctx, job.ID, patch)
				assert.ErrorIs(t, err, ErrInvalidPatch)
			})
		}
	})

	t.Run("concurrent claims have exactly one winner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job, err := s.Create(ctx, newTestJob("user-1"))
		require.NoError(t, err)

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			errs    []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				got, err := claim(ctx, s, job.ID, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if got != nil {
					winners = append(winners, id)
				}
			}(fmt.Sprintf("worker-%d", i))
		}
		wg.Wait()

		require.Empty(t, errs)
		require.Len(t, winners, 1)

		got, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPackaging, got.Status)
		assert.Equal(t, winners[0], models.Deref(got.PackagerID))
	})

	t.Run("release is limited to the holder", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job, err := s.Create(ctx, newTestJob("user-1"))
		require.NoError(t, err)
		held, err := claim(ctx, s, job.ID, "A")
		require.NoError(t, err)
		require.NotNil(t, held)

		denied, err := s.Update(ctx, job.ID, resetPatch(), models.Eq(models.FieldPackagerID, "B"))
		require.NoError(t, err)
		assert.Nil(t, denied)

		still, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, held, still)

		released, err := s.Update(ctx, job.ID, resetPatch(), models.Eq(models.FieldPackagerID, "A"))
		require.NoError(t, err)
		require.NotNil(t, released)
		assert.Equal(t, models.StatusQueued, released.Status)
		assert.Nil(t, released.PackagerID)
		assert.Nil(t, released.PackagerHeartbeatAt)
		assert.Nil(t, released.ClaimedAt)
		assert.Nil(t, released.PackagingStartedAt)
	})

	t.Run("stale detection honours the threshold", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		now := Now()

		stale := newTestJob("user-1")
		stale.Status = models.StatusPackaging
		stale.PackagerID = models.StrPtr("A")
		old := now.Add(-10 * time.Minute)
		stale.PackagerHeartbeatAt = &old
		a, err := s.Create(ctx, stale)
		require.NoError(t, err)

		fresh := newTestJob("user-1")
		fresh.Status = models.StatusPackaging
		fresh.PackagerID = models.StrPtr("B")
		fresh.PackagerHeartbeatAt = &now
		_, err = s.Create(ctx, fresh)
		require.NoError(t, err)

		_, err = s.Create(ctx, newTestJob("user-1"))
		require.NoError(t, err)

		got, err := s.GetStaleJobs(ctx, now.Add(-5*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a.ID, got[0].ID)
		assert.True(t, old.Equal(*got[0].PackagerHeartbeatAt))
	})

	t.Run("stats are zero filled", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for _, st := range []models.Status{
			models.StatusQueued, models.StatusQueued, models.StatusPackaging,
			models.StatusDeployed, models.StatusFailed,
		} {
			job := newTestJob("user-1")
			job.Status = st
			if st == models.StatusPackaging {
				job.PackagerID = models.StrPtr("worker-1")
			}
			_, err := s.Create(ctx, job)
			require.NoError(t, err)
		}

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.Stats{Queued: 2, Packaging: 1, Deployed: 1, Failed: 1}, stats)
	})

	t.Run("delete by id and terminal cleanup", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		var doneIDs []string
		for _, st := range []models.Status{models.StatusDeployed, models.StatusFailed, models.StatusQueued} {
			job := newTestJob("user-1")
			job.Status = st
			created, err := s.Create(ctx, job)
			require.NoError(t, err)
			if st.Terminal() {
				doneIDs = append(doneIDs, created.ID)
			}
		}
		other := newTestJob("user-2")
		other.Status = models.StatusFailed
		_, err := s.Create(ctx, other)
		require.NoError(t, err)

		_, err = s.DeleteByUserIDAndStatuses(ctx, "user-1", []models.Status{models.StatusQueued})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		n, err := s.DeleteByUserIDAndStatuses(ctx, "user-1", []models.Status{models.StatusDeployed, models.StatusFailed})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		left, err := s.GetByUserID(ctx, "user-1", 10)
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, models.StatusQueued, left[0].Status)

		ok, err := s.DeleteByID(ctx, left[0].ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.DeleteByID(ctx, left[0].ID)
		require.NoError(t, err)
		assert.False(t, ok)

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
	})

	t.Run("end to end claim release reclaim", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		job, err := s.Create(ctx, newTestJob("user-1"))
		require.NoError(t, err)

		first, err := claim(ctx, s, job.ID, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, models.StatusPackaging, first.Status)

		second, err := claim(ctx, s, job.ID, "worker-2")
		require.NoError(t, err)
		assert.Nil(t, second)

		released, err := s.Update(ctx, job.ID, resetPatch(), models.Eq(models.FieldPackagerID, "worker-1"))
		require.NoError(t, err)
		require.NotNil(t, released)
		assert.Equal(t, models.StatusQueued, released.Status)
		assert.Nil(t, released.PackagerID)

		third, err := claim(ctx, s, job.ID, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, third)
		assert.Equal(t, "worker-2", models.Deref(third.PackagerID))
	})

	t.Run("history is append only and newest first", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

		older, err := s.CreateHistory(ctx, &models.UploadHistoryRecord{
			UserID: "user-1", WingetID: "Git.Git", Version: "2.45.0", IntuneAppID: "app-1", DeployedAt: base,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, older.ID)
		assert.Nil(t, older.PackagingJobID)

		newer, err := s.CreateHistory(ctx, &models.UploadHistoryRecord{
			UserID: "user-1", PackagingJobID: models.StrPtr("job-9"), WingetID: "Git.Git", Version: "2.46.0",
			IntuneAppID: "app-2", IntuneAppURL: models.StrPtr("https://intune.example/app-2"),
		})
		require.NoError(t, err)
		assert.False(t, newer.DeployedAt.IsZero())

		_, err = s.CreateHistory(ctx, &models.UploadHistoryRecord{UserID: "user-1"})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		got, err := s.GetHistoryByUserID(ctx, "user-1", 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, newer.ID, got[0].ID)
		assert.Equal(t, "job-9", models.Deref(got[0].PackagingJobID))
		assert.True(t, base.Equal(got[1].DeployedAt))
	})

	t.Run("event log keeps recording order", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.AppendEvent(ctx, "job-1", "claimed", "worker-1"))
		require.NoError(t, s.AppendEvent(ctx, "job-1", "released", "worker-1"))
		require.NoError(t, s.AppendEvent(ctx, "job-2", "claimed", "worker-2"))

		events, err := s.GetEvents(ctx, "job-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "claimed", events[0].Event)
		assert.Equal(t, "released", events[1].Event)
	})
}

func jobIDs(jobs []*models.PackagingJob) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
