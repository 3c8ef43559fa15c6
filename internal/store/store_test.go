package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"postflow/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func testRepo(t *testing.T) Repository {
	return NewSQLiteRepo(openTestDB(t))
}

func strPtr(s string) *string               { return &s }
func statusPtr(s domain.Status) *domain.Status { return &s }

func TestSaveAndGet(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	when := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	saved, err := repo.Save(ctx, domain.Job{
		Platform:     domain.PlatformTelegram,
		Text:         "hello",
		Tags:         []string{"news", "release"},
		ScheduleTime: &when,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^post_`, saved.ID)
	assert.Equal(t, domain.StatusPending, saved.Status)

	got, err := repo.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, domain.PlatformTelegram, got.Platform)
	assert.Equal(t, []string{"news", "release"}, got.Tags)
	require.NotNil(t, got.ScheduleTime)
	assert.Equal(t, when.Unix(), got.ScheduleTime.Unix())
	assert.Nil(t, got.PostedAt)
}

func TestGetNotFound(t *testing.T) {
	repo := testRepo(t)
	_, err := repo.Get(context.Background(), "post_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPartialUpdate(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	when := time.Now().Add(time.Hour)
	saved, err := repo.Save(ctx, domain.Job{
		Platform: domain.PlatformWebhook, Text: "original", ScheduleTime: &when,
	})
	require.NoError(t, err)

	got, err := repo.Update(ctx, saved.ID, JobUpdate{Text: strPtr("edited")})
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Text)
	require.NotNil(t, got.ScheduleTime, "untouched fields must survive a partial update")
	assert.Equal(t, when.Unix(), got.ScheduleTime.Unix())

	got, err = repo.Update(ctx, saved.ID, JobUpdate{ClearSchedule: true})
	require.NoError(t, err)
	assert.Nil(t, got.ScheduleTime)
	assert.Equal(t, "edited", got.Text)

	_, err = repo.Update(ctx, "post_missing", JobUpdate{Text: strPtr("x")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdatePendingGuard(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	saved, err := repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook, Text: "editable"})
	require.NoError(t, err)

	got, err := repo.UpdatePending(ctx, saved.ID, JobUpdate{Text: strPtr("edited")})
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Text)

	// Once claimed for dispatch the guarded write must lose.
	ok, err := repo.Claim(ctx, saved.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = repo.UpdatePending(ctx, saved.ID, JobUpdate{Text: strPtr("too late")})
	assert.ErrorIs(t, err, domain.ErrNotPending)

	got, err = repo.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Text, "claimed job must be untouched")

	_, err = repo.UpdatePending(ctx, "post_missing", JobUpdate{Text: strPtr("x")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListDue(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-10 * time.Minute)
	earlier := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	late, err := repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook, ScheduleTime: &past})
	require.NoError(t, err)
	first, err := repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook, ScheduleTime: &earlier})
	require.NoError(t, err)
	_, err = repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook, ScheduleTime: &future})
	require.NoError(t, err)
	_, err = repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook}) // queued, no schedule
	require.NoError(t, err)

	due, err := repo.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first.ID, due[0].ID, "ordered by schedule time ascending")
	assert.Equal(t, late.ID, due[1].ID)
}

func TestClaimIsExclusive(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now()

	saved, err := repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook, Text: "once"})
	require.NoError(t, err)

	ok, err := repo.Claim(ctx, saved.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(ctx, saved.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	got, err := repo.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPosting, got.Status)

	ok, err = repo.Claim(ctx, "post_missing", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOldestQueuedAndDepth(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	depth, err := repo.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	_, err = repo.OldestQueued(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	first, err := repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook, Text: "first"})
	require.NoError(t, err)
	_, err = repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook, Text: "second"})
	require.NoError(t, err)

	// Scheduled and terminal posts never count as queued.
	when := time.Now().Add(time.Hour)
	_, err = repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook, ScheduleTime: &when})
	require.NoError(t, err)
	failed, err := repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook})
	require.NoError(t, err)
	_, err = repo.Update(ctx, failed.ID, JobUpdate{Status: statusPtr(domain.StatusFailed)})
	require.NoError(t, err)

	depth, err = repo.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	oldest, err := repo.OldestQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, oldest.ID)
}

func TestCountPostedSince(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	markPosted := func(at time.Time) {
		j, err := repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook})
		require.NoError(t, err)
		_, err = repo.Update(ctx, j.ID, JobUpdate{
			Status: statusPtr(domain.StatusPosted), PostedAt: &at,
		})
		require.NoError(t, err)
	}
	markPosted(midnight.Add(time.Hour))
	markPosted(midnight.Add(2 * time.Hour))
	markPosted(midnight.Add(-time.Hour)) // yesterday

	n, err := repo.CountPostedSince(ctx, midnight)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPurgeTerminalBefore(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteRepo(db)
	ctx := context.Background()

	old, err := repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook})
	require.NoError(t, err)
	_, err = repo.Update(ctx, old.ID, JobUpdate{Status: statusPtr(domain.StatusFailed)})
	require.NoError(t, err)
	// Age the row past the cutoff by hand.
	stale := time.Now().Add(-40 * 24 * time.Hour).Unix()
	_, err = db.ExecContext(ctx, `UPDATE posts SET updated_at=? WHERE id=?`, stale, old.ID)
	require.NoError(t, err)

	fresh, err := repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook})
	require.NoError(t, err)
	_, err = repo.Update(ctx, fresh.ID, JobUpdate{Status: statusPtr(domain.StatusPosted)})
	require.NoError(t, err)

	pending, err := repo.Save(ctx, domain.Job{Platform: domain.PlatformWebhook})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE posts SET updated_at=? WHERE id=?`, stale, pending.ID)
	require.NoError(t, err)

	n, err := repo.PurgeTerminalBefore(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(ctx, old.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.Get(ctx, pending.ID)
	assert.NoError(t, err, "pending posts are never purged, however old")
	_, err = repo.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestPolicyDefaultSaveReset(t *testing.T) {
	db := openTestDB(t)
	policies := NewSQLitePolicyRepo(db)
	ctx := context.Background()

	got, err := policies.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultPolicy(), got, "empty table yields the default")

	custom := domain.DefaultPolicy()
	custom.Enabled = true
	custom.IntervalMinutes = 90
	custom.AllowedHours = domain.HourRange{Start: 8, End: 18}
	custom.AllowedWeekdays = []time.Weekday{time.Monday, time.Wednesday}
	custom.JitterEnabled = true
	custom.JitterMinutes = 5
	require.NoError(t, policies.Save(ctx, custom))

	got, err = policies.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, custom, got)

	// Saving again overwrites the single row.
	custom.IntervalMinutes = 45
	require.NoError(t, policies.Save(ctx, custom))
	got, err = policies.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45, got.IntervalMinutes)

	require.NoError(t, policies.Reset(ctx))
	got, err = policies.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultPolicy(), got)
}

func TestWeekdayRoundTrip(t *testing.T) {
	days := []time.Weekday{time.Sunday, time.Wednesday, time.Saturday}
	assert.Equal(t, "0,3,6", formatWeekdays(days))
	assert.Equal(t, days, parseWeekdays("0,3,6"))
	assert.Nil(t, parseWeekdays(""))
}
