package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"postflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS posts (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  text TEXT NOT NULL DEFAULT '',
  media_ref TEXT NOT NULL DEFAULT '',
  text_ref TEXT NOT NULL DEFAULT '',
  caption TEXT NOT NULL DEFAULT '',
  tags TEXT NOT NULL DEFAULT '[]',
  visibility TEXT NOT NULL DEFAULT '',
  schedule_time INTEGER,
  status TEXT NOT NULL CHECK(status IN ('pending','posting','posted','failed')) DEFAULT 'pending',
  last_error TEXT NOT NULL DEFAULT '',
  close_after_publish INTEGER NOT NULL DEFAULT 0,
  posted_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_status ON posts(status);
CREATE INDEX IF NOT EXISTS idx_posts_due ON posts(status, schedule_time);
CREATE TABLE IF NOT EXISTS queue_policy (
  id INTEGER PRIMARY KEY CHECK(id = 1),
  enabled INTEGER NOT NULL,
  interval_minutes INTEGER NOT NULL,
  hour_start INTEGER NOT NULL,
  hour_end INTEGER NOT NULL,
  weekdays TEXT NOT NULL,
  max_per_day INTEGER NOT NULL,
  jitter_enabled INTEGER NOT NULL,
  jitter_minutes INTEGER NOT NULL,
  pause_when_low INTEGER NOT NULL,
  min_queue_depth INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// JobUpdate carries the fields of a partial update. Nil pointers leave the
// column untouched. updated_at is always refreshed.
type JobUpdate struct {
	Text              *string
	MediaRef          *string
	TextRef           *string
	Caption           *string
	Tags              *[]string
	Visibility        *string
	ScheduleTime      *time.Time
	ClearSchedule     bool
	Status            *domain.Status
	LastError         *string
	CloseAfterPublish *bool
	PostedAt          *time.Time
}

type Repository interface {
	Save(ctx context.Context, j domain.Job) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	ListAll(ctx context.Context) ([]domain.Job, error)
	ListByStatus(ctx context.Context, st domain.Status) ([]domain.Job, error)
	// ListDue returns pending jobs whose explicit schedule time is <= now.
	ListDue(ctx context.Context, now time.Time) ([]domain.Job, error)
	Update(ctx context.Context, id string, u JobUpdate) (domain.Job, error)
	// UpdatePending applies u only while the job is still pending, so an
	// edit cannot land on a job another handler has claimed. A job in any
	// other status comes back as ErrNotPending.
	UpdatePending(ctx context.Context, id string, u JobUpdate) (domain.Job, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error

	// Claim atomically moves a pending job to posting. It reports false when
	// the job was no longer pending (or absent); another handler owns it.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// OldestQueued returns the oldest pending job with no schedule time.
	OldestQueued(ctx context.Context) (domain.Job, error)
	QueueDepth(ctx context.Context) (int, error)
	CountPostedSince(ctx context.Context, since time.Time) (int, error)
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func storageErr(op string, err error) error { return &domain.StorageError{Op: op, Err: err} }

const jobCols = `id,platform,text,media_ref,text_ref,caption,tags,visibility,schedule_time,status,last_error,close_after_publish,posted_at,created_at,updated_at`

func (r *sqliteRepo) Save(ctx context.Context, j domain.Job) (domain.Job, error) {
	if j.ID == "" {
		j.ID = "post_" + uuid.NewString()
	}
	if j.Status == "" {
		j.Status = domain.StatusPending
	}
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now

	tags, err := json.Marshal(j.Tags)
	if err != nil {
		return domain.Job{}, storageErr("save", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO posts (`+jobCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, j.ID, string(j.Platform), j.Text, j.MediaRef, j.TextRef, j.Caption, string(tags), j.Visibility,
		unixPtr(j.ScheduleTime), string(j.Status), j.LastError, j.CloseAfterPublish,
		unixPtr(j.PostedAt), now.Unix(), now.Unix())
	if err != nil {
		return domain.Job{}, storageErr("save", err)
	}
	return j, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM posts WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, storageErr("get", err)
	}
	return j, nil
}

func (r *sqliteRepo) ListAll(ctx context.Context) ([]domain.Job, error) {
	return r.list(ctx, `SELECT `+jobCols+` FROM posts ORDER BY created_at ASC, id ASC`)
}

func (r *sqliteRepo) ListByStatus(ctx context.Context, st domain.Status) ([]domain.Job, error) {
	return r.list(ctx, `SELECT `+jobCols+` FROM posts WHERE status=? ORDER BY created_at ASC, id ASC`, string(st))
}

func (r *sqliteRepo) ListDue(ctx context.Context, now time.Time) ([]domain.Job, error) {
	return r.list(ctx, `
SELECT `+jobCols+` FROM posts
WHERE status='pending' AND schedule_time IS NOT NULL AND schedule_time <= ?
ORDER BY schedule_time ASC, id ASC`, now.Unix())
}

func (r *sqliteRepo) list(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("list", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return jobs, nil
}

func (r *sqliteRepo) Update(ctx context.Context, id string, u JobUpdate) (domain.Job, error) {
	return r.applyUpdate(ctx, id, u, false)
}

func (r *sqliteRepo) UpdatePending(ctx context.Context, id string, u JobUpdate) (domain.Job, error) {
	return r.applyUpdate(ctx, id, u, true)
}

func (r *sqliteRepo) applyUpdate(ctx context.Context, id string, u JobUpdate, pendingOnly bool) (domain.Job, error) {
	set := "updated_at=?"
	args := []any{time.Now().Unix()}
	add := func(col string, v any) {
		set += ", " + col + "=?"
		args = append(args, v)
	}
	if u.Text != nil {
		add("text", *u.Text)
	}
	if u.MediaRef != nil {
		add("media_ref", *u.MediaRef)
	}
	if u.TextRef != nil {
		add("text_ref", *u.TextRef)
	}
	if u.Caption != nil {
		add("caption", *u.Caption)
	}
	if u.Tags != nil {
		b, err := json.Marshal(*u.Tags)
		if err != nil {
			return domain.Job{}, storageErr("update", err)
		}
		add("tags", string(b))
	}
	if u.Visibility != nil {
		add("visibility", *u.Visibility)
	}
	if u.ClearSchedule {
		add("schedule_time", nil)
	} else if u.ScheduleTime != nil {
		add("schedule_time", u.ScheduleTime.Unix())
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.LastError != nil {
		add("last_error", *u.LastError)
	}
	if u.CloseAfterPublish != nil {
		add("close_after_publish", *u.CloseAfterPublish)
	}
	if u.PostedAt != nil {
		add("posted_at", u.PostedAt.Unix())
	}

	args = append(args, id)
	q := `UPDATE posts SET ` + set + ` WHERE id=?`
	if pendingOnly {
		q += ` AND status='pending'`
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return domain.Job{}, storageErr("update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if pendingOnly {
			if _, err := r.Get(ctx, id); err == nil {
				return domain.Job{}, domain.ErrNotPending
			}
		}
		return domain.Job{}, domain.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id=?`, id)
	if err != nil {
		return storageErr("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM posts`); err != nil {
		return storageErr("clear", err)
	}
	return nil
}

func (r *sqliteRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE posts SET status='posting', updated_at=? WHERE id=? AND status='pending'`,
		now.Unix(), id)
	if err != nil {
		return false, storageErr("claim", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sqliteRepo) OldestQueued(ctx context.Context) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+jobCols+` FROM posts
WHERE status='pending' AND schedule_time IS NULL
ORDER BY created_at ASC, id ASC
LIMIT 1`)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, storageErr("oldest_queued", err)
	}
	return j, nil
}

func (r *sqliteRepo) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts WHERE status='pending' AND schedule_time IS NULL`).Scan(&n)
	if err != nil {
		return 0, storageErr("queue_depth", err)
	}
	return n, nil
}

func (r *sqliteRepo) CountPostedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts WHERE status='posted' AND posted_at IS NOT NULL AND posted_at >= ?`,
		since.Unix()).Scan(&n)
	if err != nil {
		return 0, storageErr("count_posted", err)
	}
	return n, nil
}

func (r *sqliteRepo) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM posts WHERE status IN ('posted','failed') AND updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, storageErr("purge", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j         domain.Job
		platform  string
		status    string
		tags      string
		schedule  sql.NullInt64
		postedAt  sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&j.ID, &platform, &j.Text, &j.MediaRef, &j.TextRef, &j.Caption, &tags,
		&j.Visibility, &schedule, &status, &j.LastError, &j.CloseAfterPublish,
		&postedAt, &createdAt, &updatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Platform = domain.Platform(platform)
	j.Status = domain.Status(status)
	if err := json.Unmarshal([]byte(tags), &j.Tags); err != nil {
		j.Tags = nil
	}
	if schedule.Valid {
		t := time.Unix(schedule.Int64, 0)
		j.ScheduleTime = &t
	}
	if postedAt.Valid {
		t := time.Unix(postedAt.Int64, 0)
		j.PostedAt = &t
	}
	j.CreatedAt = time.Unix(createdAt, 0)
	j.UpdatedAt = time.Unix(updatedAt, 0)
	return j, nil
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
