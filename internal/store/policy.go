package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"postflow/internal/domain"
)

// PolicyRepository holds the single current queue policy. Get returns the
// documented default until a policy has been saved.
type PolicyRepository interface {
	Get(ctx context.Context) (domain.Policy, error)
	Save(ctx context.Context, p domain.Policy) error
	Reset(ctx context.Context) error
}

type sqlitePolicyRepo struct{ db *sql.DB }

func NewSQLitePolicyRepo(db *sql.DB) PolicyRepository { return &sqlitePolicyRepo{db: db} }

func (r *sqlitePolicyRepo) Get(ctx context.Context) (domain.Policy, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT enabled,interval_minutes,hour_start,hour_end,weekdays,max_per_day,
       jitter_enabled,jitter_minutes,pause_when_low,min_queue_depth
FROM queue_policy WHERE id=1`)

	var (
		p        domain.Policy
		weekdays string
	)
	err := row.Scan(&p.Enabled, &p.IntervalMinutes, &p.AllowedHours.Start, &p.AllowedHours.End,
		&weekdays, &p.MaxPerDay, &p.JitterEnabled, &p.JitterMinutes, &p.PauseWhenLow, &p.MinQueueDepth)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultPolicy(), nil
	}
	if err != nil {
		return domain.Policy{}, storageErr("policy_get", err)
	}
	p.AllowedWeekdays = parseWeekdays(weekdays)
	return p, nil
}

func (r *sqlitePolicyRepo) Save(ctx context.Context, p domain.Policy) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO queue_policy (id,enabled,interval_minutes,hour_start,hour_end,weekdays,max_per_day,
                          jitter_enabled,jitter_minutes,pause_when_low,min_queue_depth,updated_at)
VALUES (1,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  enabled=excluded.enabled,
  interval_minutes=excluded.interval_minutes,
  hour_start=excluded.hour_start,
  hour_end=excluded.hour_end,
  weekdays=excluded.weekdays,
  max_per_day=excluded.max_per_day,
  jitter_enabled=excluded.jitter_enabled,
  jitter_minutes=excluded.jitter_minutes,
  pause_when_low=excluded.pause_when_low,
  min_queue_depth=excluded.min_queue_depth,
  updated_at=excluded.updated_at
`, p.Enabled, p.IntervalMinutes, p.AllowedHours.Start, p.AllowedHours.End,
		formatWeekdays(p.AllowedWeekdays), p.MaxPerDay,
		p.JitterEnabled, p.JitterMinutes, p.PauseWhenLow, p.MinQueueDepth, time.Now().Unix())
	if err != nil {
		return storageErr("policy_save", err)
	}
	return nil
}

func (r *sqlitePolicyRepo) Reset(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM queue_policy WHERE id=1`); err != nil {
		return storageErr("policy_reset", err)
	}
	return nil
}

// Weekdays persist as a comma-separated list of ints, Sunday=0.
// Out-of-range values round-trip untouched; they simply never match.
func formatWeekdays(days []time.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(int(d)))
	}
	return strings.Join(parts, ",")
}

func parseWeekdays(s string) []time.Weekday {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		days = append(days, time.Weekday(n))
	}
	return days
}
