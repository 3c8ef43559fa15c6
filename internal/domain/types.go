package domain

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusPosting Status = "posting"
	StatusPosted  Status = "posted"
	StatusFailed  Status = "failed"
)

// Terminal reports whether a job in this status can no longer be dispatched.
func (s Status) Terminal() bool { return s == StatusPosted || s == StatusFailed }

type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformBluesky  Platform = "bluesky"
	PlatformWebhook  Platform = "webhook"
)

func ValidPlatform(p Platform) bool {
	switch p {
	case PlatformTelegram, PlatformBluesky, PlatformWebhook:
		return true
	}
	return false
}

// Job is a single outbound post awaiting publication.
type Job struct {
	ID                string
	Platform          Platform
	Text              string
	MediaRef          string // opaque reference to a binary payload
	TextRef           string
	Caption           string
	Tags              []string
	Visibility        string
	ScheduleTime      *time.Time // nil: eligible for recurring auto-dispatch
	Status            Status
	LastError         string
	CloseAfterPublish bool
	PostedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Due reports whether the job's explicit schedule time has passed while it
// is still pending.
func (j Job) Due(now time.Time) bool {
	return j.Status == StatusPending && j.ScheduleTime != nil && !j.ScheduleTime.After(now)
}

// HourRange is a half-open [Start, End) window of hours, 0-23.
type HourRange struct {
	Start int
	End   int
}

func (r HourRange) Contains(hour int) bool { return hour >= r.Start && hour < r.End }

// Policy is the recurring-cadence configuration. There is a single current
// policy; saves replace it wholesale.
type Policy struct {
	Enabled         bool
	IntervalMinutes int
	AllowedHours    HourRange
	AllowedWeekdays []time.Weekday // Sunday=0
	MaxPerDay       int
	JitterEnabled   bool
	JitterMinutes   int
	PauseWhenLow    bool
	MinQueueDepth   int
}

func (p Policy) WeekdayAllowed(d time.Weekday) bool {
	for _, w := range p.AllowedWeekdays {
		if w == d {
			return true
		}
	}
	return false
}

// DefaultPolicy is the documented default, returned before any save.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:         false,
		IntervalMinutes: 60,
		AllowedHours:    HourRange{Start: 9, End: 21},
		AllowedWeekdays: []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
		MaxPerDay:       10,
		JitterEnabled:   false,
		JitterMinutes:   10,
		PauseWhenLow:    false,
		MinQueueDepth:   3,
	}
}

// Statistics is derived from the current policy and store contents.
type Statistics struct {
	QueueDepth    int
	PostedToday   int
	NextDueTime   *time.Time
	Active        bool
	TimeUntilNext time.Duration
}
