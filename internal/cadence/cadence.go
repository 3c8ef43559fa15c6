// Package cadence computes when the recurring auto-posting timer should
// fire next, given the queue policy and how many posts already went out
// today. The computation is pure; randomness for jitter is injected.
package cadence

import (
	"math/rand"
	"time"

	"postflow/internal/domain"
)

// Jitter returns a random offset in [-n, +n] minutes.
type Jitter func(n int) int

// RandomJitter draws from math/rand.
func RandomJitter(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.Intn(2*n+1) - n
}

// NextDueTime returns the next instant a recurring post may fire, or
// ok=false when the policy can never match (no allowed weekday within the
// next 7 days). The result is strictly after now.
func NextDueTime(p domain.Policy, postsToday int, now time.Time, jitter Jitter) (time.Time, bool) {
	start := p.AllowedHours.Start
	end := p.AllowedHours.End

	// A non-positive interval would stall the calculation at now; treat it
	// as the smallest representable cadence.
	step := time.Duration(p.IntervalMinutes) * time.Minute
	if step <= 0 {
		step = time.Minute
	}

	// Daily cap reached: resume on the next allowed day at window start.
	if p.MaxPerDay > 0 && postsToday >= p.MaxPerDay {
		return rollForward(p, now, start)
	}

	// Today's weekday not allowed: first allowed day at window start.
	if !p.WeekdayAllowed(now.Weekday()) {
		return rollForward(p, now, start)
	}

	var candidate time.Time
	switch h := now.Hour(); {
	case h < start:
		candidate = dayAt(now, 0, start)
	case h >= end:
		next, ok := rollForward(p, now, start)
		if !ok {
			return time.Time{}, false
		}
		candidate = next
	default:
		candidate = now.Add(step)
		if candidate.Hour() >= end {
			next, ok := rollForward(p, now, start)
			if !ok {
				return time.Time{}, false
			}
			candidate = next
		}
	}

	if p.JitterEnabled && p.JitterMinutes > 0 {
		if jitter == nil {
			jitter = RandomJitter
		}
		candidate = candidate.Add(time.Duration(jitter(p.JitterMinutes)) * time.Minute)
		switch h := candidate.Hour(); {
		case h < start:
			candidate = dayAt(candidate, 0, start)
		case h >= end:
			// Last representable instant inside [start, end), minute
			// granularity.
			candidate = dayAt(candidate, 0, end).Add(-time.Minute)
		}
	}

	// Never hand back a non-future instant: fall back to a plain interval
	// step with the end-of-window rollover re-applied.
	if !candidate.After(now) {
		candidate = now.Add(step)
		if candidate.Hour() >= end {
			return rollForward(p, now, start)
		}
	}
	return candidate, true
}

// rollForward returns the next allowed day strictly after t's day, at the
// window start hour. ok=false when no weekday within the next 7 days is
// allowed (self-contradictory policy).
func rollForward(p domain.Policy, t time.Time, startHour int) (time.Time, bool) {
	for d := 1; d <= 7; d++ {
		candidate := dayAt(t, d, startHour)
		if p.WeekdayAllowed(candidate.Weekday()) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// DispatchAllowed is the recurring-fire gate: every policy constraint that
// must hold right now for an unscheduled pending job to be auto-posted.
func DispatchAllowed(p domain.Policy, postsToday, queueDepth int, now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if !p.AllowedHours.Contains(now.Hour()) {
		return false
	}
	if !p.WeekdayAllowed(now.Weekday()) {
		return false
	}
	if p.MaxPerDay > 0 && postsToday >= p.MaxPerDay {
		return false
	}
	if p.PauseWhenLow && queueDepth < p.MinQueueDepth {
		return false
	}
	return true
}

// StartOfDay returns local midnight of t's day.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func dayAt(t time.Time, daysAhead, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+daysAhead, hour, 0, 0, 0, t.Location())
}
