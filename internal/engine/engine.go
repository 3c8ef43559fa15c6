// Package engine owns the dispatch lifecycle of post jobs: the recurring
// cadence timer, per-job one-shot timers, startup reconciliation and the
// exclusive-claim protocol that keeps a job from being published twice when
// several triggers observe it at once.
package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"postflow/internal/cadence"
	"postflow/internal/dispatch"
	"postflow/internal/domain"
	"postflow/internal/store"
	"postflow/internal/timer"
)

const (
	recurringTimerID = "recurring"
	jobTimerPrefix   = "job:"

	// pause between writing the posting claim and the confirming re-read
	claimYield = 10 * time.Millisecond

	retryDelay = time.Minute
)

func jobTimerID(id string) string { return jobTimerPrefix + id }

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	// RetentionDays prunes terminal jobs older than this many days in the
	// hourly maintenance sweep; 0 disables pruning.
	RetentionDays int
	// Backoff is the wait table for transport retries. Its length bounds
	// the attempts (len+1 dispatch calls total).
	Backoff []time.Duration
}

var defaultBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

type Engine struct {
	repo       store.Repository
	policies   store.PolicyRepository
	timers     *timer.Service
	dispatcher *dispatch.Dispatcher
	cfg        Config
	jitter     cadence.Jitter

	cron *cron.Cron

	ctxMu  sync.Mutex
	runCtx context.Context

	// inflight is a fast-path guard only; the store-level claim is the
	// authoritative mutex.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func New(repo store.Repository, policies store.PolicyRepository, timers *timer.Service, dispatcher *dispatch.Dispatcher, cfg Config) *Engine {
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Engine{
		repo:       repo,
		policies:   policies,
		timers:     timers,
		dispatcher: dispatcher,
		cfg:        cfg,
		jitter:     cadence.RandomJitter,
		inflight:   map[string]struct{}{},
	}
}

// Start reconciles persisted state against live timers, arms the one-shot
// timers for future scheduled posts, arms the recurring cadence timer, and
// kicks off the maintenance sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.ctxMu.Lock()
	e.runCtx = ctx
	e.ctxMu.Unlock()

	if err := e.reconcile(ctx); err != nil {
		return err
	}
	e.RearmRecurring(ctx)

	if e.cfg.RetentionDays > 0 {
		e.cron = cron.New()
		if _, err := e.cron.AddFunc("@hourly", e.sweep); err != nil {
			return err
		}
		e.cron.Start()
	}
	return nil
}

func (e *Engine) Stop() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.timers.StopAll()
	log.Info().Msg("engine stopped")
}

// reconcile handles jobs whose moment came and went while the process was
// down. A missed scheduled post is marked failed, never silently posted
// late; a job caught mid-dispatch by the crash has an unknown outcome and
// is failed for the same reason.
func (e *Engine) reconcile(ctx context.Context) error {
	now := time.Now()

	due, err := e.repo.ListDue(ctx, now)
	if err != nil {
		return err
	}
	for _, j := range due {
		if e.timers.Exists(jobTimerID(j.ID)) {
			continue
		}
		reason := "missed while offline"
		st := domain.StatusFailed
		if _, err := e.repo.Update(ctx, j.ID, store.JobUpdate{Status: &st, LastError: &reason}); err != nil {
			log.Error().Err(err).Str("post_id", j.ID).Msg("failed to mark missed post")
			continue
		}
		log.Warn().Str("post_id", j.ID).Time("was_due", *j.ScheduleTime).Msg("scheduled post missed while offline, marked failed")
	}

	interrupted, err := e.repo.ListByStatus(ctx, domain.StatusPosting)
	if err != nil {
		return err
	}
	for _, j := range interrupted {
		reason := "dispatch interrupted by restart"
		st := domain.StatusFailed
		if _, err := e.repo.Update(ctx, j.ID, store.JobUpdate{Status: &st, LastError: &reason}); err != nil {
			log.Error().Err(err).Str("post_id", j.ID).Msg("failed to mark interrupted post")
		}
	}

	pending, err := e.repo.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		return err
	}
	armed := 0
	for _, j := range pending {
		if j.ScheduleTime == nil || !j.ScheduleTime.After(now) {
			continue
		}
		e.armJobTimer(j.ID, *j.ScheduleTime)
		armed++
	}
	log.Info().Int("missed", len(due)).Int("interrupted", len(interrupted)).Int("armed", armed).Msg("startup reconciliation done")
	return nil
}

// ScheduleJob arms (or re-arms) the one-shot timer for an explicitly
// scheduled job. Jobs without a schedule time belong to the recurring
// cadence and get no timer.
func (e *Engine) ScheduleJob(j domain.Job) {
	if j.ScheduleTime == nil {
		return
	}
	e.armJobTimer(j.ID, *j.ScheduleTime)
}

func (e *Engine) armJobTimer(id string, at time.Time) {
	e.timers.Schedule(jobTimerID(id), at, func() {
		defer e.recoverTrigger("one-shot")
		e.processJob(e.ctx(), id, "one-shot")
	})
}

// CancelJobTimer drops the one-shot timer for a job whose explicit
// schedule was removed; the recurring cadence owns it from then on.
func (e *Engine) CancelJobTimer(id string) {
	e.timers.Cancel(jobTimerID(id))
}

// DeleteJob removes the job and cancels its timer. Cancellation makes a
// later forced fire for that id a no-op.
func (e *Engine) DeleteJob(ctx context.Context, id string) error {
	if err := e.repo.Delete(ctx, id); err != nil {
		return err
	}
	e.timers.Cancel(jobTimerID(id))
	return nil
}

// RetryJob revives a failed job: back to pending with a fresh schedule time
// shortly in the future, timer armed.
func (e *Engine) RetryJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := e.repo.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status != domain.StatusFailed {
		return domain.Job{}, errors.New("only failed posts can be retried")
	}
	st := domain.StatusPending
	at := time.Now().Add(retryDelay)
	clear := ""
	j, err = e.repo.Update(ctx, id, store.JobUpdate{Status: &st, ScheduleTime: &at, LastError: &clear})
	if err != nil {
		return domain.Job{}, err
	}
	e.armJobTimer(id, at)
	return j, nil
}

// PolicyChanged re-evaluates the recurring timer after a policy save,
// reset, or config reload.
func (e *Engine) PolicyChanged() {
	e.RearmRecurring(e.ctx())
}

// RearmRecurring recomputes the next cadence instant and arms the recurring
// timer, or cancels it when autoposting is off or the policy can never
// match.
func (e *Engine) RearmRecurring(ctx context.Context) {
	policy, err := e.policies.Get(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load policy, recurring timer unchanged")
		return
	}
	if !policy.Enabled {
		if e.timers.Cancel(recurringTimerID) {
			log.Info().Msg("autoposting disabled, recurring timer canceled")
		}
		return
	}

	now := time.Now()
	postsToday, err := e.repo.CountPostedSince(ctx, cadence.StartOfDay(now))
	if err != nil {
		log.Error().Err(err).Msg("failed to count today's posts, recurring timer unchanged")
		return
	}
	next, ok := cadence.NextDueTime(policy, postsToday, now, e.jitter)
	if !ok {
		e.timers.Cancel(recurringTimerID)
		log.Warn().Msg("policy allows no weekday, recurring timer not armed")
		return
	}
	e.timers.Schedule(recurringTimerID, next, func() {
		defer e.recoverTrigger("recurring")
		e.onRecurringFire()
	})
	log.Info().Time("next", next).Int("posted_today", postsToday).Msg("recurring timer armed")
}

// onRecurringFire runs one cadence cycle: check the policy gate, pick the
// oldest unscheduled pending job, dispatch it, and re-arm. The re-arm
// happens regardless of outcome so one bad cycle cannot stall the cadence.
func (e *Engine) onRecurringFire() {
	ctx := e.ctx()
	defer e.RearmRecurring(ctx)

	policy, err := e.policies.Get(ctx)
	if err != nil {
		log.Error().Err(err).Msg("recurring fire: failed to load policy")
		return
	}
	now := time.Now()
	postsToday, err := e.repo.CountPostedSince(ctx, cadence.StartOfDay(now))
	if err != nil {
		log.Error().Err(err).Msg("recurring fire: failed to count today's posts")
		return
	}
	depth, err := e.repo.QueueDepth(ctx)
	if err != nil {
		log.Error().Err(err).Msg("recurring fire: failed to read queue depth")
		return
	}
	if !cadence.DispatchAllowed(policy, postsToday, depth, now) {
		log.Debug().Int("posted_today", postsToday).Int("queue_depth", depth).Msg("recurring fire: gate closed, no job touched")
		return
	}

	j, err := e.repo.OldestQueued(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		log.Debug().Msg("recurring fire: queue empty")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("recurring fire: failed to pick job")
		return
	}
	e.processJob(ctx, j.ID, "recurring")
}

// processJob runs the exclusive-claim protocol and, on success, the
// dispatch. Every early return without dispatching means another handler
// owns the job or the job is gone; neither is an error.
func (e *Engine) processJob(ctx context.Context, id, trigger string) {
	if !e.markInflight(id) {
		log.Debug().Str("post_id", id).Str("trigger", trigger).Msg("already processing, skipped")
		return
	}
	defer e.clearInflight(id)

	j, err := e.repo.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("post_id", id).Msg("claim aborted: read failed")
		return
	}
	if j.Status != domain.StatusPending {
		return
	}

	claimed, err := e.repo.Claim(ctx, id, time.Now())
	if err != nil {
		log.Error().Err(err).Str("post_id", id).Msg("claim aborted: write failed")
		return
	}
	if !claimed {
		return
	}

	// Confirm nobody raced the claim (deleted or force-edited the row)
	// before committing to the dispatch.
	time.Sleep(claimYield)
	j, err = e.repo.Get(ctx, id)
	if err != nil || j.Status != domain.StatusPosting {
		return
	}

	log.Info().Str("post_id", id).Str("platform", string(j.Platform)).Str("trigger", trigger).Msg("dispatching post")
	dispatchErr := e.dispatchWithRetry(ctx, j)
	e.finalize(ctx, j, dispatchErr)
}

// dispatchWithRetry retries transport failures along the backoff table.
// Publisher rejections are final on the first occurrence.
func (e *Engine) dispatchWithRetry(ctx context.Context, j domain.Job) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		err := e.dispatcher.Dispatch(ctx, j)
		if err == nil {
			return nil
		}
		var rejected *domain.RejectedError
		if errors.As(err, &rejected) {
			return err
		}
		lastErr = err
		if attempt >= len(e.cfg.Backoff) {
			return lastErr
		}
		wait := e.cfg.Backoff[attempt]
		log.Warn().Err(err).Str("post_id", j.ID).Int("attempt", attempt+1).Dur("backoff", wait).Msg("transport failure, retrying")
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(wait):
		}
	}
}

func (e *Engine) finalize(ctx context.Context, j domain.Job, dispatchErr error) {
	if dispatchErr == nil {
		st := domain.StatusPosted
		now := time.Now()
		clear := ""
		if _, err := e.repo.Update(ctx, j.ID, store.JobUpdate{Status: &st, PostedAt: &now, LastError: &clear}); err != nil {
			log.Error().Err(err).Str("post_id", j.ID).Msg("published but failed to record posted status")
		}
		log.Info().Str("post_id", j.ID).Str("platform", string(j.Platform)).Msg("post published")
		return
	}

	st := domain.StatusFailed
	reason := dispatchErr.Error()
	if _, err := e.repo.Update(ctx, j.ID, store.JobUpdate{Status: &st, LastError: &reason}); err != nil {
		log.Error().Err(err).Str("post_id", j.ID).Msg("failed to record failed status")
	}
	log.Warn().Err(dispatchErr).Str("post_id", j.ID).Msg("post failed")
}

// sweep purges terminal jobs older than the retention window.
func (e *Engine) sweep() {
	defer e.recoverTrigger("sweep")
	ctx := e.ctx()
	cutoff := time.Now().AddDate(0, 0, -e.cfg.RetentionDays)
	n, err := e.repo.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("purged", n).Time("cutoff", cutoff).Msg("retention sweep purged terminal posts")
	}
}

// Statistics derives the queue statistics from the store and policy.
func (e *Engine) Statistics(ctx context.Context) (domain.Statistics, error) {
	policy, err := e.policies.Get(ctx)
	if err != nil {
		return domain.Statistics{}, err
	}
	depth, err := e.repo.QueueDepth(ctx)
	if err != nil {
		return domain.Statistics{}, err
	}
	now := time.Now()
	postsToday, err := e.repo.CountPostedSince(ctx, cadence.StartOfDay(now))
	if err != nil {
		return domain.Statistics{}, err
	}

	stats := domain.Statistics{
		QueueDepth:  depth,
		PostedToday: postsToday,
		Active:      policy.Enabled && e.timers.Exists(recurringTimerID),
	}
	if at, ok := e.timers.When(recurringTimerID); ok {
		stats.NextDueTime = &at
		stats.TimeUntilNext = at.Sub(now)
	}
	return stats, nil
}

func (e *Engine) markInflight(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) clearInflight(id string) {
	e.inflightMu.Lock()
	delete(e.inflight, id)
	e.inflightMu.Unlock()
}

func (e *Engine) ctx() context.Context {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// recoverTrigger keeps a panicking trigger handler from taking the process
// down; the next timer fire must still happen.
func (e *Engine) recoverTrigger(trigger string) {
	if r := recover(); r != nil {
		log.Error().Str("trigger", trigger).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("panic in trigger handler")
	}
}
