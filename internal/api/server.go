package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postflow/internal/domain"
	"postflow/internal/engine"
	"postflow/internal/store"
)

type Server struct {
	r        *chi.Mux
	repo     store.Repository
	policies store.PolicyRepository
	engine   *engine.Engine
}

func NewServer(repo store.Repository, policies store.PolicyRepository, eng *engine.Engine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, policies: policies, engine: eng}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/posts", s.createPost)
	r.Get("/api/posts", s.listPosts)
	r.Get("/api/posts/{id}", s.getPost)
	r.Patch("/api/posts/{id}", s.updatePost)
	r.Delete("/api/posts/{id}", s.deletePost)
	r.Post("/api/posts/{id}/retry", s.retryPost)

	r.Get("/api/queue/policy", s.getPolicy)
	r.Put("/api/queue/policy", s.savePolicy)
	r.Post("/api/queue/policy/reset", s.resetPolicy)
	r.Get("/api/queue/stats", s.stats)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("postflow_up 1\n"))
}

type postReq struct {
	Platform          string   `json:"platform"`
	Text              string   `json:"text"`
	MediaRef          string   `json:"media_ref"`
	TextRef           string   `json:"text_ref"`
	Caption           string   `json:"caption"`
	Tags              []string `json:"tags"`
	Visibility        string   `json:"visibility"`
	CloseAfterPublish bool     `json:"close_after_publish"`
	// ScheduleTime publishes at that instant; Queue waits for the
	// recurring cadence; neither publishes as soon as possible.
	ScheduleTime *time.Time `json:"schedule_time"`
	Queue        bool       `json:"queue"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req postReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	platform := domain.Platform(req.Platform)
	if !domain.ValidPlatform(platform) {
		http.Error(w, "unknown platform", 400)
		return
	}
	if req.Text == "" && req.MediaRef == "" && req.TextRef == "" {
		http.Error(w, "post has no content", 400)
		return
	}
	if req.ScheduleTime != nil && req.Queue {
		http.Error(w, "schedule_time and queue are mutually exclusive", 400)
		return
	}

	job := domain.Job{
		Platform:          platform,
		Text:              req.Text,
		MediaRef:          req.MediaRef,
		TextRef:           req.TextRef,
		Caption:           req.Caption,
		Tags:              req.Tags,
		Visibility:        req.Visibility,
		CloseAfterPublish: req.CloseAfterPublish,
		Status:            domain.StatusPending,
	}
	switch {
	case req.ScheduleTime != nil:
		job.ScheduleTime = req.ScheduleTime
	case req.Queue:
		// no schedule time: recurring cadence picks it up
	default:
		now := time.Now()
		job.ScheduleTime = &now
	}

	job, err := s.repo.Save(r.Context(), job)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.engine.ScheduleJob(job)
	writeJSON(w, http.StatusCreated, jobView(job))
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []domain.Job
		err  error
	)
	if st := r.URL.Query().Get("status"); st != "" {
		jobs, err = s.repo.ListByStatus(r.Context(), domain.Status(st))
	} else {
		jobs, err = s.repo.ListAll(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, jobView(j))
}

type postPatch struct {
	Text          *string    `json:"text"`
	MediaRef      *string    `json:"media_ref"`
	TextRef       *string    `json:"text_ref"`
	Caption       *string    `json:"caption"`
	Tags          *[]string  `json:"tags"`
	Visibility    *string    `json:"visibility"`
	ScheduleTime  *time.Time `json:"schedule_time"`
	ClearSchedule bool       `json:"clear_schedule"`
}

func (s *Server) updatePost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if j.Status != domain.StatusPending {
		http.Error(w, "only pending posts can be edited", 409)
		return
	}

	var req postPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	// The write is guarded on status so a job claimed for dispatch between
	// the check above and here cannot be mutated mid-publish.
	j, err = s.repo.UpdatePending(r.Context(), id, store.JobUpdate{
		Text:          req.Text,
		MediaRef:      req.MediaRef,
		TextRef:       req.TextRef,
		Caption:       req.Caption,
		Tags:          req.Tags,
		Visibility:    req.Visibility,
		ScheduleTime:  req.ScheduleTime,
		ClearSchedule: req.ClearSchedule,
	})
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if errors.Is(err, domain.ErrNotPending) {
		http.Error(w, "only pending posts can be edited", 409)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	// A moved schedule re-arms the timer; a cleared one hands the job to
	// the recurring cadence.
	if req.ClearSchedule {
		s.engine.CancelJobTimer(id)
	} else if req.ScheduleTime != nil {
		s.engine.ScheduleJob(j)
	}
	writeJSON(w, 200, jobView(j))
}

func (s *Server) deletePost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.engine.DeleteJob(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.engine.RetryJob(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 409)
		return
	}
	writeJSON(w, 200, jobView(j))
}

type policyView struct {
	Enabled         bool     `json:"enabled"`
	IntervalMinutes int      `json:"interval_minutes"`
	HourStart       int      `json:"hour_start"`
	HourEnd         int      `json:"hour_end"`
	AllowedWeekdays []int    `json:"allowed_weekdays"`
	MaxPerDay       int      `json:"max_per_day"`
	JitterEnabled   bool     `json:"jitter_enabled"`
	JitterMinutes   int      `json:"jitter_minutes"`
	PauseWhenLow    bool     `json:"pause_when_low"`
	MinQueueDepth   int      `json:"min_queue_depth"`
}

type policyPatch struct {
	Enabled         *bool  `json:"enabled"`
	IntervalMinutes *int   `json:"interval_minutes"`
	HourStart       *int   `json:"hour_start"`
	HourEnd         *int   `json:"hour_end"`
	AllowedWeekdays *[]int `json:"allowed_weekdays"`
	MaxPerDay       *int   `json:"max_per_day"`
	JitterEnabled   *bool  `json:"jitter_enabled"`
	JitterMinutes   *int   `json:"jitter_minutes"`
	PauseWhenLow    *bool  `json:"pause_when_low"`
	MinQueueDepth   *int   `json:"min_queue_depth"`
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toPolicyView(p))
}

func (s *Server) savePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	// Merge semantics: fields absent from the request keep their current
	// value. Out-of-range hours/days are stored as-is; they simply never
	// match.
	p, err := s.policies.Get(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if req.IntervalMinutes != nil {
		p.IntervalMinutes = *req.IntervalMinutes
	}
	if req.HourStart != nil {
		p.AllowedHours.Start = *req.HourStart
	}
	if req.HourEnd != nil {
		p.AllowedHours.End = *req.HourEnd
	}
	if req.AllowedWeekdays != nil {
		days := make([]time.Weekday, 0, len(*req.AllowedWeekdays))
		for _, d := range *req.AllowedWeekdays {
			days = append(days, time.Weekday(d))
		}
		p.AllowedWeekdays = days
	}
	if req.MaxPerDay != nil {
		p.MaxPerDay = *req.MaxPerDay
	}
	if req.JitterEnabled != nil {
		p.JitterEnabled = *req.JitterEnabled
	}
	if req.JitterMinutes != nil {
		p.JitterMinutes = *req.JitterMinutes
	}
	if req.PauseWhenLow != nil {
		p.PauseWhenLow = *req.PauseWhenLow
	}
	if req.MinQueueDepth != nil {
		p.MinQueueDepth = *req.MinQueueDepth
	}

	if err := s.policies.Save(r.Context(), p); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.engine.PolicyChanged()
	writeJSON(w, 200, toPolicyView(p))
}

func (s *Server) resetPolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Reset(r.Context()); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.engine.PolicyChanged()
	writeJSON(w, 200, toPolicyView(domain.DefaultPolicy()))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Statistics(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := map[string]any{
		"queue_depth":  st.QueueDepth,
		"posted_today": st.PostedToday,
		"active":       st.Active,
	}
	if st.NextDueTime != nil {
		out["next_due_time"] = st.NextDueTime.Format(time.RFC3339)
		out["time_until_next_seconds"] = int(st.TimeUntilNext.Seconds())
	}
	writeJSON(w, 200, out)
}

func toPolicyView(p domain.Policy) policyView {
	days := make([]int, 0, len(p.AllowedWeekdays))
	for _, d := range p.AllowedWeekdays {
		days = append(days, int(d))
	}
	return policyView{
		Enabled:         p.Enabled,
		IntervalMinutes: p.IntervalMinutes,
		HourStart:       p.AllowedHours.Start,
		HourEnd:         p.AllowedHours.End,
		AllowedWeekdays: days,
		MaxPerDay:       p.MaxPerDay,
		JitterEnabled:   p.JitterEnabled,
		JitterMinutes:   p.JitterMinutes,
		PauseWhenLow:    p.PauseWhenLow,
		MinQueueDepth:   p.MinQueueDepth,
	}
}

func jobView(j domain.Job) map[string]any {
	out := map[string]any{
		"id":                  j.ID,
		"platform":            string(j.Platform),
		"text":                j.Text,
		"status":              string(j.Status),
		"close_after_publish": j.CloseAfterPublish,
		"created_at":          j.CreatedAt.Format(time.RFC3339),
		"updated_at":          j.UpdatedAt.Format(time.RFC3339),
	}
	if j.MediaRef != "" {
		out["media_ref"] = j.MediaRef
	}
	if j.TextRef != "" {
		out["text_ref"] = j.TextRef
	}
	if j.Caption != "" {
		out["caption"] = j.Caption
	}
	if len(j.Tags) > 0 {
		out["tags"] = j.Tags
	}
	if j.Visibility != "" {
		out["visibility"] = j.Visibility
	}
	if j.ScheduleTime != nil {
		out["schedule_time"] = j.ScheduleTime.Format(time.RFC3339)
	}
	if j.LastError != "" {
		out["last_error"] = j.LastError
	}
	if j.PostedAt != nil {
		out["posted_at"] = j.PostedAt.Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
