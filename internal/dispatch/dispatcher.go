package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postflow/internal/domain"
	"postflow/internal/publish"
)

const defaultTimeout = 30 * time.Second

// Dispatcher resolves the publisher for a job's platform, serializes the
// job into the publisher payload and maps the outcome. It performs no
// retries; that is the scheduler's call.
type Dispatcher struct {
	pubs     map[domain.Platform]publish.Publisher
	limiters map[domain.Platform]*rate.Limiter
	timeout  time.Duration
}

func New(pubs map[domain.Platform]publish.Publisher, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiters := make(map[domain.Platform]*rate.Limiter, len(pubs))
	for platform := range pubs {
		// Social APIs dislike bursts; one post per second with a small
		// burst is well under every platform's write limit.
		limiters[platform] = rate.NewLimiter(rate.Limit(1), 3)
	}
	return &Dispatcher{pubs: pubs, limiters: limiters, timeout: timeout}
}

// Platforms lists the platforms a publisher is registered for.
func (d *Dispatcher) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(d.pubs))
	for p := range d.pubs {
		out = append(out, p)
	}
	return out
}

// Dispatch publishes the job once. Content-level refusals come back as
// *domain.RejectedError, everything else as *domain.TransportError.
func (d *Dispatcher) Dispatch(ctx context.Context, job domain.Job) error {
	pub, ok := d.pubs[job.Platform]
	if !ok {
		return &domain.RejectedError{Platform: job.Platform, Reason: "no publisher configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if lim := d.limiters[job.Platform]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return &domain.TransportError{Platform: job.Platform, Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	err := pub.Publish(ctx, payloadFor(job))
	if err == nil {
		return nil
	}
	var rejected *domain.RejectedError
	if errors.As(err, &rejected) {
		return rejected
	}
	var transport *domain.TransportError
	if errors.As(err, &transport) {
		return transport
	}
	return &domain.TransportError{Platform: job.Platform, Err: err}
}

func payloadFor(job domain.Job) publish.Payload {
	meta := map[string]string{}
	if job.TextRef != "" {
		meta["text_ref"] = job.TextRef
	}
	if job.MediaRef != "" {
		meta["media_ref"] = job.MediaRef
	}

	opts := map[string]string{}
	if job.Caption != "" {
		opts["caption"] = job.Caption
	}
	if len(job.Tags) > 0 {
		opts["tags"] = strings.Join(job.Tags, ",")
	}
	if job.Visibility != "" {
		opts["visibility"] = job.Visibility
	}
	if job.CloseAfterPublish {
		opts["close_after"] = "true"
	}

	return publish.Payload{
		Text:           job.Text,
		MediaRef:       job.MediaRef,
		AttachmentMeta: meta,
		Options:        opts,
	}
}
