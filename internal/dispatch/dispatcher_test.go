package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/domain"
	"postflow/internal/publish"
)

func TestDispatchNoPublisher(t *testing.T) {
	d := New(nil, time.Second)
	err := d.Dispatch(context.Background(), domain.Job{ID: "post_1", Platform: domain.PlatformTelegram})

	var rejected *domain.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, domain.PlatformTelegram, rejected.Platform)
}

func TestDispatchErrorMapping(t *testing.T) {
	rejection := &domain.RejectedError{Platform: domain.PlatformWebhook, Reason: "bad request"}
	plain := errors.New("connection refused")

	tests := []struct {
		name      string
		pubErr    error
		wantClass func(t *testing.T, err error)
	}{
		{
			name:   "success",
			pubErr: nil,
			wantClass: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:   "rejection passes through",
			pubErr: rejection,
			wantClass: func(t *testing.T, err error) {
				var r *domain.RejectedError
				require.ErrorAs(t, err, &r)
				assert.Equal(t, "bad request", r.Reason)
			},
		},
		{
			name:   "plain error becomes transport",
			pubErr: plain,
			wantClass: func(t *testing.T, err error) {
				var tr *domain.TransportError
				require.ErrorAs(t, err, &tr)
				assert.ErrorIs(t, tr.Err, plain)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pubs := map[domain.Platform]publish.Publisher{
				domain.PlatformWebhook: publish.Func(func(context.Context, publish.Payload) error {
					return tt.pubErr
				}),
			}
			d := New(pubs, time.Second)
			err := d.Dispatch(context.Background(), domain.Job{ID: "post_1", Platform: domain.PlatformWebhook})
			tt.wantClass(t, err)
		})
	}
}

func TestDispatchRespectsContext(t *testing.T) {
	pubs := map[domain.Platform]publish.Publisher{
		domain.PlatformWebhook: publish.Func(func(ctx context.Context, _ publish.Payload) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	}
	d := New(pubs, 50*time.Millisecond)

	start := time.Now()
	err := d.Dispatch(context.Background(), domain.Job{Platform: domain.PlatformWebhook})

	var tr *domain.TransportError
	require.ErrorAs(t, err, &tr)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must bound the publish call")
}

func TestPayloadFor(t *testing.T) {
	job := domain.Job{
		Platform:          domain.PlatformTelegram,
		Text:              "release day",
		MediaRef:          "media/shot.png",
		TextRef:           "texts/long.md",
		Caption:           "the big one",
		Tags:              []string{"release", "v2"},
		Visibility:        "public",
		CloseAfterPublish: true,
	}
	p := payloadFor(job)

	assert.Equal(t, "release day", p.Text)
	assert.Equal(t, "media/shot.png", p.MediaRef)
	assert.Equal(t, map[string]string{
		"text_ref":  "texts/long.md",
		"media_ref": "media/shot.png",
	}, p.AttachmentMeta)
	assert.Equal(t, map[string]string{
		"caption":     "the big one",
		"tags":        "release,v2",
		"visibility":  "public",
		"close_after": "true",
	}, p.Options)
}

func TestPayloadForOmitsEmpty(t *testing.T) {
	p := payloadFor(domain.Job{Platform: domain.PlatformWebhook, Text: "plain"})
	assert.Empty(t, p.AttachmentMeta)
	assert.Empty(t, p.Options)
}

func TestPlatforms(t *testing.T) {
	pubs := map[domain.Platform]publish.Publisher{
		domain.PlatformWebhook:  publish.Func(func(context.Context, publish.Payload) error { return nil }),
		domain.PlatformTelegram: publish.Func(func(context.Context, publish.Payload) error { return nil }),
	}
	d := New(pubs, time.Second)
	assert.ElementsMatch(t,
		[]domain.Platform{domain.PlatformWebhook, domain.PlatformTelegram},
		d.Platforms())
}
