package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"postflow/internal/domain"
	"postflow/internal/publish"
)

type Config struct {
	URL     string
	Headers map[string]string
}

// Publisher delivers posts as JSON to a configured HTTP endpoint.
type Publisher struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Publisher {
	return &Publisher{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

type wireBody struct {
	Text           string            `json:"text"`
	MediaRef       string            `json:"media_ref,omitempty"`
	AttachmentMeta map[string]string `json:"attachment_meta,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
}

func (p *Publisher) Publish(ctx context.Context, pl publish.Payload) error {
	body, err := json.Marshal(wireBody{
		Text:           pl.Text,
		MediaRef:       pl.MediaRef,
		AttachmentMeta: pl.AttachmentMeta,
		Options:        pl.Options,
	})
	if err != nil {
		return &domain.RejectedError{Platform: domain.PlatformWebhook, Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &domain.RejectedError{Platform: domain.PlatformWebhook, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	// 4xx means the endpoint looked at the post and said no; 5xx means the
	// endpoint itself is in trouble and a retry may help.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &domain.RejectedError{
			Platform: domain.PlatformWebhook,
			Reason:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody)),
		}
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
