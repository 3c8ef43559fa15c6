package bluesky

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"postflow/internal/domain"
	"postflow/internal/publish"
)

type Config struct {
	Host        string // PDS host, e.g. https://bsky.social
	Identifier  string // handle or DID
	AppPassword string
}

// Publisher delivers posts to a Bluesky account as app.bsky.feed.post
// records. The XRPC session is created lazily and dropped on auth errors so
// the next attempt re-authenticates.
type Publisher struct {
	cfg Config

	mu     sync.Mutex
	client *xrpc.Client
}

func New(cfg Config) *Publisher {
	if cfg.Host == "" {
		cfg.Host = "https://bsky.social"
	}
	return &Publisher{cfg: cfg}
}

func (p *Publisher) Publish(ctx context.Context, pl publish.Payload) error {
	client, err := p.session(ctx)
	if err != nil {
		return err
	}

	text := pl.Text
	if tags := pl.Options["tags"]; tags != "" {
		text = text + "\n" + hashtags(tags)
	}

	post := &appbsky.FeedPost{
		Text:      text,
		CreatedAt: time.Now().Format(time.RFC3339),
	}

	_, err = comatproto.RepoCreateRecord(ctx, client, &comatproto.RepoCreateRecord_Input{
		Collection: "app.bsky.feed.post",
		Repo:       client.Auth.Did,
		Record:     &lexutil.LexiconTypeDecoder{Val: post},
	})
	if err == nil {
		return nil
	}

	var xe *xrpc.Error
	if errors.As(err, &xe) {
		if xe.StatusCode == 401 || xe.StatusCode == 400 {
			// expired or invalid session: drop it and let the retry path
			// re-authenticate
			p.dropSession()
		}
		if xe.StatusCode >= 400 && xe.StatusCode < 500 && xe.StatusCode != 401 && xe.StatusCode != 429 {
			return &domain.RejectedError{Platform: domain.PlatformBluesky, Reason: xe.Error()}
		}
	}
	return err
}

func (p *Publisher) session(ctx context.Context) (*xrpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	client := &xrpc.Client{Host: p.cfg.Host}
	sess, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier: p.cfg.Identifier,
		Password:   p.cfg.AppPassword,
	})
	if err != nil {
		var xe *xrpc.Error
		if errors.As(err, &xe) && xe.StatusCode == 401 {
			return nil, &domain.RejectedError{Platform: domain.PlatformBluesky, Reason: "authentication failed"}
		}
		return nil, err
	}

	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
		Handle:     sess.Handle,
		Did:        sess.Did,
	}
	p.client = client
	return client, nil
}

func (p *Publisher) dropSession() {
	p.mu.Lock()
	p.client = nil
	p.mu.Unlock()
}

func hashtags(tags string) string {
	parts := strings.Split(tags, ",")
	out := make([]string, 0, len(parts))
	for _, t := range parts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, "#"+strings.ReplaceAll(t, " ", ""))
	}
	return strings.Join(out, " ")
}

var _ publish.Publisher = (*Publisher)(nil)
