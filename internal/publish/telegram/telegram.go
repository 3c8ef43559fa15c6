package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	"postflow/internal/domain"
	"postflow/internal/publish"
)

type Config struct {
	Token  string
	ChatID int64
}

// Publisher delivers posts to a Telegram chat or channel via the Bot API.
type Publisher struct {
	cfg Config
	bot *tele.Bot
}

func New(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	// Offline skips the getMe probe at construction; this process only
	// sends, it never polls for updates.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg, bot: b}, nil
}

func (p *Publisher) Publish(ctx context.Context, pl publish.Payload) error {
	chat := &tele.Chat{ID: p.cfg.ChatID}

	text := pl.Text
	if tags := pl.Options["tags"]; tags != "" {
		text = text + "\n" + hashtags(tags)
	}

	var err error
	if pl.MediaRef != "" {
		photo := &tele.Photo{File: tele.FromURL(pl.MediaRef), Caption: text}
		if caption := pl.Options["caption"]; caption != "" {
			photo.Caption = caption + "\n" + text
		}
		_, err = p.bot.Send(chat, photo)
	} else {
		_, err = p.bot.Send(chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	}
	if err == nil {
		return nil
	}

	// Bot API errors with a 4xx code (bad chat, message too long, blocked)
	// will not get better on retry; flood control will.
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
		return &domain.RejectedError{Platform: domain.PlatformTelegram, Reason: apiErr.Description}
	}
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		// surface as transport so the scheduler backs off
		return &domain.TransportError{Platform: domain.PlatformTelegram, Err: err}
	}
	return err
}

// hashtags renders "a,b c" as "#a #b_c".
func hashtags(tags string) string {
	parts := strings.Split(tags, ",")
	out := make([]string, 0, len(parts))
	for _, t := range parts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, "#"+strings.ReplaceAll(t, " ", "_"))
	}
	return strings.Join(out, " ")
}

var _ publish.Publisher = (*Publisher)(nil)
