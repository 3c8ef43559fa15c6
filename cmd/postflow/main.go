package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"postflow/internal/api"
	"postflow/internal/config"
	"postflow/internal/dispatch"
	"postflow/internal/domain"
	"postflow/internal/engine"
	"postflow/internal/publish"
	"postflow/internal/publish/bluesky"
	"postflow/internal/publish/telegram"
	"postflow/internal/publish/webhook"
	"postflow/internal/store"
	"postflow/internal/timer"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	applyLogLevel(cfg.LogLevel)

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DB)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := store.NewSQLiteRepo(db)
	policies := store.NewSQLitePolicyRepo(db)
	timers := timer.New()
	dispatcher := dispatch.New(buildPublishers(cfg), cfg.DispatchTimeout.Std())

	eng := engine.New(repo, policies, timers, dispatcher, engine.Config{
		RetentionDays: cfg.RetentionDays,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start engine")
	}

	if *cfgPath != "" {
		go func() {
			err := config.Watch(ctx, *cfgPath, func(next *config.Config) {
				applyLogLevel(next.LogLevel)
				eng.PolicyChanged()
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch unavailable")
			}
		}()
	}

	srv := &http.Server{Addr: cfg.Listen, Handler: api.NewServer(repo, policies, eng)}
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	eng.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func buildPublishers(cfg *config.Config) map[domain.Platform]publish.Publisher {
	pubs := map[domain.Platform]publish.Publisher{}

	if cfg.Telegram.Token != "" {
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, ChatID: cfg.Telegram.ChatID})
		if err != nil {
			log.Warn().Err(err).Msg("telegram publisher disabled")
		} else {
			pubs[domain.PlatformTelegram] = tg
		}
	}
	if cfg.Bluesky.Identifier != "" {
		pubs[domain.PlatformBluesky] = bluesky.New(bluesky.Config{
			Host:        cfg.Bluesky.Host,
			Identifier:  cfg.Bluesky.Identifier,
			AppPassword: cfg.Bluesky.AppPassword,
		})
	}
	if cfg.Webhook.URL != "" {
		pubs[domain.PlatformWebhook] = webhook.New(webhook.Config{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
		})
	}
	if len(pubs) == 0 {
		log.Warn().Msg("no publishers configured; dispatches will be rejected")
	}
	return pubs
}

func applyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
