package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outreach/internal/campaign"
	"outreach/internal/collab"
	"outreach/internal/config"
	"outreach/internal/engine"
	httpapi "outreach/internal/http"
	"outreach/internal/logging"
	"outreach/internal/observe"
	"outreach/internal/proxypool"
	"outreach/internal/ratelimit"
	"outreach/internal/reply"
	"outreach/internal/storage"
	"outreach/internal/supervisor"
	"outreach/internal/wa"
	"outreach/internal/warmup"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := wa.NewManager(ctx, cfg.Database.DSN, store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open device store")
	}

	sink := observe.Multi{
		observe.LogSink{Log: logging.Component(log, "events")},
		observe.StoreSink{Store: store, Log: log},
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemory()
	if cfg.Redis.URL != "" {
		rl, err := ratelimit.NewRedisFromURL(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer rl.Close()
		limiter = rl
		log.Info().Msg("rate limiter backed by redis")
	}

	performer, err := collab.NewActivityPerformer(cfg.Collaborators.ActivityURL, cfg.Collaborators.Timeout, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("collaborators.activity_url")
	}
	generator, err := collab.NewReplyGenerator(cfg.Collaborators.ReplyURL, cfg.Collaborators.Timeout, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("collaborators.reply_url")
	}

	pool := proxypool.New(store, cfg.Proxy, nil, sink, logging.Component(log, "proxypool"))
	sup := supervisor.New(store, pool, sink, cfg.Supervisor, logging.Component(log, "supervisor"))
	warm, err := warmup.New(store, performer, sup, cfg.Warmup, sink, logging.Component(log, "warmup"))
	if err != nil {
		log.Fatal().Err(err).Msg("warmup")
	}
	replies, err := reply.New(store, generator, manager, sink, logging.Component(log, "reply"))
	if err != nil {
		log.Fatal().Err(err).Msg("reply router")
	}

	eng := &engine.Engine{
		Store:      store,
		Transport:  engine.WATransport{Manager: manager},
		Pool:       pool,
		Supervisor: sup,
		Warmup:     warm,
		Campaigns:  campaign.New(store, manager, limiter, cfg.Campaign, sink, logging.Component(log, "campaign")),
		Replies:    replies,
		Sink:       sink,
		Log:        logging.Component(log, "engine"),
	}
	manager.SetHandlers(wa.Handlers{
		OnDisconnect: eng.OnDisconnect,
		OnInbound:    eng.OnInbound,
		OnPaired:     eng.OnPaired,
	})

	pool.Start(ctx)
	sup.Start(ctx)
	if err := eng.Boot(ctx); err != nil {
		log.Fatal().Err(err).Msg("boot")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           httpapi.NewRouter(eng, logging.Component(log, "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	eng.Shutdown(shutdownCtx)
	manager.CloseAll()
}
