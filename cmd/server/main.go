package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/stylecast/stylecast/internal/config"
	"github.com/stylecast/stylecast/internal/db"
	"github.com/stylecast/stylecast/internal/generation"
	"github.com/stylecast/stylecast/internal/httpapi"
	"github.com/stylecast/stylecast/internal/logging"
	"github.com/stylecast/stylecast/internal/retention"
	"github.com/stylecast/stylecast/internal/store/objectstore"
	"github.com/stylecast/stylecast/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Environment)

	gdb, err := db.Connect(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}

	store, err := objectstore.New(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("object store init")
	}
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.EnsureBucket(bootCtx); err != nil {
		cancelBoot()
		log.Fatal().Err(err).Msg("ensure bucket")
	}
	cancelBoot()

	publisher, err := rabbitmq.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.Queue, cfg.Rabbit.RetryDelay)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit connect")
	}
	defer publisher.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	repo := generation.NewRepo(gdb)
	svc := generation.NewService(repo, publisher, log)
	reconciler := generation.NewReconciler(repo, store, log)

	sweeper := retention.NewSweeper(repo, store, cfg.Retention.TTL, log)
	cr := cron.New(cron.WithSeconds())
	if _, err := cr.AddFunc(cfg.Retention.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := sweeper.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("retention sweep failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule retention sweep")
	}
	cr.Start()
	defer cr.Stop()

	router := httpapi.NewRouter(cfg, repo, svc, store, reconciler, rdb, log)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
