package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/stylecast/stylecast/internal/config"
	"github.com/stylecast/stylecast/internal/db"
	"github.com/stylecast/stylecast/internal/generation"
	"github.com/stylecast/stylecast/internal/kie"
	"github.com/stylecast/stylecast/internal/logging"
	"github.com/stylecast/stylecast/internal/store/objectstore"
	"github.com/stylecast/stylecast/internal/store/rabbitmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Environment).With().Str("component", "worker").Logger()

	gdb, err := db.Connect(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}

	store, err := objectstore.New(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("object store init")
	}

	repo := generation.NewRepo(gdb)
	tasks := kie.NewClient(cfg.Kie.BaseURL, cfg.Kie.APIKey)
	reconciler := generation.NewReconciler(repo, store, log)
	worker := generation.NewWorker(repo, tasks, store, reconciler, generation.WorkerOptions{
		Model:        cfg.Kie.Model,
		CallbackURL:  cfg.Kie.CallbackURL,
		ProviderTTL:  cfg.Storage.ProviderTTL,
		PollInterval: cfg.Worker.PollInterval,
		PollTimeout:  cfg.Worker.PollTimeout,
	}, log)

	publisher, err := rabbitmq.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.Queue, cfg.Rabbit.RetryDelay)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit connect")
	}
	defer publisher.Close()

	conn, err := amqp.Dial(cfg.Rabbit.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.Rabbit.Queue, cfg.Rabbit.RetryDelay); err != nil {
		log.Fatal().Err(err).Msg("queue declare")
	}

	concurrency := cfg.Rabbit.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	if err := ch.Qos(cfg.Rabbit.PrefetchCount, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.Rabbit.Queue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.Rabbit.Queue).Int("concurrency", concurrency).
		Msg("worker started")

	// Fixed-size pool: each job occupies one worker for its whole run,
	// polling loop included.
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, log.With().Int("worker", workerID).Logger(), worker, publisher, cfg.Rabbit.MaxAttempts, d)
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, log zerolog.Logger, worker *generation.Worker, publisher *rabbitmq.Publisher, maxAttempts int, d amqp.Delivery) {
	var m rabbitmq.JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.GenerationID == "" {
		log.Error().Err(err).Msg("bad message")
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	err := worker.Run(ctx, m.JobID, m.GenerationID)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Str("job_id", m.JobID).Msg("ack failed")
		}
		return
	}

	attempt := deliveryAttempt(d)
	log.Error().Err(err).
		Str("job_id", m.JobID).
		Str("generation_id", m.GenerationID).
		Int32("attempt", attempt).
		Dur("cost", time.Since(start)).
		Msg("job failed")

	if int(attempt) >= maxAttempts {
		// Exhausted: dead-letter for inspection.
		_ = d.Nack(false, false)
		return
	}
	if err := publisher.PublishRetry(ctx, d.Body, attempt+1); err != nil {
		log.Error().Err(err).Str("job_id", m.JobID).Msg("retry publish failed")
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func deliveryAttempt(d amqp.Delivery) int32 {
	if d.Headers == nil {
		return 1
	}
	switch v := d.Headers["x-attempt"].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	}
	return 1
}
