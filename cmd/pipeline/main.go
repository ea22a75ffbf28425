package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"attest/internal/eventbus"
	"attest/internal/grant"
	"attest/internal/platform/config"
	"attest/internal/platform/httpserver"
	"attest/internal/platform/logger"
	"attest/internal/platform/metrics"
	platformredis "attest/internal/platform/redis"
	"attest/internal/queue"
	queueconsumer "attest/internal/queue/consumer"
	queuehandler "attest/internal/queue/handler"
	"attest/internal/render"
	"attest/internal/secrets"
	"attest/internal/verify"
)

// main wires the pipeline: ingress queue -> bounded verification worker ->
// event bus -> grant consumer, plus the ops HTTP surface. Business logic
// lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis unavailable", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	// Queue: Redis-backed when configured, in-memory otherwise.
	var (
		ingress queue.Queue
		dlq     queue.DeadLetters
	)
	if redisClient != nil {
		rq := queue.NewRedis(redisClient.Client, cfg.QueueName, cfg.VisibilityWindow, cfg.DLQRetention, log)
		ingress, dlq = rq, rq
		group.Go(func() error {
			err := rq.RunSweeper(ctx, time.Minute)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		mq := queue.NewMemory(cfg.VisibilityWindow, queue.WithRetention(cfg.DLQRetention))
		ingress, dlq = mq, mq
	}

	// Grant consumer and its idempotency store.
	var grantStore grant.Store
	if redisClient != nil {
		grantStore = grant.NewRedisStore(redisClient.Client)
	} else {
		grantStore = grant.NewMemoryStore()
	}
	roleAPI := grant.NewHTTPRoleAPI(cfg.GrantAPIURL, 15*time.Second)
	grantConsumer := grant.NewConsumer(roleAPI, grantStore, secrets.EnvSource{}, cfg.SecretID, cfg.GrantRoles, log)

	// Event bus: Kafka when brokers are configured, in-process otherwise.
	var publisher eventbus.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaBus, err := eventbus.NewKafka(cfg.KafkaBrokers, cfg.EventBus, log)
		if err != nil {
			log.Error("event bus unavailable", "error", err)
			os.Exit(1)
		}
		defer kafkaBus.Close()
		if err := kafkaBus.EnsureTopic(ctx, 3); err != nil {
			log.Error("event bus topic", "error", err)
			os.Exit(1)
		}
		publisher = kafkaBus

		subscriber, err := eventbus.NewSubscriber(
			cfg.KafkaBrokers, cfg.EventBus, cfg.ConsumerName,
			cfg.EventSource, eventbus.DetailTypeVerificationSucceeded,
			grantConsumer.HandleVerified, log,
		)
		if err != nil {
			log.Error("event subscriber", "error", err)
			os.Exit(1)
		}
		group.Go(func() error {
			err := subscriber.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		memoryBus := eventbus.NewMemory(log)
		memoryBus.Subscribe(cfg.EventSource, eventbus.DetailTypeVerificationSucceeded, cfg.ConsumerName, grantConsumer.HandleVerified)
		publisher = memoryBus
	}

	// Verification worker.
	verifier := verify.NewHTTPVerifier(cfg.VerifierURL, cfg.VerifyTimeout)
	var renderer verify.Renderer
	if cfg.RendererURL != "" {
		renderer = render.NewClient(cfg.RendererURL, cfg.RenderTimeout)
	}
	service := verify.NewService(verifier, renderer, publisher, secrets.EnvSource{}, verify.Params{
		AppID:    cfg.AppID,
		Action:   cfg.ActionID,
		Signal:   cfg.Signal,
		Source:   cfg.EventSource,
		SecretID: cfg.SecretID,
	}, log, m)

	runner := queueconsumer.NewRunner(ingress, service, cfg.WorkerConcurrency, cfg.VerifyTimeout, log)
	group.Go(func() error {
		err := runner.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Ops HTTP surface: enqueue, dead-letter inspection, health, metrics.
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", metrics.Handler())
	queuehandler.New(ingress, dlq, log).Register(router)

	srv := httpserver.New(cfg.Addr, router)
	group.Go(func() error {
		log.Info("starting pipeline", "addr", cfg.Addr, "concurrency", cfg.WorkerConcurrency)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("pipeline stopped", "error", err)
		os.Exit(1)
	}
	log.Info("pipeline stopped")
}
