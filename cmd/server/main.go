// Server entrypoint. Wires configuration, storage, services, and transport,
// then runs the HTTP server and the audit feed worker until interrupted.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"fairway/internal/actors"
	actorshandler "fairway/internal/actors/handler"
	"fairway/internal/auditfeed"
	"fairway/internal/consent"
	"fairway/internal/fairness"
	fairnesshandler "fairway/internal/fairness/handler"
	fairnessmetrics "fairway/internal/fairness/metrics"
	httpapi "fairway/internal/http"
	jwttoken "fairway/internal/jwt_token"
	"fairway/internal/ledger"
	ledgerhandler "fairway/internal/ledger/handler"
	ledgermetrics "fairway/internal/ledger/metrics"
	"fairway/internal/ledger/store/memory"
	"fairway/internal/ledger/store/postgres"
	"fairway/internal/override"
	overridehandler "fairway/internal/override/handler"
	"fairway/internal/platform/config"
	"fairway/internal/platform/httpserver"
	"fairway/internal/platform/logger"
	platformredis "fairway/internal/platform/redis"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage. Postgres when configured, in-memory otherwise.
	var store ledger.Store
	if cfg.PostgresURL != "" {
		pg, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			log.ErrorContext(ctx, "failed to open postgres", "error", err)
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.ErrorContext(ctx, "failed to run migrations", "error", err)
			return err
		}
		store = pg
		log.InfoContext(ctx, "using postgres ledger store")
	} else {
		store = memory.New()
		log.WarnContext(ctx, "using in-memory ledger store, records will not survive restart")
	}

	fairnessCfg, err := fairness.LoadConfig(cfg.FairnessConfigPath)
	if err != nil {
		log.ErrorContext(ctx, "failed to load fairness config", "path", cfg.FairnessConfigPath, "error", err)
		return err
	}

	table := policyTable()
	checker := consent.NewMemoryChecker()

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(log),
		ledger.WithMetrics(ledgermetrics.New()),
	}
	overrideOpts := []override.Option{
		override.WithLogger(log),
	}

	// The fairness service validates protected attributes for the ledger but
	// also ledgers its reports through the ledger service, so the validator
	// is bound after both exist.
	validator := &lateValidator{}
	ledgerOpts = append(ledgerOpts, ledger.WithAttributeValidator(validator))

	// Optional Kafka fan-out.
	group, groupCtx := errgroup.WithContext(ctx)
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaClient, err := auditfeed.NewClient(cfg.Kafka.Brokers)
		if err != nil {
			log.ErrorContext(ctx, "failed to create kafka client", "error", err)
			return err
		}
		defer kafkaClient.Close()
		if err := auditfeed.EnsureTopic(ctx, kafkaClient, cfg.Kafka.Topic); err != nil {
			log.ErrorContext(ctx, "failed to ensure audit topic", "topic", cfg.Kafka.Topic, "error", err)
			return err
		}

		feed := auditfeed.NewPublisher(kafkaClient, cfg.Kafka.Topic,
			auditfeed.WithLogger(log),
			auditfeed.WithBufferSize(cfg.Kafka.Buffer),
		)
		ledgerOpts = append(ledgerOpts, ledger.WithFeedSink(feed))
		overrideOpts = append(overrideOpts, override.WithFeedSink(feed))
		group.Go(func() error {
			err := feed.Run(groupCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		log.InfoContext(ctx, "audit feed enabled", "topic", cfg.Kafka.Topic)
	}

	ledgerSvc, err := ledger.NewService(store, table, checker, ledgerOpts...)
	if err != nil {
		log.ErrorContext(ctx, "failed to build ledger service", "error", err)
		return err
	}

	fairnessOpts := []fairness.Option{
		fairness.WithLogger(log),
		fairness.WithMetrics(fairnessmetrics.New()),
		fairness.WithSnapshotLimit(cfg.FairnessSnapshotLimit),
	}
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.ErrorContext(ctx, "failed to connect to redis", "error", err)
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		fairnessOpts = append(fairnessOpts,
			fairness.WithCache(fairness.NewRedisCache(redisClient.Client), cfg.Redis.ReportTTL))
		log.InfoContext(ctx, "fairness report cache enabled")
	}

	fairnessSvc, err := fairness.NewService(store, ledgerSvc, table, fairnessCfg, fairnessOpts...)
	if err != nil {
		log.ErrorContext(ctx, "failed to build fairness service", "error", err)
		return err
	}
	validator.bind(fairnessSvc)

	overrideSvc, err := override.New(store, table, overrideOpts...)
	if err != nil {
		log.ErrorContext(ctx, "failed to build override service", "error", err)
		return err
	}

	actorsSvc, err := actors.NewService(actors.NewMemoryStore(), table, ledgerSvc, actors.WithLogger(log))
	if err != nil {
		log.ErrorContext(ctx, "failed to build actors service", "error", err)
		return err
	}

	tokens := jwttoken.NewJWTService(cfg.JWTSigningKey, "fairway", "fairway-api")

	router := httpapi.NewRouter(httpapi.Deps{
		Logger:    log,
		Validator: jwttoken.NewJWTServiceAdapter(tokens),
		Handlers: []httpapi.Registrar{
			ledgerhandler.New(ledgerSvc, log),
			overridehandler.New(overrideSvc, log),
			fairnesshandler.New(fairnessSvc, log),
			actorshandler.New(actorsSvc, log),
		},
	})

	srv := httpserver.New(cfg.Addr, router)

	group.Go(func() error {
		log.InfoContext(ctx, "starting server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.ErrorContext(ctx, "server exited with error", "error", err)
		return err
	}
	log.InfoContext(ctx, "server stopped")
	return nil
}
