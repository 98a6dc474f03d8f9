package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"

	"userpipe/internal/pipeline/events"
	"userpipe/internal/pipeline/extract"
	"userpipe/internal/pipeline/gate"
	"userpipe/internal/pipeline/handler"
	"userpipe/internal/pipeline/ledger"
	"userpipe/internal/pipeline/load"
	"userpipe/internal/pipeline/lock"
	"userpipe/internal/pipeline/runner"
	"userpipe/internal/pipeline/source"
	"userpipe/internal/pipeline/staging"
	"userpipe/internal/pipeline/store"
	"userpipe/internal/pipeline/validate"
	"userpipe/internal/platform/config"
	"userpipe/internal/platform/kafka"
	"userpipe/internal/platform/metrics"
	"userpipe/internal/platform/postgres"
	"userpipe/internal/platform/redis"
	"userpipe/pkg/platform/circuit"
)

// app holds the wired pipeline and the resources it must release.
type app struct {
	Runner   *runner.Runner
	registry *prometheus.Registry
	db       *sql.DB
	ledger   *ledger.Store
	redis    *redis.Client
	kafka    *kgo.Client
	logger   *slog.Logger
}

func openDestination(ctx context.Context, cfg config.Config) (*store.PostgresStore, *sql.DB, error) {
	db, err := postgres.Open(ctx, cfg.Destination)
	if err != nil {
		return nil, nil, err
	}
	dest, err := store.NewPostgres(db, cfg.Destination.Table)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return dest, db, nil
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{registry: prometheus.NewRegistry(), logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	dest, db, err := openDestination(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	if cfg.Destination.AutoMigrate {
		if err := dest.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}

	a.ledger, err = ledger.Open(ctx, cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}

	client := source.New(cfg.Source.URL, cfg.Source.RequestTimeout, source.WithHealthURL(cfg.Source.HealthURL))
	g, err := gate.New(client, cfg.Gate.Timeout, cfg.Gate.PollInterval, gate.WithLogger(log), gate.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	ex, err := extract.New(client, extract.WithLogger(log), extract.WithHashCost(cfg.Destination.PasswordHashCost))
	if err != nil {
		return nil, err
	}
	writer, err := staging.New(cfg.Staging.Dir)
	if err != nil {
		return nil, err
	}
	loader, err := load.New(dest, writer, load.WithLogger(log), load.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	validator, err := validate.New(dest, validate.WithLogger(log))
	if err != nil {
		return nil, err
	}

	var locker runner.Locker = lock.NewLocal()
	a.redis, err = redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if a.redis != nil {
		if locker, err = lock.NewRedis(a.redis.Client); err != nil {
			return nil, err
		}
	}

	var publisher runner.Publisher = events.NopPublisher{}
	a.kafka, err = kafka.NewClient(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	if a.kafka != nil {
		if err := kafka.EnsureTopic(ctx, a.kafka, cfg.Kafka.Topic, 1, 1); err != nil {
			return nil, err
		}
		publisher, err = events.NewKafka(a.kafka, cfg.Kafka.Topic,
			events.WithLogger(log),
			events.WithMetrics(m),
			events.WithBreaker(circuit.New("run-events", circuit.WithFailureThreshold(3))),
		)
		if err != nil {
			return nil, err
		}
	}

	a.Runner, err = runner.New(
		runner.Steps(g, ex, writer, loader, validator),
		writer,
		runner.WithRetryPolicy(runner.RetryPolicy{Retries: cfg.Retry.Count, Delay: cfg.Retry.Delay}),
		runner.WithLocker(locker, cfg.Redis.LockTTL),
		runner.WithRecorder(a.ledger),
		runner.WithPublisher(publisher),
		runner.WithLogger(log),
		runner.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) adminRouter(ctx context.Context, cfg config.Config) (http.Handler, error) {
	opts := []handler.Option{
		handler.WithLogger(a.logger),
		handler.WithGatherer(a.registry),
		handler.WithAdminToken(cfg.Server.AdminToken),
		handler.WithHealthCheck("destination", a.db.PingContext),
	}
	if a.redis != nil {
		opts = append(opts, handler.WithHealthCheck("redis", a.redis.Health))
	}
	h, err := handler.New(ctx, a.Runner, a.ledger, opts...)
	if err != nil {
		return nil, fmt.Errorf("admin handler: %w", err)
	}
	return h.Router(), nil
}

func (a *app) Close() {
	var errs []error
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}
