// Package gate implements the availability sensor guarding extraction.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"userpipe/internal/pipeline"
	"userpipe/internal/platform/metrics"
)

// Prober performs one lightweight readiness request against the source.
type Prober interface {
	Ping(ctx context.Context) error
}

// Gate polls a Prober until it reports ready or the window elapses.
type Gate struct {
	prober   Prober
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

func New(prober Prober, timeout, pollInterval time.Duration, opts ...Option) (*Gate, error) {
	if prober == nil {
		return nil, errors.New("gate prober is required")
	}
	if timeout <= 0 || pollInterval <= 0 {
		return nil, fmt.Errorf("gate timeout and poll interval must be positive, got %s/%s", timeout, pollInterval)
	}
	g := &Gate{
		prober:   prober,
		timeout:  timeout,
		interval: pollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Await returns nil as soon as one poll succeeds. It returns a timed_out
// StepError when the window elapses, or the context error when the caller
// cancels. Poll failures are logged, never returned.
func (g *Gate) Await(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	start := time.Now()
	for poll := 1; ; poll++ {
		err := g.prober.Ping(waitCtx)
		g.metrics.IncrementGatePoll(err == nil)
		if err == nil {
			g.logger.InfoContext(ctx, "source available",
				"polls", poll,
				"waited_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.WarnContext(ctx, "source not ready",
			"poll", poll,
			"error", err,
		)

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return pipeline.NewStepError(pipeline.FailureTimedOut, pipeline.ReasonTimeout,
				fmt.Sprintf("source not ready after %s (%d polls)", g.timeout, poll), err)
		case <-ticker.C:
		}
	}
}
