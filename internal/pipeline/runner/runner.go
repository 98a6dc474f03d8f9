// Package runner drives one pipeline run through its steps: it owns retries,
// state transitions, the single-active-run lock and artifact cleanup.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"userpipe/internal/pipeline"
	"userpipe/internal/pipeline/lock"
	"userpipe/internal/platform/metrics"
	"userpipe/pkg/platform/sentinel"
)

// RetryPolicy bounds how often a failed step is attempted again.
// A step runs at most Retries+1 times.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

func (p RetryPolicy) validate() error {
	if p.Retries < 0 || p.Delay < 0 {
		return fmt.Errorf("invalid retry policy %+v", p)
	}
	return nil
}

// DefaultRetryPolicy applies to every step without an override.
var DefaultRetryPolicy = RetryPolicy{Retries: 2, Delay: 5 * time.Minute}

// Recorder persists run history.
type Recorder interface {
	RunStarted(ctx context.Context, rc *pipeline.RunContext, startedAt time.Time) error
	AttemptFinished(ctx context.Context, rc *pipeline.RunContext, attempt pipeline.Attempt) error
	RunFinished(ctx context.Context, outcome pipeline.Outcome) error
}

// Publisher announces terminal outcomes.
type Publisher interface {
	Publish(ctx context.Context, outcome pipeline.Outcome) error
}

// Locker guards the single-active-run invariant.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error)
}

// Cleaner removes a run's staging artifact.
type Cleaner interface {
	Remove(runID string) error
}

type Runner struct {
	steps    []pipeline.Step
	cleaner  Cleaner
	retry    RetryPolicy
	perStep  map[pipeline.StepName]RetryPolicy
	locker   Locker
	lockTTL  time.Duration
	recorder Recorder
	events   Publisher
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	clock    func() time.Time
}

type Option func(*Runner)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Runner) {
		r.retry = p
	}
}

// WithStepRetryPolicy overrides the retry policy for one step.
func WithStepRetryPolicy(step pipeline.StepName, p RetryPolicy) Option {
	return func(r *Runner) {
		r.perStep[step] = p
	}
}

func WithLocker(l Locker, ttl time.Duration) Option {
	return func(r *Runner) {
		if l != nil {
			r.locker = l
		}
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.events = p
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// New builds a runner for steps. The gate step is never retried unless an
// explicit override says otherwise.
func New(steps []pipeline.Step, cleaner Cleaner, opts ...Option) (*Runner, error) {
	if len(steps) == 0 {
		return nil, errors.New("at least one step is required")
	}
	if cleaner == nil {
		return nil, errors.New("artifact cleaner is required")
	}
	r := &Runner{
		steps:    steps,
		cleaner:  cleaner,
		retry:    DefaultRetryPolicy,
		perStep:  map[pipeline.StepName]RetryPolicy{pipeline.StepGate: {}},
		locker:   lock.NewLocal(),
		lockTTL:  30 * time.Minute,
		recorder: nopRecorder{},
		events:   nopPublisher{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("userpipe/runner"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.retry.validate(); err != nil {
		return nil, err
	}
	for step, p := range r.perStep {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("step %s: %w", step, err)
		}
	}
	return r, nil
}

// Handle tracks a run started with Start.
type Handle struct {
	RunID       string
	ExecutionID string
	LogicalDate time.Time
	StartedAt   time.Time

	done    chan struct{}
	outcome *pipeline.Outcome
}

// Done is closed once the run reaches a terminal state.
func (h Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the terminal outcome once Done is closed.
func (h Handle) Outcome() (pipeline.Outcome, bool) {
	select {
	case <-h.done:
		return *h.outcome, true
	default:
		return pipeline.Outcome{}, false
	}
}

// Start acquires the run lock and executes the run in the background. It
// returns pipeline.ErrRunInProgress when another run holds the lock; nothing
// is staged or cleaned up in that case. The lease is renewed for as long as
// the run is active; if it is lost the run is cancelled with lock.ErrLeaseLost.
func (r *Runner) Start(ctx context.Context, logicalDate time.Time) (Handle, error) {
	lease, err := r.locker.Acquire(ctx, lock.RunLockKey, r.lockTTL)
	if err != nil {
		if errors.Is(err, sentinel.ErrLocked) {
			return Handle{}, fmt.Errorf("%w: %s", pipeline.ErrRunInProgress, pipeline.RunIDFor(logicalDate))
		}
		return Handle{}, fmt.Errorf("acquire run lock: %w", err)
	}

	rc := pipeline.NewRunContext(logicalDate, r.logger)
	h := Handle{
		RunID:       rc.RunID,
		ExecutionID: rc.ExecutionID,
		LogicalDate: rc.LogicalDate,
		StartedAt:   r.clock().UTC(),
		done:        make(chan struct{}),
		outcome:     &pipeline.Outcome{},
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	heartbeat := make(chan struct{})
	go func() {
		defer close(heartbeat)
		r.keepAlive(runCtx, rc, lease, cancel)
	}()
	go func() {
		defer close(h.done)
		defer r.release(ctx, rc, lease)
		defer func() {
			cancel(nil)
			<-heartbeat
		}()
		*h.outcome = r.execute(runCtx, rc, h.StartedAt)
	}()
	return h, nil
}

// Run executes the pipeline for logicalDate and blocks until it is terminal.
func (r *Runner) Run(ctx context.Context, logicalDate time.Time) pipeline.Outcome {
	h, err := r.Start(ctx, logicalDate)
	if err != nil {
		now := r.clock().UTC()
		r.logger.WarnContext(ctx, "pipeline run not started",
			"run_id", pipeline.RunIDFor(logicalDate),
			"error", err,
		)
		r.metrics.IncrementRunOutcome(string(pipeline.StateFailed), "")
		return pipeline.Outcome{
			RunID:       pipeline.RunIDFor(logicalDate),
			LogicalDate: logicalDate.UTC(),
			State:       pipeline.StateFailed,
			Cause:       err,
			Attempts:    map[pipeline.StepName]int{},
			StartedAt:   now,
			EndedAt:     now,
		}
	}
	<-h.Done()
	outcome, _ := h.Outcome()
	return outcome
}

func (r *Runner) execute(ctx context.Context, rc *pipeline.RunContext, startedAt time.Time) (outcome pipeline.Outcome) {
	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", rc.RunID),
		attribute.String("execution_id", rc.ExecutionID),
	))
	defer span.End()

	outcome = pipeline.Outcome{
		RunID:       rc.RunID,
		ExecutionID: rc.ExecutionID,
		LogicalDate: rc.LogicalDate,
		State:       pipeline.StatePending,
		Attempts:    rc.Attempts,
		StartedAt:   startedAt,
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	if err := r.recorder.RunStarted(bg, rc, startedAt); err != nil {
		rc.Logger.WarnContext(ctx, "ledger: record run start", "error", err)
	}
	cancel()
	rc.Logger.InfoContext(ctx, "pipeline run started")

	defer r.finish(ctx, rc, span, &outcome)
	defer func() {
		if err := r.cleaner.Remove(rc.RunID); err != nil {
			outcome.CleanupErr = err
			rc.Logger.WarnContext(ctx, "staging cleanup failed", "error", err)
		}
	}()

	outcome.State, outcome.FailedStep, outcome.Cause = r.runSteps(ctx, rc)
	return outcome
}

func (r *Runner) runSteps(ctx context.Context, rc *pipeline.RunContext) (pipeline.State, pipeline.StepName, error) {
	for _, step := range r.steps {
		name := step.Name()
		if ctx.Err() != nil {
			return pipeline.StateFailed, name, context.Cause(ctx)
		}
		rc.Logger.InfoContext(ctx, "step started", "step", name, "state", name.State())
		if err := r.runStep(ctx, rc, step); err != nil {
			if ctx.Err() != nil {
				err = context.Cause(ctx)
			}
			return pipeline.StateFailed, name, err
		}
	}
	return pipeline.StateSucceeded, "", nil
}

func (r *Runner) runStep(ctx context.Context, rc *pipeline.RunContext, step pipeline.Step) error {
	name := step.Name()
	policy := r.policyFor(name)

	op := func() error {
		err := r.attempt(ctx, rc, step)
		if err != nil && !pipeline.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		rc.Logger.WarnContext(ctx, "step attempt failed, retrying",
			"step", name,
			"attempt", rc.Attempts[name],
			"max_attempts", policy.Retries+1,
			"retry_in", wait,
			"error", err,
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Delay), uint64(policy.Retries)),
		ctx,
	)
	return backoff.RetryNotify(op, b, notify)
}

func (r *Runner) attempt(ctx context.Context, rc *pipeline.RunContext, step pipeline.Step) (err error) {
	name := step.Name()
	rc.Attempts[name]++
	a := pipeline.Attempt{Step: name, Number: rc.Attempts[name], StartedAt: r.clock().UTC()}

	actx, span := r.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step", string(name)),
		attribute.Int("attempt", a.Number),
	))
	defer func() {
		if p := recover(); p != nil {
			se := pipeline.NewStepError(pipeline.FailureInternal, pipeline.ReasonUnknown, fmt.Sprintf("step panicked: %v", p), nil)
			se.Retryable = false
			err = se
		}
		a.EndedAt = r.clock().UTC()
		a.Err = err
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(pipeline.FailureOf(err)))
			rc.Logger.WarnContext(ctx, "step attempt failed",
				"step", name,
				"attempt", a.Number,
				"failure", pipeline.FailureOf(err),
				"reason", pipeline.ReasonOf(err),
				"error", err,
			)
		} else {
			rc.Logger.InfoContext(ctx, "step succeeded", "step", name, "attempt", a.Number)
		}
		span.End()
		r.metrics.ObserveStepAttempt(string(name), a.Result(), a.EndedAt.Sub(a.StartedAt))
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
		defer cancel()
		if recErr := r.recorder.AttemptFinished(bg, rc, a); recErr != nil {
			rc.Logger.WarnContext(ctx, "ledger: record attempt", "error", recErr)
		}
	}()

	return step.Run(actx, rc)
}

// finish stamps the outcome and fans it out. Bookkeeping uses a context that
// survives cancellation of the run.
func (r *Runner) finish(ctx context.Context, rc *pipeline.RunContext, span trace.Span, outcome *pipeline.Outcome) {
	outcome.EndedAt = r.clock().UTC()
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	span.SetAttributes(attribute.String("state", string(outcome.State)))
	if outcome.Succeeded() {
		rc.Logger.InfoContext(ctx, "pipeline run succeeded", "duration", outcome.Duration())
	} else {
		span.SetStatus(codes.Error, string(outcome.FailedStep))
		rc.Logger.ErrorContext(ctx, "pipeline run failed",
			"failed_step", outcome.FailedStep,
			"failure", pipeline.FailureOf(outcome.Cause),
			"reason", pipeline.ReasonOf(outcome.Cause),
			"error", outcome.Cause,
			"duration", outcome.Duration(),
		)
	}

	r.metrics.IncrementRunOutcome(string(outcome.State), string(outcome.FailedStep))
	if err := r.recorder.RunFinished(bg, *outcome); err != nil {
		rc.Logger.WarnContext(ctx, "ledger: record outcome", "error", err)
	}
	if err := r.events.Publish(bg, *outcome); err != nil {
		rc.Logger.WarnContext(ctx, "run event not published", "error", err)
	}
}

// keepAlive refreshes the lease every third of its TTL until ctx ends.
// Transient refresh errors are logged and retried on the next tick.
func (r *Runner) keepAlive(ctx context.Context, rc *pipeline.RunContext, lease lock.Lease, cancel context.CancelCauseFunc) {
	interval := r.lockTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := lease.Refresh(ctx, r.lockTTL)
		switch {
		case err == nil:
		case errors.Is(err, lock.ErrLeaseLost):
			rc.Logger.ErrorContext(ctx, "run lock lost, cancelling run", "error", err)
			cancel(err)
			return
		case ctx.Err() != nil:
			return
		default:
			rc.Logger.WarnContext(ctx, "refresh run lock", "error", err)
		}
	}
}

func (r *Runner) release(ctx context.Context, rc *pipeline.RunContext, lease lock.Lease) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := lease.Release(bg); err != nil {
		rc.Logger.WarnContext(ctx, "release run lock", "error", err)
	}
}

func (r *Runner) policyFor(step pipeline.StepName) RetryPolicy {
	if p, ok := r.perStep[step]; ok {
		return p
	}
	return r.retry
}

// bookkeepingTimeout bounds ledger and event writes, which run detached from
// run cancellation.
const bookkeepingTimeout = 10 * time.Second

type nopRecorder struct{}

func (nopRecorder) RunStarted(context.Context, *pipeline.RunContext, time.Time) error { return nil }
func (nopRecorder) AttemptFinished(context.Context, *pipeline.RunContext, pipeline.Attempt) error {
	return nil
}
func (nopRecorder) RunFinished(context.Context, pipeline.Outcome) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, pipeline.Outcome) error { return nil }
