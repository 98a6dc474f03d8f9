package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"userpipe/internal/pipeline"
	"userpipe/internal/pipeline/lock"
	"userpipe/internal/platform/logger"
	"userpipe/internal/platform/metrics"
	"userpipe/pkg/platform/sentinel"
)

// =============================================================================
// Test doubles
// =============================================================================

type fakeStep struct {
	name pipeline.StepName
	fn   func(ctx context.Context, rc *pipeline.RunContext) error
}

func (s fakeStep) Name() pipeline.StepName { return s.name }

func (s fakeStep) Run(ctx context.Context, rc *pipeline.RunContext) error {
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx, rc)
}

type fakeCleaner struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (c *fakeCleaner) Remove(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, runID)
	return c.err
}

func (c *fakeCleaner) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  int
	attempts []pipeline.Attempt
	outcomes []pipeline.Outcome
	// ctxErrs holds ctx.Err() as seen by each write.
	ctxErrs []error
}

func (r *fakeRecorder) RunStarted(ctx context.Context, _ *pipeline.RunContext, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return nil
}

func (r *fakeRecorder) AttemptFinished(ctx context.Context, _ *pipeline.RunContext, a pipeline.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return nil
}

func (r *fakeRecorder) recorded() ([]pipeline.Attempt, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Attempt(nil), r.attempts...), append([]error(nil), r.ctxErrs...)
}

func (r *fakeRecorder) RunFinished(_ context.Context, o pipeline.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return errors.New("ledger offline")
}

// lostLocker hands out leases that report themselves lost on first refresh.
type lostLocker struct {
	refreshed atomic.Int32
	released  atomic.Int32
}

func (l *lostLocker) Acquire(context.Context, string, time.Duration) (lock.Lease, error) {
	return lostLease{l}, nil
}

type lostLease struct{ l *lostLocker }

func (le lostLease) Refresh(context.Context, time.Duration) error {
	le.l.refreshed.Add(1)
	return lock.ErrLeaseLost
}

func (le lostLease) Release(context.Context) error {
	le.l.released.Add(1)
	return nil
}

// flakyLocker wraps a LocalLocker whose leases fail every refresh transiently.
type flakyLocker struct{ *lock.LocalLocker }

func (f flakyLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	lease, err := f.LocalLocker.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return flakyLease{lease}, nil
}

type flakyLease struct{ lock.Lease }

func (flakyLease) Refresh(context.Context, time.Duration) error {
	return sentinel.ErrUnavailable
}

type fakePublisher struct {
	published []pipeline.Outcome
}

func (p *fakePublisher) Publish(_ context.Context, o pipeline.Outcome) error {
	p.published = append(p.published, o)
	return nil
}

func ok(name pipeline.StepName) fakeStep { return fakeStep{name: name} }

func failing(name pipeline.StepName, err error) fakeStep {
	return fakeStep{name: name, fn: func(context.Context, *pipeline.RunContext) error { return err }}
}

var logicalDate = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// Runner Test Suite
// =============================================================================

type RunnerSuite struct {
	suite.Suite
	cleaner  *fakeCleaner
	recorder *fakeRecorder
	events   *fakePublisher
	metrics  *metrics.Metrics
}

func TestRunnerSuite(t *testing.T) {
	suite.Run(t, new(RunnerSuite))
}

func (s *RunnerSuite) SetupTest() {
	s.cleaner = &fakeCleaner{}
	s.recorder = &fakeRecorder{}
	s.events = &fakePublisher{}
	s.metrics = metrics.New(prometheus.NewRegistry())
}

func (s *RunnerSuite) newRunner(steps []pipeline.Step, opts ...Option) *Runner {
	base := []Option{
		WithLogger(logger.Discard()),
		WithRetryPolicy(RetryPolicy{Retries: 2, Delay: time.Millisecond}),
		WithRecorder(s.recorder),
		WithPublisher(s.events),
		WithMetrics(s.metrics),
	}
	r, err := New(steps, s.cleaner, append(base, opts...)...)
	s.Require().NoError(err)
	return r
}

func (s *RunnerSuite) TestNew() {
	s.Run("no steps", func() {
		_, err := New(nil, s.cleaner)
		s.ErrorContains(err, "at least one step is required")
	})
	s.Run("no cleaner", func() {
		_, err := New([]pipeline.Step{ok(pipeline.StepGate)}, nil)
		s.ErrorContains(err, "artifact cleaner is required")
	})
	s.Run("negative retries", func() {
		_, err := New([]pipeline.Step{ok(pipeline.StepGate)}, s.cleaner, WithRetryPolicy(RetryPolicy{Retries: -1}))
		s.ErrorContains(err, "invalid retry policy")
	})
	s.Run("negative step override", func() {
		_, err := New([]pipeline.Step{ok(pipeline.StepLoad)}, s.cleaner,
			WithStepRetryPolicy(pipeline.StepLoad, RetryPolicy{Retries: -1}))
		s.ErrorContains(err, "step load: invalid retry policy")
	})
	s.Run("negative step delay", func() {
		_, err := New([]pipeline.Step{ok(pipeline.StepLoad)}, s.cleaner,
			WithStepRetryPolicy(pipeline.StepExtract, RetryPolicy{Retries: 1, Delay: -time.Second}))
		s.ErrorContains(err, "invalid retry policy")
	})
}

func (s *RunnerSuite) TestSuccess() {
	var order []pipeline.StepName
	track := func(name pipeline.StepName) fakeStep {
		return fakeStep{name: name, fn: func(context.Context, *pipeline.RunContext) error {
			order = append(order, name)
			return nil
		}}
	}
	r := s.newRunner([]pipeline.Step{
		track(pipeline.StepGate), track(pipeline.StepExtract), track(pipeline.StepStage),
		track(pipeline.StepLoad), track(pipeline.StepValidate),
	})

	outcome := r.Run(context.Background(), logicalDate)

	s.True(outcome.Succeeded())
	s.Empty(outcome.FailedStep)
	s.NoError(outcome.Cause)
	s.Equal("scheduled__20250101T000000Z", outcome.RunID)
	s.NotEmpty(outcome.ExecutionID)
	s.Equal([]pipeline.StepName{"gate", "extract", "stage", "load", "validate"}, order)
	s.Equal([]string{outcome.RunID}, s.cleaner.calls())
	s.Equal(1, s.recorder.started)
	s.Len(s.recorder.attempts, 5)
	s.Len(s.recorder.outcomes, 1)
	s.Len(s.events.published, 1, "ledger failure does not stop event publishing")
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.RunOutcomes.WithLabelValues("succeeded", "")))
}

func (s *RunnerSuite) TestRetryBound() {
	s.Run("retryable failure runs retries+1 times", func() {
		s.SetupTest()
		boom := pipeline.NewStepError(pipeline.FailureExtraction, pipeline.ReasonMalformed, "missing country", nil)
		r := s.newRunner([]pipeline.Step{ok(pipeline.StepGate), failing(pipeline.StepExtract, boom), ok(pipeline.StepStage)})

		outcome := r.Run(context.Background(), logicalDate)

		s.Equal(pipeline.StateFailed, outcome.State)
		s.Equal(pipeline.StepExtract, outcome.FailedStep)
		s.ErrorIs(outcome.Cause, boom)
		s.Equal(3, outcome.Attempts[pipeline.StepExtract])
		s.Zero(outcome.Attempts[pipeline.StepStage])
	})

	s.Run("non-retryable failure runs once", func() {
		s.SetupTest()
		fatal := pipeline.NewStepError(pipeline.FailureLoad, pipeline.ReasonConstraint, "bad", nil)
		fatal.Retryable = false
		r := s.newRunner([]pipeline.Step{failing(pipeline.StepLoad, fatal)})

		outcome := r.Run(context.Background(), logicalDate)
		s.Equal(1, outcome.Attempts[pipeline.StepLoad])
	})

	s.Run("gate is never retried", func() {
		s.SetupTest()
		r := s.newRunner([]pipeline.Step{failing(pipeline.StepGate, errors.New("flaky")), ok(pipeline.StepExtract)})

		outcome := r.Run(context.Background(), logicalDate)
		s.Equal(pipeline.StepGate, outcome.FailedStep)
		s.Equal(1, outcome.Attempts[pipeline.StepGate])
		s.Zero(outcome.Attempts[pipeline.StepExtract])
	})

	s.Run("step override", func() {
		s.SetupTest()
		r := s.newRunner([]pipeline.Step{failing(pipeline.StepLoad, errors.New("down"))},
			WithStepRetryPolicy(pipeline.StepLoad, RetryPolicy{Retries: 4}))

		outcome := r.Run(context.Background(), logicalDate)
		s.Equal(5, outcome.Attempts[pipeline.StepLoad])
	})

	s.Run("recovers after a transient failure", func() {
		s.SetupTest()
		calls := 0
		flaky := fakeStep{name: pipeline.StepLoad, fn: func(context.Context, *pipeline.RunContext) error {
			calls++
			if calls == 1 {
				return pipeline.NewStepError(pipeline.FailureLoad, pipeline.ReasonConnection, "reset", nil)
			}
			return nil
		}}
		r := s.newRunner([]pipeline.Step{flaky})

		outcome := r.Run(context.Background(), logicalDate)
		s.True(outcome.Succeeded())
		s.Equal(2, outcome.Attempts[pipeline.StepLoad])
	})
}

func (s *RunnerSuite) TestCleanup() {
	s.Run("runs on failure", func() {
		s.SetupTest()
		r := s.newRunner([]pipeline.Step{failing(pipeline.StepLoad, errors.New("down"))})

		outcome := r.Run(context.Background(), logicalDate)
		s.Equal([]string{outcome.RunID}, s.cleaner.calls())
	})

	s.Run("cleanup error is attached without failing the run", func() {
		s.SetupTest()
		s.cleaner.err = errors.New("permission denied")
		r := s.newRunner([]pipeline.Step{ok(pipeline.StepGate)})

		outcome := r.Run(context.Background(), logicalDate)
		s.True(outcome.Succeeded())
		s.ErrorContains(outcome.CleanupErr, "permission denied")
	})

	s.Run("runs after validation", func() {
		s.SetupTest()
		var removedBeforeValidate bool
		validate := fakeStep{name: pipeline.StepValidate, fn: func(context.Context, *pipeline.RunContext) error {
			removedBeforeValidate = len(s.cleaner.calls()) > 0
			return nil
		}}
		r := s.newRunner([]pipeline.Step{ok(pipeline.StepLoad), validate})

		r.Run(context.Background(), logicalDate)
		s.False(removedBeforeValidate)
		s.Len(s.cleaner.calls(), 1)
	})

	s.Run("panicking step fails the run and still cleans up", func() {
		s.SetupTest()
		boom := fakeStep{name: pipeline.StepStage, fn: func(context.Context, *pipeline.RunContext) error {
			panic("nil record")
		}}
		r := s.newRunner([]pipeline.Step{boom})

		outcome := r.Run(context.Background(), logicalDate)
		s.Equal(pipeline.StepStage, outcome.FailedStep)
		s.Equal(pipeline.FailureInternal, pipeline.FailureOf(outcome.Cause))
		s.Equal(1, outcome.Attempts[pipeline.StepStage])
		s.Len(s.cleaner.calls(), 1)
	})
}

func (s *RunnerSuite) TestCancellation() {
	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan struct{})
	blocking := fakeStep{name: pipeline.StepGate, fn: func(ctx context.Context, _ *pipeline.RunContext) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}}
	r := s.newRunner([]pipeline.Step{blocking, ok(pipeline.StepExtract)})

	h, err := r.Start(ctx, logicalDate)
	s.Require().NoError(err)
	<-entered
	cancel()
	<-h.Done()

	outcome, done := h.Outcome()
	s.Require().True(done)
	s.Equal(pipeline.StateFailed, outcome.State)
	s.Equal(pipeline.StepGate, outcome.FailedStep)
	s.ErrorIs(outcome.Cause, context.Canceled)
	s.Zero(outcome.Attempts[pipeline.StepExtract])
	s.Len(s.cleaner.calls(), 1)
	s.Len(s.events.published, 1, "bookkeeping survives cancellation")

	attempts, ctxErrs := s.recorder.recorded()
	s.Require().Len(attempts, 1, "the cancelled attempt is recorded")
	s.ErrorIs(attempts[0].Err, context.Canceled)
	for _, err := range ctxErrs {
		s.NoError(err, "ledger writes must not inherit the run's cancellation")
	}
}

func (s *RunnerSuite) TestCancellationDuringRetryWait() {
	ctx, cancel := context.WithCancel(context.Background())
	failed := make(chan struct{}, 1)
	step := fakeStep{name: pipeline.StepLoad, fn: func(context.Context, *pipeline.RunContext) error {
		failed <- struct{}{}
		return errors.New("down")
	}}
	r := s.newRunner([]pipeline.Step{step}, WithRetryPolicy(RetryPolicy{Retries: 2, Delay: time.Hour}))

	h, err := r.Start(ctx, logicalDate)
	s.Require().NoError(err)
	<-failed
	cancel()
	<-h.Done()

	outcome, _ := h.Outcome()
	s.ErrorIs(outcome.Cause, context.Canceled)
	s.Equal(1, outcome.Attempts[pipeline.StepLoad])
}

func (s *RunnerSuite) TestSingleActiveRun() {
	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := fakeStep{name: pipeline.StepGate, fn: func(context.Context, *pipeline.RunContext) error {
		close(entered)
		<-release
		return nil
	}}
	locker := lock.NewLocal()
	r := s.newRunner([]pipeline.Step{blocking}, WithLocker(locker, time.Minute))

	first, err := r.Start(context.Background(), logicalDate)
	s.Require().NoError(err)
	<-entered

	second := r.Run(context.Background(), logicalDate.Add(24*time.Hour))
	s.Equal(pipeline.StateFailed, second.State)
	s.Empty(second.FailedStep)
	s.ErrorIs(second.Cause, pipeline.ErrRunInProgress)
	s.Empty(s.cleaner.calls(), "a refused run touches no artifacts")

	_, err = r.Start(context.Background(), logicalDate)
	s.ErrorIs(err, pipeline.ErrRunInProgress)

	close(release)
	<-first.Done()
	outcome, _ := first.Outcome()
	s.True(outcome.Succeeded())

	third := r.Run(context.Background(), logicalDate)
	s.True(third.Succeeded(), "lock is released after the run")
}

func (s *RunnerSuite) TestLockOutlivesTTL() {
	var active, maxActive atomic.Int32
	step := fakeStep{name: pipeline.StepLoad, fn: func(context.Context, *pipeline.RunContext) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return errors.New("destination down")
	}}
	r := s.newRunner([]pipeline.Step{step},
		WithLocker(lock.NewLocal(), 50*time.Millisecond),
		WithRetryPolicy(RetryPolicy{Retries: 2, Delay: 40 * time.Millisecond}),
	)

	first, err := r.Start(context.Background(), logicalDate)
	s.Require().NoError(err)

	time.Sleep(70 * time.Millisecond)
	_, err = r.Start(context.Background(), logicalDate)
	s.ErrorIs(err, pipeline.ErrRunInProgress, "lease is renewed while the run is active")

	<-first.Done()
	outcome, _ := first.Outcome()
	s.Equal(3, outcome.Attempts[pipeline.StepLoad])
	s.NotErrorIs(outcome.Cause, lock.ErrLeaseLost)
	s.Equal(int32(1), maxActive.Load())
	s.Len(s.cleaner.calls(), 1)

	next := r.Run(context.Background(), logicalDate)
	s.Equal(pipeline.StateFailed, next.State)
	s.NotErrorIs(next.Cause, pipeline.ErrRunInProgress, "lock is free once the run ends")
}

func (s *RunnerSuite) TestLostLeaseCancelsRun() {
	locker := &lostLocker{}
	blocking := fakeStep{name: pipeline.StepGate, fn: func(ctx context.Context, _ *pipeline.RunContext) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	r := s.newRunner([]pipeline.Step{blocking, ok(pipeline.StepExtract)}, WithLocker(locker, 30*time.Millisecond))

	outcome := r.Run(context.Background(), logicalDate)

	s.Equal(pipeline.StateFailed, outcome.State)
	s.Equal(pipeline.StepGate, outcome.FailedStep)
	s.ErrorIs(outcome.Cause, lock.ErrLeaseLost)
	s.Zero(outcome.Attempts[pipeline.StepExtract])
	s.Equal(int32(1), locker.refreshed.Load(), "heartbeat stops once the lease is lost")
	s.Equal(int32(1), locker.released.Load())
}

func (s *RunnerSuite) TestTransientRefreshErrorKeepsRunning() {
	r := s.newRunner([]pipeline.Step{fakeStep{name: pipeline.StepGate, fn: func(context.Context, *pipeline.RunContext) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}}}, WithLocker(flakyLocker{lock.NewLocal()}, 15*time.Millisecond))

	outcome := r.Run(context.Background(), logicalDate)
	s.True(outcome.Succeeded(), "cause: %v", outcome.Cause)
}

func (s *RunnerSuite) TestHandleBeforeDone() {
	release := make(chan struct{})
	r := s.newRunner([]pipeline.Step{fakeStep{name: pipeline.StepGate, fn: func(context.Context, *pipeline.RunContext) error {
		<-release
		return nil
	}}})

	h, err := r.Start(context.Background(), logicalDate)
	s.Require().NoError(err)
	_, done := h.Outcome()
	s.False(done)
	close(release)
	<-h.Done()
	_, done = h.Outcome()
	s.True(done)
}
