package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"userpipe/internal/pipeline"
	"userpipe/internal/platform/logger"
	"userpipe/pkg/platform/sentinel"
)

type LedgerSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	var err error
	s.store, err = Open(s.ctx, filepath.Join(s.T().TempDir(), "ledger.db"))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = s.store.Close() })
}

var logicalDate = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func (s *LedgerSuite) TestOpenRequiresPath() {
	_, err := Open(s.ctx, "")
	s.ErrorContains(err, "ledger path is required")
}

func (s *LedgerSuite) TestRunLifecycle() {
	rc := pipeline.NewRunContext(logicalDate, logger.Discard())
	started := time.Now().UTC().Truncate(time.Millisecond)
	s.Require().NoError(s.store.RunStarted(s.ctx, rc, started))

	s.Run("pending run is visible", func() {
		run, err := s.store.LatestRun(s.ctx, rc.RunID)
		s.Require().NoError(err)
		s.Equal(pipeline.StatePending, run.State)
		s.Nil(run.EndedAt)
		s.Empty(run.Attempts)
	})

	s.Run("attempts are appended in order", func() {
		failed := pipeline.NewStepError(pipeline.FailureExtraction, pipeline.ReasonMalformed, "missing country", nil)
		s.Require().NoError(s.store.AttemptFinished(s.ctx, rc, pipeline.Attempt{Step: pipeline.StepGate, Number: 1, StartedAt: started, EndedAt: started}))
		s.Require().NoError(s.store.AttemptFinished(s.ctx, rc, pipeline.Attempt{Step: pipeline.StepExtract, Number: 1, StartedAt: started, EndedAt: started, Err: failed}))

		run, err := s.store.LatestRun(s.ctx, rc.RunID)
		s.Require().NoError(err)
		s.Equal(pipeline.StateExtracting, run.State)
		s.Require().Len(run.Attempts, 2)
		s.Equal("success", run.Attempts[0].Result)
		s.Equal(pipeline.StepExtract, run.Attempts[1].Step)
		s.Equal("extraction_failed", run.Attempts[1].Result)
		s.Contains(run.Attempts[1].Error, "missing country")
	})

	s.Run("outcome is terminal", func() {
		outcome := pipeline.Outcome{
			RunID:       rc.RunID,
			ExecutionID: rc.ExecutionID,
			State:       pipeline.StateFailed,
			FailedStep:  pipeline.StepExtract,
			Cause:       errors.New("extraction_failed{malformed}: missing country"),
			StartedAt:   started,
			EndedAt:     started.Add(time.Second),
		}
		s.Require().NoError(s.store.RunFinished(s.ctx, outcome))

		run, err := s.store.LatestRun(s.ctx, rc.RunID)
		s.Require().NoError(err)
		s.Equal(pipeline.StateFailed, run.State)
		s.Equal(pipeline.StepExtract, run.FailedStep)
		s.Contains(run.Error, "missing country")
		s.Require().NotNil(run.EndedAt)
	})
}

func (s *LedgerSuite) TestLatestRunPicksNewestExecution() {
	first := pipeline.NewRunContext(logicalDate, logger.Discard())
	second := pipeline.NewRunContext(logicalDate, logger.Discard())
	now := time.Now().UTC()
	s.Require().NoError(s.store.RunStarted(s.ctx, first, now.Add(-time.Hour)))
	s.Require().NoError(s.store.RunStarted(s.ctx, second, now))

	run, err := s.store.LatestRun(s.ctx, first.RunID)
	s.Require().NoError(err)
	s.Equal(second.ExecutionID, run.ExecutionID)
}

func (s *LedgerSuite) TestNotFound() {
	_, err := s.store.LatestRun(s.ctx, "scheduled__19700101T000000Z")
	s.ErrorIs(err, sentinel.ErrNotFound)

	err = s.store.RunFinished(s.ctx, pipeline.Outcome{ExecutionID: "missing", EndedAt: time.Now()})
	s.ErrorIs(err, sentinel.ErrNotFound)
}
