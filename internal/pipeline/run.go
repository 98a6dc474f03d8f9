package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// State is a position in the run state machine.
type State string

const (
	StatePending    State = "pending"
	StateGating     State = "gating"
	StateExtracting State = "extracting"
	StateStaging    State = "staging"
	StateLoading    State = "loading"
	StateValidating State = "validating"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// StepName identifies a step in the chain.
type StepName string

const (
	StepGate     StepName = "gate"
	StepExtract  StepName = "extract"
	StepStage    StepName = "stage"
	StepLoad     StepName = "load"
	StepValidate StepName = "validate"
)

// State returns the runner state entered while the step executes.
func (n StepName) State() State {
	switch n {
	case StepGate:
		return StateGating
	case StepExtract:
		return StateExtracting
	case StepStage:
		return StateStaging
	case StepLoad:
		return StateLoading
	case StepValidate:
		return StateValidating
	default:
		return StatePending
	}
}

// Step is one link of the chain. Steps read their inputs from and write their
// outputs to the RunContext; they never manage retries themselves.
type Step interface {
	Name() StepName
	Run(ctx context.Context, rc *RunContext) error
}

// RunIDPrefix marks runs triggered for a schedule slot.
const RunIDPrefix = "scheduled__"

// RunIDFor derives the run identifier from the logical schedule timestamp.
func RunIDFor(logicalDate time.Time) string {
	return RunIDPrefix + logicalDate.UTC().Format("20060102T150405Z")
}

// RunContext is the per-execution state threaded through every step. It is
// created fresh by the runner for each run and never shared.
type RunContext struct {
	LogicalDate time.Time
	RunID       string
	ExecutionID string
	Logger      *slog.Logger
	Attempts    map[StepName]int

	// Hand-off slots filled by the steps in order.
	Record   *CanonicalRecord
	Artifact *StagingArtifact
	Load     *LoadResult
}

// NewRunContext builds the context for one execution of the logical date's slot.
func NewRunContext(logicalDate time.Time, logger *slog.Logger) *RunContext {
	runID := RunIDFor(logicalDate)
	executionID := uuid.NewString()
	if logger == nil {
		logger = slog.Default()
	}
	return &RunContext{
		LogicalDate: logicalDate.UTC(),
		RunID:       runID,
		ExecutionID: executionID,
		Logger: logger.With(
			"run_id", runID,
			"execution_id", executionID,
			"logical_date", logicalDate.UTC().Format(time.RFC3339),
		),
		Attempts: make(map[StepName]int),
	}
}

// Outcome is the terminal, user-visible result of a run.
type Outcome struct {
	RunID       string
	ExecutionID string
	LogicalDate time.Time
	State       State
	FailedStep  StepName
	Cause       error
	Attempts    map[StepName]int
	// CleanupErr is set when the staging artifact could not be removed.
	CleanupErr error
	StartedAt  time.Time
	EndedAt    time.Time
}

func (o Outcome) Succeeded() bool {
	return o.State == StateSucceeded
}

func (o Outcome) Duration() time.Duration {
	return o.EndedAt.Sub(o.StartedAt)
}

// Attempt is one execution of a step. Number starts at 1.
type Attempt struct {
	Step      StepName
	Number    int
	StartedAt time.Time
	EndedAt   time.Time
	Err       error
}

// Result is the attempt's metric label: "success", "cancelled" or the failure category.
func (a Attempt) Result() string {
	switch {
	case a.Err == nil:
		return "success"
	case IsCancellation(a.Err):
		return "cancelled"
	default:
		return string(FailureOf(a.Err))
	}
}
