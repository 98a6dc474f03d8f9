package runner

import (
	"context"
	"errors"

	"userpipe/internal/pipeline"
)

// Gate blocks until the source is ready or its window elapses.
type Gate interface {
	Await(ctx context.Context) error
}

type Extractor interface {
	Extract(ctx context.Context) (pipeline.CanonicalRecord, error)
}

// Stager owns staging artifacts for the run's lifetime.
type Stager interface {
	Write(record pipeline.CanonicalRecord, runID string) (pipeline.StagingArtifact, error)
	Read(artifact pipeline.StagingArtifact) (pipeline.CanonicalRecord, error)
	Remove(runID string) error
}

type Loader interface {
	Load(ctx context.Context, artifact pipeline.StagingArtifact) (pipeline.LoadResult, error)
}

type Validator interface {
	Validate(ctx context.Context, expected pipeline.CanonicalRecord) error
}

// Steps returns the fixed chain gate → extract → stage → load → validate.
func Steps(gate Gate, extractor Extractor, stager Stager, loader Loader, validator Validator) []pipeline.Step {
	return []pipeline.Step{
		gateStep{gate: gate},
		extractStep{extractor: extractor},
		stageStep{stager: stager},
		loadStep{loader: loader},
		validateStep{stager: stager, validator: validator},
	}
}

type gateStep struct {
	gate Gate
}

func (gateStep) Name() pipeline.StepName { return pipeline.StepGate }

func (s gateStep) Run(ctx context.Context, _ *pipeline.RunContext) error {
	return s.gate.Await(ctx)
}

type extractStep struct {
	extractor Extractor
}

func (extractStep) Name() pipeline.StepName { return pipeline.StepExtract }

func (s extractStep) Run(ctx context.Context, rc *pipeline.RunContext) error {
	record, err := s.extractor.Extract(ctx)
	if err != nil {
		return err
	}
	rc.Record = &record
	return nil
}

type stageStep struct {
	stager Stager
}

func (stageStep) Name() pipeline.StepName { return pipeline.StepStage }

func (s stageStep) Run(ctx context.Context, rc *pipeline.RunContext) error {
	if rc.Record == nil {
		return missingInput(pipeline.StepStage, "record")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	artifact, err := s.stager.Write(*rc.Record, rc.RunID)
	if err != nil {
		return err
	}
	rc.Artifact = &artifact
	return nil
}

type loadStep struct {
	loader Loader
}

func (loadStep) Name() pipeline.StepName { return pipeline.StepLoad }

func (s loadStep) Run(ctx context.Context, rc *pipeline.RunContext) error {
	if rc.Artifact == nil {
		return missingInput(pipeline.StepLoad, "staging artifact")
	}
	result, err := s.loader.Load(ctx, *rc.Artifact)
	if err != nil {
		return err
	}
	rc.Load = &result
	return nil
}

// validateStep re-derives the expected record from the artifact, which is
// still present because cleanup runs after the last step.
type validateStep struct {
	stager    Stager
	validator Validator
}

func (validateStep) Name() pipeline.StepName { return pipeline.StepValidate }

func (s validateStep) Run(ctx context.Context, rc *pipeline.RunContext) error {
	if rc.Artifact == nil {
		return missingInput(pipeline.StepValidate, "staging artifact")
	}
	expected, err := s.stager.Read(*rc.Artifact)
	if err != nil {
		var se *pipeline.StepError
		if errors.As(err, &se) {
			return pipeline.NewStepError(pipeline.FailureValidation, se.Reason, "re-read staging artifact", se)
		}
		return pipeline.NewStepError(pipeline.FailureValidation, pipeline.ReasonMalformed, "re-read staging artifact", err)
	}
	return s.validator.Validate(ctx, expected)
}

func missingInput(step pipeline.StepName, what string) error {
	err := pipeline.NewStepError(pipeline.FailureInternal, pipeline.ReasonUnknown, string(step)+" step ran without a "+what, nil)
	err.Retryable = false
	return err
}
