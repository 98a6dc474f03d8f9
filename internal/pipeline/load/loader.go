// Package load upserts a staged record into the destination.
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"userpipe/internal/pipeline"
	"userpipe/internal/platform/metrics"
	"userpipe/pkg/platform/sentinel"
)

// Store is the destination write port.
type Store interface {
	Upsert(ctx context.Context, record pipeline.CanonicalRecord) (inserted bool, err error)
}

// ArtifactReader parses a staging artifact back into a record.
type ArtifactReader interface {
	Read(artifact pipeline.StagingArtifact) (pipeline.CanonicalRecord, error)
}

type Loader struct {
	store   Store
	reader  ArtifactReader
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Loader)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

func New(store Store, reader ArtifactReader, opts ...Option) (*Loader, error) {
	if store == nil {
		return nil, errors.New("loader store is required")
	}
	if reader == nil {
		return nil, errors.New("artifact reader is required")
	}
	l := &Loader{
		store:  store,
		reader: reader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Load reads the artifact and upserts its row keyed by username. Loading the
// same artifact twice leaves exactly one row.
func (l *Loader) Load(ctx context.Context, artifact pipeline.StagingArtifact) (pipeline.LoadResult, error) {
	if artifact.Format != "" && artifact.Format != pipeline.StagingFormatCSV {
		return pipeline.LoadResult{}, pipeline.NewStepError(pipeline.FailureLoad, pipeline.ReasonMalformed,
			fmt.Sprintf("unsupported staging format %q", artifact.Format), nil)
	}
	record, err := l.reader.Read(artifact)
	if err != nil {
		var se *pipeline.StepError
		if errors.As(err, &se) {
			return pipeline.LoadResult{}, err
		}
		return pipeline.LoadResult{}, pipeline.NewStepError(pipeline.FailureLoad, pipeline.ReasonMalformed, "read artifact", err)
	}

	inserted, err := l.store.Upsert(ctx, record)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.LoadResult{}, ctxErr
		}
		if errors.Is(err, sentinel.ErrConflict) {
			return pipeline.LoadResult{}, pipeline.NewStepError(pipeline.FailureLoad, pipeline.ReasonConstraint, "destination rejected row", err)
		}
		return pipeline.LoadResult{}, pipeline.NewStepError(pipeline.FailureLoad, pipeline.ReasonConnection, "destination write failed", err)
	}

	l.metrics.IncrementRowsLoaded(inserted)
	l.logger.InfoContext(ctx, "user row loaded",
		"username", record.Username,
		"inserted", inserted,
	)
	return pipeline.LoadResult{Key: record.Key(), Inserted: inserted}, nil
}
