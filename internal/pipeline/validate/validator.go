// Package validate confirms the destination row matches what was loaded.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"userpipe/internal/pipeline"
	"userpipe/internal/pipeline/store"
)

// Store is the read-only destination port.
type Store interface {
	FindByKey(ctx context.Context, username string) ([]store.Row, error)
	Count(ctx context.Context) (int, error)
}

type Validator struct {
	store  Store
	logger *slog.Logger
}

type Option func(*Validator)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

func New(s Store, opts ...Option) (*Validator, error) {
	if s == nil {
		return nil, errors.New("validator store is required")
	}
	v := &Validator{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate checks that exactly one row exists for expected's key and that
// every column matches. It never writes.
func (v *Validator) Validate(ctx context.Context, expected pipeline.CanonicalRecord) error {
	rows, err := v.store.FindByKey(ctx, expected.Key())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return pipeline.NewStepError(pipeline.FailureValidation, pipeline.ReasonConnection, "read destination", err)
	}

	switch len(rows) {
	case 0:
		return pipeline.NewStepError(pipeline.FailureValidation, pipeline.ReasonMissing,
			fmt.Sprintf("no row for username %q", expected.Key()), nil)
	case 1:
	default:
		return pipeline.NewStepError(pipeline.FailureValidation, pipeline.ReasonDuplicate,
			fmt.Sprintf("%d rows for username %q", len(rows), expected.Key()), nil)
	}

	if diff := expected.Diff(rows[0].CanonicalRecord); len(diff) > 0 {
		return pipeline.NewStepError(pipeline.FailureValidation, pipeline.ReasonMismatch,
			"columns differ: "+strings.Join(diff, ","), nil)
	}

	// The summary is informational; a failed count does not fail validation.
	total, err := v.store.Count(ctx)
	if err != nil {
		v.logger.WarnContext(ctx, "count destination rows", "error", err)
		return nil
	}
	v.logger.InfoContext(ctx, "destination row validated",
		"username", expected.Username,
		"total_rows", total,
		"updated_at", rows[0].UpdatedAt,
	)
	return nil
}
