// Package extract fetches one user from the source and normalizes it into a
// pipeline.CanonicalRecord.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"userpipe/internal/pipeline"
	"userpipe/internal/pipeline/source"
)

// Fetcher issues one request for the raw user payload.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

type Extractor struct {
	fetcher  Fetcher
	hashCost int
	logger   *slog.Logger
}

type Option func(*Extractor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// WithHashCost sets the bcrypt cost used for the password field.
func WithHashCost(cost int) Option {
	return func(e *Extractor) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			e.hashCost = cost
		}
	}
}

func New(fetcher Fetcher, opts ...Option) (*Extractor, error) {
	if fetcher == nil {
		return nil, errors.New("extractor fetcher is required")
	}
	e := &Extractor{
		fetcher:  fetcher,
		hashCost: bcrypt.DefaultCost,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// rawUser is the source's field layout (randomuser.me style).
type rawUser struct {
	Name struct {
		First string `json:"first"`
		Last  string `json:"last"`
	} `json:"name"`
	Location struct {
		Country string `json:"country"`
	} `json:"location"`
	Login struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"login"`
}

// envelope accepts both {"results":[user,...]} and a bare user object.
type envelope struct {
	Results *[]rawUser `json:"results"`
	rawUser
}

// Extract fetches and normalizes exactly one record. Every failure is an
// extraction_failed StepError with a transport, status, decode or malformed reason.
func (e *Extractor) Extract(ctx context.Context) (pipeline.CanonicalRecord, error) {
	body, err := e.fetcher.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.CanonicalRecord{}, ctx.Err()
		}
		var statusErr *source.StatusError
		if errors.As(err, &statusErr) {
			return pipeline.CanonicalRecord{}, pipeline.NewStepError(pipeline.FailureExtraction, pipeline.ReasonStatus, "source rejected request", err)
		}
		return pipeline.CanonicalRecord{}, pipeline.NewStepError(pipeline.FailureExtraction, pipeline.ReasonTransport, "fetch user", err)
	}

	raw, err := decode(body)
	if err != nil {
		return pipeline.CanonicalRecord{}, err
	}

	record := pipeline.CanonicalRecord{
		FirstName: strings.TrimSpace(raw.Name.First),
		LastName:  strings.TrimSpace(raw.Name.Last),
		Country:   strings.TrimSpace(raw.Location.Country),
		Username:  strings.TrimSpace(raw.Login.Username),
		Password:  raw.Login.Password,
	}
	if missing := record.MissingFields(); len(missing) > 0 {
		return pipeline.CanonicalRecord{}, pipeline.NewStepError(pipeline.FailureExtraction, pipeline.ReasonMalformed,
			"missing required fields: "+strings.Join(missing, ", "), nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(record.Password), e.hashCost)
	if err != nil {
		return pipeline.CanonicalRecord{}, pipeline.NewStepError(pipeline.FailureExtraction, pipeline.ReasonMalformed, "hash password", err)
	}
	record.Password = string(hash)

	e.logger.InfoContext(ctx, "user extracted", "username", record.Username)
	return record, nil
}

func decode(body []byte) (rawUser, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return rawUser{}, pipeline.NewStepError(pipeline.FailureExtraction, pipeline.ReasonDecode, "decode payload", err)
	}
	if env.Results == nil {
		return env.rawUser, nil
	}
	if len(*env.Results) == 0 {
		return rawUser{}, pipeline.NewStepError(pipeline.FailureExtraction, pipeline.ReasonMalformed, "payload has no results", nil)
	}
	if n := len(*env.Results); n > 1 {
		return rawUser{}, pipeline.NewStepError(pipeline.FailureExtraction, pipeline.ReasonMalformed,
			fmt.Sprintf("expected a single result, got %d", n), nil)
	}
	return (*env.Results)[0], nil
}
