// Package events publishes run outcomes for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"userpipe/internal/pipeline"
	"userpipe/internal/platform/metrics"
	"userpipe/pkg/platform/circuit"
	"userpipe/pkg/platform/sentinel"
)

// RunFinished is the only event type emitted today.
const RunFinished = "pipeline.run.finished"

// Event is the JSON payload written to the run topic.
type Event struct {
	Type         string         `json:"type"`
	RunID        string         `json:"run_id"`
	ExecutionID  string         `json:"execution_id"`
	LogicalDate  time.Time      `json:"logical_date"`
	State        string         `json:"state"`
	FailedStep   string         `json:"failed_step,omitempty"`
	Failure      string         `json:"failure,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Error        string         `json:"error,omitempty"`
	CleanupError string         `json:"cleanup_error,omitempty"`
	Attempts     map[string]int `json:"attempts"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
	DurationMS   int64          `json:"duration_ms"`
}

// FromOutcome builds the event for a terminal outcome.
func FromOutcome(o pipeline.Outcome) Event {
	e := Event{
		Type:        RunFinished,
		RunID:       o.RunID,
		ExecutionID: o.ExecutionID,
		LogicalDate: o.LogicalDate,
		State:       string(o.State),
		FailedStep:  string(o.FailedStep),
		Attempts:    make(map[string]int, len(o.Attempts)),
		StartedAt:   o.StartedAt,
		EndedAt:     o.EndedAt,
		DurationMS:  o.Duration().Milliseconds(),
	}
	for step, n := range o.Attempts {
		e.Attempts[string(step)] = n
	}
	if o.Cause != nil {
		e.Error = o.Cause.Error()
		if !pipeline.IsCancellation(o.Cause) {
			e.Failure = string(pipeline.FailureOf(o.Cause))
			e.Reason = string(pipeline.ReasonOf(o.Cause))
		}
	}
	if o.CleanupErr != nil {
		e.CleanupError = o.CleanupErr.Error()
	}
	return e
}

// Producer is the subset of *kgo.Client the publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher writes run events to a topic. Publishing is best-effort:
// after repeated failures the breaker opens and events are dropped and counted
// until a probe succeeds.
type KafkaPublisher struct {
	producer Producer
	topic    string
	breaker  *circuit.Breaker
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*KafkaPublisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *KafkaPublisher) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *KafkaPublisher) {
		p.metrics = m
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(p *KafkaPublisher) {
		if b != nil {
			p.breaker = b
		}
	}
}

func NewKafka(producer Producer, topic string, opts ...Option) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		breaker:  circuit.New("run-events", circuit.WithFailureThreshold(3), circuit.WithCooldown(time.Minute)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish sends the outcome keyed by run ID so every execution of a slot
// lands on the same partition.
func (p *KafkaPublisher) Publish(ctx context.Context, o pipeline.Outcome) error {
	if !p.breaker.Allow() {
		p.metrics.IncrementEventsDropped()
		p.logger.WarnContext(ctx, "run event dropped: publisher circuit open", "run_id", o.RunID)
		return nil
	}

	payload, err := json.Marshal(FromOutcome(o))
	if err != nil {
		return fmt.Errorf("encode run event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(o.RunID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(RunFinished)},
		},
	}

	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		if _, change := p.breaker.RecordFailure(); change.Opened {
			p.logger.WarnContext(ctx, "run event publisher circuit opened", "breaker", p.breaker.Name())
		}
		p.metrics.IncrementEventsDropped()
		return fmt.Errorf("publish run event: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	if _, change := p.breaker.RecordSuccess(); change.Closed {
		p.logger.InfoContext(ctx, "run event publisher circuit closed", "breaker", p.breaker.Name())
	}
	return nil
}

// NopPublisher discards events when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, pipeline.Outcome) error { return nil }
