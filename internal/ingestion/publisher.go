package ingestion

import (
	"Bastion/internal/core"
	"Bastion/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream        = "BASTION_SETTLEMENT_EVENTS"
	OutboundSubjectPrefix = "bastion.settlement.events."
)

// StreamPublisher is the subset of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied commands to NATS for downstream consumers.
// Subjects follow the pattern bastion.settlement.events.{event_type}.
type OutboundPublisher struct {
	js         StreamPublisher
	inputChan  <-chan core.CoreOutput
	maxElapsed time.Duration
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// PublishableEvent is the outbound form of one applied command.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         string          `json:"caller"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishableEvent builds the outbound event for an applied command.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	payload := json.RawMessage(env.Result)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.CommandType.OutcomeName(),
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.Hex(),
		Payload:        payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// Subject returns the NATS subject the event is published on.
func (e PublishableEvent) Subject() string {
	return OutboundSubjectPrefix + e.EventType
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:         js,
		inputChan:  inputChan,
		maxElapsed: 5 * time.Second,
		metrics:    metrics,
		logger:     observability.NewLogger("publisher"),
	}
}

// SetMaxElapsed bounds the retry time spent on a single event.
func (op *OutboundPublisher) SetMaxElapsed(d time.Duration) {
	op.maxElapsed = d
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}

			evt := NewPublishableEvent(out)
			if err := op.Publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly.
				op.logger.Warn().Err(err).
					Int64("sequence", evt.Sequence).
					Str("event_type", evt.EventType).
					Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// Publish sends one event, retrying transient failures with backoff. The
// sequence is the JetStream message id so retries are deduplicated.
func (op *OutboundPublisher) Publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msgID := fmt.Sprintf("bastion-%d", evt.Sequence)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = op.maxElapsed

	return backoff.Retry(func() error {
		_, err := op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(msgID))
		return err
	}, backoff.WithContext(b, ctx))
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	if _, err := js.CreateOrUpdateStream(ctx, streamConfig(OutboundStream, OutboundSubjectPrefix+">")); err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("nats")
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
