package ingestion

import (
	"Bastion/internal/core"
	"Bastion/internal/observability"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Decision tells the subscriber what to do with a NATS message.
type Decision int

const (
	DecisionAck Decision = iota
	DecisionNak
)

func (d Decision) String() string {
	if d == DecisionNak {
		return "nak"
	}
	return "ack"
}

// Decide maps a processing outcome to an ack decision. Parse failures and
// engine rejections are terminal and acked; a sequence gap is nacked so the
// missing collector command can arrive first.
func Decide(err error) Decision {
	switch {
	case err == nil:
		return DecisionAck
	case errors.Is(err, core.ErrDuplicateCommand):
		return DecisionAck
	case errors.Is(err, core.ErrSequenceGap):
		return DecisionNak
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return DecisionNak
	default:
		return DecisionAck
	}
}

// Router parses raw NATS messages and submits them to the processor run loop.
type Router struct {
	submit chan<- core.Submission
	logger zerolog.Logger
}

func NewRouter(submit chan<- core.Submission) *Router {
	return &Router{
		submit: submit,
		logger: observability.NewLogger("router"),
	}
}

// Run drains rawChan until ctx is done or the channel is closed.
func (r *Router) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			r.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks or naks it.
func (r *Router) Handle(ctx context.Context, raw RawEvent) Decision {
	cmd, err := ParseRawCommand(raw, raw.CommandType)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		raw.Ack()
		return DecisionAck
	}

	reply, err := core.Submit(ctx, r.submit, cmd)
	if err == nil {
		err = reply.Err
	}

	d := Decide(err)
	switch {
	case err == nil:
		r.logger.Debug().
			Str("command_type", raw.CommandType).
			Str("command_id", cmd.IdempotencyKey()).
			Int64("sequence", reply.Sequence).
			Msg("command applied")
	case d == DecisionNak:
		r.logger.Info().Err(err).
			Str("command_type", raw.CommandType).
			Str("command_id", cmd.IdempotencyKey()).
			Msg("command deferred")
	default:
		r.logger.Info().Err(err).
			Str("command_type", raw.CommandType).
			Str("command_id", cmd.IdempotencyKey()).
			Str("kind", core.KindOf(err).String()).
			Msg("command rejected")
	}

	if d == DecisionNak {
		raw.Nak()
	} else {
		raw.Ack()
	}
	return d
}
