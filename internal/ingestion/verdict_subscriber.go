package ingestion

import (
	"Bastion/internal/observability"
	"Bastion/internal/oracle"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// VerdictSink receives consensus verdicts. oracle.VerdictCache implements it.
type VerdictSink interface {
	Observe(v oracle.Verdict) (oracle.VerdictOutcome, string, error)
}

// VerdictSubscriber feeds consensus verdicts published by the operator
// network into a VerdictSink.
type VerdictSubscriber struct {
	js       jetstream.JetStream
	sink     VerdictSink
	consumer jetstream.ConsumeContext
	logger   zerolog.Logger
}

func NewVerdictSubscriber(js jetstream.JetStream, sink VerdictSink) *VerdictSubscriber {
	return &VerdictSubscriber{
		js:     js,
		sink:   sink,
		logger: observability.NewLogger("verdict-subscriber"),
	}
}

// Subscribe starts a durable consumer on bastion.consensus.verdicts.>.
// Delivery starts from the last message per subject so a restart sees the
// newest verdict of every asset.
func (vs *VerdictSubscriber) Subscribe(ctx context.Context, consumerName string) error {
	consumer, err := vs.js.CreateOrUpdateConsumer(ctx, VerdictStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: VerdictSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		// Malformed verdicts cannot succeed on redelivery.
		_ = vs.Handle(msg.Subject(), msg.Data())
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}
	vs.consumer = cc
	vs.logger.Info().Str("consumer", consumerName).Msg("subscribed to consensus verdicts")
	return nil
}

// Handle parses one verdict message and offers it to the sink.
func (vs *VerdictSubscriber) Handle(subject string, data []byte) error {
	v, err := ParseVerdict(data)
	if err != nil {
		vs.logger.Warn().Err(err).Str("subject", subject).Msg("dropping malformed verdict")
		return err
	}
	outcome, digest, err := vs.sink.Observe(v)
	if err != nil {
		vs.logger.Warn().Err(err).Str("subject", subject).Msg("verdict rejected")
		return err
	}
	vs.logger.Debug().
		Str("asset", v.Asset.Hex()).
		Bool("depegged", v.IsDepegged).
		Bool("valid", v.IsValid).
		Str("digest", digest).
		Str("outcome", string(outcome)).
		Msg("verdict observed")
	return nil
}

func (vs *VerdictSubscriber) Stop() {
	if vs.consumer != nil {
		vs.consumer.Stop()
	}
}
