package ingestion

import (
	"Bastion/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream = "BASTION_COMMANDS"
	VerdictStream = "BASTION_VERDICTS"

	CommandSubjectPrefix = "bastion.commands."
	VerdictSubjectPrefix = "bastion.consensus.verdicts."
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// commands to the router via rawChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a message from NATS that has not been parsed yet.
type RawEvent struct {
	Subject     string
	CommandType string
	Data        []byte
	Timestamp   time.Time
	AckFunc     func() // ACK after the command was applied or terminally rejected
	NakFunc     func() // NAK to have it redelivered
}

func (r RawEvent) Ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) Nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// CommandSubject returns the subject a command type is published on.
func CommandSubject(commandType string) string {
	return CommandSubjectPrefix + commandType
}

// DefaultSubjects returns one durable consumer per command type. Each type has
// its own subject so the collector stream can be scaled and replayed alone.
func DefaultSubjects() []SubjectConfig {
	types := []struct{ name, consumer string }{
		{"ConfigureAsset", "bastion-configure-asset"},
		{"SetAssetStatus", "bastion-asset-status"},
		{"SetPayoutToken", "bastion-payout-token"},
		{"SetCollector", "bastion-set-collector"},
		{"Pause", "bastion-pause"},
		{"Unpause", "bastion-unpause"},
		{"EmergencyWithdraw", "bastion-emergency-withdraw"},
		{"CollectPremium", "bastion-collect-premium"},
		{"UpdatePosition", "bastion-update-position"},
		{"ExecutePayout", "bastion-execute-payout"},
		{"Claim", "bastion-claim"},
		{"DepositFunds", "bastion-deposit"},
		{"WithdrawFunds", "bastion-withdraw"},
	}
	out := make([]SubjectConfig, 0, len(types))
	for _, t := range types {
		out = append(out, SubjectConfig{
			Subject:      CommandSubject(t.name),
			CommandType:  t.name,
			ConsumerName: t.consumer,
			StreamName:   CommandStream,
		})
	}
	return out
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		commandType := cfg.CommandType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:     msg.Subject(),
				CommandType: commandType,
				Data:        msg.Data(),
				Timestamp:   time.Now(),
				AckFunc:     func() { _ = msg.Ack() },
				NakFunc:     func() { _ = msg.Nak() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

func streamConfig(name, subject string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
}

// EnsureStreams creates the inbound command and verdict streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("nats")
	streams := []jetstream.StreamConfig{
		streamConfig(CommandStream, CommandSubjectPrefix+">"),
		streamConfig(VerdictStream, VerdictSubjectPrefix+">"),
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
