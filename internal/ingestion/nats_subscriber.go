package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Subject roots. The last token of every inbound subject is the vault
// address, or the network for prices.
const (
	SubjectOperations = "vault.ops"
	SubjectSnapshots  = "vault.snapshots"
	SubjectPrices     = "vault.prices"
	SubjectReplay     = "vault.replay"
	SubjectLedger     = "vault.ledger"
)

// Message is an inbound NATS message awaiting processing.
type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	Ack       func() // processed; do not redeliver
	Nak       func() // failed; redeliver later
	Term      func() // unprocessable; never redeliver
}

// SubjectConfig binds one subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the inbound consumers.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: SubjectOperations + ".>", ConsumerName: "ledger-ops", StreamName: "VAULT_INPUT"},
		{Subject: SubjectSnapshots + ".>", ConsumerName: "ledger-snapshots", StreamName: "VAULT_INPUT"},
		{Subject: SubjectPrices + ".>", ConsumerName: "ledger-prices", StreamName: "VAULT_INPUT"},
		{Subject: SubjectReplay + ".>", ConsumerName: "ledger-replay", StreamName: "VAULT_REPLAY"},
	}
}

// NATSSubscriber consumes JetStream subjects and hands messages to a
// channel for the dispatcher.
type NATSSubscriber struct {
	js        jetstream.JetStream
	out       chan<- Message
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- Message, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:     js,
		out:    out,
		logger: logger,
	}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ACK, max_deliver=5 and ack_wait=5m; a replay can take minutes.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       5 * time.Minute,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			m := Message{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				Ack:       func() { msg.Ack() },
				Nak:       func() { msg.Nak() },
				Term:      func() { msg.Term() },
			}

			select {
			case ns.out <- m:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumeCtx)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound and outbound streams if missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "VAULT_INPUT",
			Subjects:  []string{SubjectOperations + ".>", SubjectSnapshots + ".>", SubjectPrices + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_REPLAY",
			Subjects:  []string{SubjectReplay + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       "VAULT_LEDGER",
			Subjects:   []string{SubjectLedger + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream handle.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("vaultledger"),
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
