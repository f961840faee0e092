package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to JetStream subjects and feeds raw
// commands into the single-threaded debt engine via commandChan.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	log         zerolog.Logger
}

// RawCommand is the parsed-but-untyped message from NATS, ready for the
// shell to validate and convert into a typed command before sending to
// the engine.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout. Commands and
// prices live on separate streams so the oracle feed can scale and be
// retained independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "synth.commands.stake.>", CommandType: "Stake", ConsumerName: "pool-stake", StreamName: "SYNTH_COMMANDS"},
		{Subject: "synth.commands.unstake.>", CommandType: "Unstake", ConsumerName: "pool-unstake", StreamName: "SYNTH_COMMANDS"},
		{Subject: "synth.commands.mint.>", CommandType: "Mint", ConsumerName: "pool-mint", StreamName: "SYNTH_COMMANDS"},
		{Subject: "synth.commands.burn.>", CommandType: "Burn", ConsumerName: "pool-burn", StreamName: "SYNTH_COMMANDS"},
		{Subject: "synth.commands.register.>", CommandType: "RegisterAsset", ConsumerName: "pool-register", StreamName: "SYNTH_COMMANDS"},
		{Subject: "synth.prices.>", CommandType: "PriceUpdate", ConsumerName: "pool-prices", StreamName: "SYNTH_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		log:         log,
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

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "SYNTH_COMMANDS",
			Subjects:  []string{"synth.commands.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "SYNTH_PRICES",
			Subjects:  []string{"synth.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
