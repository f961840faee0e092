package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes applied operations to NATS for downstream
// consumers. Subjects follow synth.pool.events.{command_type}[.{symbol}].
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableOperation
	log       zerolog.Logger
}

// PublishableOperation is an applied operation ready for outbound publishing.
type PublishableOperation struct {
	Sequence       int64       `json:"sequence"`
	CommandType    string      `json:"command_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Symbol         *string     `json:"symbol,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableOperation, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the op log directly
				op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableOperation) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	subject := fmt.Sprintf("synth.pool.events.%s", evt.CommandType)
	if evt.Symbol != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.Symbol)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SYNTH_POOL_EVENTS",
		Subjects:  []string{"synth.pool.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "SYNTH_POOL_EVENTS").Msg("ensured outbound stream")
	return nil
}
