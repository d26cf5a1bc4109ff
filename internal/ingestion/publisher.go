package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes queue-change events to NATS for
// downstream consumers (UI gateways, the watchdog, analytics).
// Events are published after persistence is confirmed; subjects follow
// the pattern voi.ledger.spins.{kind}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is a queue change ready for outbound publishing.
type PublishableEvent struct {
	Address         string    `json:"address"`
	Kind            string    `json:"kind"`
	SpinID          string    `json:"spin_id,omitempty"`
	ReservedBalance int64     `json:"reserved_balance"`
	LastUpdated     int64     `json:"last_updated"`
	Timestamp       time.Time `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
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
				// Non-fatal: subscribers can re-read persisted state
				op.logger.Warn().Err(err).
					Str("address", evt.Address).
					Str("kind", evt.Kind).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("voi.ledger.spins.%s", evt.Kind)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "VOI_LEDGER_SPINS",
		Subjects:  []string{"voi.ledger.spins.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Msg("ensured outbound stream VOI_LEDGER_SPINS")
	return nil
}
