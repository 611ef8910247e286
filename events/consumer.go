package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/sicko7947/hubflow"
	"github.com/sicko7947/hubflow/ingress"
)

// Submitter accepts envelopes into the hub
type Submitter interface {
	Submit(ctx context.Context, raw ingress.RawEvent) (string, error)
}

// Consumer feeds envelopes from a topic into ingress.
//
// Rejected envelopes are acked and logged since redelivery cannot fix them.
// Any other failure nacks the message for redelivery, including an event
// that was stored while one of its runs failed to start. The idempotency
// key keeps the redelivery from storing a second event; envelopes without
// one are keyed by the message UUID.
type Consumer struct {
	subscriber message.Subscriber
	submitter  Submitter
	topic      string
	logger     zerolog.Logger
}

// NewConsumer creates a consumer of topic, or TopicInbound when empty
func NewConsumer(subscriber message.Subscriber, submitter Submitter, topic string, logger zerolog.Logger) *Consumer {
	if topic == "" {
		topic = TopicInbound
	}
	return &Consumer{
		subscriber: subscriber,
		submitter:  submitter,
		topic:      topic,
		logger:     logger.With().Str("component", "consumer").Str("topic", topic).Logger(),
	}
}

// Run consumes until ctx is cancelled or the subscription closes
func (c *Consumer) Run(ctx context.Context) error {
	messages, err := c.subscriber.Subscribe(ctx, c.topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}

	c.logger.Info().Msg("Consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	logger := c.logger.With().Str("message_id", msg.UUID).Logger()

	var raw ingress.RawEvent
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		logger.Warn().Err(err).Msg("Dropping undecodable envelope")
		msg.Ack()
		return
	}

	if raw.IdempotencyKey == "" {
		raw.IdempotencyKey = "msg:" + msg.UUID
	}

	eventID, err := c.submitter.Submit(ctx, raw)
	switch {
	case err == nil:
		logger.Debug().Str("event_id", eventID).Msg("Envelope accepted")
		msg.Ack()
	case errors.Is(err, hubflow.ErrMalformedPayload), errors.Is(err, hubflow.ErrUnknownSource):
		logger.Warn().Err(err).Str("source_system", raw.SourceSystem).Msg("Envelope rejected")
		msg.Ack()
	case eventID != "":
		// Redelivery dedups to this event and starts the missing runs
		logger.Error().Err(err).Str("event_id", eventID).Msg("Event stored with run errors, requesting redelivery")
		msg.Nack()
	default:
		logger.Error().Err(err).Msg("Envelope submission failed, requesting redelivery")
		msg.Nack()
	}
}
