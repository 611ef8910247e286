// Package events connects the hub to a message bus: inbound envelopes are
// consumed from a topic and run lifecycle notifications are published to one.
package events

import (
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	// TopicInbound carries RawEvent envelopes submitted over the bus
	TopicInbound = "hubflow.events.inbound"
	// TopicNotifications carries run lifecycle notifications
	TopicNotifications = "hubflow.runs.notifications"
)

// PubSub is a publisher and subscriber pair over one transport
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides
func (p *PubSub) Close() error {
	return errors.Join(p.Publisher.Close(), p.Subscriber.Close())
}

// NewGoChannel creates an in-process pubsub for single-node deployments and tests
func NewGoChannel(logger watermill.LoggerAdapter) *PubSub {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 1000,
		},
		logger,
	)
	return &PubSub{Publisher: pubSub, Subscriber: pubSub}
}

// KafkaConfig selects the brokers and consumer group
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// NewKafka creates a Kafka-backed pubsub
func NewKafka(cfg KafkaConfig, logger watermill.LoggerAdapter) (*PubSub, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, errors.New("kafka brokers not configured")
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "cg-hubflow"
	}

	subscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	subscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: subscriberConfig,
			ConsumerGroup:         group,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka subscriber: %w", err)
	}

	publisherConfig := sarama.NewConfig()
	publisherConfig.Producer.Return.Successes = true
	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: publisherConfig,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}

	return &PubSub{Publisher: publisher, Subscriber: subscriber}, nil
}
