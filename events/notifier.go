package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sicko7947/hubflow/engine"
)

// Metadata keys set on published notifications
const (
	MetadataEvent = "hubflow_event"
	MetadataRunID = "hubflow_run_id"
)

// Notifier publishes engine notifications as JSON messages
type Notifier struct {
	publisher message.Publisher
	topic     string
}

// NewNotifier publishes to topic, or TopicNotifications when empty
func NewNotifier(publisher message.Publisher, topic string) *Notifier {
	if topic == "" {
		topic = TopicNotifications
	}
	return &Notifier{publisher: publisher, topic: topic}
}

// Notify implements engine.Notifier
func (n *Notifier) Notify(ctx context.Context, note engine.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataEvent, note.Event)
	msg.Metadata.Set(MetadataRunID, note.RunID)
	msg.SetContext(ctx)

	if err := n.publisher.Publish(n.topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s for run %s: %w", note.Event, note.RunID, err)
	}
	return nil
}
