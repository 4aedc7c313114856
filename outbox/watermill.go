package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fortressi/saga/uow"
)

// Metadata keys set on watermill messages.
const (
	MetadataEventName      = "event_name"
	MetadataAggregateID    = "aggregate_id"
	MetadataOrganizationID = "organization_id"
)

// WatermillSink forwards events to a watermill publisher, one topic per
// event name. It implements uow.Publisher and is meant as a Relay sink.
type WatermillSink struct {
	publisher   message.Publisher
	topicPrefix string
}

// NewWatermillSink creates a sink over publisher. Topics are the event name
// behind topicPrefix.
func NewWatermillSink(publisher message.Publisher, topicPrefix string) (*WatermillSink, error) {
	if publisher == nil {
		return nil, errors.New("watermill publisher is required")
	}
	return &WatermillSink{publisher: publisher, topicPrefix: topicPrefix}, nil
}

// Topic returns the topic an event name is published on.
func (s *WatermillSink) Topic(eventName string) string {
	return s.topicPrefix + eventName
}

// Publish sends event as one watermill message on the event's topic.
func (s *WatermillSink) Publish(ctx context.Context, event uow.Event, organizationID string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataEventName, event.Name)
	msg.Metadata.Set(MetadataAggregateID, event.AggregateID)
	msg.Metadata.Set(MetadataOrganizationID, organizationID)

	if err := s.publisher.Publish(s.Topic(event.Name), msg); err != nil {
		return fmt.Errorf("publish %s to watermill: %w", event, err)
	}
	return nil
}

// DecodeWatermillMessage reads the event back from a message produced by
// WatermillSink.
func DecodeWatermillMessage(msg *message.Message) (uow.Event, error) {
	var event uow.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return uow.Event{}, fmt.Errorf("decode watermill message %s: %w", msg.UUID, err)
	}
	if org := msg.Metadata.Get(MetadataOrganizationID); org != "" {
		event.OrganizationID = org
	}
	return event, nil
}
