package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/stockledger/pkg/config"
	"github.com/angelmondragon/stockledger/pkg/db/models"
	"github.com/angelmondragon/stockledger/pkg/enums"
	"github.com/angelmondragon/stockledger/pkg/outbox"
	"github.com/angelmondragon/stockledger/pkg/outbox/payloads"
)

// NonRetryableError marks a row that can never be published as it stands.
// The relay parks such rows instead of retrying them.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable outbox error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

func nonRetryable(format string, args ...any) error {
	return NewNonRetryableError(fmt.Errorf(format, args...))
}

// EventDescriptor binds an event type to its aggregate, its topic and the
// payload type its data decodes into.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
	newPayload    func() any
}

// ResolvedEvent is a validated outbox row ready to publish.
type ResolvedEvent struct {
	Descriptor  EventDescriptor
	AggregateID uuid.UUID
	Envelope    outbox.PayloadEnvelope
	Payload     any
}

// OrderingKey groups messages per aggregate so a hold's placed, captured and
// released events arrive in commit order.
func (r *ResolvedEvent) OrderingKey() string {
	return string(r.Descriptor.AggregateType) + ":" + r.AggregateID.String()
}

// EventRegistry knows every event type the engine emits.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

func payload[T any]() func() any {
	return func() any { return new(T) }
}

// NewEventRegistry routes every stock event to the configured stock topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	topic := cfg.StockTopic
	if topic == "" {
		return nil, errors.New("stock topic is required")
	}

	table := []EventDescriptor{
		{EventType: enums.EventStockChanged, AggregateType: enums.AggregateStockScope, newPayload: payload[payloads.StockChangedEvent]()},
		{EventType: enums.EventHoldPlaced, AggregateType: enums.AggregateStockHold, newPayload: payload[payloads.HoldEvent]()},
		{EventType: enums.EventHoldCaptured, AggregateType: enums.AggregateStockHold, newPayload: payload[payloads.HoldEvent]()},
		{EventType: enums.EventHoldReleased, AggregateType: enums.AggregateStockHold, newPayload: payload[payloads.HoldEvent]()},
		{EventType: enums.EventHoldExpired, AggregateType: enums.AggregateStockHold, newPayload: payload[payloads.HoldEvent]()},
		{EventType: enums.EventStockTransferred, AggregateType: enums.AggregateStockTransfer, newPayload: payload[payloads.StockTransferredEvent]()},
		{EventType: enums.EventStockTransferFailed, AggregateType: enums.AggregateStockTransfer, newPayload: payload[payloads.StockTransferFailedEvent]()},
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor, len(table))}
	for _, desc := range table {
		desc.Topic = topic
		reg.entries[desc.EventType] = desc
	}
	return reg, nil
}

// Lookup returns the descriptor for eventType.
func (r *EventRegistry) Lookup(eventType enums.OutboxEventType) (EventDescriptor, bool) {
	desc, ok := r.entries[eventType]
	return desc, ok
}

// Resolve checks the row against its descriptor and decodes the typed
// payload. Every failure is non-retryable: the row will not change.
func (r *EventRegistry) Resolve(row models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.Lookup(row.EventType)
	switch {
	case !ok:
		return nil, nonRetryable("unsupported event type %s", row.EventType)
	case desc.AggregateType != row.AggregateType:
		return nil, nonRetryable("event %s belongs to %s, row says %s", row.EventType, desc.AggregateType, row.AggregateType)
	case row.AggregateID == uuid.Nil:
		return nil, nonRetryable("event %s has no aggregate id", row.EventType)
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(row.Payload, &envelope); err != nil {
		return nil, nonRetryable("decode envelope: %w", err)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nonRetryable("event %s has an empty payload", row.EventType)
	}
	body := desc.newPayload()
	if err := json.Unmarshal(data, body); err != nil {
		return nil, nonRetryable("decode %s payload: %w", row.EventType, err)
	}

	return &ResolvedEvent{
		Descriptor:  desc,
		AggregateID: row.AggregateID,
		Envelope:    envelope,
		Payload:     body,
	}, nil
}
