package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stockledger/pkg/errors"
	"github.com/angelmondragon/stockledger/pkg/outbox/registry"
)

type verdict string

const (
	verdictPublished verdict = "published"
	verdictRetry     verdict = "retried"
	verdictTerminal  verdict = "terminal"
)

const (
	reasonUnresolvable = "unresolvable"
	reasonNonRetryable = "non_retryable"
	reasonMaxAttempts  = "max_attempts"
)

// delivery is the outcome of one publish attempt for one outbox row.
type delivery struct {
	verdict  verdict
	reason   string
	err      error
	resolved *registry.ResolvedEvent
}

func (d delivery) topic() string {
	if d.resolved == nil {
		return ""
	}
	return d.resolved.Descriptor.Topic
}

func (r *Relay) deliver(ctx context.Context, row models.OutboxEvent) delivery {
	resolved, err := r.events.Resolve(row)
	if err != nil {
		return delivery{verdict: verdictTerminal, reason: reasonUnresolvable, err: err}
	}

	err = r.publish(ctx, row, resolved)
	switch {
	case err == nil:
		return delivery{verdict: verdictPublished, resolved: resolved}
	case errors.As(err, new(registry.NonRetryableError)):
		return delivery{verdict: verdictTerminal, reason: reasonNonRetryable, err: err, resolved: resolved}
	case row.AttemptCount+1 >= r.maxAttempts:
		return delivery{
			verdict:  verdictTerminal,
			reason:   reasonMaxAttempts,
			err:      fmt.Errorf("max publish attempts reached: %w", err),
			resolved: resolved,
		}
	default:
		return delivery{verdict: verdictRetry, err: err, resolved: resolved}
	}
}

func (r *Relay) publish(ctx context.Context, row models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := r.topics.get(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}

	orderingKey := resolved.OrderingKey()
	msg := &gcppubsub.Message{
		Data:        row.Payload,
		OrderingKey: orderingKey,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(row.EventType),
			"aggregate_type": string(row.AggregateType),
			"aggregate_id":   row.AggregateID.String(),
			"business_id":    resolved.Envelope.BusinessID.String(),
			"created_at":     row.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	result := pub.Publish(publishCtx, msg)
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned no result for topic %s", topic))
	}
	if _, err := result.Get(publishCtx); err != nil {
		// A failed publish pauses its ordering key until resumed.
		pub.ResumePublish(orderingKey)
		return err
	}
	return nil
}

// settle records the delivery outcome on the row inside the batch transaction.
func (r *Relay) settle(ctx context.Context, tx *gorm.DB, row models.OutboxEvent, d delivery) error {
	logCtx := r.logg.WithFields(ctx, r.rowFields(row, d))
	if d.err != nil {
		logCtx = r.logg.WithField(logCtx, "error", d.err.Error())
	}
	r.metrics.Delivery(string(d.verdict))

	switch d.verdict {
	case verdictPublished:
		if err := r.repo.MarkPublishedTx(tx, row.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", row.ID, err)
		}
		r.logg.Info(logCtx, "outbox event published")
	case verdictRetry:
		r.logg.Warn(logCtx, "outbox publish failed, will retry")
		if err := r.repo.MarkFailedTx(tx, row.ID, d.err); err != nil {
			return fmt.Errorf("mark failure %s: %w", row.ID, err)
		}
	case verdictTerminal:
		r.logg.Alert(r.logg.WithField(logCtx, "diagnostic", pkgerrors.Dump(d.err)), "outbox event will not be retried", d.err)
		if err := r.repo.MarkTerminalTx(tx, row.ID, d.err, r.maxAttempts); err != nil {
			return fmt.Errorf("mark terminal %s: %w", row.ID, err)
		}
	}
	return nil
}

func (r *Relay) rowFields(row models.OutboxEvent, d delivery) map[string]any {
	fields := map[string]any{
		"outbox_id":      row.ID.String(),
		"event_type":     row.EventType,
		"aggregate_type": row.AggregateType,
		"aggregate_id":   row.AggregateID.String(),
		"attempt_count":  row.AttemptCount,
		"verdict":        d.verdict,
	}
	if d.verdict != verdictPublished {
		fields["attempt_count"] = row.AttemptCount + 1
	}
	if d.reason != "" {
		fields["terminal_reason"] = d.reason
	}
	if topic := d.topic(); topic != "" {
		fields["topic"] = topic
	}
	if d.resolved != nil && d.resolved.Envelope.EventID != "" {
		fields["event_id"] = d.resolved.Envelope.EventID
		fields["business_id"] = d.resolved.Envelope.BusinessID.String()
	}
	return fields
}
