package bus

import (
	"context"
	"time"
)

// DedupStore remembers which message ids a consumer group has finished
// processing. Handlers are compare-and-set idempotent, so the store is a
// redelivery short-circuit rather than a correctness requirement: a crash
// between handling and marking just means one harmless re-run.
type DedupStore interface {
	// AlreadyProcessed reports whether the group finished this message id.
	AlreadyProcessed(ctx context.Context, group, messageID string) (bool, error)

	// MarkProcessed records that the group finished this message id.
	MarkProcessed(ctx context.Context, group, messageID string) error
}

// DeferredMessage is a parked message along with the storage row id the
// pump acknowledges once the message is published.
type DeferredMessage struct {
	ID      int64
	Topic   string
	Message Message
}

// DeferredStore parks messages whose ScheduledAt lies in the future and
// hands them back when due. Claimed rows that are never acknowledged become
// claimable again after the hold lapses, giving at-least-once delivery.
type DeferredStore interface {
	// Defer parks the message until its scheduled time.
	Defer(ctx context.Context, topic string, msg Message) error

	// ClaimDue claims up to limit due messages for the hold duration.
	ClaimDue(ctx context.Context, asOf time.Time, hold time.Duration, limit int) ([]DeferredMessage, error)

	// Ack deletes claimed rows after publishing.
	Ack(ctx context.Context, ids []int64) error
}
