// Package bus provides the message bus the scheduler, orchestrator, and
// workers communicate over: a control channel for lifecycle events, a jobs
// channel fanned out to workers by worker id, and a results channel fanned
// back in to the orchestrator.
//
// Messages carry a deterministic id and a type tag. Consumers deduplicate on
// the id, so redelivery after a crash or rebalance is safe as long as every
// handler is idempotent. Messages may be scheduled for future delivery; the
// publisher parks those in the deferred store and a pump releases them when
// due.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags a message so consumers can route it to a handler without
// inspecting the payload.
type MessageType string

const (
	// TypeBatchInit announces a newly detected batch whose init steps
	// should run.
	TypeBatchInit MessageType = "batch-init"

	// TypePhaseDue announces a phase execution whose due time has arrived.
	TypePhaseDue MessageType = "phase-due"

	// TypeMemberAdded announces a member that joined an active batch.
	TypeMemberAdded MessageType = "member-added"

	// TypeMemberRemoved announces a member that left an active batch.
	TypeMemberRemoved MessageType = "member-removed"

	// TypePollCheck re-invokes a polling step after its poll interval.
	TypePollCheck MessageType = "poll-check"

	// TypeRetryCheck re-dispatches a failed step after its retry delay.
	TypeRetryCheck MessageType = "retry-check"

	// TypeJob carries a worker invocation on the jobs channel.
	TypeJob MessageType = "job"

	// TypeResult carries a worker outcome on the results channel.
	TypeResult MessageType = "result"
)

// Default channel names. Deployments override these through Config.
const (
	DefaultControlTopic = "cutover.control"
	DefaultJobsTopic    = "cutover.jobs"
	DefaultResultsTopic = "cutover.results"
)

// Message is the unit of transport. ID is deterministic per logical event so
// consumers can deduplicate redeliveries; Key selects the partition (worker
// id on the jobs channel, batch id elsewhere) so ordering holds where it
// matters.
type Message struct {
	ID          string
	Type        MessageType
	Key         string
	ScheduledAt *time.Time
	Payload     []byte
}

// Handler processes one message. Returning an error leaves the message
// unacknowledged so the transport redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to a named channel. Implementations must treat a
// non-nil ScheduledAt in the future as a request for deferred delivery.
type Publisher interface {
	Publish(ctx context.Context, topic string, msgs ...Message) error
}

// Subscriber consumes messages from a named channel as part of a consumer
// group. Subscribe blocks until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}

// DecodePayload unmarshals a message payload into v, naming the message type
// in any error so handler logs identify the offending event.
func DecodePayload(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}

	return nil
}
