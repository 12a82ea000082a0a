package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InMemoryBus is a single-process Publisher and Subscriber that delivers
// synchronously during Publish. Scheduled messages are held until
// DeliverScheduled releases them, which lets tests drive time explicitly.
// Message ids are deduplicated per consumer group like the real transport.
type InMemoryBus struct {
	mu        sync.Mutex
	handlers  map[string][]registration
	processed map[string]map[string]bool
	held      []heldMessage
	log       map[string][]Message
}

type registration struct {
	group   string
	handler Handler
}

type heldMessage struct {
	topic string
	msg   Message
}

// NewInMemoryBus creates an empty in-memory bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers:  make(map[string][]registration),
		processed: make(map[string]map[string]bool),
		log:       make(map[string][]Message),
	}
}

// Subscribe registers the handler for the topic and returns immediately.
// Delivery happens inside Publish on the publisher's goroutine.
func (b *InMemoryBus) Subscribe(_ context.Context, topic, group string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[topic] = append(b.handlers[topic], registration{group: group, handler: handler})

	return nil
}

// Publish records the messages and delivers the unscheduled ones to every
// registered handler. Handler errors are joined into the return value.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, msgs ...Message) error {
	now := time.Now().UTC()

	var errs []error

	for _, msg := range msgs {
		b.mu.Lock()
		b.log[topic] = append(b.log[topic], msg)

		if msg.ScheduledAt != nil && msg.ScheduledAt.After(now) {
			b.held = append(b.held, heldMessage{topic: topic, msg: msg})
			b.mu.Unlock()

			continue
		}
		b.mu.Unlock()

		if err := b.deliver(ctx, topic, msg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// DeliverScheduled releases held messages due as of the given time and
// returns how many were delivered. Handler errors are joined.
func (b *InMemoryBus) DeliverScheduled(ctx context.Context, asOf time.Time) (int, error) {
	b.mu.Lock()

	var due []heldMessage

	remaining := b.held[:0]

	for _, held := range b.held {
		if held.msg.ScheduledAt != nil && held.msg.ScheduledAt.After(asOf) {
			remaining = append(remaining, held)
		} else {
			due = append(due, held)
		}
	}

	b.held = remaining
	b.mu.Unlock()

	var errs []error

	for _, held := range due {
		msg := held.msg
		msg.ScheduledAt = nil

		if err := b.deliver(ctx, held.topic, msg); err != nil {
			errs = append(errs, err)
		}
	}

	return len(due), errors.Join(errs...)
}

// Published returns a copy of every message published to the topic,
// including held ones, in publish order.
func (b *InMemoryBus) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, len(b.log[topic]))
	copy(out, b.log[topic])

	return out
}

// HeldCount returns how many scheduled messages are waiting for release.
func (b *InMemoryBus) HeldCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.held)
}

func (b *InMemoryBus) deliver(ctx context.Context, topic string, msg Message) error {
	b.mu.Lock()
	registrations := make([]registration, len(b.handlers[topic]))
	copy(registrations, b.handlers[topic])
	b.mu.Unlock()

	var errs []error

	for _, reg := range registrations {
		if b.alreadyProcessed(reg.group, msg.ID) {
			continue
		}

		if err := reg.handler(ctx, msg); err != nil {
			errs = append(errs, err)

			continue
		}

		b.markProcessed(reg.group, msg.ID)
	}

	return errors.Join(errs...)
}

func (b *InMemoryBus) alreadyProcessed(group, messageID string) bool {
	if messageID == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.processed[group][messageID]
}

func (b *InMemoryBus) markProcessed(group, messageID string) {
	if messageID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.processed[group] == nil {
		b.processed[group] = make(map[string]bool)
	}

	b.processed[group][messageID] = true
}
