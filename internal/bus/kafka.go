package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cutover-io/cutover/internal/config"
)

// Sentinel errors for the Kafka transport.
var (
	// ErrPublishFailed is returned when messages could not be written to the
	// broker.
	ErrPublishFailed = errors.New("publish failed")

	// ErrSubscribeFailed is returned when the consumer loop stops on a
	// non-cancellation error.
	ErrSubscribeFailed = errors.New("subscribe failed")
)

// Header names carried on every message.
const (
	headerMessageID     = "messageId"
	headerMessageType   = "messageType"
	headerScheduledTime = "scheduledEnqueueTime"
	headerFailureReason = "failureReason"
)

const (
	writerBatchTimeout = 10 * time.Millisecond
	readerMaxWait      = 500 * time.Millisecond
	readerMaxBytes     = 10 << 20

	// deadLetterSuffix is appended to the source topic for exhausted
	// messages.
	deadLetterSuffix = ".dlq"
)

// KafkaPublisher writes messages to Kafka, partitioned by message key.
// Messages scheduled for the future are parked in the deferred store
// instead; the pump publishes them when due.
type KafkaPublisher struct {
	writer   *kafka.Writer
	deferred DeferredStore
	logger   *slog.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers. deferred may
// be nil, in which case scheduled messages are written immediately.
func NewKafkaPublisher(brokers []string, deferred DeferredStore) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           writerBatchTimeout,
			AllowAutoTopicCreation: true,
		},
		deferred: deferred,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Publish writes the messages to the topic. A message whose ScheduledAt is
// in the future is deferred rather than written.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, msgs ...Message) error {
	now := time.Now().UTC()
	outgoing := make([]kafka.Message, 0, len(msgs))

	for _, msg := range msgs {
		if p.deferred != nil && msg.ScheduledAt != nil && msg.ScheduledAt.After(now) {
			if err := p.deferred.Defer(ctx, topic, msg); err != nil {
				return fmt.Errorf("%w: defer %q: %w", ErrPublishFailed, msg.ID, err)
			}

			p.logger.Debug("message deferred",
				slog.String("message_id", msg.ID),
				slog.String("topic", topic),
				slog.Time("scheduled_at", *msg.ScheduledAt))

			continue
		}

		outgoing = append(outgoing, toKafka(topic, msg))
	}

	if len(outgoing) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, outgoing...); err != nil {
		return fmt.Errorf("%w: topic %s: %w", ErrPublishFailed, topic, err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSubscriber consumes topics in a consumer group, retrying failed
// handlers in process and dead-lettering messages that exhaust their
// delivery budget. Duplicate deliveries are dropped via the dedup store.
type KafkaSubscriber struct {
	brokers       []string
	dedup         DedupStore
	deadLetters   *kafka.Writer
	maxDeliveries int
	logger        *slog.Logger
}

// NewKafkaSubscriber creates a subscriber for the given brokers. dedup may
// be nil, in which case every delivery reaches the handler; handlers are
// compare-and-set idempotent so this only costs wasted work.
func NewKafkaSubscriber(brokers []string, dedup DedupStore, maxDeliveries int) *KafkaSubscriber {
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}

	return &KafkaSubscriber{
		brokers: brokers,
		dedup:   dedup,
		deadLetters: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           writerBatchTimeout,
			AllowAutoTopicCreation: true,
		},
		maxDeliveries: maxDeliveries,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Subscribe consumes the topic in the consumer group, invoking the handler
// once per message, and blocks until the context is cancelled. Messages are
// committed after handling or dead-lettering, never before.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.brokers,
		GroupID:     group,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    readerMaxBytes,
		MaxWait:     readerMaxWait,
		StartOffset: kafka.FirstOffset,
	})

	defer func() {
		_ = reader.Close()
	}()

	s.logger.Info("consuming topic", slog.String("topic", topic), slog.String("group", group))

	for {
		raw, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("%w: fetch from %s: %w", ErrSubscribeFailed, topic, err)
		}

		msg := fromKafka(raw)

		if s.shouldHandle(ctx, group, msg) {
			s.handleWithRetry(ctx, topic, group, raw, msg, handler)
		}

		if err := reader.CommitMessages(ctx, raw); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("%w: commit on %s: %w", ErrSubscribeFailed, topic, err)
		}
	}
}

// Close flushes and closes the dead-letter writer.
func (s *KafkaSubscriber) Close() error {
	return s.deadLetters.Close()
}

func (s *KafkaSubscriber) shouldHandle(ctx context.Context, group string, msg Message) bool {
	if s.dedup == nil || msg.ID == "" {
		return true
	}

	already, err := s.dedup.AlreadyProcessed(ctx, group, msg.ID)
	if err != nil {
		// Run the handler anyway; the store's CAS guards make a duplicate
		// application a no-op.
		s.logger.Warn("dedup check failed, handling message regardless",
			slog.String("message_id", msg.ID), slog.String("error", err.Error()))

		return true
	}

	if already {
		s.logger.Debug("duplicate message dropped", slog.String("message_id", msg.ID))
	}

	return !already
}

func (s *KafkaSubscriber) handleWithRetry(ctx context.Context, topic, group string, raw kafka.Message, msg Message, handler Handler) {
	var lastErr error

	for attempt := 1; attempt <= s.maxDeliveries; attempt++ {
		lastErr = handler(ctx, msg)
		if lastErr == nil {
			s.markProcessed(ctx, group, msg.ID)

			return
		}

		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("handler failed",
			slog.String("message_id", msg.ID),
			slog.String("message_type", string(msg.Type)),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))

		if attempt < s.maxDeliveries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay(attempt)):
			}
		}
	}

	s.deadLetter(ctx, topic, raw, msg, lastErr)
	s.markProcessed(ctx, group, msg.ID)
}

func (s *KafkaSubscriber) markProcessed(ctx context.Context, group, messageID string) {
	if s.dedup == nil || messageID == "" {
		return
	}

	if err := s.dedup.MarkProcessed(ctx, group, messageID); err != nil {
		s.logger.Warn("failed to mark message processed",
			slog.String("message_id", messageID), slog.String("error", err.Error()))
	}
}

// deadLetter copies the exhausted message onto the topic's dead-letter
// topic with the final failure attached.
func (s *KafkaSubscriber) deadLetter(ctx context.Context, topic string, raw kafka.Message, msg Message, cause error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	dead := kafka.Message{
		Topic:   topic + deadLetterSuffix,
		Key:     raw.Key,
		Value:   raw.Value,
		Headers: append(raw.Headers, kafka.Header{Key: headerFailureReason, Value: []byte(reason)}),
	}

	if err := s.deadLetters.WriteMessages(ctx, dead); err != nil {
		s.logger.Error("failed to dead-letter message",
			slog.String("message_id", msg.ID),
			slog.String("topic", topic),
			slog.String("error", err.Error()))

		return
	}

	s.logger.Error("message dead-lettered",
		slog.String("message_id", msg.ID),
		slog.String("message_type", string(msg.Type)),
		slog.String("topic", topic),
		slog.String("reason", reason))
}

func retryDelay(attempt int) time.Duration {
	delay := time.Second << (attempt - 1)
	if delay > 30*time.Second {
		return 30 * time.Second
	}

	return delay
}

func toKafka(topic string, msg Message) kafka.Message {
	key := msg.Key
	if key == "" {
		key = msg.ID
	}

	headers := []kafka.Header{
		{Key: headerMessageID, Value: []byte(msg.ID)},
		{Key: headerMessageType, Value: []byte(string(msg.Type))},
	}

	if msg.ScheduledAt != nil {
		headers = append(headers, kafka.Header{
			Key:   headerScheduledTime,
			Value: []byte(msg.ScheduledAt.UTC().Format(time.RFC3339)),
		})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   msg.Payload,
		Headers: headers,
	}
}

func fromKafka(raw kafka.Message) Message {
	msg := Message{
		Key:     string(raw.Key),
		Payload: raw.Value,
	}

	for _, header := range raw.Headers {
		switch header.Key {
		case headerMessageID:
			msg.ID = string(header.Value)
		case headerMessageType:
			msg.Type = MessageType(header.Value)
		case headerScheduledTime:
			if at, err := time.Parse(time.RFC3339, string(header.Value)); err == nil {
				msg.ScheduledAt = &at
			}
		}
	}

	return msg
}
