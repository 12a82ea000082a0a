package bus

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/metrics"
)

// DeferredPump moves due deferred messages onto the bus. Claims that never
// get acknowledged lapse and are claimed again, so a pump crash delays a
// message instead of losing it.
type DeferredPump struct {
	store     DeferredStore
	publisher Publisher
	interval  time.Duration
	batchSize int
	claimHold time.Duration
	logger    *slog.Logger
}

// NewDeferredPump creates a pump over the deferred store and publisher.
func NewDeferredPump(store DeferredStore, publisher Publisher, cfg *Config) *DeferredPump {
	return &DeferredPump{
		store:     store,
		publisher: publisher,
		interval:  cfg.PumpInterval,
		batchSize: cfg.PumpBatchSize,
		claimHold: cfg.PumpClaimHold,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Run pumps until the context is cancelled.
func (p *DeferredPump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("deferred pump started", slog.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("deferred pump stopped")

			return
		case <-ticker.C:
			p.pumpOnce(ctx, time.Now().UTC())
		}
	}
}

// pumpOnce claims one batch of due messages, publishes them, and
// acknowledges the ones that went out.
func (p *DeferredPump) pumpOnce(ctx context.Context, asOf time.Time) {
	claimed, err := p.store.ClaimDue(ctx, asOf, p.claimHold, p.batchSize)
	if err != nil {
		p.logger.Error("failed to claim due messages", slog.String("error", err.Error()))

		return
	}

	if len(claimed) == 0 {
		return
	}

	published := make([]int64, 0, len(claimed))
	byTopic := make(map[string]int)

	for _, deferred := range claimed {
		msg := deferred.Message
		// Scheduled time is in the past now; clear it so the publisher does
		// not park the message again.
		msg.ScheduledAt = nil

		if err := p.publisher.Publish(ctx, deferred.Topic, msg); err != nil {
			p.logger.Error("failed to publish deferred message",
				slog.String("message_id", msg.ID),
				slog.String("topic", deferred.Topic),
				slog.String("error", err.Error()))

			continue
		}

		published = append(published, deferred.ID)
		byTopic[deferred.Topic]++
	}

	for topic, count := range byTopic {
		metrics.RecordDeferredPublished(topic, count)
	}

	if err := p.store.Ack(ctx, published); err != nil {
		p.logger.Error("failed to ack deferred messages", slog.String("error", err.Error()))

		return
	}

	p.logger.Info("deferred messages published",
		slog.Int("claimed", len(claimed)), slog.Int("published", len(published)))
}
