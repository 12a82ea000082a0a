package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/datasource"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/metrics"
	"github.com/cutover-io/cutover/internal/runbook"
	"github.com/cutover-io/cutover/internal/storage"
)

// reconcileGroups lands each discovered cohort on a batch: a group with no
// batch yet becomes one, a group matching an in-flight batch reconciles its
// membership. Groups matching a finished batch are history and do nothing;
// late rows never reopen a completed cohort.
func (s *Scheduler) reconcileGroups(ctx context.Context, rb *execution.Runbook, def *runbook.Definition, groups []batchGroup) error {
	for _, group := range groups {
		batch, err := s.stores.Batches.FindByStartTime(ctx, rb.Name, group.startTime)

		switch {
		case errors.Is(err, storage.ErrBatchNotFound):
			if err := s.createBatch(ctx, rb, def, group); err != nil {
				return fmt.Errorf("create batch at %s: %w", group.startTime.Format(time.RFC3339), err)
			}
		case err != nil:
			return err
		case batch.Status.IsTerminal():
			s.logger.Debug("group matches a finished batch, ignoring",
				slog.String("runbook", rb.Name),
				slog.Int64("batch_id", batch.ID))
		default:
			if err := s.reconcileMembers(ctx, rb, def, batch, group); err != nil {
				return fmt.Errorf("reconcile batch %d: %w", batch.ID, err)
			}
		}
	}

	return nil
}

// createBatch turns one cohort into a batch: the batch row, its founding
// members, a pending phase execution per runbook phase, and a pending init
// execution per init step land in a single transaction. Keys already
// migrating in another in-flight batch of the runbook are excluded; a group
// left empty by that exclusion creates nothing.
func (s *Scheduler) createBatch(ctx context.Context, rb *execution.Runbook, def *runbook.Definition, group batchGroup) error {
	activeKeys, err := s.stores.Batches.ActiveKeysForRunbook(ctx, rb.Name)
	if err != nil {
		return err
	}

	members := make([]*execution.BatchMember, 0, len(group.rows))

	for _, row := range group.rows {
		key := row[def.DataSource.PrimaryKey]

		if activeKeys[key] {
			s.logger.Debug("key already migrating in another batch, excluded",
				slog.String("runbook", rb.Name),
				slog.String("member_key", key))

			continue
		}

		members = append(members, &execution.BatchMember{
			MemberKey: key,
			DataJSON:  encodeRow(row),
			Status:    execution.MemberActive,
		})
	}

	if len(members) == 0 {
		s.logger.Debug("group has no eligible members, batch not created",
			slog.String("runbook", rb.Name),
			slog.Time("batch_start_time", group.startTime))

		return nil
	}

	start := group.startTime
	batch := &execution.Batch{
		RunbookID:      rb.ID,
		BatchStartTime: &start,
		Status:         execution.BatchDetected,
	}

	phases, err := phaseRows(def, rb.Version, start)
	if err != nil {
		return err
	}

	inits := s.materializer.InitSteps(def, batch, rb.Version)

	if err := s.stores.Batches.CreateBatch(ctx, batch, members, phases, inits); err != nil {
		return err
	}

	metrics.RecordBatchDetected(rb.Name)
	metrics.RecordMembersAdded(rb.Name, len(members))

	s.logger.Info("batch detected",
		slog.String("runbook", rb.Name),
		slog.Int("version", rb.Version),
		slog.Int64("batch_id", batch.ID),
		slog.Time("batch_start_time", start),
		slog.Int("members", len(members)))

	return s.kickOffBatch(ctx, rb, batch, len(members))
}

// kickOffBatch moves a detected batch forward: with no outstanding inits it
// activates directly, otherwise the batch-init event goes out and the
// orchestrator takes over. Publishing happens outside the creation
// transaction, so a crash can leave a committed batch unannounced; the
// detected-state pass in driveBatches re-kicks it, and the deterministic
// event id lets consumer dedup absorb the repeat.
func (s *Scheduler) kickOffBatch(ctx context.Context, rb *execution.Runbook, batch *execution.Batch, memberCount int) error {
	inits, err := s.stores.Execs.ListInits(ctx, batch.ID)
	if err != nil {
		return err
	}

	outstanding := false

	for _, init := range inits {
		if !init.Status.IsTerminal() {
			outstanding = true

			break
		}
	}

	if !outstanding {
		moved, err := s.stores.Batches.TransitionBatch(ctx, batch.ID, execution.BatchDetected, execution.BatchActive)
		if err != nil {
			return err
		}

		if moved {
			s.logger.Info("batch activated, no init steps",
				slog.Int64("batch_id", batch.ID),
				slog.String("runbook", rb.Name))
		}

		return nil
	}

	msg := bus.NewBatchInitMessage(bus.BatchInitEvent{
		RunbookName:    rb.Name,
		RunbookVersion: rb.Version,
		BatchID:        batch.ID,
		BatchStartTime: batch.BatchStartTime,
		MemberCount:    memberCount,
	})

	if err := s.publisher.Publish(ctx, s.busCfg.ControlTopic, msg); err != nil {
		return fmt.Errorf("publish batch-init for batch %d: %w", batch.ID, err)
	}

	s.logger.Info("batch-init published",
		slog.Int64("batch_id", batch.ID),
		slog.String("runbook", rb.Name),
		slog.Int("version", rb.Version))

	return nil
}

// reconcileMembers diffs an in-flight batch's membership against the
// cohort's current rows. New keys join the batch, keys that stopped
// appearing leave it, and members still present get their data snapshot
// refreshed. Keys that were removed or failed earlier never reactivate.
// Announcements work off the dispatch stamps instead of in-band state, so a
// publish lost to a crashed tick is retried here on the next one.
func (s *Scheduler) reconcileMembers(ctx context.Context, rb *execution.Runbook, def *runbook.Definition, batch *execution.Batch, group batchGroup) error {
	existing, err := s.stores.Batches.ListMembers(ctx, batch.ID)
	if err != nil {
		return err
	}

	byKey := make(map[string]*execution.BatchMember, len(existing))
	for _, member := range existing {
		byKey[member.MemberKey] = member
	}

	present := make(map[string]bool, len(group.rows))

	var joining []*execution.BatchMember

	for _, row := range group.rows {
		key := row[def.DataSource.PrimaryKey]
		present[key] = true

		member, ok := byKey[key]
		if !ok {
			joining = append(joining, &execution.BatchMember{
				MemberKey: key,
				DataJSON:  encodeRow(row),
				Status:    execution.MemberActive,
			})

			continue
		}

		if member.Status == execution.MemberActive {
			if err := s.stores.Batches.RefreshMemberData(ctx, batch.ID, key, encodeRow(row)); err != nil {
				return err
			}
		}
	}

	members := existing

	if len(joining) > 0 {
		inserted, err := s.stores.Batches.AddMembers(ctx, batch.ID, joining)
		if err != nil {
			return err
		}

		if len(inserted) > 0 {
			metrics.RecordMembersAdded(rb.Name, len(inserted))
			s.logger.Info("members joined batch",
				slog.Int64("batch_id", batch.ID),
				slog.String("runbook", rb.Name),
				slog.Int("count", len(inserted)))
		}

		members = append(members, inserted...)
	}

	removed := 0

	for _, member := range existing {
		if member.Status != execution.MemberActive || present[member.MemberKey] {
			continue
		}

		moved, err := s.stores.Batches.MarkMemberRemoved(ctx, member.ID)
		if err != nil {
			return err
		}

		if moved {
			member.Status = execution.MemberRemoved
			removed++

			s.logger.Info("member left batch",
				slog.Int64("batch_id", batch.ID),
				slog.String("member_key", member.MemberKey))
		}
	}

	metrics.RecordMembersRemoved(rb.Name, removed)

	return s.announceMembers(ctx, rb, batch, members)
}

// announceMembers publishes the owed member events: an active member whose
// addition was never announced gets member-added, a removed member whose
// departure was never announced gets member-removed. The stamp is written
// only after the publish succeeds, and event ids are deterministic per
// member, so repeats collapse at the consumer.
func (s *Scheduler) announceMembers(ctx context.Context, rb *execution.Runbook, batch *execution.Batch, members []*execution.BatchMember) error {
	for _, member := range members {
		ev := bus.MemberEvent{
			RunbookName:    rb.Name,
			RunbookVersion: rb.Version,
			BatchID:        batch.ID,
			BatchMemberID:  member.ID,
			MemberKey:      member.MemberKey,
		}

		if member.Status == execution.MemberActive && member.AddDispatchedAt == nil {
			if err := s.publisher.Publish(ctx, s.busCfg.ControlTopic, bus.NewMemberAddedMessage(ev)); err != nil {
				return fmt.Errorf("publish member-added for member %d: %w", member.ID, err)
			}

			if err := s.stores.Batches.MarkMemberAddDispatched(ctx, member.ID); err != nil {
				return err
			}
		}

		if member.Status == execution.MemberRemoved && member.RemoveDispatchedAt == nil {
			if err := s.publisher.Publish(ctx, s.busCfg.ControlTopic, bus.NewMemberRemovedMessage(ev)); err != nil {
				return fmt.Errorf("publish member-removed for member %d: %w", member.ID, err)
			}

			if err := s.stores.Batches.MarkMemberRemoveDispatched(ctx, member.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

// phaseRows builds the pending phase executions for a new batch. Phases of
// a backdated cohort come out already due and fire on the same tick; the
// overdue behavior only applies to version transitions, not to detection.
func phaseRows(def *runbook.Definition, version int, start time.Time) ([]*execution.PhaseExecution, error) {
	rows := make([]*execution.PhaseExecution, 0, len(def.Phases))

	for i := range def.Phases {
		phase := &def.Phases[i]

		offset, err := runbook.ParseOffset(phase.Offset)
		if err != nil {
			return nil, fmt.Errorf("phase %q offset: %w", phase.Name, err)
		}

		due := runbook.CalculateDueAt(start, offset)

		rows = append(rows, &execution.PhaseExecution{
			PhaseName:      phase.Name,
			OffsetMinutes:  offset,
			DueAt:          &due,
			RunbookVersion: version,
			Status:         execution.PhasePending,
		})
	}

	return rows, nil
}

// encodeRow snapshots the full normalized row, key and batch-time columns
// included, so step templates can reference any queried column.
func encodeRow(row datasource.Row) string {
	// A map of plain strings cannot fail to marshal.
	encoded, _ := json.Marshal(row)

	return string(encoded)
}
