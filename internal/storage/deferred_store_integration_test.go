package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutover-io/cutover/internal/bus"
)

func deferredMessage(id string, scheduledAt time.Time) bus.Message {
	return bus.Message{
		ID:          id,
		Type:        bus.TypeRetryCheck,
		Key:         "42",
		ScheduledAt: &scheduledAt,
		Payload:     []byte(`{"stepExecutionId":7}`),
	}
}

func TestDeferredStore_DeferAndClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)

	store, err := NewDeferredMessageStore(conn)
	require.NoError(t, err)

	now := time.Now().UTC()

	require.NoError(t, store.Defer(ctx, "cutover.control", deferredMessage("retry-check-7-1", now.Add(-time.Minute))))
	require.NoError(t, store.Defer(ctx, "cutover.control", deferredMessage("retry-check-8-1", now.Add(time.Hour))))

	// Re-parking the same message id is a no-op.
	require.NoError(t, store.Defer(ctx, "cutover.control", deferredMessage("retry-check-7-1", now.Add(-time.Minute))))

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	claimed, err := store.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "only the due message is claimable")
	assert.Equal(t, "retry-check-7-1", claimed[0].Message.ID)
	assert.Equal(t, bus.TypeRetryCheck, claimed[0].Message.Type)
	assert.Equal(t, "42", claimed[0].Message.Key)
	assert.JSONEq(t, `{"stepExecutionId":7}`, string(claimed[0].Message.Payload))

	// A live claim hides the row from other pumps.
	again, err := store.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// A lapsed claim frees the row.
	again, err = store.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, again, 1)

	require.NoError(t, store.Ack(ctx, []int64{claimed[0].ID}))

	count, err = store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeferredStore_RejectsUnscheduled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)

	store, err := NewDeferredMessageStore(conn)
	require.NoError(t, err)

	err = store.Defer(ctx, "cutover.control", bus.Message{ID: "no-schedule", Type: bus.TypeRetryCheck})
	assert.ErrorIs(t, err, ErrDeferredStoreFailed)
}

func TestDeferredStore_ClaimOrderAndLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)

	store, err := NewDeferredMessageStore(conn)
	require.NoError(t, err)

	now := time.Now().UTC()

	require.NoError(t, store.Defer(ctx, "cutover.control", deferredMessage("late", now.Add(-time.Minute))))
	require.NoError(t, store.Defer(ctx, "cutover.control", deferredMessage("later", now.Add(-time.Hour))))
	require.NoError(t, store.Defer(ctx, "cutover.control", deferredMessage("latest", now.Add(-2*time.Hour))))

	claimed, err := store.ClaimDue(ctx, now, time.Minute, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "limit caps the claim")
	assert.Equal(t, "latest", claimed[0].Message.ID, "oldest scheduled first")
	assert.Equal(t, "later", claimed[1].Message.ID)
}
