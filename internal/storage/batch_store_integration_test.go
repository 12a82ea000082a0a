package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutover-io/cutover/internal/execution"
)

func TestBatchStore_CreateBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)
	rb := seedRunbook(ctx, t, conn, "mailbox-migration")

	fixture := seedBatch(ctx, t, conn, rb)

	assert.NotZero(t, fixture.batch.ID, "batch id written back")
	assert.False(t, fixture.batch.DetectedAt.IsZero())

	for _, member := range fixture.members {
		assert.NotZero(t, member.ID, "member ids written back")
		assert.Equal(t, fixture.batch.ID, member.BatchID)
	}

	assert.NotZero(t, fixture.phases[0].ID)
	assert.NotZero(t, fixture.inits[0].ID)

	store, err := NewBatchStore(conn)
	require.NoError(t, err)

	// The same start time for the same runbook is a duplicate detection.
	dup := &execution.Batch{
		RunbookID:      rb.ID,
		BatchStartTime: fixture.batch.BatchStartTime,
		Status:         execution.BatchDetected,
	}
	err = store.CreateBatch(ctx, dup, nil, nil, nil)
	assert.ErrorIs(t, err, ErrBatchExists)

	found, err := store.FindByStartTime(ctx, rb.Name, *fixture.batch.BatchStartTime)
	require.NoError(t, err)
	assert.Equal(t, fixture.batch.ID, found.ID)
}

func TestBatchStore_TransitionBatch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)
	rb := seedRunbook(ctx, t, conn, "mailbox-migration")
	fixture := seedBatch(ctx, t, conn, rb)

	store, err := NewBatchStore(conn)
	require.NoError(t, err)

	moved, err := store.TransitionBatch(ctx, fixture.batch.ID, execution.BatchDetected, execution.BatchInitDispatched)
	require.NoError(t, err)
	assert.True(t, moved)

	// A redelivered transition observes zero affected rows.
	moved, err = store.TransitionBatch(ctx, fixture.batch.ID, execution.BatchDetected, execution.BatchInitDispatched)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := store.GetBatch(ctx, fixture.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.BatchInitDispatched, got.Status)
	assert.NotNil(t, got.InitDispatchedAt, "init_dispatched_at stamped on transition")

	moved, err = store.TransitionBatch(ctx, fixture.batch.ID, execution.BatchInitDispatched, execution.BatchActive)
	require.NoError(t, err)
	assert.True(t, moved)

	listed, err := store.ListNonTerminalByRunbook(ctx, rb.Name)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	moved, err = store.TransitionBatch(ctx, fixture.batch.ID, execution.BatchActive, execution.BatchCompleted)
	require.NoError(t, err)
	assert.True(t, moved)

	listed, err = store.ListNonTerminalByRunbook(ctx, rb.Name)
	require.NoError(t, err)
	assert.Empty(t, listed, "terminal batches drop out of the work list")
}

func TestBatchStore_AddMembers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)
	rb := seedRunbook(ctx, t, conn, "mailbox-migration")
	fixture := seedBatch(ctx, t, conn, rb)

	store, err := NewBatchStore(conn)
	require.NoError(t, err)

	inserted, err := store.AddMembers(ctx, fixture.batch.ID, []*execution.BatchMember{
		{MemberKey: "carol@example.com", DataJSON: `{"region":"eu"}`, Status: execution.MemberActive},
		{MemberKey: "alice@example.com", DataJSON: `{"region":"eu"}`, Status: execution.MemberActive},
	})
	require.NoError(t, err)

	// alice already exists, so only carol lands.
	require.Len(t, inserted, 1)
	assert.Equal(t, "carol@example.com", inserted[0].MemberKey)
	assert.NotZero(t, inserted[0].ID)

	count, err := store.CountActiveMembers(ctx, fixture.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestBatchStore_MemberLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)
	rb := seedRunbook(ctx, t, conn, "mailbox-migration")
	fixture := seedBatch(ctx, t, conn, rb)

	store, err := NewBatchStore(conn)
	require.NoError(t, err)

	alice := fixture.members[0]

	require.NoError(t, store.RefreshMemberData(ctx, fixture.batch.ID, alice.MemberKey, `{"region":"us"}`))

	got, err := store.GetMember(ctx, alice.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"region":"us"}`, got.DataJSON)

	removed, err := store.MarkMemberRemoved(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	// Removal is one-way: a second mark is a no-op, and refreshes no longer
	// touch the row.
	removed, err = store.MarkMemberRemoved(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, store.RefreshMemberData(ctx, fixture.batch.ID, alice.MemberKey, `{"region":"ap"}`))

	got, err = store.GetMember(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.MemberRemoved, got.Status)
	assert.JSONEq(t, `{"region":"us"}`, got.DataJSON)
	assert.NotNil(t, got.RemovedAt)

	active, err := store.ListActiveMembers(ctx, fixture.batch.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "bob@example.com", active[0].MemberKey)

	failed, err := store.MarkMemberFailed(ctx, active[0].ID)
	require.NoError(t, err)
	assert.True(t, failed)

	count, err := store.CountActiveMembers(ctx, fixture.batch.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBatchStore_MemberDispatchStamps(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)
	rb := seedRunbook(ctx, t, conn, "mailbox-migration")
	fixture := seedBatch(ctx, t, conn, rb)

	store, err := NewBatchStore(conn)
	require.NoError(t, err)

	alice := fixture.members[0]

	require.NoError(t, store.MarkMemberAddDispatched(ctx, alice.ID))

	got, err := store.GetMember(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AddDispatchedAt)

	first := *got.AddDispatchedAt

	// The stamp is written once; redelivery does not move it.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.MarkMemberAddDispatched(ctx, alice.ID))

	got, err = store.GetMember(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *got.AddDispatchedAt)
}

func TestBatchStore_ActiveKeysForRunbook(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)
	rb := seedRunbook(ctx, t, conn, "mailbox-migration")
	fixture := seedBatch(ctx, t, conn, rb)

	store, err := NewBatchStore(conn)
	require.NoError(t, err)

	keys, err := store.ActiveKeysForRunbook(ctx, rb.Name)
	require.NoError(t, err)
	assert.True(t, keys["alice@example.com"])
	assert.True(t, keys["bob@example.com"])

	// Removed members no longer hold their key.
	_, err = store.MarkMemberRemoved(ctx, fixture.members[0].ID)
	require.NoError(t, err)

	keys, err = store.ActiveKeysForRunbook(ctx, rb.Name)
	require.NoError(t, err)
	assert.False(t, keys["alice@example.com"])
	assert.True(t, keys["bob@example.com"])

	// Keys in terminal batches are free for re-detection.
	moved, err := store.TransitionBatch(ctx, fixture.batch.ID, execution.BatchDetected, execution.BatchFailed)
	require.NoError(t, err)
	require.True(t, moved)

	keys, err = store.ActiveKeysForRunbook(ctx, rb.Name)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
