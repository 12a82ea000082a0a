package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/runbook"
)

// newTestConnection provisions a PostgreSQL container with migrations applied
// and wraps it in a storage Connection. Cleanup is registered on t.
func newTestConnection(ctx context.Context, t *testing.T) *Connection {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return NewConnectionFromDB(testDB.Connection)
}

// seedRunbook creates and activates version 1 of a runbook.
func seedRunbook(ctx context.Context, t *testing.T, conn *Connection, name string) *execution.Runbook {
	t.Helper()

	store, err := NewRunbookStore(conn)
	require.NoError(t, err)

	created, err := store.CreateVersion(ctx, name, "name: "+name, &runbook.Definition{Name: name})
	require.NoError(t, err)

	require.NoError(t, store.Activate(ctx, name, created.Version))

	created.IsActive = true

	return created
}

// batchFixture bundles the rows seedBatch creates. Members, phases, and
// inits carry their generated ids.
type batchFixture struct {
	runbook *execution.Runbook
	batch   *execution.Batch
	members []*execution.BatchMember
	phases  []*execution.PhaseExecution
	inits   []*execution.InitExecution
}

// seedBatch creates a detected batch with two members, one pending phase due
// in the past, and one pending init under the given runbook.
func seedBatch(ctx context.Context, t *testing.T, conn *Connection, rb *execution.Runbook) *batchFixture {
	t.Helper()

	store, err := NewBatchStore(conn)
	require.NoError(t, err)

	startTime := time.Now().UTC().Truncate(time.Minute)
	dueAt := startTime.Add(-time.Minute)

	fixture := &batchFixture{
		runbook: rb,
		batch: &execution.Batch{
			RunbookID:      rb.ID,
			BatchStartTime: &startTime,
			Status:         execution.BatchDetected,
		},
		members: []*execution.BatchMember{
			{MemberKey: "alice@example.com", DataJSON: `{"region":"eu"}`, Status: execution.MemberActive},
			{MemberKey: "bob@example.com", DataJSON: `{"region":"us"}`, Status: execution.MemberActive},
		},
		phases: []*execution.PhaseExecution{
			{
				PhaseName:      "provision",
				OffsetMinutes:  0,
				DueAt:          &dueAt,
				RunbookVersion: rb.Version,
				Status:         execution.PhasePending,
			},
		},
		inits: []*execution.InitExecution{
			{
				StepName:       "reserve-capacity",
				StepIndex:      0,
				WorkerID:       "infra",
				FunctionName:   "reserve",
				ParamsJSON:     `{"pool":"default"}`,
				RunbookVersion: rb.Version,
				Status:         execution.StepPending,
			},
		},
	}

	require.NoError(t, store.CreateBatch(ctx, fixture.batch, fixture.members, fixture.phases, fixture.inits))

	return fixture
}

// seedSteps materializes one pending step per member for the fixture's phase.
func seedSteps(ctx context.Context, t *testing.T, conn *Connection, fixture *batchFixture) []*execution.StepExecution {
	t.Helper()

	store, err := NewExecutionStore(conn)
	require.NoError(t, err)

	steps := make([]*execution.StepExecution, 0, len(fixture.members))

	for _, member := range fixture.members {
		steps = append(steps, &execution.StepExecution{
			PhaseExecutionID: fixture.phases[0].ID,
			BatchMemberID:    member.ID,
			StepName:         "create-account",
			StepIndex:        0,
			WorkerID:         "provisioner",
			FunctionName:     "create_account",
			ParamsJSON:       fmt.Sprintf(`{"key":%q}`, member.MemberKey),
			Status:           execution.StepPending,
		})
	}

	inserted, err := store.InsertSteps(ctx, steps)
	require.NoError(t, err)
	require.Equal(t, len(steps), inserted)

	return steps
}
