package store

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/metrics"
)

// testDB connects to TEST_DATABASE_URL or skips. Each call starts from
// empty tables.
func testDB(t *testing.T) *Engine {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, url, 4)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(ctx, db))
	_, err = db.ExecContext(ctx, `TRUNCATE escrow_events, approvals, escrows, checkpoints`)
	require.NoError(t, err)

	return NewEngine(db, metrics.NewWith(prometheus.NewRegistry()))
}

const (
	testEscrow  = "0xdddd00000000000000000000000000000000dddd"
	testFactory = "0xeeee00000000000000000000000000000000eeee"
	testPayer   = "0xaaaa00000000000000000000000000000000aaaa"
	testPayee   = "0xbbbb00000000000000000000000000000000bbbb"
)

func testEvent(id string, block uint64, index uint, payload events.Payload) *events.Event {
	return &events.Event{
		EventID:         id,
		Type:            payload.EventType(),
		ChainID:         1,
		BlockNumber:     block,
		BlockHash:       "0x0000000000000000000000000000000000000000000000000000000000000001",
		BlockTimestamp:  1700000000 + int64(block),
		TxHash:          "0x0000000000000000000000000000000000000000000000000000000000000002",
		LogIndex:        index,
		ContractAddress: testEscrow,
		Payload:         payload,
	}
}

func deployed(id string, block uint64) *events.Event {
	return testEvent(id, block, 0, events.DeployedPayload{
		Creator: testPayer, EscrowAddress: testEscrow, FactoryAddress: testFactory,
	})
}

func created(id string, block uint64, required uint32) *events.Event {
	return testEvent(id, block, 1, events.CreatedPayload{
		Amount: "1500000", ApprovalsRequired: required,
		Arbiter: "0x0000000000000000000000000000000000000000",
		Asset:   "0x0000000000000000000000000000000000000000",
		EscrowAddress: testEscrow, Payee: testPayee, Payer: testPayer,
		ReleaseDelaySeconds: 3600,
	})
}

func approved(id string, block uint64, index uint, approver string) *events.Event {
	return testEvent(id, block, index, events.ApprovedPayload{
		Approver: approver, EscrowAddress: testEscrow,
	})
}

func released(id string, block uint64) *events.Event {
	return testEvent(id, block, 0, events.ReleasedPayload{
		Amount: "1500000", EscrowAddress: testEscrow, To: testPayee,
	})
}

func refunded(id string, block uint64) *events.Event {
	return testEvent(id, block, 0, events.RefundedPayload{
		Amount: "1500000", EscrowAddress: testEscrow, To: testPayer,
	})
}

func mustApply(t *testing.T, e *Engine, ev *events.Event, want Outcome) {
	t.Helper()
	outcome, err := e.Apply(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, want, outcome, "event %s", ev.EventID)
}

func fetchEscrow(t *testing.T, e *Engine) *EscrowRow {
	t.Helper()
	row, err := NewSQLReader(e.db).Escrow(context.Background(), testEscrow)
	require.NoError(t, err)
	return row
}

func TestProjectionHappyPath(t *testing.T) {
	e := testDB(t)

	mustApply(t, e, deployed("e1", 100), OutcomeApplied)
	mustApply(t, e, created("e2", 101, 2), OutcomeApplied)
	mustApply(t, e, approved("e3", 102, 0, testPayer), OutcomeApplied)
	mustApply(t, e, approved("e4", 103, 0, testPayee), OutcomeApplied)
	mustApply(t, e, released("e5", 104), OutcomeApplied)

	row := fetchEscrow(t, e)
	assert.Equal(t, "released", row.Status)
	assert.Equal(t, 2, row.ApprovalsCount)
	require.NotNil(t, row.Payer)
	assert.Equal(t, testPayer, *row.Payer)
	require.NotNil(t, row.Amount)
	assert.Equal(t, "1500000", *row.Amount)
	assert.Nil(t, row.Arbiter, "zero address arbiter stays NULL")
	assert.Equal(t, int64(104), row.LastEventBlock)

	evs, err := NewSQLReader(e.db).Events(context.Background(), testEscrow)
	require.NoError(t, err)
	assert.Len(t, evs, 5)
}

func TestProjectionIntermediateStatuses(t *testing.T) {
	e := testDB(t)

	mustApply(t, e, deployed("e1", 100), OutcomeApplied)
	assert.Equal(t, "deployed", fetchEscrow(t, e).Status)

	mustApply(t, e, created("e2", 101, 2), OutcomeApplied)
	assert.Equal(t, "created", fetchEscrow(t, e).Status)

	mustApply(t, e, approved("e3", 102, 0, testPayer), OutcomeApplied)
	assert.Equal(t, "created", fetchEscrow(t, e).Status, "below threshold")

	mustApply(t, e, approved("e4", 103, 0, testPayee), OutcomeApplied)
	assert.Equal(t, "approved", fetchEscrow(t, e).Status)
}

func TestProjectionDuplicateDelivery(t *testing.T) {
	e := testDB(t)

	mustApply(t, e, created("e1", 100, 1), OutcomeApplied)
	mustApply(t, e, approved("e2", 101, 0, testPayer), OutcomeApplied)

	// Redelivery of the same event id changes nothing.
	mustApply(t, e, approved("e2", 101, 0, testPayer), OutcomeSkippedDuplicate)

	row := fetchEscrow(t, e)
	assert.Equal(t, 1, row.ApprovalsCount)
	assert.Equal(t, "approved", row.Status)

	evs, err := NewSQLReader(e.db).Events(context.Background(), testEscrow)
	require.NoError(t, err)
	assert.Len(t, evs, 2, "audit trail has no duplicate rows")
}

func TestProjectionSameApproverTwice(t *testing.T) {
	e := testDB(t)

	mustApply(t, e, created("e1", 100, 2), OutcomeApplied)
	mustApply(t, e, approved("e2", 101, 0, testPayer), OutcomeApplied)
	// Distinct event, same approver: counts once.
	mustApply(t, e, approved("e3", 102, 0, testPayer), OutcomeApplied)

	row := fetchEscrow(t, e)
	assert.Equal(t, 1, row.ApprovalsCount)
	assert.Equal(t, "created", row.Status)
}

func TestProjectionOutOfOrderArrival(t *testing.T) {
	e := testDB(t)

	// The release overtakes everything else on the bus.
	mustApply(t, e, released("e5", 104), OutcomeApplied)
	assert.Equal(t, "deployed", fetchEscrow(t, e).Status, "terminal waits for creation")

	mustApply(t, e, approved("e3", 102, 0, testPayer), OutcomeApplied)
	mustApply(t, e, created("e2", 101, 2), OutcomeApplied)
	assert.Equal(t, "released", fetchEscrow(t, e).Status, "terminal lands once created is seen")

	mustApply(t, e, approved("e4", 103, 0, testPayee), OutcomeApplied)
	mustApply(t, e, deployed("e1", 100), OutcomeApplied)

	row := fetchEscrow(t, e)
	assert.Equal(t, "released", row.Status, "late arrivals never regress a terminal row")
	assert.Equal(t, 2, row.ApprovalsCount)
	assert.Equal(t, int64(104), row.LastEventBlock, "high-water mark keeps the newest position")
}

func TestProjectionApprovalBeforeCreated(t *testing.T) {
	e := testDB(t)

	mustApply(t, e, deployed("e1", 100), OutcomeApplied)
	mustApply(t, e, approved("e2", 102, 0, testPayer), OutcomeApplied)
	assert.Equal(t, "deployed", fetchEscrow(t, e).Status, "approval alone cannot promote")

	// Creation arrives late with a threshold the early approval satisfies.
	mustApply(t, e, created("e3", 101, 1), OutcomeApplied)

	row := fetchEscrow(t, e)
	assert.Equal(t, "approved", row.Status)
	assert.Equal(t, 1, row.ApprovalsCount)
}

func TestProjectionConflictingTerminals(t *testing.T) {
	e := testDB(t)

	mustApply(t, e, created("e1", 100, 1), OutcomeApplied)
	mustApply(t, e, released("e2", 104), OutcomeApplied)
	mustApply(t, e, refunded("e3", 105), OutcomeRejected)

	row := fetchEscrow(t, e)
	assert.Equal(t, "released", row.Status, "first terminal wins")

	// The rejected event still lands in the audit trail.
	evs, err := NewSQLReader(e.db).Events(context.Background(), testEscrow)
	require.NoError(t, err)
	assert.Len(t, evs, 3)
}

func TestCheckpointMonotonicSave(t *testing.T) {
	e := testDB(t)
	ctx := context.Background()
	ckpt := NewCheckpoints(e.db)

	// Missing row reads as genesis.
	block, idx, err := ckpt.Load(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, block)
	assert.Zero(t, idx)

	require.NoError(t, ckpt.Save(ctx, 1, 100, 3))
	require.NoError(t, ckpt.Save(ctx, 1, 90, 0), "stale save is silently ignored")

	block, _, err = ckpt.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), block)

	// Rewind is the explicit operator path past the monotonic guard.
	require.NoError(t, ckpt.Rewind(ctx, 1, 50))
	block, _, err = ckpt.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), block)

	// Chains do not interfere.
	require.NoError(t, ckpt.Save(ctx, 137, 7, 0))
	block, _, err = ckpt.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), block)
}

func TestReaderRoleQueriesArePartitioned(t *testing.T) {
	e := testDB(t)
	ctx := context.Background()

	mustApply(t, e, created("e1", 100, 1), OutcomeApplied)
	reader := NewSQLReader(e.db)

	asPayer, err := reader.EscrowsByRole(ctx, RolePayer, testPayer, ListQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, asPayer, 1)

	asPayee, err := reader.EscrowsByRole(ctx, RolePayee, testPayer, ListQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, asPayee, "payer address does not appear as payee")

	asPayee, err = reader.EscrowsByRole(ctx, RolePayee, testPayee, ListQuery{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, asPayee, 1)

	stats, err := reader.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["created"])
	assert.Equal(t, int64(0), stats["released"])
}
