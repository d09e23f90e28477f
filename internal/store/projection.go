package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/metrics"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Outcome classifies what the projection engine did with an event.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeRejected         Outcome = "rejected"
)

// Projector applies one event to durable state. Implemented by Engine; the
// subscriber and the backfill runner both drive it.
type Projector interface {
	Apply(ctx context.Context, ev *events.Event) (Outcome, error)
}

// Engine applies events to the SQL projection. One transaction per event:
// the audit append and the state mutation commit or roll back together.
// Events for the same escrow are serialized by a SELECT ... FOR UPDATE row
// lock, so any number of subscriber workers can run concurrently.
type Engine struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// NewEngine builds a projection engine over the given DB.
func NewEngine(db *sql.DB, m *metrics.Metrics) *Engine {
	return &Engine{db: db, metrics: m}
}

// Apply projects one event. A returned error is transient from the caller's
// perspective (retry via nack); all terminal classifications come back as
// outcomes.
func (e *Engine) Apply(ctx context.Context, ev *events.Event) (Outcome, error) {
	start := time.Now()
	outcome, err := e.apply(ctx, ev)

	if err != nil {
		e.metrics.EventsProjected.WithLabelValues(string(ev.Type), "error").Inc()
		slog.Error("projection failed",
			"event_id", ev.EventID, "event_type", ev.Type,
			"escrow_address", ev.EscrowAddress(), "err", err)
		return outcome, err
	}

	e.metrics.EventsProjected.WithLabelValues(string(ev.Type), string(outcome)).Inc()
	e.metrics.ProjectionLatency.Observe(float64(time.Since(start).Milliseconds()))
	if outcome == OutcomeRejected {
		e.metrics.LifecycleRejects.WithLabelValues(string(ev.Type)).Inc()
	}
	slog.Info("event projected",
		"event_id", ev.EventID, "event_type", ev.Type,
		"escrow_address", ev.EscrowAddress(), "outcome", outcome)
	return outcome, nil
}

func (e *Engine) apply(ctx context.Context, ev *events.Event) (Outcome, error) {
	escrow := ev.EscrowAddress()
	if escrow == "" {
		return OutcomeRejected, fmt.Errorf("event %s has no escrow address", ev.EventID)
	}
	payloadJSON, err := ev.PayloadJSON()
	if err != nil {
		return OutcomeRejected, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Audit append doubles as the dedup guard: event_id is the primary key.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_events
			(event_id, event_type, chain_id, block_number, block_hash,
			 block_timestamp, tx_hash, log_index, contract_address,
			 escrow_address, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, string(ev.Type), int64(ev.ChainID), int64(ev.BlockNumber),
		ev.BlockHash, ev.BlockTimestamp, ev.TxHash, int64(ev.LogIndex),
		ev.ContractAddress, escrow, payloadJSON,
	)
	if err != nil {
		return "", fmt.Errorf("append audit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return OutcomeSkippedDuplicate, nil
	}

	// Rows are created on first observation and never deleted.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO escrows (escrow_address, chain_id, created_at, updated_at)
		VALUES ($1, $2, to_timestamp($3), to_timestamp($3))
		ON CONFLICT (escrow_address) DO NOTHING`,
		escrow, int64(ev.ChainID), ev.BlockTimestamp,
	); err != nil {
		return "", fmt.Errorf("ensure row: %w", err)
	}

	// Per-escrow serialization point.
	var (
		currentStr   string
		f            facts
		requiredRaw  sql.NullInt64
		terminalRaw  sql.NullString
		lastBlock    int64
		lastLogIndex int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, approvals_count, approvals_required,
		       payer IS NOT NULL, COALESCE(terminal_kind, ''),
		       last_event_block, last_event_log_index
		FROM escrows WHERE escrow_address = $1 FOR UPDATE`,
		escrow,
	).Scan(&currentStr, &f.approvalsCount, &requiredRaw, &f.createdSeen, &terminalRaw, &lastBlock, &lastLogIndex)
	if err != nil {
		return "", fmt.Errorf("lock row: %w", err)
	}
	current := Status(currentStr)
	if requiredRaw.Valid {
		f.requiredKnown = true
		f.approvalsRequired = int(requiredRaw.Int64)
	}
	if terminalRaw.Valid && terminalRaw.String != "" {
		f.terminal = Status(terminalRaw.String)
	}

	outcome := OutcomeApplied
	switch p := ev.Payload.(type) {
	case events.DeployedPayload:
		if _, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET factory_address = $2, creator = $3, deploy_tx = $4, deploy_block = $5
			WHERE escrow_address = $1`,
			escrow, p.FactoryAddress, p.Creator, ev.TxHash, int64(ev.BlockNumber),
		); err != nil {
			return "", fmt.Errorf("apply deployed: %w", err)
		}

	case events.CreatedPayload:
		arbiter := sql.NullString{String: p.Arbiter, Valid: p.Arbiter != "" && p.Arbiter != zeroAddress}
		if _, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET payer = $2, payee = $3, arbiter = $4, asset = $5,
			    amount = $6::numeric, approvals_required = $7,
			    release_delay_seconds = $8
			WHERE escrow_address = $1`,
			escrow, p.Payer, p.Payee, arbiter, p.Asset,
			p.Amount, int64(p.ApprovalsRequired), int64(p.ReleaseDelaySeconds),
		); err != nil {
			return "", fmt.Errorf("apply created: %w", err)
		}
		f.createdSeen = true
		f.requiredKnown = true
		f.approvalsRequired = int(p.ApprovalsRequired)

	case events.ApprovedPayload:
		// Approvals extend observable facts monotonically, so they apply
		// even before EscrowCreated has been seen.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (escrow_address, approver, tx_hash, block_number, block_timestamp)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (escrow_address, approver) DO NOTHING`,
			escrow, p.Approver, ev.TxHash, int64(ev.BlockNumber), ev.BlockTimestamp,
		); err != nil {
			return "", fmt.Errorf("apply approval: %w", err)
		}
		// Recount instead of incrementing: deterministic under duplicate
		// approvers and redelivery.
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM approvals WHERE escrow_address = $1`, escrow,
		).Scan(&f.approvalsCount); err != nil {
			return "", fmt.Errorf("count approvals: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE escrows SET approvals_count = $2 WHERE escrow_address = $1`,
			escrow, f.approvalsCount,
		); err != nil {
			return "", fmt.Errorf("update approvals_count: %w", err)
		}

	case events.ReleasedPayload:
		if f.terminal != "" && f.terminal != StatusReleased {
			outcome = OutcomeRejected
			break
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET terminal_kind = 'released', terminal_to = $2, terminal_amount = $3::numeric
			WHERE escrow_address = $1`,
			escrow, p.To, p.Amount,
		); err != nil {
			return "", fmt.Errorf("apply released: %w", err)
		}
		f.terminal = StatusReleased

	case events.RefundedPayload:
		if f.terminal != "" && f.terminal != StatusRefunded {
			outcome = OutcomeRejected
			break
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE escrows
			SET terminal_kind = 'refunded', terminal_to = $2, terminal_amount = $3::numeric
			WHERE escrow_address = $1`,
			escrow, p.To, p.Amount,
		); err != nil {
			return "", fmt.Errorf("apply refunded: %w", err)
		}
		f.terminal = StatusRefunded

	default:
		// Decoded events are always one of the above; anything else is a
		// logical anomaly. Keep the audit row, leave state alone.
		outcome = OutcomeRejected
	}

	status := current
	if outcome != OutcomeRejected {
		status = promote(current, deriveStatus(f))
	}

	newBlock, newIdx := lastBlock, lastLogIndex
	if int64(ev.BlockNumber) > lastBlock ||
		(int64(ev.BlockNumber) == lastBlock && int64(ev.LogIndex) > lastLogIndex) {
		newBlock, newIdx = int64(ev.BlockNumber), int64(ev.LogIndex)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE escrows
		SET status = $2, last_event_block = $3, last_event_log_index = $4,
		    updated_at = to_timestamp($5)
		WHERE escrow_address = $1`,
		escrow, string(status), newBlock, newIdx, ev.BlockTimestamp,
	); err != nil {
		return "", fmt.Errorf("finalize row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return outcome, nil
}
