package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

// Role keys the by-role lookups.
type Role string

const (
	RolePayer   Role = "payer"
	RolePayee   Role = "payee"
	RoleArbiter Role = "arbiter"
)

// EscrowRow is one projected escrow, shaped for the API.
type EscrowRow struct {
	EscrowAddress       string  `json:"escrow_address"`
	ChainID             int64   `json:"chain_id"`
	FactoryAddress      *string `json:"factory_address,omitempty"`
	Creator             *string `json:"creator,omitempty"`
	Payer               *string `json:"payer,omitempty"`
	Payee               *string `json:"payee,omitempty"`
	Arbiter             *string `json:"arbiter,omitempty"`
	Asset               *string `json:"asset,omitempty"`
	Amount              *string `json:"amount,omitempty"`
	Status              string  `json:"status"`
	ApprovalsCount      int     `json:"approvals_count"`
	ApprovalsRequired   *int    `json:"approvals_required,omitempty"`
	ReleaseDelaySeconds *int64  `json:"release_delay_seconds,omitempty"`
	DeployTx            *string `json:"deploy_tx,omitempty"`
	DeployBlock         *int64  `json:"deploy_block,omitempty"`
	LastEventBlock      int64   `json:"last_event_block"`
	LastEventLogIndex   int64   `json:"last_event_log_index"`
}

// ApprovalRow is one approval, oldest first in listings.
type ApprovalRow struct {
	EscrowAddress  string `json:"escrow_address"`
	Approver       string `json:"approver"`
	TxHash         string `json:"tx_hash"`
	BlockNumber    int64  `json:"block_number"`
	BlockTimestamp int64  `json:"block_timestamp"`
}

// EventRow is one audit-log entry.
type EventRow struct {
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	ChainID         int64           `json:"chain_id"`
	BlockNumber     int64           `json:"block_number"`
	BlockHash       string          `json:"block_hash"`
	BlockTimestamp  int64           `json:"block_timestamp"`
	TxHash          string          `json:"tx_hash"`
	LogIndex        int64           `json:"log_index"`
	ContractAddress string          `json:"contract_address"`
	EscrowAddress   string          `json:"escrow_address"`
	Payload         json.RawMessage `json:"payload"`
}

// Cursor is the pagination position: results continue strictly after
// (LastEventBlock, EscrowAddress) in the newest-first ordering.
type Cursor struct {
	LastEventBlock int64
	EscrowAddress  string
}

// ListQuery bundles the filters of a role listing.
type ListQuery struct {
	Status string
	Limit  int
	Cursor *Cursor
}

// Reader is the read surface the API serves from. *SQLReader implements
// it; tests and the redis cache wrap it.
type Reader interface {
	EscrowsByRole(ctx context.Context, role Role, addr string, q ListQuery) ([]EscrowRow, error)
	Escrow(ctx context.Context, addr string) (*EscrowRow, error)
	Approvals(ctx context.Context, addr string) ([]ApprovalRow, error)
	Events(ctx context.Context, addr string) ([]EventRow, error)
	Stats(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
}

// SQLReader serves reads straight from Postgres. Role listings hit the
// (role, status) composite indexes.
type SQLReader struct {
	db *sql.DB
}

// NewSQLReader wraps a DB handle.
func NewSQLReader(db *sql.DB) *SQLReader {
	return &SQLReader{db: db}
}

const escrowColumns = `
	escrow_address, chain_id, factory_address, creator, payer, payee,
	arbiter, asset, amount::text, status, approvals_count,
	approvals_required, release_delay_seconds, deploy_tx, deploy_block,
	last_event_block, last_event_log_index`

// EscrowsByRole lists escrows where the role column equals addr, newest
// first by (last_event_block, escrow_address).
func (r *SQLReader) EscrowsByRole(ctx context.Context, role Role, addr string, q ListQuery) ([]EscrowRow, error) {
	col, err := roleColumn(role)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	args := []interface{}{addr}
	fmt.Fprintf(&sb, `SELECT %s FROM escrows WHERE %s = $1`, escrowColumns, col)
	if q.Status != "" {
		args = append(args, q.Status)
		fmt.Fprintf(&sb, ` AND status = $%d`, len(args))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.LastEventBlock, q.Cursor.EscrowAddress)
		fmt.Fprintf(&sb, ` AND (last_event_block, escrow_address) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, q.Limit)
	fmt.Fprintf(&sb, ` ORDER BY last_event_block DESC, escrow_address DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list by %s: %w", col, err)
	}
	defer rows.Close()

	out := []EscrowRow{}
	for rows.Next() {
		row, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// Escrow returns the full row or ErrNotFound.
func (r *SQLReader) Escrow(ctx context.Context, addr string) (*EscrowRow, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE escrow_address = $1`, addr)
	out, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return out, err
}

// Approvals lists an escrow's approval history, oldest first.
func (r *SQLReader) Approvals(ctx context.Context, addr string) ([]ApprovalRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT escrow_address, approver, COALESCE(tx_hash, ''),
		       COALESCE(block_number, 0), COALESCE(block_timestamp, 0)
		FROM approvals WHERE escrow_address = $1
		ORDER BY block_number, approver`, addr)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	out := []ApprovalRow{}
	for rows.Next() {
		var a ApprovalRow
		if err := rows.Scan(&a.EscrowAddress, &a.Approver, &a.TxHash, &a.BlockNumber, &a.BlockTimestamp); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Events returns the full audit trail for an escrow, oldest first.
func (r *SQLReader) Events(ctx context.Context, addr string) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, event_type, chain_id, block_number, block_hash,
		       block_timestamp, tx_hash, log_index, contract_address,
		       escrow_address, payload_json
		FROM escrow_events WHERE escrow_address = $1
		ORDER BY block_number, log_index`, addr)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []EventRow{}
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.EventID, &e.EventType, &e.ChainID, &e.BlockNumber,
			&e.BlockHash, &e.BlockTimestamp, &e.TxHash, &e.LogIndex,
			&e.ContractAddress, &e.EscrowAddress, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats returns global escrow counts by status.
func (r *SQLReader) Stats(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status::text, count(*) FROM escrows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{
		string(StatusDeployed): 0,
		string(StatusCreated):  0,
		string(StatusApproved): 0,
		string(StatusReleased): 0,
		string(StatusRefunded): 0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Ping reports DB reachability for health checks.
func (r *SQLReader) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func roleColumn(role Role) (string, error) {
	switch role {
	case RolePayer, RolePayee, RoleArbiter:
		return string(role), nil
	}
	return "", fmt.Errorf("unknown role %q", role)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s rowScanner) (*EscrowRow, error) {
	var e EscrowRow
	err := s.Scan(
		&e.EscrowAddress, &e.ChainID, &e.FactoryAddress, &e.Creator,
		&e.Payer, &e.Payee, &e.Arbiter, &e.Asset, &e.Amount, &e.Status,
		&e.ApprovalsCount, &e.ApprovalsRequired, &e.ReleaseDelaySeconds,
		&e.DeployTx, &e.DeployBlock, &e.LastEventBlock, &e.LastEventLogIndex,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
