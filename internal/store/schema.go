package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrations are forward-only and idempotent: plain CREATE IF NOT EXISTS,
// and raw DDL guarded by existence checks for the enum.
var migrations = []string{
	`DO $$ BEGIN
		CREATE TYPE escrow_status AS ENUM ('deployed', 'created', 'approved', 'released', 'refunded');
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,

	`CREATE TABLE IF NOT EXISTS escrows (
		escrow_address        TEXT PRIMARY KEY,
		chain_id              BIGINT NOT NULL,
		factory_address       TEXT,
		creator               TEXT,
		payer                 TEXT,
		payee                 TEXT,
		arbiter               TEXT,
		asset                 TEXT,
		amount                NUMERIC(78,0),
		status                escrow_status NOT NULL DEFAULT 'deployed',
		approvals_count       INTEGER NOT NULL DEFAULT 0,
		approvals_required    INTEGER,
		release_delay_seconds BIGINT,
		terminal_kind         TEXT,
		terminal_to           TEXT,
		terminal_amount       NUMERIC(78,0),
		deploy_tx             TEXT,
		deploy_block          BIGINT,
		last_event_block      BIGINT NOT NULL DEFAULT 0,
		last_event_log_index  BIGINT NOT NULL DEFAULT 0,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_escrows_payer_status ON escrows (payer, status)`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_payee_status ON escrows (payee, status)`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_arbiter_status ON escrows (arbiter, status)`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows (status)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		escrow_address  TEXT NOT NULL,
		approver        TEXT NOT NULL,
		tx_hash         TEXT,
		block_number    BIGINT,
		block_timestamp BIGINT,
		PRIMARY KEY (escrow_address, approver)
	)`,

	`CREATE TABLE IF NOT EXISTS escrow_events (
		event_id         TEXT PRIMARY KEY,
		event_type       TEXT NOT NULL,
		chain_id         BIGINT NOT NULL,
		block_number     BIGINT NOT NULL,
		block_hash       TEXT NOT NULL,
		block_timestamp  BIGINT NOT NULL,
		tx_hash          TEXT NOT NULL,
		log_index        BIGINT NOT NULL,
		contract_address TEXT NOT NULL,
		escrow_address   TEXT NOT NULL,
		payload_json     JSONB NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_escrow_events_escrow ON escrow_events (escrow_address, block_number, log_index)`,

	`CREATE TABLE IF NOT EXISTS checkpoints (
		chain_id            BIGINT PRIMARY KEY,
		last_safe_block     BIGINT NOT NULL,
		last_safe_log_index BIGINT NOT NULL DEFAULT 0,
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. Safe to run on every startup from every
// process; statements are individually idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
