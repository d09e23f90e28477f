package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Checkpoints persists the relayer high-water mark, one row per chain, in
// the projection DB. Co-locating it with the projection keeps checkpoint
// advancement and projected state in one durability domain.
type Checkpoints struct {
	db *sql.DB
}

// NewCheckpoints returns a checkpoint store backed by the projection DB.
func NewCheckpoints(db *sql.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

// Load returns the last safe (block, log_index) for a chain, or (0, 0) when
// the chain has never been tailed.
func (c *Checkpoints) Load(ctx context.Context, chainID uint64) (uint64, uint, error) {
	var block, logIndex int64
	err := c.db.QueryRowContext(ctx,
		`SELECT last_safe_block, last_safe_log_index FROM checkpoints WHERE chain_id = $1`,
		int64(chainID),
	).Scan(&block, &logIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("load checkpoint chain %d: %w", chainID, err)
	}
	return uint64(block), uint(logIndex), nil
}

// Save advances the checkpoint. The guard keeps last_safe_block from ever
// moving backward through this path; rewinds go through Rewind only.
func (c *Checkpoints) Save(ctx context.Context, chainID uint64, block uint64, logIndex uint) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (chain_id, last_safe_block, last_safe_log_index, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chain_id) DO UPDATE
		SET last_safe_block = EXCLUDED.last_safe_block,
		    last_safe_log_index = EXCLUDED.last_safe_log_index,
		    updated_at = now()
		WHERE checkpoints.last_safe_block <= EXCLUDED.last_safe_block`,
		int64(chainID), int64(block), int64(logIndex),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint chain %d: %w", chainID, err)
	}
	return nil
}

// Rewind force-sets the checkpoint. Operator recovery path only (deep reorg
// cleanup); normal operation never moves a checkpoint backward.
func (c *Checkpoints) Rewind(ctx context.Context, chainID uint64, block uint64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (chain_id, last_safe_block, last_safe_log_index, updated_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (chain_id) DO UPDATE
		SET last_safe_block = EXCLUDED.last_safe_block,
		    last_safe_log_index = 0,
		    updated_at = now()`,
		int64(chainID), int64(block),
	)
	if err != nil {
		return fmt.Errorf("rewind checkpoint chain %d: %w", chainID, err)
	}
	return nil
}
