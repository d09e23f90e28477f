// Package backfill replays historical block ranges through the projection
// engine, bypassing the bus. It is a local convergence tool: the live
// checkpoint is never touched, and idempotent projection makes reruns safe.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/clearport/escrow-indexer/internal/chain"
	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/store"
)

const (
	// DefaultBatchBlocks is the starting getLogs range; the runner halves
	// it on RPC errors down to MinBatchBlocks before giving up.
	DefaultBatchBlocks = 1000
	MinBatchBlocks     = 100
)

// Options configures one backfill run.
type Options struct {
	ChainID   uint64
	FromBlock uint64
	// ToBlock of 0 means "latest safe head at start of run".
	ToBlock           uint64
	ConfirmationDepth uint64
	Addresses         []string
	BatchBlocks       uint64
	// DryRun decodes and counts without projecting.
	DryRun bool
}

// Summary reports what a run did.
type Summary struct {
	RunID     string
	FromBlock uint64
	ToBlock   uint64
	Decoded   int
	Unknown   int
	Malformed int
	Outcomes  map[store.Outcome]int
}

// Runner replays ranges through a Projector.
type Runner struct {
	client    chain.Client
	codec     *events.Codec
	projector store.Projector
	logger    *log.Logger
}

// NewRunner assembles a backfill runner.
func NewRunner(client chain.Client, codec *events.Codec, projector store.Projector) *Runner {
	return &Runner{
		client:    client,
		codec:     codec,
		projector: projector,
		logger:    log.New(log.Writer(), "[BACKFILL] ", log.LstdFlags),
	}
}

// Run replays [FromBlock, ToBlock]. Progress is kept in memory only;
// rerunning a partially completed range is safe because the projection
// deduplicates on event_id.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.BatchBlocks == 0 {
		opts.BatchBlocks = DefaultBatchBlocks
	}

	to := opts.ToBlock
	if to == 0 {
		head, err := r.client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("eth_blockNumber: %w", err)
		}
		if head < opts.ConfirmationDepth {
			return nil, fmt.Errorf("head %d is inside the confirmation depth", head)
		}
		to = head - opts.ConfirmationDepth
	}
	if opts.FromBlock > to {
		return nil, fmt.Errorf("from block %d is beyond to block %d", opts.FromBlock, to)
	}

	addresses := make([]common.Address, 0, len(opts.Addresses))
	for _, a := range opts.Addresses {
		addresses = append(addresses, common.HexToAddress(a))
	}

	sum := &Summary{
		RunID:     uuid.NewString(),
		FromBlock: opts.FromBlock,
		ToBlock:   to,
		Outcomes:  make(map[store.Outcome]int),
	}
	r.logger.Printf("🚀 run %s: chain %d blocks [%d, %d] batch=%d dry_run=%v",
		sum.RunID, opts.ChainID, opts.FromBlock, to, opts.BatchBlocks, opts.DryRun)

	batch := opts.BatchBlocks
	from := opts.FromBlock
	for from <= to {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		end := from + batch - 1
		if end > to {
			end = to
		}

		logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: addresses,
			Topics:    [][]common.Hash{r.codec.Topics()},
		})
		if err != nil {
			// Providers bound getLogs responses in opaque ways; halve the
			// window and retry until the floor.
			if batch/2 >= MinBatchBlocks {
				batch /= 2
				r.logger.Printf("getLogs [%d,%d] failed, halving batch to %d: %v", from, end, batch, err)
				continue
			}
			return sum, fmt.Errorf("eth_getLogs [%d,%d] at minimum batch: %w", from, end, err)
		}

		if err := r.replayLogs(ctx, opts, logs, sum); err != nil {
			return sum, err
		}
		from = end + 1
	}

	r.logger.Printf("✅ run %s complete: decoded=%d unknown=%d malformed=%d outcomes=%v",
		sum.RunID, sum.Decoded, sum.Unknown, sum.Malformed, sum.Outcomes)
	return sum, nil
}

func (r *Runner) replayLogs(ctx context.Context, opts Options, logs []types.Log, sum *Summary) error {
	times := make(map[uint64]int64)
	for _, lg := range logs {
		ts, ok := times[lg.BlockNumber]
		if !ok {
			hdr, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			if err != nil {
				return fmt.Errorf("header %d: %w", lg.BlockNumber, err)
			}
			ts = int64(hdr.Time)
			times[lg.BlockNumber] = ts
		}

		ev, err := r.codec.DecodeLog(opts.ChainID, lg, ts)
		if err != nil {
			if errors.Is(err, events.ErrUnknownEvent) {
				sum.Unknown++
			} else {
				sum.Malformed++
				slog.Warn("backfill: undecodable log",
					"block", lg.BlockNumber, "log_index", lg.Index, "err", err)
			}
			continue
		}
		sum.Decoded++

		if opts.DryRun {
			continue
		}
		outcome, err := r.projector.Apply(ctx, ev)
		if err != nil {
			return fmt.Errorf("project %s: %w", ev.EventID, err)
		}
		sum.Outcomes[outcome]++
	}
	return nil
}
