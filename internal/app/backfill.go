package app

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/clearport/escrow-indexer/internal/backfill"
	"github.com/clearport/escrow-indexer/internal/chain"
	"github.com/clearport/escrow-indexer/internal/config"
	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/metrics"
	"github.com/clearport/escrow-indexer/internal/store"
)

// BackfillOptions carries the command-line parameters of one backfill run.
type BackfillOptions struct {
	ChainID   uint64
	FromBlock uint64
	ToBlock   uint64
	// LastBlocks replays the most recent N safe blocks instead of an
	// explicit range.
	LastBlocks uint64
	Batch      uint64
	DryRun     bool
	// RewindCheckpoint moves the live tailer checkpoint back to FromBlock-1
	// after a successful run, for deep reorg recovery.
	RewindCheckpoint bool
}

// RunBackfill executes one bounded replay and returns the process exit code.
func RunBackfill(cfg *config.Config, opts BackfillOptions) int {
	logger := log.New(log.Writer(), "[BACKFILL] ", log.LstdFlags)

	var chainCfg *config.ChainConfig
	for i := range cfg.Chains {
		if cfg.Chains[i].ChainID == opts.ChainID {
			chainCfg = &cfg.Chains[i]
		}
	}
	if chainCfg == nil {
		logger.Printf("❌ chain %d is not configured", opts.ChainID)
		return ExitConfig
	}
	codec, err := events.NewCodec(cfg.EventSignatures)
	if err != nil {
		logger.Printf("❌ %v", err)
		return ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBURL, cfg.PoolSize())
	if err != nil {
		logger.Printf("❌ database unreachable: %v", err)
		return ExitDependency
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		logger.Printf("❌ migrate: %v", err)
		return ExitDependency
	}

	client, err := chain.Dial(ctx, chainCfg.RPCURL, cfg.CallTimeout)
	if err != nil {
		logger.Printf("❌ RPC unreachable: %v", err)
		return ExitDependency
	}
	defer client.Close()

	if opts.LastBlocks > 0 {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			logger.Printf("❌ eth_blockNumber: %v", err)
			return ExitDependency
		}
		safe := uint64(0)
		if head > chainCfg.ConfirmationDepth {
			safe = head - chainCfg.ConfirmationDepth
		}
		if safe > opts.LastBlocks {
			opts.FromBlock = safe - opts.LastBlocks + 1
		} else {
			opts.FromBlock = 0
		}
		opts.ToBlock = safe
	}

	runner := backfill.NewRunner(client, codec, store.NewEngine(db, metrics.New()))
	sum, err := runner.Run(ctx, backfill.Options{
		ChainID:           opts.ChainID,
		FromBlock:         opts.FromBlock,
		ToBlock:           opts.ToBlock,
		ConfirmationDepth: chainCfg.ConfirmationDepth,
		Addresses:         chainCfg.ContractAddresses,
		BatchBlocks:       opts.Batch,
		DryRun:            opts.DryRun,
	})
	if err != nil {
		logger.Printf("❌ run aborted: %v", err)
		return ExitDependency
	}

	if opts.RewindCheckpoint && !opts.DryRun {
		// Stop the live relayer before rewinding or the two will race.
		if err := store.NewCheckpoints(db).Rewind(ctx, opts.ChainID, opts.FromBlock-1); err != nil {
			logger.Printf("❌ checkpoint rewind: %v", err)
			return ExitDependency
		}
		logger.Printf("⏪ checkpoint for chain %d rewound to %d", opts.ChainID, opts.FromBlock-1)
	}

	logger.Printf("✅ backfill %s done: %d decoded over [%d, %d]",
		sum.RunID, sum.Decoded, sum.FromBlock, sum.ToBlock)
	return ExitOK
}
