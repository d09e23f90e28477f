package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/clearport/escrow-indexer/internal/app"
	"github.com/clearport/escrow-indexer/internal/config"
)

func main() {
	_ = godotenv.Load()

	var opts app.BackfillOptions
	flag.Uint64Var(&opts.ChainID, "chain", 0, "chain id to replay (must be configured)")
	flag.Uint64Var(&opts.FromBlock, "from", 0, "first block of the range")
	flag.Uint64Var(&opts.ToBlock, "to", 0, "last block of the range (0 = latest safe head)")
	flag.Uint64Var(&opts.LastBlocks, "last", 0, "replay the most recent N safe blocks (overrides -from/-to)")
	flag.Uint64Var(&opts.Batch, "batch", 0, "getLogs batch size (0 = default)")
	flag.BoolVar(&opts.DryRun, "dry-run", false, "decode and count without writing")
	flag.BoolVar(&opts.RewindCheckpoint, "rewind-checkpoint", false,
		"after a successful run, rewind the live checkpoint to from-1 (stop the relayer first)")
	flag.Parse()

	if opts.ChainID == 0 {
		log.Printf("❌ -chain is required")
		flag.Usage()
		os.Exit(app.ExitConfig)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("❌ %v", err)
		os.Exit(app.ExitConfig)
	}
	// Backfill never touches the bus; only the DB and chain config matter.
	if cfg.DBURL == "" {
		log.Printf("❌ config: DB_URL is required")
		os.Exit(app.ExitConfig)
	}
	os.Exit(app.RunBackfill(cfg, opts))
}
