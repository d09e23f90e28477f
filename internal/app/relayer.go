// Package app wires the pipeline processes: configuration, storage, bus and
// chain clients are assembled here, and lifecycle (signals, drain, exit
// codes) is owned here so the cmd mains stay thin.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clearport/escrow-indexer/internal/bus"
	"github.com/clearport/escrow-indexer/internal/chain"
	"github.com/clearport/escrow-indexer/internal/config"
	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/metrics"
	"github.com/clearport/escrow-indexer/internal/store"
)

// Process exit codes. Supervisors key restart policy off these: a config
// error will never heal on restart, a deep reorg needs an operator.
const (
	ExitOK         = 0
	ExitConfig     = 1
	ExitDeepReorg  = 2
	ExitDependency = 3
)

// RunRelayer runs the relayer until a signal or a fatal anomaly and returns
// the process exit code.
func RunRelayer(cfg *config.Config) int {
	logger := log.New(log.Writer(), "[RELAYER] ", log.LstdFlags)

	if err := cfg.ValidateRelayer(); err != nil {
		logger.Printf("❌ %v", err)
		return ExitConfig
	}
	codec, err := events.NewCodec(cfg.EventSignatures)
	if err != nil {
		logger.Printf("❌ %v", err)
		return ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var db *sql.DB
	if err := dialRetry(ctx, logger, "database", startupAttempts, startupBaseWait, func() error {
		var err error
		db, err = store.Open(ctx, cfg.DBURL, cfg.PoolSize())
		return err
	}); err != nil {
		logger.Printf("❌ database unreachable: %v", err)
		return ExitDependency
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		logger.Printf("❌ migrate: %v", err)
		return ExitDependency
	}

	checkpoints := store.NewCheckpoints(db)

	// One publisher and one tailer per configured chain, each tailer on its
	// own RPC connection. Publishers are per-chain so a tailer's flush
	// confirms exactly the batch its checkpoint save pairs with; a shared
	// pending set would let one chain's checkpoint ride on another's flush.
	pubs := make([]*bus.Publisher, 0, len(cfg.Chains))
	tailers := make([]*chain.Tailer, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		var pub *bus.Publisher
		if err := dialRetry(ctx, logger, "broker", startupAttempts, startupBaseWait, func() error {
			var err error
			pub, err = bus.NewPublisher(ctx, cfg.PubSubProject, cfg.BusTopic, cfg.MaxInFlight, m)
			return err
		}); err != nil {
			logger.Printf("❌ broker unreachable: %v", err)
			return ExitDependency
		}
		defer pub.Close()
		pubs = append(pubs, pub)

		client, err := chain.Dial(ctx, ch.RPCURL, cfg.CallTimeout)
		if err != nil {
			logger.Printf("❌ chain %d RPC unreachable: %v", ch.ChainID, err)
			return ExitDependency
		}
		defer client.Close()
		tailers = append(tailers, chain.NewTailer(ch, client, codec, checkpoints, pub, m, cfg.Standby))
	}

	// The relayer exposes /metrics and a liveness probe only; queries are
	// the indexer's surface.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, pub := range pubs {
			if err := pub.HealthCheck(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		fmt.Fprintln(w, "ok")
	})
	httpSrv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server: %v", err)
		}
	}()
	defer httpSrv.Close()

	logger.Printf("🚀 relayer up: %d chain(s), standby=%v", len(tailers), cfg.Standby)

	errCh := make(chan error, len(tailers))
	var wg sync.WaitGroup
	for _, t := range tailers {
		wg.Add(1)
		go func(t *chain.Tailer) {
			defer wg.Done()
			errCh <- t.Run(ctx)
		}(t)
	}

	// First fatal tailer error takes the whole process down; transient RPC
	// trouble is retried inside the tailer and never surfaces here.
	var fatal error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			fatal = err
		}
	}
	stop()
	wg.Wait()

	if fatal != nil {
		if errors.Is(fatal, chain.ErrDeepReorg) {
			logger.Printf("🚨 exiting on deep reorg; run a backfill and rewind the checkpoint before restart")
			return ExitDeepReorg
		}
		logger.Printf("❌ tailer failed: %v", fatal)
		return ExitDependency
	}
	logger.Printf("👋 relayer stopped cleanly")
	return ExitOK
}
