package app

import (
	"context"
	"database/sql"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/clearport/escrow-indexer/internal/api"
	"github.com/clearport/escrow-indexer/internal/bus"
	"github.com/clearport/escrow-indexer/internal/config"
	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/metrics"
	"github.com/clearport/escrow-indexer/internal/store"
)

// streamBuffer is the per-websocket-client event buffer; slow clients drop
// events rather than stalling the projection path.
const streamBuffer = 64

// RunIndexer runs the indexer (subscriber + projection + query API) until a
// signal, then drains in-flight messages before exiting. Returns the process
// exit code.
func RunIndexer(cfg *config.Config) int {
	logger := log.New(log.Writer(), "[INDEXER] ", log.LstdFlags)

	if err := cfg.ValidateIndexer(); err != nil {
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

	engine := store.NewEngine(db, m)
	stream := events.NewStream(streamBuffer)

	var sub *bus.Subscriber
	if err := dialRetry(ctx, logger, "broker", startupAttempts, startupBaseWait, func() error {
		var err error
		sub, err = bus.NewSubscriber(ctx, cfg.PubSubProject, cfg.BusSubscription, cfg.BusTopic,
			cfg.SubscriberWorkers, engine, stream, m)
		return err
	}); err != nil {
		logger.Printf("❌ broker unreachable: %v", err)
		return ExitDependency
	}
	defer sub.Close()

	var reader store.Reader = store.NewSQLReader(db)
	if cfg.RedisAddr != "" {
		cached, err := api.NewCachedReader(reader, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			// Cache is an optimization; the SQL reader carries the load alone.
			logger.Printf("⚠️  redis unavailable, serving uncached: %v", err)
		} else {
			defer cached.Close()
			reader = cached
		}
	}

	server := api.NewServer(cfg.HTTPPort, reader, sub, stream, cfg.StaleThreshold)

	srvErr := make(chan error, 1)
	go func() { srvErr <- server.Start() }()

	subErr := make(chan error, 1)
	go func() { subErr <- sub.Run(ctx) }()

	logger.Printf("🚀 indexer up: %d workers, port %s", cfg.SubscriberWorkers, cfg.HTTPPort)

	code := ExitOK
	subDone := false
	select {
	case <-ctx.Done():
	case err := <-subErr:
		subDone = true
		if err != nil {
			logger.Printf("❌ subscriber failed: %v", err)
			code = ExitDependency
		}
	case err := <-srvErr:
		if err != nil {
			logger.Printf("❌ http server failed: %v", err)
			code = ExitDependency
		}
	}
	stop()

	// Drain: Receive returns once in-flight handlers finish; the API drains
	// its own requests. Both are bounded by the drain timeout.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	if !subDone {
		select {
		case <-subErr:
		case <-drainCtx.Done():
			logger.Printf("⚠️  drain timed out with %d message(s) in flight", sub.Outstanding())
		}
	}
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Printf("⚠️  http shutdown: %v", err)
	}

	// Brief grace so final acks reach the broker.
	time.Sleep(100 * time.Millisecond)

	if code == ExitOK {
		logger.Printf("👋 indexer stopped cleanly")
	}
	return code
}
