package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/clearport/escrow-indexer/internal/config"
	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/metrics"
)

// ErrDeepReorg is returned when the chain head drops below the checkpoint,
// meaning a reorg deeper than the confirmation depth rewrote blocks the
// pipeline already published. Recovery is operator-driven: the process must
// exit and refuse to advance.
var ErrDeepReorg = errors.New("reorg deeper than confirmation depth")

// CheckpointStore persists the tail high-water mark per chain.
type CheckpointStore interface {
	Load(ctx context.Context, chainID uint64) (block uint64, logIndex uint, err error)
	Save(ctx context.Context, chainID uint64, block uint64, logIndex uint) error
}

// Publisher accepts decoded events for durable bus delivery. Publish may be
// asynchronous; Flush blocks until every accepted event is confirmed by the
// broker, and fails if any of them could not be delivered.
type Publisher interface {
	Publish(ctx context.Context, e *events.Event) error
	Flush(ctx context.Context) error
}

// Tailer walks the head of one chain behind the confirmation barrier and
// streams decoded logs, in (block, log_index) order, to the publisher. One
// tailer per chain; running two for the same chain is a misconfiguration.
type Tailer struct {
	cfg         config.ChainConfig
	client      Client
	codec       *events.Codec
	checkpoints CheckpointStore
	pub         Publisher
	metrics     *metrics.Metrics
	standby     bool
	logger      *log.Logger

	addresses []common.Address
}

// NewTailer assembles a tailer for one chain.
func NewTailer(
	cfg config.ChainConfig,
	client Client,
	codec *events.Codec,
	checkpoints CheckpointStore,
	pub Publisher,
	m *metrics.Metrics,
	standby bool,
) *Tailer {
	addrs := make([]common.Address, 0, len(cfg.ContractAddresses))
	for _, a := range cfg.ContractAddresses {
		addrs = append(addrs, common.HexToAddress(a))
	}
	return &Tailer{
		cfg:         cfg,
		client:      client,
		codec:       codec,
		checkpoints: checkpoints,
		pub:         pub,
		metrics:     m,
		standby:     standby,
		logger:      log.New(log.Writer(), fmt.Sprintf("[TAILER:%d] ", cfg.ChainID), log.LstdFlags),
		addresses:   addrs,
	}
}

// Run tails the chain until ctx is cancelled or a fatal anomaly occurs.
// Returns nil on cancellation, ErrDeepReorg on a reorg past the
// confirmation depth.
func (t *Tailer) Run(ctx context.Context) error {
	from, _, err := t.checkpoints.Load(ctx, t.cfg.ChainID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	t.logger.Printf("🚀 tailing from block %d (depth=%d window=%d standby=%v)",
		from, t.cfg.ConfirmationDepth, t.cfg.MaxWindowBlocks, t.standby)

	retry := newBackoff(time.Second, 60*time.Second)
	for {
		if ctx.Err() != nil {
			return nil
		}

		advanced, err := t.step(ctx, &from)
		if err != nil {
			if errors.Is(err, ErrDeepReorg) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			delay := retry.Next()
			t.logger.Printf("step failed, retrying in %s: %v", delay.Round(time.Millisecond), err)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		retry.Reset()

		if !advanced {
			if !sleep(ctx, t.cfg.PollInterval) {
				return nil
			}
		}
	}
}

// step performs one poll iteration. It reports whether the checkpoint
// advanced; when it did not, the caller sleeps a poll interval.
func (t *Tailer) step(ctx context.Context, from *uint64) (bool, error) {
	head, err := t.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("eth_blockNumber: %w", err)
	}

	// Head below the checkpoint means the published range no longer exists
	// on the canonical chain. Fatal anomaly.
	if head < *from {
		t.logger.Printf("🚨 FATAL: head %d is below checkpoint %d — deep reorg, refusing to advance", head, *from)
		return false, ErrDeepReorg
	}

	if head < t.cfg.ConfirmationDepth {
		return false, nil
	}
	safe := head - t.cfg.ConfirmationDepth
	t.metrics.TailerLagBlocks.WithLabelValues(strconv.FormatUint(t.cfg.ChainID, 10)).Set(lag(safe, *from))
	if safe <= *from {
		return false, nil
	}

	to := safe
	if to > *from+t.cfg.MaxWindowBlocks {
		to = *from + t.cfg.MaxWindowBlocks
	}

	logs, err := t.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(*from + 1),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: t.addresses,
		Topics:    [][]common.Hash{t.codec.Topics()},
	})
	if err != nil {
		return false, fmt.Errorf("eth_getLogs [%d,%d]: %w", *from+1, to, err)
	}

	sortLogs(logs)

	lastIdx := uint(0)
	published := 0
	times := make(map[uint64]int64)
	for _, lg := range logs {
		if lg.Removed {
			// Should not happen below the confirmation barrier; skip.
			t.logger.Printf("skipping removed log at block %d idx %d", lg.BlockNumber, lg.Index)
			continue
		}
		ts, err := t.blockTime(ctx, lg.BlockNumber, times)
		if err != nil {
			return false, err
		}
		ev, err := t.codec.DecodeLog(t.cfg.ChainID, lg, ts)
		if err != nil {
			switch {
			case errors.Is(err, events.ErrUnknownEvent):
				t.metrics.DecodeErrors.WithLabelValues("unknown_event").Inc()
				slog.Warn("unknown event signature, skipping",
					"chain_id", t.cfg.ChainID, "block", lg.BlockNumber, "log_index", lg.Index, "err", err)
			default:
				t.metrics.DecodeErrors.WithLabelValues("malformed_payload").Inc()
				slog.Error("undecodable log, skipping",
					"chain_id", t.cfg.ChainID, "block", lg.BlockNumber,
					"log_index", lg.Index, "tx", lg.TxHash.Hex(), "err", err)
			}
			continue
		}

		if t.standby {
			slog.Info("standby: suppressed publish",
				"event_id", ev.EventID, "event_type", ev.Type, "escrow_address", ev.EscrowAddress())
		} else {
			if err := t.pub.Publish(ctx, ev); err != nil {
				return false, fmt.Errorf("publish %s: %w", ev.EventID, err)
			}
			t.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
		}
		published++
		lastIdx = ev.LogIndex
	}

	// The checkpoint only moves once the whole batch is durable on the bus.
	// A standby suppresses publishing, so it must not move the shared
	// checkpoint either: it tracks progress in memory only, and a promoted
	// primary resumes from the last position a primary actually published.
	if !t.standby {
		if err := t.pub.Flush(ctx); err != nil {
			return false, fmt.Errorf("flush batch ending at %d: %w", to, err)
		}
		if err := t.checkpoints.Save(ctx, t.cfg.ChainID, to, lastIdx); err != nil {
			return false, fmt.Errorf("save checkpoint: %w", err)
		}
		if published > 0 {
			t.logger.Printf("📤 published %d events, checkpoint → block %d", published, to)
		}
	}
	*from = to
	return true, nil
}

// blockTime resolves a block's unix timestamp, caching within the batch.
func (t *Tailer) blockTime(ctx context.Context, number uint64, cache map[uint64]int64) (int64, error) {
	if ts, ok := cache[number]; ok {
		return ts, nil
	}
	hdr, err := t.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", number, err)
	}
	ts := int64(hdr.Time)
	cache[number] = ts
	return ts, nil
}

func sortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}

func lag(safe, ckpt uint64) float64 {
	if safe <= ckpt {
		return 0
	}
	return float64(safe - ckpt)
}

// sleep waits for d or until ctx is done; reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
