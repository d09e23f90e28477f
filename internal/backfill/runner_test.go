package backfill

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/store"
)

const escrowAddr = "0xdddd00000000000000000000000000000000dddd"

type fakeClient struct {
	head uint64
	logs []types.Log

	// failWindowsAbove makes FilterLogs error whenever the requested window
	// is wider than this, simulating provider response limits.
	failWindowsAbove uint64

	queries []ethereum.FilterQuery
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	width := q.ToBlock.Uint64() - q.FromBlock.Uint64() + 1
	if f.failWindowsAbove > 0 && width > f.failWindowsAbove {
		return nil, errors.New("query returned more than 10000 results")
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 1700000000 + number.Uint64()}, nil
}

type memProjector struct {
	mu      sync.Mutex
	applied []*events.Event
	seen    map[string]bool
}

func (m *memProjector) Apply(ctx context.Context, ev *events.Event) (store.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[ev.EventID] {
		return store.OutcomeSkippedDuplicate, nil
	}
	m.seen[ev.EventID] = true
	m.applied = append(m.applied, ev)
	return store.OutcomeApplied, nil
}

func approvedLog(t *testing.T, block uint64, index uint) types.Log {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(`[{"type":"event","name":"Approved","inputs":[
		{"name":"approver","type":"address","indexed":true}]}]`))
	require.NoError(t, err)
	return types.Log{
		Address: common.HexToAddress(escrowAddr),
		Topics: []common.Hash{
			parsed.Events["Approved"].ID,
			common.BytesToHash(common.LeftPadBytes(common.HexToAddress("0xaaaa00000000000000000000000000000000aaaa").Bytes(), 32)),
		},
		BlockNumber: block,
		BlockHash:   common.BigToHash(big.NewInt(int64(block))),
		TxHash:      common.BigToHash(big.NewInt(int64(block)*1000 + int64(index))),
		Index:       index,
	}
}

func newTestRunner(t *testing.T, client *fakeClient, proj store.Projector) *Runner {
	t.Helper()
	codec, err := events.NewCodec(nil)
	require.NoError(t, err)
	return NewRunner(client, codec, proj)
}

func TestRunReplaysRange(t *testing.T) {
	client := &fakeClient{head: 10_000, logs: []types.Log{
		approvedLog(t, 150, 0),
		approvedLog(t, 2500, 1),
	}}
	proj := &memProjector{}
	runner := newTestRunner(t, client, proj)

	sum, err := runner.Run(context.Background(), Options{
		ChainID:   1,
		FromBlock: 100,
		ToBlock:   3000,
		Addresses: []string{escrowAddr},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Decoded)
	assert.Equal(t, 2, sum.Outcomes[store.OutcomeApplied])
	assert.NotEmpty(t, sum.RunID)
	require.Len(t, proj.applied, 2)
	assert.Equal(t, uint64(150), proj.applied[0].BlockNumber)

	// 1000-block batches over [100, 3000]: 3 windows.
	require.Len(t, client.queries, 3)
	assert.Equal(t, uint64(100), client.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(1099), client.queries[0].ToBlock.Uint64())
	assert.Equal(t, uint64(3000), client.queries[2].ToBlock.Uint64())
}

func TestRunDefaultsToSafeHead(t *testing.T) {
	client := &fakeClient{head: 1000}
	runner := newTestRunner(t, client, &memProjector{})

	sum, err := runner.Run(context.Background(), Options{
		ChainID:           1,
		FromBlock:         900,
		ConfirmationDepth: 12,
		Addresses:         []string{escrowAddr},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(988), sum.ToBlock)
}

func TestRunHalvesBatchOnProviderLimit(t *testing.T) {
	client := &fakeClient{
		head:             10_000,
		failWindowsAbove: 300,
		logs:             []types.Log{approvedLog(t, 450, 0)},
	}
	proj := &memProjector{}
	runner := newTestRunner(t, client, proj)

	sum, err := runner.Run(context.Background(), Options{
		ChainID:   1,
		FromBlock: 100,
		ToBlock:   600,
		Addresses: []string{escrowAddr},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Decoded)

	// 1000 and 500 wide windows fail, 250 succeeds.
	widths := make([]uint64, 0, len(client.queries))
	for _, q := range client.queries {
		widths = append(widths, q.ToBlock.Uint64()-q.FromBlock.Uint64()+1)
	}
	assert.Contains(t, widths, uint64(250))
	for _, w := range widths[len(widths)-2:] {
		assert.LessOrEqual(t, w, uint64(300))
	}
}

func TestRunFailsAtMinimumBatch(t *testing.T) {
	client := &fakeClient{head: 10_000, failWindowsAbove: 10}
	runner := newTestRunner(t, client, &memProjector{})

	_, err := runner.Run(context.Background(), Options{
		ChainID:   1,
		FromBlock: 100,
		ToBlock:   5000,
		Addresses: []string{escrowAddr},
	})
	assert.Error(t, err)
}

func TestRunDryRunProjectsNothing(t *testing.T) {
	client := &fakeClient{head: 10_000, logs: []types.Log{approvedLog(t, 150, 0)}}
	proj := &memProjector{}
	runner := newTestRunner(t, client, proj)

	sum, err := runner.Run(context.Background(), Options{
		ChainID:   1,
		FromBlock: 100,
		ToBlock:   200,
		Addresses: []string{escrowAddr},
		DryRun:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Decoded)
	assert.Empty(t, proj.applied)
	assert.Empty(t, sum.Outcomes)
}

func TestRunCountsUnknownSignatures(t *testing.T) {
	unknown := approvedLog(t, 150, 0)
	unknown.Topics[0] = common.HexToHash("0xdeadbeef")
	client := &fakeClient{head: 10_000, logs: []types.Log{unknown, approvedLog(t, 151, 1)}}
	proj := &memProjector{}
	runner := newTestRunner(t, client, proj)

	sum, err := runner.Run(context.Background(), Options{
		ChainID:   1,
		FromBlock: 100,
		ToBlock:   200,
		Addresses: []string{escrowAddr},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Unknown)
	assert.Equal(t, 1, sum.Decoded)
	require.Len(t, proj.applied, 1)
}

func TestRunRejectsInvertedRange(t *testing.T) {
	runner := newTestRunner(t, &fakeClient{head: 10_000}, &memProjector{})

	_, err := runner.Run(context.Background(), Options{
		ChainID:   1,
		FromBlock: 500,
		ToBlock:   100,
	})
	assert.Error(t, err)
}
