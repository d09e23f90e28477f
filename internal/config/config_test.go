package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearport/escrow-indexer/internal/events"
)

func clearPipelineEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CHAIN_ID", "RPC_URL", "CONTRACT_ADDRESSES", "CHAINS_FILE",
		"CONFIRMATION_DEPTH", "MAX_WINDOW_BLOCKS", "POLL_INTERVAL_MS",
		"EVENT_SIGNATURES", "PUBSUB_PROJECT", "BUS_TOPIC", "BUS_SUBSCRIPTION",
		"DB_URL", "HTTP_PORT", "REDIS_ADDR", "MAX_IN_FLIGHT",
		"SUBSCRIBER_WORKERS", "API_WORKERS", "RELAYER_STANDBY",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadSingleChainFromEnv(t *testing.T) {
	clearPipelineEnv(t)
	t.Setenv("CHAIN_ID", "1")
	t.Setenv("RPC_URL", "wss://rpc.example")
	t.Setenv("CONTRACT_ADDRESSES", "0xAAAA00000000000000000000000000000000AAAA, 0xbbbb00000000000000000000000000000000bbbb")
	t.Setenv("PUBSUB_PROJECT", "test-project")
	t.Setenv("BUS_TOPIC", "escrow-events")
	t.Setenv("DB_URL", "postgres://localhost/escrow")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 1)

	ch := cfg.Chains[0]
	assert.Equal(t, uint64(1), ch.ChainID)
	assert.Equal(t, "wss://rpc.example", ch.RPCURL)
	assert.Equal(t, []string{
		"0xaaaa00000000000000000000000000000000aaaa",
		"0xbbbb00000000000000000000000000000000bbbb",
	}, ch.ContractAddresses, "addresses normalize to lowercase")
	assert.Equal(t, uint64(DefaultConfirmationDepth), ch.ConfirmationDepth)
	assert.Equal(t, uint64(DefaultMaxWindowBlocks), ch.MaxWindowBlocks)
	assert.Equal(t, DefaultPollInterval, ch.PollInterval)

	require.NoError(t, cfg.ValidateRelayer())
}

func TestPolygonDefaultDepth(t *testing.T) {
	clearPipelineEnv(t)
	t.Setenv("CHAIN_ID", "137")
	t.Setenv("RPC_URL", "wss://polygon.example")
	t.Setenv("CONTRACT_ADDRESSES", "0xaaaa00000000000000000000000000000000aaaa")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(32), cfg.Chains[0].ConfirmationDepth)

	// An explicit depth always wins over the per-chain default.
	t.Setenv("CONFIRMATION_DEPTH", "64")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(64), cfg.Chains[0].ConfirmationDepth)
}

func TestLoadChainsFile(t *testing.T) {
	clearPipelineEnv(t)
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chains:
  - chain_id: 1
    rpc_url: wss://mainnet.example
    contract_addresses: ["0xaaaa00000000000000000000000000000000aaaa"]
    poll_interval_ms: 500
  - chain_id: 137
    rpc_url: wss://polygon.example
    contract_addresses: ["0xBBBB00000000000000000000000000000000BBBB"]
    confirmation_depth: 48
`), 0o644))
	t.Setenv("CHAINS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 2)

	assert.Equal(t, 500*time.Millisecond, cfg.Chains[0].PollInterval)
	assert.Equal(t, uint64(48), cfg.Chains[1].ConfirmationDepth)
	assert.Equal(t, "0xbbbb00000000000000000000000000000000bbbb", cfg.Chains[1].ContractAddresses[0])
}

func TestLoadRejectsBadAddress(t *testing.T) {
	clearPipelineEnv(t)
	t.Setenv("CHAIN_ID", "1")
	t.Setenv("CONTRACT_ADDRESSES", "not-an-address")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRelayer(t *testing.T) {
	clearPipelineEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateRelayer(), "no chains configured")

	cfg.Chains = []ChainConfig{{ChainID: 1}}
	assert.Error(t, cfg.ValidateRelayer(), "missing rpc_url")

	cfg.Chains[0].RPCURL = "wss://rpc.example"
	assert.Error(t, cfg.ValidateRelayer(), "missing contracts")

	cfg.Chains[0].ContractAddresses = []string{"0xaaaa00000000000000000000000000000000aaaa"}
	assert.Error(t, cfg.ValidateRelayer(), "missing pubsub")

	cfg.PubSubProject = "p"
	cfg.BusTopic = "t"
	assert.Error(t, cfg.ValidateRelayer(), "missing db")

	cfg.DBURL = "postgres://localhost/escrow"
	assert.NoError(t, cfg.ValidateRelayer())
}

func TestValidateIndexer(t *testing.T) {
	clearPipelineEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateIndexer())

	cfg.PubSubProject = "p"
	cfg.BusTopic = "t"
	cfg.BusSubscription = "s"
	cfg.DBURL = "postgres://localhost/escrow"
	assert.NoError(t, cfg.ValidateIndexer())
}

func TestEventSignatureOverrides(t *testing.T) {
	clearPipelineEnv(t)
	topic := "0x1111111111111111111111111111111111111111111111111111111111111111"
	t.Setenv("EVENT_SIGNATURES", topic+"=EscrowReleased")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, events.TypeEscrowReleased, cfg.EventSignatures[common.HexToHash(topic)])

	t.Setenv("EVENT_SIGNATURES", "garbage")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("EVENT_SIGNATURES", "0x123=EscrowReleased")
	_, err = Load()
	assert.Error(t, err)
}

func TestPoolSize(t *testing.T) {
	cfg := &Config{SubscriberWorkers: 4, APIWorkers: 8}
	assert.Equal(t, 16, cfg.PoolSize())

	cfg = &Config{SubscriberWorkers: 0, APIWorkers: 0}
	assert.Equal(t, 4, cfg.PoolSize(), "floor of 4")
}

func TestStandbyFlag(t *testing.T) {
	clearPipelineEnv(t)
	for raw, want := range map[string]bool{"1": true, "true": true, "YES": true, "0": false, "": false, "no": false} {
		t.Setenv("RELAYER_STANDBY", raw)
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, want, cfg.Standby, "RELAYER_STANDBY=%q", raw)
	}
}
