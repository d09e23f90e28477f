// Package config loads process configuration from environment variables
// (with .env support for local development) and an optional chains.yaml for
// multi-chain relayer deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"github.com/clearport/escrow-indexer/internal/events"
)

// Defaults applied when the corresponding key is unset.
const (
	DefaultPollInterval      = 3 * time.Second
	DefaultConfirmationDepth = 12
	DefaultMaxWindowBlocks   = 2000
	DefaultMaxInFlight       = 1000
	DefaultSubscriberWorkers = 4
	DefaultAPIWorkers        = 8
	DefaultStaleThreshold    = 5 * time.Minute
	DefaultCallTimeout       = 30 * time.Second
	DefaultDrainTimeout      = 60 * time.Second
	DefaultHTTPPort          = "8080"
)

// ChainConfig describes one chain followed by the relayer.
type ChainConfig struct {
	ChainID           uint64        `yaml:"chain_id"`
	RPCURL            string        `yaml:"rpc_url"`
	ContractAddresses []string      `yaml:"contract_addresses"`
	ConfirmationDepth uint64        `yaml:"confirmation_depth"`
	MaxWindowBlocks   uint64        `yaml:"max_window_blocks"`
	PollIntervalMS    int           `yaml:"poll_interval_ms"`
	PollInterval      time.Duration `yaml:"-"`
}

// Config holds everything a pipeline process needs. Construct with Load and
// pass it explicitly; no package-level singletons.
type Config struct {
	Chains []ChainConfig

	// Signature overrides: topic0 → event type.
	EventSignatures map[common.Hash]events.Type

	PubSubProject   string
	BusTopic        string
	BusSubscription string

	DBURL string

	MaxInFlight       int
	SubscriberWorkers int
	APIWorkers        int
	StaleThreshold    time.Duration
	CallTimeout       time.Duration
	DrainTimeout      time.Duration

	HTTPPort string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Standby relayers run the full tail loop with publishing disabled.
	Standby bool
}

// Load reads configuration from the environment. Callers run godotenv.Load
// first so a local .env participates.
func Load() (*Config, error) {
	cfg := &Config{
		PubSubProject:     os.Getenv("PUBSUB_PROJECT"),
		BusTopic:          os.Getenv("BUS_TOPIC"),
		BusSubscription:   os.Getenv("BUS_SUBSCRIPTION"),
		DBURL:             os.Getenv("DB_URL"),
		HTTPPort:          envOr("HTTP_PORT", DefaultHTTPPort),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		MaxInFlight:       envInt("MAX_IN_FLIGHT", DefaultMaxInFlight),
		SubscriberWorkers: envInt("SUBSCRIBER_WORKERS", DefaultSubscriberWorkers),
		APIWorkers:        envInt("API_WORKERS", DefaultAPIWorkers),
		RedisDB:           envInt("REDIS_DB", 0),
		StaleThreshold:    time.Duration(envInt("STALE_THRESHOLD_S", int(DefaultStaleThreshold/time.Second))) * time.Second,
		CallTimeout:       time.Duration(envInt("CALL_TIMEOUT_S", int(DefaultCallTimeout/time.Second))) * time.Second,
		DrainTimeout:      time.Duration(envInt("DRAIN_TIMEOUT_S", int(DefaultDrainTimeout/time.Second))) * time.Second,
		Standby:           envBool("RELAYER_STANDBY"),
	}

	sigs, err := parseEventSignatures(os.Getenv("EVENT_SIGNATURES"))
	if err != nil {
		return nil, err
	}
	cfg.EventSignatures = sigs

	if path := os.Getenv("CHAINS_FILE"); path != "" {
		chains, err := loadChainsFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Chains = chains
	} else if os.Getenv("CHAIN_ID") != "" {
		chain, err := chainFromEnv()
		if err != nil {
			return nil, err
		}
		cfg.Chains = []ChainConfig{*chain}
	}

	for i := range cfg.Chains {
		applyChainDefaults(&cfg.Chains[i])
		if err := normalizeChain(&cfg.Chains[i]); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ValidateRelayer checks the keys the relayer process cannot run without.
func (c *Config) ValidateRelayer() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("config: CHAIN_ID or CHAINS_FILE is required")
	}
	for _, ch := range c.Chains {
		if ch.RPCURL == "" {
			return fmt.Errorf("config: chain %d has no rpc_url", ch.ChainID)
		}
		if len(ch.ContractAddresses) == 0 {
			return fmt.Errorf("config: chain %d has no contract_addresses", ch.ChainID)
		}
	}
	if c.PubSubProject == "" || c.BusTopic == "" {
		return fmt.Errorf("config: PUBSUB_PROJECT and BUS_TOPIC are required")
	}
	if c.DBURL == "" {
		return fmt.Errorf("config: DB_URL is required (checkpoint store)")
	}
	return nil
}

// ValidateIndexer checks the keys the indexer process cannot run without.
func (c *Config) ValidateIndexer() error {
	if c.PubSubProject == "" || c.BusTopic == "" || c.BusSubscription == "" {
		return fmt.Errorf("config: PUBSUB_PROJECT, BUS_TOPIC and BUS_SUBSCRIPTION are required")
	}
	if c.DBURL == "" {
		return fmt.Errorf("config: DB_URL is required")
	}
	return nil
}

// PoolSize returns the DB connection pool size: max(4, 2*workers + api).
func (c *Config) PoolSize() int {
	n := 2*c.SubscriberWorkers + c.APIWorkers
	if n < 4 {
		n = 4
	}
	return n
}

func chainFromEnv() (*ChainConfig, error) {
	id, err := strconv.ParseUint(os.Getenv("CHAIN_ID"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("config: invalid CHAIN_ID: %w", err)
	}
	ch := &ChainConfig{
		ChainID:           id,
		RPCURL:            os.Getenv("RPC_URL"),
		ConfirmationDepth: uint64(envInt("CONFIRMATION_DEPTH", 0)),
		MaxWindowBlocks:   uint64(envInt("MAX_WINDOW_BLOCKS", 0)),
		PollIntervalMS:    envInt("POLL_INTERVAL_MS", 0),
	}
	if raw := os.Getenv("CONTRACT_ADDRESSES"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				ch.ContractAddresses = append(ch.ContractAddresses, a)
			}
		}
	}
	return ch, nil
}

func loadChainsFile(path string) ([]ChainConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var doc struct {
		Chains []ChainConfig `yaml:"chains"`
	}
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return doc.Chains, nil
}

func applyChainDefaults(ch *ChainConfig) {
	if ch.ConfirmationDepth == 0 {
		// Polygon reorgs deeper than mainnet; other chains get the Ethereum
		// default and should set their own depth in chains.yaml.
		if ch.ChainID == 137 {
			ch.ConfirmationDepth = 32
		} else {
			ch.ConfirmationDepth = DefaultConfirmationDepth
		}
	}
	if ch.MaxWindowBlocks == 0 {
		ch.MaxWindowBlocks = DefaultMaxWindowBlocks
	}
	if ch.PollIntervalMS > 0 {
		ch.PollInterval = time.Duration(ch.PollIntervalMS) * time.Millisecond
	} else {
		ch.PollInterval = DefaultPollInterval
	}
}

func normalizeChain(ch *ChainConfig) error {
	for i, a := range ch.ContractAddresses {
		norm, ok := events.NormalizeAddress(a)
		if !ok {
			return fmt.Errorf("config: chain %d contract address %q is not a valid address", ch.ChainID, a)
		}
		ch.ContractAddresses[i] = norm
	}
	return nil
}

// parseEventSignatures parses "0xtopic0=EventType,..." into a topic map.
func parseEventSignatures(raw string) (map[common.Hash]events.Type, error) {
	out := make(map[common.Hash]events.Type)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: EVENT_SIGNATURES entry %q is not topic=type", pair)
		}
		topic := strings.TrimSpace(parts[0])
		if len(topic) != 66 || !strings.HasPrefix(topic, "0x") {
			return nil, fmt.Errorf("config: EVENT_SIGNATURES topic %q is not a 32-byte hash", topic)
		}
		out[common.HexToHash(topic)] = events.Type(strings.TrimSpace(parts[1]))
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}
