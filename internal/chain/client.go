// Package chain follows the head of one EVM chain and turns contract logs
// into ordered domain events.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the slice of the EVM JSON-RPC surface the tailer and backfill
// need. *RPCClient implements it; tests substitute fakes.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// RPCClient wraps ethclient with a per-call timeout so a stalled endpoint
// cannot hang the tail loop.
type RPCClient struct {
	ec      *ethclient.Client
	timeout time.Duration
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, url string, timeout time.Duration) (*RPCClient, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &RPCClient{ec: ec, timeout: timeout}, nil
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.ec.BlockNumber(ctx)
}

func (c *RPCClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.ec.FilterLogs(ctx, q)
}

func (c *RPCClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.ec.HeaderByNumber(ctx, number)
}

// Close tears down the underlying connection.
func (c *RPCClient) Close() {
	c.ec.Close()
}
