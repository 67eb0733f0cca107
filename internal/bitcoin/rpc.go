package bitcoin

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gompow/pkg/circuit"
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/retry"
)

// RPCClient is a narrow Bitcoin Core JSON-RPC client used to seed the search
// header from the node's chain tip. It wraps btcd's RPC client; every call
// runs behind a circuit breaker and network retries.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCClient creates a new Bitcoin Core RPC client using btcd's RPC
// implementation. It configures the client for HTTP-only communication with
// TLS disabled, which is typical for local Bitcoin Core deployments. No
// connection is made until the first call.
//
// Parameters:
//   - host: Bitcoin Core hostname or IP address
//   - port: Bitcoin Core RPC port (typically 8332 for mainnet)
//   - username: RPC authentication username
//   - password: RPC authentication password
//
// Returns:
//   - *RPCClient: Configured RPC client ready for use
//   - error: Any error encountered during client creation
func NewRPCClient(host string, port int, username, password string) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	cbConfig := &circuit.Config{
		Name:            "bitcoin_rpc",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}, nil
}

// Close gracefully shuts down the RPC client and releases any resources.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBestBlockHash returns the hash of the node's current chain tip.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//
// Returns:
//   - chainhash.Hash: The tip hash
//   - error: Any error from Bitcoin Core
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (chainhash.Hash, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (chainhash.Hash, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (chainhash.Hash, error) {
			hash, err := c.client.GetBestBlockHashAsync().Receive()
			if err != nil {
				return chainhash.Hash{}, errors.Wrap(err, errors.ErrorTypeNetwork, "get_best_block_hash",
					"failed to retrieve best block hash")
			}
			return *hash, nil
		})
	})
}

// GetBlockHeader fetches a block header by hash.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//   - hash: The block hash
//
// Returns:
//   - *wire.BlockHeader: The decoded header
//   - error: Any error from Bitcoin Core
func (c *RPCClient) GetBlockHeader(ctx context.Context, hash chainhash.Hash) (*wire.BlockHeader, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*wire.BlockHeader, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*wire.BlockHeader, error) {
			header, err := c.client.GetBlockHeaderAsync(&hash).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_header",
					"failed to retrieve block header").
					WithContext("hash", hash.String())
			}
			return header, nil
		})
	})
}

// GetBlockCount gets the current block count.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//
// Returns:
//   - int64: Current block height
//   - error: Any error from Bitcoin Core
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			count, err := c.client.GetBlockCountAsync().Receive()
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeNetwork, "get_block_count",
					"failed to retrieve current block height")
			}
			return count, nil
		})
	})
}

// Ping tests the connection to Bitcoin Core.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//
// Returns:
//   - error: Any connection error
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"Bitcoin Core connectivity check failed")
			}
			return nil
		})
	})
}
