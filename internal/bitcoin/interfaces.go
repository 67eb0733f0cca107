package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderRPC defines the Bitcoin Core calls needed to build a header template
// from the chain tip. It allows the tip source to be tested without a node.
type HeaderRPC interface {
	// GetBestBlockHash returns the hash of the current best block.
	GetBestBlockHash(ctx context.Context) (chainhash.Hash, error)

	// GetBlockHeader returns the header of the block with the given hash.
	GetBlockHeader(ctx context.Context, hash chainhash.Hash) (*wire.BlockHeader, error)

	// GetBlockCount returns the current blockchain height.
	GetBlockCount(ctx context.Context) (int64, error)

	// Ping tests connectivity to Bitcoin Core.
	Ping(ctx context.Context) error

	// Close gracefully shuts down the RPC client.
	Close()
}

// TipNotifier reports chain tip changes announced by the node.
type TipNotifier interface {
	// Latest returns the most recently announced tip and a sequence number
	// that increases with every announcement. A zero sequence means no tip
	// has been announced yet.
	Latest() (chainhash.Hash, uint64)
}

// Compile-time interface checks.
var (
	_ HeaderRPC   = (*RPCClient)(nil)
	_ TipNotifier = (*TipWatcher)(nil)
)
