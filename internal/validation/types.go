package validation

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gompow/internal/bitcoin"
)

// Solution is a verified search result.
type Solution struct {
	// Header is the full header with the winning nonce.
	Header bitcoin.Header
	// Hash is the host-computed block hash.
	Hash  chainhash.Hash
	Nonce uint32
	// State is the final digest state read back from the device.
	State bitcoin.State
}
