package bitcoin

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MockRPCClient provides a mock implementation of HeaderRPC for testing.
type MockRPCClient struct {
	// Control mock behavior
	ShouldError bool
	ErrorMsg    string

	// Mock data
	BestBlockHash chainhash.Hash
	Headers       map[chainhash.Hash]*wire.BlockHeader
	BlockCount    int64

	mu           sync.Mutex
	HeaderCalls  int
	RequestedFor []chainhash.Hash
}

// NewMockRPCClient creates a mock node that knows only its tip header.
func NewMockRPCClient(tip chainhash.Hash, header *wire.BlockHeader) *MockRPCClient {
	return &MockRPCClient{
		BestBlockHash: tip,
		Headers:       map[chainhash.Hash]*wire.BlockHeader{tip: header},
		BlockCount:    125552,
	}
}

// GetBestBlockHash returns mock best block hash.
func (m *MockRPCClient) GetBestBlockHash(_ context.Context) (chainhash.Hash, error) {
	if m.ShouldError {
		return chainhash.Hash{}, errors.New(m.ErrorMsg)
	}
	return m.BestBlockHash, nil
}

// GetBlockHeader returns the registered header for hash.
func (m *MockRPCClient) GetBlockHeader(_ context.Context, hash chainhash.Hash) (*wire.BlockHeader, error) {
	m.mu.Lock()
	m.HeaderCalls++
	m.RequestedFor = append(m.RequestedFor, hash)
	m.mu.Unlock()

	if m.ShouldError {
		return nil, errors.New(m.ErrorMsg)
	}
	header, ok := m.Headers[hash]
	if !ok {
		return nil, errors.New("block not found")
	}
	return header, nil
}

// GetBlockCount returns mock block count.
func (m *MockRPCClient) GetBlockCount(_ context.Context) (int64, error) {
	if m.ShouldError {
		return 0, errors.New(m.ErrorMsg)
	}
	return m.BlockCount, nil
}

// Ping returns the configured error, if any.
func (m *MockRPCClient) Ping(_ context.Context) error {
	if m.ShouldError {
		return errors.New(m.ErrorMsg)
	}
	return nil
}

// Close does nothing.
func (m *MockRPCClient) Close() {}

// mockNotifier is a TipNotifier with a settable tip.
type mockNotifier struct {
	tip chainhash.Hash
	seq uint64
}

func (n *mockNotifier) Latest() (chainhash.Hash, uint64) {
	return n.tip, n.seq
}

func (n *mockNotifier) announce(tip chainhash.Hash) {
	n.tip = tip
	n.seq++
}

var (
	_ HeaderRPC   = (*MockRPCClient)(nil)
	_ TipNotifier = (*mockNotifier)(nil)
)
