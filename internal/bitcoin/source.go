package bitcoin

import (
	"context"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gompow/pkg/errors"
)

// TipTemplate builds a header that extends the block identified by tip. The
// version and bits are taken from the tip header, which matches the next
// block everywhere except at a retarget boundary; that is close enough for a
// benchmark. The merkle root is supplied by the caller because no
// transactions are assembled.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//   - rpc: Node connection
//   - tip: Hash of the block to build on
//   - merkleRoot: Merkle root to place in the header
//   - now: Timestamp for the new header
//
// Returns:
//   - Header: The template with nonce zero
//   - error: Any RPC error
func TipTemplate(ctx context.Context, rpc HeaderRPC, tip, merkleRoot chainhash.Hash, now time.Time) (Header, error) {
	parent, err := rpc.GetBlockHeader(ctx, tip)
	if err != nil {
		return Header{}, errors.Wrap(err, errors.ErrorTypeBitcoin, "tip_template",
			"failed to fetch tip header").
			WithContext("tip", tip.String())
	}

	return Header{
		Version:    parent.Version,
		PrevBlock:  tip,
		MerkleRoot: merkleRoot,
		Time:       uint32(now.Unix()),
		Bits:       parent.Bits,
	}, nil
}

// BestTipTemplate is TipTemplate on the node's current best block.
func BestTipTemplate(ctx context.Context, rpc HeaderRPC, merkleRoot chainhash.Hash, now time.Time) (Header, error) {
	tip, err := rpc.GetBestBlockHash(ctx)
	if err != nil {
		return Header{}, err
	}
	return TipTemplate(ctx, rpc, tip, merkleRoot, now)
}

// TipRefresher swaps in a new header template when the notifier announces a
// tip the current header does not build on. It is consulted between passes.
type TipRefresher struct {
	rpc      HeaderRPC
	notifier TipNotifier
	logger   *slog.Logger
	now      func() time.Time

	lastSeq uint64
}

// NewTipRefresher creates a refresher. now defaults to time.Now.
func NewTipRefresher(rpc HeaderRPC, notifier TipNotifier, logger *slog.Logger, now func() time.Time) *TipRefresher {
	if now == nil {
		now = time.Now
	}
	return &TipRefresher{rpc: rpc, notifier: notifier, logger: logger, now: now}
}

// Refresh returns a new template and true when a new tip was announced
// since the last call. The merkle root of current is kept.
func (r *TipRefresher) Refresh(ctx context.Context, current Header) (Header, bool, error) {
	tip, seq := r.notifier.Latest()
	if seq == 0 || seq == r.lastSeq {
		return current, false, nil
	}
	r.lastSeq = seq

	if tip == current.PrevBlock {
		return current, false, nil
	}

	next, err := TipTemplate(ctx, r.rpc, tip, current.MerkleRoot, r.now())
	if err != nil {
		return current, false, err
	}

	r.logger.Info("header template refreshed from new tip",
		"prev_block", tip.String(),
		"bits", next.Bits,
	)
	return next, true, nil
}
