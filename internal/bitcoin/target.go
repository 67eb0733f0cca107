package bitcoin

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gompow/pkg/errors"
)

const (
	// maxCompactExponent is the largest exponent whose expansion fits 256 bits.
	maxCompactExponent = 32
	compactSignBit     = 0x00800000
	compactMantissa    = 0x007fffff

	// DifficultyOneBits is the compact form of the difficulty 1 target.
	DifficultyOneBits uint32 = 0x1d00ffff
)

var (
	maxTargetValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	diffOneValue   = blockchain.CompactToBig(DifficultyOneBits)
)

// Target is a 256-bit proof-of-work threshold together with its device
// word layout. Targets are immutable once built.
type Target struct {
	bits  uint32
	value *big.Int
	be    [32]byte
	words [8]uint32
}

// DeriveTarget expands a compact difficulty encoding.
//
// The expansion is mantissa << 8*(exponent-3). Exponents above 32 overflow
// 256 bits and negative encodings have no meaning as a threshold; both are
// rejected instead of being expanded.
//
// Parameters:
//   - bits: The compact target from the header
//
// Returns:
//   - *Target: The expanded target
//   - error: An encoding error for out-of-range encodings
func DeriveTarget(bits uint32) (*Target, error) {
	exponent := bits >> 24
	if exponent > maxCompactExponent {
		return nil, errors.Newf(errors.ErrorTypeEncoding, "derive_target",
			"compact exponent %d exceeds %d", exponent, maxCompactExponent).
			WithContext("bits", fmt.Sprintf("%08x", bits))
	}
	if bits&compactSignBit != 0 && bits&compactMantissa != 0 {
		return nil, errors.New(errors.ErrorTypeEncoding, "derive_target",
			"compact target is negative").
			WithContext("bits", fmt.Sprintf("%08x", bits))
	}

	t := newTarget(blockchain.CompactToBig(bits))
	t.bits = bits
	return t, nil
}

// NewTarget builds a target from an arbitrary value in [0, 2^256).
func NewTarget(v *big.Int) (*Target, error) {
	if v.Sign() < 0 || v.BitLen() > 256 {
		return nil, errors.New(errors.ErrorTypeEncoding, "new_target",
			"target must be in [0, 2^256)").
			WithContext("bit_len", v.BitLen())
	}
	return newTarget(v), nil
}

// MaxTarget returns 2^256-1, which every hash satisfies.
func MaxTarget() *Target {
	return newTarget(maxTargetValue)
}

func newTarget(v *big.Int) *Target {
	t := &Target{value: new(big.Int).Set(v)}
	t.value.FillBytes(t.be[:])
	for i := range t.words {
		// limb i of the little-endian number is the big-endian word counted from the end
		off := 28 - 4*i
		t.words[i] = binary.BigEndian.Uint32(t.be[off : off+4])
	}
	return t
}

// Bits returns the compact encoding the target was derived from, or zero for
// targets built with NewTarget.
func (t *Target) Bits() uint32 {
	return t.bits
}

// Value returns a copy of the target value.
func (t *Target) Value() *big.Int {
	return new(big.Int).Set(t.value)
}

// Bytes returns the target as 32 big-endian bytes.
func (t *Target) Bytes() [32]byte {
	return t.be
}

// DeviceWords returns the target in the order the search kernel compares it:
// word i is the little-endian uint32 at bytes [4i, 4i+4) of the little-endian
// 32-byte number, so word 0 is the least significant limb.
func (t *Target) DeviceWords() [8]uint32 {
	return t.words
}

// Difficulty returns the target's difficulty relative to the difficulty 1
// target. A zero target reports +Inf.
func (t *Target) Difficulty() float64 {
	if t.value.Sign() == 0 {
		return math.Inf(1)
	}
	ratio := new(big.Float).Quo(new(big.Float).SetInt(diffOneValue), new(big.Float).SetInt(t.value))
	d, _ := ratio.Float64()
	return d
}

// String returns the target as 64 hex characters.
func (t *Target) String() string {
	return fmt.Sprintf("%x", t.be)
}

// HashMeetsTarget determines if a given hash satisfies the target.
//
// Parameters:
//   - hash: The block hash in chainhash (little-endian number) order
//   - target: The difficulty target
//
// Returns:
//   - bool: True if the hash is less than or equal to the target
func HashMeetsTarget(hash chainhash.Hash, target *Target) bool {
	for i := range 32 {
		b := hash[31-i]
		if b < target.be[i] {
			return true
		}
		if b > target.be[i] {
			return false
		}
	}
	return true
}

// VerifyProofOfWork recomputes the header hash on the host with the standard
// library's SHA-256 and compares it against target. It does not depend on
// Compress, so a bug there cannot hide a bad device result.
//
// Parameters:
//   - h: The complete header including the nonce
//   - target: The difficulty target
//
// Returns:
//   - chainhash.Hash: The block hash
//   - bool: True if the hash satisfies the target
func VerifyProofOfWork(h Header, target *Target) (chainhash.Hash, bool) {
	hash := h.BlockHash()
	return hash, HashMeetsTarget(hash, target)
}
