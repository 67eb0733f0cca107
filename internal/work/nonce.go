package work

import (
	"fmt"

	"github.com/bardlex/gompow/internal/bitcoin"
	"github.com/bardlex/gompow/pkg/errors"
)

// NonceSpace is the number of distinct 32-bit nonces.
const NonceSpace uint64 = 1 << 32

// NonceRange is the slice of nonce space covered by one pass:
// [Start, Start+Count) with Start+Count <= 2^32.
type NonceRange struct {
	Start uint32
	Count uint64
}

// FullRange covers every nonce.
func FullRange() NonceRange {
	return NonceRange{Start: 0, Count: NonceSpace}
}

// Validate checks that the range is non-empty and does not wrap.
func (r NonceRange) Validate() error {
	if r.Count == 0 {
		return errors.New(errors.ErrorTypeConfig, "nonce_range", "nonce range is empty")
	}
	if uint64(r.Start)+r.Count > NonceSpace {
		return errors.Newf(errors.ErrorTypeConfig, "nonce_range",
			"nonce range %s exceeds the 32-bit nonce space", r)
	}
	return nil
}

// Contains reports whether nonce lies in the range.
func (r NonceRange) Contains(nonce uint32) bool {
	return nonce >= r.Start && uint64(nonce-r.Start) < r.Count
}

// Nonce returns the nonce at offset, which must be below Count.
func (r NonceRange) Nonce(offset uint64) uint32 {
	return r.Start + uint32(offset)
}

// String formats the range as [start, start+count).
func (r NonceRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, uint64(r.Start)+r.Count)
}

// PassOutput is the raw readback of one pass: the completion counter and the
// tail and state buffers as the device left them.
type PassOutput struct {
	Counter uint32
	Tail    bitcoin.Block
	State   bitcoin.State
}

// Found reports whether some thread claimed a solution.
func (o PassOutput) Found() bool {
	return o.Counter != 0
}
