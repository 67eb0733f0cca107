package bitcoin

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gompow/pkg/errors"
)

// HeaderSize is the serialized size of a block header in bytes.
const HeaderSize = 80

// HeaderWords is an encoded header as the 20 big-endian words the
// compression function consumes: version, 8 previous-hash words, 8
// merkle-root words, time, bits and nonce.
type HeaderWords [HeaderSize / 4]uint32

// Header holds the six logical block header fields. PrevBlock and MerkleRoot
// are kept in wire byte order, which is the reverse of their display form;
// chainhash performs that reversal when parsing and printing.
type Header struct {
	Version    int32
	PrevBlock  chainhash.Hash
	MerkleRoot chainhash.Hash
	Time       uint32
	Bits       uint32
	Nonce      uint32
}

// Bytes serializes the header into its 80-byte wire form. Each field is
// written individually, scalars little-endian and hashes in wire order.
func (h Header) Bytes() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Version))
	copy(b[4:36], h.PrevBlock[:])
	copy(b[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(b[68:72], h.Time)
	binary.LittleEndian.PutUint32(b[72:76], h.Bits)
	binary.LittleEndian.PutUint32(b[76:80], h.Nonce)
	return b
}

// EncodeHeader converts a header into the compression function's word layout.
//
// Parameters:
//   - h: The header to encode
//
// Returns:
//   - HeaderWords: Word i is wire bytes [4i, 4i+4) read big-endian
func EncodeHeader(h Header) HeaderWords {
	b := h.Bytes()
	var words HeaderWords
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[4*i:])
	}
	return words
}

// DecodeHeader is the inverse of EncodeHeader with the nonce replaced. The
// nonce word of words is ignored.
//
// Parameters:
//   - words: The encoded header the pass was built from
//   - nonce: The winning nonce reported by the device
//
// Returns:
//   - Header: The header identical to the encoded one except for Nonce
func DecodeHeader(words HeaderWords, nonce uint32) Header {
	var b [HeaderSize]byte
	for i, w := range words {
		binary.BigEndian.PutUint32(b[4*i:], w)
	}

	var h Header
	h.Version = int32(binary.LittleEndian.Uint32(b[0:4]))
	copy(h.PrevBlock[:], b[4:36])
	copy(h.MerkleRoot[:], b[36:68])
	h.Time = binary.LittleEndian.Uint32(b[68:72])
	h.Bits = binary.LittleEndian.Uint32(b[72:76])
	h.Nonce = nonce
	return h
}

// ParseHeader builds a header from display-form hex hashes, as printed by
// block explorers and bitcoind. The nonce starts at zero.
//
// Parameters:
//   - version: Block version
//   - prevHex: Previous block hash, 64 hex characters in display order
//   - merkleHex: Merkle root, 64 hex characters in display order
//   - timestamp: Unix time of the header
//   - bits: Compact difficulty target
//
// Returns:
//   - Header: The parsed header
//   - error: An encoding error for malformed hex
func ParseHeader(version int32, prevHex, merkleHex string, timestamp, bits uint32) (Header, error) {
	prev, err := ParseDisplayHash("prev_block", prevHex)
	if err != nil {
		return Header{}, err
	}
	merkle, err := ParseDisplayHash("merkle_root", merkleHex)
	if err != nil {
		return Header{}, err
	}

	return Header{
		Version:    version,
		PrevBlock:  prev,
		MerkleRoot: merkle,
		Time:       timestamp,
		Bits:       bits,
	}, nil
}

// ParseDisplayHash parses a 64-character display-order hash. chainhash
// accepts short strings by zero padding them; a header field never is short,
// so that is rejected here.
func ParseDisplayHash(field, s string) (chainhash.Hash, error) {
	if len(s) != chainhash.MaxHashStringSize {
		return chainhash.Hash{}, errors.Newf(errors.ErrorTypeEncoding, "parse_hash",
			"expected %d hex characters, got %d", chainhash.MaxHashStringSize, len(s)).
			WithContext("field", field)
	}

	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, errors.Wrap(err, errors.ErrorTypeEncoding, "parse_hash",
			"invalid hex hash").
			WithContext("field", field)
	}
	return *hash, nil
}

// ParseBits parses a compact target written as hex, with or without a 0x
// prefix (for example "1d00ffff").
func ParseBits(s string) (uint32, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(trimmed) == 0 || len(trimmed) > 8 {
		return 0, errors.Newf(errors.ErrorTypeEncoding, "parse_bits",
			"expected 1 to 8 hex characters, got %q", s)
	}

	v, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeEncoding, "parse_bits",
			"invalid compact target").
			WithContext("bits", s)
	}
	return uint32(v), nil
}

// ToWire converts the header to its btcd representation.
func (h Header) ToWire() *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:    h.Version,
		PrevBlock:  h.PrevBlock,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  time.Unix(int64(h.Time), 0),
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}
}

// HeaderFromWire converts a btcd block header.
func HeaderFromWire(bh *wire.BlockHeader) Header {
	return Header{
		Version:    bh.Version,
		PrevBlock:  bh.PrevBlock,
		MerkleRoot: bh.MerkleRoot,
		Time:       uint32(bh.Timestamp.Unix()),
		Bits:       bh.Bits,
		Nonce:      bh.Nonce,
	}
}

// BlockHash returns the double SHA-256 of the serialized header.
func (h Header) BlockHash() chainhash.Hash {
	b := h.Bytes()
	return chainhash.DoubleHashH(b[:])
}

// WithTime returns a copy of the header with a new timestamp.
func (h Header) WithTime(t uint32) Header {
	h.Time = t
	return h
}

// WithNonce returns a copy of the header with a new nonce.
func (h Header) WithNonce(nonce uint32) Header {
	h.Nonce = nonce
	return h
}

// SameFirstBlock reports whether two headers share their first 64 bytes and
// therefore their midstate. Only the last 4 merkle root bytes fall in the
// second block, so any merkle change is treated as a first-block change.
func (h Header) SameFirstBlock(other Header) bool {
	return h.Version == other.Version &&
		h.PrevBlock == other.PrevBlock &&
		h.MerkleRoot == other.MerkleRoot
}

// String implements fmt.Stringer with display-order hashes.
func (h Header) String() string {
	return fmt.Sprintf("version=%d prev=%s merkle=%s time=%d bits=%08x nonce=%d",
		h.Version, h.PrevBlock, h.MerkleRoot, h.Time, h.Bits, h.Nonce)
}
