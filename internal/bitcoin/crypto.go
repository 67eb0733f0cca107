// Package bitcoin provides the Bitcoin header primitives used by the nonce
// search: the 80-byte header codec, the SHA-256 compression function with the
// midstate split over the header's two message blocks, compact target
// expansion, host-side proof-of-work verification, and the Bitcoin Core
// RPC/ZMQ clients used to seed and refresh the header template.
//
// Word convention: the compression function consumes big-endian 32-bit words,
// while every header field is little-endian on the wire. Each header word is
// therefore the byte-swapped wire field, and the conversion happens exactly
// once, in EncodeHeader and DecodeHeader.
package bitcoin

import (
	"encoding/binary"
	"math/bits"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// State is an 8-word SHA-256 chaining value (working state).
type State [8]uint32

// Block is one 64-byte SHA-256 message block as 16 big-endian words.
type Block [16]uint32

// InitialState is the SHA-256 initialization vector.
var InitialState = State{
	0x6a09e667, 0xbb67ae85, 0x3c6ef372, 0xa54ff53a,
	0x510e527f, 0x9b05688c, 0x1f83d9ab, 0x5be0cd19,
}

var roundConstants = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5, 0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3, 0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc, 0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7, 0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13, 0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3, 0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5, 0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208, 0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

const (
	// tailNonceWord is the index of the nonce inside the second message block.
	tailNonceWord = 3
	// headerBits is the message length of an 80-byte header in bits.
	headerBits = 80 * 8
	// digestBits is the message length of a 32-byte digest in bits.
	digestBits = 32 * 8
)

func rotr(x uint32, n int) uint32 {
	return bits.RotateLeft32(x, -n)
}

// Compress runs one SHA-256 compression of block into state.
//
// The message schedule expands the 16 block words to 64 with σ0 and σ1, the
// 64 rounds mix the working state with Σ0, Σ1, Ch and Maj, and the input
// state is added back word by word. All additions wrap modulo 2^32. It is a
// pure function, which is what allows the midstate to be hoisted out of the
// per-nonce loop.
//
// Parameters:
//   - state: The chaining value to start from (InitialState for a fresh message)
//   - block: The 16-word message block
//
// Returns:
//   - State: The chaining value after the block
func Compress(state State, block Block) State {
	var w [64]uint32
	copy(w[:16], block[:])
	for i := 16; i < 64; i++ {
		s0 := rotr(w[i-15], 7) ^ rotr(w[i-15], 18) ^ (w[i-15] >> 3)
		s1 := rotr(w[i-2], 17) ^ rotr(w[i-2], 19) ^ (w[i-2] >> 10)
		w[i] = w[i-16] + s0 + w[i-7] + s1
	}

	a, b, c, d := state[0], state[1], state[2], state[3]
	e, f, g, h := state[4], state[5], state[6], state[7]

	for i := range 64 {
		sum1 := rotr(e, 6) ^ rotr(e, 11) ^ rotr(e, 25)
		ch := (e & f) ^ (^e & g)
		t1 := h + sum1 + ch + roundConstants[i] + w[i]
		sum0 := rotr(a, 2) ^ rotr(a, 13) ^ rotr(a, 22)
		maj := (a & b) ^ (a & c) ^ (b & c)
		t2 := sum0 + maj

		h = g
		g = f
		f = e
		e = d + t1
		d = c
		c = b
		b = a
		a = t1 + t2
	}

	return State{
		state[0] + a, state[1] + b, state[2] + c, state[3] + d,
		state[4] + e, state[5] + f, state[6] + g, state[7] + h,
	}
}

// Midstate compresses the first 64 bytes of an encoded header (version,
// previous block hash and the first 28 bytes of the merkle root). The result
// is the same for every nonce and timestamp of the header.
func Midstate(words HeaderWords) State {
	var first Block
	copy(first[:], words[:16])
	return Compress(InitialState, first)
}

// MessageTail builds the second, padded message block of an encoded header:
// the last merkle root word, time, bits and nonce, the terminating 1 bit, and
// the 640-bit message length in the final word.
func MessageTail(words HeaderWords) Block {
	var tail Block
	copy(tail[:4], words[16:20])
	tail[4] = 0x80000000
	tail[15] = headerBits
	return tail
}

// SetTailNonce writes nonce into the tail's nonce word.
func SetTailNonce(tail *Block, nonce uint32) {
	tail[tailNonceWord] = bits.ReverseBytes32(nonce)
}

// TailNonce reads the nonce back out of the tail's nonce word.
func TailNonce(tail Block) uint32 {
	return bits.ReverseBytes32(tail[tailNonceWord])
}

// HashTail completes the double SHA-256 of a header from its midstate: it
// compresses the tail, then hashes the 32-byte intermediate digest as a
// single padded block from the initialization vector.
func HashTail(mid State, tail Block) State {
	return Compress(InitialState, DigestBlock(Compress(mid, tail)))
}

// DigestBlock pads a 32-byte intermediate digest into a single message block
// for the second hash.
func DigestBlock(digest State) Block {
	var b Block
	copy(b[:8], digest[:])
	b[8] = 0x80000000
	b[15] = digestBits
	return b
}

// Hash returns the digest bytes of a final state. The bytes are in digest
// order, which is also chainhash's internal order.
func (s State) Hash() chainhash.Hash {
	var h chainhash.Hash
	for i, w := range s {
		binary.BigEndian.PutUint32(h[4*i:], w)
	}
	return h
}

// DigestMeetsTarget compares a final state against a target in device word
// order, the way the search kernel does. Word i of the target is limb i of
// the little-endian number, and digest word i byte-swapped is the same limb
// of the hash.
//
// Parameters:
//   - digest: The final double SHA-256 state
//   - target: The target in device word order (least significant limb first)
//
// Returns:
//   - bool: True if the hash is less than or equal to the target
func DigestMeetsTarget(digest State, target [8]uint32) bool {
	for i := 7; i >= 0; i-- {
		limb := bits.ReverseBytes32(digest[i])
		if limb < target[i] {
			return true
		}
		if limb > target[i] {
			return false
		}
	}
	return true
}
