// Package validation decodes device readback into search solutions. Every
// claimed solution is re-verified on the host before it is accepted.
package validation

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gompow/internal/bitcoin"
	"github.com/bardlex/gompow/internal/work"
	"github.com/bardlex/gompow/pkg/errors"
)

// Decoder turns a pass's readback into a Solution.
type Decoder struct{}

// NewDecoder creates a decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode inspects one pass's output.
//
// Parameters:
//   - job: The job the pass searched
//   - out: Counter, tail and state read back from the device
//   - slice: The nonce slice the pass covered
//
// Returns:
//   - *Solution: The verified solution, or nil if the pass found nothing
//   - error: A verification error if the device claim does not hold
func (d *Decoder) Decode(job *work.Job, out work.PassOutput, slice work.NonceRange) (*Solution, error) {
	if !out.Found() {
		return nil, nil
	}

	nonce := bitcoin.TailNonce(out.Tail)
	if err := d.validateNonce(nonce, slice); err != nil {
		return nil, d.fail(err, "nonce validation failed", nonce)
	}

	header := bitcoin.DecodeHeader(job.Words, nonce)
	hash, err := d.validateProofOfWork(header, job.Target)
	if err != nil {
		return nil, d.fail(err, "proof of work validation failed", nonce)
	}

	if err := d.validateDigest(out.State, hash); err != nil {
		return nil, d.fail(err, "digest validation failed", nonce)
	}

	return &Solution{
		Header: header,
		Hash:   hash,
		Nonce:  nonce,
		State:  out.State,
	}, nil
}

func (d *Decoder) fail(err error, message string, nonce uint32) error {
	return errors.Wrap(err, errors.ErrorTypeVerification, "decode", message).
		WithContext("nonce", nonce)
}

// validateNonce checks the claimed nonce belongs to the pass's slice
func (d *Decoder) validateNonce(nonce uint32, slice work.NonceRange) error {
	if !slice.Contains(nonce) {
		return errors.Newf(errors.ErrorTypeVerification, "validate_nonce",
			"nonce %d outside searched slice %s", nonce, slice)
	}
	return nil
}

// validateProofOfWork re-hashes the 80 wire bytes on the host
func (d *Decoder) validateProofOfWork(header bitcoin.Header, target *bitcoin.Target) (chainhash.Hash, error) {
	hash, ok := bitcoin.VerifyProofOfWork(header, target)
	if !ok {
		return hash, errors.Newf(errors.ErrorTypeVerification, "validate_pow",
			"hash %s does not meet target %s", hash, target)
	}
	return hash, nil
}

// validateDigest checks the device's final state is the digest of the header
func (d *Decoder) validateDigest(state bitcoin.State, hash chainhash.Hash) error {
	if state.Hash() != hash {
		return errors.Newf(errors.ErrorTypeVerification, "validate_digest",
			"device digest %s does not match host hash %s", state.Hash(), hash)
	}
	return nil
}
