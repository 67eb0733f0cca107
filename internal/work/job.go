// Package work holds the per-header search job: the header together with the
// values derived from it once (midstate, message tail, target) and the nonce
// slices a pass covers.
package work

import (
	"fmt"

	"github.com/bardlex/gompow/internal/bitcoin"
)

// Job is a header and everything the device needs to search it. A Job is
// immutable; the With* methods return updated copies and recompute only what
// the change touches.
type Job struct {
	Header   bitcoin.Header
	Words    bitcoin.HeaderWords
	Midstate bitcoin.State
	Tail     bitcoin.Block
	Target   *bitcoin.Target
}

// NewJob encodes h, precomputes its midstate and derives its target.
//
// Parameters:
//   - h: Header template; its nonce is ignored by the search
//
// Returns:
//   - *Job: The prepared job
//   - error: An encoding error if the compact bits are invalid
func NewJob(h bitcoin.Header) (*Job, error) {
	target, err := bitcoin.DeriveTarget(h.Bits)
	if err != nil {
		return nil, err
	}

	words := bitcoin.EncodeHeader(h)
	return &Job{
		Header:   h,
		Words:    words,
		Midstate: bitcoin.Midstate(words),
		Tail:     bitcoin.MessageTail(words),
		Target:   target,
	}, nil
}

// WithTime returns a copy with a new timestamp. The timestamp lives in the
// second compression block, so the midstate is kept.
func (j *Job) WithTime(t uint32) *Job {
	next := *j
	next.Header = j.Header.WithTime(t)
	next.Words = bitcoin.EncodeHeader(next.Header)
	next.Tail = bitcoin.MessageTail(next.Words)
	return &next
}

// WithHeader returns a copy for a new header template. The midstate is
// recomputed only if version, prev or merkle changed and the target only if
// bits changed.
func (j *Job) WithHeader(h bitcoin.Header) (*Job, error) {
	next := *j
	if h.Bits != j.Header.Bits {
		target, err := bitcoin.DeriveTarget(h.Bits)
		if err != nil {
			return nil, err
		}
		next.Target = target
	}

	next.Header = h
	next.Words = bitcoin.EncodeHeader(h)
	if !h.SameFirstBlock(j.Header) {
		next.Midstate = bitcoin.Midstate(next.Words)
	}
	next.Tail = bitcoin.MessageTail(next.Words)
	return &next, nil
}

// WithTarget returns a copy that searches against an explicit threshold
// instead of the one encoded in bits. Used for benchmarking at a chosen
// difficulty.
func (j *Job) WithTarget(t *bitcoin.Target) *Job {
	next := *j
	next.Target = t
	return &next
}

// String returns a short description for logs.
func (j *Job) String() string {
	return fmt.Sprintf("job{prev=%s bits=%08x time=%d}", j.Header.PrevBlock, j.Header.Bits, j.Header.Time)
}
