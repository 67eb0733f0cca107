package search

import (
	"context"
	"time"

	"github.com/bardlex/gompow/internal/bitcoin"
	"github.com/bardlex/gompow/internal/device"
	"github.com/bardlex/gompow/internal/work"
)

// PassReport describes a pass that completed without a solution.
type PassReport struct {
	Pass       int
	Device     string
	Geometry   device.Geometry
	Slice      work.NonceRange
	Header     bitcoin.Header
	Difficulty float64
	Hashes     uint64
	Elapsed    time.Duration
	// HashRate is this pass's hashes per second.
	HashRate float64
	// Average is the running mean of HashRate over all passes so far.
	Average float64
	// Total is the time since the search started.
	Total time.Duration
}

// Reporter receives search progress. Implementations must not block the
// loop for long and must handle their own errors.
type Reporter interface {
	PassCompleted(ctx context.Context, report PassReport)
	Solved(ctx context.Context, result Result)
}

// Refresher supplies a new header template between passes, for example when
// the chain tip moves.
type Refresher interface {
	Refresh(ctx context.Context, current bitcoin.Header) (bitcoin.Header, bool, error)
}

// nopReporter discards progress.
type nopReporter struct{}

func (nopReporter) PassCompleted(context.Context, PassReport) {}
func (nopReporter) Solved(context.Context, Result)            {}

var _ Refresher = (*bitcoin.TipRefresher)(nil)
