package search

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gompow/internal/bitcoin"
	"github.com/bardlex/gompow/internal/device"
	"github.com/bardlex/gompow/internal/validation"
	"github.com/bardlex/gompow/internal/work"
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
)

// State is the search loop's state.
type State int

const (
	// StateSearching means passes are still being run.
	StateSearching State = iota
	// StateSolved is terminal: a verified solution was found.
	StateSolved
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateSolved:
		return "solved"
	default:
		return "unknown"
	}
}

// ErrPassLimit is returned when MaxPasses passes completed without a solution.
var ErrPassLimit = errors.New(errors.ErrorTypeInternal, "search_loop", "pass limit reached without a solution")

// Result is a verified solution and the statistics of the search that found it.
type Result struct {
	Header   bitcoin.Header
	Hash     chainhash.Hash
	Nonce    uint32
	Device   string
	Geometry device.Geometry
	// Passes counts every pass run, the winning one included.
	Passes int
	// PassElapsed is the duration of the winning pass.
	PassElapsed time.Duration
	// Elapsed is the duration of the whole search.
	Elapsed time.Duration
	// Average is the mean hash rate of the passes that found nothing.
	Average float64
}

// LoopConfig configures a search loop.
type LoopConfig struct {
	Geometry device.Geometry
	Slice    work.NonceRange
	// MaxPasses bounds the number of passes, 0 for unbounded.
	MaxPasses int
}

// Loop runs passes sequentially until one yields a verified solution. A pass
// is never interrupted by the loop; cancellation is observed between passes.
type Loop struct {
	invoker   *Invoker
	decoder   *validation.Decoder
	reporter  Reporter
	refresher Refresher
	clock     func() time.Time
	logger    *log.Logger
	config    LoopConfig

	state      State
	throughput Throughput
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithReporter sets the progress reporter.
func WithReporter(r Reporter) LoopOption {
	return func(l *Loop) { l.reporter = r }
}

// WithRefresher sets a header source consulted between passes.
func WithRefresher(r Refresher) LoopOption {
	return func(l *Loop) { l.refresher = r }
}

// WithClock replaces time.Now for header timestamps.
func WithClock(clock func() time.Time) LoopOption {
	return func(l *Loop) { l.clock = clock }
}

// NewLoop creates a search loop.
func NewLoop(invoker *Invoker, decoder *validation.Decoder, config LoopConfig, logger *log.Logger, opts ...LoopOption) *Loop {
	l := &Loop{
		invoker:  invoker,
		decoder:  decoder,
		reporter: nopReporter{},
		clock:    time.Now,
		logger:   logger.WithComponent("search_loop"),
		config:   config,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the current state.
func (l *Loop) State() State {
	return l.state
}

// Throughput returns the running hash rate average.
func (l *Loop) Throughput() Throughput {
	return l.throughput
}

// Run searches job until a solution is verified, ctx is done, a device or
// verification error occurs, or the pass limit is reached.
//
// Parameters:
//   - ctx: Checked between passes
//   - job: The initial job
//
// Returns:
//   - *Result: The verified solution
//   - error: ctx.Err(), ErrPassLimit, or a fatal device or verification error
func (l *Loop) Run(ctx context.Context, job *work.Job) (*Result, error) {
	cfg := l.config
	if err := cfg.Slice.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}

	l.state = StateSearching
	l.throughput = Throughput{}
	start := time.Now()
	logger := l.logger.WithGeometry(cfg.Geometry.BlockDim, cfg.Geometry.GridDim)

	logger.Info("search started",
		"device", l.invoker.Device().Name(),
		"slice", cfg.Slice.String(),
		"bits", job.Header.Bits,
		"difficulty", job.Target.Difficulty(),
	)

	for pass := 0; ; pass++ {
		if err := ctx.Err(); err != nil {
			logger.Info("search cancelled", "passes", pass)
			return nil, err
		}
		if cfg.MaxPasses > 0 && pass >= cfg.MaxPasses {
			return nil, ErrPassLimit
		}

		if pass > 0 {
			next, err := l.retry(ctx, job)
			if err != nil {
				return nil, err
			}
			job = next
		}

		out, elapsed, err := l.invoker.Invoke(ctx, job, cfg.Geometry, cfg.Slice)
		if err != nil {
			return nil, err
		}

		solution, err := l.decoder.Decode(job, out, cfg.Slice)
		if err != nil {
			logger.WithError(err).Error("device reported an invalid solution", "pass", pass+1)
			return nil, err
		}

		if solution != nil {
			l.state = StateSolved
			result := Result{
				Header:      solution.Header,
				Hash:        solution.Hash,
				Nonce:       solution.Nonce,
				Device:      l.invoker.Device().Name(),
				Geometry:    cfg.Geometry,
				Passes:      pass + 1,
				PassElapsed: elapsed,
				Elapsed:     time.Since(start),
				Average:     l.throughput.Average(),
			}
			logger.LogSolution(result.Nonce, result.Hash.String(), result.Passes, result.Elapsed)
			l.reporter.Solved(ctx, result)
			return &result, nil
		}

		sample := HashRate(cfg.Slice.Count, elapsed)
		l.throughput = l.throughput.Add(sample)
		logger.LogPass(pass+1, cfg.Slice.Count, elapsed, sample, l.throughput.Average(), false)

		l.reporter.PassCompleted(ctx, PassReport{
			Pass:       pass + 1,
			Device:     l.invoker.Device().Name(),
			Geometry:   cfg.Geometry,
			Slice:      cfg.Slice,
			Header:     job.Header,
			Difficulty: job.Target.Difficulty(),
			Hashes:     cfg.Slice.Count,
			Elapsed:    elapsed,
			HashRate:   sample,
			Average:    l.throughput.Average(),
			Total:      time.Since(start),
		})
	}
}

// retry prepares the job for the next pass: a new template from the
// refresher if it has one, otherwise the same header with a later timestamp.
func (l *Loop) retry(ctx context.Context, job *work.Job) (*work.Job, error) {
	if l.refresher != nil {
		header, changed, err := l.refresher.Refresh(ctx, job.Header)
		if err != nil {
			l.logger.WithError(err).Warn("header refresh failed, keeping current template")
		} else if changed {
			next, err := job.WithHeader(header)
			if err != nil {
				return nil, err
			}
			l.logger.Info("switched to new header template",
				"prev_block", header.PrevBlock.String(),
				"bits", header.Bits,
			)
			return next, nil
		}
	}

	return job.WithTime(nextTime(job.Header.Time, l.clock())), nil
}

// nextTime returns now as a header timestamp, or prev+1 when the clock has
// not advanced past prev, so that no pass repeats a searched header.
func nextTime(prev uint32, now time.Time) uint32 {
	t := uint32(now.Unix())
	if t <= prev {
		return prev + 1
	}
	return t
}
