package search

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/bardlex/gompow/internal/device"
	"github.com/bardlex/gompow/internal/validation"
	"github.com/bardlex/gompow/internal/work"
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
)

// Calibration defaults.
const (
	DefaultMinDim          uint32 = 4
	DefaultMaxDim          uint32 = 1024
	DefaultMinThreads      uint64 = 4096
	DefaultCalibrateNonces uint64 = 1 << 24
)

// CalibratorConfig bounds the geometry sweep.
type CalibratorConfig struct {
	// MinDim and MaxDim bound both dimensions; candidates are the powers of
	// two between them.
	MinDim uint32
	MaxDim uint32
	// MinThreads skips geometries with fewer total threads.
	MinThreads uint64
	// Slice is the nonce range each candidate searches.
	Slice work.NonceRange
}

// DefaultCalibratorConfig sweeps 4..1024 in both dimensions over 2^24 nonces.
func DefaultCalibratorConfig() CalibratorConfig {
	return CalibratorConfig{
		MinDim:     DefaultMinDim,
		MaxDim:     DefaultMaxDim,
		MinThreads: DefaultMinThreads,
		Slice:      work.NonceRange{Start: 0, Count: DefaultCalibrateNonces},
	}
}

// Measurement is one calibrated geometry.
type Measurement struct {
	Geometry device.Geometry
	HashRate float64
	Elapsed  time.Duration
	// Solution is set when the pass found a nonce and the host verified it.
	Solution *validation.Solution
	Err      error
}

// Found reports whether the pass produced a verified solution.
func (m Measurement) Found() bool {
	return m.Solution != nil
}

// Calibration holds the sweep's measurements, fastest first. Failed
// geometries sort last.
type Calibration struct {
	Measurements []Measurement
	Device       string
	// Elapsed is the duration of the whole sweep.
	Elapsed time.Duration
}

// Result returns the sweep's first verified solution as a search result.
// Every candidate counts as a pass, and Average is the mean rate of the
// passes that found nothing.
func (c *Calibration) Result() (*Result, bool) {
	var winner *Measurement
	var throughput Throughput
	passes := 0
	for i := range c.Measurements {
		m := &c.Measurements[i]
		if m.Err != nil {
			continue
		}
		passes++
		if m.Found() {
			if winner == nil {
				winner = m
			}
			continue
		}
		throughput = throughput.Add(m.HashRate)
	}
	if winner == nil {
		return nil, false
	}

	return &Result{
		Header:      winner.Solution.Header,
		Hash:        winner.Solution.Hash,
		Nonce:       winner.Solution.Nonce,
		Device:      c.Device,
		Geometry:    winner.Geometry,
		Passes:      passes,
		PassElapsed: winner.Elapsed,
		Elapsed:     c.Elapsed,
		Average:     throughput.Average(),
	}, true
}

// Best returns the fastest geometry that completed.
func (c *Calibration) Best() (Measurement, bool) {
	for _, m := range c.Measurements {
		if m.Err == nil {
			return m, true
		}
	}
	return Measurement{}, false
}

// Calibrator times one pass per candidate geometry.
type Calibrator struct {
	invoker *Invoker
	decoder *validation.Decoder
	config  CalibratorConfig
	logger  *log.Logger
}

// NewCalibrator creates a calibrator.
func NewCalibrator(invoker *Invoker, config CalibratorConfig, logger *log.Logger) *Calibrator {
	return &Calibrator{
		invoker: invoker,
		decoder: validation.NewDecoder(),
		config:  config,
		logger:  logger.WithComponent("calibrator"),
	}
}

// Candidates lists the geometries the sweep will try, block-major.
func (c *Calibrator) Candidates() []device.Geometry {
	var out []device.Geometry
	for block := c.config.MinDim; block > 0 && block <= c.config.MaxDim; block <<= 1 {
		for grid := c.config.MinDim; grid > 0 && grid <= c.config.MaxDim; grid <<= 1 {
			g := device.Geometry{BlockDim: block, GridDim: grid}
			if g.Threads() < c.config.MinThreads {
				continue
			}
			out = append(out, g)
		}
	}
	return out
}

// Calibrate runs the sweep for job. A failing geometry is recorded and the
// sweep continues; a claimed solution is verified on the host like a search
// pass, and only cancellation or a rejected claim stops it early.
//
// Parameters:
//   - ctx: Checked between candidates
//   - job: The job every candidate searches
//
// Returns:
//   - *Calibration: Measurements sorted by hash rate
//   - error: ctx.Err(), a config error if no candidates exist, a
//     verification error for a rejected claim, or a device error if every
//     candidate failed
func (c *Calibrator) Calibrate(ctx context.Context, job *work.Job) (*Calibration, error) {
	if err := c.config.Slice.Validate(); err != nil {
		return nil, err
	}
	candidates := c.Candidates()
	if len(candidates) == 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "calibrate",
			"no geometry in %d..%d has at least %d threads",
			c.config.MinDim, c.config.MaxDim, c.config.MinThreads)
	}

	c.logger.Info("calibration started",
		"candidates", len(candidates),
		"slice", c.config.Slice.String(),
	)

	start := time.Now()
	cal := &Calibration{
		Measurements: make([]Measurement, 0, len(candidates)),
		Device:       c.invoker.Device().Name(),
	}
	for _, geom := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, elapsed, err := c.invoker.Invoke(ctx, job, geom, c.config.Slice)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		m := Measurement{Geometry: geom, Elapsed: elapsed, Err: err}
		if err == nil {
			m.HashRate = HashRate(c.config.Slice.Count, elapsed)
			solution, decodeErr := c.decoder.Decode(job, out, c.config.Slice)
			if decodeErr != nil {
				c.logger.WithError(decodeErr).Error("device reported an invalid solution",
					"geometry", geom.String())
				return nil, decodeErr
			}
			m.Solution = solution
		}
		c.logger.LogCalibration(geom.BlockDim, geom.GridDim, m.HashRate, err)
		cal.Measurements = append(cal.Measurements, m)
	}

	slices.SortStableFunc(cal.Measurements, func(a, b Measurement) int {
		if (a.Err == nil) != (b.Err == nil) {
			if a.Err == nil {
				return -1
			}
			return 1
		}
		return cmp.Compare(b.HashRate, a.HashRate)
	})

	cal.Elapsed = time.Since(start)
	best, ok := cal.Best()
	if !ok {
		return cal, errors.New(errors.ErrorTypeDevice, "calibrate", "every candidate geometry failed").
			WithContext("candidates", len(candidates))
	}
	c.logger.Info("calibration finished",
		"best_geometry", best.Geometry.String(),
		"hashrate", best.HashRate,
	)
	c.logger.LogDuration("calibration", cal.Elapsed)
	return cal, nil
}
