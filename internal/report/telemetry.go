package report

import (
	"context"

	"github.com/bardlex/gompow/internal/database"
	"github.com/bardlex/gompow/internal/search"
	"github.com/bardlex/gompow/pkg/log"
)

// Recorder stores pass and solution records, implemented by *database.Manager.
type Recorder interface {
	RecordPass(ctx context.Context, rec database.PassRecord) error
	RecordSolution(ctx context.Context, rec database.SolutionRecord) error
}

var _ Recorder = (*database.Manager)(nil)

// Telemetry forwards progress to the telemetry stores. Store errors are
// logged and dropped.
type Telemetry struct {
	recorder Recorder
	backend  string
	logger   *log.Logger
}

// NewTelemetry creates a telemetry reporter
func NewTelemetry(recorder Recorder, backend string, logger *log.Logger) *Telemetry {
	return &Telemetry{
		recorder: recorder,
		backend:  backend,
		logger:   logger.WithComponent("telemetry_reporter"),
	}
}

// PassCompleted records the pass
func (t *Telemetry) PassCompleted(ctx context.Context, r search.PassReport) {
	err := t.recorder.RecordPass(ctx, database.PassRecord{
		Device:     r.Device,
		Backend:    t.backend,
		Geometry:   r.Geometry.String(),
		PrevBlock:  r.Header.PrevBlock.String(),
		Bits:       r.Header.Bits,
		Pass:       r.Pass,
		Hashes:     r.Hashes,
		Elapsed:    r.Elapsed,
		Hashrate:   r.HashRate,
		Average:    r.Average,
		Difficulty: r.Difficulty,
	})
	if err != nil {
		t.logger.WithError(err).Warn("failed to record pass", "pass", r.Pass)
	}
}

// Solved records the solution
func (t *Telemetry) Solved(ctx context.Context, res search.Result) {
	err := t.recorder.RecordSolution(ctx, database.SolutionRecord{
		Device:    res.Device,
		Backend:   t.backend,
		Geometry:  res.Geometry.String(),
		PrevBlock: res.Header.PrevBlock.String(),
		Bits:      res.Header.Bits,
		Hash:      res.Hash.String(),
		Nonce:     res.Nonce,
		Passes:    res.Passes,
		Elapsed:   res.Elapsed,
		Average:   res.Average,
	})
	if err != nil {
		t.logger.WithError(err).Error("failed to record solution", "nonce", res.Nonce)
	}
}

var _ search.Reporter = (*Telemetry)(nil)
