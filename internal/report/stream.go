package report

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/bardlex/gompow/internal/messaging"
	"github.com/bardlex/gompow/internal/search"
	"github.com/bardlex/gompow/pkg/log"
)

// Publisher sends search events, implemented by *messaging.KafkaClient.
type Publisher interface {
	PublishPass(ctx context.Context, event messaging.PassEvent) error
	PublishSolution(ctx context.Context, event messaging.SolutionEvent) error
}

var _ Publisher = (*messaging.KafkaClient)(nil)

// Stream publishes progress as events. Publish errors are logged and dropped.
type Stream struct {
	publisher Publisher
	backend   string
	logger    *log.Logger
	now       func() time.Time
}

// NewStream creates an event stream reporter
func NewStream(publisher Publisher, backend string, logger *log.Logger) *Stream {
	return &Stream{
		publisher: publisher,
		backend:   backend,
		logger:    logger.WithComponent("stream_reporter"),
		now:       time.Now,
	}
}

// PassCompleted publishes a pass event
func (s *Stream) PassCompleted(ctx context.Context, r search.PassReport) {
	err := s.publisher.PublishPass(ctx, messaging.PassEvent{
		Device:      r.Device,
		Backend:     s.backend,
		Geometry:    r.Geometry.String(),
		PrevBlock:   r.Header.PrevBlock.String(),
		Bits:        r.Header.Bits,
		Time:        r.Header.Time,
		Pass:        r.Pass,
		Hashes:      r.Hashes,
		ElapsedMs:   float64(r.Elapsed.Microseconds()) / 1000,
		Hashrate:    r.HashRate,
		Average:     r.Average,
		Difficulty:  r.Difficulty,
		CompletedAt: s.now(),
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to publish pass event", "pass", r.Pass)
	}
}

// Solved publishes a solution event
func (s *Stream) Solved(ctx context.Context, res search.Result) {
	raw := res.Header.Bytes()
	err := s.publisher.PublishSolution(ctx, messaging.SolutionEvent{
		Device:    res.Device,
		Backend:   s.backend,
		Geometry:  res.Geometry.String(),
		BlockHash: res.Hash.String(),
		HeaderHex: hex.EncodeToString(raw[:]),
		Nonce:     res.Nonce,
		Bits:      res.Header.Bits,
		Passes:    res.Passes,
		ElapsedMs: float64(res.Elapsed.Microseconds()) / 1000,
		Average:   res.Average,
		FoundAt:   s.now(),
	})
	if err != nil {
		s.logger.WithError(err).Error("failed to publish solution event", "nonce", res.Nonce)
	}
}

var _ search.Reporter = (*Stream)(nil)
