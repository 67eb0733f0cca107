package report

import (
	"context"

	"github.com/bardlex/gompow/internal/search"
)

// Multi fans progress out to several reporters in order.
type Multi []search.Reporter

// NewMulti drops nil reporters
func NewMulti(reporters ...search.Reporter) Multi {
	var m Multi
	for _, r := range reporters {
		if r != nil {
			m = append(m, r)
		}
	}
	return m
}

func (m Multi) PassCompleted(ctx context.Context, r search.PassReport) {
	for _, rep := range m {
		rep.PassCompleted(ctx, r)
	}
}

func (m Multi) Solved(ctx context.Context, res search.Result) {
	for _, rep := range m {
		rep.Solved(ctx, res)
	}
}

var _ search.Reporter = Multi(nil)
