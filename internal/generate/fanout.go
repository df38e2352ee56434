package generate

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of one request in a fan-out.
type Outcome struct {
	Request Request
	Result  Result
	Err     error
}

// FanOut runs reqs concurrently, at most limit at a time, and returns the
// outcomes in request order so callers merge them deterministically whatever
// order the calls finish in. One scope failing does not cancel the others.
func FanOut(ctx context.Context, gen Generator, reqs []Request, limit int) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	if limit <= 0 {
		limit = 4
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, req := range reqs {
		g.Go(func() error {
			result, err := gen.Generate(ctx, req)
			outcomes[i] = Outcome{Request: req, Result: result, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
