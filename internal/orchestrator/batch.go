package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchResult pairs a request with its outcome.
type BatchResult struct {
	Request Request
	Result  *Result
	Err     error
}

// RunBatch runs independent requests concurrently, at most limit at a time
// when limit is positive. Results keep the order of reqs. A failed request
// does not stop the others.
func (o *Orchestrator) RunBatch(ctx context.Context, reqs []Request, limit int) []BatchResult {
	out := make([]BatchResult, len(reqs))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, req := range reqs {
		g.Go(func() error {
			res, err := o.Run(ctx, req)
			out[i] = BatchResult{Request: req, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
