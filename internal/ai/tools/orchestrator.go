package tools

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ExecuteBatch dispatches sibling calls concurrently and returns once every call has a result.
// Results are index-aligned with calls. limit <= 0 means no concurrency cap.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []Call, ec ExecutionContext, limit int) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}
	if len(calls) == 1 {
		results[0] = r.Execute(ctx, calls[0].Name, calls[0].Args, ec)
		return results
	}

	// Handlers never fail the group; each slot is written by exactly one goroutine.
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range calls {
		call := calls[i]
		g.Go(func() error {
			results[i] = r.Execute(ctx, call.Name, call.Args, ec)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
