package retry

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RunShards drives every job with at most workers shards in flight. Each
// shard is owned by exactly one goroutine for its whole run. The first
// fatal error cancels the others at their next suspension point.
func RunShards(ctx context.Context, e *Engine, jobs []Job, workers int) (map[string]Stats, error) {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	results := make(map[string]Stats, len(jobs))
	for _, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats, err := e.Run(ctx, job)
			mu.Lock()
			results[job.Shard] = stats
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return results, err
}
