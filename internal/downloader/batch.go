package downloader

import (
	"context"

	"github.com/italolelis/video_acquirer/internal/acquire"
	"github.com/italolelis/video_acquirer/internal/logctx"
	"golang.org/x/sync/errgroup"
)

// Acquirer is the synchronous acquisition call the batch runner drives.
type Acquirer interface {
	Acquire(ctx context.Context, req acquire.Request) acquire.Result
}

// Batch runs many acquisitions with bounded parallelism, the way a
// background task queue consumes the acquirer.
type Batch struct {
	acquirer    Acquirer
	maxParallel int
}

func NewBatch(acquirer Acquirer, maxParallel int) *Batch {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	return &Batch{acquirer: acquirer, maxParallel: maxParallel}
}

// AcquireAll acquires every request and returns results in request order.
// A failed acquisition does not stop the others; cancelling ctx makes the
// remaining ones finish as Cancelled.
func (b *Batch) AcquireAll(ctx context.Context, reqs []acquire.Request) []acquire.Result {
	logger := logctx.LoggerFromContext(ctx)

	results := make([]acquire.Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(b.maxParallel)

	for i := range reqs {
		req := reqs[i]

		g.Go(func() error {
			results[i] = b.acquirer.Acquire(ctx, req)

			return nil
		})
	}

	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}

	logger.Info("batch finished", "requests", len(reqs), "succeeded", succeeded, "failed", len(reqs)-succeeded)

	return results
}
