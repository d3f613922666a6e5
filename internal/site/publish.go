package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Summary counts what Publish did.
type Summary struct {
	Uploaded int
	Skipped  int // already in the bucket
	Empty    int // zero-length files, never uploaded
	Failed   int
	Bytes    int64

	// InvalidationErrors counts uploads whose key could not be queued for
	// invalidation.
	InvalidationErrors int
}

// Publish renders every asset through the renderer router picks for it,
// with at most concurrency uploads in flight. Keys come from each asset's
// Rel path, so the renderers need no Root. A failed asset does not stop
// the others; all failures are returned joined.
func Publish(ctx context.Context, router *Router, assets []Asset, concurrency int, logger *slog.Logger) (Summary, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu       sync.Mutex
		summary  Summary
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, asset := range assets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			data, err := os.ReadFile(asset.Path)
			if err != nil {
				mu.Lock()
				summary.Failed++
				failures = append(failures, fmt.Errorf("reading %s: %w", asset.Rel, err))
				mu.Unlock()
				return nil
			}
			if len(data) == 0 {
				logger.Warn("skipping empty file", "path", asset.Rel)
				mu.Lock()
				summary.Empty++
				mu.Unlock()
				return nil
			}

			renderer, rule := router.Route(asset.Rel)
			result, err := renderer.Render(gctx, string(data), asset.Rel)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed++
				failures = append(failures, fmt.Errorf("publishing %s: %w", asset.Rel, err))
			case result.Uploaded:
				summary.Uploaded++
				summary.Bytes += int64(result.Bytes)
				if result.InvalidationErr != nil {
					summary.InvalidationErrors++
				}
				logger.Debug("published", "path", asset.Rel, "key", result.Key, "rule", rule)
			default:
				summary.Skipped++
			}
			return nil
		})
	}

	// Workers never return errors; only the parent context can end the
	// group early.
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		failures = append(failures, err)
	}
	return summary, errors.Join(failures...)
}
