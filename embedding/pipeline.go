package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/engramdb/engram/cache"
)

// Options contains configuration for the pipeline.
type Options struct {
	// CacheSize bounds the text->vector cache. 0 disables caching.
	CacheSize int

	// BatchSize is the number of texts per backend batch call.
	BatchSize int

	// MaxConcurrentBatches caps how many batches run at once in
	// GenerateBatch. 0 means no cap.
	MaxConcurrentBatches int

	// StatsWindow is the number of latency samples retained for
	// percentile reporting.
	StatsWindow int

	// RateLimit throttles backend calls (calls per second).
	// The default is unlimited.
	RateLimit rate.Limit

	// RateBurst is the rate limiter burst size.
	RateBurst int
}

// DefaultOptions are the default pipeline options.
var DefaultOptions = Options{
	CacheSize:   2048,
	BatchSize:   16,
	StatsWindow: 1000,
	RateLimit:   rate.Inf,
	RateBurst:   1,
}

// Pipeline converts text into vectors with caching, bounded retry, and
// latency tracking. It is safe for concurrent use.
type Pipeline struct {
	backend Backend
	cache   *cache.LRU[string, []float32]
	stats   *latencyRing
	limiter *rate.Limiter
	opts    Options
}

// NewPipeline creates a pipeline over the given backend.
func NewPipeline(backend Backend, optFns ...func(o *Options)) (*Pipeline, error) {
	if backend == nil {
		return nil, fmt.Errorf("embedding: backend is required")
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions.BatchSize
	}

	return &Pipeline{
		backend: backend,
		cache:   cache.NewLRU[string, []float32](opts.CacheSize),
		stats:   newLatencyRing(opts.StatsWindow),
		limiter: rate.NewLimiter(opts.RateLimit, max(opts.RateBurst, 1)),
		opts:    opts,
	}, nil
}

// Generate converts one text into a vector. Cached results return
// immediately. A backend failure is retried exactly once, except OOM
// failures, which fail immediately. Returned vectors must be treated as
// read-only; they may be shared with the cache.
func (p *Pipeline) Generate(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	if vec, ok := p.cache.Get(text); ok {
		return vec, nil
	}

	start := time.Now()
	vec, err := p.embedWithRetry(ctx, text)
	if err != nil {
		return nil, err
	}

	p.stats.Record(time.Since(start))
	p.cache.Add(text, vec)
	return vec, nil
}

// embedWithRetry calls the backend with at most two attempts total.
func (p *Pipeline) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vec, err := p.backend.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if KindOf(err) == KindOOM {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed to generate embedding: %w", lastErr)
}

// embedBatchWithRetry mirrors embedWithRetry for a whole batch.
func (p *Pipeline) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vecs, err := p.backend.EmbedBatch(ctx, texts)
		if err == nil {
			if len(vecs) != len(texts) {
				return nil, fmt.Errorf("failed to generate embedding: backend returned %d vectors for %d texts", len(vecs), len(texts))
			}
			return vecs, nil
		}
		lastErr = err

		if KindOf(err) == KindOOM {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed to generate embedding: %w", lastErr)
}

// GenerateBatch converts many texts at once. Blank texts are skipped (their
// output slot stays nil). The remainder is partitioned into fixed-size
// batches processed concurrently; results land at their original positions,
// so output order matches input order regardless of batch completion order.
func (p *Pipeline) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	// Serve cache hits up front and collect the rest.
	pending := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if vec, ok := p.cache.Get(text); ok {
			out[i] = vec
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if p.opts.MaxConcurrentBatches > 0 {
		g.SetLimit(p.opts.MaxConcurrentBatches)
	}

	start := time.Now()
	for begin := 0; begin < len(pending); begin += p.opts.BatchSize {
		end := min(begin+p.opts.BatchSize, len(pending))
		indices := pending[begin:end]

		g.Go(func() error {
			batch := make([]string, len(indices))
			for j, i := range indices {
				batch[j] = texts[i]
			}

			vecs, err := p.embedBatchWithRetry(gctx, batch)
			if err != nil {
				return err
			}
			for j, i := range indices {
				out[i] = vecs[j]
				p.cache.Add(texts[i], vecs[j])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.stats.Record(time.Since(start))
	return out, nil
}

// Stats returns latency percentiles over the recent sample window.
func (p *Pipeline) Stats() Stats { return p.stats.Snapshot() }

// CacheStats returns hit/miss counters of the text->vector cache.
func (p *Pipeline) CacheStats() cache.Stats { return p.cache.Stats() }
