package engram

import (
	"log/slog"

	"github.com/engramdb/engram/embedding"
	"github.com/engramdb/engram/index"
)

type options struct {
	dimension        int
	pipeline         *embedding.Pipeline
	metricsCollector MetricsCollector
	logger           *Logger
	indexOptions     []func(*index.Options)
}

// Option configures Store constructor behavior.
type Option func(*options)

// WithDimension fixes the expected vector dimension up front. Without it, the
// first stored vector fixes the dimension.
func WithDimension(dimension int) Option {
	return func(o *options) {
		o.dimension = dimension
	}
}

// WithEmbeddingPipeline configures the pipeline used by the text operations
// (StoreText, StoreTextBatch, SearchText). Without it those operations fail.
func WithEmbeddingPipeline(p *embedding.Pipeline) Option {
	return func(o *options) {
		o.pipeline = p
	}
}

// WithIndexOptions passes configuration through to the underlying index.
func WithIndexOptions(optFns ...func(*index.Options)) Option {
	return func(o *options) {
		o.indexOptions = append(o.indexOptions, optFns...)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &engram.BasicMetricsCollector{}
//	store, _ := engram.New(dir, engram.WithMetricsCollector(metrics))
//	// ... use store ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := engram.NewJSONLogger(slog.LevelInfo)
//	store, _ := engram.New(dir, engram.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
