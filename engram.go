// Package engram provides a persistent, embedded vector store for long-lived
// agent memory.
//
// A Store combines an approximate-nearest-neighbor index with an optional
// embedding pipeline, so callers can work at either level:
//
//   - Vector level: Store / StoreBatch / Search take ready-made vectors.
//   - Text level: StoreText / StoreTextBatch / SearchText embed text through
//     the configured pipeline first.
//
// State lives in memory and is written to disk only on Persist; Load restores
// it. All operations are safe for concurrent use.
//
// # Quick Start
//
//	ctx := context.Background()
//
//	backend, _ := openai.New(os.Getenv("OPENAI_API_KEY"))
//	pipeline, _ := embedding.NewPipeline(backend)
//
//	store, err := engram.Open(ctx, "./data",
//	    engram.WithEmbeddingPipeline(pipeline),
//	)
//	if err != nil {
//	    panic(err)
//	}
//
//	id, _ := store.StoreText(ctx, "user prefers tabs over spaces", metadata.Metadata{
//	    "workspace_id": "acme/api",
//	})
//
//	results, _ := store.SearchText(ctx, "indentation preference", 5)
//	for _, r := range results {
//	    fmt.Println(r.ID, r.Score, r.Text)
//	}
//
//	_ = store.Persist(ctx)
//	_ = id
package engram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/embedding"
	"github.com/engramdb/engram/index"
	"github.com/engramdb/engram/metadata"
)

// Entry is a vector with its id and metadata. A zero ID is assigned a fresh
// UUID on store.
type Entry struct {
	ID       string
	Vector   []float32
	Metadata metadata.Metadata
}

// SearchResult is a ranked hit.
type SearchResult struct {
	ID string

	// Score is the cosine similarity (1 - cosine distance), higher is closer.
	Score float32

	// Text is the original text for entries stored via the text operations,
	// empty otherwise.
	Text string

	Vector   []float32
	Metadata metadata.Metadata
}

// SearchOptions contains options for search operations.
type SearchOptions struct {
	// ScoreThreshold drops results scoring below it. By default everything
	// is accepted (cosine scores can be negative, so zero is not neutral).
	ScoreThreshold *float32

	// Filter keeps only entries whose metadata matches every predicate.
	Filter *metadata.FilterSet

	// EF overrides the index search list size. 0 uses the index default.
	EF int
}

// Store is a persistent vector memory store.
type Store struct {
	index    *index.Index
	pipeline *embedding.Pipeline
	metrics  MetricsCollector
	logger   *Logger

	// dimension is the caller-declared dimension, 0 when the first stored
	// vector decides.
	dimension int
}

// New creates a Store persisting into dir. Nothing is read from disk; use
// Load, or Open which combines both.
func New(dir string, optFns ...Option) (*Store, error) {
	opts := applyOptions(optFns)

	idx, err := index.New(dir, opts.indexOptions...)
	if err != nil {
		return nil, translateError(err)
	}

	return &Store{
		index:     idx,
		pipeline:  opts.pipeline,
		metrics:   opts.metricsCollector,
		logger:    opts.logger,
		dimension: opts.dimension,
	}, nil
}

// Open creates a Store and loads any persisted state from dir. A directory
// with no persisted files opens empty.
func Open(ctx context.Context, dir string, optFns ...Option) (*Store, error) {
	s, err := New(dir, optFns...)
	if err != nil {
		return nil, err
	}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.index.Dir() }

// Size returns the number of live entries.
func (s *Store) Size() int { return s.index.Size() }

// Dimension returns the fixed vector dimension, or 0 before the first store.
func (s *Store) Dimension() int {
	if d := s.index.Dimension(); d > 0 {
		return d
	}
	return s.dimension
}

// Pipeline returns the configured embedding pipeline, or nil.
func (s *Store) Pipeline() *embedding.Pipeline { return s.pipeline }

// checkDimension enforces a caller-declared dimension before the index has
// fixed one of its own.
func (s *Store) checkDimension(v []float32) error {
	if s.dimension > 0 && len(v) != s.dimension {
		return &ErrDimensionMismatch{Expected: s.dimension, Actual: len(v)}
	}
	return nil
}

// stamp fills in bookkeeping metadata: the entry id and, when absent, the
// storage timestamp used as a recency tie-break at retrieval time.
func stamp(id string, meta metadata.Metadata) metadata.Metadata {
	out := meta.Clone()
	if out == nil {
		out = metadata.Metadata{}
	}
	out[metadata.KeyID] = id
	if _, ok := out.Timestamp(); !ok {
		out[metadata.KeyTimestamp] = time.Now().UTC()
	}
	return out
}

// Store inserts a vector entry and returns its id. Storing an existing id
// replaces the previous entry.
func (s *Store) Store(ctx context.Context, e Entry) (string, error) {
	start := time.Now()
	id, err := s.store(ctx, e)
	duration := time.Since(start)
	s.metrics.RecordStore(duration, err)
	s.logger.LogStore(ctx, id, len(e.Vector), err)
	return id, err
}

func (s *Store) store(ctx context.Context, e Entry) (string, error) {
	if err := s.checkDimension(e.Vector); err != nil {
		return "", err
	}

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}

	err := s.index.Add(ctx, index.Document{
		ID:       id,
		Vector:   e.Vector,
		Metadata: stamp(id, e.Metadata),
	})
	if err != nil {
		return "", translateError(err)
	}
	return id, nil
}

// StoreBatch inserts many entries atomically: either every entry is accepted
// or none is. Returned ids are in input order.
func (s *Store) StoreBatch(ctx context.Context, entries []Entry) ([]string, error) {
	start := time.Now()
	ids, err := s.storeBatch(ctx, entries)
	duration := time.Since(start)
	s.metrics.RecordBatchStore(len(entries), duration, err)
	s.logger.LogBatchStore(ctx, len(entries), err)
	return ids, err
}

func (s *Store) storeBatch(ctx context.Context, entries []Entry) ([]string, error) {
	ids := make([]string, len(entries))
	docs := make([]index.Document, len(entries))
	for i, e := range entries {
		if err := s.checkDimension(e.Vector); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		ids[i] = id
		docs[i] = index.Document{
			ID:       id,
			Vector:   e.Vector,
			Metadata: stamp(id, e.Metadata),
		}
	}

	if err := s.index.AddBatch(ctx, docs); err != nil {
		return nil, translateError(err)
	}
	return ids, nil
}

// embed runs text through the pipeline and verifies the result fits the
// store's vector space.
func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	if s.pipeline == nil {
		return nil, fmt.Errorf("engram: no embedding pipeline configured")
	}

	vec, err := s.pipeline.Generate(ctx, text)
	if err != nil {
		return nil, err
	}

	if dim := s.Dimension(); dim > 0 && len(vec) != dim {
		return nil, &ErrEmbeddingDimensionMismatch{
			IndexDimension:     dim,
			EmbeddingDimension: len(vec),
		}
	}
	return vec, nil
}

// StoreText embeds text and stores it with the given metadata. The text
// itself is kept in the metadata, so search results can return it.
func (s *Store) StoreText(ctx context.Context, text string, meta metadata.Metadata) (string, error) {
	start := time.Now()
	id, err := s.storeText(ctx, text, meta)
	duration := time.Since(start)
	s.metrics.RecordStore(duration, err)
	s.logger.LogStore(ctx, id, 0, err)
	return id, err
}

func (s *Store) storeText(ctx context.Context, text string, meta metadata.Metadata) (string, error) {
	vec, err := s.embed(ctx, text)
	if err != nil {
		return "", err
	}

	withText := meta.Clone()
	if withText == nil {
		withText = metadata.Metadata{}
	}
	withText[metadata.KeyText] = text

	return s.store(ctx, Entry{Vector: vec, Metadata: withText})
}

// StoreTextBatch embeds and stores many texts atomically. metas may be nil or
// must have one element per text.
func (s *Store) StoreTextBatch(ctx context.Context, texts []string, metas []metadata.Metadata) ([]string, error) {
	start := time.Now()
	ids, err := s.storeTextBatch(ctx, texts, metas)
	duration := time.Since(start)
	s.metrics.RecordBatchStore(len(texts), duration, err)
	s.logger.LogBatchStore(ctx, len(texts), err)
	return ids, err
}

func (s *Store) storeTextBatch(ctx context.Context, texts []string, metas []metadata.Metadata) ([]string, error) {
	if s.pipeline == nil {
		return nil, fmt.Errorf("engram: no embedding pipeline configured")
	}
	if metas != nil && len(metas) != len(texts) {
		return nil, fmt.Errorf("engram: got %d metadata entries for %d texts", len(metas), len(texts))
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("text %d: %w", i, embedding.ErrEmptyText)
		}
	}

	vecs, err := s.pipeline.GenerateBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(texts))
	for i, text := range texts {
		if dim := s.Dimension(); dim > 0 && len(vecs[i]) != dim {
			return nil, &ErrEmbeddingDimensionMismatch{
				IndexDimension:     dim,
				EmbeddingDimension: len(vecs[i]),
			}
		}

		meta := metadata.Metadata{}
		if metas != nil {
			meta = metas[i].Clone()
			if meta == nil {
				meta = metadata.Metadata{}
			}
		}
		meta[metadata.KeyText] = text

		entries[i] = Entry{Vector: vecs[i], Metadata: meta}
	}

	return s.storeBatch(ctx, entries)
}

// Search performs a k-nearest-neighbor cosine search. Searching an empty
// store returns no results and no error.
func (s *Store) Search(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]SearchResult, error) {
	start := time.Now()
	results, err := s.search(ctx, query, k, optFns)
	duration := time.Since(start)
	s.metrics.RecordSearch(k, duration, err)
	s.logger.LogSearch(ctx, k, len(results), err)
	return results, err
}

func (s *Store) search(ctx context.Context, query []float32, k int, optFns []func(o *SearchOptions)) ([]SearchResult, error) {
	var opts SearchOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	hits, err := s.index.Search(ctx, query, k, func(o *index.SearchOptions) {
		if opts.ScoreThreshold != nil {
			o.ScoreThreshold = *opts.ScoreThreshold
		}
		o.Filter = opts.Filter
		o.EF = opts.EF
	})
	if err != nil {
		return nil, translateError(err)
	}

	results := make([]SearchResult, len(hits))
	for i, hit := range hits {
		results[i] = toSearchResult(hit)
	}
	return results, nil
}

// SearchText embeds the query and searches with the resulting vector.
func (s *Store) SearchText(ctx context.Context, query string, k int, optFns ...func(o *SearchOptions)) ([]SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, vec, k, optFns...)
}

func toSearchResult(hit index.SearchResult) SearchResult {
	r := SearchResult{
		ID:       hit.Document.ID,
		Score:    hit.Score,
		Vector:   hit.Document.Vector,
		Metadata: hit.Document.Metadata,
	}
	if text, ok := hit.Document.Metadata[metadata.KeyText].(string); ok {
		r.Text = text
	}
	return r
}

// Get retrieves a live entry by id.
func (s *Store) Get(id string) (Entry, error) {
	doc, ok := s.index.Get(id)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Entry{ID: doc.ID, Vector: doc.Vector, Metadata: doc.Metadata}, nil
}

// Remove deletes an entry. Removing an unknown id is a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	start := time.Now()
	err := translateError(s.index.Remove(ctx, id))
	duration := time.Since(start)
	s.metrics.RecordRemove(duration, err)
	s.logger.LogRemove(ctx, id, err)
	return err
}

// Clear drops every entry. The vector dimension becomes negotiable again.
// Persisted files are untouched until the next Persist.
func (s *Store) Clear(ctx context.Context) error {
	return translateError(s.index.Clear(ctx))
}

// Compact reclaims the space held by deleted entries.
func (s *Store) Compact(ctx context.Context) error {
	err := translateError(s.index.Compact(ctx))
	s.logger.LogCompact(ctx, s.index.Size(), err)
	return err
}

// Persist writes the full store state to the storage directory atomically.
// Concurrent calls share a single in-flight write.
func (s *Store) Persist(ctx context.Context) error {
	start := time.Now()
	err := translateError(s.index.Persist(ctx))
	duration := time.Since(start)
	s.metrics.RecordPersist(duration, err)
	s.logger.LogPersist(ctx, s.index.Dir(), s.index.Size(), err)
	return err
}

// Load replaces the in-memory state with the persisted state from the storage
// directory. Missing files load an empty store; undecodable files return
// ErrCorrupted.
func (s *Store) Load(ctx context.Context) error {
	err := translateError(s.index.Load(ctx))
	s.logger.LogLoad(ctx, s.index.Dir(), s.index.Size(), err)
	return err
}
