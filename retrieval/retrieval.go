// Package retrieval orchestrates memory lookups for prompt assembly.
//
// The Orchestrator sits above a Store: it runs semantic queries, ranks and
// caches the results, and renders them into a byte-budgeted context block
// ready for inclusion in a model prompt.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engramdb/engram"
	"github.com/engramdb/engram/cache"
	"github.com/engramdb/engram/metadata"
)

// ErrNotInitialized is returned when the orchestrator has no store.
var ErrNotInitialized = errors.New("retrieval: memory store not initialized")

// Memory is one retrieved memory, ready for ranking and rendering.
type Memory struct {
	ID    string
	Text  string
	Score float32

	// Timestamp is when the memory was stored; zero when unknown.
	Timestamp time.Time

	Metadata metadata.Metadata
}

// Searcher is the slice of the store the orchestrator depends on.
type Searcher interface {
	SearchText(ctx context.Context, query string, k int, optFns ...func(o *engram.SearchOptions)) ([]engram.SearchResult, error)
}

// Options contains configuration for the orchestrator.
type Options struct {
	// CacheSize bounds the query result cache. 0 disables caching.
	CacheSize int

	// DefaultLimit is the result count used when a retrieval does not set one.
	DefaultLimit int
}

// DefaultOptions are the default orchestrator options.
var DefaultOptions = Options{
	CacheSize:    128,
	DefaultLimit: 10,
}

// Orchestrator runs queries against a memory store, with result caching.
// It is safe for concurrent use.
type Orchestrator struct {
	store Searcher
	cache *cache.LRU[string, []Memory]
	opts  Options
}

// New creates an orchestrator over the given store.
func New(store Searcher, optFns ...func(o *Options)) *Orchestrator {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultOptions.DefaultLimit
	}

	return &Orchestrator{
		store: store,
		cache: cache.NewLRU[string, []Memory](opts.CacheSize),
		opts:  opts,
	}
}

// RetrieveOptions contains options for one retrieval.
type RetrieveOptions struct {
	// Limit caps the number of memories returned. 0 uses the orchestrator
	// default.
	Limit int `json:"limit"`

	// MinScore drops memories scoring below it.
	MinScore *float32 `json:"minScore,omitempty"`

	// WorkspaceID scopes the retrieval to one workspace.
	WorkspaceID string `json:"workspaceId,omitempty"`

	// Filters are additional metadata predicates; all must match.
	Filters *metadata.FilterSet `json:"filters,omitempty"`
}

// cacheKey canonicalizes a query and its options into a stable string. Two
// retrievals that differ in any option must never share a cache entry.
func cacheKey(query string, opts RetrieveOptions) string {
	payload, err := json.Marshal(struct {
		Query string          `json:"query"`
		Opts  RetrieveOptions `json:"opts"`
	}{Query: query, Opts: opts})
	if err != nil {
		// Options are plain data; Marshal cannot fail for them. Fall back to
		// an uncacheable key rather than panicking.
		return fmt.Sprintf("raw:%s:%+v", query, opts)
	}
	return string(payload)
}

// RetrieveMemories runs a semantic query and returns ranked memories, best
// first. Equal scores rank the more recently stored memory first. Results are
// cached per (query, options) pair.
func (o *Orchestrator) RetrieveMemories(ctx context.Context, query string, optFns ...func(o *RetrieveOptions)) ([]Memory, error) {
	if o == nil || o.store == nil {
		return nil, ErrNotInitialized
	}

	opts := RetrieveOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Limit <= 0 {
		opts.Limit = o.opts.DefaultLimit
	}

	key := cacheKey(query, opts)
	if cached, ok := o.cache.Get(key); ok {
		out := make([]Memory, len(cached))
		copy(out, cached)
		return out, nil
	}

	filter := opts.Filters
	if opts.WorkspaceID != "" {
		filters := []metadata.Filter{metadata.Eq(metadata.KeyWorkspaceID, opts.WorkspaceID)}
		if filter != nil {
			filters = append(filters, filter.Filters...)
		}
		filter = metadata.NewFilterSet(filters...)
	}

	results, err := o.store.SearchText(ctx, query, opts.Limit, func(so *engram.SearchOptions) {
		so.ScoreThreshold = opts.MinScore
		so.Filter = filter
	})
	if err != nil {
		return nil, err
	}

	memories := make([]Memory, len(results))
	for i, r := range results {
		memories[i] = toMemory(r)
	}

	// Score descending; ties go to the most recently stored memory.
	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].Score != memories[j].Score {
			return memories[i].Score > memories[j].Score
		}
		return memories[i].Timestamp.After(memories[j].Timestamp)
	})

	o.cache.Add(key, memories)

	out := make([]Memory, len(memories))
	copy(out, memories)
	return out, nil
}

func toMemory(r engram.SearchResult) Memory {
	m := Memory{
		ID:       r.ID,
		Text:     r.Text,
		Score:    r.Score,
		Metadata: r.Metadata,
	}
	if ts, ok := r.Metadata.Timestamp(); ok {
		m.Timestamp = ts
	}
	return m
}

// CacheStats returns hit/miss counters of the retrieval cache.
func (o *Orchestrator) CacheStats() cache.Stats { return o.cache.Stats() }

// ContextOptions contains options for BuildContext.
type ContextOptions struct {
	// MaxBytes caps the rendered block size. 0 means no cap.
	MaxBytes int

	// Header is the first line of a non-empty block.
	Header string

	// IncludeFields lists metadata keys to render after each memory's text,
	// in this order. Keys a memory does not carry are skipped. Empty means
	// text only.
	IncludeFields []string
}

// DefaultContextOptions are the default BuildContext options.
var DefaultContextOptions = ContextOptions{
	MaxBytes: 4096,
	Header:   "Relevant memories:",
}

// BuildContext renders memories into a deterministic text block for prompt
// assembly. Memories are rendered in the given order until the byte budget
// is exhausted; a memory that does not fit is skipped entirely rather than
// truncated mid-line. With no usable memories the block says so explicitly.
func BuildContext(memories []Memory, optFns ...func(o *ContextOptions)) string {
	opts := DefaultContextOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	var b strings.Builder
	b.WriteString(opts.Header)

	rendered := 0
	for _, m := range memories {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}

		line := "\n- " + text + renderFields(m.Metadata, opts.IncludeFields)
		if opts.MaxBytes > 0 && b.Len()+len(line) > opts.MaxBytes {
			break
		}

		b.WriteString(line)
		rendered++
	}

	if rendered == 0 {
		return "No relevant memories found."
	}
	return b.String()
}

// renderFields formats the selected metadata keys of one memory, e.g.
// " [kind: constraint, source: review]". Absent keys are skipped.
func renderFields(meta metadata.Metadata, fields []string) string {
	if len(fields) == 0 || len(meta) == 0 {
		return ""
	}

	var b strings.Builder
	for _, key := range fields {
		v, ok := meta[key]
		if !ok {
			continue
		}
		if b.Len() == 0 {
			b.WriteString(" [")
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", key, v)
	}
	if b.Len() == 0 {
		return ""
	}
	b.WriteString("]")
	return b.String()
}
