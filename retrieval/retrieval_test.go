package retrieval

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram"
	"github.com/engramdb/engram/metadata"
)

// fakeStore records calls and replays canned results.
type fakeStore struct {
	calls   int
	lastK   int
	results []engram.SearchResult
	err     error
}

func (f *fakeStore) SearchText(ctx context.Context, query string, k int, optFns ...func(o *engram.SearchOptions)) ([]engram.SearchResult, error) {
	f.calls++
	f.lastK = k
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > k {
		return f.results[:k], nil
	}
	return f.results, nil
}

func result(id, text string, score float32, ts time.Time) engram.SearchResult {
	return engram.SearchResult{
		ID:    id,
		Text:  text,
		Score: score,
		Metadata: metadata.Metadata{
			metadata.KeyText:      text,
			metadata.KeyTimestamp: ts,
		},
	}
}

func TestRetrieveMemories(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("nil store is not initialized", func(t *testing.T) {
		o := New(nil)
		_, err := o.RetrieveMemories(ctx, "anything")
		assert.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("ranks by score, ties by recency", func(t *testing.T) {
		store := &fakeStore{results: []engram.SearchResult{
			result("old", "older tie", 0.8, base),
			result("new", "newer tie", 0.8, base.Add(time.Hour)),
			result("top", "best match", 0.95, base),
		}}
		o := New(store)

		memories, err := o.RetrieveMemories(ctx, "query")
		require.NoError(t, err)
		require.Len(t, memories, 3)
		assert.Equal(t, "top", memories[0].ID)
		assert.Equal(t, "new", memories[1].ID)
		assert.Equal(t, "old", memories[2].ID)
	})

	t.Run("caches identical retrievals", func(t *testing.T) {
		store := &fakeStore{results: []engram.SearchResult{
			result("a", "text", 0.9, base),
		}}
		o := New(store)

		first, err := o.RetrieveMemories(ctx, "query")
		require.NoError(t, err)
		second, err := o.RetrieveMemories(ctx, "query")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, store.calls)
		assert.Equal(t, uint64(1), o.CacheStats().Hits)
	})

	t.Run("cached results are copies", func(t *testing.T) {
		store := &fakeStore{results: []engram.SearchResult{
			result("a", "text", 0.9, base),
		}}
		o := New(store)

		first, err := o.RetrieveMemories(ctx, "query")
		require.NoError(t, err)
		first[0].Text = "mutated by caller"

		second, err := o.RetrieveMemories(ctx, "query")
		require.NoError(t, err)
		assert.Equal(t, "text", second[0].Text)
	})

	t.Run("different options never share a cache entry", func(t *testing.T) {
		store := &fakeStore{results: []engram.SearchResult{
			result("a", "one", 0.9, base),
			result("b", "two", 0.8, base),
		}}
		o := New(store)

		_, err := o.RetrieveMemories(ctx, "query", func(ro *RetrieveOptions) { ro.Limit = 1 })
		require.NoError(t, err)
		assert.Equal(t, 1, store.lastK)

		_, err = o.RetrieveMemories(ctx, "query", func(ro *RetrieveOptions) { ro.Limit = 2 })
		require.NoError(t, err)
		assert.Equal(t, 2, store.lastK)
		assert.Equal(t, 2, store.calls)

		minScore := float32(0.85)
		_, err = o.RetrieveMemories(ctx, "query", func(ro *RetrieveOptions) {
			ro.Limit = 2
			ro.MinScore = &minScore
		})
		require.NoError(t, err)
		assert.Equal(t, 3, store.calls)

		_, err = o.RetrieveMemories(ctx, "query", func(ro *RetrieveOptions) {
			ro.Limit = 2
			ro.WorkspaceID = "acme/api"
		})
		require.NoError(t, err)
		assert.Equal(t, 4, store.calls)
	})

	t.Run("uses the default limit", func(t *testing.T) {
		store := &fakeStore{}
		o := New(store, func(opts *Options) { opts.DefaultLimit = 7 })

		_, err := o.RetrieveMemories(ctx, "query")
		require.NoError(t, err)
		assert.Equal(t, 7, store.lastK)
	})

	t.Run("store errors pass through uncached", func(t *testing.T) {
		store := &fakeStore{err: context.DeadlineExceeded}
		o := New(store)

		_, err := o.RetrieveMemories(ctx, "query")
		require.Error(t, err)

		store.err = nil
		_, err = o.RetrieveMemories(ctx, "query")
		require.NoError(t, err)
		assert.Equal(t, 2, store.calls)
	})
}

func TestBuildContext(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	emptyPattern := regexp.MustCompile(`(?i)no.*memories|empty`)

	t.Run("no memories says so", func(t *testing.T) {
		out := BuildContext(nil)
		assert.Regexp(t, emptyPattern, out)

		out = BuildContext([]Memory{})
		assert.Regexp(t, emptyPattern, out)
	})

	t.Run("blank-only memories count as none", func(t *testing.T) {
		out := BuildContext([]Memory{{ID: "a", Text: "   "}})
		assert.Regexp(t, emptyPattern, out)
	})

	t.Run("renders memories in order", func(t *testing.T) {
		memories := []Memory{
			{ID: "1", Text: "prefers tabs", Score: 0.9, Timestamp: base},
			{ID: "2", Text: "uses postgres", Score: 0.8, Timestamp: base},
		}

		out := BuildContext(memories)
		require.True(t, strings.HasPrefix(out, "Relevant memories:"))
		first := strings.Index(out, "prefers tabs")
		second := strings.Index(out, "uses postgres")
		require.GreaterOrEqual(t, first, 0)
		require.GreaterOrEqual(t, second, 0)
		assert.Less(t, first, second)
	})

	t.Run("respects the byte budget", func(t *testing.T) {
		memories := []Memory{
			{ID: "1", Text: strings.Repeat("a", 40)},
			{ID: "2", Text: strings.Repeat("b", 40)},
			{ID: "3", Text: strings.Repeat("c", 40)},
		}

		out := BuildContext(memories, func(o *ContextOptions) {
			o.MaxBytes = 80
		})
		assert.LessOrEqual(t, len(out), 80)
		assert.Contains(t, out, strings.Repeat("a", 40))
		assert.NotContains(t, out, strings.Repeat("b", 40))
	})

	t.Run("deterministic output", func(t *testing.T) {
		memories := []Memory{
			{ID: "1", Text: "one"},
			{ID: "2", Text: "two"},
		}
		assert.Equal(t, BuildContext(memories), BuildContext(memories))
	})

	t.Run("renders selected metadata fields", func(t *testing.T) {
		memories := []Memory{
			{
				ID:   "1",
				Text: "prefers tabs",
				Metadata: metadata.Metadata{
					"kind":   "preference",
					"source": "review",
					"secret": "never shown",
				},
			},
			{ID: "2", Text: "uses postgres"},
		}

		out := BuildContext(memories, func(o *ContextOptions) {
			o.IncludeFields = []string{"kind", "source"}
		})
		assert.Contains(t, out, "prefers tabs [kind: preference, source: review]")
		assert.NotContains(t, out, "never shown")
		// A memory without the selected keys renders text only.
		assert.Contains(t, out, "\n- uses postgres")

		// Field order follows IncludeFields, so output stays deterministic.
		reordered := BuildContext(memories, func(o *ContextOptions) {
			o.IncludeFields = []string{"source", "kind"}
		})
		assert.Contains(t, reordered, "[source: review, kind: preference]")
	})

	t.Run("field rendering counts against the budget", func(t *testing.T) {
		memories := []Memory{
			{
				ID:       "1",
				Text:     strings.Repeat("a", 40),
				Metadata: metadata.Metadata{"kind": strings.Repeat("k", 40)},
			},
		}

		out := BuildContext(memories, func(o *ContextOptions) {
			o.MaxBytes = 80
			o.IncludeFields = []string{"kind"}
		})
		assert.Regexp(t, emptyPattern, out)
	})

	t.Run("custom header", func(t *testing.T) {
		out := BuildContext([]Memory{{Text: "fact"}}, func(o *ContextOptions) {
			o.Header = "What I remember:"
		})
		assert.True(t, strings.HasPrefix(out, "What I remember:"))
	})
}
