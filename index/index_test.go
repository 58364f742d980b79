package index

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/index/hnsw"
	"github.com/engramdb/engram/metadata"
	"github.com/engramdb/engram/persistence"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New(t.TempDir(), func(o *Options) {
		o.Graph = append(o.Graph, func(g *hnsw.Options) { g.Seed = 42 })
	})
	require.NoError(t, err)
	return idx
}

func doc(id string, vector ...float32) Document {
	return Document{ID: id, Vector: vector}
}

func TestNew(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestAdd(t *testing.T) {
	ctx := context.Background()

	t.Run("first insert fixes the dimension", func(t *testing.T) {
		idx := newTestIndex(t)
		require.NoError(t, idx.Add(ctx, doc("a", 1, 0, 0)))
		assert.Equal(t, 3, idx.Dimension())

		err := idx.Add(ctx, doc("b", 1, 0))
		var dm *ErrDimensionMismatch
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, 3, dm.Expected)
		assert.Equal(t, 2, dm.Actual)
	})

	t.Run("rejects invalid documents", func(t *testing.T) {
		idx := newTestIndex(t)
		assert.ErrorIs(t, idx.Add(ctx, doc("", 1, 0)), ErrEmptyID)
		assert.ErrorIs(t, idx.Add(ctx, doc("a")), ErrEmptyVector)
		assert.ErrorIs(t, idx.Add(ctx, doc("a", float32(math.NaN()))), ErrNonFiniteVector)
	})

	t.Run("re-adding an id replaces the document", func(t *testing.T) {
		idx := newTestIndex(t)
		require.NoError(t, idx.Add(ctx, doc("a", 1, 0)))
		require.NoError(t, idx.Add(ctx, doc("a", 0, 1)))

		assert.Equal(t, 1, idx.Size())

		hits, err := idx.Search(ctx, []float32{0, 1}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "a", hits[0].Document.ID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

		// The stale vector is never returned, even for its own direction.
		hits, err = idx.Search(ctx, []float32{1, 0}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.InDelta(t, 0.0, hits[0].Score, 1e-6)
	})

	t.Run("stores a copy of vector and metadata", func(t *testing.T) {
		idx := newTestIndex(t)
		v := []float32{1, 0}
		m := metadata.Metadata{"k": "v"}
		require.NoError(t, idx.Add(ctx, Document{ID: "a", Vector: v, Metadata: m}))

		v[0] = -1
		m["k"] = "mutated"

		got, ok := idx.Get("a")
		require.True(t, ok)
		assert.Equal(t, float32(1), got.Vector[0])
		assert.Equal(t, "v", got.Metadata["k"])
	})
}

func TestAddBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("all or nothing validation", func(t *testing.T) {
		idx := newTestIndex(t)
		err := idx.AddBatch(ctx, []Document{
			doc("a", 1, 0),
			doc("b", 1, 0, 0), // wrong width
		})
		var dm *ErrDimensionMismatch
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, 0, idx.Size())
		assert.Equal(t, 0, idx.Dimension())
	})

	t.Run("budget exceeded rejects the whole batch", func(t *testing.T) {
		idx, err := New(t.TempDir(), func(o *Options) {
			o.BatchBudgetBytes = 128
		})
		require.NoError(t, err)

		big := make([]float32, 100)
		big[0] = 1
		err = idx.AddBatch(ctx, []Document{{ID: "a", Vector: big}})

		var budget *ErrBatchBudgetExceeded
		require.ErrorAs(t, err, &budget)
		assert.Greater(t, budget.Estimated, budget.Budget)
		assert.Equal(t, 0, idx.Size())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		idx := newTestIndex(t)
		require.NoError(t, idx.AddBatch(ctx, nil))
	})

	t.Run("inserts all documents", func(t *testing.T) {
		idx := newTestIndex(t)
		require.NoError(t, idx.AddBatch(ctx, []Document{
			doc("a", 1, 0),
			doc("b", 0, 1),
		}))
		assert.Equal(t, 2, idx.Size())
	})
}

func TestSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("empty index returns nothing", func(t *testing.T) {
		idx := newTestIndex(t)
		hits, err := idx.Search(ctx, []float32{1, 0}, 5)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("rejects invalid k", func(t *testing.T) {
		idx := newTestIndex(t)
		_, err := idx.Search(ctx, []float32{1, 0}, 0)
		assert.ErrorIs(t, err, ErrInvalidK)
	})

	t.Run("orthogonal vectors score zero, parallel score one", func(t *testing.T) {
		idx := newTestIndex(t)
		require.NoError(t, idx.Add(ctx, doc("x", 1, 0, 0)))
		require.NoError(t, idx.Add(ctx, doc("y", 0, 1, 0)))

		hits, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)

		assert.Equal(t, "x", hits[0].Document.ID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
		assert.Equal(t, "y", hits[1].Document.ID)
		assert.InDelta(t, 0.0, hits[1].Score, 1e-6)
	})

	t.Run("score threshold filters", func(t *testing.T) {
		idx := newTestIndex(t)
		require.NoError(t, idx.Add(ctx, doc("x", 1, 0)))
		require.NoError(t, idx.Add(ctx, doc("y", 0, 1)))

		hits, err := idx.Search(ctx, []float32{1, 0}, 2, func(o *SearchOptions) {
			o.ScoreThreshold = 0.5
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "x", hits[0].Document.ID)
	})

	t.Run("metadata filter", func(t *testing.T) {
		idx := newTestIndex(t)
		require.NoError(t, idx.Add(ctx, Document{
			ID: "a", Vector: []float32{1, 0},
			Metadata: metadata.Metadata{"lang": "go"},
		}))
		require.NoError(t, idx.Add(ctx, Document{
			ID: "b", Vector: []float32{0.9, 0.1},
			Metadata: metadata.Metadata{"lang": "rust"},
		}))

		hits, err := idx.Search(ctx, []float32{1, 0}, 2, func(o *SearchOptions) {
			o.Filter = metadata.NewFilterSet(metadata.Eq("lang", "rust"))
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "b", hits[0].Document.ID)
	})

	t.Run("query dimension mismatch", func(t *testing.T) {
		idx := newTestIndex(t)
		require.NoError(t, idx.Add(ctx, doc("a", 1, 0)))

		_, err := idx.Search(ctx, []float32{1, 0, 0}, 1)
		var dm *ErrDimensionMismatch
		assert.ErrorAs(t, err, &dm)
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("removed documents never surface in search", func(t *testing.T) {
		idx := newTestIndex(t)
		require.NoError(t, idx.Add(ctx, doc("a", 1, 0)))
		require.NoError(t, idx.Add(ctx, doc("b", 0.9, 0.1)))

		require.NoError(t, idx.Remove(ctx, "a"))
		assert.Equal(t, 1, idx.Size())

		hits, err := idx.Search(ctx, []float32{1, 0}, 2)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "b", hits[0].Document.ID)

		_, ok := idx.Get("a")
		assert.False(t, ok)
	})

	t.Run("unknown and repeated removes are no-ops", func(t *testing.T) {
		idx := newTestIndex(t)
		require.NoError(t, idx.Remove(ctx, "ghost"))

		require.NoError(t, idx.Add(ctx, doc("a", 1, 0)))
		require.NoError(t, idx.Remove(ctx, "a"))
		require.NoError(t, idx.Remove(ctx, "a"))
		assert.Equal(t, 0, idx.Size())
	})
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	require.NoError(t, idx.Add(ctx, doc("a", 1, 0, 0)))

	require.NoError(t, idx.Clear(ctx))
	assert.Equal(t, 0, idx.Size())
	assert.Equal(t, 0, idx.Dimension())

	// The dimension is negotiable again.
	require.NoError(t, idx.Add(ctx, doc("b", 1, 0)))
	assert.Equal(t, 2, idx.Dimension())

	// Idempotent.
	require.NoError(t, idx.Clear(ctx))
	require.NoError(t, idx.Clear(ctx))
	assert.Equal(t, 0, idx.Size())
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	require.NoError(t, idx.Add(ctx, doc("a", 1, 0)))
	require.NoError(t, idx.Add(ctx, doc("b", 0, 1)))
	require.NoError(t, idx.Remove(ctx, "a"))

	require.NoError(t, idx.Compact(ctx))

	assert.Equal(t, 1, idx.Size())
	assert.Equal(t, 2, idx.Dimension())

	hits, err := idx.Search(ctx, []float32{0, 1}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].Document.ID)

	t.Run("keeps the dimension when everything is tombstoned", func(t *testing.T) {
		require.NoError(t, idx.Remove(ctx, "b"))
		require.NoError(t, idx.Compact(ctx))
		assert.Equal(t, 0, idx.Size())
		assert.Equal(t, 2, idx.Dimension())
	})
}

func TestPersistLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		dir := t.TempDir()
		idx, err := New(dir)
		require.NoError(t, err)

		ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, idx.Add(ctx, Document{
			ID: "a", Vector: []float32{1, 0},
			Metadata: metadata.Metadata{"note": "keep", metadata.KeyTimestamp: ts},
		}))
		require.NoError(t, idx.Add(ctx, doc("b", 0, 1)))
		require.NoError(t, idx.Add(ctx, doc("gone", 0.5, 0.5)))
		require.NoError(t, idx.Remove(ctx, "gone"))

		require.NoError(t, idx.Persist(ctx))
		assert.FileExists(t, filepath.Join(dir, MetadataFileName))
		assert.FileExists(t, filepath.Join(dir, GraphFileName))

		restored, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, restored.Load(ctx))

		assert.Equal(t, 2, restored.Size())
		assert.Equal(t, 2, restored.Dimension())

		got, ok := restored.Get("a")
		require.True(t, ok)
		assert.Equal(t, "keep", got.Metadata["note"])
		loadedTS, ok := got.Metadata.Timestamp()
		require.True(t, ok)
		assert.True(t, loadedTS.Equal(ts))

		// Tombstone survives the round trip.
		hits, err := restored.Search(ctx, []float32{0.5, 0.5}, 3)
		require.NoError(t, err)
		for _, h := range hits {
			assert.NotEqual(t, "gone", h.Document.ID)
		}
	})

	t.Run("sidecar is valid UTF-8 JSON", func(t *testing.T) {
		dir := t.TempDir()
		idx, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, idx.Add(ctx, doc("a", 1, 0)))
		require.NoError(t, idx.Persist(ctx))

		raw, err := os.ReadFile(filepath.Join(dir, MetadataFileName))
		require.NoError(t, err)
		assert.True(t, json.Valid(raw))
	})

	t.Run("missing files load an empty index", func(t *testing.T) {
		idx, err := New(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, idx.Load(ctx))
		assert.Equal(t, 0, idx.Size())
	})

	t.Run("corrupted sidecar is a distinct error", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFileName), []byte("{nope"), 0o644))

		idx, err := New(dir)
		require.NoError(t, err)
		err = idx.Load(ctx)
		assert.ErrorContains(t, err, "corrupted")
	})

	t.Run("corrupted graph blob is a distinct error", func(t *testing.T) {
		dir := t.TempDir()
		idx, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, idx.Add(ctx, doc("a", 1, 0)))
		require.NoError(t, idx.Persist(ctx))
		require.NoError(t, os.WriteFile(filepath.Join(dir, GraphFileName), []byte("not a graph blob"), 0o644))

		restored, err := New(dir)
		require.NoError(t, err)
		err = restored.Load(ctx)
		assert.ErrorIs(t, err, persistence.ErrCorrupted)
	})

	t.Run("sidecar without blob rebuilds the graph", func(t *testing.T) {
		dir := t.TempDir()
		idx, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, idx.Add(ctx, doc("a", 1, 0)))
		require.NoError(t, idx.Add(ctx, doc("b", 0, 1)))
		require.NoError(t, idx.Persist(ctx))
		require.NoError(t, os.Remove(filepath.Join(dir, GraphFileName)))

		restored, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, restored.Load(ctx))

		hits, err := restored.Search(ctx, []float32{1, 0}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "a", hits[0].Document.ID)
	})

	t.Run("persist after remove then load keeps the state", func(t *testing.T) {
		dir := t.TempDir()
		idx, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, idx.Add(ctx, doc("a", 1, 0)))
		require.NoError(t, idx.Persist(ctx))
		require.NoError(t, idx.Remove(ctx, "a"))
		require.NoError(t, idx.Persist(ctx))

		restored, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, restored.Load(ctx))
		assert.Equal(t, 0, restored.Size())
	})
}

func TestConcurrentPersist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx, err := New(dir)
	require.NoError(t, err)

	for i := range 32 {
		require.NoError(t, idx.Add(ctx, doc(string(rune('a'+i)), float32(i), 1)))
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = idx.Persist(ctx)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	restored, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, 32, restored.Size())
}
