// Package index provides a persistent, mutable approximate-nearest-neighbor
// index over fixed-dimension float32 vectors.
//
// Documents are addressed by caller-visible string ids; internally each live
// id owns exactly one dense uint32 slot in the HNSW backend. Slots are never
// reused within an index generation: deleting or replacing a document retires
// its slot, so a stale backend hit can always be mapped back to "deleted" and
// dropped. Retired slots are reclaimed only by Compact, which starts a new
// generation.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/singleflight"

	"github.com/engramdb/engram/codec"
	"github.com/engramdb/engram/distance"
	"github.com/engramdb/engram/index/hnsw"
	"github.com/engramdb/engram/metadata"
)

// Persisted file names, sibling files inside the index directory.
const (
	MetadataFileName = "index.json"
	GraphFileName    = "hnsw.bin"
)

// Document is a stored vector with its caller-visible id and metadata.
// Documents are immutable once stored; re-adding the same id is modeled as
// delete-then-insert.
type Document struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Metadata metadata.Metadata `json:"metadata,omitempty"`
}

// SearchResult is a ranked hit.
type SearchResult struct {
	Document Document
	// Score is the cosine similarity (1 - cosine distance), higher is closer.
	Score float32
}

// SearchOptions configure a single search call.
type SearchOptions struct {
	// ScoreThreshold drops results scoring below it. The default accepts
	// everything (cosine scores can be negative, so zero is not neutral).
	ScoreThreshold float32

	// Filter, when set, keeps only documents whose metadata matches every
	// predicate (exact-match post-filtering).
	Filter *metadata.FilterSet

	// EF overrides the backend search list size. 0 uses the graph default.
	EF int
}

// Options contains configuration for the index.
type Options struct {
	// DefaultCapacity is the slot capacity of a fresh backend.
	DefaultCapacity int

	// LoadHeadroom is the extra slot capacity reserved beyond nextSlot when
	// rebuilding the backend from persisted state.
	LoadHeadroom int

	// OverfetchFactor is how many times k the backend is asked for, to
	// absorb hits on retired slots. Under heavy delete churn an overfetch
	// of 3 can still under-return k results; this is an accepted
	// approximation, not a correctness bug.
	OverfetchFactor int

	// BatchBudgetBytes caps the estimated memory of one AddBatch call.
	BatchBudgetBytes int

	// PerDocOverheadBytes is the fixed bookkeeping cost charged per
	// document in the batch estimate.
	PerDocOverheadBytes int

	// Graph configures the HNSW backend.
	Graph []func(o *hnsw.Options)

	// Codec encodes the JSON sidecar. Defaults to codec.Default.
	Codec codec.Codec
}

// DefaultOptions are the default index options.
var DefaultOptions = Options{
	DefaultCapacity:     hnsw.DefaultCapacity,
	LoadHeadroom:        1024,
	OverfetchFactor:     3,
	BatchBudgetBytes:    32 << 20,
	PerDocOverheadBytes: 64,
}

// Index is a persistent ANN index with soft-delete.
//
// Mutators (Add, AddBatch, Remove, Clear, Load, Compact) serialize on one
// mutex; Search runs against the last committed state under the read side.
// Persist is single-flight: concurrent callers share one in-flight write.
type Index struct {
	mu   sync.RWMutex
	opts Options
	dir  string

	dimension int
	nextSlot  uint32
	docs      map[string]Document // live documents only
	idToSlot  map[string]uint32   // live and tombstoned ids
	slotToID  map[uint32]string   // every allocated slot, including retired
	tombstone map[string]struct{} // ids deleted but not yet compacted away
	retired   *roaring.Bitmap     // slots no longer current (deleted or replaced)
	graph     *hnsw.Graph         // nil until the dimension is fixed

	persistGroup singleflight.Group
}

// New creates an index persisting into dir. The directory is a required
// parameter; nothing is read from disk until Load is called.
func New(dir string, optFns ...func(o *Options)) (*Index, error) {
	if dir == "" {
		return nil, fmt.Errorf("index: storage directory is required")
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.OverfetchFactor < 1 {
		opts.OverfetchFactor = 1
	}

	idx := &Index{
		opts: opts,
		dir:  dir,
	}
	idx.resetLocked()
	return idx, nil
}

// Dir returns the storage directory.
func (idx *Index) Dir() string { return idx.dir }

// Dimension returns the fixed vector dimension, or 0 before the first insert.
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dimension
}

// Size returns the number of live (non-tombstoned) documents.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// resetLocked restores the pre-first-insert state. Caller holds mu (or has
// exclusive access during construction).
func (idx *Index) resetLocked() {
	idx.dimension = 0
	idx.nextSlot = 0
	idx.docs = make(map[string]Document)
	idx.idToSlot = make(map[string]uint32)
	idx.slotToID = make(map[uint32]string)
	idx.tombstone = make(map[string]struct{})
	idx.retired = roaring.New()
	idx.graph = nil
}

// validateVector checks finiteness and, when the dimension is already fixed,
// the vector width. Called before any mutation.
func (idx *Index) validateVector(v []float32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	if !distance.IsFinite(v) {
		return ErrNonFiniteVector
	}
	if idx.dimension > 0 && len(v) != idx.dimension {
		return &ErrDimensionMismatch{Expected: idx.dimension, Actual: len(v)}
	}
	return nil
}

// Add inserts a document. The vector dimension is fixed by the first insert
// and immutable afterward. Adding an existing id retires its old slot and
// allocates a fresh one (update-as-delete-then-insert). State changes are
// in-memory only; persistence is explicit via Persist.
func (idx *Index) Add(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc.ID == "" {
		return ErrEmptyID
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.validateVector(doc.Vector); err != nil {
		return err
	}
	return idx.addLocked(doc)
}

func (idx *Index) addLocked(doc Document) error {
	if idx.dimension == 0 {
		g, err := hnsw.New(len(doc.Vector), idx.opts.Graph...)
		if err != nil {
			return err
		}
		g.Reserve(idx.opts.DefaultCapacity)
		idx.graph = g
		idx.dimension = len(doc.Vector)
	}

	slot := idx.nextSlot
	if int(slot) >= idx.graph.Capacity() {
		// Grow geometrically in chunks instead of per insert.
		idx.graph.Reserve(int(slot) + hnsw.GrowthChunk)
	}

	if err := idx.graph.Add(slot, doc.Vector); err != nil {
		return err
	}
	idx.nextSlot++

	// Retire the previous slot, if any. The old slot keeps its reverse
	// mapping so stale backend hits resolve to "not current" and drop.
	if oldSlot, ok := idx.idToSlot[doc.ID]; ok {
		idx.retired.Add(oldSlot)
	}
	delete(idx.tombstone, doc.ID)

	stored := doc
	stored.Vector = make([]float32, len(doc.Vector))
	copy(stored.Vector, doc.Vector)
	stored.Metadata = doc.Metadata.Clone()

	idx.docs[doc.ID] = stored
	idx.idToSlot[doc.ID] = slot
	idx.slotToID[slot] = doc.ID
	return nil
}

// AddBatch validates the whole batch before mutating any state. A batch whose
// estimated memory footprint exceeds the configured budget fails entirely.
func (idx *Index) AddBatch(ctx context.Context, docs []Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// All-or-nothing validation. When the index dimension is still unset,
	// the first document of the batch fixes it for the rest.
	expected := idx.dimension
	estimated := 0
	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document %d: %w", i, ErrEmptyID)
		}
		if len(doc.Vector) == 0 {
			return fmt.Errorf("document %d: %w", i, ErrEmptyVector)
		}
		if !distance.IsFinite(doc.Vector) {
			return fmt.Errorf("document %d: %w", i, ErrNonFiniteVector)
		}
		if expected == 0 {
			expected = len(doc.Vector)
		} else if len(doc.Vector) != expected {
			return &ErrDimensionMismatch{Expected: expected, Actual: len(doc.Vector)}
		}
		estimated += 4*len(doc.Vector) + doc.Metadata.EstimateSize() + idx.opts.PerDocOverheadBytes
	}

	if estimated > idx.opts.BatchBudgetBytes {
		return &ErrBatchBudgetExceeded{Estimated: estimated, Budget: idx.opts.BatchBudgetBytes}
	}

	for _, doc := range docs {
		if err := idx.addLocked(doc); err != nil {
			return err
		}
	}
	return nil
}

// Search performs a k-nearest-neighbor cosine search. An empty index returns
// no results and no error; a dimension mismatch is still an error once the
// dimension has been fixed.
func (idx *Index) Search(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}

	opts := SearchOptions{
		ScoreThreshold: float32(math.Inf(-1)),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.dimension == 0 || len(idx.docs) == 0 {
		return nil, nil
	}
	if len(query) != idx.dimension {
		return nil, &ErrDimensionMismatch{Expected: idx.dimension, Actual: len(query)}
	}
	if !distance.IsFinite(query) {
		return nil, ErrNonFiniteVector
	}

	// Over-fetch to absorb hits on retired slots. Bounded by the live count:
	// fetching more than every live document cannot help.
	live := len(idx.docs)
	fetch := min(k*idx.opts.OverfetchFactor, live+int(idx.retired.GetCardinality()))
	if fetch < k {
		fetch = k
	}

	// EF 0 falls through to the graph's default; the graph raises it to at
	// least fetch on its own.
	candidates, err := idx.graph.Search(query, fetch, opts.EF)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, min(k, len(candidates)))
	for _, c := range candidates {
		if idx.retired.Contains(c.Slot) {
			continue
		}
		id, ok := idx.slotToID[c.Slot]
		if !ok {
			continue
		}
		if _, dead := idx.tombstone[id]; dead {
			continue
		}
		doc, ok := idx.docs[id]
		if !ok {
			continue
		}

		score := 1 - c.Distance
		if score < opts.ScoreThreshold {
			continue
		}
		if opts.Filter != nil && !opts.Filter.Matches(doc.Metadata) {
			continue
		}

		results = append(results, SearchResult{Document: doc, Score: score})
		if len(results) == k {
			break
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// Get returns a live document by id. Tombstoned and unknown ids return false.
func (idx *Index) Get(id string) (Document, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	doc, ok := idx.docs[id]
	return doc, ok
}

// Remove tombstones a document. Removing an unknown id is a no-op, not an
// error. The slot stays allocated until Compact.
func (idx *Index) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot, ok := idx.idToSlot[id]
	if !ok {
		return nil
	}
	if _, dead := idx.tombstone[id]; dead {
		return nil
	}

	idx.tombstone[id] = struct{}{}
	idx.retired.Add(slot)
	delete(idx.docs, id)
	return nil
}

// Clear resets the index to its pre-first-insert state: the dimension becomes
// negotiable again. Persisted files are untouched until the next Persist.
func (idx *Index) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.resetLocked()
	return nil
}

// Compact reconciles tombstones: it rebuilds the backend from live documents
// only, starting a fresh slot generation. Retired slots are reclaimed.
func (idx *Index) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.dimension == 0 {
		return nil
	}

	live := make([]Document, 0, len(idx.docs))
	for _, doc := range idx.docs {
		live = append(live, doc)
	}
	// Deterministic slot assignment across compactions.
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	dim := idx.dimension
	idx.resetLocked()
	for _, doc := range live {
		if err := idx.addLocked(doc); err != nil {
			return fmt.Errorf("index: compact rebuild: %w", err)
		}
	}
	if idx.dimension == 0 {
		// All documents were tombstoned; keep the dimension fixed anyway,
		// compaction is not Clear.
		g, err := hnsw.New(dim, idx.opts.Graph...)
		if err != nil {
			return err
		}
		g.Reserve(idx.opts.DefaultCapacity)
		idx.graph = g
		idx.dimension = dim
	}
	return nil
}
