// Package hnsw implements the Hierarchical Navigable Small World graph used
// as the ANN backend of the index.
//
// The graph is slot-addressed: callers assign dense uint32 slots and the
// graph never reassigns them. Logical deletion (tombstoning) is the owning
// index's concern; deleted slots stay in the graph for connectivity and are
// filtered out of results by the caller.
package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/engramdb/engram/distance"
)

// DefaultCapacity is the slot capacity a fresh graph reserves up front.
const DefaultCapacity = 1024

// GrowthChunk is the number of slots added per capacity extension. Growing
// in chunks rather than per insert amortizes the resize cost.
const GrowthChunk = 10_000

// Node is a single element of the graph.
type Node struct {
	Slot        uint32     // Slot is the dense identifier assigned by the caller.
	Vector      []float32  // Vector holds the stored embedding.
	Layer       int        // Layer is the highest graph layer the node lives on.
	Connections [][]uint32 // Connections[l] lists neighbor slots on layer l.
}

// Options represents the options for configuring the graph.
type Options struct {
	// M specifies the number of established connections for every new
	// element during construction. The range 12-48 works for most use cases.
	M int

	// EFConstruction is the size of the dynamic candidate list while
	// building the graph. Larger values improve recall at build-time cost.
	EFConstruction int

	// EFSearch is the default size of the dynamic candidate list during
	// search when the caller does not override it.
	EFSearch int

	// Metric selects the distance function. The index stores raw vectors
	// and converts distances to scores at a higher layer.
	Metric distance.Metric

	// Seed makes level assignment deterministic when non-zero. Used by tests.
	Seed int64
}

// DefaultOptions are the default configuration options for the graph.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EFSearch:       100,
	Metric:         distance.MetricCosine,
}

// Candidate is a raw search hit: a slot and its distance to the query.
type Candidate struct {
	Slot     uint32
	Distance float32
}

// Graph is the HNSW graph.
type Graph struct {
	mu        sync.RWMutex
	dimension int
	mmax      int     // max connections per layer
	mmax0     int     // max connections on layer 0
	ml        float64 // normalization factor for level generation
	ep        uint32  // entry point slot
	maxLevel  int
	count     int
	nodes     []*Node // indexed by slot; nil entries are unallocated
	distFn    distance.Func
	rng       *rand.Rand
	opts      Options
}

// New creates a graph for vectors of the given dimension.
func New(dimension int, optFns ...func(o *Options)) (*Graph, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if dimension <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension %d", dimension)
	}
	if opts.M < 2 {
		// M == 1 would make the level normalization factor divide by zero.
		opts.M = 2
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}

	var src rand.Source
	if opts.Seed != 0 {
		src = rand.NewSource(opts.Seed)
	} else {
		src = rand.NewSource(rand.Int63())
	}

	return &Graph{
		dimension: dimension,
		mmax:      opts.M,
		mmax0:     2 * opts.M,
		ml:        1 / math.Log(float64(opts.M)),
		nodes:     make([]*Node, 0, DefaultCapacity),
		distFn:    distance.Provider(opts.Metric),
		rng:       rand.New(src),
		opts:      opts,
	}, nil
}

// Dimension returns the fixed vector dimensionality.
func (g *Graph) Dimension() int { return g.dimension }

// Len returns the number of inserted nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.count
}

// Capacity returns the number of slots currently reserved.
func (g *Graph) Capacity() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return cap(g.nodes)
}

// Reserve grows the slot capacity to at least n, rounded up to the next
// GrowthChunk boundary. Shrinking is not supported.
func (g *Graph) Reserve(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserveLocked(n)
}

func (g *Graph) reserveLocked(n int) {
	if n <= cap(g.nodes) {
		return
	}
	rounded := ((n + GrowthChunk - 1) / GrowthChunk) * GrowthChunk
	grown := make([]*Node, len(g.nodes), rounded)
	copy(grown, g.nodes)
	g.nodes = grown
}

// Add inserts a vector at the given slot. Slots must not be reused: inserting
// into an occupied slot is an error, the caller retires slots instead.
func (g *Graph) Add(slot uint32, v []float32) error {
	if len(v) != g.dimension {
		return fmt.Errorf("hnsw: dimension mismatch: expected %d, got %d", g.dimension, len(v))
	}

	// Copy so later caller mutations cannot corrupt the graph.
	vec := make([]float32, len(v))
	copy(vec, v)

	g.mu.Lock()
	defer g.mu.Unlock()

	if int(slot) < len(g.nodes) && g.nodes[slot] != nil {
		return fmt.Errorf("hnsw: slot %d already occupied", slot)
	}
	g.reserveLocked(int(slot) + 1)
	for len(g.nodes) <= int(slot) {
		g.nodes = append(g.nodes, nil)
	}

	node := &Node{
		Slot:        slot,
		Vector:      vec,
		Layer:       int(math.Floor(-math.Log(g.rng.Float64()) * g.ml)),
		Connections: make([][]uint32, g.mmax+1),
	}

	if g.count == 0 {
		g.nodes[slot] = node
		g.ep = slot
		g.maxLevel = node.Layer
		g.count = 1
		return nil
	}

	// Greedy descent through the layers above the node's top layer.
	curr, currDist := g.descend(vec, g.ep, g.maxLevel, node.Layer)

	for level := min(node.Layer, g.maxLevel); level >= 0; level-- {
		candidates := g.searchLayer(vec, curr, currDist, g.opts.EFConstruction, level)
		neighbors := g.selectNeighbors(candidates, g.mmax)

		for level >= len(node.Connections) {
			node.Connections = append(node.Connections, nil)
		}
		node.Connections[level] = neighbors
		if len(neighbors) > 0 {
			curr = neighbors[0]
			currDist = g.distFn(vec, g.nodes[curr].Vector)
		}
	}

	g.nodes[slot] = node
	g.count++

	for level := min(node.Layer, g.maxLevel); level >= 0; level-- {
		for _, neighbor := range node.Connections[level] {
			g.link(neighbor, slot, level)
		}
	}

	if node.Layer > g.maxLevel {
		g.ep = slot
		g.maxLevel = node.Layer
	}

	return nil
}

// Search returns up to k candidates nearest to q, closest first. ef overrides
// the default search list size when > 0. Deleted-slot filtering happens in
// the caller; the graph returns every reachable slot.
func (g *Graph) Search(q []float32, k, ef int) ([]Candidate, error) {
	if len(q) != g.dimension {
		return nil, fmt.Errorf("hnsw: dimension mismatch: expected %d, got %d", g.dimension, len(q))
	}
	if k <= 0 {
		return nil, fmt.Errorf("hnsw: k must be positive, got %d", k)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.count == 0 {
		return nil, nil
	}

	if ef <= 0 {
		ef = g.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	curr, currDist := g.descend(q, g.ep, g.maxLevel, 0)
	found := g.searchLayer(q, curr, currDist, ef, 0)

	sort.Slice(found, func(i, j int) bool { return found[i].Distance < found[j].Distance })
	if len(found) > k {
		found = found[:k]
	}
	return found, nil
}

// descend walks greedily from slot start at layer from down to layer to+1,
// returning the closest slot found and its distance to q.
func (g *Graph) descend(q []float32, start uint32, from, to int) (uint32, float32) {
	curr := start
	currDist := g.distFn(q, g.nodes[curr].Vector)

	for level := from; level > to; level-- {
		changed := true
		for changed {
			changed = false
			node := g.nodes[curr]
			if level >= len(node.Connections) {
				continue
			}
			for _, neighbor := range node.Connections[level] {
				d := g.distFn(q, g.nodes[neighbor].Vector)
				if d < currDist {
					curr = neighbor
					currDist = d
					changed = true
				}
			}
		}
	}
	return curr, currDist
}

// searchLayer performs a beam search on one layer and returns up to ef
// candidates, unordered.
func (g *Graph) searchLayer(q []float32, entry uint32, entryDist float32, ef, level int) []Candidate {
	var visited bitset.BitSet
	visited.Set(uint(entry))

	candidates := &priorityQueue{Order: false}
	heap.Init(candidates)
	heap.Push(candidates, queueItem{Slot: entry, Distance: entryDist})

	results := &priorityQueue{Order: true}
	heap.Init(results)
	heap.Push(results, queueItem{Slot: entry, Distance: entryDist})

	for candidates.Len() > 0 {
		curr := heap.Pop(candidates).(queueItem)
		if curr.Distance > results.Top().Distance && results.Len() >= ef {
			break
		}

		node := g.nodes[curr.Slot]
		if level >= len(node.Connections) {
			continue
		}
		for _, neighbor := range node.Connections[level] {
			if visited.Test(uint(neighbor)) {
				continue
			}
			visited.Set(uint(neighbor))

			d := g.distFn(q, g.nodes[neighbor].Vector)
			if results.Len() < ef {
				heap.Push(candidates, queueItem{Slot: neighbor, Distance: d})
				heap.Push(results, queueItem{Slot: neighbor, Distance: d})
			} else if d < results.Top().Distance {
				heap.Push(candidates, queueItem{Slot: neighbor, Distance: d})
				heap.Pop(results)
				heap.Push(results, queueItem{Slot: neighbor, Distance: d})
			}
		}
	}

	out := make([]Candidate, 0, results.Len())
	for _, it := range results.Items {
		out = append(out, Candidate{Slot: it.Slot, Distance: it.Distance})
	}
	return out
}

// selectNeighbors keeps the m closest candidates, closest first.
func (g *Graph) selectNeighbors(candidates []Candidate, m int) []uint32 {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]uint32, len(candidates))
	for i, c := range candidates {
		out[i] = c.Slot
	}
	return out
}

// link adds an edge from first to second on the given level, pruning back to
// the connection limit when exceeded.
func (g *Graph) link(first, second uint32, level int) {
	maxConnections := g.mmax
	if level == 0 {
		maxConnections = g.mmax0
	}

	node := g.nodes[first]
	for level >= len(node.Connections) {
		node.Connections = append(node.Connections, nil)
	}
	node.Connections[level] = append(node.Connections[level], second)

	if len(node.Connections[level]) <= maxConnections {
		return
	}

	pruned := make([]Candidate, 0, len(node.Connections[level]))
	for _, slot := range node.Connections[level] {
		pruned = append(pruned, Candidate{
			Slot:     slot,
			Distance: g.distFn(node.Vector, g.nodes[slot].Vector),
		})
	}
	node.Connections[level] = g.selectNeighbors(pruned, maxConnections)
}
