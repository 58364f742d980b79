package hnsw

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/engramdb/engram/distance"
)

// Blob format: a fixed header followed by a zstd-compressed gob payload.
// The blob is the graph's native serialization and is opaque to callers;
// the owning index persists it next to its JSON sidecar.
const (
	blobMagic   uint32 = 0x45484E53 // "EHNS"
	blobVersion uint16 = 1
)

type blobPayload struct {
	Dimension int
	EP        uint32
	MaxLevel  int
	SlotCount int // total slot range, including unallocated gaps
	Nodes     []Node
	Opts      Options
}

// Encode serializes the graph to w.
func (g *Graph) Encode(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var header [6]byte
	binary.LittleEndian.PutUint32(header[0:4], blobMagic)
	binary.LittleEndian.PutUint16(header[4:6], blobVersion)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("hnsw: write header: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("hnsw: create compressor: %w", err)
	}

	payload := blobPayload{
		Dimension: g.dimension,
		EP:        g.ep,
		MaxLevel:  g.maxLevel,
		SlotCount: len(g.nodes),
		Nodes:     make([]Node, 0, g.count),
		Opts:      g.opts,
	}
	// gob cannot encode nil pointers inside slices, so only live nodes are
	// written; gaps are restored from SlotCount on load.
	for _, n := range g.nodes {
		if n != nil {
			payload.Nodes = append(payload.Nodes, *n)
		}
	}

	if err := gob.NewEncoder(zw).Encode(payload); err != nil {
		_ = zw.Close()
		return fmt.Errorf("hnsw: encode graph: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("hnsw: flush compressor: %w", err)
	}
	return nil
}

// Decode replaces the graph state with the serialized state from r.
func (g *Graph) Decode(r io.Reader) error {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("hnsw: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != blobMagic {
		return fmt.Errorf("hnsw: bad magic, not a graph blob")
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != blobVersion {
		return fmt.Errorf("hnsw: unsupported blob version %d", v)
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("hnsw: create decompressor: %w", err)
	}
	defer zr.Close()

	var payload blobPayload
	if err := gob.NewDecoder(zr).Decode(&payload); err != nil {
		return fmt.Errorf("hnsw: decode graph: %w", err)
	}

	// A blob that gob-decodes can still be internally inconsistent; reject it
	// before touching graph state rather than panicking halfway through.
	if payload.SlotCount < len(payload.Nodes) {
		return fmt.Errorf("hnsw: decode graph: slot count %d below node count %d", payload.SlotCount, len(payload.Nodes))
	}
	nodes := make([]*Node, payload.SlotCount, max(payload.SlotCount, DefaultCapacity))
	for i := range payload.Nodes {
		n := payload.Nodes[i]
		if int(n.Slot) >= payload.SlotCount {
			return fmt.Errorf("hnsw: decode graph: node slot %d out of range %d", n.Slot, payload.SlotCount)
		}
		if nodes[n.Slot] != nil {
			return fmt.Errorf("hnsw: decode graph: duplicate node slot %d", n.Slot)
		}
		nodes[n.Slot] = &n
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.dimension = payload.Dimension
	g.ep = payload.EP
	g.maxLevel = payload.MaxLevel
	g.opts = payload.Opts
	g.mmax = payload.Opts.M
	g.mmax0 = 2 * payload.Opts.M
	g.nodes = nodes
	g.count = len(payload.Nodes)

	g.ml = 1
	if payload.Opts.M > 1 {
		g.ml = 1 / math.Log(float64(payload.Opts.M))
	}
	g.distFn = distance.Provider(payload.Opts.Metric)

	return nil
}
