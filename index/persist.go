package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/engramdb/engram/index/hnsw"
	"github.com/engramdb/engram/persistence"
)

// docPair serializes as the JSON pair [id, document].
type docPair struct {
	ID  string
	Doc Document
}

func (p docPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Doc})
}

func (p *docPair) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Doc)
}

// idSlotPair serializes as the JSON pair [id, slot].
type idSlotPair struct {
	ID   string
	Slot uint32
}

func (p idSlotPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Slot})
}

func (p *idSlotPair) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Slot)
}

// slotIDPair serializes as the JSON pair [slot, id].
type slotIDPair struct {
	Slot uint32
	ID   string
}

func (p slotIDPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Slot, p.ID})
}

func (p *slotIDPair) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.Slot); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.ID)
}

// sidecar is the on-disk shape of index.json.
type sidecar struct {
	Dimension  int          `json:"dimension"`
	NextSlot   uint32       `json:"nextSlot"`
	Documents  []docPair    `json:"documents"`
	IDToSlot   []idSlotPair `json:"idToSlot"`
	SlotToID   []slotIDPair `json:"slotToId"`
	Tombstones []string     `json:"tombstones"`
}

// Persist serializes the index to its directory: index.json (UTF-8 JSON
// sidecar) plus hnsw.bin (the backend's native blob), written atomically.
//
// Persist is single-flight: a caller arriving while a write is in flight
// waits for that write and shares its result instead of racing a second
// write against the same files.
func (idx *Index) Persist(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err, _ := idx.persistGroup.Do("persist", func() (any, error) {
		return nil, idx.persistOnce()
	})
	return err
}

func (idx *Index) persistOnce() error {
	idx.mu.RLock()

	side := sidecar{
		Dimension:  idx.dimension,
		NextSlot:   idx.nextSlot,
		Documents:  make([]docPair, 0, len(idx.docs)),
		IDToSlot:   make([]idSlotPair, 0, len(idx.idToSlot)),
		SlotToID:   make([]slotIDPair, 0, len(idx.slotToID)),
		Tombstones: make([]string, 0, len(idx.tombstone)),
	}
	for id, doc := range idx.docs {
		side.Documents = append(side.Documents, docPair{ID: id, Doc: doc})
	}
	for id, slot := range idx.idToSlot {
		side.IDToSlot = append(side.IDToSlot, idSlotPair{ID: id, Slot: slot})
	}
	for slot, id := range idx.slotToID {
		side.SlotToID = append(side.SlotToID, slotIDPair{Slot: slot, ID: id})
	}
	for id := range idx.tombstone {
		side.Tombstones = append(side.Tombstones, id)
	}

	// Stable ordering keeps the sidecar diffable across persists.
	sort.Slice(side.Documents, func(i, j int) bool { return side.Documents[i].ID < side.Documents[j].ID })
	sort.Slice(side.IDToSlot, func(i, j int) bool { return side.IDToSlot[i].ID < side.IDToSlot[j].ID })
	sort.Slice(side.SlotToID, func(i, j int) bool { return side.SlotToID[i].Slot < side.SlotToID[j].Slot })
	sort.Strings(side.Tombstones)

	sidecarBytes, err := idx.opts.Codec.Marshal(side)
	if err != nil {
		idx.mu.RUnlock()
		return fmt.Errorf("index: encode sidecar: %w", err)
	}

	var blob bytes.Buffer
	if idx.graph != nil {
		if err := idx.graph.Encode(&blob); err != nil {
			idx.mu.RUnlock()
			return err
		}
	}
	idx.mu.RUnlock()

	files := map[string]func(io.Writer) error{
		MetadataFileName: func(w io.Writer) error {
			_, err := w.Write(sidecarBytes)
			return err
		},
	}
	if blob.Len() > 0 {
		files[GraphFileName] = func(w io.Writer) error {
			_, err := w.Write(blob.Bytes())
			return err
		}
	}

	return persistence.AtomicSaveToDir(idx.dir, files)
}

// Load replaces the in-memory state with the persisted state from the index
// directory. Missing files are not an error: the index stays empty (fresh
// store). A sidecar that exists but fails to parse is a distinct corrupted
// persistence error, never swallowed.
func (idx *Index) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, found, err := persistence.ReadFile(idx.dir, MetadataFileName)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !found {
		idx.resetLocked()
		return nil
	}

	var side sidecar
	if err := idx.opts.Codec.Unmarshal(raw, &side); err != nil {
		return persistence.Corrupted(MetadataFileName, err)
	}

	idx.resetLocked()
	idx.dimension = side.Dimension
	idx.nextSlot = side.NextSlot
	for _, p := range side.Documents {
		p.Doc.Metadata.Rehydrate()
		idx.docs[p.ID] = p.Doc
	}
	for _, p := range side.IDToSlot {
		idx.idToSlot[p.ID] = p.Slot
	}
	for _, p := range side.SlotToID {
		idx.slotToID[p.Slot] = p.ID
	}
	for _, id := range side.Tombstones {
		idx.tombstone[id] = struct{}{}
	}

	// Rebuild the retired-slot set: tombstoned ids plus slots whose reverse
	// mapping no longer points at the current slot (replaced documents).
	for slot, id := range idx.slotToID {
		if current, ok := idx.idToSlot[id]; !ok || current != slot {
			idx.retired.Add(slot)
			continue
		}
		if _, dead := idx.tombstone[id]; dead {
			idx.retired.Add(slot)
		}
	}

	if idx.dimension == 0 {
		return nil
	}

	capacity := max(idx.opts.DefaultCapacity, int(idx.nextSlot)+idx.opts.LoadHeadroom)
	g, err := hnsw.New(idx.dimension, idx.opts.Graph...)
	if err != nil {
		return err
	}
	g.Reserve(capacity)

	blob, blobFound, err := persistence.ReadFile(idx.dir, GraphFileName)
	if err != nil {
		return err
	}
	if blobFound {
		if err := g.Decode(bytes.NewReader(blob)); err != nil {
			return persistence.Corrupted(GraphFileName, err)
		}
		g.Reserve(capacity)
	} else {
		// Sidecar without blob: rebuild the graph from live documents at
		// their recorded slots. Retired slots stay empty; they are filtered
		// out of search results anyway.
		for id, doc := range idx.docs {
			slot, ok := idx.idToSlot[id]
			if !ok {
				return persistence.Corrupted(MetadataFileName, fmt.Errorf("document %q has no slot", id))
			}
			if err := g.Add(slot, doc.Vector); err != nil {
				return fmt.Errorf("index: rebuild graph: %w", err)
			}
		}
	}

	idx.graph = g
	return nil
}
