package vector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// serializedNode is the JSON-friendly twin of node.
type serializedNode struct {
	Label     int64     `json:"label"`
	Vector    []float32 `json:"vector"`
	Level     int       `json:"level"`
	Neighbors [][]int64 `json:"neighbors"`
}

// serializedIndex is the full on-disk representation of an Index: entry
// point, per-node level, and per-layer neighbour arrays (spec §4.2).
type serializedIndex struct {
	Dimensions    int              `json:"dimensions"`
	Config        Config           `json:"config"`
	EntryPoint    int64            `json:"entry_point"`
	HasEntryPoint bool             `json:"has_entry_point"`
	MaxLevel      int              `json:"max_level"`
	Nodes         []serializedNode `json:"nodes"`
}

// Serialize writes the index's full state to w as a blake2b-content-hashed
// payload: a 32-byte blake2b-256 checksum of the payload, then the JSON
// payload itself. Deserialize verifies the checksum before trusting the contents,
// the same corruption-detection shape the teacher applies to its WAL.
func (idx *Index) Serialize(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	s := serializedIndex{
		Dimensions:    idx.dimensions,
		Config:        idx.config,
		EntryPoint:    idx.entryPoint,
		HasEntryPoint: idx.hasEntryPoint,
		MaxLevel:      idx.maxLevel,
		Nodes:         make([]serializedNode, 0, len(idx.nodes)),
	}
	for _, n := range idx.nodes {
		s.Nodes = append(s.Nodes, serializedNode{
			Label:     n.label,
			Vector:    n.vector,
			Level:     n.level,
			Neighbors: n.neighbors,
		})
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("corebrain/vector: marshal index: %w", err)
	}

	sum := blake2b.Sum256(payload)
	if _, err := w.Write(sum[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// Deserialize reconstructs an Index previously written by Serialize,
// returning ErrCorrupt if the recorded checksum does not match the payload.
func Deserialize(r io.Reader) (*Index, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < blake2b.Size256 {
		return nil, ErrCorrupt
	}
	sum, payload := data[:blake2b.Size256], data[blake2b.Size256:]
	got := blake2b.Sum256(payload)
	if !bytes.Equal(sum, got[:]) {
		return nil, ErrCorrupt
	}

	var s serializedIndex
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("corebrain/vector: unmarshal index: %w", err)
	}

	idx := &Index{
		config:        s.Config,
		dimensions:    s.Dimensions,
		nodes:         make(map[int64]*node, len(s.Nodes)),
		entryPoint:    s.EntryPoint,
		hasEntryPoint: s.HasEntryPoint,
		maxLevel:      s.MaxLevel,
	}
	for _, sn := range s.Nodes {
		idx.nodes[sn.Label] = &node{
			label:     sn.Label,
			vector:    sn.Vector,
			level:     sn.Level,
			neighbors: sn.Neighbors,
		}
	}
	return idx, nil
}
