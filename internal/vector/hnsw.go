package vector

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// Config holds the tunable HNSW parameters (spec §4.2).
type Config struct {
	M               int     // max neighbours per node per non-zero layer
	EfConstruction  int     // candidate list size during construction
	EfSearch        int     // candidate list size during search
	LevelMultiplier float64 // 1/ln(M); controls the random level distribution
	Epsilon         float64 // tolerated deviation of ‖v‖ from 1 on Add/Update
}

// DefaultConfig returns the spec's default tuning (M=16, ef_construction=200,
// ef_search=100).
func DefaultConfig() Config {
	return Config{
		M:               16,
		EfConstruction:  200,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
		Epsilon:         1e-4,
	}
}

// maxConnections returns M at layer 0 is 2M (M0 per spec §4.2), M elsewhere.
func (c Config) maxConnections(level int) int {
	if level == 0 {
		return 2 * c.M
	}
	return c.M
}

type node struct {
	label     int64
	vector    []float32
	level     int
	neighbors [][]int64
	mu        sync.RWMutex
}

// Index is a hierarchical navigable small-world graph tuned for cosine
// distance (1 - dot) on unit-length vectors, keyed by integer label per the
// entry_id <-> label bijection CoreBrain's storage layer maintains.
type Index struct {
	config     Config
	dimensions int

	mu            sync.RWMutex
	nodes         map[int64]*node
	entryPoint    int64
	hasEntryPoint bool
	maxLevel      int
}

// NewIndex constructs an empty index for the given dimensionality.
func NewIndex(dimensions int, config Config) *Index {
	if config.M == 0 {
		config = DefaultConfig()
	}
	return &Index{
		config:     config,
		dimensions: dimensions,
		nodes:      make(map[int64]*node),
	}
}

// Dimensions reports the fixed vector dimensionality this index was created
// with.
func (idx *Index) Dimensions() int { return idx.dimensions }

// Size returns the number of indexed vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

func (idx *Index) validate(vec []float32) error {
	if len(vec) != idx.dimensions {
		return ErrDimensionMismatch
	}
	if !IsUnitLength(vec, idx.config.Epsilon) {
		return ErrNotUnitLength
	}
	return nil
}

// Add inserts vec under label. vec must already be unit-length within the
// index's configured epsilon; the index does not normalize on insert.
func (idx *Index) Add(label int64, vec []float32) error {
	if err := idx.validate(vec); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[label]; exists {
		return ErrLabelExists
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)

	level := idx.randomLevel()
	n := &node{
		label:     label,
		vector:    stored,
		level:     level,
		neighbors: make([][]int64, level+1),
	}
	for i := range n.neighbors {
		n.neighbors[i] = make([]int64, 0, idx.config.maxConnections(i))
	}
	idx.nodes[label] = n

	if !idx.hasEntryPoint {
		idx.entryPoint = label
		idx.hasEntryPoint = true
		idx.maxLevel = level
		return nil
	}

	ep := idx.entryPoint
	epLevel := idx.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = idx.searchLayerSingle(stored, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := idx.searchLayer(stored, ep, idx.config.EfConstruction, l)
		neighbors := idx.selectNeighbors(stored, candidates, idx.config.maxConnections(l))
		n.neighbors[l] = neighbors

		for _, neighborLabel := range neighbors {
			neighbor := idx.nodes[neighborLabel]
			neighbor.mu.Lock()
			maxConn := idx.config.maxConnections(l)
			if len(neighbor.neighbors) > l {
				if len(neighbor.neighbors[l]) < maxConn {
					neighbor.neighbors[l] = append(neighbor.neighbors[l], label)
				} else {
					merged := append(append([]int64{}, neighbor.neighbors[l]...), label)
					neighbor.neighbors[l] = idx.selectNeighbors(neighbor.vector, merged, maxConn)
				}
			}
			neighbor.mu.Unlock()
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > idx.maxLevel {
		idx.entryPoint = label
		idx.maxLevel = level
	}
	return nil
}

// Update replaces the vector stored under label, preserving the label
// (implemented as remove-then-add per spec §4.2).
func (idx *Index) Update(label int64, vec []float32) error {
	if err := idx.validate(vec); err != nil {
		return err
	}
	idx.mu.Lock()
	_, exists := idx.nodes[label]
	idx.mu.Unlock()
	if !exists {
		return ErrLabelNotFound
	}
	idx.Delete(label)
	return idx.Add(label, vec)
}

// Delete detaches label's node and removes it from every neighbour's
// adjacency list, maintaining graph connectivity. Returns ErrLabelNotFound
// for unknown labels.
func (idx *Index) Delete(label int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, exists := idx.nodes[label]
	if !exists {
		return ErrLabelNotFound
	}

	for l := 0; l <= n.level; l++ {
		for _, neighborLabel := range n.neighbors[l] {
			neighbor, ok := idx.nodes[neighborLabel]
			if !ok {
				continue
			}
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				filtered := neighbor.neighbors[l][:0:0]
				for _, nl := range neighbor.neighbors[l] {
					if nl != label {
						filtered = append(filtered, nl)
					}
				}
				neighbor.neighbors[l] = filtered
			}
			neighbor.mu.Unlock()
		}
	}

	delete(idx.nodes, label)

	if idx.entryPoint == label {
		idx.hasEntryPoint = false
		idx.maxLevel = 0
		for lbl, other := range idx.nodes {
			if !idx.hasEntryPoint || other.level > idx.maxLevel {
				idx.maxLevel = other.level
				idx.entryPoint = lbl
				idx.hasEntryPoint = true
			}
		}
	}
	return nil
}

// SearchResult is one ranked hit from Search, score = 1 - distance clamped
// to [0,1].
type SearchResult struct {
	Label int64
	Score float64
}

// Search performs a beam search with candidate list size ef_search and
// returns the k highest-scoring labels.
func (idx *Index) Search(query []float32, k int) ([]SearchResult, error) {
	if len(query) != idx.dimensions {
		return nil, ErrDimensionMismatch
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.nodes) == 0 {
		return []SearchResult{}, nil
	}

	ep := idx.entryPoint
	for l := idx.maxLevel; l > 0; l-- {
		ep = idx.searchLayerSingle(query, ep, l)
	}

	candidates := idx.searchLayer(query, ep, idx.config.EfSearch, 0)

	results := make([]SearchResult, 0, len(candidates))
	for _, label := range candidates {
		dist := 1.0 - DotProduct(query, idx.nodes[label].vector)
		score := 1.0 - dist
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		results = append(results, SearchResult{Label: label, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (idx *Index) searchLayerSingle(query []float32, entry int64, level int) int64 {
	current := entry
	currentDist := 1.0 - DotProduct(query, idx.nodes[current].vector)

	for {
		changed := false
		n := idx.nodes[current]
		n.mu.RLock()
		neighbors := n.neighbors[level]
		n.mu.RUnlock()

		for _, neighborLabel := range neighbors {
			neighbor := idx.nodes[neighborLabel]
			dist := 1.0 - DotProduct(query, neighbor.vector)
			if dist < currentDist {
				current = neighborLabel
				currentDist = dist
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return current
}

func (idx *Index) searchLayer(query []float32, entry int64, ef int, level int) []int64 {
	visited := map[int64]bool{entry: true}

	candidates := &distHeap{}
	heap.Init(candidates)
	results := &distHeap{}
	heap.Init(results)

	entryDist := 1.0 - DotProduct(query, idx.nodes[entry].vector)
	heap.Push(candidates, distItem{label: entry, dist: entryDist, isMax: false})
	heap.Push(results, distItem{label: entry, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)

		if results.Len() >= ef {
			furthest := (*results)[0]
			if closest.dist > furthest.dist {
				break
			}
		}

		n := idx.nodes[closest.label]
		if n.level < level {
			continue
		}
		n.mu.RLock()
		neighbors := n.neighbors[level]
		n.mu.RUnlock()

		for _, neighborLabel := range neighbors {
			if visited[neighborLabel] {
				continue
			}
			visited[neighborLabel] = true

			neighbor := idx.nodes[neighborLabel]
			dist := 1.0 - DotProduct(query, neighbor.vector)

			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, distItem{label: neighborLabel, dist: dist, isMax: false})
				heap.Push(results, distItem{label: neighborLabel, dist: dist, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]int64, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem).label
	}
	return out
}

// selectNeighbors applies the HNSW diversity heuristic: candidates are
// considered in ascending distance-to-query order; the closest is always
// kept, and a farther candidate is kept only if it is not "dominated" by
// (i.e. closer to) an already-selected neighbour than it is to the query.
func (idx *Index) selectNeighbors(query []float32, candidates []int64, m int) []int64 {
	type scored struct {
		label int64
		dist  float64
		vec   []float32
	}
	pool := make([]scored, len(candidates))
	for i, label := range candidates {
		v := idx.nodes[label].vector
		pool[i] = scored{label: label, dist: 1.0 - DotProduct(query, v), vec: v}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].dist < pool[j].dist })

	selected := make([]scored, 0, m)
	for _, c := range pool {
		if len(selected) >= m {
			break
		}
		dominated := false
		for _, s := range selected {
			if (1.0 - DotProduct(c.vec, s.vec)) < c.dist {
				dominated = true
				break
			}
		}
		if !dominated {
			selected = append(selected, c)
		}
	}

	out := make([]int64, len(selected))
	for i, s := range selected {
		out[i] = s.label
	}
	return out
}

func (idx *Index) randomLevel() int {
	r := rand.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(-math.Log(r) * idx.config.LevelMultiplier)
}

type distItem struct {
	label int64
	dist  float64
	isMax bool
}

type distHeap []distItem

func (h distHeap) Len() int { return len(h) }
func (h distHeap) Less(i, j int) bool {
	if h[i].isMax {
		return h[i].dist > h[j].dist
	}
	return h[i].dist < h[j].dist
}
func (h distHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x any)   { *h = append(*h, x.(distItem)) }
func (h *distHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
