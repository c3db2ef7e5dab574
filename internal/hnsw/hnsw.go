// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest-neighbour search. The index is generic over the scalar
// type of the stored vectors; distances are always float64 and come from a
// caller-supplied distance function, so the same graph serves squared
// euclidean, cosine, or any other symmetric non-negative score.
//
// Parameters:
//
//	M              = out-degree target per level for a new node
//	efConstruction = candidate pool size during insertion
//	Mmax           = round(1.5*M), degree cap for levels >= 1
//	Mmax0          = 2*M, degree cap for the base level
//
// The index is single-threaded: Insert, Search, and Clear all require
// exclusive access. Search draws the top-level entry point from the index's
// RNG, so it mutates state and counts as a write for any external locking.
package hnsw

import (
	"errors"
	"math"
	"math/rand"

	"github.com/screenager/prox/internal/distance"
)

// ErrEmptyIndex is returned by Search when no vectors have been inserted.
var ErrEmptyIndex = errors.New("hnsw: index is empty")

// SearchResult is a single nearest-neighbour hit. Vector aliases the stored
// slice and is valid only until the next mutating call; ID can be used for
// lookups in caller-side tables keyed by insertion order.
type SearchResult[T distance.Number] struct {
	ID       uint32
	Vector   []T
	Distance float64
}

// level is one layer of the hierarchy. edges holds the per-node adjacency;
// ids mirrors the key set in insertion order so that entry-point sampling is
// deterministic for a seeded RNG (map iteration order is not).
type level struct {
	ids   []uint32
	edges map[uint32][]uint32
}

func newLevel(id uint32, degreeCap int) *level {
	l := &level{edges: make(map[uint32][]uint32)}
	l.add(id, degreeCap)
	return l
}

func (l *level) add(id uint32, degreeCap int) {
	l.ids = append(l.ids, id)
	l.edges[id] = make([]uint32, 0, degreeCap)
}

func (l *level) len() int { return len(l.ids) }

// Index is an in-memory HNSW index over vectors of scalar type T. All stored
// vectors must share the same dimension; the index does not check it.
type Index[T distance.Number] struct {
	connections     int // M
	efConstruction  int
	maxConnections  int // Mmax
	maxConnections0 int // Mmax0
	mL              float64
	dist            distance.Func[T]
	rng             *rand.Rand

	nodes  map[uint32][]T
	levels []*level
	nextID uint32
}

// New creates an empty index. connections is the M parameter; the per-level
// degree caps are derived from it (Mmax = round(1.5*M), Mmax0 = 2*M). dist
// must be symmetric and non-negative; rng drives level sampling and
// entry-point selection, so a fixed seed makes the whole index deterministic.
func New[T distance.Number](connections, efConstruction int, dist distance.Func[T], rng *rand.Rand) *Index[T] {
	return &Index[T]{
		connections:     connections,
		efConstruction:  efConstruction,
		maxConnections:  int(math.Round(1.5 * float64(connections))),
		maxConnections0: 2 * connections,
		mL:              1.0 / math.Log(float64(connections)),
		dist:            dist,
		rng:             rng,
		nodes:           make(map[uint32][]T),
	}
}

// Len returns the number of stored vectors.
func (idx *Index[T]) Len() int { return len(idx.nodes) }

// IsEmpty reports whether the index holds no vectors.
func (idx *Index[T]) IsEmpty() bool { return len(idx.nodes) == 0 }

// NumLevels returns the number of populated levels.
func (idx *Index[T]) NumLevels() int { return len(idx.levels) }

// Clear drops all vectors and levels and resets id assignment. The RNG is
// not reseeded, so a rebuilt index may sample different levels.
func (idx *Index[T]) Clear() {
	idx.nodes = make(map[uint32][]T)
	idx.levels = nil
	idx.nextID = 0
}

// insertVector copies v into the store under a fresh id. Ids are assigned
// monotonically and never reused until Clear.
func (idx *Index[T]) insertVector(v []T) uint32 {
	id := idx.nextID
	stored := make([]T, len(v))
	copy(stored, v)
	idx.nodes[id] = stored
	idx.nextID++
	return id
}

// sampleMaxLevelIndex draws the highest level for a new node from an
// exponentially decaying distribution, -ln(p)*mL with p in (0, 1), so the
// expected number of levels a node occupies stays O(1). A draw that lands
// below zero clamps to the base level.
func (idx *Index[T]) sampleMaxLevelIndex() int {
	p := math.SmallestNonzeroFloat64 + (1-math.SmallestNonzeroFloat64)*idx.rng.Float64()
	l := -int(math.Floor(math.Log(p)*idx.mL)) - 1
	if l < 0 {
		return 0
	}
	return l
}

// sampleEntryID picks a uniformly random node of the given level.
func (idx *Index[T]) sampleEntryID(levelIndex int) uint32 {
	l := idx.levels[levelIndex]
	return l.ids[idx.rng.Intn(len(l.ids))]
}

// maxConnectionsAt returns the degree cap for a level. The base level gets
// 2*M per the paper's recommendation; everything above gets Mmax.
func (idx *Index[T]) maxConnectionsAt(levelIndex int) int {
	if levelIndex > 0 {
		return idx.maxConnections
	}
	return idx.maxConnections0
}

// pushLevel appends a new top level populated with the single node id.
func (idx *Index[T]) pushLevel(id uint32, degreeCap int) {
	idx.levels = append(idx.levels, newLevel(id, degreeCap))
}

// selectNeighbors takes the closest candidates to link against. The slice is
// already sorted ascending, so this is a prefix — up to k+1 entries, one more
// than the M target; the surplus edge is absorbed by the degree caps.
func selectNeighbors(candidates []candidate, k int) []candidate {
	if last := len(candidates) - 1; k > last {
		k = last
	}
	return candidates[:k+1]
}

// connectNeighbors creates a bidirectional edge between id and each selected
// candidate by appending to both adjacency lists.
func (idx *Index[T]) connectNeighbors(levelIndex int, id uint32, neighbors []candidate) {
	edges := idx.levels[levelIndex].edges
	for _, c := range neighbors {
		edges[id] = append(edges[id], c.id)
		edges[c.id] = append(edges[c.id], id)
	}
}

// pruneConnections trims every affected neighbour back to the level's degree
// cap, keeping its closest edges. Pruning is one-sided: a dropped endpoint
// keeps its own reference to the pruning node.
func (idx *Index[T]) pruneConnections(levelIndex int, neighbors []candidate) {
	degreeCap := idx.maxConnectionsAt(levelIndex)
	edges := idx.levels[levelIndex].edges

	for _, n := range neighbors {
		adjacent := edges[n.id]
		if len(adjacent) <= degreeCap {
			continue
		}
		origin := idx.nodes[n.id]
		ranked := make([]candidate, len(adjacent))
		for i, id := range adjacent {
			ranked[i] = candidate{id: id, distance: idx.dist(origin, idx.nodes[id])}
		}
		sortCandidates(ranked)

		kept := make([]uint32, degreeCap)
		for i := range kept {
			kept[i] = ranked[i].id
		}
		edges[n.id] = kept
	}
}

// Insert adds a vector to the index. The vector is copied; the caller may
// reuse the slice. Insertion never fails.
func (idx *Index[T]) Insert(vector []T) {
	id := idx.insertVector(vector)

	if len(idx.levels) == 0 {
		idx.pushLevel(id, idx.maxConnections0)
		return
	}

	top := len(idx.levels) - 1
	maxLevelIndex := idx.sampleMaxLevelIndex()

	// A draw above the current top creates exactly one new level holding only
	// the new node; the remaining overshoot is squashed.
	if maxLevelIndex > top {
		idx.pushLevel(id, idx.maxConnections)
		maxLevelIndex = top
	}

	entryIDs := []uint32{idx.sampleEntryID(top)}

	// Descend through the levels above the node's highest level with a
	// width-1 search, carrying the single nearest node down as the entry.
	for li := top; li > maxLevelIndex; li-- {
		entryIDs = candidateIDs(idx.searchLevel(li, vector, entryIDs, 1))
	}

	// Link the node into every level from its highest down to the base. The
	// entry set is intentionally not refreshed between levels.
	for li := maxLevelIndex; li >= 0; li-- {
		idx.levels[li].add(id, idx.maxConnectionsAt(li))

		candidates := idx.searchLevel(li, vector, entryIDs, idx.efConstruction)
		neighbors := selectNeighbors(candidates, idx.connections)
		idx.connectNeighbors(li, id, neighbors)
		idx.pruneConnections(li, neighbors)
	}
}

// InsertBatch inserts every vector in order. There is no atomicity: a batch
// is just a sequence of Insert calls.
func (idx *Index[T]) InsertBatch(vectors [][]T) {
	for _, v := range vectors {
		idx.Insert(v)
	}
}

// searchLevel runs a best-first beam search within one level and returns up
// to ef candidates sorted ascending by distance. Every returned id exists in
// the level's adjacency map and no id appears twice.
func (idx *Index[T]) searchLevel(levelIndex int, query []T, entryIDs []uint32, ef int) []candidate {
	edges := idx.levels[levelIndex].edges

	candidates := newMinCandidateHeap(idx.maxConnectionsAt(levelIndex))
	nearest := newMaxCandidateHeap(ef)
	visited := make(map[uint32]struct{})

	for _, id := range entryIDs {
		d := idx.dist(query, idx.nodes[id])
		visited[id] = struct{}{}
		candidates.push(candidate{id: id, distance: d})
		nearest.push(candidate{id: id, distance: d})
	}

	for candidates.Len() > 0 {
		closest := candidates.pop()
		furthest := nearest.peek().distance

		// The lower bound on everything unexplored exceeds the worst result
		// already held, so the beam cannot improve.
		if closest.distance > furthest {
			break
		}

		for _, neighborID := range edges[closest.id] {
			if _, seen := visited[neighborID]; seen {
				continue
			}
			visited[neighborID] = struct{}{}

			d := idx.dist(query, idx.nodes[neighborID])
			if nearest.Len() < ef || d < furthest {
				candidates.push(candidate{id: neighborID, distance: d})
				nearest.push(candidate{id: neighborID, distance: d})
				if nearest.Len() > ef {
					nearest.pop()
				}
			}
		}
	}

	return nearest.sorted()
}

// Search returns the k nearest stored vectors to query, ascending by
// distance. Fewer than k results are returned if the index holds fewer than
// k vectors. Search mutates the RNG (the top-level entry point is sampled),
// so callers wrapping the index in a lock must treat it as a writer.
func (idx *Index[T]) Search(query []T, k int) ([]SearchResult[T], error) {
	if idx.IsEmpty() {
		return nil, ErrEmptyIndex
	}

	top := len(idx.levels) - 1
	entryIDs := []uint32{idx.sampleEntryID(top)}

	// Width-1 descent to the base level. By construction every node of an
	// upper level is present in all levels below it, so the carried entry is
	// always a valid key there.
	for li := top; li >= 1; li-- {
		entryIDs = candidateIDs(idx.searchLevel(li, query, entryIDs, 1))
	}

	nearest := idx.searchLevel(0, query, entryIDs, k)
	results := make([]SearchResult[T], len(nearest))
	for i, c := range nearest {
		results[i] = SearchResult[T]{ID: c.id, Vector: idx.nodes[c.id], Distance: c.distance}
	}
	return results, nil
}

func candidateIDs(candidates []candidate) []uint32 {
	ids := make([]uint32, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}
