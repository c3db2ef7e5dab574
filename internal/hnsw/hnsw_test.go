package hnsw

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/screenager/prox/internal/distance"
)

const seed = 1234

func newTestIndex(m, efConstruction int) *Index[float64] {
	return New(m, efConstruction, distance.Euclidean[float64], rand.New(rand.NewSource(seed)))
}

// grid returns n two-dimensional vectors [i, i].
func grid(n int) [][]float64 {
	vectors := make([][]float64, n)
	for i := range vectors {
		vectors[i] = []float64{float64(i), float64(i)}
	}
	return vectors
}

// checkInvariants validates the structural invariants that must hold after
// every completed public operation: ids in adjacency lists map to stored
// vectors, nodes present in a level appear in every level below it, the base
// level holds every node, no adjacency list contains duplicates, and no list
// exceeds the level's degree cap.
func checkInvariants(t *testing.T, idx *Index[float64]) {
	t.Helper()

	if len(idx.levels) == 0 {
		if len(idx.nodes) != 0 {
			t.Fatalf("no levels but %d stored vectors", len(idx.nodes))
		}
		return
	}

	if got, want := idx.levels[0].len(), len(idx.nodes); got != want {
		t.Errorf("base level has %d nodes, store has %d", got, want)
	}

	for li, l := range idx.levels {
		if len(l.ids) != len(l.edges) {
			t.Errorf("level %d: %d ordered ids vs %d adjacency entries", li, len(l.ids), len(l.edges))
		}
		degreeCap := idx.maxConnectionsAt(li)
		for id, adjacent := range l.edges {
			if _, ok := idx.nodes[id]; !ok {
				t.Errorf("level %d: node %d has no stored vector", li, id)
			}
			if len(adjacent) > degreeCap {
				t.Errorf("level %d: node %d has degree %d > cap %d", li, id, len(adjacent), degreeCap)
			}
			seen := make(map[uint32]struct{}, len(adjacent))
			for _, n := range adjacent {
				if _, ok := idx.nodes[n]; !ok {
					t.Errorf("level %d: node %d links to unknown id %d", li, id, n)
				}
				if _, dup := seen[n]; dup {
					t.Errorf("level %d: node %d links to %d twice", li, id, n)
				}
				seen[n] = struct{}{}
			}
			if li > 0 {
				if _, ok := idx.levels[li-1].edges[id]; !ok {
					t.Errorf("node %d is in level %d but not in level %d", id, li, li-1)
				}
			}
		}
	}
}

func TestNew(t *testing.T) {
	idx := newTestIndex(1, 1)

	if !idx.IsEmpty() {
		t.Error("new index should be empty")
	}
	if idx.Len() != 0 {
		t.Errorf("Len = %d, want 0", idx.Len())
	}
	if idx.NumLevels() != 0 {
		t.Errorf("NumLevels = %d, want 0", idx.NumLevels())
	}
}

func TestDerivedCaps(t *testing.T) {
	idx := newTestIndex(8, 8)
	if idx.maxConnections != 12 {
		t.Errorf("Mmax = %d, want 12", idx.maxConnections)
	}
	if idx.maxConnections0 != 16 {
		t.Errorf("Mmax0 = %d, want 16", idx.maxConnections0)
	}
}

func TestInsert(t *testing.T) {
	idx := newTestIndex(8, 8)

	vectors := [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	for _, v := range vectors {
		idx.Insert(v)
	}

	if idx.IsEmpty() {
		t.Error("index should not be empty after inserts")
	}
	if idx.Len() != 3 {
		t.Errorf("Len = %d, want 3", idx.Len())
	}
	for i, want := range vectors {
		got, ok := idx.nodes[uint32(i)]
		if !ok {
			t.Fatalf("no stored vector for id %d", i)
		}
		for d := range want {
			if got[d] != want[d] {
				t.Errorf("id %d dim %d: got %v, want %v", i, d, got[d], want[d])
			}
		}
	}
	checkInvariants(t, idx)
}

func TestInsertCopiesVector(t *testing.T) {
	idx := newTestIndex(8, 8)

	v := []float64{1, 2, 3}
	idx.Insert(v)
	v[0] = 99

	if idx.nodes[0][0] != 1 {
		t.Error("Insert must copy the vector, not alias the caller's slice")
	}
}

func TestInsertBatch(t *testing.T) {
	idx := newTestIndex(8, 8)
	idx.InsertBatch(grid(3))

	if idx.Len() != 3 {
		t.Errorf("Len = %d, want 3", idx.Len())
	}
	checkInvariants(t, idx)
}

func TestLevelDensityDecay(t *testing.T) {
	idx := newTestIndex(8, 8)
	idx.InsertBatch(grid(10))

	for li := 0; li+1 < len(idx.levels); li++ {
		if idx.levels[li].len() < idx.levels[li+1].len() {
			t.Errorf("level %d has %d nodes, level %d has %d — density must not grow upward",
				li, idx.levels[li].len(), li+1, idx.levels[li+1].len())
		}
	}
}

func TestDegreeBounds(t *testing.T) {
	idx := newTestIndex(8, 8)
	idx.InsertBatch(grid(10))

	for li, l := range idx.levels {
		degreeCap := 12
		if li == 0 {
			degreeCap = 16
		}
		for id, adjacent := range l.edges {
			if len(adjacent) > degreeCap {
				t.Errorf("level %d: node %d has %d edges, cap is %d", li, id, len(adjacent), degreeCap)
			}
		}
	}
	checkInvariants(t, idx)
}

func TestSearchEmpty(t *testing.T) {
	idx := newTestIndex(8, 8)

	if _, err := idx.Search([]float64{1, 2, 3}, 1); !errors.Is(err, ErrEmptyIndex) {
		t.Errorf("Search on empty index: got %v, want ErrEmptyIndex", err)
	}
}

func TestSearchExact(t *testing.T) {
	idx := newTestIndex(8, 8)
	idx.Insert([]float64{1, 2, 3})

	results, err := idx.Search([]float64{1, 2, 3}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Distance != 0 {
		t.Errorf("self-distance = %v, want 0", results[0].Distance)
	}
	if got := results[0].Vector; got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("got vector %v, want [1 2 3]", got)
	}
}

func TestSearchOrdering(t *testing.T) {
	idx := newTestIndex(8, 8)
	vectors := [][]float64{{1, 2, 3}, {0, 0, 0}, {10, 20, 30}}
	for _, v := range vectors {
		idx.Insert(v)
	}

	results, err := idx.Search([]float64{1.1, 2.1, 3.1}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	wantOrder := []uint32{0, 1, 2} // [1 2 3], [0 0 0], [10 20 30]
	for i, want := range wantOrder {
		if results[i].ID != want {
			t.Errorf("result %d: got id %d, want %d", i, results[i].ID, want)
		}
	}
	if math.Abs(results[0].Distance-0.03) > 1e-9 {
		t.Errorf("nearest distance = %v, want ~0.03", results[0].Distance)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("results not ascending: %v then %v", results[i-1].Distance, results[i].Distance)
		}
	}
}

func TestSearchReturnsEverything(t *testing.T) {
	idx := newTestIndex(8, 8)
	const n = 10
	idx.InsertBatch(grid(n))

	results, err := idx.Search([]float64{3.5, 3.5}, n)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != n {
		t.Fatalf("k == Len should return every point: got %d, want %d", len(results), n)
	}
	seen := make(map[uint32]struct{}, n)
	for _, r := range results {
		if _, dup := seen[r.ID]; dup {
			t.Errorf("id %d returned twice", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
}

func TestSearchFewerThanK(t *testing.T) {
	idx := newTestIndex(8, 8)
	idx.InsertBatch(grid(3))

	results, err := idx.Search([]float64{0, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) > 3 {
		t.Errorf("got %d results from a 3-vector index", len(results))
	}
}

func TestClear(t *testing.T) {
	idx := newTestIndex(8, 8)
	idx.InsertBatch(grid(10))

	if idx.Len() != 10 {
		t.Fatalf("Len = %d, want 10", idx.Len())
	}

	idx.Clear()

	if !idx.IsEmpty() {
		t.Error("index should be empty after Clear")
	}
	if idx.Len() != 0 {
		t.Errorf("Len = %d, want 0", idx.Len())
	}
	if idx.NumLevels() != 0 {
		t.Errorf("NumLevels = %d, want 0", idx.NumLevels())
	}

	// A cleared index behaves like a fresh one: ids restart at 0 and the
	// structural invariants hold after re-inserting.
	idx.InsertBatch(grid(10))
	if idx.Len() != 10 {
		t.Errorf("Len after re-insert = %d, want 10", idx.Len())
	}
	if _, ok := idx.nodes[0]; !ok {
		t.Error("id assignment should restart at 0 after Clear")
	}
	checkInvariants(t, idx)
}

func TestInvariantsSteadyState(t *testing.T) {
	idx := newTestIndex(8, 8)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 100; i++ {
		v := []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		idx.Insert(v)
	}
	checkInvariants(t, idx)
}

func TestSampleMaxLevelIndex(t *testing.T) {
	idx := newTestIndex(8, 8)

	var atBase int
	for i := 0; i < 10_000; i++ {
		l := idx.sampleMaxLevelIndex()
		if l < 0 {
			t.Fatalf("sampled negative level %d", l)
		}
		if l > 100 {
			t.Fatalf("sampled implausibly high level %d", l)
		}
		if l == 0 {
			atBase++
		}
	}
	// With mL = 1/ln(8) the bulk of draws must land on the base level.
	if atBase < 5_000 {
		t.Errorf("only %d of 10000 draws landed on level 0", atBase)
	}
}

func TestSelectNeighborsTakesAtMostMPlusOne(t *testing.T) {
	candidates := make([]candidate, 10)
	for i := range candidates {
		candidates[i] = candidate{id: uint32(i), distance: float64(i)}
	}

	if got := selectNeighbors(candidates, 4); len(got) != 5 {
		t.Errorf("selectNeighbors(10 candidates, 4) returned %d, want 5", len(got))
	}
	if got := selectNeighbors(candidates[:3], 4); len(got) != 3 {
		t.Errorf("selectNeighbors(3 candidates, 4) returned %d, want 3", len(got))
	}
}
