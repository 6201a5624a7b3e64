package distributed

import (
	"fmt"
	"sync"
)

// world is an in-process group backed by a shared exchange buffer. Each
// collective is one exchange round: every rank deposits its contribution,
// the last arrival snapshots the round, and every rank reads the snapshot.
// It exists for tests and single-host benchmarks; the Group contract is the
// same one a fabric-backed implementation satisfies.
type world struct {
	mu   sync.Mutex
	cond *sync.Cond
	size int

	entries []any
	filled  int
	gen     uint64

	rounds map[uint64]*round
}

type round struct {
	vals    []any
	pending int
}

// NewWorld creates an in-process world and returns one Group handle per
// rank. Each handle must be driven by its own goroutine.
func NewWorld(size int) []Group {
	w := &world{
		size:    size,
		entries: make([]any, size),
		rounds:  make(map[uint64]*round),
	}
	w.cond = sync.NewCond(&w.mu)

	groups := make([]Group, size)
	for i := range groups {
		groups[i] = &worldGroup{w: w, rank: i}
	}

	return groups
}

// exchange deposits this rank's contribution for the current round and
// blocks until every rank has deposited, then returns all contributions in
// rank order. Rounds are snapshotted, so a fast rank may begin the next
// round before slow ranks have read the previous one.
func (w *world) exchange(rank int, contrib any) []any {
	w.mu.Lock()
	defer w.mu.Unlock()

	gen := w.gen
	w.entries[rank] = contrib
	w.filled++

	if w.filled == w.size {
		w.rounds[gen] = &round{vals: append([]any(nil), w.entries...), pending: w.size}
		w.filled = 0
		w.gen++
		w.cond.Broadcast()
	} else {
		for w.rounds[gen] == nil {
			w.cond.Wait()
		}
	}

	r := w.rounds[gen]
	r.pending--
	if r.pending == 0 {
		delete(w.rounds, gen)
	}

	return r.vals
}

type worldGroup struct {
	w    *world
	rank int
}

func (g *worldGroup) Rank() int      { return g.rank }
func (g *worldGroup) WorldSize() int { return g.w.size }

func (g *worldGroup) AllReduceSum(x []float32) error {
	all := g.w.exchange(g.rank, append([]float32(nil), x...))

	for i := range x {
		x[i] = 0
	}
	for _, c := range all {
		contrib := c.([]float32)
		if len(contrib) != len(x) {
			return fmt.Errorf("distributed: allreduce length mismatch (%d vs %d)", len(contrib), len(x))
		}
		for i, v := range contrib {
			x[i] += v
		}
	}

	return nil
}

func (g *worldGroup) AllGather(x []float32) ([]float32, error) {
	all := g.w.exchange(g.rank, append([]float32(nil), x...))

	out := make([]float32, 0, len(x)*g.w.size)
	for _, c := range all {
		contrib := c.([]float32)
		if len(contrib) != len(x) {
			return nil, fmt.Errorf("distributed: allgather length mismatch (%d vs %d)", len(contrib), len(x))
		}
		out = append(out, contrib...)
	}

	return out, nil
}

func (g *worldGroup) ReduceScatterSum(x []float32) ([]float32, error) {
	if len(x)%g.w.size != 0 {
		return nil, fmt.Errorf("distributed: reduce-scatter length %d not divisible by %d ranks", len(x), g.w.size)
	}

	all := g.w.exchange(g.rank, append([]float32(nil), x...))

	shard := len(x) / g.w.size
	out := make([]float32, shard)
	for _, c := range all {
		contrib := c.([]float32)
		if len(contrib) != len(x) {
			return nil, fmt.Errorf("distributed: reduce-scatter length mismatch (%d vs %d)", len(contrib), len(x))
		}
		for i := 0; i < shard; i++ {
			out[i] += contrib[g.rank*shard+i]
		}
	}

	return out, nil
}

func (g *worldGroup) AllToAll(send [][]float32) ([][]float32, error) {
	if len(send) != g.w.size {
		return nil, fmt.Errorf("distributed: all-to-all needs %d payloads, got %d", g.w.size, len(send))
	}

	deep := make([][]float32, len(send))
	for i, s := range send {
		deep[i] = append([]float32(nil), s...)
	}

	all := g.w.exchange(g.rank, deep)

	recv := make([][]float32, g.w.size)
	for src, c := range all {
		recv[src] = c.([][]float32)[g.rank]
	}

	return recv, nil
}

func (g *worldGroup) AllToAllInts(send [][]int32) ([][]int32, error) {
	if len(send) != g.w.size {
		return nil, fmt.Errorf("distributed: all-to-all needs %d payloads, got %d", g.w.size, len(send))
	}

	deep := make([][]int32, len(send))
	for i, s := range send {
		deep[i] = append([]int32(nil), s...)
	}

	all := g.w.exchange(g.rank, deep)

	recv := make([][]int32, g.w.size)
	for src, c := range all {
		recv[src] = c.([][]int32)[g.rank]
	}

	return recv, nil
}
