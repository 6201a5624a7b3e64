// Package distributed defines the process-group abstraction the MoE layer
// dispatches through. Collectives always run over an explicit Group handle
// passed in by the caller; there is no ambient global group. Every
// collective is a synchronization point: all ranks of the group must call
// the same operation in the same order.
package distributed

import "golang.org/x/sync/errgroup"

// Group is one communicator: a set of ranks that participate in
// collectives together. Implementations must be safe for use from the
// owning rank's goroutine only.
type Group interface {
	Rank() int
	WorldSize() int

	// AllReduceSum sums x elementwise across all ranks, in place. Every
	// rank must pass the same length.
	AllReduceSum(x []float32) error

	// AllGather concatenates every rank's x in rank order. Every rank must
	// pass the same length.
	AllGather(x []float32) ([]float32, error)

	// ReduceScatterSum sums x elementwise across ranks and returns this
	// rank's 1/worldSize shard. len(x) must be divisible by the world size.
	ReduceScatterSum(x []float32) ([]float32, error)

	// AllToAll sends send[r] to rank r and returns recv where recv[r] is
	// the payload rank r addressed to this rank. Per-destination payload
	// order is preserved.
	AllToAll(send [][]float32) ([][]float32, error)

	// AllToAllInts is AllToAll for int32 payloads.
	AllToAllInts(send [][]int32) ([][]int32, error)
}

// Single returns the trivial one-rank group. Collectives over it are
// identity operations, which makes single-device code paths identical to
// distributed ones.
func Single() Group { return single{} }

type single struct{}

func (single) Rank() int      { return 0 }
func (single) WorldSize() int { return 1 }

func (single) AllReduceSum(x []float32) error { return nil }

func (single) AllGather(x []float32) ([]float32, error) {
	return append([]float32(nil), x...), nil
}

func (single) ReduceScatterSum(x []float32) ([]float32, error) {
	return append([]float32(nil), x...), nil
}

func (single) AllToAll(send [][]float32) ([][]float32, error) {
	return [][]float32{append([]float32(nil), send[0]...)}, nil
}

func (single) AllToAllInts(send [][]int32) ([][]int32, error) {
	return [][]int32{append([]int32(nil), send[0]...)}, nil
}

// Run starts size ranks of an in-process world, one goroutine each, and
// waits for all of them. The first error cancels nothing implicitly; ranks
// blocked in a collective will unblock only if every rank reaches it, so f
// should return early on error rather than skip collectives.
func Run(size int, f func(g Group) error) error {
	groups := NewWorld(size)

	var eg errgroup.Group
	for _, g := range groups {
		g := g
		eg.Go(func() error { return f(g) })
	}

	return eg.Wait()
}
