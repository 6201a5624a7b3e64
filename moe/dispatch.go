package moe

import (
	"fmt"
	"sort"

	"github.com/kelpie-ml/kelpie/distributed"
)

// Plan is the local token permutation for one MoE step: the stable sort of
// (token, expert) pairs into expert-contiguous order plus the per-expert
// boundary prefix-sums the grouped matmul is addressed by.
type Plan struct {
	// Perm maps permuted row r to the token it was gathered from.
	Perm []int32

	// Weights holds each permuted row's routing weight; sentinel rows carry
	// zero.
	Weights []float32

	// GroupBounds is the cumulative permuted-row count per local expert.
	GroupBounds []int64

	// NumValid is the number of leading permuted rows owned by this rank.
	// Rows at or past it belong to the sentinel expert and must contribute
	// exactly zero to any output.
	NumValid int
}

// BuildPlan expands the (numTokens, topK) routing into a flat pair list,
// resolves ownership through the expert map, and stably sorts by local
// expert id. Pairs for experts this rank does not own get the sentinel id
// one past the last local expert and a zero weight, so they sort to the end
// and fall outside every group boundary.
func BuildPlan(ids []int32, weights []float32, m *ExpertMap, topK int) *Plan {
	if len(ids) != len(weights) {
		panic(fmt.Errorf("moe: %d ids vs %d weights", len(ids), len(weights)))
	}

	numPairs := len(ids)
	numLocal := m.NumLocal()
	sentinel := int32(numLocal)

	local := make([]int32, numPairs)
	for p, id := range ids {
		local[p] = m.Local(id)
		if local[p] == NotOwned {
			local[p] = sentinel
		}
	}

	order := make([]int, numPairs)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return local[order[a]] < local[order[b]] })

	plan := &Plan{
		Perm:        make([]int32, numPairs),
		Weights:     make([]float32, numPairs),
		GroupBounds: make([]int64, numLocal),
	}

	counts := make([]int64, numLocal)
	for r, p := range order {
		plan.Perm[r] = int32(p / topK)
		if local[p] == sentinel {
			continue
		}

		plan.Weights[r] = weights[p]
		counts[local[p]]++
		plan.NumValid++
	}

	var sum int64
	for e, c := range counts {
		sum += c
		plan.GroupBounds[e] = sum
	}

	return plan
}

// Gather copies token rows into permuted order.
func (p *Plan) Gather(hidden []float32, hiddenSize int) []float32 {
	rows := make([]float32, len(p.Perm)*hiddenSize)
	for r, t := range p.Perm {
		copy(rows[r*hiddenSize:(r+1)*hiddenSize], hidden[int(t)*hiddenSize:(int(t)+1)*hiddenSize])
	}

	return rows
}

// Combine scatters weighted expert outputs back to token order, accumulating
// into out so a token hears from each of its selected experts. Sentinel rows
// are skipped by index, not by weight: the grouped matmul leaves them
// undefined, so multiplying through a zero weight is not a safe substitute.
func (p *Plan) Combine(out, expertOut []float32, hiddenSize int) {
	for r := 0; r < p.NumValid; r++ {
		t := int(p.Perm[r])
		w := p.Weights[r]
		row := expertOut[r*hiddenSize : (r+1)*hiddenSize]
		for j, v := range row {
			out[t*hiddenSize+j] += w * v
		}
	}
}

// Dispatcher runs the expert-parallel all-to-all exchange: Dispatch routes
// token rows to the ranks that own their experts, Combine brings the expert
// outputs back. The two calls mirror each other and both are collective
// synchronization points.
type Dispatcher struct {
	group  distributed.Group
	m      *ExpertMap
	owners []int32
}

func NewDispatcher(group distributed.Group, m *ExpertMap) *Dispatcher {
	return &Dispatcher{
		group:  group,
		m:      m,
		owners: ExpertOwners(m.NumExperts(), group.WorldSize()),
	}
}

// RemoteBatch is the result of one Dispatch: the rows this rank received,
// already sorted into local-expert-contiguous order, plus the bookkeeping
// Combine needs to route results back.
type RemoteBatch struct {
	// Rows is (NumRows, hiddenSize), expert-grouped.
	Rows       []float32
	NumRows    int
	HiddenSize int

	// GroupBounds is the cumulative row count per local expert.
	GroupBounds []int64

	// perm maps sorted row r to its index in receive order.
	perm []int32

	// recvCounts[src] is how many rows arrived from each source rank.
	recvCounts []int

	// sendOrder[dst] lists the pair indices this rank sent to dst, in send
	// order; the return exchange preserves it.
	sendOrder [][]int32
}

// Dispatch expands the routing into pairs, sends each pair's token row to
// the rank owning its expert, and sorts the received rows by local expert.
func (d *Dispatcher) Dispatch(hidden []float32, hiddenSize int, ids []int32, topK int) (*RemoteBatch, error) {
	world := d.group.WorldSize()

	sendRows := make([][]float32, world)
	sendExperts := make([][]int32, world)
	sendOrder := make([][]int32, world)

	for p, id := range ids {
		dst := d.owners[id]
		t := p / topK

		sendRows[dst] = append(sendRows[dst], hidden[t*hiddenSize:(t+1)*hiddenSize]...)
		sendExperts[dst] = append(sendExperts[dst], id)
		sendOrder[dst] = append(sendOrder[dst], int32(p))
	}

	recvRows, err := d.group.AllToAll(sendRows)
	if err != nil {
		return nil, err
	}

	recvExperts, err := d.group.AllToAllInts(sendExperts)
	if err != nil {
		return nil, err
	}

	b := &RemoteBatch{
		HiddenSize:  hiddenSize,
		GroupBounds: make([]int64, d.m.NumLocal()),
		recvCounts:  make([]int, world),
		sendOrder:   sendOrder,
	}

	var experts []int32
	var flat []float32
	for src := range recvRows {
		b.recvCounts[src] = len(recvExperts[src])
		experts = append(experts, recvExperts[src]...)
		flat = append(flat, recvRows[src]...)
	}
	b.NumRows = len(experts)

	local := make([]int32, b.NumRows)
	counts := make([]int64, d.m.NumLocal())
	for r, e := range experts {
		local[r] = d.m.Local(e)
		if local[r] == NotOwned {
			return nil, fmt.Errorf("moe: rank %d received expert %d it does not own", d.group.Rank(), e)
		}
		counts[local[r]]++
	}

	var sum int64
	for e, c := range counts {
		sum += c
		b.GroupBounds[e] = sum
	}

	b.perm = make([]int32, b.NumRows)
	for i := range b.perm {
		b.perm[i] = int32(i)
	}
	sort.SliceStable(b.perm, func(x, y int) bool { return local[b.perm[x]] < local[b.perm[y]] })

	b.Rows = make([]float32, len(flat))
	for r, src := range b.perm {
		copy(b.Rows[r*hiddenSize:(r+1)*hiddenSize], flat[int(src)*hiddenSize:(int(src)+1)*hiddenSize])
	}

	return b, nil
}

// Combine returns expert outputs (in the sorted order of b.Rows) to their
// origin ranks and accumulates them, scaled by the origin's routing weights,
// into out. weights and topK describe this rank's own routing, matching the
// ids passed to Dispatch.
func (d *Dispatcher) Combine(out []float32, b *RemoteBatch, expertOut []float32, weights []float32, topK int) error {
	// Undo the expert sort back to receive order.
	h := b.HiddenSize
	unsorted := make([]float32, len(expertOut))
	for r, src := range b.perm {
		copy(unsorted[int(src)*h:(int(src)+1)*h], expertOut[r*h:(r+1)*h])
	}

	returns := make([][]float32, len(b.recvCounts))
	offset := 0
	for src, n := range b.recvCounts {
		returns[src] = unsorted[offset*h : (offset+n)*h]
		offset += n
	}

	recv, err := d.group.AllToAll(returns)
	if err != nil {
		return err
	}

	for dst, pairs := range b.sendOrder {
		rows := recv[dst]
		if len(rows) != len(pairs)*h {
			return fmt.Errorf("moe: combine from rank %d returned %d values, want %d", dst, len(rows), len(pairs)*h)
		}

		for i, p := range pairs {
			t := int(p) / topK
			w := weights[p]
			row := rows[i*h : (i+1)*h]
			for j, v := range row {
				out[t*h+j] += w * v
			}
		}
	}

	return nil
}
