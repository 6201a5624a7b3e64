package moe

import "fmt"

// NotOwned marks a global expert that lives on another rank.
const NotOwned int32 = -1

// ExpertMap resolves global expert ids to this rank's local ids. It is
// established once at model load from the expert-parallel layout and never
// changes afterwards.
type ExpertMap struct {
	globalToLocal []int32
	numLocal      int
}

// DetermineExpertMap splits numExperts contiguously and as evenly as
// possible across worldSize ranks, remainder experts going to the leading
// ranks, and returns rank's map.
func DetermineExpertMap(worldSize, rank, numExperts int) (*ExpertMap, error) {
	if worldSize < 1 || rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("moe: rank %d outside world of %d", rank, worldSize)
	}
	if numExperts < worldSize {
		return nil, fmt.Errorf("moe: %d experts cannot cover %d ranks", numExperts, worldSize)
	}

	start, end := expertRange(numExperts, worldSize, rank)

	m := &ExpertMap{
		globalToLocal: make([]int32, numExperts),
		numLocal:      end - start,
	}

	for e := range m.globalToLocal {
		if e >= start && e < end {
			m.globalToLocal[e] = int32(e - start)
		} else {
			m.globalToLocal[e] = NotOwned
		}
	}

	return m, nil
}

// AllLocal returns the identity map for a single-rank layout.
func AllLocal(numExperts int) *ExpertMap {
	m := &ExpertMap{
		globalToLocal: make([]int32, numExperts),
		numLocal:      numExperts,
	}
	for e := range m.globalToLocal {
		m.globalToLocal[e] = int32(e)
	}

	return m
}

// Local returns the local id for a global expert, or NotOwned.
func (m *ExpertMap) Local(global int32) int32 { return m.globalToLocal[global] }

// NumLocal returns how many experts this rank owns.
func (m *ExpertMap) NumLocal() int { return m.numLocal }

// NumExperts returns the global expert count.
func (m *ExpertMap) NumExperts() int { return len(m.globalToLocal) }

// ExpertOwners returns, for every global expert, the rank that owns it under
// the same contiguous layout DetermineExpertMap uses.
func ExpertOwners(numExperts, worldSize int) []int32 {
	owners := make([]int32, numExperts)
	for r := 0; r < worldSize; r++ {
		start, end := expertRange(numExperts, worldSize, r)
		for e := start; e < end; e++ {
			owners[e] = int32(r)
		}
	}

	return owners
}

func expertRange(numExperts, worldSize, rank int) (start, end int) {
	base := numExperts / worldSize
	extra := numExperts % worldSize

	start = rank*base + min(rank, extra)
	end = start + base
	if rank < extra {
		end++
	}

	return start, end
}
