package kvcache

import "fmt"

// Slot translates a logical position within a sequence to a physical slot
// index through the sequence's block chain. The slot encodes
// block*blockSize+offset, so slot/blockSize and slot%blockSize recover the
// physical address.
//
// A position past the end of the chain is a caller bug in the scheduler or
// cache-space manager; it panics rather than truncating.
func Slot(chain []int32, pos, blockSize int32) int32 {
	if pos < 0 || int(pos) >= len(chain)*int(blockSize) {
		panic(fmt.Errorf("kvcache: position %d outside block chain (%d blocks of %d)", pos, len(chain), blockSize))
	}

	return chain[pos/blockSize]*blockSize + pos%blockSize
}

// SlotMapping computes the flat slot mapping for one step: one slot per new
// token, in the step's flattened token order. Sequence i contributes
// queryLens[i] tokens at logical positions contextLens[i] through
// contextLens[i]+queryLens[i]-1 of its chain.
//
// Within a step the returned slots are pairwise distinct as long as no two
// sequences share a block, which the allocator guarantees.
func SlotMapping(blockTables [][]int32, contextLens, queryLens []int32, blockSize int32) []int32 {
	var total int32
	for _, n := range queryLens {
		total += n
	}

	slots := make([]int32, 0, total)
	for i, chain := range blockTables {
		for j := int32(0); j < queryLens[i]; j++ {
			slots = append(slots, Slot(chain, contextLens[i]+j, blockSize))
		}
	}

	return slots
}
