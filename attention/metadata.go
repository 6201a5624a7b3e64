package attention

import (
	"fmt"
	"math"

	"github.com/kelpie-ml/kelpie/kvcache"
	"github.com/kelpie-ml/kelpie/ml"
)

// Batch is the scheduler's description of one step: per-sequence new-token
// counts, previously cached context lengths, and block chains. Token order in
// the flattened batch is sequence-major, matching the slot mapping.
type Batch struct {
	QueryLens   []int32
	ContextLens []int32
	BlockTables [][]int32
}

// Metadata is the per-step snapshot the attention engine consumes. It is
// immutable once built; the engine never mutates it and a nil Metadata
// signals a warm-up call.
type Metadata struct {
	State State

	// BlockTables is an (numSeqs, maxBlocks) int32 tensor, short chains
	// zero-padded on the right. Kernels only dereference entries covered by
	// SeqLens.
	BlockTables ml.Tensor

	QueryLens   []int32
	ContextLens []int32

	// SeqLens is the per-sequence total after this step's tokens are
	// written: ContextLens + QueryLens.
	SeqLens []int32

	MaxQueryLen int32
	NumTokens   int

	// SlotMapping holds one physical slot per new token, in flattened batch
	// order.
	SlotMapping ml.Tensor

	// Mask is the additive attention mask for the state's kernel, nil for
	// DecodeOnly. PrefillOnly gets a shared (maxQueryLen, maxQueryLen)
	// triangle; ChunkedPrefill gets a (numTokens, maxSeqLen) mask indexed by
	// flat token row and absolute key position.
	Mask ml.Tensor
}

// Builder turns scheduler batches into Metadata. It carries the cache block
// geometry so slot translation stays consistent with the cache-space manager.
type Builder struct {
	blockSize       int32
	maxBlocksPerSeq int
}

func NewBuilder(blockSize, maxBlocksPerSeq int) *Builder {
	return &Builder{blockSize: int32(blockSize), maxBlocksPerSeq: maxBlocksPerSeq}
}

func (b *Builder) Build(ctx ml.Context, batch Batch) (*Metadata, error) {
	numSeqs := len(batch.QueryLens)
	if len(batch.ContextLens) != numSeqs || len(batch.BlockTables) != numSeqs {
		return nil, fmt.Errorf("attention: mismatched batch arrays (%d query lens, %d context lens, %d block tables)",
			len(batch.QueryLens), len(batch.ContextLens), len(batch.BlockTables))
	}

	if numSeqs == 0 {
		return nil, fmt.Errorf("attention: empty batch")
	}

	m := &Metadata{
		QueryLens:   batch.QueryLens,
		ContextLens: batch.ContextLens,
		SeqLens:     make([]int32, numSeqs),
	}

	maxBlocks := 0
	for i := range batch.QueryLens {
		if batch.QueryLens[i] < 1 {
			return nil, fmt.Errorf("attention: sequence %d has no new tokens", i)
		}

		m.SeqLens[i] = batch.ContextLens[i] + batch.QueryLens[i]
		m.NumTokens += int(batch.QueryLens[i])
		m.MaxQueryLen = max(m.MaxQueryLen, batch.QueryLens[i])

		chain := batch.BlockTables[i]
		if len(chain) > b.maxBlocksPerSeq {
			return nil, fmt.Errorf("attention: sequence %d has %d blocks, limit %d", i, len(chain), b.maxBlocksPerSeq)
		}
		if int(m.SeqLens[i]) > len(chain)*int(b.blockSize) {
			return nil, fmt.Errorf("attention: sequence %d needs %d slots but chain covers %d",
				i, m.SeqLens[i], len(chain)*int(b.blockSize))
		}

		maxBlocks = max(maxBlocks, len(chain))
	}

	m.State = ClassifyState(batch.QueryLens, batch.ContextLens)

	tables := make([]int32, numSeqs*maxBlocks)
	for i, chain := range batch.BlockTables {
		copy(tables[i*maxBlocks:], chain)
	}
	m.BlockTables = ctx.FromInts(tables, numSeqs, maxBlocks)

	slots := kvcache.SlotMapping(batch.BlockTables, batch.ContextLens, batch.QueryLens, b.blockSize)
	m.SlotMapping = ctx.FromInts(slots, len(slots))

	switch m.State {
	case PrefillOnly:
		m.Mask = causalMask(ctx, m.MaxQueryLen)
	case ChunkedPrefill:
		m.Mask = chunkedMask(ctx, m)
	}

	return m, nil
}

// causalMask builds the shared (n, n) additive triangle for full prefill:
// row i attends to columns 0..i.
func causalMask(ctx ml.Context, n int32) ml.Tensor {
	neg := float32(math.Inf(-1))

	mask := make([]float32, n*n)
	for i := int32(0); i < n; i++ {
		for j := i + 1; j < n; j++ {
			mask[i*n+j] = neg
		}
	}

	return ctx.FromFloats(mask, int(n), int(n))
}

// chunkedMask builds the per-token additive mask for mixed batches: one row
// per flattened token, one column per absolute key position up to the
// longest sequence. Token j of a sequence sits at absolute position
// contextLen+j and attends to keys at positions 0..contextLen+j.
func chunkedMask(ctx ml.Context, m *Metadata) ml.Tensor {
	neg := float32(math.Inf(-1))

	var maxSeqLen int32
	for _, n := range m.SeqLens {
		maxSeqLen = max(maxSeqLen, n)
	}

	mask := make([]float32, int32(m.NumTokens)*maxSeqLen)
	row := int32(0)
	for i := range m.QueryLens {
		for j := int32(0); j < m.QueryLens[i]; j++ {
			for c := m.ContextLens[i] + j + 1; c < maxSeqLen; c++ {
				mask[row*maxSeqLen+c] = neg
			}
			row++
		}
	}

	return ctx.FromFloats(mask, m.NumTokens, int(maxSeqLen))
}
