package ml

// Kernels are the opaque execution primitives consumed by the attention and
// MoE engines. Implementations may run on any device; the contracts below
// are in terms of logical tensor shapes.
//
// Throughout: query is (numTokens, numHeads, headSize), key and value are
// (numTokens, numKVHeads, headSize), and the caches are
// (numBlocks, blockSize, numKVHeads, headSize). numHeads must be a multiple
// of numKVHeads; each kv head serves numHeads/numKVHeads query heads.
type Kernels interface {
	// ReshapeAndCache scatter-writes one key/value row per token into the
	// caches. slotMapping is (numTokens,) I32; slot s addresses block
	// s/blockSize, offset s%blockSize. Slots within one call must be
	// pairwise distinct.
	ReshapeAndCache(ctx Context, key, value, keyCache, valueCache, slotMapping Tensor)

	// FlashAttention computes masked full attention over the batch's own
	// key/value, without reading any cache. Tokens are laid out
	// sequence-major; seqLens gives the token count of each sequence. mask
	// is an additive (maxSeqLen, maxSeqLen) tensor shared by all sequences;
	// out matches query's shape.
	FlashAttention(ctx Context, out, query, key, value, mask Tensor, seqLens []int32, scale float32, numHeads, numKVHeads int)

	// PagedAttention computes attention for exactly one query token per
	// sequence against that sequence's cached context. query and out are
	// (numSeqs, numHeads, headSize). blockTables is (numSeqs,
	// maxBlocksPerSeq) I32; kvLens holds the number of valid tokens per
	// sequence in the cache, including any token written this step. No mask:
	// every cached token precedes the single query token.
	PagedAttention(ctx Context, out, query, keyCache, valueCache, blockTables Tensor, kvLens []int32, scale float32, numHeads, numKVHeads int)

	// PagedAttentionSplitfuse computes attention for a mixed batch where
	// each sequence contributes queryLens[i] new tokens attending to
	// kvLens[i] cached tokens (context plus the new tokens, already
	// written). mask is additive (numTokens, maxKVLen).
	PagedAttentionSplitfuse(ctx Context, out, query, keyCache, valueCache, mask, blockTables Tensor, queryLens, kvLens []int32, scale float32, numHeads, numKVHeads int)

	// ChunkedPrefillAttention is the explicit-offset equivalent of
	// PagedAttentionSplitfuse for head sizes that do not tile cleanly.
	// cuSeqLenQ and cuSeqLenK are (numSeqs+1,) cumulative query and kv
	// lengths; causality is applied from each token's absolute position.
	// Must be numerically equivalent to PagedAttentionSplitfuse.
	ChunkedPrefillAttention(ctx Context, out, query, keyCache, valueCache, blockTables Tensor, cuSeqLenQ, cuSeqLenK []int32, maxSeqLenQ, maxSeqLenK int32, scale float32, numHeads, numKVHeads int)

	// GroupedMatmul multiplies contiguous row groups of x against per-group
	// weight slices. x is (numRows, k); weights is (numGroups, k, n);
	// groupBounds is the cumulative row count per group (len numGroups,
	// monotonic). Returns (numRows, n). Rows at or past groupBounds[last]
	// are left undefined; callers must mask them before use.
	GroupedMatmul(ctx Context, x, weights Tensor, groupBounds []int64) Tensor

	// SwiGLU splits x (rows, 2d) into gate and up halves and returns
	// silu(gate) * up with shape (rows, d).
	SwiGLU(ctx Context, x Tensor) Tensor

	// CopyBlocks copies whole blocks within a cache pair. srcToDst is
	// (numPairs, 2) I32 rows of (srcBlock, dstBlock).
	CopyBlocks(ctx Context, keyCache, valueCache, srcToDst Tensor)

	// SwapBlocks moves whole blocks between two cache pairs, src to dst,
	// with the same (numPairs, 2) addressing as CopyBlocks.
	SwapBlocks(ctx Context, srcKeyCache, srcValueCache, dstKeyCache, dstValueCache, srcToDst Tensor)
}
