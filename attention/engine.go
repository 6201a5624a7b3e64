package attention

import (
	"errors"
	"fmt"
	"math"

	"github.com/kelpie-ml/kelpie/kvcache"
	"github.com/kelpie-ml/kelpie/ml"
)

var (
	ErrNotDecoder     = errors.New("attention: only decoder self-attention is supported")
	ErrQuantizedCache = errors.New("attention: non-identity key/value scales are not supported")
	ErrMissingMask    = errors.New("attention: state requires an attention mask")
)

// Kind distinguishes decoder self-attention from the variants this engine
// does not implement.
type Kind int

const (
	KindDecoder Kind = iota
	KindEncoder
	KindCrossAttention
)

// fusedTile is the key-cache tile width of the fused mixed-batch kernel.
// Head sizes that are not a multiple of it take the explicit-offset path.
const fusedTile = 128

// Config describes one attention layer.
type Config struct {
	NumHeads   int
	NumKVHeads int
	HeadSize   int

	// Scale is the softmax scale; zero means 1/sqrt(HeadSize).
	Scale float32

	// KScale and VScale are cache dequantization scales; zero means 1.
	// Anything but identity is rejected rather than silently ignored.
	KScale float32
	VScale float32

	Kind Kind
}

// Engine executes attention for one layer. Construct one per layer and call
// Forward once per step; the engine holds no per-step state.
type Engine struct {
	backend ml.Backend

	numHeads   int
	numKVHeads int
	headSize   int
	scale      float32
}

func NewEngine(backend ml.Backend, cfg Config) (*Engine, error) {
	if cfg.Kind != KindDecoder {
		return nil, ErrNotDecoder
	}

	if cfg.NumHeads <= 0 || cfg.NumKVHeads <= 0 || cfg.NumHeads%cfg.NumKVHeads != 0 {
		return nil, fmt.Errorf("attention: %d query heads not divisible by %d kv heads", cfg.NumHeads, cfg.NumKVHeads)
	}

	if (cfg.KScale != 0 && cfg.KScale != 1) || (cfg.VScale != 0 && cfg.VScale != 1) {
		return nil, fmt.Errorf("%w (k=%v, v=%v)", ErrQuantizedCache, cfg.KScale, cfg.VScale)
	}

	scale := cfg.Scale
	if scale == 0 {
		scale = float32(1 / math.Sqrt(float64(cfg.HeadSize)))
	}

	return &Engine{
		backend:    backend,
		numHeads:   cfg.NumHeads,
		numKVHeads: cfg.NumKVHeads,
		headSize:   cfg.HeadSize,
		scale:      scale,
	}, nil
}

// Forward runs one attention step: it scatter-writes the step's key/value
// rows into the cache, then attends with the kernel strategy selected by the
// metadata's execution state.
//
// A nil meta is a warm-up call: the output is correctly shaped zeros and
// neither the cache nor any kernel is touched. query is (numTokens,
// numHeads, headSize); key and value are (numTokens, numKVHeads, headSize).
// The output keeps the head axis separate as (numTokens, numHeads,
// headSize); callers flatten the trailing two axes into hiddenSize when
// feeding the output projection.
func (e *Engine) Forward(ctx ml.Context, query, key, value ml.Tensor, cache *kvcache.Cache, meta *Metadata) (ml.Tensor, error) {
	numTokens := query.Dim(0)

	if meta == nil {
		return ctx.Zeros(ml.DTypeF32, numTokens, e.numHeads, e.headSize), nil
	}

	if meta.NumTokens != numTokens {
		return nil, fmt.Errorf("attention: metadata covers %d tokens, query has %d", meta.NumTokens, numTokens)
	}

	if cache.Capacity() > 0 {
		e.backend.ReshapeAndCache(ctx, key, value, cache.Keys(), cache.Values(), meta.SlotMapping)
	}

	out := ctx.Empty(ml.DTypeF32, numTokens, e.numHeads, e.headSize)

	switch meta.State {
	case PrefillOnly:
		if meta.Mask == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingMask, meta.State)
		}
		e.backend.FlashAttention(ctx, out, query, key, value, meta.Mask, meta.QueryLens, e.scale, e.numHeads, e.numKVHeads)

	case DecodeOnly:
		e.backend.PagedAttention(ctx, out, query, cache.Keys(), cache.Values(), meta.BlockTables, meta.SeqLens, e.scale, e.numHeads, e.numKVHeads)

	case ChunkedPrefill:
		if e.headSize%fusedTile != 0 {
			cuQ, cuK, maxQ, maxK := cumulative(meta.QueryLens, meta.SeqLens)
			e.backend.ChunkedPrefillAttention(ctx, out, query, cache.Keys(), cache.Values(), meta.BlockTables, cuQ, cuK, maxQ, maxK, e.scale, e.numHeads, e.numKVHeads)
			break
		}

		if meta.Mask == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingMask, meta.State)
		}
		e.backend.PagedAttentionSplitfuse(ctx, out, query, cache.Keys(), cache.Values(), meta.Mask, meta.BlockTables, meta.QueryLens, meta.SeqLens, e.scale, e.numHeads, e.numKVHeads)
	}

	return out, nil
}

// cumulative builds the (numSeqs+1,) running-sum arrays and maxima the
// explicit-offset kernel addresses sequences by.
func cumulative(queryLens, seqLens []int32) (cuQ, cuK []int32, maxQ, maxK int32) {
	cuQ = make([]int32, len(queryLens)+1)
	cuK = make([]int32, len(seqLens)+1)

	for i := range queryLens {
		cuQ[i+1] = cuQ[i] + queryLens[i]
		cuK[i+1] = cuK[i] + seqLens[i]
		maxQ = max(maxQ, queryLens[i])
		maxK = max(maxK, seqLens[i])
	}

	return cuQ, cuK, maxQ, maxK
}
