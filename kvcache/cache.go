// Package kvcache implements the paged key/value store for attention: a
// fixed pool of blocks, the slot addressing scheme that maps logical
// sequence positions onto it, and the allocator that hands block chains to
// sequences.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/kelpie-ml/kelpie/ml"
)

var (
	ErrNoFreeBlocks = errors.New("kvcache: no free blocks")
	ErrUnknownSeq   = errors.New("kvcache: unknown sequence")
)

// Cache is the paged key/value store for one attention layer. Keys and
// values are (numBlocks, blockSize, numKVHeads, headSize) tensors, the two
// halves of the (2, numBlocks, blockSize, numKVHeads, headSize) handle the
// cache-space manager hands out. The shape is fixed for the cache's
// lifetime.
//
// A Cache is a single-owner handle: exactly one attention engine step may
// write to it at a time, and callers must serialize steps per cache. The
// only mutation path is the engine's scatter write plus the block
// maintenance operations below.
type Cache struct {
	numBlocks  int
	blockSize  int
	numKVHeads int
	headSize   int

	keys   ml.Tensor
	values ml.Tensor
}

func NewCache(ctx ml.Context, dtype ml.DType, numBlocks, blockSize, numKVHeads, headSize int) *Cache {
	c := &Cache{
		numBlocks:  numBlocks,
		blockSize:  blockSize,
		numKVHeads: numKVHeads,
		headSize:   headSize,
	}

	if numBlocks > 0 {
		c.keys = ctx.Zeros(dtype, numBlocks, blockSize, numKVHeads, headSize)
		c.values = ctx.Zeros(dtype, numBlocks, blockSize, numKVHeads, headSize)
	}

	return c
}

func (c *Cache) NumBlocks() int  { return c.numBlocks }
func (c *Cache) BlockSize() int  { return c.blockSize }
func (c *Cache) NumKVHeads() int { return c.numKVHeads }
func (c *Cache) HeadSize() int   { return c.headSize }

// Capacity returns the total number of token slots. A zero-capacity cache is
// valid and signals warm-up: the attention engine will not touch it.
func (c *Cache) Capacity() int {
	return c.numBlocks * c.blockSize
}

func (c *Cache) Keys() ml.Tensor   { return c.keys }
func (c *Cache) Values() ml.Tensor { return c.values }

// CopyBlocks duplicates blocks within the cache, e.g. when forking a
// sequence that shares a prefix.
func (c *Cache) CopyBlocks(backend ml.Backend, ctx ml.Context, srcToDst [][2]int32) {
	if len(srcToDst) == 0 || c.Capacity() == 0 {
		return
	}

	backend.CopyBlocks(ctx, c.keys, c.values, pairsTensor(ctx, srcToDst))
}

// SwapBlocks moves blocks from this cache into dst, used when migrating a
// sequence between cache tiers. Both caches must share block geometry.
func (c *Cache) SwapBlocks(backend ml.Backend, ctx ml.Context, dst *Cache, srcToDst [][2]int32) error {
	if c.blockSize != dst.blockSize || c.numKVHeads != dst.numKVHeads || c.headSize != dst.headSize {
		return fmt.Errorf("kvcache: block geometry mismatch (%d/%d/%d vs %d/%d/%d)",
			c.blockSize, c.numKVHeads, c.headSize, dst.blockSize, dst.numKVHeads, dst.headSize)
	}

	if len(srcToDst) == 0 {
		return nil
	}

	backend.SwapBlocks(ctx, c.keys, c.values, dst.keys, dst.values, pairsTensor(ctx, srcToDst))
	return nil
}

func pairsTensor(ctx ml.Context, srcToDst [][2]int32) ml.Tensor {
	flat := make([]int32, 0, 2*len(srcToDst))
	for _, p := range srcToDst {
		flat = append(flat, p[0], p[1])
	}

	return ctx.FromInts(flat, len(srcToDst), 2)
}
