package kvcache

import (
	"testing"

	"github.com/kelpie-ml/kelpie/ml"
	"github.com/kelpie-ml/kelpie/ml/backend/cpu"
)

func TestCopyBlocks(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()
	defer ctx.Close()

	cache := NewCache(ctx, ml.DTypeF32, 4, 2, 1, 2)

	// Fill block 0 with ones via a scatter write of slots 0 and 1.
	ones := ctx.FromFloats([]float32{1, 1, 1, 1}, 2, 1, 2)
	backend.ReshapeAndCache(ctx, ones, ones, cache.Keys(), cache.Values(), ctx.FromInts([]int32{0, 1}, 2))

	cache.CopyBlocks(backend, ctx, [][2]int32{{0, 3}})

	keys := cache.Keys().Floats()
	blockElems := cache.BlockSize() * cache.NumKVHeads() * cache.HeadSize()
	for j := 0; j < blockElems; j++ {
		if keys[3*blockElems+j] != 1 {
			t.Fatalf("block 3 element %d = %v, want 1", j, keys[3*blockElems+j])
		}
	}
}

func TestSwapBlocks(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()
	defer ctx.Close()

	src := NewCache(ctx, ml.DTypeF32, 2, 2, 1, 2)
	dst := NewCache(ctx, ml.DTypeF32, 2, 2, 1, 2)

	vals := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 1, 2)
	backend.ReshapeAndCache(ctx, vals, vals, src.Keys(), src.Values(), ctx.FromInts([]int32{2, 3}, 2))

	if err := src.SwapBlocks(backend, ctx, dst, [][2]int32{{1, 0}}); err != nil {
		t.Fatal(err)
	}

	got := dst.Keys().Floats()
	want := []float32{1, 2, 3, 4}
	for j := range want {
		if got[j] != want[j] {
			t.Fatalf("dst block 0 = %v, want %v", got[:4], want)
		}
	}
}

func TestSwapBlocksGeometryMismatch(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()
	defer ctx.Close()

	src := NewCache(ctx, ml.DTypeF32, 2, 2, 1, 2)
	dst := NewCache(ctx, ml.DTypeF32, 2, 4, 1, 2)

	if err := src.SwapBlocks(backend, ctx, dst, [][2]int32{{0, 0}}); err == nil {
		t.Fatal("expected geometry mismatch error")
	}
}

func TestWarmupCache(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()
	defer ctx.Close()

	cache := NewCache(ctx, ml.DTypeF32, 0, 16, 2, 8)
	if cache.Capacity() != 0 {
		t.Fatalf("capacity = %d, want 0", cache.Capacity())
	}

	// No-ops on an unallocated cache must not panic.
	cache.CopyBlocks(backend, ctx, [][2]int32{{0, 1}})
}
