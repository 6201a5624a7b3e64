package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/kelpie-ml/kelpie/attention"
	"github.com/kelpie-ml/kelpie/envconfig"
	"github.com/kelpie-ml/kelpie/format"
	"github.com/kelpie-ml/kelpie/kvcache"
	"github.com/kelpie-ml/kelpie/logutil"
	"github.com/kelpie-ml/kelpie/ml"
	_ "github.com/kelpie-ml/kelpie/ml/backend/cpu"
)

func attentionCmd() *cobra.Command {
	var (
		numSeqs     int
		prefillLen  int
		decodeSteps int
		numHeads    int
		numKVHeads  int
		headSize    int
		numBlocks   int
	)

	cmd := &cobra.Command{
		Use:   "attention",
		Short: "Benchmark paged-attention prefill and decode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttention(numSeqs, prefillLen, decodeSteps, numHeads, numKVHeads, headSize, numBlocks)
		},
	}

	cmd.Flags().IntVar(&numSeqs, "seqs", 4, "number of sequences")
	cmd.Flags().IntVar(&prefillLen, "prefill", 128, "prompt tokens per sequence")
	cmd.Flags().IntVar(&decodeSteps, "decode", 32, "decode steps after prefill")
	cmd.Flags().IntVar(&numHeads, "heads", 8, "query heads")
	cmd.Flags().IntVar(&numKVHeads, "kv-heads", 2, "key/value heads")
	cmd.Flags().IntVar(&headSize, "head-size", 64, "head size")
	cmd.Flags().IntVar(&numBlocks, "blocks", 1024, "cache blocks")

	return cmd
}

func runAttention(numSeqs, prefillLen, decodeSteps, numHeads, numKVHeads, headSize, numBlocks int) error {
	backend, err := ml.NewBackend(envconfig.Backend())
	if err != nil {
		return err
	}

	ctx := backend.NewContext()
	defer ctx.Close()

	blockSize := int(envconfig.BlockSize())

	mgr := kvcache.NewManager(numBlocks, blockSize)
	cache := kvcache.NewCache(ctx, ml.DTypeF32, numBlocks, blockSize, numKVHeads, headSize)
	builder := attention.NewBuilder(blockSize, numBlocks)

	engine, err := attention.NewEngine(backend, attention.Config{
		NumHeads:   numHeads,
		NumKVHeads: numKVHeads,
		HeadSize:   headSize,
	})
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(0))
	randTensor := func(shape ...int) ml.Tensor {
		n := 1
		for _, d := range shape {
			n *= d
		}
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = rng.Float32() - 0.5
		}
		return ctx.FromFloats(vals, shape...)
	}

	step := func(batch attention.Batch, numTokens int) (time.Duration, error) {
		meta, err := builder.Build(ctx, batch)
		if err != nil {
			return 0, err
		}

		q := randTensor(numTokens, numHeads, headSize)
		k := randTensor(numTokens, numKVHeads, headSize)
		v := randTensor(numTokens, numKVHeads, headSize)

		start := time.Now()
		out, err := engine.Forward(ctx, q, k, v, cache, meta)
		if err != nil {
			return 0, err
		}
		elapsed := time.Since(start)

		if slog.Default().Enabled(context.TODO(), logutil.LevelTrace) {
			slog.Log(context.TODO(), logutil.LevelTrace, "attention step", "state", meta.State.String(), "output", ml.Dump(out))
		}

		return elapsed, nil
	}

	prefill := attention.Batch{
		QueryLens:   make([]int32, numSeqs),
		ContextLens: make([]int32, numSeqs),
		BlockTables: make([][]int32, numSeqs),
	}
	for s := 0; s < numSeqs; s++ {
		if _, err := mgr.Allocate(s, int32(prefillLen)); err != nil {
			return err
		}
		prefill.QueryLens[s] = int32(prefillLen)
		prefill.BlockTables[s] = mgr.BlockTable(s)
	}

	prefillTime, err := step(prefill, numSeqs*prefillLen)
	if err != nil {
		return err
	}

	var decodeTime time.Duration
	for i := 0; i < decodeSteps; i++ {
		decode := attention.Batch{
			QueryLens:   make([]int32, numSeqs),
			ContextLens: make([]int32, numSeqs),
			BlockTables: make([][]int32, numSeqs),
		}
		for s := 0; s < numSeqs; s++ {
			decode.ContextLens[s] = mgr.ContextLen(s)
			decode.QueryLens[s] = 1
			if err := mgr.Append(s, 1); err != nil {
				return err
			}
			decode.BlockTables[s] = mgr.BlockTable(s)
		}

		d, err := step(decode, numSeqs)
		if err != nil {
			return err
		}
		decodeTime += d
	}

	cacheBytes := int64(2 * ml.Elems(cache.Keys()) * 4)

	table := newTable([]string{"PHASE", "STEPS", "TOKENS", "TIME", "TOKENS/S"})
	table.AppendBulk([][]string{
		benchRow("prefill", 1, numSeqs*prefillLen, prefillTime),
		benchRow("decode", decodeSteps, numSeqs*decodeSteps, decodeTime),
	})
	table.Render()

	fmt.Printf("\nbackend %s, block size %d, cache %s (%s blocks)\n",
		backend.Name(), blockSize, format.HumanBytes(cacheBytes), format.HumanNumber(uint64(numBlocks)))

	return nil
}

func benchRow(phase string, steps, tokens int, d time.Duration) []string {
	return []string{
		phase,
		fmt.Sprintf("%d", steps),
		format.HumanNumber(uint64(tokens)),
		d.Round(time.Microsecond).String(),
		fmt.Sprintf("%.0f", float64(tokens)/d.Seconds()),
	}
}
