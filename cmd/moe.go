package cmd

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/kelpie-ml/kelpie/distributed"
	"github.com/kelpie-ml/kelpie/envconfig"
	"github.com/kelpie-ml/kelpie/ml"
	"github.com/kelpie-ml/kelpie/moe"
)

func moeCmd() *cobra.Command {
	var (
		numTokens  int
		numExperts int
		topK       int
		hiddenSize int
		interSize  int
		prefill    bool
	)

	cmd := &cobra.Command{
		Use:   "moe",
		Short: "Benchmark MoE routing, dispatch and expert compute",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMoE(numTokens, numExperts, topK, hiddenSize, interSize, prefill)
		},
	}

	cmd.Flags().IntVar(&numTokens, "tokens", 256, "tokens per rank")
	cmd.Flags().IntVar(&numExperts, "experts", 8, "global experts")
	cmd.Flags().IntVar(&topK, "top-k", 2, "experts per token")
	cmd.Flags().IntVar(&hiddenSize, "hidden", 512, "hidden size")
	cmd.Flags().IntVar(&interSize, "inter", 1024, "expert intermediate size")
	cmd.Flags().BoolVar(&prefill, "prefill", false, "benchmark the prefill (local routing) path")

	return cmd
}

func runMoE(numTokens, numExperts, topK, hiddenSize, interSize int, prefill bool) error {
	worldSize := int(envconfig.ExpertParallel())
	if worldSize < 2 {
		return moeRank(distributed.Single(), numTokens, numExperts, topK, hiddenSize, interSize, prefill)
	}

	return distributed.Run(worldSize, func(g distributed.Group) error {
		return moeRank(g, numTokens, numExperts, topK, hiddenSize, interSize, prefill)
	})
}

// tableMu keeps concurrent ranks from interleaving their output rows.
var tableMu sync.Mutex

func moeRank(g distributed.Group, numTokens, numExperts, topK, hiddenSize, interSize int, prefill bool) error {
	backend, err := ml.NewBackend(envconfig.Backend())
	if err != nil {
		return err
	}

	ctx := backend.NewContext()
	defer ctx.Close()

	var numLocal int
	if g.WorldSize() > 1 {
		m, err := moe.DetermineExpertMap(g.WorldSize(), g.Rank(), numExperts)
		if err != nil {
			return err
		}
		numLocal = m.NumLocal()
	} else {
		numLocal = numExperts
	}

	rng := rand.New(rand.NewSource(int64(g.Rank())))
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

	layer, err := moe.NewLayer(backend, moe.Config{
		NumExperts: numExperts,
		HiddenSize: hiddenSize,
		InterSize:  interSize,
		Router: moe.RouterOptions{
			TopK:        topK,
			Scoring:     moe.ScoringSoftmax,
			Renormalize: true,
		},
		EP:            g,
		ForceDispatch: envconfig.ExpertAllToAll(),
	}, &moe.Experts{
		W13: randTensor(numLocal, hiddenSize, 2*interSize),
		W2:  randTensor(numLocal, interSize, hiddenSize),
	})
	if err != nil {
		return err
	}

	hidden := randTensor(numTokens, hiddenSize)
	logits := randTensor(numTokens, numExperts)

	start := time.Now()
	if _, err := layer.Forward(ctx, hidden, logits, prefill); err != nil {
		return err
	}
	elapsed := time.Since(start)

	phase := "decode"
	if prefill {
		phase = "prefill"
	}

	tableMu.Lock()
	defer tableMu.Unlock()

	table := newTable([]string{"RANK", "PHASE", "TOKENS", "LOCAL EXPERTS", "TIME", "TOKENS/S"})
	table.Append([]string{
		fmt.Sprintf("%d/%d", g.Rank(), g.WorldSize()),
		phase,
		fmt.Sprintf("%d", numTokens),
		fmt.Sprintf("%d", numLocal),
		elapsed.Round(time.Microsecond).String(),
		fmt.Sprintf("%.0f", float64(numTokens)/elapsed.Seconds()),
	})
	table.Render()

	return nil
}
