package moe

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpie-ml/kelpie/distributed"
	"github.com/kelpie-ml/kelpie/ml"
	"github.com/kelpie-ml/kelpie/ml/backend/cpu"
)

// refExpert applies one expert's gated transform to a single row.
func refExpert(x, w13, w2 []float32, hiddenSize, interSize int) []float32 {
	up := make([]float64, 2*interSize)
	for j := range up {
		for k := 0; k < hiddenSize; k++ {
			up[j] += float64(x[k]) * float64(w13[k*2*interSize+j])
		}
	}

	act := make([]float64, interSize)
	for j := range act {
		gate := up[j]
		act[j] = gate / (1 + math.Exp(-gate)) * up[interSize+j]
	}

	out := make([]float32, hiddenSize)
	for j := range out {
		var sum float64
		for k := 0; k < interSize; k++ {
			sum += act[k] * float64(w2[k*hiddenSize+j])
		}
		out[j] = float32(sum)
	}

	return out
}

func assertClose(t *testing.T, want, got []float32, tol float64) {
	t.Helper()

	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol, "element %d", i)
	}
}

// TestLayerSingleExpertPerToken routes 4 tokens across 2 experts with
// top_k=1: each token's output must be its expert's transform of its own
// embedding scaled by its single routing weight.
func TestLayerSingleExpertPerToken(t *testing.T) {
	const (
		numTokens  = 4
		numExperts = 2
		hiddenSize = 3
		interSize  = 2
	)

	backend := cpu.New()
	ctx := backend.NewContext()
	defer ctx.Close()

	rng := rand.New(rand.NewSource(1))
	rand32 := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = rng.Float32() - 0.5
		}
		return out
	}

	w13 := rand32(numExperts * hiddenSize * 2 * interSize)
	w2 := rand32(numExperts * interSize * hiddenSize)

	layer, err := NewLayer(backend, Config{
		NumExperts: numExperts,
		HiddenSize: hiddenSize,
		InterSize:  interSize,
		Router:     RouterOptions{TopK: 1, Scoring: ScoringSoftmax, Renormalize: true},
	}, &Experts{
		W13: ctx.FromFloats(w13, numExperts, hiddenSize, 2*interSize),
		W2:  ctx.FromFloats(w2, numExperts, interSize, hiddenSize),
	})
	require.NoError(t, err)

	hf := rand32(numTokens * hiddenSize)
	// Tokens 0 and 2 prefer expert 0; tokens 1 and 3 prefer expert 1.
	lf := []float32{3, 0, -1, 2, 4, 1, 0, 5}

	out, err := layer.Forward(ctx,
		ctx.FromFloats(hf, numTokens, hiddenSize),
		ctx.FromFloats(lf, numTokens, numExperts),
		true)
	require.NoError(t, err)

	// top_k=1 with renormalize makes every routing weight exactly 1.
	wantExperts := []int{0, 1, 0, 1}
	outf := out.Floats()
	for tok := 0; tok < numTokens; tok++ {
		e := wantExperts[tok]
		want := refExpert(
			hf[tok*hiddenSize:(tok+1)*hiddenSize],
			w13[e*hiddenSize*2*interSize:(e+1)*hiddenSize*2*interSize],
			w2[e*interSize*hiddenSize:(e+1)*interSize*hiddenSize],
			hiddenSize, interSize)
		assertClose(t, want, outf[tok*hiddenSize:(tok+1)*hiddenSize], 1e-5)
	}
}

// TestNotOwnedExpertContributesZero runs the local permute-compute-combine
// flow on a rank that does not own expert 3: a token routed solely to it
// must come out all zero even though the grouped matmul leaves the
// sentinel row undefined.
func TestNotOwnedExpertContributesZero(t *testing.T) {
	const (
		hiddenSize = 2
		interSize  = 2
	)

	backend := cpu.New()
	ctx := backend.NewContext()
	defer ctx.Close()

	m, err := DetermineExpertMap(2, 0, 4)
	require.NoError(t, err)
	require.Equal(t, NotOwned, m.Local(3))

	experts := &Experts{
		W13: ctx.FromFloats(make([]float32, m.NumLocal()*hiddenSize*2*interSize), m.NumLocal(), hiddenSize, 2*interSize),
		W2:  ctx.FromFloats(make([]float32, m.NumLocal()*interSize*hiddenSize), m.NumLocal(), interSize, hiddenSize),
	}

	// Token 0 routes to owned expert 0, token 1 solely to expert 3.
	ids := []int32{0, 3}
	weights := []float32{1, 1}
	hidden := []float32{1, 2, 3, 4}

	plan := BuildPlan(ids, weights, m, 1)
	rows := ctx.FromFloats(plan.Gather(hidden, hiddenSize), len(plan.Perm), hiddenSize)
	expertOut := backend.GroupedMatmul(ctx, rows, experts.W13, plan.GroupBounds)

	// The kernel is allowed to leave the sentinel row poisoned.
	sentinelRow := expertOut.Floats()[plan.NumValid*2*interSize:]
	for _, v := range sentinelRow {
		assert.True(t, math.IsNaN(float64(v)), "expected poisoned sentinel row, got %v", v)
	}

	out := make([]float32, len(hidden))
	down := backend.GroupedMatmul(ctx, backend.SwiGLU(ctx, expertOut), experts.W2, plan.GroupBounds)
	plan.Combine(out, down.Floats(), hiddenSize)

	assert.Equal(t, []float32{0, 0}, out[2:4], "token 1's row must be exactly zero")
}

// TestExpertParallelMatchesSingleRank checks both distributed paths against
// a single-rank layer holding all experts.
func TestExpertParallelMatchesSingleRank(t *testing.T) {
	const (
		numTokens  = 6
		numExperts = 4
		topK       = 2
		hiddenSize = 4
		interSize  = 3
		worldSize  = 2
	)

	rng := rand.New(rand.NewSource(7))
	rand32 := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = rng.Float32() - 0.5
		}
		return out
	}

	w13 := rand32(numExperts * hiddenSize * 2 * interSize)
	w2 := rand32(numExperts * interSize * hiddenSize)

	tokens := make([][]float32, worldSize)
	logits := make([][]float32, worldSize)
	for r := range tokens {
		tokens[r] = rand32(numTokens * hiddenSize)
		logits[r] = rand32(numTokens * numExperts)
	}

	router := RouterOptions{TopK: topK, Scoring: ScoringSoftmax, Renormalize: true}

	// Reference: all experts on one rank.
	single := func(hidden, lg []float32) []float32 {
		backend := cpu.New()
		ctx := backend.NewContext()
		defer ctx.Close()

		layer, err := NewLayer(backend, Config{
			NumExperts: numExperts,
			HiddenSize: hiddenSize,
			InterSize:  interSize,
			Router:     router,
		}, &Experts{
			W13: ctx.FromFloats(w13, numExperts, hiddenSize, 2*interSize),
			W2:  ctx.FromFloats(w2, numExperts, interSize, hiddenSize),
		})
		require.NoError(t, err)

		out, err := layer.Forward(ctx,
			ctx.FromFloats(hidden, numTokens, hiddenSize),
			ctx.FromFloats(lg, numTokens, numExperts),
			true)
		require.NoError(t, err)
		return out.Floats()
	}

	newRankLayer := func(g distributed.Group, backend ml.Backend, ctx ml.Context) (*Layer, error) {
		m, err := DetermineExpertMap(worldSize, g.Rank(), numExperts)
		if err != nil {
			return nil, err
		}

		perExpert13 := hiddenSize * 2 * interSize
		perExpert2 := interSize * hiddenSize
		start := 0
		for e := 0; e < numExperts; e++ {
			if m.Local(int32(e)) == 0 {
				start = e
			}
		}

		return NewLayer(backend, Config{
			NumExperts: numExperts,
			HiddenSize: hiddenSize,
			InterSize:  interSize,
			Router:     router,
			EP:         g,
		}, &Experts{
			W13: ctx.FromFloats(w13[start*perExpert13:(start+m.NumLocal())*perExpert13], m.NumLocal(), hiddenSize, 2*interSize),
			W2:  ctx.FromFloats(w2[start*perExpert2:(start+m.NumLocal())*perExpert2], m.NumLocal(), interSize, hiddenSize),
		})
	}

	t.Run("local mode with all-reduce", func(t *testing.T) {
		// Replicated batch: every rank sees the same tokens (prefill path).
		want := single(tokens[0], logits[0])

		err := distributed.Run(worldSize, func(g distributed.Group) error {
			backend := cpu.New()
			ctx := backend.NewContext()
			defer ctx.Close()

			layer, err := newRankLayer(g, backend, ctx)
			if err != nil {
				return err
			}

			out, err := layer.Forward(ctx,
				ctx.FromFloats(tokens[0], numTokens, hiddenSize),
				ctx.FromFloats(logits[0], numTokens, numExperts),
				true)
			if err != nil {
				return err
			}

			got := out.Floats()
			for i := range want {
				if math.Abs(float64(got[i])-float64(want[i])) > 1e-4 {
					return fmt.Errorf("rank %d element %d: got %v, want %v", g.Rank(), i, got[i], want[i])
				}
			}
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("dispatch mode", func(t *testing.T) {
		// Each rank holds its own tokens (decode path).
		wants := make([][]float32, worldSize)
		for r := 0; r < worldSize; r++ {
			wants[r] = single(tokens[r], logits[r])
		}

		err := distributed.Run(worldSize, func(g distributed.Group) error {
			backend := cpu.New()
			ctx := backend.NewContext()
			defer ctx.Close()

			layer, err := newRankLayer(g, backend, ctx)
			if err != nil {
				return err
			}

			out, err := layer.Forward(ctx,
				ctx.FromFloats(tokens[g.Rank()], numTokens, hiddenSize),
				ctx.FromFloats(logits[g.Rank()], numTokens, numExperts),
				false)
			if err != nil {
				return err
			}

			want := wants[g.Rank()]
			got := out.Floats()
			for i := range want {
				if math.Abs(float64(got[i])-float64(want[i])) > 1e-4 {
					return fmt.Errorf("rank %d element %d: got %v, want %v", g.Rank(), i, got[i], want[i])
				}
			}
			return nil
		})
		require.NoError(t, err)
	})
}

func TestLayerFaults(t *testing.T) {
	backend := cpu.New()
	ctx := backend.NewContext()
	defer ctx.Close()

	experts := &Experts{
		W13: ctx.FromFloats(make([]float32, 2*2*4), 2, 2, 4),
		W2:  ctx.FromFloats(make([]float32, 2*2*2), 2, 2, 2),
	}

	t.Run("custom routing rejected at construction", func(t *testing.T) {
		_, err := NewLayer(backend, Config{
			NumExperts: 2,
			HiddenSize: 2,
			InterSize:  2,
			Router: RouterOptions{
				TopK:          1,
				CustomRouting: func([]float32, int) ([]float32, []int32) { return nil, nil },
			},
		}, experts)
		assert.ErrorIs(t, err, ErrCustomRouting)
	})

	t.Run("weight shape mismatch", func(t *testing.T) {
		_, err := NewLayer(backend, Config{
			NumExperts: 4,
			HiddenSize: 2,
			InterSize:  2,
			Router:     RouterOptions{TopK: 1},
		}, experts)
		assert.Error(t, err)
	})
}
