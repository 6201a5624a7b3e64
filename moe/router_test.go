package moe

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectExpertsRenormalize(t *testing.T) {
	rng := rand.New(rand.NewSource(0))

	for _, scoring := range []Scoring{ScoringSoftmax, ScoringSigmoid} {
		t.Run(scoring.String(), func(t *testing.T) {
			const (
				numTokens  = 16
				numExperts = 8
				topK       = 3
			)

			logits := make([]float32, numTokens*numExperts)
			for i := range logits {
				logits[i] = rng.Float32()*4 - 2
			}

			weights, ids, err := SelectExperts(logits, numTokens, numExperts, RouterOptions{
				TopK:        topK,
				Scoring:     scoring,
				Renormalize: true,
			})
			require.NoError(t, err)
			require.Len(t, weights, numTokens*topK)
			require.Len(t, ids, numTokens*topK)

			for tok := 0; tok < numTokens; tok++ {
				var sum float32
				for k := 0; k < topK; k++ {
					id := ids[tok*topK+k]
					assert.GreaterOrEqual(t, id, int32(0))
					assert.Less(t, id, int32(numExperts))
					sum += weights[tok*topK+k]
				}
				assert.InDelta(t, 1.0, sum, 1e-5, "token %d weights should sum to 1", tok)
			}
		})
	}
}

func TestSelectExpertsTopK(t *testing.T) {
	// One token with a clear ordering: expert 2 > expert 0 > expert 3.
	logits := []float32{1, -2, 3, 0}

	weights, ids, err := SelectExperts(logits, 1, 4, RouterOptions{TopK: 2, Scoring: ScoringSoftmax})
	require.NoError(t, err)

	assert.Equal(t, []int32{2, 0}, ids)
	assert.Greater(t, weights[0], weights[1])
}

func TestCorrectionBiasSelectsButDoesNotWeigh(t *testing.T) {
	// Unbiased, expert 0 wins; the bias flips selection to expert 3 while
	// the returned weight must still be expert 3's unbiased score.
	logits := []float32{2, 0, 0, 1.5}
	bias := []float32{0, 0, 0, 10}

	unbiased, _, err := SelectExperts(logits, 1, 4, RouterOptions{TopK: 1, Scoring: ScoringSigmoid})
	require.NoError(t, err)

	weights, ids, err := SelectExperts(logits, 1, 4, RouterOptions{
		TopK:           1,
		Scoring:        ScoringSigmoid,
		CorrectionBias: bias,
	})
	require.NoError(t, err)

	require.Equal(t, []int32{3}, ids, "bias should flip the selection")
	assert.InDelta(t, sigmoid(1.5), weights[0], 1e-6, "weight must use the unbiased score")
	assert.NotEqual(t, unbiased[0], weights[0])
}

func TestGroupedTopK(t *testing.T) {
	// 8 experts in 4 groups of 2. Group 1 (experts 2,3) holds the best
	// score; with topk_groups=1 the runner-up expert 4 in group 2 must be
	// excluded even though it outscores expert 2.
	logits := []float32{0, 0, 1, 5, 2, 0, 0, 0}

	_, ids, err := SelectExperts(logits, 1, 8, RouterOptions{
		TopK:            2,
		Scoring:         ScoringSoftmax,
		NumExpertGroups: 4,
		TopKGroups:      1,
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{3, 2}, ids)
}

func TestSelectExpertsFaults(t *testing.T) {
	logits := make([]float32, 8)

	cases := []struct {
		name string
		opts RouterOptions
		want error
	}{
		{"custom routing", RouterOptions{TopK: 1, CustomRouting: func([]float32, int) ([]float32, []int32) { return nil, nil }}, ErrCustomRouting},
		{"bad scoring", RouterOptions{TopK: 1, Scoring: Scoring(42)}, ErrScoring},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := SelectExperts(logits, 1, 8, tt.opts)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}

	t.Run("top_k too large", func(t *testing.T) {
		_, _, err := SelectExperts(logits, 1, 8, RouterOptions{TopK: 9, Scoring: ScoringSoftmax})
		assert.Error(t, err)
	})

	t.Run("groups without topk_groups", func(t *testing.T) {
		_, _, err := SelectExperts(logits, 1, 8, RouterOptions{TopK: 1, Scoring: ScoringSoftmax, NumExpertGroups: 4})
		assert.Error(t, err)
	})

	t.Run("indivisible groups", func(t *testing.T) {
		_, _, err := SelectExperts(logits, 1, 8, RouterOptions{TopK: 1, Scoring: ScoringSoftmax, NumExpertGroups: 3, TopKGroups: 1})
		assert.Error(t, err)
	})

	t.Run("bias length", func(t *testing.T) {
		_, _, err := SelectExperts(logits, 1, 8, RouterOptions{TopK: 1, Scoring: ScoringSoftmax, CorrectionBias: []float32{1}})
		assert.Error(t, err)
	})
}

func TestSoftmaxScores(t *testing.T) {
	logits := []float32{1, 2, 3}

	weights, _, err := SelectExperts(logits, 1, 3, RouterOptions{TopK: 3, Scoring: ScoringSoftmax})
	require.NoError(t, err)

	var sum float32
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-5, "softmax over all experts sums to 1 without renormalize")

	want := float32(math.Exp(3) / (math.Exp(1) + math.Exp(2) + math.Exp(3)))
	assert.InDelta(t, want, weights[0], 1e-5)
}
