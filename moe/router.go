// Package moe implements sparse mixture-of-experts routing and execution:
// per-token expert selection, the permutation that groups tokens by expert,
// distributed dispatch and combine across expert-parallel ranks, and the
// grouped expert transform.
package moe

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrScoring       = errors.New("moe: unsupported scoring function")
	ErrCustomRouting = errors.New("moe: custom routing functions are not supported")
)

// Scoring selects how router logits become scores.
type Scoring int

const (
	ScoringSoftmax Scoring = iota
	ScoringSigmoid
)

func (s Scoring) String() string {
	switch s {
	case ScoringSoftmax:
		return "softmax"
	case ScoringSigmoid:
		return "sigmoid"
	default:
		return fmt.Sprintf("scoring(%d)", int(s))
	}
}

// RouterOptions configures expert selection for one MoE layer.
type RouterOptions struct {
	TopK    int
	Scoring Scoring

	// NumExpertGroups > 0 enables group-restricted selection: experts are
	// partitioned into that many contiguous equal-size groups and only the
	// TopKGroups best-scoring groups survive.
	NumExpertGroups int
	TopKGroups      int

	// CorrectionBias perturbs selection scores only; returned weights always
	// come from the unbiased scores. Length must be the expert count.
	CorrectionBias []float32

	// Renormalize divides each token's selected weights by their sum.
	Renormalize bool

	// CustomRouting is accepted in configuration for compatibility but is
	// not implemented; a non-nil value is rejected loudly rather than
	// silently ignored.
	CustomRouting func(logits []float32, topK int) ([]float32, []int32)
}

// SelectExperts scores each token's logits and picks its TopK experts.
// logits is (numTokens, numExperts) row-major. It returns flat
// (numTokens, TopK) weights and expert ids in matching order, weights
// descending per token.
func SelectExperts(logits []float32, numTokens, numExperts int, opts RouterOptions) ([]float32, []int32, error) {
	if opts.CustomRouting != nil {
		return nil, nil, ErrCustomRouting
	}

	if opts.Scoring != ScoringSoftmax && opts.Scoring != ScoringSigmoid {
		return nil, nil, fmt.Errorf("%w: %s", ErrScoring, opts.Scoring)
	}

	if opts.TopK < 1 || opts.TopK > numExperts {
		return nil, nil, fmt.Errorf("moe: top_k %d outside [1, %d]", opts.TopK, numExperts)
	}

	if len(logits) != numTokens*numExperts {
		return nil, nil, fmt.Errorf("moe: logits have %d elements, want %d tokens x %d experts", len(logits), numTokens, numExperts)
	}

	grouped := opts.NumExpertGroups > 0
	if grouped {
		if opts.TopKGroups < 1 || opts.TopKGroups > opts.NumExpertGroups {
			return nil, nil, fmt.Errorf("moe: topk_groups %d outside [1, %d]", opts.TopKGroups, opts.NumExpertGroups)
		}
		if numExperts%opts.NumExpertGroups != 0 {
			return nil, nil, fmt.Errorf("moe: %d experts not divisible into %d groups", numExperts, opts.NumExpertGroups)
		}
	}

	if opts.CorrectionBias != nil && len(opts.CorrectionBias) != numExperts {
		return nil, nil, fmt.Errorf("moe: correction bias has %d entries, want %d", len(opts.CorrectionBias), numExperts)
	}

	weights := make([]float32, numTokens*opts.TopK)
	ids := make([]int32, numTokens*opts.TopK)

	scores := make([]float32, numExperts)
	selection := make([]float32, numExperts)

	for t := 0; t < numTokens; t++ {
		row := logits[t*numExperts : (t+1)*numExperts]

		switch opts.Scoring {
		case ScoringSoftmax:
			softmaxInto(scores, row)
		case ScoringSigmoid:
			for i, v := range row {
				scores[i] = sigmoid(v)
			}
		}

		// Selection scores and returned weights are deliberately separate:
		// the bias steers which experts win, never how much they weigh.
		copy(selection, scores)
		if opts.CorrectionBias != nil {
			for i := range selection {
				selection[i] += opts.CorrectionBias[i]
			}
		}

		if grouped {
			maskLosingGroups(selection, opts.NumExpertGroups, opts.TopKGroups)
		}

		top := topK(selection, opts.TopK)
		for k, expert := range top {
			ids[t*opts.TopK+k] = int32(expert)
			weights[t*opts.TopK+k] = scores[expert]
		}

		if opts.Renormalize {
			renormalize(weights[t*opts.TopK : (t+1)*opts.TopK])
		}
	}

	return weights, ids, nil
}

// maskLosingGroups zeroes the selection scores of every expert outside the
// topKGroups groups with the highest per-group maximum.
func maskLosingGroups(selection []float32, numGroups, topKGroups int) {
	groupSize := len(selection) / numGroups

	groupScores := make([]float32, numGroups)
	for g := range groupScores {
		best := float32(math.Inf(-1))
		for _, v := range selection[g*groupSize : (g+1)*groupSize] {
			if v > best {
				best = v
			}
		}
		groupScores[g] = best
	}

	keep := make(map[int]bool, topKGroups)
	for _, g := range topK(groupScores, topKGroups) {
		keep[g] = true
	}

	for g := 0; g < numGroups; g++ {
		if !keep[g] {
			for i := g * groupSize; i < (g+1)*groupSize; i++ {
				selection[i] = 0
			}
		}
	}
}

// topK returns the indices of the k largest values, descending, ties broken
// by lower index.
func topK(vals []float32, k int) []int {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}

	sort.SliceStable(idx, func(a, b int) bool { return vals[idx[a]] > vals[idx[b]] })

	return idx[:k]
}

func renormalize(w []float32) {
	var sum float32
	for _, v := range w {
		sum += v
	}
	if sum == 0 {
		return
	}
	for i := range w {
		w[i] /= sum
	}
}

func softmaxInto(dst, src []float32) {
	maxv := float32(math.Inf(-1))
	for _, v := range src {
		if v > maxv {
			maxv = v
		}
	}

	var sum float32
	for i, v := range src {
		dst[i] = float32(math.Exp(float64(v - maxv)))
		sum += dst[i]
	}

	for i := range dst {
		dst[i] /= sum
	}
}

func sigmoid(x float32) float32 {
	return 1 / (1 + float32(math.Exp(float64(-x))))
}
