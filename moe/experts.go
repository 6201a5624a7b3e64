package moe

import (
	"fmt"

	"github.com/kelpie-ml/kelpie/ml"
)

// Experts holds one rank's expert weights. W13 stacks the gate and up
// projections as (numLocal, hiddenSize, 2*interSize); W2 is the down
// projection (numLocal, interSize, hiddenSize).
type Experts struct {
	W13 ml.Tensor
	W2  ml.Tensor
}

func (e *Experts) validate(numLocal, hiddenSize, interSize int) error {
	if e.W13.Dim(0) != numLocal || e.W13.Dim(1) != hiddenSize || e.W13.Dim(2) != 2*interSize {
		return fmt.Errorf("moe: w13 is %v, want (%d, %d, %d)", e.W13.Shape(), numLocal, hiddenSize, 2*interSize)
	}
	if e.W2.Dim(0) != numLocal || e.W2.Dim(1) != interSize || e.W2.Dim(2) != hiddenSize {
		return fmt.Errorf("moe: w2 is %v, want (%d, %d, %d)", e.W2.Shape(), numLocal, interSize, hiddenSize)
	}

	return nil
}

// Compute applies the gated transform to expert-grouped rows: up-project
// through each group's W13 slice, gated activation, down-project through
// W2. Rows past the last group boundary come back undefined; the caller's
// combine step must not read them.
func (e *Experts) Compute(ctx ml.Context, backend ml.Backend, rows ml.Tensor, groupBounds []int64) ml.Tensor {
	up := backend.GroupedMatmul(ctx, rows, e.W13, groupBounds)
	act := backend.SwiGLU(ctx, up)

	return backend.GroupedMatmul(ctx, act, e.W2, groupBounds)
}
