// Package cpu is a reference implementation of the ml kernel contracts in
// plain Go. It exists so the attention and MoE engines can run and be tested
// without accelerator hardware; accelerator backends implement the same
// interfaces against native kernels.
package cpu

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/kelpie-ml/kelpie/ml"
)

func init() {
	ml.RegisterBackend("cpu", func() (ml.Backend, error) {
		return New(), nil
	})
}

type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string {
	return "cpu"
}

func (b *Backend) NewContext() ml.Context {
	return &context{}
}

type context struct {
	tensors []*tensor
}

func (c *context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Errorf("cpu: negative dimension in shape %v", shape))
		}
		n *= d
	}

	t := &tensor{dtype: dtype, shape: append([]int(nil), shape...)}
	if dtype == ml.DTypeI32 {
		t.i32 = make([]int32, n)
	} else {
		t.f32 = make([]float32, n)
	}

	c.tensors = append(c.tensors, t)
	return t
}

func (c *context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.Empty(dtype, shape...)
}

func (c *context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := c.Empty(ml.DTypeF32, shape...).(*tensor)
	if len(s) != len(t.f32) {
		panic(fmt.Errorf("cpu: data length %d does not match shape %v", len(s), shape))
	}

	copy(t.f32, s)
	return t
}

func (c *context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := c.Empty(ml.DTypeI32, shape...).(*tensor)
	if len(s) != len(t.i32) {
		panic(fmt.Errorf("cpu: data length %d does not match shape %v", len(s), shape))
	}

	copy(t.i32, s)
	return t
}

func (c *context) Close() {
	c.tensors = nil
}

// tensor keeps float32 working data for every float dtype. Reduced-precision
// dtypes round each stored value through their storage format so that F16 and
// BF16 caches lose exactly the precision the real storage would.
type tensor struct {
	dtype ml.DType
	shape []int

	f32 []float32
	i32 []int32
}

func (t *tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *tensor) Shape() []int {
	return t.shape
}

func (t *tensor) DType() ml.DType {
	return t.dtype
}

func (t *tensor) Floats() []float32 {
	if t.dtype == ml.DTypeI32 {
		out := make([]float32, len(t.i32))
		for i, v := range t.i32 {
			out[i] = float32(v)
		}
		return out
	}

	out := make([]float32, len(t.f32))
	copy(out, t.f32)
	return out
}

func (t *tensor) Ints() []int32 {
	if t.dtype != ml.DTypeI32 {
		panic(fmt.Errorf("cpu: Ints called on %v tensor", t.dtype))
	}

	out := make([]int32, len(t.i32))
	copy(out, t.i32)
	return out
}

func (t *tensor) at(i int) float32 {
	return t.f32[i]
}

func (t *tensor) set(i int, v float32) {
	t.f32[i] = round(t.dtype, v)
}

// round passes a value through the tensor's storage dtype.
func round(dtype ml.DType, v float32) float32 {
	switch dtype {
	case ml.DTypeF16:
		return float16.Fromfloat32(v).Float32()
	case ml.DTypeBF16:
		return bfloat16.DecodeFloat32(bfloat16.EncodeFloat32([]float32{v}))[0]
	default:
		return v
	}
}
