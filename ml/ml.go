package ml

import (
	"fmt"
)

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return "Other"
	}
}

// Backend is an execution device. It allocates tensors through contexts and
// executes the kernel primitives that the attention and MoE engines are
// built on. Kernel implementations are assumed correct; this package only
// defines their shape and numeric contracts.
type Backend interface {
	Name() string
	NewContext() Context

	Kernels
}

// Context owns a set of tensor allocations. Closing the context releases
// every tensor created through it.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	Close()
}

// Tensor is a dense row-major tensor. Dimensions are ordered outermost
// first, so a (tokens, heads, headSize) tensor has Dim(0) == tokens.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	// Floats returns the contents converted to float32, regardless of the
	// storage dtype. Ints is only valid for I32 tensors.
	Floats() []float32
	Ints() []int32
}

// Elems returns the total number of elements of a tensor.
func Elems(t Tensor) int {
	n := 1
	for _, d := range t.Shape() {
		n *= d
	}

	return n
}

var backends = make(map[string]func() (Backend, error))

func RegisterBackend(name string, f func() (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string) (Backend, error) {
	if f, ok := backends[name]; ok {
		return f()
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}
