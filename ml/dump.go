package ml

import (
	"fmt"
	"strconv"
	"strings"
)

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

// Dump renders a tensor for debug logging.
func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	if t.DType() == DTypeI32 {
		return dump(t.Shape(), t.Ints(), opts[0], func(v int32) string {
			return strconv.FormatInt(int64(v), 10)
		})
	}

	return dump(t.Shape(), t.Floats(), opts[0], func(v float32) string {
		return strconv.FormatFloat(float64(v), 'f', opts[0].Precision, 32)
	})
}

func dump[E any](shape []int, data []E, opts DumpOptions, format func(E) string) string {
	if data == nil {
		return "<nil>"
	}

	var sb strings.Builder
	var f func(dims []int, offset int)
	f = func(dims []int, offset int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		stride := 1
		for _, d := range dims[1:] {
			stride *= d
		}

		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()

		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				if len(dims) > 1 {
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i = dims[0] - opts.Items - 1
				continue
			}

			if len(dims) > 1 {
				f(dims[1:], offset+i*stride)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, format(data[offset+i]))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
