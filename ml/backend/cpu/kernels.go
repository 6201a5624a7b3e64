package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/kelpie-ml/kelpie/ml"
)

func native(t ml.Tensor) *tensor {
	n, ok := t.(*tensor)
	if !ok {
		panic(fmt.Errorf("cpu: foreign tensor %T", t))
	}

	return n
}

func (b *Backend) ReshapeAndCache(ctx ml.Context, key, value, keyCache, valueCache, slotMapping ml.Tensor) {
	k, v := native(key), native(value)
	kc, vc := native(keyCache), native(valueCache)
	slots := slotMapping.Ints()

	numTokens := k.Dim(0)
	rowSize := k.Dim(1) * k.Dim(2)
	numSlots := kc.Dim(0) * kc.Dim(1)

	for i := 0; i < numTokens; i++ {
		slot := int(slots[i])
		if slot < 0 || slot >= numSlots {
			panic(fmt.Errorf("cpu: slot %d out of range (cache slots: %d)", slot, numSlots))
		}

		for j := 0; j < rowSize; j++ {
			kc.set(slot*rowSize+j, k.at(i*rowSize+j))
			vc.set(slot*rowSize+j, v.at(i*rowSize+j))
		}
	}
}

func (b *Backend) FlashAttention(ctx ml.Context, out, query, key, value, mask ml.Tensor, seqLens []int32, scale float32, numHeads, numKVHeads int) {
	o, q := native(out), native(query)
	k, v := native(key), native(value)
	m := native(mask)

	headSize := q.Dim(2)
	maskStride := m.Dim(1)
	headsPerKV := numHeads / numKVHeads

	offset := 0
	for _, seqLen := range seqLens {
		n := int(seqLen)

		for h := 0; h < numHeads; h++ {
			kvHead := h / headsPerKV

			qm := headView(q.f32, offset, h, n, numHeads, headSize)
			km := headView(k.f32, offset, kvHead, n, numKVHeads, headSize)
			vm := headView(v.f32, offset, kvHead, n, numKVHeads, headSize)

			scores := blas32.General{Rows: n, Cols: n, Stride: n, Data: make([]float32, n*n)}
			blas32.Gemm(blas.NoTrans, blas.Trans, scale, qm, km, 0, scores)

			for i := 0; i < n; i++ {
				row := scores.Data[i*n : (i+1)*n]
				for j := range row {
					row[j] += m.f32[i*maskStride+j]
				}
				softmax(row)
			}

			om := headView(o.f32, offset, h, n, numHeads, headSize)
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, scores, vm, 0, om)
		}

		offset += n
	}
}

// headView returns a strided (n, headSize) matrix over one head of a
// token-major (tokens, heads, headSize) buffer starting at token offset.
func headView(data []float32, offset, head, n, numHeads, headSize int) blas32.General {
	stride := numHeads * headSize
	return blas32.General{
		Rows:   n,
		Cols:   headSize,
		Stride: stride,
		Data:   data[offset*stride+head*headSize:],
	}
}

func (b *Backend) PagedAttention(ctx ml.Context, out, query, keyCache, valueCache, blockTables ml.Tensor, kvLens []int32, scale float32, numHeads, numKVHeads int) {
	o, q := native(out), native(query)
	kc, vc := native(keyCache), native(valueCache)
	tables := blockTables.Ints()
	tableStride := blockTables.Dim(1)

	headSize := q.Dim(2)
	blockSize := kc.Dim(1)
	headsPerKV := numHeads / numKVHeads

	for i := range kvLens {
		n := int(kvLens[i])
		table := tables[i*tableStride : (i+1)*tableStride]

		keys, values := gatherKV(kc, vc, table, n, blockSize)

		for h := 0; h < numHeads; h++ {
			kvHead := h / headsPerKV
			qRow := q.f32[(i*numHeads+h)*headSize : (i*numHeads+h+1)*headSize]

			scores := make([]float32, n)
			for c := 0; c < n; c++ {
				scores[c] = scale * dot(qRow, keys[(c*numKVHeads+kvHead)*headSize:(c*numKVHeads+kvHead+1)*headSize])
			}
			softmax(scores)

			oRow := o.f32[(i*numHeads+h)*headSize : (i*numHeads+h+1)*headSize]
			accumulate(oRow, scores, values, kvHead, numKVHeads, headSize)
		}
	}
}

func (b *Backend) PagedAttentionSplitfuse(ctx ml.Context, out, query, keyCache, valueCache, mask, blockTables ml.Tensor, queryLens, kvLens []int32, scale float32, numHeads, numKVHeads int) {
	o, q := native(out), native(query)
	kc, vc := native(keyCache), native(valueCache)
	m := native(mask)
	tables := blockTables.Ints()
	tableStride := blockTables.Dim(1)

	headSize := q.Dim(2)
	blockSize := kc.Dim(1)
	maskStride := m.Dim(1)
	headsPerKV := numHeads / numKVHeads

	token := 0
	for i := range queryLens {
		n := int(kvLens[i])
		table := tables[i*tableStride : (i+1)*tableStride]

		keys, values := gatherKV(kc, vc, table, n, blockSize)

		for j := 0; j < int(queryLens[i]); j++ {
			for h := 0; h < numHeads; h++ {
				kvHead := h / headsPerKV
				qRow := q.f32[(token*numHeads+h)*headSize : (token*numHeads+h+1)*headSize]

				scores := make([]float32, n)
				for c := 0; c < n; c++ {
					scores[c] = scale*dot(qRow, keys[(c*numKVHeads+kvHead)*headSize:(c*numKVHeads+kvHead+1)*headSize]) + m.f32[token*maskStride+c]
				}
				softmax(scores)

				oRow := o.f32[(token*numHeads+h)*headSize : (token*numHeads+h+1)*headSize]
				accumulate(oRow, scores, values, kvHead, numKVHeads, headSize)
			}

			token++
		}
	}
}

func (b *Backend) ChunkedPrefillAttention(ctx ml.Context, out, query, keyCache, valueCache, blockTables ml.Tensor, cuSeqLenQ, cuSeqLenK []int32, maxSeqLenQ, maxSeqLenK int32, scale float32, numHeads, numKVHeads int) {
	o, q := native(out), native(query)
	kc, vc := native(keyCache), native(valueCache)
	tables := blockTables.Ints()
	tableStride := blockTables.Dim(1)

	headSize := q.Dim(2)
	blockSize := kc.Dim(1)
	headsPerKV := numHeads / numKVHeads

	for i := 0; i < len(cuSeqLenQ)-1; i++ {
		qLen := int(cuSeqLenQ[i+1] - cuSeqLenQ[i])
		kvLen := int(cuSeqLenK[i+1] - cuSeqLenK[i])
		table := tables[i*tableStride : (i+1)*tableStride]

		keys, values := gatherKV(kc, vc, table, kvLen, blockSize)

		for j := 0; j < qLen; j++ {
			token := int(cuSeqLenQ[i]) + j

			// absolute position of this query token within the sequence
			pos := kvLen - qLen + j

			for h := 0; h < numHeads; h++ {
				kvHead := h / headsPerKV
				qRow := q.f32[(token*numHeads+h)*headSize : (token*numHeads+h+1)*headSize]

				scores := make([]float32, kvLen)
				for c := 0; c < kvLen; c++ {
					if c > pos {
						scores[c] = float32(math.Inf(-1))
						continue
					}
					scores[c] = scale * dot(qRow, keys[(c*numKVHeads+kvHead)*headSize:(c*numKVHeads+kvHead+1)*headSize])
				}
				softmax(scores)

				oRow := o.f32[(token*numHeads+h)*headSize : (token*numHeads+h+1)*headSize]
				accumulate(oRow, scores, values, kvHead, numKVHeads, headSize)
			}
		}
	}
}

func (b *Backend) GroupedMatmul(ctx ml.Context, x, weights ml.Tensor, groupBounds []int64) ml.Tensor {
	xt, wt := native(x), native(weights)

	numRows := xt.Dim(0)
	k := xt.Dim(1)
	n := wt.Dim(2)

	out := ctx.Empty(ml.DTypeF32, numRows, n).(*tensor)

	var start int64
	for g, end := range groupBounds {
		if end < start {
			panic(fmt.Errorf("cpu: group bounds not monotonic at group %d", g))
		}
		if end > start {
			rows := int(end - start)
			xm := blas32.General{Rows: rows, Cols: k, Stride: k, Data: xt.f32[int(start)*k:]}
			wm := blas32.General{Rows: k, Cols: n, Stride: n, Data: wt.f32[g*k*n:]}
			om := blas32.General{Rows: rows, Cols: n, Stride: n, Data: out.f32[int(start)*n:]}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, xm, wm, 0, om)
		}
		start = end
	}

	// Rows past the last boundary are undefined by contract. Poison them so
	// callers that forget to mask fail visibly instead of silently reading
	// stale zeros.
	nan := float32(math.NaN())
	for r := int(start); r < numRows; r++ {
		for j := 0; j < n; j++ {
			out.f32[r*n+j] = nan
		}
	}

	return out
}

func (b *Backend) SwiGLU(ctx ml.Context, x ml.Tensor) ml.Tensor {
	xt := native(x)

	rows := xt.Dim(0)
	d := xt.Dim(1) / 2

	out := ctx.Empty(ml.DTypeF32, rows, d).(*tensor)
	for r := 0; r < rows; r++ {
		for j := 0; j < d; j++ {
			gate := xt.f32[r*2*d+j]
			up := xt.f32[r*2*d+d+j]
			out.f32[r*d+j] = silu(gate) * up
		}
	}

	return out
}

func gatherKV(kc, vc *tensor, table []int32, n, blockSize int) (keys, values []float32) {
	rowSize := kc.Dim(2) * kc.Dim(3)

	keys = make([]float32, n*rowSize)
	values = make([]float32, n*rowSize)

	for p := 0; p < n; p++ {
		block := int(table[p/blockSize])
		slot := block*blockSize + p%blockSize
		copy(keys[p*rowSize:(p+1)*rowSize], kc.f32[slot*rowSize:(slot+1)*rowSize])
		copy(values[p*rowSize:(p+1)*rowSize], vc.f32[slot*rowSize:(slot+1)*rowSize])
	}

	return keys, values
}

func accumulate(oRow, scores, values []float32, kvHead, numKVHeads, headSize int) {
	for j := range oRow {
		oRow[j] = 0
	}

	for c, w := range scores {
		if w == 0 {
			continue
		}
		vRow := values[(c*numKVHeads+kvHead)*headSize : (c*numKVHeads+kvHead+1)*headSize]
		for j := range oRow {
			oRow[j] += w * vRow[j]
		}
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}

func softmax(row []float32) {
	maxv := float32(math.Inf(-1))
	for _, v := range row {
		if v > maxv {
			maxv = v
		}
	}

	var sum float32
	for i, v := range row {
		row[i] = float32(math.Exp(float64(v - maxv)))
		sum += row[i]
	}

	for i := range row {
		row[i] /= sum
	}
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}
