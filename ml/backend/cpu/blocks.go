package cpu

import (
	"fmt"

	"github.com/kelpie-ml/kelpie/ml"
)

func (b *Backend) CopyBlocks(ctx ml.Context, keyCache, valueCache, srcToDst ml.Tensor) {
	kc, vc := native(keyCache), native(valueCache)
	pairs := srcToDst.Ints()

	blockElems := kc.Dim(1) * kc.Dim(2) * kc.Dim(3)
	numBlocks := kc.Dim(0)

	for i := 0; i < srcToDst.Dim(0); i++ {
		src, dst := int(pairs[2*i]), int(pairs[2*i+1])
		if src < 0 || src >= numBlocks || dst < 0 || dst >= numBlocks {
			panic(fmt.Errorf("cpu: block copy %d->%d out of range (blocks: %d)", src, dst, numBlocks))
		}

		copy(kc.f32[dst*blockElems:(dst+1)*blockElems], kc.f32[src*blockElems:(src+1)*blockElems])
		copy(vc.f32[dst*blockElems:(dst+1)*blockElems], vc.f32[src*blockElems:(src+1)*blockElems])
	}
}

func (b *Backend) SwapBlocks(ctx ml.Context, srcKeyCache, srcValueCache, dstKeyCache, dstValueCache, srcToDst ml.Tensor) {
	sk, sv := native(srcKeyCache), native(srcValueCache)
	dk, dv := native(dstKeyCache), native(dstValueCache)
	pairs := srcToDst.Ints()

	blockElems := sk.Dim(1) * sk.Dim(2) * sk.Dim(3)

	for i := 0; i < srcToDst.Dim(0); i++ {
		src, dst := int(pairs[2*i]), int(pairs[2*i+1])

		for j := 0; j < blockElems; j++ {
			dk.set(dst*blockElems+j, sk.at(src*blockElems+j))
			dv.set(dst*blockElems+j, sv.at(src*blockElems+j))
		}
	}
}
