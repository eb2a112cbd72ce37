package embedder

import "math"

// sentenceVectors splits model output into one vector per sample. Token-level
// output [batch, seq, dim] is mean-pooled over the positions the attention
// mask marks as real; pooled output [batch, dim] is copied as is.
func sentenceVectors(out []float32, b tokenized, dim int64, pooled bool) [][]float32 {
	vecs := make([][]float32, b.batchSize)
	for i := range vecs {
		n := int64(i)
		if pooled {
			vecs[i] = append([]float32(nil), out[n*dim:(n+1)*dim]...)
			continue
		}
		hidden := out[n*b.seqLen*dim : (n+1)*b.seqLen*dim]
		mask := b.attentionMask[n*b.seqLen : (n+1)*b.seqLen]
		vecs[i] = maskedMean(hidden, mask, dim)
	}
	return vecs
}

// maskedMean averages the token rows of hidden whose mask is 1. A sample
// with no real tokens yields a zero vector.
func maskedMean(hidden []float32, mask []int64, dim int64) []float32 {
	mean := make([]float32, dim)
	var count int
	for s, m := range mask {
		if m != 1 {
			continue
		}
		count++
		for d, v := range hidden[int64(s)*dim : int64(s+1)*dim] {
			mean[d] += v
		}
	}
	if count == 0 {
		return mean
	}
	inv := 1 / float32(count)
	for d := range mean {
		mean[d] *= inv
	}
	return mean
}

// l2Normalize scales vec to unit length in place. Zero vectors are left as is.
func l2Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
