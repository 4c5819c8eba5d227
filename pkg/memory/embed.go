package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// embedDim is the dimensionality of the local embedding space.
const embedDim = 256

// localEmbedding is a deterministic hash-based embedding: each token is
// hashed into a fixed-size vector, which is then L2-normalized. It gives
// exact-overlap recall (shared vocabulary scores high) without any model
// dependency. Quality is far below a learned embedding; it exists so the
// store works hermetically out of the box.
func localEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embedDim)

	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		idx := int(sum % embedDim)
		// Alternate sign by a second hash bit to spread mass.
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
