package embedder

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// DefaultHashDim is the vector size of the hash provider when none is set.
const DefaultHashDim = 256

// HashEmbedder is a bag-of-words hashing embedder. It needs no model files,
// which makes it useful for tests, smoke runs and corpora built offline.
// Words are lowercased, accent-folded and stripped of Portuguese stop words
// before hashing into a fixed number of buckets.
type HashEmbedder struct {
	dim int
}

// NewHash creates a hash embedder. dim <= 0 selects DefaultHashDim.
func NewHash(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultHashDim
	}
	return &HashEmbedder{dim: dim}
}

// Dim returns the dimension of the embeddings.
func (h *HashEmbedder) Dim() int { return h.dim }

// Embed embeds a single text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}

// EmbedBatch embeds texts independently; output order matches input order.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

// Close is a no-op.
func (h *HashEmbedder) Close() error { return nil }

func (h *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dim)
	words := strings.FieldsFunc(stripAccents(strings.ToLower(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if stopWords[w] {
			continue
		}
		f := fnv.New32a()
		f.Write([]byte(w))
		vec[f.Sum32()%uint32(h.dim)]++
	}
	l2Normalize(vec)
	return vec
}

// stopWords are accent-folded Portuguese function words.
var stopWords = map[string]bool{
	"a": true, "o": true, "as": true, "os": true, "um": true, "uma": true,
	"de": true, "do": true, "da": true, "dos": true, "das": true,
	"em": true, "no": true, "na": true, "nos": true, "nas": true,
	"por": true, "para": true, "pra": true, "com": true, "sem": true,
	"e": true, "ou": true, "que": true, "se": true, "ao": true, "aos": true,
	"foi": true, "ser": true, "esta": true, "este": true, "isso": true,
	"ele": true, "ela": true, "eles": true, "elas": true, "seu": true, "sua": true,
	"mas": true, "mais": true, "muito": true, "ja": true, "tambem": true,
}
