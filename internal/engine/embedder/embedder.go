package embedder

import (
	"context"
	"fmt"
	"time"
)

// Embedder produces vector embeddings from text. Implementations must be
// deterministic for identical input and configuration, and Dim must not
// change over the embedder's lifetime.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
	Close() error
}

// Config carries the settings of every provider; each provider reads the
// fields it needs.
type Config struct {
	Provider string

	// onnx
	ModelPath      string
	VocabPath      string
	ProjectionPath string // optional Dense layer (safetensors)
	LibPath        string // onnxruntime shared library; defaults next to the model
	MaxSeqLen      int
	Cased          bool
	Threads        int

	// http
	BaseURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	BatchSize int // texts per request or inference call

	// hash, and the expected dimension for http (0 = learn from first response)
	Dim int
}

// ONNXEmbedder runs a sentence-transformer model exported to ONNX locally.
// The pipeline is: tokenize → ONNX inference → mean pool (unless the model
// already pools) → optional dense projection → L2 normalize.
type ONNXEmbedder struct {
	session   *onnxSession
	tok       *tokenizer
	proj      *projection
	batchSize int
}

// DefaultONNXBatch bounds the texts per inference call.
const DefaultONNXBatch = 32

// NewONNX loads the model, vocabulary and optional projection weights.
func NewONNX(cfg Config) (*ONNXEmbedder, error) {
	sess, err := newONNXSession(cfg.ModelPath, cfg.LibPath, cfg.Threads)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	tok, err := newTokenizer(cfg.VocabPath, cfg.MaxSeqLen, cfg.Cased)
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("embedder: %w", err)
	}

	var proj *projection
	if cfg.ProjectionPath != "" {
		proj, err = loadProjection(cfg.ProjectionPath)
		if err != nil {
			sess.close()
			return nil, fmt.Errorf("embedder: %w", err)
		}
		if int(sess.embedDim) != proj.inDim {
			sess.close()
			return nil, fmt.Errorf("embedder: ONNX output dim %d != projection input dim %d",
				sess.embedDim, proj.inDim)
		}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultONNXBatch
	}
	return &ONNXEmbedder{session: sess, tok: tok, proj: proj, batchSize: batchSize}, nil
}

// Dim returns the final embedding dimensionality.
func (e *ONNXEmbedder) Dim() int {
	if e.proj != nil {
		return e.proj.outDim
	}
	return int(e.session.embedDim)
}

// Embed produces a single embedding vector for the given text.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in inference calls of at most batchSize texts,
// each padded to its own longest sequence.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += e.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vecs, err := e.embedChunk(texts[lo:min(lo+e.batchSize, len(texts))])
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

func (e *ONNXEmbedder) embedChunk(texts []string) ([][]float32, error) {
	batch := e.tok.tokenizeBatch(texts)
	out, err := e.session.infer(batch)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	vecs := sentenceVectors(out, batch, e.session.embedDim, e.session.pooled)
	for i, vec := range vecs {
		if e.proj != nil {
			vec = e.proj.apply(vec)
			vecs[i] = vec
		}
		l2Normalize(vec)
	}
	return vecs, nil
}

// Close releases ONNX Runtime resources.
func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		return e.session.close()
	}
	return nil
}
