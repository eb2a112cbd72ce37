package embedder

import (
	"context"
	"fmt"
	"sync"

	"github.com/crimson-sun/triage/internal/httpclient"
)

const (
	defaultHTTPBaseURL   = "https://api.openai.com/v1"
	defaultHTTPModel     = "text-embedding-3-small"
	defaultHTTPBatchSize = 100
)

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint. Vectors are
// L2-normalized on receipt so every provider hands out unit vectors.
type HTTPEmbedder struct {
	client    *httpclient.Client
	model     string
	batchSize int

	mu  sync.Mutex
	dim int
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewHTTP creates an HTTP embedder. cfg.Dim, when set, is enforced on every
// response; otherwise it is learned from the first one.
func NewHTTP(cfg Config) (*HTTPEmbedder, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultHTTPBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultHTTPModel
	}
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = defaultHTTPBatchSize
	}
	return &HTTPEmbedder{
		client:    httpclient.New(base, cfg.APIKey, httpclient.WithTimeout(cfg.Timeout)),
		model:     model,
		batchSize: bs,
		dim:       cfg.Dim,
	}, nil
}

// Dim returns the configured or learned dimension; 0 before the first call
// when none was configured.
func (e *HTTPEmbedder) Dim() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

// Embed embeds a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends texts in chunks of the configured batch size.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.request(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *HTTPEmbedder) request(ctx context.Context, texts []string) ([][]float32, error) {
	var resp embeddingResponse
	if err := e.client.PostJSON(ctx, "/embeddings", embeddingRequest{Model: e.model, Input: texts}, &resp); err != nil {
		return nil, fmt.Errorf("embedder: http: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedder: http: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("embedder: http: bad embedding index %d", d.Index)
		}
		if err := e.checkDim(len(d.Embedding)); err != nil {
			return nil, err
		}
		l2Normalize(d.Embedding)
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (e *HTTPEmbedder) checkDim(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim == 0 {
		e.dim = n
		return nil
	}
	if n != e.dim {
		return fmt.Errorf("embedder: http: embedding dim %d, want %d", n, e.dim)
	}
	return nil
}

// Close is a no-op.
func (e *HTTPEmbedder) Close() error { return nil }
