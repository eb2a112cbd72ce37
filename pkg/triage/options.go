package triage

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/crimson-sun/triage/internal/engine/corpus"
)

type options struct {
	provider       string
	modelDir       string
	modelPath      string
	vocabPath      string
	projectionPath string
	baseURL        string
	apiKey         string
	model          string
	timeout        time.Duration
	dim            int

	dataDir             string
	categoryThreshold   float64
	subcatThreshold     float64
	applyBelowThreshold bool
	batchSize           int
	sampleSize          int
	logger              *slog.Logger
}

// Option configures a Triage instance.
type Option func(*options)

// WithModelDir sets the directory containing the ONNX model files.
// Expects: model.onnx, vocab.txt and optionally 2_Dense/model.safetensors.
func WithModelDir(dir string) Option {
	return func(o *options) {
		o.provider = "onnx"
		o.modelDir = dir
	}
}

// WithModelPaths sets explicit paths for each model file. projection may be
// empty.
func WithModelPaths(model, vocab, projection string) Option {
	return func(o *options) {
		o.provider = "onnx"
		o.modelPath = model
		o.vocabPath = vocab
		o.projectionPath = projection
	}
}

// WithEmbeddingsAPI embeds through an OpenAI-compatible /embeddings endpoint
// instead of a local model.
func WithEmbeddingsAPI(baseURL, model, apiKey string) Option {
	return func(o *options) {
		o.provider = "http"
		o.baseURL = baseURL
		o.model = model
		o.apiKey = apiKey
	}
}

// WithTimeout bounds each embeddings API request. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHashEmbedder uses the model-free hashing embedder with dim buckets.
// Reference corpora must have been built with the same dim.
func WithHashEmbedder(dim int) Option {
	return func(o *options) {
		o.provider = "hash"
		o.dim = dim
	}
}

// WithDataDir sets the directory holding the reference corpora
// (assunto_* and subassunto_* files). Default: "data/ml".
func WithDataDir(dir string) Option {
	return func(o *options) { o.dataDir = dir }
}

// WithCategoryThreshold sets the minimum vote weight for an automatic
// category. Default: 0.65.
func WithCategoryThreshold(t float64) Option {
	return func(o *options) { o.categoryThreshold = t }
}

// WithSubcategoryThreshold sets the minimum similarity for an automatic
// subcategory. Default: 0.50.
func WithSubcategoryThreshold(t float64) Option {
	return func(o *options) { o.subcatThreshold = t }
}

// WithApplyBelowThreshold writes the nearest subcategory even when it is
// below the threshold. The row is still reported as manual review.
func WithApplyBelowThreshold(apply bool) Option {
	return func(o *options) { o.applyBelowThreshold = apply }
}

// WithBatchSize overrides the rows embedded per batch for both label kinds.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithSampleSize caps each reference corpus built by BuildReference through
// stratified sampling. 0 keeps every row. Default: 5000.
func WithSampleSize(n int) Option {
	return func(o *options) { o.sampleSize = n }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func defaultOptions() options {
	return options{
		provider:          "onnx",
		dataDir:           "data/ml",
		categoryThreshold: 0.65,
		subcatThreshold:   0.50,
		timeout:           30 * time.Second,
		sampleSize:        corpus.DefaultSampleSize,
	}
}

// resolvePaths determines the model, vocab, and projection file paths from
// the configured options. Explicit paths take precedence over modelDir; the
// projection is used only when present.
func resolvePaths(o options) (model, vocab, projection string) {
	if o.modelPath != "" {
		return o.modelPath, o.vocabPath, o.projectionPath
	}
	dir := o.modelDir
	if dir == "" {
		dir = "models"
	}
	projection = filepath.Join(dir, "2_Dense", "model.safetensors")
	if _, err := os.Stat(projection); err != nil {
		projection = ""
	}
	return filepath.Join(dir, "model.onnx"), filepath.Join(dir, "vocab.txt"), projection
}
