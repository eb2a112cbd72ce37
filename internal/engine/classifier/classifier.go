// Package classifier decides labels by K-nearest-neighbor search over a
// reference corpus, with either weighted-sum or nearest-only voting.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/crimson-sun/triage/internal/engine/corpus"
	"github.com/crimson-sun/triage/internal/engine/embedder"
	"github.com/crimson-sun/triage/internal/engine/textrep"
	"github.com/crimson-sun/triage/internal/model"
)

// ErrEmbeddingProvider wraps any failure returned by the embedding provider.
var ErrEmbeddingProvider = errors.New("embedding provider failed")

const (
	maxExamples   = 3
	exampleLength = 100
)

// Classifier scores texts against an immutable corpus under one Policy.
// It is safe for concurrent use.
type Classifier struct {
	corpus  *corpus.Corpus
	emb     embedder.Embedder
	policy  Policy
	workers int
	logger  *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithWorkers bounds how many score blocks are computed concurrently.
func WithWorkers(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Classifier. A provider whose dimension is known and differs
// from the corpus dimension is rejected.
func New(c *corpus.Corpus, emb embedder.Embedder, p Policy, opts ...Option) (*Classifier, error) {
	if c == nil || c.Len() == 0 {
		return nil, fmt.Errorf("classifier: %w: no reference corpus", corpus.ErrMissingReferenceData)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if d := emb.Dim(); d != 0 && d != c.Dim() {
		return nil, fmt.Errorf("classifier: %w: provider dim %d, corpus dim %d",
			corpus.ErrInconsistentReferenceData, d, c.Dim())
	}

	cl := &Classifier{
		corpus:  c,
		emb:     emb,
		policy:  p,
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(cl)
	}
	cl.logger = cl.logger.With("component", "classifier", "voting", string(p.Voting))
	return cl, nil
}

// Policy returns the voting policy.
func (c *Classifier) Policy() Policy { return c.policy }

// Corpus returns the reference corpus.
func (c *Classifier) Corpus() *corpus.Corpus { return c.corpus }

// Classify decides a label for one text. Texts failing the validity gate go
// to manual review without an embedding call.
func (c *Classifier) Classify(ctx context.Context, text string) (model.Outcome, error) {
	if !textrep.Valid(text) {
		return Rejected(), nil
	}
	vec, err := c.emb.Embed(ctx, text)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("classifier: %w: %w", ErrEmbeddingProvider, err)
	}
	sims, err := c.Similarities(ctx, [][]float32{vec})
	if err != nil {
		return model.Outcome{}, err
	}
	return c.Decide(sims[0]), nil
}

// Rejected is the outcome for texts too short to classify.
func Rejected() model.Outcome {
	return model.Outcome{Confidence: 0, Method: model.MethodManualReview}
}

// Similarities returns the len(vectors)×N cosine similarity matrix against
// the corpus. Vectors are scored in fixed-size blocks, one matrix product per
// block, with blocks computed concurrently; results do not depend on how
// vectors are batched.
func (c *Classifier) Similarities(ctx context.Context, vectors [][]float32) ([][]float64, error) {
	out := make([][]float64, len(vectors))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for lo := 0; lo < len(vectors); lo += corpus.ScoreBlock {
		hi := min(lo+corpus.ScoreBlock, len(vectors))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			queries := make([][]float64, hi-lo)
			for i, v := range vectors[lo:hi] {
				queries[i] = make([]float64, len(v))
				for j, x := range v {
					queries[i][j] = float64(x)
				}
			}
			rows, err := c.corpus.ScoreMatrix(queries)
			if err != nil {
				return fmt.Errorf("classifier: rows %d-%d: %w", lo, hi, err)
			}
			copy(out[lo:hi], rows)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Decide applies top-K selection, voting and the threshold gate to one row
// of similarity scores.
func (c *Classifier) Decide(scores []float64) model.Outcome {
	neighbors := TopK(scores, c.policy.K)

	var label string
	var conf float64
	switch c.policy.Voting {
	case VotingNearest:
		label, conf = nearest(c.corpus, neighbors, scores)
	default:
		label, conf = weightedSum(c.corpus, neighbors, scores)
	}

	// Cosine scores can be negative; confidence is reported in [0, 1].
	conf = max(0, conf)
	out := model.Outcome{Confidence: conf, Examples: c.examples(neighbors)}
	switch {
	case label != "" && conf >= c.policy.Threshold:
		out.Label = label
		out.Method = model.MethodAuto
	default:
		out.Method = model.MethodManualReview
		if c.policy.Voting == VotingNearest && c.policy.ApplyBelowThreshold {
			out.Label = label
		}
	}
	return out
}

func (c *Classifier) examples(neighbors []int) []string {
	n := min(len(neighbors), maxExamples)
	if n == 0 {
		return nil
	}
	ex := make([]string, n)
	for i := 0; i < n; i++ {
		ex[i] = textrep.Truncate(c.corpus.Entry(neighbors[i]).Text, exampleLength) + "..."
	}
	return ex
}
