// Package engine drives the classifier over record tables in fixed-size
// batches: select rows needing a label, build texts, embed, decide, commit.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crimson-sun/triage/internal/engine/classifier"
	"github.com/crimson-sun/triage/internal/engine/corpus"
	"github.com/crimson-sun/triage/internal/engine/embedder"
	"github.com/crimson-sun/triage/internal/engine/profile"
	"github.com/crimson-sun/triage/internal/engine/textrep"
	"github.com/crimson-sun/triage/internal/model"
)

// ErrEmbeddingProvider marks failures of the embedding provider. The
// provider's own error stays reachable through errors.Is/As.
var ErrEmbeddingProvider = classifier.ErrEmbeddingProvider

// Stats summarizes one Classify call.
type Stats struct {
	Profile        string        `json:"profile"`
	Total          int           `json:"total"`   // rows needing classification
	Auto           int           `json:"auto"`    // decided automatically
	Manual         int           `json:"manual"`  // deferred to manual review
	Applied        int           `json:"applied"` // label fields written
	MeanConfidence float64       `json:"mean_confidence"`
	Batches        int           `json:"batches"`
	Duration       time.Duration `json:"duration"`
}

// Distribution describes a table's label column.
type Distribution struct {
	Total              int            `json:"total"`
	NeedClassification int            `json:"need_classification"`
	Labels             map[string]int `json:"labels"`
}

// Observer receives the outcome of every classified row after its batch
// has been committed.
type Observer func(row int, out model.Outcome)

// Engine classifies tables under one profile. The corpus it reads is shared
// and never modified, so several engines may run concurrently on different
// tables.
type Engine struct {
	profile    profile.Profile
	classifier *classifier.Classifier
	emb        embedder.Embedder
	builder    *textrep.Builder
	needs      textrep.Predicate
	batchSize  int
	observer   Observer
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers a per-row outcome callback.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithBatchSize overrides the profile's batch size.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		p := e.profile
		p.BatchSize = n
		e.batchSize = p.ClampedBatchSize()
	}
}

// New creates an Engine over an already loaded corpus. It fails when the
// corpus holds labels the profile treats as placeholders or when the
// provider's dimension disagrees with the corpus.
func New(p profile.Profile, c *corpus.Corpus, emb embedder.Embedder, opts ...Option) (*Engine, error) {
	needs, err := p.NeedsLabel()
	if err != nil {
		return nil, err
	}
	policy, err := p.Policy()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("engine: %w: profile %s has no corpus", corpus.ErrMissingReferenceData, p.Name)
	}
	if err := c.CheckLabels(needs); err != nil {
		return nil, fmt.Errorf("engine: profile %s: %w", p.Name, err)
	}

	e := &Engine{
		profile:   p,
		emb:       emb,
		builder:   p.Builder(),
		needs:     needs,
		batchSize: p.ClampedBatchSize(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine", "profile", p.Name)

	e.classifier, err = classifier.New(c, emb, policy, classifier.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("engine: profile %s: %w", p.Name, err)
	}
	return e, nil
}

// Load reads the profile's corpus files and creates an Engine.
func Load(p profile.Profile, emb embedder.Embedder, opts ...Option) (*Engine, error) {
	c, err := corpus.Load(p.EntriesPath, p.EmbeddingsPath)
	if err != nil {
		return nil, fmt.Errorf("engine: profile %s: %w", p.Name, err)
	}
	e, err := New(p, c, emb, opts...)
	if err != nil {
		return nil, err
	}
	e.logger.Info("reference corpus loaded", "entries", c.Len(), "dim", c.Dim(), "labels", len(c.LabelCounts()))
	return e, nil
}

// Profile returns the engine's profile.
func (e *Engine) Profile() profile.Profile { return e.profile }

// Corpus returns the reference corpus.
func (e *Engine) Corpus() *corpus.Corpus { return e.classifier.Corpus() }

// Pending returns the indices of rows whose label field needs
// classification, in table order.
func (e *Engine) Pending(t *model.Table) []int {
	var idx []int
	for i, rec := range t.Rows {
		v, ok := rec.Get(e.profile.LabelField)
		if e.needs(v, ok) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Classify labels every row needing it, batch by batch, writing confident
// labels into the rows in place. A batch is fully decided before any of its
// writes happen, so on error or cancellation every row is either committed
// or untouched. progress, when non-nil, receives the completed fraction
// after each batch and is never called when no row needs classification.
func (e *Engine) Classify(ctx context.Context, t *model.Table, progress func(float64)) (Stats, error) {
	start := time.Now()
	idx := e.Pending(t)
	stats := Stats{Profile: e.profile.Name, Total: len(idx)}
	if len(idx) == 0 {
		e.logger.Info("nothing to classify", "rows", len(t.Rows))
		return stats, nil
	}

	var confSum float64
	finish := func() Stats {
		if stats.Auto > 0 {
			stats.MeanConfidence = confSum / float64(stats.Auto)
		}
		stats.Duration = time.Since(start)
		return stats
	}

	e.logger.Info("classification started", "rows", len(t.Rows), "pending", len(idx), "batch_size", e.batchSize)
	for lo := 0; lo < len(idx); lo += e.batchSize {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("classification canceled", "done", lo, "pending", len(idx))
			return finish(), err
		}
		hi := min(lo+e.batchSize, len(idx))
		batch := idx[lo:hi]

		outcomes, err := e.decideBatch(ctx, t, batch)
		if err != nil {
			return finish(), fmt.Errorf("engine: batch %d (rows %d-%d): %w", stats.Batches+1, lo, hi, err)
		}

		for i, row := range batch {
			out := outcomes[i]
			if out.Method == model.MethodAuto {
				stats.Auto++
				confSum += out.Confidence
			} else {
				stats.Manual++
				e.logger.Debug("deferred to manual review", "row", row, "confidence", out.Confidence)
			}
			if out.Label != "" {
				e.write(t, row, out.Label)
				stats.Applied++
			}
		}
		stats.Batches++
		if e.observer != nil {
			for i, row := range batch {
				e.observer(row, outcomes[i])
			}
		}
		if progress != nil {
			progress(float64(hi) / float64(len(idx)))
		}
		e.logger.Info("batch classified", "batch", stats.Batches, "done", hi, "pending", len(idx))
	}

	finish()
	e.logger.Info("classification finished",
		"total", stats.Total, "auto", stats.Auto, "manual", stats.Manual,
		"mean_confidence", stats.MeanConfidence, "duration", stats.Duration)
	return stats, nil
}

// decideBatch builds, embeds and decides one batch without touching the
// table. Texts failing the validity gate are rejected before embedding and
// never reach the provider.
func (e *Engine) decideBatch(ctx context.Context, t *model.Table, batch []int) ([]model.Outcome, error) {
	outcomes := make([]model.Outcome, len(batch))
	var texts []string
	var valid []int
	for i, row := range batch {
		text := e.builder.Build(t.Rows[row])
		if !textrep.Valid(text) {
			outcomes[i] = classifier.Rejected()
			continue
		}
		texts = append(texts, text)
		valid = append(valid, i)
	}
	if len(texts) == 0 {
		return outcomes, nil
	}

	vecs, err := e.emb.EmbedBatch(ctx, texts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingProvider, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingProvider, len(vecs), len(texts))
	}

	sims, err := e.classifier.Similarities(ctx, vecs)
	if err != nil {
		return nil, err
	}
	for j, i := range valid {
		outcomes[i] = e.classifier.Decide(sims[j])
	}
	return outcomes, nil
}

func (e *Engine) write(t *model.Table, row int, label string) {
	field := e.profile.LabelField
	if !t.HasColumn(field) {
		t.Columns = append(t.Columns, field)
	}
	if t.Rows[row] == nil {
		t.Rows[row] = model.Record{}
	}
	t.Rows[row][field] = label
}

// ClassifyOne decides a label for a single text.
func (e *Engine) ClassifyOne(ctx context.Context, text string) (model.Outcome, error) {
	return e.classifier.Classify(ctx, text)
}

// ClassifyRecord builds the record's text with the profile's fields and
// classifies it. The record is not modified.
func (e *Engine) ClassifyRecord(ctx context.Context, rec model.Record) (model.Outcome, error) {
	return e.ClassifyOne(ctx, e.builder.Build(rec))
}

// Distribution counts rows, rows needing classification, and the present
// values of the label field.
func (e *Engine) Distribution(t *model.Table) Distribution {
	d := Distribution{Total: len(t.Rows), Labels: make(map[string]int)}
	for _, rec := range t.Rows {
		v, ok := rec.Get(e.profile.LabelField)
		if e.needs(v, ok) {
			d.NeedClassification++
		}
		if ok {
			d.Labels[v]++
		}
	}
	return d
}
