package triage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/crimson-sun/triage/internal/engine"
	"github.com/crimson-sun/triage/internal/engine/corpus"
	"github.com/crimson-sun/triage/internal/engine/embedder"
	"github.com/crimson-sun/triage/internal/engine/profile"
	"github.com/crimson-sun/triage/internal/model"
)

// Triage fills in complaint categories and subcategories.
type Triage struct {
	category    *engine.Engine
	subcategory *engine.Engine
	embedder    embedder.Embedder
}

// New creates a Triage instance: it starts the embedding provider and loads
// both reference corpora. Every failure surfaces here, before any record is
// touched. Loading a local model is expensive; create once, reuse.
func New(opts ...Option) (*Triage, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	emb, err := embedder.New(embedderConfig(o))
	if err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}

	cat, sub := profiles(o)
	var engOpts []engine.Option
	if o.logger != nil {
		engOpts = append(engOpts, engine.WithLogger(o.logger))
	}
	if o.batchSize > 0 {
		engOpts = append(engOpts, engine.WithBatchSize(o.batchSize))
	}

	t := &Triage{embedder: emb}
	if t.category, err = engine.Load(cat, emb, engOpts...); err != nil {
		emb.Close()
		return nil, fmt.Errorf("triage: %w", err)
	}
	if t.subcategory, err = engine.Load(sub, emb, engOpts...); err != nil {
		emb.Close()
		return nil, fmt.Errorf("triage: %w", err)
	}
	return t, nil
}

func embedderConfig(o options) embedder.Config {
	model, vocab, proj := resolvePaths(o)
	return embedder.Config{
		Provider:       o.provider,
		ModelPath:      model,
		VocabPath:      vocab,
		ProjectionPath: proj,
		BaseURL:        o.baseURL,
		APIKey:         o.apiKey,
		Model:          o.model,
		Timeout:        o.timeout,
		Dim:            o.dim,
	}
}

// profiles returns the built-in profiles pointed at the data directory.
func profiles(o options) (cat, sub profile.Profile) {
	cat, sub = profile.Category(), profile.Subcategory()
	for _, p := range []*profile.Profile{&cat, &sub} {
		p.EntriesPath = filepath.Join(o.dataDir, filepath.Base(p.EntriesPath))
		p.EmbeddingsPath = filepath.Join(o.dataDir, filepath.Base(p.EmbeddingsPath))
		p.MetadataPath = filepath.Join(o.dataDir, filepath.Base(p.MetadataPath))
	}
	cat.Threshold = o.categoryThreshold
	sub.Threshold = o.subcatThreshold
	sub.ApplyBelowThreshold = o.applyBelowThreshold
	return cat, sub
}

// ClassifyOne proposes a category for one complaint text by weighted vote
// over its nearest reference complaints.
func (t *Triage) ClassifyOne(ctx context.Context, text string) (Result, error) {
	out, err := t.category.ClassifyOne(ctx, text)
	if err != nil {
		return Result{}, err
	}
	return resultFromOutcome(out), nil
}

// ClassifySubcategory proposes a subcategory from the single nearest
// reference complaint.
func (t *Triage) ClassifySubcategory(ctx context.Context, text string) (Result, error) {
	out, err := t.subcategory.ClassifyOne(ctx, text)
	if err != nil {
		return Result{}, err
	}
	return resultFromOutcome(out), nil
}

// ClassifyBatch returns a copy of records with missing or placeholder
// categories, then subcategories, filled in. The input is not modified.
// progress, when non-nil, receives the completed fraction of all pending
// rows after each batch and is never called when nothing is pending.
//
// On error the returned records keep the labels of every batch committed
// before the failure.
func (t *Triage) ClassifyBatch(ctx context.Context, records []Record, progress func(float64)) ([]Record, BatchStats, error) {
	tbl := toTable(records)
	var stats BatchStats

	nCat := len(t.category.Pending(tbl))
	nSub := len(t.subcategory.Pending(tbl))
	total := float64(nCat + nSub)
	phase := func(done, weight int) func(float64) {
		if progress == nil {
			return nil
		}
		return func(frac float64) {
			progress((float64(done) + frac*float64(weight)) / total)
		}
	}

	s, err := t.category.Classify(ctx, tbl, phase(0, nCat))
	stats.Category = runStatsFromEngine(s)
	if err != nil {
		return fromTable(tbl), stats, fmt.Errorf("triage: %w", err)
	}
	s, err = t.subcategory.Classify(ctx, tbl, phase(nCat, nSub))
	stats.Subcategory = runStatsFromEngine(s)
	if err != nil {
		return fromTable(tbl), stats, fmt.Errorf("triage: %w", err)
	}
	return fromTable(tbl), stats, nil
}

// Stats counts records and label values and how many need classification.
func (t *Triage) Stats(records []Record) Stats {
	tbl := toTable(records)
	return Stats{
		Total:       len(records),
		Category:    distributionFromEngine(t.category.Distribution(tbl)),
		Subcategory: distributionFromEngine(t.subcategory.Distribution(tbl)),
	}
}

// References returns the number of reference complaints per category.
func (t *Triage) References() map[string]int {
	return t.category.Corpus().LabelCounts()
}

// Close releases the embedding provider (ONNX runtime, connections).
func (t *Triage) Close() error {
	return t.embedder.Close()
}

// BuildReference embeds labeled records into the category and subcategory
// corpora under the data directory selected by opts, replacing existing
// files. Rows whose label is missing or a placeholder are skipped.
func BuildReference(ctx context.Context, records []Record, opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	emb, err := embedder.New(embedderConfig(o))
	if err != nil {
		return fmt.Errorf("triage: %w", err)
	}
	defer emb.Close()

	rows := toTable(records).Rows
	cat, sub := profiles(o)
	for _, p := range []profile.Profile{cat, sub} {
		needs, err := p.NeedsLabel()
		if err != nil {
			return err
		}
		c, meta, err := corpus.Build(ctx, rows, emb, corpus.BuildOptions{
			LabelField: p.LabelField,
			Predicate:  needs,
			Builder:    p.Builder(),
			SampleSize: o.sampleSize,
			Seed:       corpus.DefaultSeed,
			Logger:     o.logger,
		})
		if err != nil {
			return fmt.Errorf("triage: %s: %w", p.Name, err)
		}
		if err := c.Save(p.EntriesPath, p.EmbeddingsPath); err != nil {
			return fmt.Errorf("triage: %w", err)
		}
		meta.Provider = o.provider
		meta.Model = o.model
		meta.EntriesPath = p.EntriesPath
		meta.EmbeddingsPath = p.EmbeddingsPath
		if err := corpus.WriteMetadata(p.MetadataPath, meta); err != nil {
			return fmt.Errorf("triage: %w", err)
		}
	}
	return nil
}

func toTable(records []Record) *model.Table {
	tbl := &model.Table{Rows: make([]model.Record, len(records))}
	seen := make(map[string]bool)
	for i, r := range records {
		row := make(model.Record, len(r))
		for k, v := range r {
			row[k] = v
			if !seen[k] {
				seen[k] = true
				tbl.Columns = append(tbl.Columns, k)
			}
		}
		tbl.Rows[i] = row
	}
	return tbl
}

func fromTable(tbl *model.Table) []Record {
	out := make([]Record, len(tbl.Rows))
	for i, r := range tbl.Rows {
		out[i] = Record(r)
	}
	return out
}
