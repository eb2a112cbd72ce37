package corpus

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sbinet/npyio"
	"gopkg.in/yaml.v3"

	"github.com/crimson-sun/triage/internal/engine/embedder"
	"github.com/crimson-sun/triage/internal/engine/textrep"
	"github.com/crimson-sun/triage/internal/model"
)

// Defaults of the reference export.
const (
	DefaultSampleSize  = 5000
	DefaultMinPerLabel = 10
	DefaultSeed        = 42
	DefaultEmbedBatch  = 100
)

// BuildOptions configure Build.
type BuildOptions struct {
	LabelField string
	Predicate  textrep.Predicate // labels it accepts are excluded
	Builder    *textrep.Builder

	// SampleSize caps the reference size through stratified sampling; each
	// label keeps its share of the valid rows but never fewer than
	// MinPerLabel (or all it has). 0 disables sampling.
	SampleSize  int
	MinPerLabel int
	Seed        int64
	EmbedBatch  int

	Logger *slog.Logger
}

// Metadata describes a built corpus. It is written next to the artifacts.
type Metadata struct {
	BuiltAt        time.Time      `yaml:"built_at"`
	LabelField     string         `yaml:"label_field"`
	Provider       string         `yaml:"provider"`
	Model          string         `yaml:"model,omitempty"`
	Dimension      int            `yaml:"dimension"`
	SourceRows     int            `yaml:"source_rows"`
	ValidRows      int            `yaml:"valid_rows"`
	Entries        int            `yaml:"entries"`
	Sampled        bool           `yaml:"sampled"`
	SampleSize     int            `yaml:"sample_size,omitempty"`
	Seed           int64          `yaml:"seed"`
	Labels         map[string]int `yaml:"labels"`
	EntriesPath    string         `yaml:"entries_path"`
	EmbeddingsPath string         `yaml:"embeddings_path"`
}

// Build turns labeled records into a corpus: keep rows whose label is a
// real one, build and validate their texts, sample, then embed.
func Build(ctx context.Context, rows []model.Record, emb embedder.Embedder, opts BuildOptions) (*Corpus, Metadata, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "corpus")
	if opts.MinPerLabel <= 0 {
		opts.MinPerLabel = DefaultMinPerLabel
	}
	if opts.EmbedBatch <= 0 {
		opts.EmbedBatch = DefaultEmbedBatch
	}

	var valid []Entry
	for _, rec := range rows {
		label, ok := rec.Get(opts.LabelField)
		if opts.Predicate(label, ok) {
			continue
		}
		text := opts.Builder.Build(rec)
		if !textrep.Valid(text) {
			continue
		}
		valid = append(valid, Entry{Label: label, Text: text})
	}
	meta := Metadata{
		BuiltAt:    time.Now().UTC(),
		LabelField: opts.LabelField,
		SourceRows: len(rows),
		ValidRows:  len(valid),
		SampleSize: opts.SampleSize,
		Seed:       opts.Seed,
	}
	if len(valid) == 0 {
		return nil, meta, fmt.Errorf("corpus: %w: no labeled rows with usable text in %q",
			ErrMissingReferenceData, opts.LabelField)
	}
	logger.Info("reference rows selected", "source", len(rows), "valid", len(valid))

	entries := valid
	if opts.SampleSize > 0 && len(valid) > opts.SampleSize {
		entries = Stratify(valid, opts.SampleSize, opts.MinPerLabel, opts.Seed)
		meta.Sampled = true
		logger.Info("stratified sample drawn", "from", len(valid), "to", len(entries))
	}

	vecs := make([][]float32, 0, len(entries))
	for start := 0; start < len(entries); start += opts.EmbedBatch {
		end := min(start+opts.EmbedBatch, len(entries))
		texts := make([]string, end-start)
		for i, e := range entries[start:end] {
			texts[i] = e.Text
		}
		out, err := emb.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, meta, fmt.Errorf("corpus: embedding rows %d-%d: %w", start, end, err)
		}
		vecs = append(vecs, out...)
		logger.Debug("embedded reference batch", "done", end, "total", len(entries))
	}

	c, err := FromVectors(entries, vecs)
	if err != nil {
		return nil, meta, err
	}
	meta.Dimension = c.Dim()
	meta.Entries = c.Len()
	meta.Labels = c.LabelCounts()
	return c, meta, nil
}

// Stratify samples entries per label in proportion to target/len(entries),
// with at least minPer rows per label when available. Output is grouped by
// label in descending frequency, keeping source order inside each group.
func Stratify(entries []Entry, target, minPer int, seed int64) []Entry {
	byLabel := make(map[string][]int)
	var order []string
	for i, e := range entries {
		if _, ok := byLabel[e.Label]; !ok {
			order = append(order, e.Label)
		}
		byLabel[e.Label] = append(byLabel[e.Label], i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(byLabel[order[a]]) > len(byLabel[order[b]])
	})

	rng := rand.New(rand.NewSource(seed))
	ratio := float64(target) / float64(len(entries))
	var out []Entry
	for _, label := range order {
		idx := byLabel[label]
		n := max(int(float64(len(idx))*ratio), minPer)
		n = min(n, len(idx))

		picked := append([]int(nil), idx...)
		rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
		picked = picked[:n]
		sort.Ints(picked)
		for _, i := range picked {
			out = append(out, entries[i])
		}
	}
	return out
}

// Save writes the entries CSV and the float64 .npy matrix, creating parent
// directories as needed.
func (c *Corpus) Save(entriesPath, embeddingsPath string) error {
	for _, p := range []string{entriesPath, embeddingsPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("corpus: %w", err)
		}
	}

	f, err := os.Create(entriesPath)
	if err != nil {
		return fmt.Errorf("corpus: %w", err)
	}
	w := csv.NewWriter(f)
	w.Write([]string{ColumnLabel, ColumnText})
	for _, e := range c.entries {
		w.Write([]string{e.Label, e.Text})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("corpus: write %s: %w", entriesPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("corpus: %w", err)
	}

	g, err := os.Create(embeddingsPath)
	if err != nil {
		return fmt.Errorf("corpus: %w", err)
	}
	if err := npyio.Write(g, c.vectors); err != nil {
		g.Close()
		return fmt.Errorf("corpus: write %s: %w", embeddingsPath, err)
	}
	return g.Close()
}

// WriteMetadata stores meta as YAML.
func WriteMetadata(path string, meta Metadata) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("corpus: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("corpus: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadMetadata loads a metadata file written by WriteMetadata.
func ReadMetadata(path string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, missing(path, err)
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("corpus: %s: %w", path, err)
	}
	return meta, nil
}
