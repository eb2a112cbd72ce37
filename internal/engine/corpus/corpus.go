// Package corpus holds the labeled, embedded reference texts that the
// classifier searches. A Corpus is immutable after construction and safe to
// share between goroutines and engines.
package corpus

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/crimson-sun/triage/internal/engine/textrep"
)

var (
	// ErrMissingReferenceData means a corpus artifact is absent.
	ErrMissingReferenceData = errors.New("reference data missing")
	// ErrInconsistentReferenceData means the artifacts disagree with each
	// other or with the embedding provider.
	ErrInconsistentReferenceData = errors.New("reference data inconsistent")
)

// Entries file header.
const (
	ColumnLabel = "label"
	ColumnText  = "reference_text"
)

// Entry is one labeled reference text.
type Entry struct {
	Label string
	Text  string
}

// Corpus pairs N entries with an N×D matrix of unit-length embeddings.
type Corpus struct {
	entries []Entry
	vectors *mat.Dense
}

// New builds a corpus from memory. The matrix is copied and its rows
// L2-normalized; all-zero rows stay zero.
func New(entries []Entry, vectors mat.Matrix) (*Corpus, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("corpus: %w: no entries", ErrInconsistentReferenceData)
	}
	r, c := vectors.Dims()
	if r != len(entries) {
		return nil, fmt.Errorf("corpus: %w: %d entries but %d embedding rows",
			ErrInconsistentReferenceData, len(entries), r)
	}
	for i, e := range entries {
		if e.Label == "" {
			return nil, fmt.Errorf("corpus: %w: entry %d has an empty label", ErrInconsistentReferenceData, i)
		}
	}

	m := mat.NewDense(r, c, nil)
	m.Copy(vectors)
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		if n := floats.Norm(row, 2); n > 0 {
			floats.Scale(1/n, row)
		}
	}

	return &Corpus{
		entries: append([]Entry(nil), entries...),
		vectors: m,
	}, nil
}

// FromVectors is New for callers holding embeddings as float32 rows.
func FromVectors(entries []Entry, vecs [][]float32) (*Corpus, error) {
	if len(vecs) == 0 {
		return nil, fmt.Errorf("corpus: %w: no embeddings", ErrInconsistentReferenceData)
	}
	dim := len(vecs[0])
	data := make([]float64, 0, len(vecs)*dim)
	for i, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("corpus: %w: embedding %d has dim %d, want %d",
				ErrInconsistentReferenceData, i, len(v), dim)
		}
		for _, x := range v {
			data = append(data, float64(x))
		}
	}
	return New(entries, mat.NewDense(len(vecs), dim, data))
}

// Load reads the entries CSV and the .npy embedding matrix.
func Load(entriesPath, embeddingsPath string) (*Corpus, error) {
	entries, err := readEntries(entriesPath)
	if err != nil {
		return nil, err
	}
	vectors, err := readMatrix(embeddingsPath)
	if err != nil {
		return nil, err
	}
	return New(entries, vectors)
}

func missing(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("corpus: %w: %s not found; run `triage build-corpus` first", ErrMissingReferenceData, path)
	}
	return fmt.Errorf("corpus: %w", err)
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, missing(path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("corpus: %w: %s is empty", ErrInconsistentReferenceData, path)
	}
	if err != nil {
		return nil, fmt.Errorf("corpus: %s: %w", path, err)
	}
	if trimBOM(header[0]) != ColumnLabel || header[1] != ColumnText {
		return nil, fmt.Errorf("corpus: %w: %s header is %v, want [%s %s]",
			ErrInconsistentReferenceData, path, header, ColumnLabel, ColumnText)
	}

	var entries []Entry
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corpus: %s: %w", path, err)
		}
		entries = append(entries, Entry{Label: rec[0], Text: rec[1]})
	}
	return entries, nil
}

func trimBOM(s string) string {
	if len(s) >= 3 && s[:3] == "\xef\xbb\xbf" {
		return s[3:]
	}
	return s
}

func readMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, missing(path, err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("corpus: %s: %w", path, err)
	}
	shape := r.Header.Descr.Shape
	if len(shape) != 2 {
		return nil, fmt.Errorf("corpus: %w: %s has shape %v, want 2-D",
			ErrInconsistentReferenceData, path, shape)
	}
	rows, cols := shape[0], shape[1]
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("corpus: %w: %s is empty", ErrInconsistentReferenceData, path)
	}

	data := make([]float64, rows*cols)
	switch r.Header.Descr.Type {
	case "<f8":
		if err := r.Read(&data); err != nil {
			return nil, fmt.Errorf("corpus: %s: %w", path, err)
		}
	case "<f4":
		raw := make([]float32, rows*cols)
		if err := r.Read(&raw); err != nil {
			return nil, fmt.Errorf("corpus: %s: %w", path, err)
		}
		for i, v := range raw {
			data[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("corpus: %w: %s has dtype %s, want float32 or float64",
			ErrInconsistentReferenceData, path, r.Header.Descr.Type)
	}

	if r.Header.Descr.Fortran {
		m := mat.NewDense(rows, cols, nil)
		m.Copy(mat.NewDense(cols, rows, data).T())
		return m, nil
	}
	return mat.NewDense(rows, cols, data), nil
}

// Len returns the number of entries.
func (c *Corpus) Len() int { return len(c.entries) }

// Dim returns the embedding dimension.
func (c *Corpus) Dim() int {
	_, d := c.vectors.Dims()
	return d
}

// Entry returns entry i.
func (c *Corpus) Entry(i int) Entry { return c.entries[i] }

// Entries returns a copy of all entries in corpus order.
func (c *Corpus) Entries() []Entry { return append([]Entry(nil), c.entries...) }

// Vector returns a copy of embedding row i.
func (c *Corpus) Vector(i int) []float64 {
	return append([]float64(nil), c.vectors.RawRowView(i)...)
}

// LabelCounts returns how many entries carry each label.
func (c *Corpus) LabelCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range c.entries {
		counts[e.Label]++
	}
	return counts
}

// Labels returns the distinct labels, sorted.
func (c *Corpus) Labels() []string {
	counts := c.LabelCounts()
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// CheckLabels rejects a corpus containing labels that pred treats as
// needing classification, such as "Outros" for categories.
func (c *Corpus) CheckLabels(pred textrep.Predicate) error {
	for i, e := range c.entries {
		if pred(e.Label, true) {
			return fmt.Errorf("corpus: %w: entry %d has placeholder label %q",
				ErrInconsistentReferenceData, i, e.Label)
		}
	}
	return nil
}

// ScoreBlock is the number of query rows multiplied against the corpus at
// once. Short blocks are zero-padded so every product has the same shape and
// a row's scores never depend on which other rows share its block.
const ScoreBlock = 32

// ScoreMatrix returns the len(queries)×Len() cosine similarity matrix,
// computed block by block as Q·Cᵀ over L2-normalized query rows. Queries
// are not modified; a zero query scores 0 against every row.
func (c *Corpus) ScoreMatrix(queries [][]float64) ([][]float64, error) {
	dim := c.Dim()
	out := make([][]float64, len(queries))
	q := mat.NewDense(ScoreBlock, dim, nil)
	for lo := 0; lo < len(queries); lo += ScoreBlock {
		hi := min(lo+ScoreBlock, len(queries))
		q.Zero()
		for i := lo; i < hi; i++ {
			if len(queries[i]) != dim {
				return nil, fmt.Errorf("corpus: %w: query dim %d, corpus dim %d",
					ErrInconsistentReferenceData, len(queries[i]), dim)
			}
			row := q.RawRowView(i - lo)
			copy(row, queries[i])
			if n := floats.Norm(row, 2); n > 0 {
				floats.Scale(1/n, row)
			}
		}
		var scores mat.Dense
		scores.Mul(q, c.vectors.T())
		for i := lo; i < hi; i++ {
			out[i] = append([]float64(nil), scores.RawRowView(i-lo)...)
		}
	}
	return out, nil
}

// Scores writes the cosine similarity between query and every corpus row
// into dst, which must have Len() elements.
func (c *Corpus) Scores(query []float64, dst []float64) error {
	if len(dst) != len(c.entries) {
		return fmt.Errorf("corpus: score buffer has %d slots for %d entries", len(dst), len(c.entries))
	}
	rows, err := c.ScoreMatrix([][]float64{query})
	if err != nil {
		return err
	}
	copy(dst, rows[0])
	return nil
}
