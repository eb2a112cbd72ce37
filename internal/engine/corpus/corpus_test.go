package corpus

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/crimson-sun/triage/internal/engine/textrep"
)

func testCorpus(t *testing.T) *Corpus {
	t.Helper()
	c, err := FromVectors(
		[]Entry{
			{Label: "APP_ERRO", Text: "aplicativo trava"},
			{Label: "APP_ERRO", Text: "app fecha sozinho"},
			{Label: "COBRANCA", Text: "valor cobrado em dobro"},
		},
		[][]float32{{3, 4}, {0, 2}, {-1, 0}},
	)
	if err != nil {
		t.Fatalf("FromVectors: %v", err)
	}
	return c
}

func TestNewNormalizesRows(t *testing.T) {
	c := testCorpus(t)

	if c.Len() != 3 || c.Dim() != 2 {
		t.Fatalf("Len, Dim = %d, %d, want 3, 2", c.Len(), c.Dim())
	}
	got := c.Vector(0)
	if math.Abs(got[0]-0.6) > 1e-9 || math.Abs(got[1]-0.8) > 1e-9 {
		t.Errorf("Vector(0) = %v, want [0.6 0.8]", got)
	}

	// Vector returns a copy.
	got[0] = 99
	if c.Vector(0)[0] == 99 {
		t.Error("Vector exposed internal storage")
	}
}

func TestNewCopiesInput(t *testing.T) {
	m := mat.NewDense(1, 2, []float64{1, 0})
	entries := []Entry{{Label: "A", Text: "texto de referencia"}}
	c, err := New(entries, m)
	if err != nil {
		t.Fatal(err)
	}
	m.Set(0, 0, 0)
	entries[0].Label = "B"
	if c.Vector(0)[0] != 1 || c.Entry(0).Label != "A" {
		t.Error("corpus shares memory with its inputs")
	}
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		vectors [][]float32
	}{
		{"row count mismatch", []Entry{{Label: "A"}, {Label: "B"}}, [][]float32{{1, 0}}},
		{"empty label", []Entry{{Label: ""}}, [][]float32{{1, 0}}},
		{"ragged vectors", []Entry{{Label: "A"}, {Label: "B"}}, [][]float32{{1, 0}, {1}}},
		{"no vectors", []Entry{{Label: "A"}}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromVectors(tc.entries, tc.vectors)
			if !errors.Is(err, ErrInconsistentReferenceData) {
				t.Errorf("err = %v, want ErrInconsistentReferenceData", err)
			}
		})
	}
}

func TestCheckLabels(t *testing.T) {
	c := testCorpus(t)
	if err := c.CheckLabels(textrep.NeedsCategory); err != nil {
		t.Errorf("CheckLabels: %v", err)
	}

	bad, _ := FromVectors([]Entry{{Label: "Outros", Text: "x"}}, [][]float32{{1}})
	if err := bad.CheckLabels(textrep.NeedsCategory); !errors.Is(err, ErrInconsistentReferenceData) {
		t.Errorf("err = %v, want ErrInconsistentReferenceData", err)
	}

	sub, _ := FromVectors([]Entry{{Label: "Outros (detalhar)", Text: "x"}}, [][]float32{{1}})
	if err := sub.CheckLabels(textrep.NeedsSubcategory); err == nil {
		t.Error("expected placeholder subcategory label to be rejected")
	}
}

func TestScores(t *testing.T) {
	c := testCorpus(t)
	dst := make([]float64, c.Len())

	if err := c.Scores([]float64{0, 5}, dst); err != nil {
		t.Fatal(err)
	}
	want := []float64{0.8, 1, 0}
	for i := range want {
		if math.Abs(dst[i]-want[i]) > 1e-9 {
			t.Errorf("score[%d] = %f, want %f", i, dst[i], want[i])
		}
	}

	if err := c.Scores([]float64{0, 0}, dst); err != nil {
		t.Fatal(err)
	}
	for i, s := range dst {
		if s != 0 {
			t.Errorf("zero query score[%d] = %f, want 0", i, s)
		}
	}

	if err := c.Scores([]float64{1, 0, 0}, dst); !errors.Is(err, ErrInconsistentReferenceData) {
		t.Errorf("dim mismatch err = %v, want ErrInconsistentReferenceData", err)
	}
}

func TestScoreMatrixMatchesScores(t *testing.T) {
	c := testCorpus(t)
	queries := [][]float64{{0, 5}, {0, 0}, {3, -1}}

	rows, err := c.ScoreMatrix(queries)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != len(queries) {
		t.Fatalf("got %d rows, want %d", len(rows), len(queries))
	}
	for i, q := range queries {
		dst := make([]float64, c.Len())
		if err := c.Scores(q, dst); err != nil {
			t.Fatal(err)
		}
		for j := range dst {
			if math.Abs(rows[i][j]-dst[j]) > 1e-12 {
				t.Errorf("row %d score %d = %v, want %v", i, j, rows[i][j], dst[j])
			}
		}
	}
	if queries[0][1] != 5 {
		t.Error("ScoreMatrix modified its input")
	}
}

func TestLabels(t *testing.T) {
	c := testCorpus(t)
	counts := c.LabelCounts()
	if counts["APP_ERRO"] != 2 || counts["COBRANCA"] != 1 {
		t.Errorf("LabelCounts = %v", counts)
	}
	if got := c.Labels(); len(got) != 2 || got[0] != "APP_ERRO" || got[1] != "COBRANCA" {
		t.Errorf("Labels = %v", got)
	}
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "ref.csv"), filepath.Join(dir, "emb.npy"))
	if !errors.Is(err, ErrMissingReferenceData) {
		t.Fatalf("err = %v, want ErrMissingReferenceData", err)
	}
	if !strings.Contains(err.Error(), "build-corpus") {
		t.Errorf("err = %q, want rebuild instruction", err)
	}
}

func TestSaveLoad(t *testing.T) {
	c := testCorpus(t)
	dir := t.TempDir()
	entries := filepath.Join(dir, "ml", "ref.csv")
	embeddings := filepath.Join(dir, "ml", "emb.npy")

	if err := c.Save(entries, embeddings); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(entries, embeddings)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Len() != c.Len() || got.Dim() != c.Dim() {
		t.Fatalf("loaded %dx%d, want %dx%d", got.Len(), got.Dim(), c.Len(), c.Dim())
	}
	for i := 0; i < c.Len(); i++ {
		if got.Entry(i) != c.Entry(i) {
			t.Errorf("entry %d = %+v, want %+v", i, got.Entry(i), c.Entry(i))
		}
		a, b := got.Vector(i), c.Vector(i)
		for j := range a {
			if math.Abs(a[j]-b[j]) > 1e-12 {
				t.Errorf("vector %d[%d] = %f, want %f", i, j, a[j], b[j])
			}
		}
	}
}

func TestLoadRowMismatch(t *testing.T) {
	c := testCorpus(t)
	dir := t.TempDir()
	entries := filepath.Join(dir, "ref.csv")
	embeddings := filepath.Join(dir, "emb.npy")
	if err := c.Save(entries, embeddings); err != nil {
		t.Fatal(err)
	}

	// Drop the last entry line.
	data, _ := os.ReadFile(entries)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	os.WriteFile(entries, []byte(strings.Join(lines[:len(lines)-1], "\n")+"\n"), 0o644)

	if _, err := Load(entries, embeddings); !errors.Is(err, ErrInconsistentReferenceData) {
		t.Errorf("err = %v, want ErrInconsistentReferenceData", err)
	}
}

func TestLoadBadHeader(t *testing.T) {
	dir := t.TempDir()
	entries := filepath.Join(dir, "ref.csv")
	os.WriteFile(entries, []byte("DS_ASSUNTO,texto\nA,b\n"), 0o644)

	_, err := Load(entries, filepath.Join(dir, "emb.npy"))
	if !errors.Is(err, ErrInconsistentReferenceData) {
		t.Errorf("err = %v, want ErrInconsistentReferenceData", err)
	}
}
