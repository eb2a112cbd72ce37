package corpus

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/crimson-sun/triage/internal/engine/embedder"
	"github.com/crimson-sun/triage/internal/engine/textrep"
	"github.com/crimson-sun/triage/internal/model"
)

func entriesWithCounts(counts map[string]int, order []string) []Entry {
	var out []Entry
	for _, label := range order {
		for i := 0; i < counts[label]; i++ {
			out = append(out, Entry{Label: label, Text: label + strings.Repeat("x", i)})
		}
	}
	return out
}

func TestStratify(t *testing.T) {
	entries := entriesWithCounts(map[string]int{"A": 100, "B": 20, "C": 5}, []string{"C", "A", "B"})

	got := Stratify(entries, 50, 10, 42)

	counts := map[string]int{}
	for _, e := range got {
		counts[e.Label]++
	}
	// ratio 0.4: A → 40, B → max(8, 10), C → all 5
	want := map[string]int{"A": 40, "B": 10, "C": 5}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("counts = %v, want %v", counts, want)
	}

	// Grouped by descending label frequency.
	if got[0].Label != "A" || got[len(got)-1].Label != "C" {
		t.Errorf("first/last labels = %s/%s, want A/C", got[0].Label, got[len(got)-1].Label)
	}

	again := Stratify(entries, 50, 10, 42)
	if !reflect.DeepEqual(got, again) {
		t.Error("same seed produced a different sample")
	}
}

func TestBuild(t *testing.T) {
	long := "cliente relata que o aplicativo trava ao abrir"
	rows := []model.Record{
		{"DS_ASSUNTO": "APP_ERRO", "DS_OBSERVACAO": long},
		{"DS_ASSUNTO": "COBRANCA", "DS_OBSERVACAO": "cobrança duplicada na fatura mensal"},
		{"DS_ASSUNTO": "Outros", "DS_OBSERVACAO": long},     // placeholder label
		{"DS_OBSERVACAO": long},                             // no label
		{"DS_ASSUNTO": "APP_ERRO", "DS_OBSERVACAO": "curto"}, // text too short
	}

	c, meta, err := Build(context.Background(), rows, embedder.NewHash(32), BuildOptions{
		LabelField: textrep.FieldCategory,
		Predicate:  textrep.NeedsCategory,
		Builder:    textrep.NewBuilder(textrep.CategoryFields()),
		EmbedBatch: 1,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if c.Entry(0).Label != "APP_ERRO" || c.Entry(0).Text != long {
		t.Errorf("entry 0 = %+v", c.Entry(0))
	}
	if meta.SourceRows != 5 || meta.ValidRows != 2 || meta.Entries != 2 || meta.Dimension != 32 {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Sampled {
		t.Error("Sampled = true with SampleSize 0")
	}
}

func TestBuildNothingUsable(t *testing.T) {
	rows := []model.Record{{"DS_ASSUNTO": "Outros", "DS_OBSERVACAO": "texto longo o suficiente"}}
	_, _, err := Build(context.Background(), rows, embedder.NewHash(8), BuildOptions{
		LabelField: textrep.FieldCategory,
		Predicate:  textrep.NeedsCategory,
		Builder:    textrep.NewBuilder(textrep.CategoryFields()),
	})
	if !errors.Is(err, ErrMissingReferenceData) {
		t.Errorf("err = %v, want ErrMissingReferenceData", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.yaml")
	meta := Metadata{LabelField: "DS_ASSUNTO", Provider: "hash", Dimension: 32, Entries: 2,
		Labels: map[string]int{"APP_ERRO": 1, "COBRANCA": 1}}
	if err := WriteMetadata(path, meta); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMetadata(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Dimension != 32 || got.Labels["COBRANCA"] != 1 || got.Provider != "hash" {
		t.Errorf("ReadMetadata = %+v", got)
	}
}
