package classifier

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/crimson-sun/triage/internal/engine/corpus"
	"github.com/crimson-sun/triage/internal/model"
)

// mockEmbedder returns fixed vectors per text.
type mockEmbedder struct {
	dim     int
	vectors map[string][]float32
	err     error
	calls   int
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := m.vectors[t]
		if !ok {
			v = make([]float32, m.dim)
		}
		out[i] = v
	}
	return out, nil
}

func (m *mockEmbedder) Dim() int     { return m.dim }
func (m *mockEmbedder) Close() error { return nil }

const (
	appQuery       = "app fecha sozinho"
	gibberishQuery = "xyz completely unrelated gibberish"
)

var appVec = []float32{1, 0.2, 0.1}

func appCorpus(t *testing.T) *corpus.Corpus {
	t.Helper()
	c, err := corpus.FromVectors(
		[]corpus.Entry{
			{Label: "APP_ERRO", Text: "aplicativo não abre"},
			{Label: "APP_ERRO", Text: "tela de login trava"},
			{Label: "FINANCEIRO", Text: "cobrança indevida na fatura"},
		},
		[][]float32{{1, 0, 0}, {0.8, 0.6, 0}, {0, 0, 1}},
	)
	if err != nil {
		t.Fatalf("FromVectors: %v", err)
	}
	return c
}

func appEmbedder() *mockEmbedder {
	return &mockEmbedder{dim: 3, vectors: map[string][]float32{
		appQuery:       appVec,
		gibberishQuery: {0, 0.5, -0.866},
	}}
}

func newTestClassifier(t *testing.T, emb *mockEmbedder, p Policy) *Classifier {
	t.Helper()
	cl, err := New(appCorpus(t), emb, p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cl
}

func cosine(a []float32, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * b[i]
		na += float64(a[i]) * float64(a[i])
		nb += b[i] * b[i]
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestEndToEndWeighted(t *testing.T) {
	cl := newTestClassifier(t, appEmbedder(), Policy{Voting: VotingWeighted, K: 2, Threshold: 0.4})

	out, err := cl.Classify(context.Background(), appQuery)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	// Corpus rows are stored from float32, so the expectation uses the same values.
	second := []float64{float64(float32(0.8)), float64(float32(0.6)), 0}
	want := (cosine(appVec, []float64{1, 0, 0}) + cosine(appVec, second)) / 2
	if out.Label != "APP_ERRO" {
		t.Errorf("Label = %q, want APP_ERRO", out.Label)
	}
	if math.Abs(out.Confidence-want) > 1e-9 {
		t.Errorf("Confidence = %v, want %v", out.Confidence, want)
	}
	if out.Method != model.MethodAuto {
		t.Errorf("Method = %q, want auto", out.Method)
	}
	wantExamples := []string{"aplicativo não abre...", "tela de login trava..."}
	if !reflect.DeepEqual(out.Examples, wantExamples) {
		t.Errorf("Examples = %v, want %v", out.Examples, wantExamples)
	}
}

func TestConfidenceNeverNegative(t *testing.T) {
	const opposite = "opposite of everything"
	for _, v := range []Voting{VotingWeighted, VotingNearest} {
		t.Run(string(v), func(t *testing.T) {
			emb := appEmbedder()
			emb.vectors[opposite] = []float32{-1, -0.1, -0.1}
			cl := newTestClassifier(t, emb, Policy{Voting: v, K: 2, Threshold: 0.1})

			out, err := cl.Classify(context.Background(), opposite)
			if err != nil {
				t.Fatal(err)
			}
			if out.Confidence < 0 || out.Confidence > 1 {
				t.Errorf("Confidence = %v, want within [0, 1]", out.Confidence)
			}
			if out.Method != model.MethodManualReview || out.Label != "" {
				t.Errorf("outcome = %+v, want manual review", out)
			}
		})
	}
}

func TestSimilaritiesAcrossBlocks(t *testing.T) {
	cl := newTestClassifier(t, appEmbedder(), Policy{Voting: VotingWeighted, K: 2, Threshold: 0.4})
	vecs := make([][]float32, 2*corpus.ScoreBlock+5)
	for i := range vecs {
		vecs[i] = []float32{float32(i%7) - 3, float32(i%3) * 0.5, 1}
	}

	batch, err := cl.Similarities(context.Background(), vecs)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != len(vecs) {
		t.Fatalf("got %d rows, want %d", len(batch), len(vecs))
	}
	for _, i := range []int{0, corpus.ScoreBlock - 1, corpus.ScoreBlock, len(vecs) - 1} {
		single, err := cl.Similarities(context.Background(), vecs[i:i+1])
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(single[0], batch[i]) {
			t.Errorf("row %d: single %v != batch %v", i, single[0], batch[i])
		}
	}
}

func TestManualReviewGibberish(t *testing.T) {
	cl := newTestClassifier(t, appEmbedder(), Policy{Voting: VotingWeighted, K: 2, Threshold: 0.4})

	out, err := cl.Classify(context.Background(), gibberishQuery)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if out.Label != "" {
		t.Errorf("Label = %q, want none", out.Label)
	}
	if out.Method != model.MethodManualReview {
		t.Errorf("Method = %q, want manual_review", out.Method)
	}
	if !out.NeedsReview() {
		t.Error("NeedsReview = false")
	}
}

func TestValidityGate(t *testing.T) {
	emb := appEmbedder()
	cl := newTestClassifier(t, emb, Policy{Voting: VotingWeighted, K: 2, Threshold: 0})

	for _, text := range []string{"", "   ", "curto", "123456789", "  abc def  "} {
		out, err := cl.Classify(context.Background(), text)
		if err != nil {
			t.Fatalf("Classify(%q): %v", text, err)
		}
		if out.Method != model.MethodManualReview || out.Confidence != 0 || out.Label != "" || out.Examples != nil {
			t.Errorf("Classify(%q) = %+v, want rejected", text, out)
		}
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times for invalid texts", emb.calls)
	}
}

func TestThresholdMonotonicity(t *testing.T) {
	for _, voting := range []Voting{VotingWeighted, VotingNearest} {
		for _, text := range []string{appQuery, gibberishQuery} {
			sawManual := false
			for th := 0.0; th <= 1.0; th += 0.05 {
				cl := newTestClassifier(t, appEmbedder(), Policy{Voting: voting, K: 2, Threshold: th})
				out, err := cl.Classify(context.Background(), text)
				if err != nil {
					t.Fatal(err)
				}
				if out.Method == model.MethodManualReview {
					sawManual = true
				} else if sawManual {
					t.Errorf("%s %q: auto again at threshold %.2f after manual_review", voting, text, th)
				}
			}
		}
	}
}

func TestNearestBelowThreshold(t *testing.T) {
	tests := []struct {
		apply     bool
		wantLabel string
	}{
		{apply: false, wantLabel: ""},
		{apply: true, wantLabel: "APP_ERRO"},
	}
	for _, tc := range tests {
		cl := newTestClassifier(t, appEmbedder(), Policy{Voting: VotingNearest, K: 3, Threshold: 0.99, ApplyBelowThreshold: tc.apply})
		out, err := cl.Classify(context.Background(), appQuery)
		if err != nil {
			t.Fatal(err)
		}
		if out.Method != model.MethodManualReview {
			t.Errorf("apply=%v: Method = %q, want manual_review", tc.apply, out.Method)
		}
		if out.Label != tc.wantLabel {
			t.Errorf("apply=%v: Label = %q, want %q", tc.apply, out.Label, tc.wantLabel)
		}
		if want := cosine(appVec, []float64{1, 0, 0}); math.Abs(out.Confidence-want) > 1e-9 {
			t.Errorf("apply=%v: Confidence = %v, want %v", tc.apply, out.Confidence, want)
		}
	}
}

func TestNearestAuto(t *testing.T) {
	cl := newTestClassifier(t, appEmbedder(), Policy{Voting: VotingNearest, K: 3, Threshold: 0.5})
	out, err := cl.Classify(context.Background(), appQuery)
	if err != nil {
		t.Fatal(err)
	}
	if out.Label != "APP_ERRO" || out.Method != model.MethodAuto {
		t.Errorf("got %+v, want APP_ERRO auto", out)
	}
	if len(out.Examples) != 3 {
		t.Errorf("len(Examples) = %d, want 3", len(out.Examples))
	}
}

func TestExamplesTruncated(t *testing.T) {
	long := strings.Repeat("á", 150)
	c, _ := corpus.FromVectors([]corpus.Entry{{Label: "A", Text: long}}, [][]float32{{1, 0}})
	cl, err := New(c, &mockEmbedder{dim: 2}, Policy{Voting: VotingWeighted, K: 5, Threshold: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	out := cl.Decide([]float64{0.9})
	want := strings.Repeat("á", 100) + "..."
	if len(out.Examples) != 1 || out.Examples[0] != want {
		t.Errorf("Examples = %q, want one 100-rune example", out.Examples)
	}
}

func TestDecideWeightedTies(t *testing.T) {
	c, _ := corpus.FromVectors(
		[]corpus.Entry{{Label: "B", Text: "b1"}, {Label: "A", Text: "a1"}, {Label: "A", Text: "a2"}, {Label: "B", Text: "b2"}},
		[][]float32{{1}, {1}, {1}, {1}},
	)
	cl, _ := New(c, &mockEmbedder{dim: 1}, Policy{Voting: VotingWeighted, K: 4, Threshold: 0})

	// Equal totals: the label seen first in rank order wins.
	out := cl.Decide([]float64{0.5, 0.75, 0.25, 0.5})
	if out.Label != "A" {
		t.Errorf("Label = %q, want A (ranked first)", out.Label)
	}
	if math.Abs(out.Confidence-0.5) > 1e-12 {
		t.Errorf("Confidence = %v, want 0.5", out.Confidence)
	}

	// Higher total beats a higher single neighbor.
	out = cl.Decide([]float64{0.9, 0.7, 0.7, 0.1})
	if out.Label != "A" || math.Abs(out.Confidence-0.7) > 1e-12 {
		t.Errorf("got %q %v, want A 0.7", out.Label, out.Confidence)
	}
}

func TestDecideAllNaN(t *testing.T) {
	c, _ := corpus.FromVectors([]corpus.Entry{{Label: "A", Text: "a"}}, [][]float32{{1}})
	cl, _ := New(c, &mockEmbedder{dim: 1}, Policy{Voting: VotingWeighted, K: 1, Threshold: 0})
	out := cl.Decide([]float64{math.NaN()})
	if out.Method != model.MethodManualReview || out.Label != "" || out.Confidence != 0 {
		t.Errorf("got %+v, want manual_review with no label", out)
	}
}

func TestTopK(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name   string
		scores []float64
		k      int
		want   []int
	}{
		{"basic", []float64{0.1, 0.9, 0.5}, 2, []int{1, 2}},
		{"ties keep corpus order", []float64{0.5, 0.7, 0.5, 0.5}, 3, []int{1, 0, 2}},
		{"nan ranks last", []float64{nan, 0.2, nan, -0.3}, 4, []int{1, 3, 0, 2}},
		{"k larger than corpus", []float64{0.3, 0.4}, 5, []int{1, 0}},
		{"k zero", []float64{0.3}, 0, nil},
		{"empty", nil, 3, nil},
		{"negative scores", []float64{-0.9, -0.1, -0.5}, 1, []int{1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := TopK(tc.scores, tc.k)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("TopK = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSimilaritiesBatchInvariance(t *testing.T) {
	cl := newTestClassifier(t, appEmbedder(), Policy{Voting: VotingWeighted, K: 2, Threshold: 0.4})
	vecs := [][]float32{appVec, {0, 0.5, -0.866}, {0.3, 0.3, 0.3}, {0, 0, 0}}

	batch, err := cl.Similarities(context.Background(), vecs)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vecs {
		single, err := cl.Similarities(context.Background(), [][]float32{v})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(single[0], batch[i]) {
			t.Errorf("row %d: single %v != batch %v", i, single[0], batch[i])
		}
	}
	for j, s := range batch[3] {
		if s != 0 {
			t.Errorf("zero vector score[%d] = %v, want 0", j, s)
		}
	}
}

func TestProviderFailure(t *testing.T) {
	boom := errors.New("model crashed")
	emb := appEmbedder()
	emb.err = boom
	cl := newTestClassifier(t, emb, Policy{Voting: VotingWeighted, K: 2, Threshold: 0.4})

	_, err := cl.Classify(context.Background(), appQuery)
	if !errors.Is(err, ErrEmbeddingProvider) || !errors.Is(err, boom) {
		t.Errorf("err = %v, want ErrEmbeddingProvider wrapping the provider error", err)
	}
}

func TestNewErrors(t *testing.T) {
	c := appCorpus(t)
	ok := Policy{Voting: VotingWeighted, K: 2, Threshold: 0.4}

	if _, err := New(c, &mockEmbedder{dim: 4}, ok); !errors.Is(err, corpus.ErrInconsistentReferenceData) {
		t.Errorf("dim mismatch: err = %v, want ErrInconsistentReferenceData", err)
	}
	if _, err := New(nil, &mockEmbedder{dim: 3}, ok); !errors.Is(err, corpus.ErrMissingReferenceData) {
		t.Errorf("nil corpus: err = %v, want ErrMissingReferenceData", err)
	}
	// Providers that learn their dimension lazily report 0.
	if _, err := New(c, &mockEmbedder{dim: 0}, ok); err != nil {
		t.Errorf("unknown dim: %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"weighted", Policy{Voting: VotingWeighted, K: 5, Threshold: 0.65}, false},
		{"nearest", Policy{Voting: VotingNearest, K: 3, Threshold: 0.5, ApplyBelowThreshold: true}, false},
		{"bounds", Policy{Voting: VotingNearest, K: 1, Threshold: 1}, false},
		{"unknown voting", Policy{Voting: "majority", K: 3, Threshold: 0.5}, true},
		{"empty voting", Policy{K: 3, Threshold: 0.5}, true},
		{"zero K", Policy{Voting: VotingWeighted, K: 0, Threshold: 0.5}, true},
		{"negative threshold", Policy{Voting: VotingWeighted, K: 3, Threshold: -0.1}, true},
		{"threshold above one", Policy{Voting: VotingWeighted, K: 3, Threshold: 1.1}, true},
		{"nan threshold", Policy{Voting: VotingWeighted, K: 3, Threshold: math.NaN()}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
