package embedder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// fakeEmbeddingServer answers /embeddings with vector [len(text), 1, 0...]
// of the given dimension, listing results in reverse index order.
func fakeEmbeddingServer(t *testing.T, dim int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		var data []item
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dim)
			vec[0] = float32(len(req.Input[i]))
			vec[1] = 1
			data = append(data, item{Index: i, Embedding: vec})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
}

func TestHTTPEmbedderBatching(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEmbeddingServer(t, 4, &calls)
	defer srv.Close()

	emb, err := New(Config{Provider: "http", BaseURL: srv.URL, BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer emb.Close()

	texts := []string{"a", "bbb", "cc", "dddd", "e"}
	vecs, err := emb.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("requests = %d, want 3", calls.Load())
	}
	if emb.Dim() != 4 {
		t.Errorf("Dim = %d, want 4", emb.Dim())
	}
	for i, v := range vecs {
		n := float64(len(texts[i]))
		want := n / math.Sqrt(n*n+1)
		if math.Abs(float64(v[0])-want) > 1e-6 {
			t.Errorf("vec %d [0] = %f, want %f (order or normalization wrong)", i, v[0], want)
		}
	}
}

func TestHTTPEmbedderDimMismatch(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEmbeddingServer(t, 3, &calls)
	defer srv.Close()

	emb, _ := NewHTTP(Config{BaseURL: srv.URL, Dim: 8})
	_, err := emb.Embed(context.Background(), "texto")
	if err == nil || !strings.Contains(err.Error(), "dim 3") {
		t.Errorf("err = %v, want dimension mismatch", err)
	}
}

func TestHTTPEmbedderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid key"}`))
	}))
	defer srv.Close()

	emb, _ := NewHTTP(Config{BaseURL: srv.URL, APIKey: "bad"})
	_, err := emb.EmbedBatch(context.Background(), []string{"x"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want HTTP 401", err)
	}
}

func TestRegistry(t *testing.T) {
	providers := Providers()
	for _, want := range []string{"hash", "http", "onnx"} {
		found := false
		for _, p := range providers {
			if p == want {
				found = true
			}
		}
		if !found {
			t.Errorf("provider %q not registered; have %v", want, providers)
		}
	}

	if _, err := New(Config{Provider: "nope"}); err == nil {
		t.Error("expected error for unknown provider")
	}

	emb, err := New(Config{Provider: "hash", Dim: 16})
	if err != nil {
		t.Fatal(err)
	}
	if emb.Dim() != 16 {
		t.Errorf("Dim = %d, want 16", emb.Dim())
	}
}
