package embeddings_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/finbot/market-rag/config"
	"github.com/finbot/market-rag/embeddings"
)

func TestNewEmbedderDefaults(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{
			Provider:  config.ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 3,
		},
		OllamaHost: "http://localhost:11434",
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		t.Fatalf("expected embedder, got error: %v", err)
	}
	if embedder == nil {
		t.Fatal("expected non-nil embedder")
	}
}

func TestNewEmbedderOpenAIMissingKey(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{
			Provider:  config.ProviderOpenAI,
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		},
	}

	if _, err := embeddings.NewEmbedder(cfg); err == nil {
		t.Fatal("expected error for missing OPENAI_API_KEY")
	}
}

func TestNewEmbedderUnknownProvider(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{Provider: "mystery"},
	}

	if _, err := embeddings.NewEmbedder(cfg); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestOllamaEmbedderBatch(t *testing.T) {
	var gotInput []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("expected /api/embed, got %s", r.URL.Path)
		}
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotInput = req.Input
		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{1, 0, 0}, {0, 1, 0}},
		})
	}))
	defer server.Close()

	embedder := embeddings.NewOllamaEmbedder(embeddings.Options{
		Model:      "nomic-embed-text",
		Dimension:  3,
		OllamaHost: server.URL,
	})

	vecs, err := embedder.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("expected embeddings, got error: %v", err)
	}
	if len(gotInput) != 2 {
		t.Fatalf("expected one batched request with 2 inputs, got %v", gotInput)
	}
	if len(vecs) != 2 || len(vecs[0]) != 3 {
		t.Fatalf("unexpected embedding shape: %v", vecs)
	}
}

func TestOllamaEmbedderDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{1, 0}},
		})
	}))
	defer server.Close()

	embedder := embeddings.NewOllamaEmbedder(embeddings.Options{
		Model:      "nomic-embed-text",
		Dimension:  3,
		OllamaHost: server.URL,
	})

	if _, err := embedder.Embed(context.Background(), []string{"text"}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestNormalize(t *testing.T) {
	vec := embeddings.Normalize([]float32{3, 4})
	if math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Fatalf("expected unit vector, got %v", vec)
	}

	var length float64
	for _, v := range vec {
		length += float64(v) * float64(v)
	}
	if math.Abs(length-1.0) > 1e-6 {
		t.Fatalf("expected length 1, got %f", length)
	}

	zero := embeddings.Normalize([]float32{0, 0, 0})
	for _, v := range zero {
		if v != 0 {
			t.Fatalf("expected zero vector unchanged, got %v", zero)
		}
	}
}
