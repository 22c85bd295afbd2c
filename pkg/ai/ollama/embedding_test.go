package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ofisk/loresmith-ai/backend/pkg/ai"
)

func newTestServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		embeddings := make([][]float32, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[0] = float32(i + 1)
			embeddings[i] = vec
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             req.Model,
			"embeddings":        embeddings,
			"prompt_eval_count": 3 * len(req.Input),
		})
	}))
}

func TestEmbedBatchMapsBlankInputs(t *testing.T) {
	srv := newTestServer(t, 4)
	defer srv.Close()

	e, err := NewEmbedder(NewEmbedderParams{Model: "nomic-embed-text", Dimensions: 4, BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}

	out, err := e.EmbedBatch(context.Background(), []string{"Baldur's Gate", " ", "Neverwinter"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(out))
	}
	if out[0][0] != 1 || out[2][0] != 2 {
		t.Fatalf("vectors not mapped back to input order: %v", out)
	}
	for _, v := range out[1] {
		if v != 0 {
			t.Fatalf("expected zero vector for blank input, got %v", out[1])
		}
	}
	if got := e.GetMetrics(); got.Requests != 1 || got.InputTokens != 6 {
		t.Fatalf("unexpected metrics %+v", got)
	}
}

func TestEmbedRejectsDimensionMismatch(t *testing.T) {
	srv := newTestServer(t, 3)
	defer srv.Close()

	e, err := NewEmbedder(NewEmbedderParams{Model: "nomic-embed-text", Dimensions: 4, BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}
	if _, err := e.Embed(context.Background(), "Waterdeep"); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestEmbedWithoutModelIsConfigError(t *testing.T) {
	e, err := NewEmbedder(NewEmbedderParams{Dimensions: 4, BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}
	if _, err := e.Embed(context.Background(), "Waterdeep"); !ai.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}
