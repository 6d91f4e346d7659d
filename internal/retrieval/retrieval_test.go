package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func embeddingHandler(t *testing.T, vector []float32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
			Input string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model == "" || req.Input == "" {
			t.Errorf("embedding request missing fields: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"embedding": vector}},
		})
	}
}

func TestQuery(t *testing.T) {
	embed := httptest.NewServer(embeddingHandler(t, []float32{0.1, 0.2, 0.3}))
	defer embed.Close()

	qdrant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/uat_documents/points/search" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req struct {
			Vector      []float32 `json:"vector"`
			Limit       int       `json:"limit"`
			WithPayload bool      `json:"with_payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if len(req.Vector) != 3 || req.Limit != 2 || !req.WithPayload {
			t.Errorf("search request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []map[string]interface{}{
				{"payload": map[string]interface{}{"content": "login requires MFA"}},
				{"payload": map[string]interface{}{"content": "passwords rotate quarterly"}},
			},
		})
	}))
	defer qdrant.Close()

	c := NewClient(Config{
		QdrantURL:      qdrant.URL,
		Collection:     "uat_documents",
		EmbeddingURL:   embed.URL,
		EmbeddingModel: "text-embedding-3-small",
		TopK:           2,
	}, testLogger(), otel.Tracer("test"))

	got, err := c.Query(context.Background(), "password reset")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(got, "login requires MFA") || !strings.Contains(got, "passwords rotate quarterly") {
		t.Errorf("context = %q", got)
	}
	if !strings.HasPrefix(got, "---\n") {
		t.Errorf("snippets must be delimited, got %q", got)
	}
}

func TestQueryIndexNotFound(t *testing.T) {
	embed := httptest.NewServer(embeddingHandler(t, []float32{0.5}))
	defer embed.Close()

	qdrant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"Collection not found"}}`, http.StatusNotFound)
	}))
	defer qdrant.Close()

	c := NewClient(Config{
		QdrantURL:      qdrant.URL,
		Collection:     "missing",
		EmbeddingURL:   embed.URL,
		EmbeddingModel: "m",
	}, testLogger(), otel.Tracer("test"))

	_, err := c.Query(context.Background(), "q")
	if !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("err = %v, want ErrIndexNotFound", err)
	}
}

func TestQueryNoMatches(t *testing.T) {
	embed := httptest.NewServer(embeddingHandler(t, []float32{0.5}))
	defer embed.Close()

	qdrant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"result": []interface{}{}})
	}))
	defer qdrant.Close()

	c := NewClient(Config{
		QdrantURL:    qdrant.URL,
		Collection:   "c",
		EmbeddingURL: embed.URL,
	}, testLogger(), otel.Tracer("test"))

	got, err := c.Query(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("context = %q, want empty for no matches", got)
	}
}

func TestQueryEmbeddingFailure(t *testing.T) {
	embed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadGateway)
	}))
	defer embed.Close()

	c := NewClient(Config{
		QdrantURL:    "http://127.0.0.1:1",
		Collection:   "c",
		EmbeddingURL: embed.URL,
	}, testLogger(), otel.Tracer("test"))

	_, err := c.Query(context.Background(), "q")
	if err == nil {
		t.Fatal("expected error when embedding service fails")
	}
	if errors.Is(err, ErrIndexNotFound) {
		t.Error("embedding failure must not look like a missing index")
	}
}

func TestEnsureCollectionTreatsConflictAsSuccess(t *testing.T) {
	qdrant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer qdrant.Close()

	c := NewClient(Config{QdrantURL: qdrant.URL, Collection: "c"}, testLogger(), otel.Tracer("test"))
	if err := c.EnsureCollection(context.Background(), 3); err != nil {
		t.Errorf("EnsureCollection on 409: %v", err)
	}
}

func TestUpsert(t *testing.T) {
	var gotPath string
	qdrant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		var req struct {
			Points []struct {
				ID      int                    `json:"id"`
				Vector  []float32              `json:"vector"`
				Payload map[string]interface{} `json:"payload"`
			} `json:"points"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if len(req.Points) != 2 {
			t.Errorf("points = %d", len(req.Points))
		}
		if req.Points[0].Payload["content"] != "chunk one" {
			t.Errorf("payload = %+v", req.Points[0].Payload)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer qdrant.Close()

	c := NewClient(Config{QdrantURL: qdrant.URL, Collection: "c"}, testLogger(), otel.Tracer("test"))
	err := c.Upsert(context.Background(), []Point{
		{ID: 0, Vector: []float32{0.1}, Content: "chunk one"},
		{ID: 1, Vector: []float32{0.2}, Content: "chunk two"},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if gotPath != "/collections/c/points?wait=true" {
		t.Errorf("path = %q", gotPath)
	}
}
