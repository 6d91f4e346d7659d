package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ErrIndexNotFound reports that the retrieval index has not been built yet.
// Callers must distinguish it from generic retrieval failures so the
// operator can be told to run the index-building step first.
var ErrIndexNotFound = errors.New("retrieval index not found")

// Config locates the embedding service and the vector store.
type Config struct {
	QdrantURL      string
	Collection     string
	EmbeddingURL   string
	EmbeddingModel string
	TopK           int
}

// Client answers free-text queries against a pre-built document index by
// embedding the query and searching the vector store.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewClient creates a retrieval client.
func NewClient(cfg Config, logger *slog.Logger, tracer trace.Tracer) *Client {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		tracer:     tracer,
	}
}

// Query embeds the query text, searches the index, and returns the matching
// snippets joined into one grounding-context block. Returns ErrIndexNotFound
// (wrapped) when the collection does not exist.
func (c *Client) Query(ctx context.Context, query string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "retrieval_query")
	defer span.End()

	vector, err := c.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("failed to embed query: %w", err)
	}

	snippets, err := c.search(ctx, vector)
	if err != nil {
		return "", err
	}
	if len(snippets) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, snippet := range snippets {
		b.WriteString("---\n")
		b.WriteString(snippet)
		b.WriteString("\n")
	}
	c.logger.Info("retrieval complete", "snippets", len(snippets))
	return b.String(), nil
}

// Embed fetches the embedding vector for text from the embedding service.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]interface{}{
		"model": c.cfg.EmbeddingModel,
		"input": text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.EmbeddingURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned %s", resp.Status)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return result.Data[0].Embedding, nil
}

func (c *Client) search(ctx context.Context, vector []float32) ([]string, error) {
	endpoint := fmt.Sprintf("%s/collections/%s/points/search", c.cfg.QdrantURL, c.cfg.Collection)
	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        c.cfg.TopK,
		"with_payload": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("collection %q: %w", c.cfg.Collection, ErrIndexNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vector search error: %s - %s", resp.Status, string(respBody))
	}

	var result struct {
		Result []struct {
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	var snippets []string
	for _, item := range result.Result {
		if content, ok := item.Payload["content"].(string); ok {
			snippets = append(snippets, content)
		}
	}
	return snippets, nil
}

// EnsureCollection creates the target collection if it does not exist.
// Qdrant treats collection creation as idempotent for identical parameters.
func (c *Client) EnsureCollection(ctx context.Context, vectorSize int) error {
	endpoint := fmt.Sprintf("%s/collections/%s", c.cfg.QdrantURL, c.cfg.Collection)
	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal collection request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create collection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("collection create failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// 409 means the collection already exists.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("collection create returned %s", resp.Status)
	}
	return nil
}

// Point is one indexed chunk.
type Point struct {
	ID      int       `json:"id"`
	Vector  []float32 `json:"vector"`
	Content string    `json:"content"`
}

// Upsert writes a batch of points into the collection.
func (c *Client) Upsert(ctx context.Context, points []Point) error {
	endpoint := fmt.Sprintf("%s/collections/%s/points?wait=true", c.cfg.QdrantURL, c.cfg.Collection)

	items := make([]map[string]interface{}, len(points))
	for i, p := range points {
		items[i] = map[string]interface{}{
			"id":     p.ID,
			"vector": p.Vector,
			"payload": map[string]interface{}{
				"content": p.Content,
			},
		}
	}
	body, err := json.Marshal(map[string]interface{}{"points": items})
	if err != nil {
		return fmt.Errorf("failed to marshal upsert request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upsert returned %s", resp.Status)
	}
	return nil
}
