package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// completionRequest is the llama-server /completion request body.
type completionRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Stop          []string `json:"stop,omitempty"`
	Stream        bool     `json:"stream"`
}

// completionResponse is the subset of the llama-server /completion response
// this client consumes.
type completionResponse struct {
	Content string          `json:"content"`
	Stop    bool            `json:"stop"`
	Timings json.RawMessage `json:"timings,omitempty"`
}

// Client talks to a llama-server instance over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

// NewClient creates a client for the llama-server at baseURL. Generation on
// CPU is slow, so the HTTP timeout is generous.
func NewClient(baseURL string, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
		tracer:     tracer,
		meter:      meter,
	}
}

// Health reports whether the server is up and has its model loaded.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	return nil
}

// Generate runs one blocking completion call.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "llama_completion")
	defer span.End()

	start := time.Now()

	reqBody := completionRequest{
		Prompt:        prompt,
		NPredict:      opts.MaxTokens,
		Temperature:   opts.Temperature,
		TopP:          opts.TopP,
		RepeatPenalty: opts.RepetitionPenalty,
		Stop:          opts.Stop,
		Stream:        false,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/completion", bytes.NewBuffer(jsonData))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("completion error: %s - %s", resp.Status, string(body))
	}

	var apiResp completionResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Result{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	c.recordDuration(ctx, time.Since(start))

	return Result{
		Text:    strings.TrimSpace(apiResp.Content),
		Timings: string(apiResp.Timings),
	}, nil
}

// GenerateStream runs one completion call in streaming mode, invoking fn for
// every content chunk the server emits.
func (c *Client) GenerateStream(ctx context.Context, prompt string, opts Options, fn func(chunk string) error) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "llama_completion_stream")
	defer span.End()

	start := time.Now()

	reqBody := completionRequest{
		Prompt:        prompt,
		NPredict:      opts.MaxTokens,
		Temperature:   opts.Temperature,
		TopP:          opts.TopP,
		RepeatPenalty: opts.RepetitionPenalty,
		Stop:          opts.Stop,
		Stream:        true,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/completion", bytes.NewBuffer(jsonData))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("completion error: %s - %s", resp.Status, string(body))
	}

	// The server emits server-sent events, one "data: {...}" line per chunk.
	var full strings.Builder
	var timings string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk completionResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			c.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Content != "" {
			full.WriteString(chunk.Content)
			if err := fn(chunk.Content); err != nil {
				return Result{}, fmt.Errorf("stream aborted: %w", err)
			}
		}
		if chunk.Stop {
			timings = string(chunk.Timings)
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("failed to read stream: %w", err)
	}

	c.recordDuration(ctx, time.Since(start))

	return Result{
		Text:    strings.TrimSpace(full.String()),
		Timings: timings,
	}, nil
}

func (c *Client) recordDuration(ctx context.Context, d time.Duration) {
	histogram, err := c.meter.Float64Histogram(
		"llm.completion.duration",
		metric.WithDescription("Completion request duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(d.Milliseconds()))
	}
}
