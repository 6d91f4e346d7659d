package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrModelNotFound reports that no candidate model path exists on disk.
var ErrModelNotFound = errors.New("model file not found")

// Options control a single completion call.
type Options struct {
	MaxTokens         int
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
	Stop              []string
}

// DefaultOptions are the chat generation parameters.
func DefaultOptions() Options {
	return Options{
		MaxTokens:         512,
		Temperature:       0.7,
		TopP:              0.9,
		RepetitionPenalty: 1.1,
		Stop:              []string{"</end>", "[END]", "Instruct:"},
	}
}

// Result carries the generated text plus the engine's raw timing
// diagnostics, serialized as JSON.
type Result struct {
	Text    string
	Timings string
}

// Gateway is the synchronous text-generation interface. Generate blocks for
// the full duration of the generation, which on CPU can be tens of seconds.
type Gateway interface {
	Generate(ctx context.Context, prompt string, opts Options) (Result, error)
	Loaded() bool
}

// Streamer is implemented by gateways that can deliver generated text
// incrementally. The callback receives each chunk as it is produced; a
// callback error aborts the stream.
type Streamer interface {
	GenerateStream(ctx context.Context, prompt string, opts Options, fn func(chunk string) error) (Result, error)
}

// FindModelFile probes candidates in order and returns the first path that
// exists as a regular file.
func FindModelFile(candidates []string) (string, error) {
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrModelNotFound, strings.Join(candidates, ", "))
}
