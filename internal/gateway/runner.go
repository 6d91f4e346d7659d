package gateway

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RunnerConfig describes how to launch the inference server.
type RunnerConfig struct {
	ServerBin   string
	ModelPath   string
	Port        int
	ContextSize int
	Threads     int

	// ModelTypes is the ordered list of candidate architecture identifiers
	// tried at load time. GGUF files do not always carry the identifier the
	// engine expects, so the runner probes each candidate until one yields a
	// working model.
	ModelTypes []string

	// StartupTimeout bounds how long a single candidate may take to become
	// healthy.
	StartupTimeout time.Duration
}

// Runner owns the inference server subprocess for the process lifetime. It
// is started exactly once; a load failure is fatal to the caller and the
// model is never reloaded afterwards.
type Runner struct {
	cfg    RunnerConfig
	client *Client
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	loaded bool
}

// NewRunner creates a runner. Start must be called before Generate.
func NewRunner(cfg RunnerConfig, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Runner {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 90 * time.Second
	}
	baseURL := "http://127.0.0.1:" + strconv.Itoa(cfg.Port)
	return &Runner{
		cfg:    cfg,
		client: NewClient(baseURL, logger, tracer, meter),
		logger: logger,
	}
}

// Start launches the inference server, trying each candidate model type in
// order. Every failed candidate is logged and its process killed before the
// next attempt; exhausting the list is an error the caller must treat as
// fatal.
func (r *Runner) Start(ctx context.Context) error {
	candidates := r.cfg.ModelTypes
	if len(candidates) == 0 {
		candidates = []string{""}
	}

	for _, modelType := range candidates {
		r.logger.Info("loading model", "path", r.cfg.ModelPath, "model_type", modelType)

		if err := r.startCandidate(ctx, modelType); err != nil {
			r.logger.Warn("model type failed", "model_type", modelType, "error", err)
			r.stopProcess()
			continue
		}

		r.logger.Info("model loaded successfully", "model_type", modelType)
		r.mu.Lock()
		r.loaded = true
		r.mu.Unlock()
		return nil
	}

	return fmt.Errorf("all model types failed for %s", r.cfg.ModelPath)
}

func (r *Runner) startCandidate(ctx context.Context, modelType string) error {
	args := []string{
		"--model", r.cfg.ModelPath,
		"--ctx-size", strconv.Itoa(r.cfg.ContextSize),
		"--threads", strconv.Itoa(r.cfg.Threads),
		"--port", strconv.Itoa(r.cfg.Port),
		"--host", "127.0.0.1",
	}
	if modelType != "" {
		args = append(args, "--chat-template", modelType)
	}

	cmd := exec.Command(r.cfg.ServerBin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.cfg.ServerBin, err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	go r.logStderr(stderr)

	if err := r.waitHealthy(ctx); err != nil {
		return err
	}

	// A healthy endpoint is not proof the weights work; run a tiny test
	// completion before accepting the candidate.
	probe := Options{MaxTokens: 5, Temperature: 0.7, TopP: 0.9, RepetitionPenalty: 1.1}
	if _, err := r.client.Generate(ctx, "Test:", probe); err != nil {
		return fmt.Errorf("test completion failed: %w", err)
	}
	return nil
}

func (r *Runner) waitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.StartupTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.client.Health(ctx); err == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("server did not become healthy within %s", r.cfg.StartupTimeout)
}

func (r *Runner) logStderr(stderr interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.logger.Debug("llama-server", "message", scanner.Text())
	}
}

// Generate delegates to the owned server.
func (r *Runner) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	return r.client.Generate(ctx, prompt, opts)
}

// GenerateStream delegates to the owned server.
func (r *Runner) GenerateStream(ctx context.Context, prompt string, opts Options, fn func(chunk string) error) (Result, error) {
	return r.client.GenerateStream(ctx, prompt, opts, fn)
}

// Loaded reports whether a model has been successfully loaded.
func (r *Runner) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Stop kills the server subprocess and reaps it.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.stopProcessLocked()
}

func (r *Runner) stopProcess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopProcessLocked()
}

func (r *Runner) stopProcessLocked() {
	if r.cmd == nil || r.cmd.Process == nil {
		return
	}
	if err := r.cmd.Process.Kill(); err != nil {
		r.logger.Warn("failed to kill inference server", "error", err)
	}
	r.cmd.Wait()
	r.cmd = nil
}
