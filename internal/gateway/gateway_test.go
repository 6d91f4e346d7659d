package gateway

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFindModelFile(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "phi-2.Q4_K_M.gguf")
	if err := os.WriteFile(model, []byte("gguf"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FindModelFile([]string{
		filepath.Join(dir, "missing.gguf"),
		model,
		filepath.Join(dir, "later.gguf"),
	})
	if err != nil {
		t.Fatalf("FindModelFile: %v", err)
	}
	if got != model {
		t.Errorf("got %q, want %q", got, model)
	}
}

func TestFindModelFileSkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "model.gguf")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	real := filepath.Join(dir, "real.gguf")
	if err := os.WriteFile(real, []byte("gguf"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FindModelFile([]string{sub, real})
	if err != nil {
		t.Fatal(err)
	}
	if got != real {
		t.Errorf("got %q, want %q", got, real)
	}
}

func TestFindModelFileNotFound(t *testing.T) {
	_, err := FindModelFile([]string{filepath.Join(t.TempDir(), "nope.gguf")})
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}
