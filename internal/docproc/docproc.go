package docproc

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Processor extracts text from UAT source documents and prepares it for
// indexing. Only plain-text formats are handled; binary office formats are
// skipped with a warning.
type Processor struct {
	logger *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(logger *slog.Logger) *Processor {
	return &Processor{logger: logger}
}

// ProcessDocument reads one file and returns its text. Unknown extensions
// are treated as plain text; .docx/.xlsx are skipped.
func (p *Processor) ProcessDocument(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".txt", ".md":
		return p.readText(path)
	case ".docx", ".xlsx", ".xls":
		p.logger.Warn("skipping unsupported binary format", "path", path, "ext", ext)
		return "", nil
	default:
		p.logger.Warn("unknown file type, treating as plain text", "path", path, "ext", ext)
		return p.readText(path)
	}
}

func (p *Processor) readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// ProcessDirectory walks dir and concatenates the text of every document,
// separated by per-document headers.
func (p *Processor) ProcessDirectory(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("documents directory not found: %s", dir)
	}

	var combined []string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		p.logger.Info("processing document", "path", path)
		text, err := p.ProcessDocument(path)
		if err != nil {
			p.logger.Warn("failed to process document", "path", path, "error", err)
			return nil
		}
		if text == "" {
			return nil
		}
		combined = append(combined,
			fmt.Sprintf("--- Document: %s ---", path),
			text,
			"\n"+strings.Repeat("=", 50)+"\n",
		)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return strings.Join(combined, "\n"), nil
}

// Chunk splits text into overlapping rune windows for embedding. size must
// be positive; overlap must be smaller than size.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	var chunks []string
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
