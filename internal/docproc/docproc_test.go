package docproc

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testProcessor() *Processor {
	return NewProcessor(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcessDocument(t *testing.T) {
	dir := t.TempDir()

	txt := filepath.Join(dir, "notes.txt")
	os.WriteFile(txt, []byte("plain text content"), 0o644)
	md := filepath.Join(dir, "readme.md")
	os.WriteFile(md, []byte("# heading"), 0o644)
	docx := filepath.Join(dir, "plan.docx")
	os.WriteFile(docx, []byte{0x50, 0x4b}, 0o644)
	unknown := filepath.Join(dir, "data.cfg")
	os.WriteFile(unknown, []byte("key=value"), 0o644)

	p := testProcessor()

	if got, err := p.ProcessDocument(txt); err != nil || got != "plain text content" {
		t.Errorf("txt: got %q, err %v", got, err)
	}
	if got, err := p.ProcessDocument(md); err != nil || got != "# heading" {
		t.Errorf("md: got %q, err %v", got, err)
	}
	if got, err := p.ProcessDocument(docx); err != nil || got != "" {
		t.Errorf("docx must be skipped: got %q, err %v", got, err)
	}
	if got, err := p.ProcessDocument(unknown); err != nil || got != "key=value" {
		t.Errorf("unknown ext treated as text: got %q, err %v", got, err)
	}
}

func TestProcessDirectory(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.md"), []byte("beta"), 0o644)

	got, err := testProcessor().ProcessDirectory(dir)
	if err != nil {
		t.Fatalf("ProcessDirectory: %v", err)
	}
	if !strings.Contains(got, "alpha") || !strings.Contains(got, "beta") {
		t.Errorf("combined text missing content: %q", got)
	}
	if !strings.Contains(got, "--- Document: ") {
		t.Error("per-document headers missing")
	}
}

func TestProcessDirectoryMissing(t *testing.T) {
	_, err := testProcessor().ProcessDirectory(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestChunk(t *testing.T) {
	text := strings.Repeat("abcdefghij", 30) // 300 runes

	chunks := Chunk(text, 100, 20)
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Errorf("chunk %d is %d runes, max 100", i, len([]rune(c)))
		}
	}
	// step = 80, so chunk 1 starts at 80 and the first 20 runes of it must
	// equal the last 20 runes of chunk 0.
	if len(chunks) >= 2 {
		tail := chunks[0][len(chunks[0])-20:]
		head := chunks[1][:20]
		if tail != head {
			t.Errorf("overlap mismatch: %q vs %q", tail, head)
		}
	}
}

func TestChunkShortText(t *testing.T) {
	chunks := Chunk("short", 1000, 100)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestChunkEmpty(t *testing.T) {
	if chunks := Chunk("", 1000, 100); len(chunks) != 0 {
		t.Errorf("chunks = %v", chunks)
	}
	if chunks := Chunk("   ", 1000, 100); len(chunks) != 0 {
		t.Errorf("whitespace-only chunks = %v", chunks)
	}
}

func TestChunkInvalidOverlap(t *testing.T) {
	// overlap >= size must not loop forever; it degrades to no overlap.
	chunks := Chunk(strings.Repeat("x", 50), 10, 10)
	if len(chunks) != 5 {
		t.Errorf("got %d chunks, want 5", len(chunks))
	}
}
