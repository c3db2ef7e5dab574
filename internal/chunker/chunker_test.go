package chunker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestChunkSmallText(t *testing.T) {
	text := strings.Repeat("hello world\n", 40) // ~480 bytes
	chunks := chunkBytes([]byte(text), "test.txt", DefaultOptions())
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for text under the window size, got %d", len(chunks))
	}
	if chunks[0].LineNum != 1 {
		t.Errorf("first chunk should start at line 1, got %d", chunks[0].LineNum)
	}
}

func TestChunkLargeText(t *testing.T) {
	text := strings.Repeat("a reasonably long line of prose for testing\n", 120)
	opts := Options{MaxBytes: 1000, OverlapLines: 2}
	chunks := chunkBytes([]byte(text), "test.txt", opts)
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
	}

	for i, c := range chunks {
		if len(c.Text) > opts.MaxBytes {
			t.Errorf("chunk %d length %d exceeds MaxBytes %d", i, len(c.Text), opts.MaxBytes)
		}
		if c.Index != i {
			t.Errorf("chunk %d has Index %d", i, c.Index)
		}
	}

	// Consecutive chunks must overlap: chunk i+1 starts before chunk i ends.
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartByte >= chunks[i-1].EndByte {
			t.Errorf("chunks %d and %d do not overlap", i-1, i)
		}
	}
}

func TestChunkHugeSingleLine(t *testing.T) {
	// A minified one-liner must still split into bounded chunks.
	text := strings.Repeat("x", 5000)
	opts := Options{MaxBytes: 1000, OverlapLines: 2}
	chunks := chunkBytes([]byte(text), "min.js", opts)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for a 5000-byte line, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c.Text) > opts.MaxBytes {
			t.Errorf("chunk %d length %d exceeds MaxBytes", i, len(c.Text))
		}
	}
}

func TestChunkWhitespaceOnly(t *testing.T) {
	if chunks := chunkBytes([]byte("  \n\t\n  \n"), "blank.txt", DefaultOptions()); len(chunks) != 0 {
		t.Errorf("whitespace-only input should produce no chunks, got %d", len(chunks))
	}
}

func TestIsSupportedFile(t *testing.T) {
	dir := t.TempDir()

	goFile := filepath.Join(dir, "main.go")
	if err := os.WriteFile(goFile, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !IsSupportedFile(goFile) {
		t.Error("expected .go file to be supported")
	}

	binFile := filepath.Join(dir, "blob.bin")
	if err := os.WriteFile(binFile, []byte{0x00, 0x01, 0x02}, 0o644); err != nil {
		t.Fatal(err)
	}
	if IsSupportedFile(binFile) {
		t.Error("expected .bin file to be unsupported")
	}

	// Supported extension but binary content.
	fakeText := filepath.Join(dir, "fake.txt")
	if err := os.WriteFile(fakeText, []byte{'h', 'i', 0x00, 'x'}, 0o644); err != nil {
		t.Fatal(err)
	}
	if IsSupportedFile(fakeText) {
		t.Error("null bytes should mark a file as binary")
	}
}

func TestChunkFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	content := strings.Repeat("The quick brown fox jumps over the lazy dog.\n", 60)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	chunks, err := ChunkFile(path, DefaultOptions())
	if err != nil {
		t.Fatalf("ChunkFile: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for i, c := range chunks {
		if c.Path != path {
			t.Errorf("chunk %d: wrong path %q", i, c.Path)
		}
		if strings.TrimSpace(c.Text) == "" {
			t.Errorf("chunk %d: empty text", i)
		}
	}
}

func TestChunkFileOnDirectory(t *testing.T) {
	if _, err := ChunkFile(t.TempDir(), DefaultOptions()); err == nil {
		t.Error("expected error when chunking a directory")
	}
}
