// Package chunker splits text files into overlapping windows suitable for
// embedding. Windows are built line by line so chunks never cut a line in
// half, except for lines longer than the window (minified files), which fall
// back to a hard byte split.
package chunker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SupportedExtensions is the set of file extensions prox will index.
var SupportedExtensions = map[string]bool{
	".md": true, ".txt": true, ".rst": true, ".go": true,
	".py": true, ".js": true, ".ts": true, ".rs": true,
	".c": true, ".cpp": true, ".h": true, ".java": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".conf": true, ".sh": true,
}

// Chunk is one window of a source file.
type Chunk struct {
	Path      string
	Text      string
	LineNum   int // 1-indexed line number of the start of the chunk
	StartByte int64
	EndByte   int64
	Index     int // chunk index within the file
}

// Options controls window sizing.
type Options struct {
	// MaxBytes bounds the size of a single chunk. BGE-small handles 512
	// tokens; 1200 bytes keeps comfortably under that with margin for
	// token-dense code.
	MaxBytes int
	// OverlapLines is how many trailing lines of a chunk reappear at the
	// start of the next one, preserving context across the boundary.
	OverlapLines int
}

// DefaultOptions returns the recommended window parameters for BGE-small.
func DefaultOptions() Options {
	return Options{MaxBytes: 1200, OverlapLines: 3}
}

// IsSupportedFile reports whether path has a supported extension and does
// not look binary (sniffed from the first 512 bytes).
func IsSupportedFile(path string) bool {
	if !SupportedExtensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	return !isBinary(path)
}

// isBinary sniffs the file header for null bytes.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := f.Read(header)
	if err != nil && err != io.EOF {
		return true
	}
	return bytes.IndexByte(header[:n], 0) != -1
}

// ChunkFile reads path and returns its overlapping windows.
func ChunkFile(path string, opts Options) ([]Chunk, error) {
	if opts.MaxBytes <= 0 {
		opts = DefaultOptions()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return chunkBytes(data, path, opts), nil
}

// line is a source line with its position in the file's byte stream.
type line struct {
	text  string
	num   int
	start int64
}

// chunkBytes splits data into line-aligned overlapping windows.
func chunkBytes(data []byte, path string, opts Options) []Chunk {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	lines := splitLines(data, opts.MaxBytes)

	var chunks []Chunk
	start := 0
	for start < len(lines) {
		end := start
		size := 0
		for end < len(lines) {
			next := len(lines[end].text) + 1
			if size+next > opts.MaxBytes && end > start {
				break
			}
			size += next
			end++
		}

		window := lines[start:end]
		text := joinLines(window)
		if strings.TrimSpace(text) != "" {
			last := window[len(window)-1]
			chunks = append(chunks, Chunk{
				Path:      path,
				Text:      strings.TrimSpace(text),
				LineNum:   window[0].num,
				StartByte: window[0].start,
				EndByte:   last.start + int64(len(last.text)),
				Index:     len(chunks),
			})
		}

		if end >= len(lines) {
			break
		}
		// Step back by the overlap, but always advance past the window start.
		next := end - opts.OverlapLines
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// splitLines breaks data into lines, hard-splitting any line longer than
// maxBytes so a minified file cannot produce an oversized chunk.
func splitLines(data []byte, maxBytes int) []line {
	var lines []line
	num := 1
	var offset int64
	for _, raw := range strings.Split(string(data), "\n") {
		for len(raw) > maxBytes {
			lines = append(lines, line{text: raw[:maxBytes], num: num, start: offset})
			offset += int64(maxBytes)
			raw = raw[maxBytes:]
		}
		lines = append(lines, line{text: raw, num: num, start: offset})
		offset += int64(len(raw)) + 1
		num++
	}
	return lines
}

func joinLines(window []line) string {
	parts := make([]string, len(window))
	for i, l := range window {
		parts[i] = l.text
	}
	return strings.Join(parts, "\n")
}
