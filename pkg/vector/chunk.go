package vector

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// Chunk splits text into overlapping windows of size characters, each
// window starting size-overlap after the previous one. Whitespace-only
// windows are dropped; empty input yields nil. overlap must be smaller
// than size or the scan would never advance.
func Chunk(text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, goerr.New("chunk size must be positive", goerr.V("size", size))
	}
	if overlap < 0 || overlap >= size {
		return nil, goerr.New("overlap must be smaller than chunk size",
			goerr.V("size", size), goerr.V("overlap", overlap))
	}

	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil, nil
	}

	var chunks []string
	for start := 0; start < len(runes); start += size - overlap {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}
