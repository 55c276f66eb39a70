package chunker

import (
	"fmt"
	"strings"

	"ragserver/internal/domain"
)

// WindowChunker splits text into fixed-size character windows with overlap.
type WindowChunker struct {
	size    int
	overlap int
}

// New validates the window parameters up front; a degenerate window would
// either loop forever or produce empty chunks.
func New(size, overlap int) (*WindowChunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunker: chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunker: overlap must be in [0, size), got %d", overlap)
	}
	return &WindowChunker{size: size, overlap: overlap}, nil
}

// Split advances a window of c.size runes over the text, stepping by
// size-overlap; the final chunk may be shorter. Start/End are rune offsets
// into the source. Empty or whitespace-only input yields no chunks.
func (c *WindowChunker) Split(sourceID, text string) []domain.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	step := c.size - c.overlap
	var chunks []domain.Chunk
	for start, idx := 0, 0; start < len(runes); start, idx = start+step, idx+1 {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, domain.Chunk{
			SourceID: sourceID,
			Index:    idx,
			Text:     string(runes[start:end]),
			Start:    start,
			End:      end,
			Kind:     domain.ChunkText,
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// QAChunk builds one atomic chunk for a question/answer pair. QA pairs are
// never split regardless of chunk size, so their retrieval keeps the
// original format intact.
func QAChunk(sourceID string, index int, question, answer string) domain.Chunk {
	text := fmt.Sprintf("Question: %s\nAnswer: %s", question, answer)
	return domain.Chunk{
		SourceID: sourceID,
		Index:    index,
		Text:     text,
		Start:    0,
		End:      len([]rune(text)),
		Kind:     domain.ChunkQA,
		Question: question,
	}
}
