package domain

import "context"

// ChunkKind distinguishes plain text chunks from atomic question/answer chunks.
type ChunkKind string

const (
	ChunkText ChunkKind = "text"
	ChunkQA   ChunkKind = "qa"
)

// Chunk is a bounded span of source text treated as one retrievable unit.
type Chunk struct {
	SourceID string
	Index    int
	Text     string
	Start    int
	End      int
	Kind     ChunkKind
	// Question holds the original question for QA chunks.
	Question string
	// ContentHash is the hash of the whole source document, used to detect
	// unchanged sources during incremental reindexing.
	ContentHash string
}

// SearchResult is a matching chunk with its similarity score. Vector is
// populated only when the caller asked the store for vectors (MMR reranking).
type SearchResult struct {
	Chunk  Chunk
	Score  float32
	Vector []float32
}

// RetrievalResult is an ordered sequence of search results, highest
// relevance first, at most top_k long.
type RetrievalResult []SearchResult

// Message is one turn of an OpenAI-style conversation.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest describes a single LLM completion call.
type CompletionRequest struct {
	SystemPrompt string
	// History carries prior conversation turns, oldest first. It is only
	// populated for the main answer stage.
	History     []Message
	UserPrompt  string
	Model       string
	Temperature float32
	MaxTokens   int
}

// Embedder converts free text into numeric vector representations.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// CompletionClient calls an external LLM completion service.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
