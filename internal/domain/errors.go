package domain

import "errors"

// Error categories surfaced at the API boundary. Callers classify wrapped
// errors with errors.Is.
var (
	// ErrConfigurationNotFound means the requested model name has no
	// configuration entry.
	ErrConfigurationNotFound = errors.New("configuration not found")

	// ErrRetrieval means the embedding service or vector store was
	// unavailable while answering a query.
	ErrRetrieval = errors.New("retrieval failed")

	// ErrCompletion means an external LLM completion call failed.
	ErrCompletion = errors.New("completion failed")

	// ErrPipelineFatal means the pipeline could not produce an answer at
	// all (the main stage failed).
	ErrPipelineFatal = errors.New("pipeline failed")
)
