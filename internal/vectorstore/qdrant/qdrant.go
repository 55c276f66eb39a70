package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ragserver/internal/domain"
	"ragserver/internal/vectorstore"
)

// Storage is a minimal REST client to Qdrant. Collections use cosine
// distance; chunk fields travel in the point payload.
type Storage struct {
	url    string
	apiKey string
	client *http.Client
}

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

func NewStorage(cfg Config) *Storage {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Storage{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *Storage) Ensure(ctx context.Context, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("qdrant: invalid dimension %d", dimension)
	}
	status, err := s.do(ctx, http.MethodGet, s.collectionURL(collection), nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	status, err = s.do(ctx, http.MethodPut, s.collectionURL(collection), body, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("qdrant: create collection %s failed with status %d", collection, status)
	}
	return nil
}

func (s *Storage) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	if len(points) == 0 {
		return nil
	}
	payload := make([]map[string]any, len(points))
	for i, p := range points {
		payload[i] = map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": chunkPayload(p.Chunk),
		}
	}
	body := map[string]any{"points": payload}
	status, err := s.do(ctx, http.MethodPut, s.collectionURL(collection)+"/points?wait=true", body, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("qdrant: upsert into %s failed with status %d", collection, status)
	}
	return nil
}

func (s *Storage) Query(ctx context.Context, collection string, vector []float32, k int, withVectors bool) ([]domain.SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"with_vector":  withVectors,
	}
	var resp struct {
		Result []struct {
			Score   float32        `json:"score"`
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	status, err := s.do(ctx, http.MethodPost, s.collectionURL(collection)+"/points/search", body, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		// Collection not indexed yet; treat as empty, not an error.
		return nil, nil
	}
	if status >= 300 {
		return nil, fmt.Errorf("qdrant: search in %s failed with status %d", collection, status)
	}
	results := make([]domain.SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, domain.SearchResult{
			Chunk:  chunkFromPayload(r.Payload),
			Score:  r.Score,
			Vector: r.Vector,
		})
	}
	return results, nil
}

func (s *Storage) DeleteBySource(ctx context.Context, collection, sourceID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "source_id", "match": map[string]any{"value": sourceID}},
			},
		},
	}
	status, err := s.do(ctx, http.MethodPost, s.collectionURL(collection)+"/points/delete?wait=true", body, nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusNotFound {
		return fmt.Errorf("qdrant: delete by source in %s failed with status %d", collection, status)
	}
	return nil
}

func (s *Storage) SourceHashes(ctx context.Context, collection string) (map[string]string, error) {
	hashes := make(map[string]string)
	var offset any
	for {
		body := map[string]any{
			"limit":        256,
			"with_payload": []string{"source_id", "content_hash"},
		}
		if offset != nil {
			body["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points []struct {
					Payload map[string]any `json:"payload"`
				} `json:"points"`
				NextPageOffset any `json:"next_page_offset"`
			} `json:"result"`
		}
		status, err := s.do(ctx, http.MethodPost, s.collectionURL(collection)+"/points/scroll", body, &resp)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			return hashes, nil
		}
		if status >= 300 {
			return nil, fmt.Errorf("qdrant: scroll %s failed with status %d", collection, status)
		}
		for _, p := range resp.Result.Points {
			src, _ := p.Payload["source_id"].(string)
			hash, _ := p.Payload["content_hash"].(string)
			if src != "" {
				hashes[src] = hash
			}
		}
		if resp.Result.NextPageOffset == nil {
			return hashes, nil
		}
		offset = resp.Result.NextPageOffset
	}
}

func (s *Storage) Drop(ctx context.Context, collection string) error {
	status, err := s.do(ctx, http.MethodDelete, s.collectionURL(collection), nil, nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusNotFound {
		return fmt.Errorf("qdrant: drop collection %s failed with status %d", collection, status)
	}
	return nil
}

func (s *Storage) collectionURL(collection string) string {
	return fmt.Sprintf("%s/collections/%s", s.url, collection)
}

func (s *Storage) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("qdrant: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("qdrant: decode response from %s: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}

func chunkPayload(c domain.Chunk) map[string]any {
	p := map[string]any{
		"source_id":    c.SourceID,
		"index":        c.Index,
		"text":         c.Text,
		"start":        c.Start,
		"end":          c.End,
		"kind":         string(c.Kind),
		"content_hash": c.ContentHash,
	}
	if c.Question != "" {
		p["question"] = c.Question
	}
	return p
}

func chunkFromPayload(p map[string]any) domain.Chunk {
	chunk := domain.Chunk{}
	if v, ok := p["source_id"].(string); ok {
		chunk.SourceID = v
	}
	if v, ok := p["index"].(float64); ok {
		chunk.Index = int(v)
	}
	if v, ok := p["text"].(string); ok {
		chunk.Text = v
	}
	if v, ok := p["start"].(float64); ok {
		chunk.Start = int(v)
	}
	if v, ok := p["end"].(float64); ok {
		chunk.End = int(v)
	}
	if v, ok := p["kind"].(string); ok {
		chunk.Kind = domain.ChunkKind(v)
	}
	if v, ok := p["question"].(string); ok {
		chunk.Question = v
	}
	if v, ok := p["content_hash"].(string); ok {
		chunk.ContentHash = v
	}
	return chunk
}
