package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragserver/internal/config"
	"ragserver/internal/domain"
	"ragserver/internal/pipeline"
	"ragserver/internal/registry"
	"ragserver/internal/retriever"
	"ragserver/internal/vectorstore"
	"ragserver/internal/vectorstore/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fakeEmbedder) EmbedBatch(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type scriptedClient struct {
	replies []string
	errs    []error
	calls   []domain.CompletionRequest
}

func (s *scriptedClient) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	s.calls = append(s.calls, req)
	i := len(s.calls) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i >= len(s.replies) {
		return "", errors.New("no scripted reply")
	}
	return s.replies[i], nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func mainOnlyPipeline() config.PipelineDefinition {
	return config.PipelineDefinition{
		MainPrompt: config.PromptStage{
			SystemPrompt:       "Answer from the context.",
			UserPromptTemplate: "Context:\n{context}\n\nQuestion: {question}",
			Model:              "answer",
		},
	}
}

// newTestServer wires a server over the in-memory store with one indexed
// chunk: "Paris is the capital of France."
func newTestServer(t *testing.T, def config.PipelineDefinition, client *scriptedClient) (*gin.Engine, func() (*config.Config, error)) {
	t.Helper()
	store := memory.NewStorage()
	ctx := context.Background()
	require.NoError(t, store.Ensure(ctx, "paris", 3))
	require.NoError(t, store.Upsert(ctx, "paris", []vectorstore.Point{{
		ID:     "1",
		Vector: []float32{1, 0, 0},
		Chunk: domain.Chunk{
			SourceID: "france.txt",
			Text:     "Paris is the capital of France.",
			Kind:     domain.ChunkText,
		},
	}}))

	cfg := &config.Config{
		Models: map[string]config.ModelConfig{"answer": {Name: "big-model", Temperature: 0.7}},
		Configurations: map[string]config.ConfigurationEntry{
			"paris": {
				DataDirectory: "data",
				VectorDB:      config.VectorDBSettings{CollectionName: "paris", EmbeddingModel: "fake", TopK: 1, ChunkSize: 500},
				Pipeline:      def,
			},
		},
	}
	reg := registry.New(cfg)

	reload := func() (*config.Config, error) { return cfg, nil }
	srv := New(reg, retriever.New(fakeEmbedder{}, store), pipeline.New(client, testLogger()), testLogger(), reload)
	return srv.Router(config.CORSConfig{}), reload
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type completionBody struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func TestChatCompletions_EndToEnd(t *testing.T) {
	client := &scriptedClient{replies: []string{"The capital of France is Paris."}}
	router, _ := newTestServer(t, mainOnlyPipeline(), client)

	w := postJSON(t, router, "/v1/chat/completions", gin.H{
		"model":    "paris",
		"messages": []gin.H{{"role": "user", "content": "What is the capital of France?"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body completionBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "chat.completion", body.Object)
	assert.True(t, strings.HasPrefix(body.ID, "chatcmpl-"))
	require.Len(t, body.Choices, 1)
	assert.Equal(t, "assistant", body.Choices[0].Message.Role)
	assert.Equal(t, "The capital of France is Paris.", body.Choices[0].Message.Content)
	assert.Equal(t, "stop", body.Choices[0].FinishReason)

	// The main prompt saw the retrieved chunk and the question.
	require.Len(t, client.calls, 1)
	assert.Contains(t, client.calls[0].UserPrompt, "Paris is the capital of France.")
	assert.Contains(t, client.calls[0].UserPrompt, "What is the capital of France?")
}

func TestChatCompletions_GateRejectWithoutFixKeepsMainAnswer(t *testing.T) {
	def := mainOnlyPipeline()
	def.GatePrompts = []config.GatePrompt{{
		Name:               "strict",
		SystemPrompt:       "Judge.",
		UserPromptTemplate: "{response}",
		Model:              "answer",
	}}

	client := &scriptedClient{replies: []string{"main answer", "REJECT never good enough"}}
	router, _ := newTestServer(t, def, client)

	w := postJSON(t, router, "/v1/chat/completions", gin.H{
		"model":    "paris",
		"messages": []gin.H{{"role": "user", "content": "q"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body completionBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "main answer", body.Choices[0].Message.Content)
	assert.Len(t, client.calls, 2)
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	router, _ := newTestServer(t, mainOnlyPipeline(), &scriptedClient{})

	w := postJSON(t, router, "/v1/chat/completions", gin.H{
		"model":    "ghost",
		"messages": []gin.H{{"role": "user", "content": "q"}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body completionBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "model_not_found", body.Error.Code)
	assert.Contains(t, body.Error.Message, "paris")
}

func TestChatCompletions_MissingMessages(t *testing.T) {
	router, _ := newTestServer(t, mainOnlyPipeline(), &scriptedClient{})
	w := postJSON(t, router, "/v1/chat/completions", gin.H{"model": "paris"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletions_LastMessageMustBeUser(t *testing.T) {
	router, _ := newTestServer(t, mainOnlyPipeline(), &scriptedClient{})
	w := postJSON(t, router, "/v1/chat/completions", gin.H{
		"model":    "paris",
		"messages": []gin.H{{"role": "assistant", "content": "hello"}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletions_MainFailureIsServiceError(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("upstream down")}}
	router, _ := newTestServer(t, mainOnlyPipeline(), client)

	w := postJSON(t, router, "/v1/chat/completions", gin.H{
		"model":    "paris",
		"messages": []gin.H{{"role": "user", "content": "q"}},
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body completionBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "pipeline_error", body.Error.Code)
}

func TestChatCompletions_Stream(t *testing.T) {
	client := &scriptedClient{replies: []string{"streamed answer here"}}
	router, _ := newTestServer(t, mainOnlyPipeline(), client)

	w := postJSON(t, router, "/v1/chat/completions", gin.H{
		"model":    "paris",
		"stream":   true,
		"messages": []gin.H{{"role": "user", "content": "q"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	raw := w.Body.String()
	assert.Contains(t, raw, "[DONE]")
	assert.Contains(t, raw, "chat.completion.chunk")

	// Reassembling the deltas restores the exact answer.
	var rebuilt strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		for _, c := range chunk.Choices {
			rebuilt.WriteString(c.Delta.Content)
		}
	}
	assert.Equal(t, "streamed answer here", rebuilt.String())
}

func TestListModels(t *testing.T) {
	router, _ := newTestServer(t, mainOnlyPipeline(), &scriptedClient{})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "paris", body.Data[0].ID)
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t, mainOnlyPipeline(), &scriptedClient{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestReload(t *testing.T) {
	router, _ := newTestServer(t, mainOnlyPipeline(), &scriptedClient{})
	w := postJSON(t, router, "/admin/reload", gin.H{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "paris")
}

func TestCORS_Preflight(t *testing.T) {
	store := memory.NewStorage()
	cfg := &config.Config{
		Models: map[string]config.ModelConfig{"answer": {Name: "m"}},
		Configurations: map[string]config.ConfigurationEntry{
			"paris": {VectorDB: config.VectorDBSettings{CollectionName: "paris", TopK: 1}},
		},
	}
	srv := New(registry.New(cfg), retriever.New(fakeEmbedder{}, store), pipeline.New(&scriptedClient{}, testLogger()), testLogger(), nil)
	router := srv.Router(config.CORSConfig{
		Origins: []string{"https://app.example.com"},
		Methods: []string{"GET", "POST"},
		Headers: []string{"Content-Type"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
