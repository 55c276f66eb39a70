package server

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ragserver/internal/config"
	"ragserver/internal/domain"
	"ragserver/internal/pipeline"
	"ragserver/internal/registry"
	"ragserver/internal/retriever"
)

// Server exposes the OpenAI-style chat API over the retrieval and pipeline
// core. One instance serves all configurations; each request resolves its
// own configuration snapshot at entry.
type Server struct {
	reg       *registry.Registry
	retriever *retriever.Retriever
	engine    *pipeline.Engine
	log       *logrus.Logger
	// reloadConfig re-reads and validates the configuration file for the
	// admin reload endpoint. May be nil to disable reloading.
	reloadConfig func() (*config.Config, error)
}

func New(reg *registry.Registry, ret *retriever.Retriever, engine *pipeline.Engine, log *logrus.Logger, reloadConfig func() (*config.Config, error)) *Server {
	return &Server{reg: reg, retriever: ret, engine: engine, log: log, reloadConfig: reloadConfig}
}

// Router builds the gin engine with all routes and CORS applied.
func (s *Server) Router(cors config.CORSConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cors))

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.GET("/v1/models", s.handleListModels)
	r.GET("/health", s.handleHealth)
	r.POST("/admin/reload", s.handleReload)
	return r
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "invalid_request_error", "invalid_request", "Invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		sendError(c, http.StatusBadRequest, "invalid_request_error", "invalid_request", "Messages array is required")
		return
	}
	model := req.Model
	if model == "" {
		model = "default"
	}

	cfg, err := s.reg.Resolve(model)
	if err != nil {
		if errors.Is(err, domain.ErrConfigurationNotFound) {
			available := strings.Join(s.reg.Names(), ", ")
			sendError(c, http.StatusBadRequest, "invalid_request_error", "model_not_found",
				fmt.Sprintf("Model %q not found. Available models: %s", model, available))
			return
		}
		sendError(c, http.StatusInternalServerError, "internal_server_error", "internal_error", err.Error())
		return
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		sendError(c, http.StatusBadRequest, "invalid_request_error", "invalid_request", "Last message must be from user")
		return
	}

	results, err := s.retriever.Retrieve(c.Request.Context(), cfg, last.Content)
	if err != nil {
		s.log.WithField("config", cfg.Name).WithError(err).Error("retrieval failed")
		sendError(c, http.StatusInternalServerError, "internal_server_error", "retrieval_error", err.Error())
		return
	}
	contextText := retriever.ContextText(results)

	messages := make([]domain.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = domain.Message{Role: m.Role, Content: m.Content}
	}

	answer, trace, err := s.engine.Run(c.Request.Context(), cfg, messages, contextText)
	if err != nil {
		s.log.WithField("config", cfg.Name).WithError(err).Error("pipeline failed")
		sendError(c, http.StatusInternalServerError, "internal_server_error", "pipeline_error", err.Error())
		return
	}
	s.log.WithFields(logrus.Fields{
		"config":   cfg.Name,
		"chunks":   len(results),
		"gates":    len(trace.Gates),
		"rewrites": len(trace.Rewrites),
	}).Info("request completed")

	if req.Stream {
		s.streamCompletion(c, model, answer)
		return
	}
	c.JSON(http.StatusOK, completionResponse(model, answer))
}

func (s *Server) handleListModels(c *gin.Context) {
	created := time.Now().Unix()
	data := make([]gin.H, 0)
	for _, name := range s.reg.Names() {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  created,
			"owned_by": "ragserver",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReload(c *gin.Context) {
	if s.reloadConfig == nil {
		sendError(c, http.StatusNotImplemented, "invalid_request_error", "reload_disabled", "Configuration reloading is not enabled")
		return
	}
	cfg, err := s.reloadConfig()
	if err != nil {
		sendError(c, http.StatusInternalServerError, "internal_server_error", "reload_failed", err.Error())
		return
	}
	s.reg.Reload(cfg)
	s.log.WithField("models", strings.Join(s.reg.Names(), ",")).Info("configuration reloaded")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "models": s.reg.Names()})
}

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func completionResponse(model, content string) gin.H {
	return gin.H{
		"id":      completionID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []gin.H{
			{
				"index":         0,
				"message":       gin.H{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": gin.H{"prompt_tokens": -1, "completion_tokens": -1, "total_tokens": -1},
	}
}

// streamCompletion replays the finished answer as SSE chunks, one
// whitespace-delimited token at a time. Intermediate pipeline stages are
// never streamed; only the final answer leaves the process.
func (s *Server) streamCompletion(c *gin.Context, model, content string) {
	id := completionID()
	created := time.Now().Unix()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	for _, token := range splitTokens(content) {
		chunk := gin.H{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []gin.H{
				{"index": 0, "delta": gin.H{"content": token}, "finish_reason": nil},
			},
		}
		c.SSEvent("", chunk)
		c.Writer.Flush()
	}
	final := gin.H{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []gin.H{
			{"index": 0, "delta": gin.H{}, "finish_reason": "stop"},
		},
	}
	c.SSEvent("", final)
	c.SSEvent("", "[DONE]")
	c.Writer.Flush()
}

// splitTokens splits on whitespace boundaries while preserving the
// whitespace itself, so stream chunks concatenate back to the exact answer.
var tokenRe = regexp.MustCompile(`\S+|\s+`)

func splitTokens(s string) []string {
	return tokenRe.FindAllString(s, -1)
}

func sendError(c *gin.Context, status int, errType, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}
