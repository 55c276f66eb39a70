package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CompletionConfig points at the OpenAI-compatible completion service.
type CompletionConfig struct {
	APIBase     string `yaml:"api_base"`
	APIKeyEnv   string `yaml:"api_key_env"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// EmbeddingConfig points at the OpenAI-compatible embedding service.
type EmbeddingConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	BatchSize   int    `yaml:"batch_size"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type   string        `yaml:"type"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// CORSConfig lists allowed origins, methods and headers.
type CORSConfig struct {
	Origins     []string `yaml:"origins"`
	Methods     []string `yaml:"methods"`
	Headers     []string `yaml:"headers"`
	Credentials bool     `yaml:"credentials"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string     `yaml:"host"`
	Port int        `yaml:"port"`
	CORS CORSConfig `yaml:"cors"`
}

// ModelConfig describes one entry of the global model table.
type ModelConfig struct {
	Name        string  `yaml:"name"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// PromptStage is a system/user template pair bound to a model table entry.
type PromptStage struct {
	SystemPrompt       string `yaml:"system_prompt"`
	UserPromptTemplate string `yaml:"user_prompt_template"`
	Model              string `yaml:"model"`
}

// GatePrompt judges the current answer and may trigger a bounded
// fix-and-retry cycle through its optional fix prompt.
type GatePrompt struct {
	Name               string       `yaml:"name"`
	SystemPrompt       string       `yaml:"system_prompt"`
	UserPromptTemplate string       `yaml:"user_prompt_template"`
	Model              string       `yaml:"model"`
	FixPrompt          *PromptStage `yaml:"fix_prompt,omitempty"`
}

// RewritePrompt unconditionally transforms the current answer.
type RewritePrompt struct {
	Name               string `yaml:"name"`
	SystemPrompt       string `yaml:"system_prompt"`
	UserPromptTemplate string `yaml:"user_prompt_template"`
	Model              string `yaml:"model"`
}

// PipelineDefinition is the ordered main/gate/rewrite stage set for one
// configuration.
type PipelineDefinition struct {
	MainPrompt     PromptStage     `yaml:"main_prompt"`
	GatePrompts    []GatePrompt    `yaml:"gate_prompts"`
	RewritePrompts []RewritePrompt `yaml:"rewrite_prompts"`
	MaxRetries     int             `yaml:"max_retries"`
}

// VectorDBSettings holds per-configuration retrieval parameters.
type VectorDBSettings struct {
	CollectionName string  `yaml:"collection_name"`
	EmbeddingModel string  `yaml:"embedding_model"`
	ChunkSize      int     `yaml:"chunk_size"`
	ChunkOverlap   int     `yaml:"chunk_overlap"`
	TopK           int     `yaml:"top_k"`
	UseMMR         bool    `yaml:"use_mmr"`
	MMRFetchK      int     `yaml:"mmr_fetch_k"`
	MMRLambda      float64 `yaml:"mmr_lambda"`
}

// ConfigurationEntry bundles a data source, retrieval settings and a prompt
// pipeline under one logical model name.
type ConfigurationEntry struct {
	DataDirectory string             `yaml:"data_directory"`
	VectorDB      VectorDBSettings   `yaml:"vector_db"`
	Pipeline      PipelineDefinition `yaml:"pipeline"`
}

// Config is the root configuration document.
type Config struct {
	Completion     CompletionConfig              `yaml:"completion"`
	Embedding      EmbeddingConfig               `yaml:"embedding"`
	VectorStore    VectorStoreConfig             `yaml:"vector_store"`
	Server         ServerConfig                  `yaml:"server"`
	Models         map[string]ModelConfig        `yaml:"models"`
	Configurations map[string]ConfigurationEntry `yaml:"configurations"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a config document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Completion.APIBase == "" {
		cfg.Completion.APIBase = "https://api.venice.ai/api/v1"
	}
	if cfg.Completion.APIKeyEnv == "" {
		cfg.Completion.APIKeyEnv = "VENICE_API_KEY"
	}
	if cfg.Completion.TimeoutSecs == 0 {
		cfg.Completion.TimeoutSecs = 120
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Embedding.TimeoutSecs == 0 {
		cfg.Embedding.TimeoutSecs = 30
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "memory"
	}
	if cfg.VectorStore.Type == "qdrant" && cfg.VectorStore.Qdrant != nil {
		if cfg.VectorStore.Qdrant.TimeoutSecs == 0 {
			cfg.VectorStore.Qdrant.TimeoutSecs = 15
		}
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if len(cfg.Server.CORS.Methods) == 0 {
		cfg.Server.CORS.Methods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(cfg.Server.CORS.Headers) == 0 {
		cfg.Server.CORS.Headers = []string{"Content-Type", "Authorization"}
	}
	for name, entry := range cfg.Configurations {
		// An omitted chunk_size gets the stock window; an explicit size with
		// overlap 0 is a valid no-overlap setup and stays untouched.
		if entry.VectorDB.ChunkSize == 0 {
			entry.VectorDB.ChunkSize = 500
			if entry.VectorDB.ChunkOverlap == 0 {
				entry.VectorDB.ChunkOverlap = 50
			}
		}
		if entry.VectorDB.TopK == 0 {
			entry.VectorDB.TopK = 5
		}
		if entry.VectorDB.MMRFetchK == 0 {
			entry.VectorDB.MMRFetchK = 2 * entry.VectorDB.TopK
		}
		if entry.VectorDB.MMRLambda == 0 {
			entry.VectorDB.MMRLambda = 0.5
		}
		if entry.VectorDB.CollectionName == "" {
			entry.VectorDB.CollectionName = name
		}
		cfg.Configurations[name] = entry
	}
}

// Validate rejects documents that would misbehave at runtime: degenerate
// chunking parameters, MMR windows smaller than top_k, dangling model
// references and configurations that silently share a collection.
func (cfg *Config) Validate() error {
	if len(cfg.Configurations) == 0 {
		return fmt.Errorf("config: no configurations defined")
	}
	collections := map[string]string{}
	for name, entry := range cfg.Configurations {
		v := entry.VectorDB
		if v.ChunkSize <= 0 {
			return fmt.Errorf("config %q: chunk_size must be positive", name)
		}
		if v.ChunkOverlap < 0 || v.ChunkOverlap >= v.ChunkSize {
			return fmt.Errorf("config %q: chunk_overlap must be in [0, chunk_size)", name)
		}
		if v.TopK <= 0 {
			return fmt.Errorf("config %q: top_k must be positive", name)
		}
		if v.UseMMR && v.MMRFetchK < v.TopK {
			return fmt.Errorf("config %q: mmr_fetch_k must be >= top_k", name)
		}
		if v.MMRLambda < 0 || v.MMRLambda > 1 {
			return fmt.Errorf("config %q: mmr_lambda must be in [0,1]", name)
		}
		if v.EmbeddingModel == "" {
			return fmt.Errorf("config %q: embedding_model is required", name)
		}
		if other, ok := collections[v.CollectionName]; ok {
			return fmt.Errorf("config %q: collection %q already used by config %q", name, v.CollectionName, other)
		}
		collections[v.CollectionName] = name

		p := entry.Pipeline
		if p.MaxRetries < 0 {
			return fmt.Errorf("config %q: max_retries must be non-negative", name)
		}
		if err := cfg.checkModelRef(name, "main_prompt", p.MainPrompt.Model); err != nil {
			return err
		}
		for _, g := range p.GatePrompts {
			if err := cfg.checkModelRef(name, "gate "+g.Name, g.Model); err != nil {
				return err
			}
			if g.FixPrompt != nil {
				if err := cfg.checkModelRef(name, "gate "+g.Name+" fix", g.FixPrompt.Model); err != nil {
					return err
				}
			}
		}
		for _, r := range p.RewritePrompts {
			if err := cfg.checkModelRef(name, "rewrite "+r.Name, r.Model); err != nil {
				return err
			}
		}
	}
	for id, m := range cfg.Models {
		if m.Temperature < 0 || m.Temperature > 2 {
			return fmt.Errorf("model %q: temperature must be in [0,2]", id)
		}
		if m.Name == "" {
			return fmt.Errorf("model %q: name is required", id)
		}
	}
	if cfg.VectorStore.Type == "qdrant" && (cfg.VectorStore.Qdrant == nil || cfg.VectorStore.Qdrant.URL == "") {
		return fmt.Errorf("config: qdrant vector store requires a url")
	}
	return nil
}

func (cfg *Config) checkModelRef(configName, stage, model string) error {
	if model == "" {
		return fmt.Errorf("config %q: %s has no model", configName, stage)
	}
	if _, ok := cfg.Models[model]; !ok {
		return fmt.Errorf("config %q: %s references unknown model %q", configName, stage, model)
	}
	return nil
}
