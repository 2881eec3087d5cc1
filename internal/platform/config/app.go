package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"ragweave/internal/domain/rag"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string         `json:"log_level"`
	LogFormat string         `json:"log_format"`
	Server    ServerConfig   `json:"server"`
	Database  DatabaseConfig `json:"database"`
	Redis     RedisConfig    `json:"redis"`
	Auth      AuthConfig     `json:"auth"`
	OpenAI    OpenAIConfig   `json:"openai"`
	Ollama    OllamaConfig   `json:"ollama"`
	Generator LLMConfig      `json:"generator"`
	RAG       rag.Config     `json:"rag"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

// DatabaseConfig PostgreSQL 配置。URL 为空时跳过元数据镜像。
type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// RedisConfig Redis 配置。URL 为空时应答缓存用进程内 LRU。
type RedisConfig struct {
	URL string `json:"url"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

type OllamaConfig struct {
	BaseURL string `json:"base_url"`
}

// LLMConfig 答案生成所用的供应商与模型
type LLMConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	ragCfg := rag.DefaultConfig()
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 600,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Generator: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			MaxTokens:   1024,
		},
		RAG: *ragCfg,
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	applyString("OLLAMA_BASE_URL", &c.Ollama.BaseURL)

	applyString("GENERATOR_LLM_PROVIDER", &c.Generator.Provider)
	applyString("GENERATOR_LLM_MODEL", &c.Generator.Model)
	applyFloat64("GENERATOR_TEMPERATURE", &c.Generator.Temperature)
	applyInt("GENERATOR_MAX_TOKENS", &c.Generator.MaxTokens)

	// RAG 环境变量
	applyInt("RAG_CHUNK_SIZE", &c.RAG.ChunkSize)
	applyInt("RAG_CHUNK_OVERLAP", &c.RAG.ChunkOverlap)
	applyBool("RAG_HIERARCHICAL", &c.RAG.Hierarchical)
	applyFloat64("RAG_FUSION_ALPHA", &c.RAG.FusionAlpha)
	applyInt("RAG_K_DENSE", &c.RAG.KDense)
	applyInt("RAG_K_SPARSE", &c.RAG.KSparse)
	applyInt("RAG_TOP_K", &c.RAG.TopK)
	applyFloat64("RAG_BM25_K1", &c.RAG.BM25K1)
	applyFloat64("RAG_BM25_B", &c.RAG.BM25B)
	applyBool("RAG_ENABLE_RERANK", &c.RAG.EnableRerank)
	applyInt("RAG_RERANK_TOP_N", &c.RAG.RerankTopN)
	applyString("RAG_RERANK_ENDPOINT", &c.RAG.RerankEndpoint)
	applyString("RAG_RERANK_PROVIDER", &c.RAG.RerankProvider)
	applyString("RAG_RERANK_MODEL", &c.RAG.RerankModel)
	applyInt("RAG_CACHE_CAPACITY", &c.RAG.CacheCapacity)
	applyInt("RAG_CACHE_TTL", &c.RAG.CacheTTL)
	applyInt("RAG_SESSION_MAX_TURNS", &c.RAG.SessionMaxTurns)
	applyInt("RAG_SESSION_FOLD_TURNS", &c.RAG.SessionFoldTurns)
	applyInt("RAG_SESSION_TTL", &c.RAG.SessionTTLSeconds)
	applyInt("RAG_INGEST_LOCK_TIMEOUT", &c.RAG.IngestLockTimeoutSeconds)
	applyInt("RAG_EMBED_BATCH_SIZE", &c.RAG.EmbedBatchSize)
	applyInt("RAG_MAX_FILE_SIZE", &c.RAG.MaxFileSize)
	applyInt("RAG_CONTEXT_TOKEN_BUDGET", &c.RAG.ContextTokenBudget)
	applyString("RAG_NO_INFO_ANSWER", &c.RAG.NoInfoAnswer)
	applyString("RAG_EMBEDDING_BASE_URL", &c.RAG.EmbeddingBaseURL)
	applyString("RAG_EMBEDDING_API_KEY", &c.RAG.EmbeddingAPIKey)
	applyString("RAG_EMBEDDING_MODEL", &c.RAG.EmbeddingModel)
	applyInt("RAG_EMBEDDING_DIMS", &c.RAG.EmbeddingDims)
	applyString("RAG_VECTOR_BACKEND", &c.RAG.VectorBackend)
	applyString("CHROMA_URL", &c.RAG.ChromaURL)
	applyString("CHROMA_PREFIX", &c.RAG.ChromaPrefix)
	applyString("RAG_DATA_DIR", &c.RAG.DataDir)
}

func (c *AppConfig) normalize() {
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	// 嵌入网关默认复用 OpenAI 凭据
	if c.RAG.EmbeddingAPIKey == "" {
		c.RAG.EmbeddingAPIKey = c.OpenAI.APIKey
	}
	if c.RAG.EmbeddingBaseURL == "" {
		c.RAG.EmbeddingBaseURL = c.OpenAI.BaseURL
	}
	if c.RAG.VectorBackend == "" {
		c.RAG.VectorBackend = "local"
	}
	// 重排序默认走生成所用的供应商
	if c.RAG.EnableRerank && c.RAG.RerankProvider == "" {
		c.RAG.RerankProvider = c.Generator.Provider
		if c.RAG.RerankModel == "" {
			c.RAG.RerankModel = c.Generator.Model
		}
	}
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.RAG.VectorBackend {
	case "local":
	case "chroma":
		if strings.TrimSpace(c.RAG.ChromaURL) == "" {
			return fmt.Errorf("CHROMA_URL is required when RAG_VECTOR_BACKEND=chroma")
		}
	default:
		return fmt.Errorf("unknown RAG_VECTOR_BACKEND %q (local | chroma)", c.RAG.VectorBackend)
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}
