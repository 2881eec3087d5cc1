package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"ragweave/internal/api"
	"ragweave/internal/app/bootstrap"
	"ragweave/internal/db/chroma"
	"ragweave/internal/db/localvec"
	"ragweave/internal/db/postgres"
	redisdb "ragweave/internal/db/redis"
	"ragweave/internal/domain/rag"
	"ragweave/internal/domain/tenant"
	"ragweave/internal/platform/config"
	applog "ragweave/internal/platform/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// PostgreSQL 元数据镜像（可选）
	var docRepo rag.DocumentRepo
	var tenantRepo tenant.Repo
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			applog.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

		if err := db.Ping(); err != nil {
			applog.Fatalf("❌ Failed to ping database: %v", err)
		}
		applog.Info("✅ Connected to PostgreSQL")

		pgRepo := postgres.NewRepository(db)
		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pgRepo.EnsureTables(migrateCtx); err != nil {
			applog.Warnf("⚠️  Failed to ensure tables: %v", err)
		} else {
			applog.Info("✅ Tables ready (tenants, documents)")
		}
		migrateCancel()

		docRepo = pgRepo
		tenantRepo = pgRepo
	} else {
		applog.Info("ℹ️  No DATABASE_URL set, document metadata mirror disabled")
		tenantRepo = tenant.NewMemoryRepo()
	}

	ragCfg := &cfg.RAG

	// 向量存储后端
	var vectors rag.VectorStore
	switch ragCfg.VectorBackend {
	case "chroma":
		client := chroma.NewClient(ragCfg)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = client.Ping(pingCtx)
		pingCancel()
		if err != nil {
			applog.Fatalf("❌ Chroma ping failed: %v", err)
		}
		applog.Infof("✅ Connected to Chroma (%s)", ragCfg.ChromaURL)
		vectors = client
	default:
		store, err := localvec.New(ragCfg.DataDir)
		if err != nil {
			applog.Fatalf("❌ Failed to open local vector store: %v", err)
		}
		if ragCfg.DataDir != "" {
			applog.Infof("✅ Local vector store ready (dir: %s)", ragCfg.DataDir)
		} else {
			applog.Info("✅ Local vector store ready (in-memory)")
		}
		vectors = store
	}

	// LLM 供应商注册
	bootstrap.RegisterLLMProviders(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.Ollama.BaseURL)

	embedder := rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
		BaseURL:   ragCfg.EmbeddingBaseURL,
		APIKey:    ragCfg.EmbeddingAPIKey,
		Model:     ragCfg.EmbeddingModel,
		Dims:      ragCfg.EmbeddingDims,
		BatchSize: ragCfg.EmbedBatchSize,
	})
	applog.Infof("✅ Embedder initialized (model: %s, dims: %d)", ragCfg.EmbeddingModel, embedder.Dims())

	generator := bootstrap.NewLLMGenerator(
		cfg.Generator.Provider,
		cfg.Generator.Model,
		cfg.Generator.Temperature,
		cfg.Generator.MaxTokens,
	)
	applog.Infof("✅ Generator initialized (provider: %s, model: %s)", cfg.Generator.Provider, cfg.Generator.Model)

	engine := rag.NewEngine(ragCfg, embedder, generator, vectors)
	defer engine.Close()

	if docRepo != nil {
		engine.SetDocumentRepo(docRepo)
	}

	if ragCfg.HasRerank() {
		if ragCfg.RerankEndpoint != "" {
			engine.SetReranker(rag.NewHTTPReranker(ragCfg.RerankEndpoint))
			applog.Infof("✅ Reranker initialized (cross-encoder: %s)", ragCfg.RerankEndpoint)
		} else {
			engine.SetReranker(rag.NewLLMReranker(ragCfg.RerankProvider, ragCfg.RerankModel))
			applog.Infof("✅ Reranker initialized (provider: %s, model: %s)", ragCfg.RerankProvider, ragCfg.RerankModel)
		}
	}

	// 应答缓存：Redis 优先，未配置时退回进程内 LRU
	if ragCfg.HasCache() {
		if cfg.Redis.URL != "" {
			if opt, err := goredis.ParseURL(cfg.Redis.URL); err == nil {
				cacheRedis := goredis.NewClient(opt)
				engine.SetCache(redisdb.NewAnswerCache(cacheRedis, ragCfg.CacheTTL))
				applog.Infof("✅ Answer cache on Redis (TTL: %ds)", ragCfg.CacheTTL)
			} else {
				applog.Warnf("⚠️  Redis URL invalid, falling back to in-memory cache: %v", err)
				engine.SetCache(rag.NewMemoryCache(ragCfg.CacheCapacity, time.Duration(ragCfg.CacheTTL)*time.Second))
			}
		} else {
			engine.SetCache(rag.NewMemoryCache(ragCfg.CacheCapacity, time.Duration(ragCfg.CacheTTL)*time.Second))
			applog.Infof("✅ Answer cache in-memory (capacity: %d per tenant)", ragCfg.CacheCapacity)
		}
	} else {
		applog.Info("ℹ️  Answer cache disabled (CACHE_CAPACITY=0)")
	}

	parsers := rag.NewParserRegistry()
	applog.Infof("✅ Parser registry initialized (types: %s)", parsers.SupportedTypes())

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	serverConfig.MaxFileMB = ragCfg.MaxFileSize
	server := api.NewServer(serverConfig, engine, parsers, tenantRepo)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}
