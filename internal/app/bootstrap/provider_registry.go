package bootstrap

import (
	"context"
	"fmt"

	"ragweave/internal/adapter/provider/llm/ollama"
	"ragweave/internal/adapter/provider/llm/openai"
	applog "ragweave/internal/platform/log"
	"ragweave/internal/provider"
)

// RegisterLLMProviders registers configured LLM providers.
func RegisterLLMProviders(apiKey, baseURL, ollamaURL string) {
	if apiKey == "" && ollamaURL == "" {
		applog.Warn("⚠️  No LLM provider configured, answer generation will not work")
	}

	if apiKey != "" {
		p := openai.New(openai.Config{
			APIKey:  apiKey,
			BaseURL: baseURL,
		})
		provider.RegisterProvider(p)
		applog.Infof("✅ Registered LLM provider: %s (base: %s)", p.Name(), baseURL)
	}

	if ollamaURL != "" {
		p := ollama.New(ollama.Config{BaseURL: ollamaURL})
		provider.RegisterProvider(p)
		applog.Infof("✅ Registered LLM provider: %s (base: %s)", p.Name(), ollamaURL)
	}
}

// LLMGenerator 基于 provider 注册表的答案生成器
type LLMGenerator struct {
	providerName string
	model        string
	temperature  float64
	maxTokens    int
}

// NewLLMGenerator 创建答案生成器
func NewLLMGenerator(providerName, model string, temperature float64, maxTokens int) *LLMGenerator {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &LLMGenerator{
		providerName: providerName,
		model:        model,
		temperature:  temperature,
		maxTokens:    maxTokens,
	}
}

// Generate 调用 LLM 生成最终答案
func (g *LLMGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	p, err := provider.GetProvider(g.providerName)
	if err != nil {
		return "", fmt.Errorf("get provider %s: %w", g.providerName, err)
	}

	resp, err := p.Complete(ctx, &provider.CompletionRequest{
		Model: g.model,
		Messages: []provider.Message{
			{Role: "user", Content: prompt},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
