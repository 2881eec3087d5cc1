package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry LLM 供应商注册表。方法挂在实例上，包级函数操作默认实例，
// 便于测试构造独立注册表。
type Registry struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]LLMProvider)}
}

var defaultRegistry = NewRegistry()

// Register 注册供应商，同名覆盖
func (r *Registry) Register(p LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get 按名称查找供应商
func (r *Registry) Get(name string) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("LLM provider not found: %s", name)
	}
	return p, nil
}

// List 返回已注册供应商名称（有序）
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterProvider 注册到默认注册表
func RegisterProvider(p LLMProvider) { defaultRegistry.Register(p) }

// GetProvider 从默认注册表获取供应商
func GetProvider(name string) (LLMProvider, error) { return defaultRegistry.Get(name) }

// ListProviders 列出默认注册表中的供应商
func ListProviders() []string { return defaultRegistry.List() }
