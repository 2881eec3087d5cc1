package tenant

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo 进程内租户存储，未配置数据库时的默认实现
type MemoryRepo struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewMemoryRepo 创建进程内租户存储
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{tenants: make(map[string]*Tenant)}
}

func (r *MemoryRepo) Create(_ context.Context, t *Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tenants[t.ID] = &cp
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepo) List(_ context.Context) ([]*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
