// Package tenant 租户账户模型与存储端口。
package tenant

import (
	"context"
	"errors"
	"time"
)

// Status 租户状态
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant 租户账户
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound 租户不存在
var ErrNotFound = errors.New("tenant not found")

// Repo 租户存储端口
type Repo interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
}
