package domain

import (
	"context"
	"time"
)

// APIKeyRepository looks up API credentials by the hash of their secret.
type APIKeyRepository interface {
	FindByHash(ctx context.Context, keyHash string) (*APIKey, error)
	Create(ctx context.Context, key *APIKey) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// AccountRepository resolves accounts and their plan.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	Create(ctx context.Context, acct *Account) error
	SetPlan(ctx context.Context, id string, plan Plan) error
}

// TemplateRepository stores caller-owned templates.
type TemplateRepository interface {
	Get(ctx context.Context, id string) (*StoredTemplate, error)
	ListByOwner(ctx context.Context, ownerAccountID string) ([]StoredTemplate, error)
	Put(ctx context.Context, tpl *StoredTemplate) error
}

// UsageRepository persists charged-request events for later reporting.
type UsageRepository interface {
	Insert(ctx context.Context, event UsageEvent) error
}

// CounterStore is an approximate key-value counter. Implementations are not
// required to be strongly consistent.
type CounterStore interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}
