// Package memory holds in-process repository implementations used in
// development (no DATABASE_URL) and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ogimage/internal/domain"
)

// Accounts is an in-memory domain.AccountRepository.
type Accounts struct {
	mu    sync.RWMutex
	items map[string]domain.Account
}

func NewAccounts(accounts ...domain.Account) *Accounts {
	a := &Accounts{items: make(map[string]domain.Account)}
	for _, acct := range accounts {
		a.items[acct.ID] = acct
	}
	return a
}

func (a *Accounts) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &acct, nil
}

func (a *Accounts) Create(ctx context.Context, acct *domain.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.Plan == "" {
		acct.Plan = domain.PlanFree
	}
	if _, ok := a.items[acct.ID]; ok {
		return fmt.Errorf("account %s already exists", acct.ID)
	}
	acct.CreatedAt = time.Now().UTC()
	a.items[acct.ID] = *acct
	return nil
}

func (a *Accounts) SetPlan(ctx context.Context, id string, plan domain.Plan) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	acct.Plan = plan
	a.items[id] = acct
	return nil
}

// APIKeys is an in-memory domain.APIKeyRepository keyed by secret hash.
type APIKeys struct {
	mu       sync.RWMutex
	byHash   map[string]domain.APIKey
	lastUsed map[string]time.Time
}

func NewAPIKeys(keys ...domain.APIKey) *APIKeys {
	s := &APIKeys{byHash: make(map[string]domain.APIKey), lastUsed: make(map[string]time.Time)}
	for _, k := range keys {
		s.byHash[k.KeyHash] = k
	}
	return s
}

func (s *APIKeys) FindByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byHash[keyHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &k, nil
}

func (s *APIKeys) Create(ctx context.Context, key *domain.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[key.KeyHash] = *key
	return nil
}

func (s *APIKeys) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed[id] = at
	return nil
}

// LastUsed reports when a key was last touched.
func (s *APIKeys) LastUsed(id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.lastUsed[id]
	return at, ok
}

// Templates is an in-memory domain.TemplateRepository.
type Templates struct {
	mu    sync.RWMutex
	items map[string]domain.StoredTemplate
}

func NewTemplates(templates ...domain.StoredTemplate) *Templates {
	s := &Templates{items: make(map[string]domain.StoredTemplate)}
	for _, tpl := range templates {
		s.items[tpl.ID] = tpl
	}
	return s
}

func (s *Templates) Get(ctx context.Context, id string) (*domain.StoredTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &tpl, nil
}

func (s *Templates) ListByOwner(ctx context.Context, ownerAccountID string) ([]domain.StoredTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StoredTemplate
	for _, tpl := range s.items {
		if tpl.OwnerAccountID == ownerAccountID {
			out = append(out, tpl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Templates) Put(ctx context.Context, tpl *domain.StoredTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.items[tpl.ID]; ok {
		if existing.OwnerAccountID != tpl.OwnerAccountID {
			return domain.ErrForbidden
		}
		tpl.CreatedAt = existing.CreatedAt
	} else {
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now
	s.items[tpl.ID] = *tpl
	return nil
}

// Usage is an in-memory domain.UsageRepository.
type Usage struct {
	mu     sync.Mutex
	events []domain.UsageEvent
}

func NewUsage() *Usage {
	return &Usage{}
}

func (u *Usage) Insert(ctx context.Context, e domain.UsageEvent) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (u *Usage) Events() []domain.UsageEvent {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]domain.UsageEvent, len(u.events))
	copy(out, u.events)
	return out
}

var (
	_ domain.AccountRepository  = (*Accounts)(nil)
	_ domain.APIKeyRepository   = (*APIKeys)(nil)
	_ domain.TemplateRepository = (*Templates)(nil)
	_ domain.UsageRepository    = (*Usage)(nil)
)
