package consent

import (
	"context"
	"sort"
	"sync"

	"github.com/kenhuangus/agent-payment-platform/pkg/contracts"
)

// Repository persists consents. Insert returns ErrConflict for duplicate ids;
// Get returns ErrNotFound for unknown ids.
type Repository interface {
	Insert(ctx context.Context, c contracts.Consent) error
	Get(ctx context.Context, id string) (contracts.Consent, error)
	Revoke(ctx context.Context, id string) error
	ListByAgent(ctx context.Context, agentID string) ([]contracts.Consent, error)
}

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	consents map[string]contracts.Consent
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{consents: make(map[string]contracts.Consent)}
}

func (r *MemoryRepository) Insert(_ context.Context, c contracts.Consent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.consents[c.ID]; exists {
		return ErrConflict.WithDetail("consent %s exists", c.ID)
	}
	r.consents[c.ID] = clone(c)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (contracts.Consent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.consents[id]
	if !ok {
		return contracts.Consent{}, ErrNotFound.WithDetail("consent %s", id)
	}
	return clone(c), nil
}

func (r *MemoryRepository) Revoke(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consents[id]
	if !ok {
		return ErrNotFound.WithDetail("consent %s", id)
	}
	c.Revoked = true
	r.consents[id] = c
	return nil
}

func (r *MemoryRepository) ListByAgent(_ context.Context, agentID string) ([]contracts.Consent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]contracts.Consent, 0)
	for _, c := range r.consents {
		if agentID == "" || c.AgentID == agentID {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clone(c contracts.Consent) contracts.Consent {
	out := c
	out.Rails = append([]string(nil), c.Rails...)
	out.CounterpartiesAllow = append([]string(nil), c.CounterpartiesAllow...)
	return out
}
