package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps actions in memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	actions []*Action
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendAction(_ context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.Detail = cloneDetail(a.Detail)
	m.actions = append(m.actions, &cp)
	return nil
}

func (m *MemoryStore) ListActions(_ context.Context, filter Filter) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Action
	for i := len(m.actions) - 1; i >= 0; i-- {
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		a := m.actions[i]
		if !filter.matches(a) {
			continue
		}
		cp := *a
		cp.Detail = cloneDetail(a.Detail)
		out = append(out, &cp)
	}
	return out, nil
}

func cloneDetail(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
