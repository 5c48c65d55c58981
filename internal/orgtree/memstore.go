package orgtree

import (
	"context"
	"sync"
)

// InMemory is a Store backed by a slice, used by tests and the in-memory
// server profile.
type InMemory struct {
	mu   sync.RWMutex
	orgs []Organization
}

// NewInMemory seeds the store with orgs.
func NewInMemory(orgs ...Organization) *InMemory {
	m := &InMemory{}
	m.Replace(orgs...)
	return m
}

// Replace swaps the full organization set. Callers invalidate any Index
// built on top of the store.
func (m *InMemory) Replace(orgs ...Organization) {
	cp := make([]Organization, len(orgs))
	for i, org := range orgs {
		org.Path = append([]int64(nil), org.Path...)
		cp[i] = org
	}
	m.mu.Lock()
	m.orgs = cp
	m.mu.Unlock()
}

func (m *InMemory) ListOrganizations(ctx context.Context) ([]Organization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Organization, len(m.orgs))
	for i, org := range m.orgs {
		org.Path = append([]int64(nil), org.Path...)
		out[i] = org
	}
	return out, nil
}

// Node is a convenience constructor that derives Path from the parent chain
// given root-first.
func Node(id int64, name string, ancestors ...int64) Organization {
	path := append(append([]int64(nil), ancestors...), id)
	var parent int64
	if len(ancestors) > 0 {
		parent = ancestors[len(ancestors)-1]
	}
	return Organization{ID: id, Name: name, ParentID: parent, Path: path}
}
