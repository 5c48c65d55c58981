// Package orgtree answers ancestor/descendant questions about the
// organization hierarchy using each node's materialized path.
package orgtree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound    = errors.New("orgtree: organization not found")
	ErrCorruptTree = errors.New("orgtree: hierarchy invariant violated")
)

// Organization is one node of the hierarchy. Path lists ancestor ids root-first
// and always ends with ID.
type Organization struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	ParentID int64   `json:"parent_id,omitempty"`
	Path     []int64 `json:"path"`
	Leaf     bool    `json:"leaf"`
}

// IsRoot reports whether the node has no parent.
func (o Organization) IsRoot() bool { return o.ParentID == 0 }

// Store supplies the organization data. It is owned by the organization
// management collaborator and read-only here.
type Store interface {
	ListOrganizations(ctx context.Context) ([]Organization, error)
}

const defaultTTL = time.Minute

// Index serves hierarchy queries from an immutable snapshot. Snapshots are
// rebuilt from the Store once they are older than the TTL or after
// Invalidate, so readers never observe a half-built tree.
type Index struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	rebuildMu sync.Mutex
	current   atomic.Pointer[snapshot]
	gen       atomic.Uint64
}

// Option configures an Index.
type Option func(*Index)

// WithTTL bounds how long a snapshot is served before it is re-resolved.
func WithTTL(ttl time.Duration) Option {
	return func(ix *Index) {
		if ttl > 0 {
			ix.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(ix *Index) {
		if fn != nil {
			ix.now = fn
		}
	}
}

// NewIndex constructs an Index over store. Nothing is loaded until the first query.
func NewIndex(store Store, opts ...Option) (*Index, error) {
	if store == nil {
		return nil, errors.New("orgtree: store is required")
	}
	ix := &Index{store: store, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Invalidate drops the live snapshot; the next query rebuilds it. A rebuild
// that read the store before the call is not served afterwards.
func (ix *Index) Invalidate() {
	ix.gen.Add(1)
	ix.current.Store(nil)
}

// Refresh rebuilds the snapshot immediately.
func (ix *Index) Refresh(ctx context.Context) error {
	ix.Invalidate()
	_, err := ix.snapshot(ctx)
	return err
}

// Lookup returns the organization with id.
func (ix *Index) Lookup(ctx context.Context, id int64) (Organization, error) {
	snap, err := ix.snapshot(ctx)
	if err != nil {
		return Organization{}, err
	}
	org, ok := snap.nodes[id]
	if !ok {
		return Organization{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	org.Path = append([]int64(nil), org.Path...)
	return org, nil
}

// Exists reports whether id names a known organization.
func (ix *Index) Exists(ctx context.Context, id int64) (bool, error) {
	snap, err := ix.snapshot(ctx)
	if err != nil {
		return false, err
	}
	_, ok := snap.nodes[id]
	return ok, nil
}

// IsSelfOrDescendant reports whether candidateID equals ancestorID or sits
// below it.
func (ix *Index) IsSelfOrDescendant(ctx context.Context, ancestorID, candidateID int64) (bool, error) {
	snap, err := ix.snapshot(ctx)
	if err != nil {
		return false, err
	}
	candidate, ok := snap.nodes[candidateID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrNotFound, candidateID)
	}
	for _, id := range candidate.Path {
		if id == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

// SelfAndDescendantIDs returns rootID and every node below it, ascending.
func (ix *Index) SelfAndDescendantIDs(ctx context.Context, rootID int64) ([]int64, error) {
	snap, err := ix.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.nodes[rootID]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, rootID)
	}
	var out []int64
	for id, org := range snap.nodes {
		for _, step := range org.Path {
			if step == rootID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// AncestorChain returns the ids from the root down to id, inclusive.
func (ix *Index) AncestorChain(ctx context.Context, id int64) ([]int64, error) {
	snap, err := ix.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	org, ok := snap.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return append([]int64(nil), org.Path...), nil
}

// Root returns the single root organization.
func (ix *Index) Root(ctx context.Context) (Organization, error) {
	snap, err := ix.snapshot(ctx)
	if err != nil {
		return Organization{}, err
	}
	return ix.Lookup(ctx, snap.root)
}

func (ix *Index) live() *snapshot {
	snap := ix.current.Load()
	if snap == nil || snap.gen != ix.gen.Load() || ix.now().Sub(snap.builtAt) >= ix.ttl {
		return nil
	}
	return snap
}

func (ix *Index) snapshot(ctx context.Context) (*snapshot, error) {
	if snap := ix.live(); snap != nil {
		return snap, nil
	}

	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()
	// Another caller may have rebuilt while we waited.
	if snap := ix.live(); snap != nil {
		return snap, nil
	}

	gen := ix.gen.Load()
	orgs, err := ix.store.ListOrganizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("orgtree: load organizations: %w", err)
	}
	snap, err := build(orgs, ix.now())
	if err != nil {
		return nil, err
	}
	// Stamped with the generation it was read under; an Invalidate since
	// then makes live reject it.
	snap.gen = gen
	ix.current.Store(snap)
	return snap, nil
}
