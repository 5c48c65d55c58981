package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. The whole
// compare-and-set plus log append runs under one lock.
type InMemory struct {
	mu   sync.RWMutex
	seq  int64
	byID map[int64]*Transfer
	logs map[int64][]LogEntry
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID: make(map[int64]*Transfer),
		logs: make(map[int64][]LogEntry),
	}
}

func (s *InMemory) Create(ctx context.Context, t Transfer) (Transfer, error) {
	if err := ctx.Err(); err != nil {
		return Transfer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if existing.SubjectID == t.SubjectID && !existing.Status.Terminal() {
			return Transfer{}, fmt.Errorf("%w: subject %d already has open transfer %d", ErrConflict, t.SubjectID, existing.ID)
		}
	}
	s.seq++
	t.ID = s.seq
	stored := t.clone()
	s.byID[t.ID] = &stored
	return stored.clone(), nil
}

func (s *InMemory) Get(ctx context.Context, id int64) (Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return t.clone(), nil
}

func (s *InMemory) List(ctx context.Context, f Filter) ([]Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transfer
	for _, t := range s.byID {
		if f.Matches(*t) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) ApprovalLog(ctx context.Context, id int64) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byID[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return append([]LogEntry(nil), s.logs[id]...), nil
}

func (s *InMemory) Transition(ctx context.Context, tr Transition) (Transfer, error) {
	if err := ctx.Err(); err != nil {
		return Transfer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[tr.ID]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %d", ErrNotFound, tr.ID)
	}
	if t.Status != tr.Expect {
		return Transfer{}, fmt.Errorf("%w: transfer %d is %s, expected %s", ErrConflict, tr.ID, t.Status, tr.Expect)
	}

	approval := tr.Approval
	switch tr.Stage {
	case StageOut:
		t.Out = &approval
	case StageIn:
		t.In = &approval
	default:
		return Transfer{}, fmt.Errorf("transfer: unknown stage %d", tr.Stage)
	}
	t.Status = tr.To
	t.UpdatedAt = approval.DecidedAt
	s.logs[tr.ID] = append(s.logs[tr.ID], tr.Entry)
	return t.clone(), nil
}

func (s *InMemory) Expired(ctx context.Context, now time.Time, statuses []Status) ([]Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transfer
	for _, t := range s.byID {
		if containsStatus(statuses, t.Status) && t.Expired(now) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
