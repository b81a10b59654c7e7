package entitlement

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store persists entitlements and policies.
//
// UpdateEntitlement reads the current row under an exclusive per-entitlement
// lock, applies fn and writes the result in one transaction. fn may call
// external services; returning an error aborts the write.
type Store interface {
	CreateEntitlement(ctx context.Context, e Entitlement) (Entitlement, error)
	GetEntitlement(ctx context.Context, id uuid.UUID) (Entitlement, error)
	ListEntitlements(ctx context.Context, f Filter) ([]Entitlement, error)
	UpdateEntitlement(ctx context.Context, id uuid.UUID, fn func(*Entitlement) error) (Entitlement, error)

	CreatePolicy(ctx context.Context, p Policy) (Policy, error)
	GetPolicy(ctx context.Context, id int64) (Policy, error)
	PolicyForSite(ctx context.Context, site string) (Policy, error)
}

// InMemory is a process-local Store for tests and single-node demos.
type InMemory struct {
	mu           sync.Mutex
	entitlements map[uuid.UUID]Entitlement
	order        []uuid.UUID
	rowLocks     map[uuid.UUID]*sync.Mutex

	policies  map[int64]Policy
	policySeq int64
}

func NewInMemory() *InMemory {
	return &InMemory{
		entitlements: make(map[uuid.UUID]Entitlement),
		rowLocks:     make(map[uuid.UUID]*sync.Mutex),
		policies:     make(map[int64]Policy),
	}
}

func (s *InMemory) CreateEntitlement(ctx context.Context, e Entitlement) (Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return Entitlement{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entitlements[e.UUID]; exists {
		return Entitlement{}, validationf("entitlement %s already exists", e.UUID)
	}
	s.entitlements[e.UUID] = e.clone()
	s.order = append(s.order, e.UUID)
	s.rowLocks[e.UUID] = &sync.Mutex{}
	return e.clone(), nil
}

func (s *InMemory) GetEntitlement(ctx context.Context, id uuid.UUID) (Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return Entitlement{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entitlements[id]
	if !ok {
		return Entitlement{}, ErrNotFound
	}
	return e.clone(), nil
}

func (s *InMemory) ListEntitlements(ctx context.Context, f Filter) ([]Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f = f.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entitlement, 0)
	skipped := 0
	for _, id := range s.order {
		e := s.entitlements[id]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e.clone())
		if len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemory) UpdateEntitlement(ctx context.Context, id uuid.UUID, fn func(*Entitlement) error) (Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return Entitlement{}, err
	}
	s.mu.Lock()
	lock, ok := s.rowLocks[id]
	s.mu.Unlock()
	if !ok {
		return Entitlement{}, ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	current := s.entitlements[id].clone()
	s.mu.Unlock()

	if err := fn(&current); err != nil {
		return Entitlement{}, err
	}
	current.UUID = id

	s.mu.Lock()
	s.entitlements[id] = current.clone()
	s.mu.Unlock()
	return current, nil
}

func (s *InMemory) CreatePolicy(ctx context.Context, p Policy) (Policy, error) {
	if err := ctx.Err(); err != nil {
		return Policy{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policySeq++
	p.ID = s.policySeq
	s.policies[p.ID] = p
	return p, nil
}

func (s *InMemory) GetPolicy(ctx context.Context, id int64) (Policy, error) {
	if err := ctx.Err(); err != nil {
		return Policy{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, ErrPolicyNotFound
	}
	return p, nil
}

// PolicyForSite returns the newest policy scoped to site.
func (s *InMemory) PolicyForSite(ctx context.Context, site string) (Policy, error) {
	if err := ctx.Err(); err != nil {
		return Policy{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.policies))
	for id, p := range s.policies {
		if p.Site == site {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return Policy{}, ErrPolicyNotFound
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return s.policies[ids[0]], nil
}
