package invitation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory invitation store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	invitations map[string]*Invitation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{invitations: make(map[string]*Invitation)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, inv *Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invitations[inv.ID] = inv.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invitations[id]
	if !ok {
		return nil, ErrInvitationNotFound
	}
	return inv.clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok {
		return ErrInvitationNotFound
	}
	if inv.Status != from {
		return ErrNotPending
	}
	inv.Status = to
	inv.AcceptedBy = by
	if at.IsZero() {
		inv.RespondedAt = nil
	} else {
		t := at
		inv.RespondedAt = &t
	}
	return nil
}

func (m *MemoryStore) ListPendingByEmail(_ context.Context, email string) ([]*Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email = strings.ToLower(email)
	out := []*Invitation{}
	for _, inv := range m.invitations {
		if inv.Status == StatusPending && inv.MatchesEmail(email) {
			out = append(out, inv.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
