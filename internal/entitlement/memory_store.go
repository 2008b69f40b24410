package entitlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory usage store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	periods map[periodID]*UsagePeriod
}

type periodID struct {
	tenant string
	period string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{periods: make(map[periodID]*UsagePeriod)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, tenantID, periodKey string) (*UsagePeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.periods[periodID{tenantID, periodKey}]
	if !ok {
		return nil, ErrPeriodNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) ConsumeIfAvailable(_ context.Context, tenantID, periodKey string, n int) (*UsagePeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.periods[periodID{tenantID, periodKey}]
	if !ok || u.TracksUsed+n > u.TracksAllowed {
		return nil, ErrInsufficientAllowance
	}
	u.TracksUsed += n
	u.UpdatedAt = time.Now()
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) UpsertAllowed(_ context.Context, tenantID, periodKey string, a Allowance, now time.Time) (*UsagePeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := periodID{tenantID, periodKey}
	u, ok := m.periods[key]
	if !ok {
		u = &UsagePeriod{
			TenantID:  tenantID,
			PeriodKey: periodKey,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.periods[key] = u
	} else if u.TracksAllowed != a.TracksAllowed || u.SubscriptionRef != a.SubscriptionRef || u.AdminGranted != a.AdminGranted {
		u.UpdatedAt = now
	}
	u.TracksAllowed = a.TracksAllowed
	u.SubscriptionRef = a.SubscriptionRef
	u.AdminGranted = a.AdminGranted

	cp := *u
	return &cp, nil
}

func (m *MemoryStore) AdvanceNotified(_ context.Context, tenantID, periodKey string, from, to int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.periods[periodID{tenantID, periodKey}]
	if !ok || u.LastNotifiedPct != from {
		return false, nil
	}
	u.LastNotifiedPct = to
	return true, nil
}

func (m *MemoryStore) ListTenants(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	for k := range m.periods {
		seen[k.tenant] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}
