package hierarchy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory graph store for development and tests.
type MemoryStore struct {
	mu              sync.RWMutex
	accounts        map[string]*AccountNode
	emails          map[string]string // lower(email) -> account ID
	customers       map[string]string // customer ref -> account ID
	labels          map[string]*Label
	subdistributors map[string]*Subdistributor
	memberships     map[membershipKey]*Membership
}

type membershipKey struct {
	account string
	label   string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:        make(map[string]*AccountNode),
		emails:          make(map[string]string),
		customers:       make(map[string]string),
		labels:          make(map[string]*Label),
		subdistributors: make(map[string]*Subdistributor),
		memberships:     make(map[membershipKey]*Membership),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateAccount(_ context.Context, a *AccountNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(a.Email)
	if _, taken := m.emails[email]; taken {
		return ErrEmailTaken
	}
	if a.BillingCustomerRef != "" {
		if _, taken := m.customers[a.BillingCustomerRef]; taken {
			return ErrCustomerRefTaken
		}
		m.customers[a.BillingCustomerRef] = a.ID
	}
	cp := *a
	m.accounts[a.ID] = &cp
	m.emails[email] = a.ID
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*AccountNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAccountByEmail(ctx context.Context, email string) (*AccountNode, error) {
	m.mu.RLock()
	id, ok := m.emails[strings.ToLower(email)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return m.GetAccount(ctx, id)
}

func (m *MemoryStore) GetAccountByCustomerRef(ctx context.Context, customerRef string) (*AccountNode, error) {
	m.mu.RLock()
	id, ok := m.customers[customerRef]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return m.GetAccount(ctx, id)
}

func (m *MemoryStore) ListBilledAccounts(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.customers))
	for _, id := range m.customers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) CountChildren(_ context.Context, parentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countChildrenLocked(parentID), nil
}

func (m *MemoryStore) countChildrenLocked(parentID string) int {
	n := 0
	for _, a := range m.accounts {
		if a.ParentAccountID == parentID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) SetParent(_ context.Context, childID, parentID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	child, ok := m.accounts[childID]
	if !ok {
		return ErrAccountNotFound
	}
	if parentID != "" {
		parent, ok := m.accounts[parentID]
		if !ok {
			return ErrAccountNotFound
		}
		if parent.ParentAccountID != "" || m.countChildrenLocked(childID) > 0 {
			return ErrHierarchyConflict
		}
	}
	child.ParentAccountID = parentID
	child.UpdatedAt = now
	return nil
}

func (m *MemoryStore) SetActiveLabel(_ context.Context, accountID, labelID string, now time.Time) error {
	return m.updateAccount(accountID, now, func(a *AccountNode) { a.ActiveLabelID = labelID })
}

func (m *MemoryStore) SetSubdistributor(_ context.Context, accountID, subdistributorID string, now time.Time) error {
	return m.updateAccount(accountID, now, func(a *AccountNode) { a.SubdistributorID = subdistributorID })
}

func (m *MemoryStore) SetCustomerRef(_ context.Context, accountID, customerRef string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if customerRef != "" {
		if owner, taken := m.customers[customerRef]; taken && owner != accountID {
			return ErrCustomerRefTaken
		}
	}
	if a.BillingCustomerRef != "" {
		delete(m.customers, a.BillingCustomerRef)
	}
	if customerRef != "" {
		m.customers[customerRef] = accountID
	}
	a.BillingCustomerRef = customerRef
	a.UpdatedAt = now
	return nil
}

func (m *MemoryStore) updateAccount(id string, now time.Time, fn func(*AccountNode)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	fn(a)
	a.UpdatedAt = now
	return nil
}

func (m *MemoryStore) CreateLabel(_ context.Context, l *Label) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[l.ID] = copyLabel(l)
	return nil
}

func (m *MemoryStore) GetLabel(_ context.Context, id string) (*Label, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.labels[id]
	if !ok {
		return nil, ErrLabelNotFound
	}
	return copyLabel(l), nil
}

func (m *MemoryStore) UpdateLabel(_ context.Context, l *Label) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.labels[l.ID]; !ok {
		return ErrLabelNotFound
	}
	m.labels[l.ID] = copyLabel(l)
	return nil
}

func (m *MemoryStore) CreateSubdistributor(_ context.Context, s *Subdistributor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subdistributors[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSubdistributor(_ context.Context, id string) (*Subdistributor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subdistributors[id]
	if !ok {
		return nil, ErrSubdistributorNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSubdistributor(_ context.Context, s *Subdistributor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subdistributors[s.ID]; !ok {
		return ErrSubdistributorNotFound
	}
	cp := *s
	m.subdistributors[s.ID] = &cp
	return nil
}

func (m *MemoryStore) AddMembership(_ context.Context, mb *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey{mb.AccountID, mb.LabelID}
	if _, exists := m.memberships[key]; exists {
		return ErrAlreadyMember
	}
	m.memberships[key] = copyMembership(mb)
	return nil
}

func (m *MemoryStore) GetMembership(_ context.Context, accountID, labelID string) (*Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, ok := m.memberships[membershipKey{accountID, labelID}]
	if !ok {
		return nil, ErrMembershipNotFound
	}
	return copyMembership(mb), nil
}

func (m *MemoryStore) ListMemberships(_ context.Context, accountID string) ([]Membership, error) {
	return m.listMemberships(func(mb *Membership) bool { return mb.AccountID == accountID }), nil
}

func (m *MemoryStore) ListLabelMembers(_ context.Context, labelID string) ([]Membership, error) {
	return m.listMemberships(func(mb *Membership) bool { return mb.LabelID == labelID }), nil
}

func (m *MemoryStore) listMemberships(match func(*Membership) bool) []Membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Membership{}
	for _, mb := range m.memberships {
		if match(mb) {
			out = append(out, *copyMembership(mb))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LabelID != out[j].LabelID {
			return out[i].LabelID < out[j].LabelID
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}

func (m *MemoryStore) UpdateMembership(_ context.Context, mb *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey{mb.AccountID, mb.LabelID}
	existing, ok := m.memberships[key]
	if !ok {
		return ErrMembershipNotFound
	}
	updated := copyMembership(mb)
	updated.CreatedAt = existing.CreatedAt
	m.memberships[key] = updated
	return nil
}

func (m *MemoryStore) RemoveMembership(_ context.Context, accountID, labelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey{accountID, labelID}
	if _, ok := m.memberships[key]; !ok {
		return ErrMembershipNotFound
	}
	delete(m.memberships, key)
	return nil
}

func copyLabel(l *Label) *Label {
	cp := *l
	if l.DropdownBanner != nil {
		b := *l.DropdownBanner
		cp.DropdownBanner = &b
	}
	return &cp
}

func copyMembership(mb *Membership) *Membership {
	cp := *mb
	cp.Permissions = append([]Permission(nil), mb.Permissions...)
	return &cp
}
