package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryProvider is an in-process Provider used when no Stripe key is
// configured, and by tests. It keeps subscriptions in a map and can be told
// to fail the next calls.
type MemoryProvider struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	seq      int
	failures []error
	calls    map[string]int
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		subs:  make(map[string]*Subscription),
		calls: make(map[string]int),
	}
}

var _ Provider = (*MemoryProvider)(nil)

// FailNext makes the next len(errs) calls return those errors in order.
func (m *MemoryProvider) FailNext(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (m *MemoryProvider) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Put stores sub as-is, replacing any subscription with the same ID.
func (m *MemoryProvider) Put(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copySub(&sub)
	m.subs[sub.ID] = cp
}

// Get returns a copy of a stored subscription.
func (m *MemoryProvider) Get(id string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, false
	}
	return copySub(s), true
}

// enter records the call and pops an injected failure. Caller holds m.mu.
func (m *MemoryProvider) enter(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	return nil
}

func (m *MemoryProvider) ListActiveSubscriptions(ctx context.Context, customerRef string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "list"); err != nil {
		return nil, err
	}

	var out []Subscription
	for _, s := range m.subs {
		if s.CustomerRef == customerRef && s.Status == StatusActive {
			out = append(out, *copySub(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryProvider) CreateSubscription(ctx context.Context, p CreateParams) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "create"); err != nil {
		return nil, err
	}
	if p.CustomerRef == "" {
		return nil, fmt.Errorf("%w: customer is required", ErrRejected)
	}
	if p.UnitAmountCents > 0 && p.PaymentMethodRef == "" {
		return nil, fmt.Errorf("%w: payment method required for a paid subscription", ErrRejected)
	}

	m.seq++
	s := &Subscription{
		ID:          fmt.Sprintf("sub_mem_%d", m.seq),
		CustomerRef: p.CustomerRef,
		Status:      StatusActive,
		Metadata:    cloneMetadata(p.Metadata),
		Items: []Item{{
			ID:         fmt.Sprintf("si_mem_%d", m.seq),
			PriceRef:   fmt.Sprintf("price_mem_%d", p.UnitAmountCents),
			UnitAmount: p.UnitAmountCents,
			Quantity:   p.Quantity,
		}},
	}
	m.subs[s.ID] = s
	return copySub(s), nil
}

func (m *MemoryProvider) UpdateSubscriptionItem(ctx context.Context, u ItemUpdate) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "update_item"); err != nil {
		return nil, err
	}

	s, ok := m.subs[u.SubscriptionID]
	if !ok || s.Status != StatusActive {
		return nil, ErrNotFound
	}
	for i := range s.Items {
		if s.Items[i].ID == u.ItemID {
			s.Items[i].UnitAmount = u.UnitAmountCents
			s.Items[i].Quantity = u.Quantity
			s.Items[i].PriceRef = fmt.Sprintf("price_mem_%d", u.UnitAmountCents)
			mergeMetadata(s, u.Metadata)
			return copySub(s), nil
		}
	}
	return nil, fmt.Errorf("%w: unknown item %s", ErrRejected, u.ItemID)
}

func (m *MemoryProvider) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "update_metadata"); err != nil {
		return nil, err
	}

	s, ok := m.subs[subscriptionID]
	if !ok || s.Status != StatusActive {
		return nil, ErrNotFound
	}
	mergeMetadata(s, metadata)
	return copySub(s), nil
}

func (m *MemoryProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "cancel"); err != nil {
		return err
	}

	s, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusCanceled
	return nil
}

func mergeMetadata(s *Subscription, md map[string]string) {
	if md == nil {
		return
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		s.Metadata[k] = v
	}
}

func copySub(s *Subscription) *Subscription {
	cp := *s
	cp.Metadata = cloneMetadata(s.Metadata)
	cp.Items = append([]Item(nil), s.Items...)
	return &cp
}
