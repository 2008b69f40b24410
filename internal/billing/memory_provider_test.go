package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProvider_Lifecycle(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	sub, err := p.CreateSubscription(ctx, CreateParams{
		CustomerRef:      "cus_1",
		UnitAmountCents:  200,
		Quantity:         50,
		PaymentMethodRef: "pm_1",
		Metadata:         map[string]string{"type": "track_allowance", "tracksAllowed": "50"},
	})
	require.NoError(t, err)
	item, ok := sub.PrimaryItem()
	require.True(t, ok)
	assert.Equal(t, int64(50), item.Quantity)

	subs, err := p.ListActiveSubscriptions(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	updated, err := p.UpdateSubscriptionItem(ctx, ItemUpdate{
		SubscriptionID: sub.ID, ItemID: item.ID, UnitAmountCents: 200, Quantity: 55,
		Metadata: map[string]string{"tracksAllowed": "55"},
	})
	require.NoError(t, err)
	assert.Equal(t, "55", updated.Metadata["tracksAllowed"])
	assert.Equal(t, "track_allowance", updated.Metadata["type"])

	require.NoError(t, p.CancelSubscription(ctx, sub.ID))
	subs, err = p.ListActiveSubscriptions(ctx, "cus_1")
	require.NoError(t, err)
	assert.Empty(t, subs)

	_, err = p.UpdateSubscriptionMetadata(ctx, sub.ID, map[string]string{"x": "y"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryProvider_ReturnsCopies(t *testing.T) {
	p := NewMemoryProvider()
	p.Put(Subscription{ID: "sub_1", CustomerRef: "cus_1", Status: StatusActive, Metadata: map[string]string{"a": "1"}})

	subs, err := p.ListActiveSubscriptions(context.Background(), "cus_1")
	require.NoError(t, err)
	subs[0].Metadata["a"] = "mutated"

	got, ok := p.Get("sub_1")
	require.True(t, ok)
	assert.Equal(t, "1", got.Metadata["a"])
}

func TestMemoryProvider_PaidNeedsPaymentMethod(t *testing.T) {
	p := NewMemoryProvider()
	_, err := p.CreateSubscription(context.Background(), CreateParams{CustomerRef: "cus_1", UnitAmountCents: 400, Quantity: 10})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestMemoryProvider_FailNext(t *testing.T) {
	p := NewMemoryProvider()
	p.FailNext(ErrUnavailable)

	_, err := p.ListActiveSubscriptions(context.Background(), "cus_1")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = p.ListActiveSubscriptions(context.Background(), "cus_1")
	assert.NoError(t, err)
	assert.Equal(t, 2, p.Calls("list"))
}
