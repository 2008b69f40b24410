//go:build integration

package entitlement

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mbd888/distrokit/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLedger_ConcurrentConsume(t *testing.T) {
	db := testutil.PGContainer(t)
	ctx := context.Background()
	l := New(NewPostgresStore(db))

	_, err := l.SetAllowed(ctx, "acct_pg", period, Allowance{TracksAllowed: 20, SubscriptionRef: "sub_pg"})
	require.NoError(t, err)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Consume(ctx, "acct_pg", period, 1); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), ok.Load())
	u, err := l.GetUsage(ctx, "acct_pg", period)
	require.NoError(t, err)
	assert.Equal(t, 20, u.TracksUsed)
}

func TestPostgresLedger_SetAllowedIdempotent(t *testing.T) {
	db := testutil.PGContainer(t)
	ctx := context.Background()
	l := New(NewPostgresStore(db))

	a := Allowance{TracksAllowed: 50, SubscriptionRef: "sub_pg"}
	first, err := l.SetAllowed(ctx, "acct_idem", period, a)
	require.NoError(t, err)
	second, err := l.SetAllowed(ctx, "acct_idem", period, a)
	require.NoError(t, err)

	assert.Equal(t, first.TracksAllowed, second.TracksAllowed)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
}
