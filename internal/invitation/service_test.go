package invitation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/distrokit/internal/hierarchy"
	"github.com/mbd888/distrokit/internal/logging"
)

// failingGraph fails AddMembership while failAdd is set.
type failingGraph struct {
	*hierarchy.Resolver
	failAdd atomic.Bool
}

func (g *failingGraph) AddMembership(ctx context.Context, accountID, labelID string, role hierarchy.Role, perms []hierarchy.Permission) (*hierarchy.Membership, error) {
	if g.failAdd.Load() {
		return nil, errors.New("connection reset")
	}
	return g.Resolver.AddMembership(ctx, accountID, labelID, role, perms)
}

type recordingAttacher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *recordingAttacher) AttachPlan(_ context.Context, tenantID string, tier TierGrant) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, tenantID)
	return a.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []AcceptedEvent
}

func (n *recordingNotifier) InvitationAccepted(_ context.Context, e AcceptedEvent) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	graph    *failingGraph
	attacher *recordingAttacher
	notifier *recordingNotifier
	owner    *hierarchy.AccountNode
	invitee  *hierarchy.AccountNode
	label    *hierarchy.Label
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	res := hierarchy.NewResolver(hierarchy.NewMemoryStore(), nil).WithLogger(logging.Discard())
	f := &fixture{
		store:    NewMemoryStore(),
		graph:    &failingGraph{Resolver: res},
		attacher: &recordingAttacher{},
		notifier: &recordingNotifier{},
	}
	f.svc = NewService(f.store, f.graph, 0).
		WithPlanAttacher(f.attacher).
		WithNotifier(f.notifier).
		WithLogger(logging.Discard())

	var err error
	f.owner, err = res.CreateAccount(ctx, hierarchy.CreateAccountRequest{Email: "owner@example.com"})
	require.NoError(t, err)
	f.invitee, err = res.CreateAccount(ctx, hierarchy.CreateAccountRequest{Email: "artist@example.com"})
	require.NoError(t, err)
	f.label, err = res.CreateLabel(ctx, hierarchy.CreateLabelRequest{Name: "Indie", OwnerAccountID: f.owner.ID})
	require.NoError(t, err)
	return f
}

func (f *fixture) invite(t *testing.T, mutate func(*CreateRequest)) *Invitation {
	t.Helper()
	req := CreateRequest{
		InviterAccountID: f.owner.ID,
		LabelID:          f.label.ID,
		TargetEmail:      "Artist@Example.com",
		Permissions:      []hierarchy.Permission{hierarchy.PermReleasesView},
	}
	if mutate != nil {
		mutate(&req)
	}
	inv, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return inv
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	inv := f.invite(t, nil)

	assert.Contains(t, inv.ID, "inv_")
	assert.Equal(t, "artist@example.com", inv.TargetEmail)
	assert.Equal(t, StatusPending, inv.Status)
	assert.Equal(t, ScopeLabel, inv.ScopeType)
	assert.Equal(t, hierarchy.RoleMember, inv.Role)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), inv.ExpiresAt, time.Minute)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := func() CreateRequest {
		return CreateRequest{InviterAccountID: f.owner.ID, LabelID: f.label.ID, TargetEmail: "a@example.com"}
	}

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{"bad email", func(r *CreateRequest) { r.TargetEmail = "nope" }, ErrInvalidEmail},
		{"bad additional email", func(r *CreateRequest) { r.AdditionalEmails = []string{"x"} }, ErrInvalidEmail},
		{"bad scope", func(r *CreateRequest) { r.ScopeType = "galaxy" }, ErrInvalidScope},
		{"bad role", func(r *CreateRequest) { r.Role = "admin" }, hierarchy.ErrInvalidRole},
		{"bad permission", func(r *CreateRequest) { r.Permissions = []hierarchy.Permission{"x.y"} }, hierarchy.ErrInvalidPermission},
		{"partner tier without tier", func(r *CreateRequest) {
			r.ScopeType = ScopePartnerTier
			r.Role = hierarchy.RoleOwner
		}, ErrTierRequired},
		{"tier on member invite", func(r *CreateRequest) { r.Tier = &TierGrant{TracksAllowed: 10} }, ErrTierRequired},
		{"tier below minimum", func(r *CreateRequest) {
			r.Role = hierarchy.RoleOwner
			r.Tier = &TierGrant{TracksAllowed: 4}
		}, ErrInvalidTier},
		{"label without subdistributor", func(r *CreateRequest) { r.ScopeType = ScopeSubdistributor }, ErrNoSubdistributor},
		{"unknown label", func(r *CreateRequest) { r.LabelID = "lbl_missing" }, hierarchy.ErrLabelNotFound},
		{"inviter without permission", func(r *CreateRequest) { r.InviterAccountID = f.invitee.ID }, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			_, err := f.svc.Create(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreate_MemberWithInvitePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.graph.Resolver.AddMembership(ctx, f.invitee.ID, f.label.ID, hierarchy.RoleMember,
		[]hierarchy.Permission{hierarchy.PermMembersInvite})
	require.NoError(t, err)

	inv, err := f.svc.Create(ctx, CreateRequest{
		InviterAccountID: f.invitee.ID, LabelID: f.label.ID, TargetEmail: "friend@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, f.invitee.ID, inv.InviterAccountID)
}

func TestCreate_MemberCannotEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.graph.Resolver.AddMembership(ctx, f.invitee.ID, f.label.ID, hierarchy.RoleMember,
		[]hierarchy.Permission{hierarchy.PermMembersInvite, hierarchy.PermReleasesView})
	require.NoError(t, err)
	base := func() CreateRequest {
		return CreateRequest{InviterAccountID: f.invitee.ID, LabelID: f.label.ID, TargetEmail: "friend@example.com"}
	}

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{"owner role", func(r *CreateRequest) { r.Role = hierarchy.RoleOwner }, ErrOwnerOnly},
		{"owner role with tier", func(r *CreateRequest) {
			r.Role = hierarchy.RoleOwner
			r.Tier = &TierGrant{TracksAllowed: 50}
		}, ErrOwnerOnly},
		{"partner tier", func(r *CreateRequest) {
			r.ScopeType = ScopePartnerTier
			r.Role = hierarchy.RoleOwner
			r.Tier = &TierGrant{TracksAllowed: 50}
		}, ErrOwnerOnly},
		{"unheld permission", func(r *CreateRequest) {
			r.Permissions = []hierarchy.Permission{hierarchy.PermReleasesView, hierarchy.PermBillingManage}
		}, ErrPermissionEscalation},
		{"members.manage", func(r *CreateRequest) {
			r.Permissions = []hierarchy.Permission{hierarchy.PermMembersManage}
		}, ErrPermissionEscalation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			_, err := f.svc.Create(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	pending, err := f.svc.ListPending(ctx, "friend@example.com")
	require.NoError(t, err)
	assert.Empty(t, pending)

	req := base()
	req.Permissions = []hierarchy.Permission{hierarchy.PermReleasesView, hierarchy.PermMembersInvite}
	_, err = f.svc.Create(ctx, req)
	assert.NoError(t, err, "permissions the inviter holds can be passed on")
}

func TestCreate_LabelOwnerInvitesOwner(t *testing.T) {
	f := newFixture(t)
	inv := f.invite(t, func(r *CreateRequest) {
		r.Role = hierarchy.RoleOwner
		r.Permissions = nil
		r.Tier = &TierGrant{TracksAllowed: 50}
	})
	assert.Equal(t, hierarchy.RoleOwner, inv.Role)
	assert.Equal(t, f.owner.ID, inv.InviterAccountID)
}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, nil)

	res, err := f.svc.Accept(ctx, inv.ID, f.invitee.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Invitation.Status)
	assert.Equal(t, f.invitee.ID, res.Invitation.AcceptedBy)
	require.NotNil(t, res.Invitation.RespondedAt)
	assert.Equal(t, hierarchy.RoleMember, res.Membership.Role)
	assert.False(t, res.PlanAttached)
	assert.Empty(t, f.attacher.calls)

	ok, err := f.graph.HasPermission(ctx, f.invitee.ID, f.label.ID, hierarchy.PermReleasesView)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, inv.ID, f.notifier.events[0].InvitationID)

	_, err = f.svc.Accept(ctx, inv.ID, f.invitee.ID)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestAccept_CheckOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("declined beats expired", func(t *testing.T) {
		f := newFixture(t)
		inv := f.invite(t, nil)
		_, err := f.svc.Decline(ctx, inv.ID, f.invitee.ID)
		require.NoError(t, err)
		f.svc.now = func() time.Time { return time.Now().Add(30 * 24 * time.Hour) }

		_, err = f.svc.Accept(ctx, inv.ID, f.invitee.ID)
		assert.ErrorIs(t, err, ErrNotPending)
	})

	t.Run("expired beats email mismatch", func(t *testing.T) {
		f := newFixture(t)
		inv := f.invite(t, nil)
		f.svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

		_, err := f.svc.Accept(ctx, inv.ID, f.owner.ID)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("email mismatch beats already member", func(t *testing.T) {
		f := newFixture(t)
		inv := f.invite(t, nil)
		// The owner is already a member but is not the addressee.
		_, err := f.svc.Accept(ctx, inv.ID, f.owner.ID)
		assert.ErrorIs(t, err, ErrEmailMismatch)
	})

	t.Run("already member", func(t *testing.T) {
		f := newFixture(t)
		inv := f.invite(t, nil)
		_, err := f.graph.Resolver.AddMembership(ctx, f.invitee.ID, f.label.ID, hierarchy.RoleMember, nil)
		require.NoError(t, err)

		_, err = f.svc.Accept(ctx, inv.ID, f.invitee.ID)
		assert.ErrorIs(t, err, hierarchy.ErrAlreadyMember)

		got, err := f.svc.Get(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	})

	t.Run("unknown invitation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Accept(ctx, "inv_missing", f.invitee.ID)
		assert.ErrorIs(t, err, ErrInvitationNotFound)
	})
}

func TestExpiredButStoredPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, nil)

	f.svc.now = func() time.Time { return inv.ExpiresAt.Add(time.Second) }

	got, err := f.svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	stored, err := f.store.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	_, err = f.svc.Accept(ctx, inv.ID, f.invitee.ID)
	assert.ErrorIs(t, err, ErrExpired)
	_, err = f.svc.Decline(ctx, inv.ID, f.invitee.ID)
	assert.ErrorIs(t, err, ErrExpired)

	pending, err := f.svc.ListPending(ctx, "artist@example.com")
	require.NoError(t, err)
	assert.Empty(t, pending)

	ok, err := f.graph.IsMember(ctx, f.invitee.ID, f.label.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccept_ConcurrentRaceHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, nil)

	const n = 20
	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		start    = make(chan struct{})
		failures = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := f.svc.Accept(ctx, inv.ID, f.invitee.ID); err != nil {
				failures <- err
				return
			}
			wins.Add(1)
		}()
	}
	close(start)
	wg.Wait()
	close(failures)

	assert.Equal(t, int32(1), wins.Load())
	for err := range failures {
		if !errors.Is(err, ErrNotPending) && !errors.Is(err, hierarchy.ErrAlreadyMember) {
			t.Errorf("unexpected error: %v", err)
		}
	}

	members, err := f.graph.ListLabelMembers(ctx, f.label.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2, "owner plus exactly one new membership")
}

func TestAccept_MembershipFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, nil)

	f.graph.failAdd.Store(true)
	_, err := f.svc.Accept(ctx, inv.ID, f.invitee.ID)
	require.Error(t, err)

	got, err := f.svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.AcceptedBy)
	assert.Nil(t, got.RespondedAt)

	f.graph.failAdd.Store(false)
	res, err := f.svc.Accept(ctx, inv.ID, f.invitee.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Invitation.Status)
}

func TestAccept_AdditionalEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, func(r *CreateRequest) {
		r.TargetEmail = "manager@example.com"
		r.AdditionalEmails = []string{"ARTIST@example.com", "artist@example.com"}
	})
	assert.Equal(t, []string{"artist@example.com"}, inv.AdditionalEmails)

	_, err := f.svc.Accept(ctx, inv.ID, f.invitee.ID)
	require.NoError(t, err)
}

func TestAccept_OwnerTierAttachesPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, func(r *CreateRequest) {
		r.ScopeType = ScopePartnerTier
		r.Role = hierarchy.RoleOwner
		r.Tier = &TierGrant{TracksAllowed: 25}
	})

	res, err := f.svc.Accept(ctx, inv.ID, f.invitee.ID)
	require.NoError(t, err)
	assert.True(t, res.PlanAttached)
	assert.Equal(t, []string{f.invitee.ID}, f.attacher.calls)
	assert.Equal(t, hierarchy.RoleOwner, res.Membership.Role)
	assert.True(t, f.notifier.events[0].PlanAttached)
}

func TestAccept_PlanAttachFailureKeepsMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.attacher.err = errors.New("billing unavailable")
	inv := f.invite(t, func(r *CreateRequest) {
		r.Role = hierarchy.RoleOwner
		r.Tier = &TierGrant{TracksAllowed: 10, PaymentMethodRef: "pm_card"}
	})

	res, err := f.svc.Accept(ctx, inv.ID, f.invitee.ID)
	require.NoError(t, err)
	assert.False(t, res.PlanAttached)
	assert.Contains(t, res.PlanError, "billing unavailable")

	ok, err := f.graph.IsMember(ctx, f.invitee.ID, f.label.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAccept_SubdistributorScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sd, err := f.graph.CreateSubdistributor(ctx, hierarchy.CreateSubdistributorRequest{
		Name: "Acme", OwnerAccountID: f.owner.ID, Branding: hierarchy.Branding{DisplayName: "Acme"},
	})
	require.NoError(t, err)
	label, err := f.graph.CreateLabel(ctx, hierarchy.CreateLabelRequest{
		Name: "Acme Label", OwnerAccountID: f.owner.ID, SubdistributorID: sd.ID,
	})
	require.NoError(t, err)

	inv := f.invite(t, func(r *CreateRequest) {
		r.LabelID = label.ID
		r.ScopeType = ScopeSubdistributor
	})
	res, err := f.svc.Accept(ctx, inv.ID, f.invitee.ID)
	require.NoError(t, err)
	assert.Equal(t, sd.ID, res.SubdistributorID)

	a, err := f.graph.GetAccount(ctx, f.invitee.ID)
	require.NoError(t, err)
	assert.Equal(t, sd.ID, a.SubdistributorID)

	b, err := f.graph.EffectiveBranding(ctx, f.invitee.ID)
	require.NoError(t, err)
	assert.Equal(t, hierarchy.SourceSubdistributor, b.Source)
}

func TestDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, nil)

	_, err := f.svc.Decline(ctx, inv.ID, f.owner.ID)
	assert.ErrorIs(t, err, ErrEmailMismatch)

	got, err := f.svc.Decline(ctx, inv.ID, f.invitee.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, got.Status)

	_, err = f.svc.Decline(ctx, inv.ID, f.invitee.ID)
	assert.ErrorIs(t, err, ErrNotPending)

	ok, err := f.graph.IsMember(ctx, f.invitee.ID, f.label.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.invite(t, nil)
	second := f.invite(t, func(r *CreateRequest) {
		r.TargetEmail = "someone@example.com"
		r.AdditionalEmails = []string{"artist@example.com"}
	})
	f.invite(t, func(r *CreateRequest) { r.TargetEmail = "other@example.com" })

	list, err := f.svc.PendingFor(ctx, f.invitee.ID)
	require.NoError(t, err)
	ids := []string{}
	for _, inv := range list {
		ids = append(ids, inv.ID)
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	_, err = f.svc.Accept(ctx, first.ID, f.invitee.ID)
	require.NoError(t, err)
	list, err = f.svc.ListPending(ctx, " ARTIST@example.com ")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	list, err = f.svc.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCanView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.invite(t, nil)
	stranger, err := f.graph.CreateAccount(ctx, hierarchy.CreateAccountRequest{Email: "x@example.com"})
	require.NoError(t, err)

	for _, tc := range []struct {
		caller string
		want   bool
	}{
		{f.owner.ID, true},
		{f.invitee.ID, true},
		{stranger.ID, false},
		{"", false},
		{"acct_missing", false},
	} {
		ok, err := f.svc.CanView(ctx, inv, tc.caller)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, tc.caller)
	}
}
