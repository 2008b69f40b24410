package invitation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/distrokit/internal/hierarchy"
	"github.com/mbd888/distrokit/internal/idgen"
	"github.com/mbd888/distrokit/internal/metrics"
	"github.com/mbd888/distrokit/internal/pricing"
	"github.com/mbd888/distrokit/internal/traces"
	"github.com/mbd888/distrokit/internal/validation"
)

// Service implements the invitation state machine.
type Service struct {
	store    Store
	graph    Graph
	attacher PlanAttacher
	notifier Notifier
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an invitation service. A non-positive ttl falls back to
// DefaultTTL.
func NewService(store Store, graph Graph, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:  store,
		graph:  graph,
		ttl:    ttl,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithPlanAttacher sets the collaborator that attaches tiers on accept.
func (s *Service) WithPlanAttacher(a PlanAttacher) *Service {
	s.attacher = a
	return s
}

// WithNotifier sets the acceptance notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Create validates the request and stores a pending invitation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Invitation, error) {
	if req.ScopeType == "" {
		req.ScopeType = ScopeLabel
	}
	if req.Role == "" {
		req.Role = hierarchy.RoleMember
	}
	if err := s.validateCreate(ctx, &req); err != nil {
		return nil, err
	}

	now := s.now()
	inv := &Invitation{
		ID:               idgen.WithPrefix("inv_"),
		InviterAccountID: req.InviterAccountID,
		LabelID:          req.LabelID,
		TargetEmail:      validation.NormalizeEmail(req.TargetEmail),
		AdditionalEmails: normalizeEmails(req.AdditionalEmails),
		ScopeType:        req.ScopeType,
		Role:             req.Role,
		Permissions:      append([]hierarchy.Permission{}, req.Permissions...),
		Tier:             req.Tier,
		Status:           StatusPending,
		ExpiresAt:        now.Add(s.ttl),
		CreatedAt:        now,
	}
	if err := s.store.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to store invitation: %w", err)
	}

	metrics.InvitationsTotal.WithLabelValues("created").Inc()
	s.logger.Info("invitation created",
		"invitation_id", inv.ID, "label_id", inv.LabelID,
		"inviter", inv.InviterAccountID, "scope", inv.ScopeType, "role", inv.Role)
	return inv.view(now), nil
}

func (s *Service) validateCreate(ctx context.Context, req *CreateRequest) error {
	if !validation.IsValidEmail(validation.NormalizeEmail(req.TargetEmail)) {
		return ErrInvalidEmail
	}
	for _, e := range req.AdditionalEmails {
		if !validation.IsValidEmail(validation.NormalizeEmail(e)) {
			return fmt.Errorf("%w: %q", ErrInvalidEmail, e)
		}
	}
	if !req.ScopeType.Valid() {
		return ErrInvalidScope
	}
	if !req.Role.Valid() {
		return hierarchy.ErrInvalidRole
	}
	if err := hierarchy.ValidatePermissions(req.Permissions); err != nil {
		return err
	}
	if req.ScopeType == ScopePartnerTier && (req.Tier == nil || req.Role != hierarchy.RoleOwner) {
		return ErrTierRequired
	}
	if req.Tier != nil {
		if req.Role != hierarchy.RoleOwner {
			return ErrTierRequired
		}
		if req.Tier.TracksAllowed < pricing.MinimumIncrement {
			return ErrInvalidTier
		}
	}

	label, err := s.graph.GetLabel(ctx, req.LabelID)
	if err != nil {
		return err
	}
	if req.ScopeType == ScopeSubdistributor && label.SubdistributorID == "" {
		return ErrNoSubdistributor
	}
	held, err := s.graph.EffectivePermissions(ctx, req.InviterAccountID, req.LabelID)
	if err != nil {
		return err
	}
	if !held.Has(hierarchy.PermMembersInvite) {
		return ErrForbidden
	}
	if (req.Role == hierarchy.RoleOwner || req.Tier != nil) && req.InviterAccountID != label.OwnerAccountID {
		return ErrOwnerOnly
	}
	if missing := held.Missing(req.Permissions); len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrPermissionEscalation, missing)
	}
	return nil
}

// Get returns the invitation with an expired status applied lazily.
func (s *Service) Get(ctx context.Context, id string) (*Invitation, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return inv.view(s.now()), nil
}

// Accept turns the invitation into a membership for accountID. Checks run
// in order: not pending, expired, email mismatch, already a member.
func (s *Service) Accept(ctx context.Context, id, accountID string) (*AcceptResult, error) {
	ctx, span := traces.StartSpan(ctx, "invitation.Accept",
		traces.InvitationID(id), traces.AccountID(accountID))
	defer span.End()

	res, err := s.accept(ctx, id, accountID)
	if err != nil {
		traces.RecordError(span, err)
		metrics.InvitationsTotal.WithLabelValues(outcomeFor(err)).Inc()
		return nil, err
	}
	metrics.InvitationsTotal.WithLabelValues("accepted").Inc()
	return res, nil
}

func (s *Service) accept(ctx context.Context, id, accountID string) (*AcceptResult, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if inv.Status != StatusPending {
		return nil, ErrNotPending
	}
	if inv.IsExpired(now) {
		return nil, ErrExpired
	}

	account, err := s.graph.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !inv.MatchesEmail(account.Email) {
		return nil, ErrEmailMismatch
	}
	member, err := s.graph.IsMember(ctx, accountID, inv.LabelID)
	if err != nil {
		return nil, err
	}
	if member {
		return nil, hierarchy.ErrAlreadyMember
	}

	if err := s.store.Transition(ctx, id, StatusPending, StatusAccepted, accountID, now); err != nil {
		return nil, err
	}

	membership, err := s.graph.AddMembership(ctx, accountID, inv.LabelID, inv.Role, inv.Permissions)
	if err != nil {
		if relErr := s.store.Transition(ctx, id, StatusAccepted, StatusPending, "", time.Time{}); relErr != nil {
			s.logger.Error("failed to release invitation claim",
				"invitation_id", id, "account_id", accountID, "error", relErr)
		}
		return nil, fmt.Errorf("failed to create membership: %w", err)
	}

	inv.Status = StatusAccepted
	inv.AcceptedBy = accountID
	inv.RespondedAt = &now
	res := &AcceptResult{Invitation: inv.view(now), Membership: membership}

	if inv.ScopeType == ScopeSubdistributor {
		s.assignSubdistributor(ctx, inv, accountID, res)
	}
	if inv.Role == hierarchy.RoleOwner && inv.Tier != nil {
		s.attachPlan(ctx, inv, accountID, res)
	}

	s.logger.Info("invitation accepted",
		"invitation_id", id, "label_id", inv.LabelID, "account_id", accountID,
		"role", inv.Role, "plan_attached", res.PlanAttached)

	if s.notifier != nil {
		s.notifier.InvitationAccepted(ctx, AcceptedEvent{
			InvitationID:     id,
			LabelID:          inv.LabelID,
			AccountID:        accountID,
			InviterAccountID: inv.InviterAccountID,
			Role:             inv.Role,
			ScopeType:        inv.ScopeType,
			PlanAttached:     res.PlanAttached,
			At:               now,
		})
	}
	return res, nil
}

// assignSubdistributor failures leave the membership in place.
func (s *Service) assignSubdistributor(ctx context.Context, inv *Invitation, accountID string, res *AcceptResult) {
	label, err := s.graph.GetLabel(ctx, inv.LabelID)
	if err == nil && label.SubdistributorID == "" {
		err = ErrNoSubdistributor
	}
	if err == nil {
		err = s.graph.AssignSubdistributor(ctx, accountID, label.SubdistributorID)
	}
	if err != nil {
		s.logger.Warn("subdistributor assignment failed",
			"invitation_id", inv.ID, "account_id", accountID, "error", err)
		return
	}
	res.SubdistributorID = label.SubdistributorID
}

// attachPlan failures are reported in the result and do not undo the
// membership.
func (s *Service) attachPlan(ctx context.Context, inv *Invitation, accountID string, res *AcceptResult) {
	if s.attacher == nil {
		res.PlanError = "plan attachment is not configured"
		return
	}
	if err := s.attacher.AttachPlan(ctx, accountID, *inv.Tier); err != nil {
		res.PlanError = err.Error()
		metrics.InvitationsTotal.WithLabelValues("plan_attach_failed").Inc()
		s.logger.Error("plan attach failed",
			"invitation_id", inv.ID, "account_id", accountID,
			"tracks", inv.Tier.TracksAllowed, "error", err)
		return
	}
	res.PlanAttached = true
}

// Decline marks the invitation declined. Only an addressee may decline.
func (s *Service) Decline(ctx context.Context, id, accountID string) (*Invitation, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if inv.Status != StatusPending {
		return nil, ErrNotPending
	}
	if inv.IsExpired(now) {
		return nil, ErrExpired
	}
	account, err := s.graph.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !inv.MatchesEmail(account.Email) {
		return nil, ErrEmailMismatch
	}

	if err := s.store.Transition(ctx, id, StatusPending, StatusDeclined, accountID, now); err != nil {
		return nil, err
	}
	metrics.InvitationsTotal.WithLabelValues("declined").Inc()

	inv.Status = StatusDeclined
	inv.AcceptedBy = accountID
	inv.RespondedAt = &now
	return inv.view(now), nil
}

// ListPending returns the unexpired pending invitations addressed to email.
func (s *Service) ListPending(ctx context.Context, email string) ([]*Invitation, error) {
	email = validation.NormalizeEmail(email)
	if email == "" {
		return []*Invitation{}, nil
	}
	stored, err := s.store.ListPendingByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	now := s.now()
	out := make([]*Invitation, 0, len(stored))
	for _, inv := range stored {
		if inv.IsExpired(now) {
			continue
		}
		out = append(out, inv.view(now))
	}
	return out, nil
}

// PendingFor lists the pending invitations addressed to the account's email.
func (s *Service) PendingFor(ctx context.Context, accountID string) ([]*Invitation, error) {
	account, err := s.graph.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.ListPending(ctx, account.Email)
}

// CanView reports whether accountID may read the invitation: the inviter or
// an addressee.
func (s *Service) CanView(ctx context.Context, inv *Invitation, accountID string) (bool, error) {
	if accountID == "" {
		return false, nil
	}
	if inv.InviterAccountID == accountID {
		return true, nil
	}
	account, err := s.graph.GetAccount(ctx, accountID)
	if errors.Is(err, hierarchy.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inv.MatchesEmail(account.Email), nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrNotPending):
		return "not_pending"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrEmailMismatch):
		return "email_mismatch"
	case errors.Is(err, hierarchy.ErrAlreadyMember):
		return "already_member"
	default:
		return "error"
	}
}

func normalizeEmails(emails []string) []string {
	out := make([]string, 0, len(emails))
	seen := make(map[string]bool, len(emails))
	for _, e := range emails {
		e = validation.NormalizeEmail(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
