// Package invitation implements label invitations. An invitation moves
// from pending to exactly one of accepted, declined or expired; acceptance
// creates the invitee's label membership.
//
// Flow:
//  1. A member holding members.invite creates an invitation for an email,
//     granting at most the permissions it holds itself. Owner and tier
//     invitations come from the label owner only.
//  2. The invitee accepts: the invitation is claimed with a conditional
//     pending -> accepted transition, then the membership is inserted.
//  3. Subdistributor-scope invitations also place the invitee under the
//     label's subdistributor; owner invitations carrying a tier attach a
//     plan through the billing reconciler.
package invitation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/distrokit/internal/hierarchy"
)

var (
	ErrInvitationNotFound   = errors.New("invitation: not found")
	ErrNotPending           = errors.New("invitation: not pending")
	ErrExpired              = errors.New("invitation: expired")
	ErrEmailMismatch        = errors.New("invitation: account email does not match the invitation")
	ErrForbidden            = errors.New("invitation: inviter lacks members.invite on this label")
	ErrInvalidScope         = errors.New("invitation: scope must be label, subdistributor or partner_tier")
	ErrTierRequired         = errors.New("invitation: partner_tier invitations need an owner role and a tier")
	ErrInvalidTier          = errors.New("invitation: tier is below the minimum allowance")
	ErrNoSubdistributor     = errors.New("invitation: label has no subdistributor")
	ErrInvalidEmail         = errors.New("invitation: invalid email address")
	ErrOwnerOnly            = errors.New("invitation: only the label owner can invite owners or attach a tier")
	ErrPermissionEscalation = errors.New("invitation: cannot grant permissions the inviter does not hold")
)

// Status is the invitation lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
)

// ScopeType says what accepting grants besides the membership.
type ScopeType string

const (
	ScopeLabel          ScopeType = "label"
	ScopeSubdistributor ScopeType = "subdistributor"
	ScopePartnerTier    ScopeType = "partner_tier"
)

// Valid reports whether s is a known scope.
func (s ScopeType) Valid() bool {
	switch s {
	case ScopeLabel, ScopeSubdistributor, ScopePartnerTier:
		return true
	}
	return false
}

// DefaultTTL is how long an invitation stays acceptable.
const DefaultTTL = 7 * 24 * time.Hour

// TierGrant is the plan attached when an owner invitation is accepted.
type TierGrant struct {
	TracksAllowed    int    `json:"tracksAllowed"`
	PaymentMethodRef string `json:"paymentMethodRef,omitempty"`
}

// Invitation is an offer of label membership to an email address.
type Invitation struct {
	ID               string                 `json:"id"`
	InviterAccountID string                 `json:"inviterAccountId"`
	LabelID          string                 `json:"labelId"`
	TargetEmail      string                 `json:"targetEmail"`
	AdditionalEmails []string               `json:"additionalEmails,omitempty"`
	ScopeType        ScopeType              `json:"scopeType"`
	Role             hierarchy.Role         `json:"role"`
	Permissions      []hierarchy.Permission `json:"permissions"`
	Tier             *TierGrant             `json:"tier,omitempty"`
	Status           Status                 `json:"status"`
	AcceptedBy       string                 `json:"acceptedBy,omitempty"`
	ExpiresAt        time.Time              `json:"expiresAt"`
	RespondedAt      *time.Time             `json:"respondedAt,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
}

// IsExpired reports whether a pending invitation is past its expiry. The
// stored status may still say pending.
func (i *Invitation) IsExpired(now time.Time) bool {
	return i.Status == StatusExpired || (i.Status == StatusPending && !now.Before(i.ExpiresAt))
}

// MatchesEmail reports whether email is the target or one of the
// additional addresses. Comparison is case-insensitive.
func (i *Invitation) MatchesEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	if strings.EqualFold(i.TargetEmail, email) {
		return true
	}
	for _, e := range i.AdditionalEmails {
		if strings.EqualFold(e, email) {
			return true
		}
	}
	return false
}

func (i *Invitation) clone() *Invitation {
	cp := *i
	cp.AdditionalEmails = append([]string(nil), i.AdditionalEmails...)
	cp.Permissions = append([]hierarchy.Permission(nil), i.Permissions...)
	if i.Tier != nil {
		t := *i.Tier
		cp.Tier = &t
	}
	if i.RespondedAt != nil {
		at := *i.RespondedAt
		cp.RespondedAt = &at
	}
	return &cp
}

// view returns a copy with the lazily computed expired status applied.
func (i *Invitation) view(now time.Time) *Invitation {
	cp := i.clone()
	if cp.Status == StatusPending && cp.IsExpired(now) {
		cp.Status = StatusExpired
	}
	return cp
}

// Store persists invitations.
type Store interface {
	Create(ctx context.Context, inv *Invitation) error
	Get(ctx context.Context, id string) (*Invitation, error)
	// Transition moves the invitation from one status to another only if it
	// is currently in from. It fails with ErrNotPending otherwise. by and at
	// set AcceptedBy and RespondedAt; empty values clear them.
	Transition(ctx context.Context, id string, from, to Status, by string, at time.Time) error
	// ListPendingByEmail returns stored-pending invitations addressed to
	// email as target or additional address.
	ListPendingByEmail(ctx context.Context, email string) ([]*Invitation, error)
}

// Graph is the slice of the account graph the state machine needs.
type Graph interface {
	GetAccount(ctx context.Context, id string) (*hierarchy.AccountNode, error)
	GetLabel(ctx context.Context, id string) (*hierarchy.Label, error)
	EffectivePermissions(ctx context.Context, accountID, labelID string) (hierarchy.PermissionSet, error)
	IsMember(ctx context.Context, accountID, labelID string) (bool, error)
	AddMembership(ctx context.Context, accountID, labelID string, role hierarchy.Role, perms []hierarchy.Permission) (*hierarchy.Membership, error)
	AssignSubdistributor(ctx context.Context, accountID, subdistributorID string) error
}

// PlanAttacher gives a newly accepted owner the invitation's tier.
type PlanAttacher interface {
	AttachPlan(ctx context.Context, tenantID string, tier TierGrant) error
}

// PlanAttacherFunc adapts a function to PlanAttacher.
type PlanAttacherFunc func(ctx context.Context, tenantID string, tier TierGrant) error

// AttachPlan calls f.
func (f PlanAttacherFunc) AttachPlan(ctx context.Context, tenantID string, tier TierGrant) error {
	return f(ctx, tenantID, tier)
}

// AcceptedEvent describes an accepted invitation.
type AcceptedEvent struct {
	InvitationID     string         `json:"invitationId"`
	LabelID          string         `json:"labelId"`
	AccountID        string         `json:"accountId"`
	InviterAccountID string         `json:"inviterAccountId"`
	Role             hierarchy.Role `json:"role"`
	ScopeType        ScopeType      `json:"scopeType"`
	PlanAttached     bool           `json:"planAttached"`
	At               time.Time      `json:"at"`
}

// Notifier receives acceptance events. Implementations must not block.
type Notifier interface {
	InvitationAccepted(ctx context.Context, event AcceptedEvent)
}

// CreateRequest holds the parameters for a new invitation.
type CreateRequest struct {
	InviterAccountID string                 `json:"-"`
	LabelID          string                 `json:"labelId"`
	TargetEmail      string                 `json:"targetEmail"`
	AdditionalEmails []string               `json:"additionalEmails,omitempty"`
	ScopeType        ScopeType              `json:"scopeType,omitempty"`
	Role             hierarchy.Role         `json:"role,omitempty"`
	Permissions      []hierarchy.Permission `json:"permissions,omitempty"`
	Tier             *TierGrant             `json:"tier,omitempty"`
}

// AcceptResult is the outcome of a successful accept.
type AcceptResult struct {
	Invitation       *Invitation           `json:"invitation"`
	Membership       *hierarchy.Membership `json:"membership"`
	SubdistributorID string                `json:"subdistributorId,omitempty"`
	PlanAttached     bool                  `json:"planAttached"`
	PlanError        string                `json:"planError,omitempty"`
}
