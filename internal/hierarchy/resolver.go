package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mbd888/distrokit/internal/entitlement"
	"github.com/mbd888/distrokit/internal/idgen"
	"github.com/mbd888/distrokit/internal/validation"
)

// PlanSource supplies the entitlement plan of a billing account.
type PlanSource interface {
	CurrentPeriod() string
	Plan(ctx context.Context, tenantID, periodKey string) (*entitlement.Plan, error)
}

const (
	brandingCacheSize = 4096
	brandingCacheTTL  = 5 * time.Minute
)

// Resolver answers plan, branding and permission questions about the graph
// and applies the admin and membership writes that change it.
type Resolver struct {
	store    Store
	plans    PlanSource
	branding *lru.LRU[string, ResolvedBranding]
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver creates a resolver over store. plans may be nil, in which case
// resolutions carry no plan.
func NewResolver(store Store, plans PlanSource) *Resolver {
	return &Resolver{
		store:    store,
		plans:    plans,
		branding: lru.NewLRU[string, ResolvedBranding](brandingCacheSize, nil, brandingCacheTTL),
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithLogger sets the resolver's logger.
func (r *Resolver) WithLogger(logger *slog.Logger) *Resolver {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Resolve returns the account's effective plan, branding and memberships.
func (r *Resolver) Resolve(ctx context.Context, accountID string) (*Resolution, error) {
	plan, err := r.EffectivePlan(ctx, accountID)
	if err != nil {
		return nil, err
	}
	branding, err := r.EffectiveBranding(ctx, accountID)
	if err != nil {
		return nil, err
	}
	memberships, err := r.store.ListMemberships(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	return &Resolution{
		AccountID:        accountID,
		BillingAccountID: plan.BillingAccountID,
		Plan:             plan,
		Branding:         *branding,
		Memberships:      memberships,
	}, nil
}

// BillingAccountID returns the account that is billed for accountID: its
// parent when it has one, else itself. Only one level is followed.
func (r *Resolver) BillingAccountID(ctx context.Context, accountID string) (string, error) {
	a, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if a.ParentAccountID != "" {
		return a.ParentAccountID, nil
	}
	return a.ID, nil
}

// EffectivePlan returns the current-period plan of the billing account. A
// subaccount gets its parent's plan whether or not it has one of its own.
func (r *Resolver) EffectivePlan(ctx context.Context, accountID string) (*EffectivePlan, error) {
	billingID, err := r.BillingAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	ep := &EffectivePlan{
		BillingAccountID: billingID,
		Inherited:        billingID != accountID,
	}
	if r.plans == nil {
		return ep, nil
	}
	plan, err := r.plans.Plan(ctx, billingID, r.plans.CurrentPeriod())
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	ep.Plan = plan
	return ep, nil
}

// EffectiveBranding applies the first match of: the active label's dropdown
// banner, the account's subdistributor, the parent's subdistributor, the
// active label's subdistributor, the default. Fields are never merged across
// levels.
func (r *Resolver) EffectiveBranding(ctx context.Context, accountID string) (*ResolvedBranding, error) {
	if cached, ok := r.branding.Get(accountID); ok {
		return &cached, nil
	}

	a, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	resolved, err := r.resolveBranding(ctx, a)
	if err != nil {
		return nil, err
	}
	r.branding.Add(accountID, *resolved)
	return resolved, nil
}

func (r *Resolver) resolveBranding(ctx context.Context, a *AccountNode) (*ResolvedBranding, error) {
	var label *Label
	if a.ActiveLabelID != "" {
		l, err := r.store.GetLabel(ctx, a.ActiveLabelID)
		switch {
		case err == nil:
			label = l
		case errors.Is(err, ErrLabelNotFound):
			r.logger.Warn("active label missing", "account_id", a.ID, "label_id", a.ActiveLabelID)
		default:
			return nil, err
		}
	}

	if label != nil && label.DropdownBanner != nil {
		return &ResolvedBranding{Source: SourceLabelBanner, LabelID: label.ID, Branding: *label.DropdownBanner}, nil
	}

	if a.SubdistributorID != "" {
		if b, ok, err := r.subdistributorBranding(ctx, a.SubdistributorID); err != nil || ok {
			return withSource(b, SourceSubdistributor, a.SubdistributorID), err
		}
	}

	if a.ParentAccountID != "" {
		parent, err := r.store.GetAccount(ctx, a.ParentAccountID)
		if err != nil && !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		if parent != nil && parent.SubdistributorID != "" {
			if b, ok, err := r.subdistributorBranding(ctx, parent.SubdistributorID); err != nil || ok {
				return withSource(b, SourceParentSubdistributor, parent.SubdistributorID), err
			}
		}
	}

	if label != nil && label.SubdistributorID != "" {
		if b, ok, err := r.subdistributorBranding(ctx, label.SubdistributorID); err != nil || ok {
			res := withSource(b, SourceLabelSubdistributor, label.SubdistributorID)
			if res != nil {
				res.LabelID = label.ID
			}
			return res, err
		}
	}

	return &ResolvedBranding{Source: SourceDefault, Branding: DefaultBranding}, nil
}

func (r *Resolver) subdistributorBranding(ctx context.Context, id string) (Branding, bool, error) {
	s, err := r.store.GetSubdistributor(ctx, id)
	if errors.Is(err, ErrSubdistributorNotFound) {
		return Branding{}, false, nil
	}
	if err != nil {
		return Branding{}, false, err
	}
	return s.Branding, true, nil
}

func withSource(b Branding, source BrandingSource, subdistributorID string) *ResolvedBranding {
	return &ResolvedBranding{Source: source, SubdistributorID: subdistributorID, Branding: b}
}

// EffectivePermissions returns what accountID may do on labelID. Owners
// hold every permission, members their explicit grants, and accounts without
// a membership nothing.
func (r *Resolver) EffectivePermissions(ctx context.Context, accountID, labelID string) (PermissionSet, error) {
	m, err := r.store.GetMembership(ctx, accountID, labelID)
	if errors.Is(err, ErrMembershipNotFound) {
		return PermissionSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	if m.Role == RoleOwner {
		return NewPermissionSet(AllPermissions...), nil
	}
	return NewPermissionSet(m.Permissions...), nil
}

// HasPermission is EffectivePermissions(...).Has(p).
func (r *Resolver) HasPermission(ctx context.Context, accountID, labelID string, p Permission) (bool, error) {
	perms, err := r.EffectivePermissions(ctx, accountID, labelID)
	if err != nil {
		return false, err
	}
	return perms.Has(p), nil
}

// SetParent makes childID a subaccount of parentID, or a root again when
// parentID is "". The parent must be a root and the child must have no
// subaccounts, so chains never exceed one level.
func (r *Resolver) SetParent(ctx context.Context, childID, parentID string) error {
	if childID == parentID {
		return ErrSelfParent
	}
	if _, err := r.store.GetAccount(ctx, childID); err != nil {
		return err
	}
	if parentID != "" {
		parent, err := r.store.GetAccount(ctx, parentID)
		if err != nil {
			return err
		}
		if !parent.IsRoot() {
			return ErrParentNotRoot
		}
		n, err := r.store.CountChildren(ctx, childID)
		if err != nil {
			return fmt.Errorf("failed to count subaccounts: %w", err)
		}
		if n > 0 {
			return ErrHasSubaccounts
		}
	}

	if err := r.store.SetParent(ctx, childID, parentID, r.now()); err != nil {
		return err
	}
	r.branding.Purge()
	r.logger.Info("account parent changed", "account_id", childID, "parent_account_id", parentID)
	return nil
}

// CreateAccountRequest registers a tenant.
type CreateAccountRequest struct {
	Email              string `json:"email"`
	BillingCustomerRef string `json:"billingCustomerRef,omitempty"`
	ParentAccountID    string `json:"parentAccountId,omitempty"`
}

// CreateAccount registers an account and, if requested, attaches it to a
// root parent.
func (r *Resolver) CreateAccount(ctx context.Context, req CreateAccountRequest) (*AccountNode, error) {
	email := validation.NormalizeEmail(req.Email)
	if !validation.IsValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	if req.ParentAccountID != "" {
		parent, err := r.store.GetAccount(ctx, req.ParentAccountID)
		if err != nil {
			return nil, err
		}
		if !parent.IsRoot() {
			return nil, ErrParentNotRoot
		}
	}

	now := r.now()
	a := &AccountNode{
		ID:                 idgen.WithPrefix("acct_"),
		Email:              email,
		BillingCustomerRef: req.BillingCustomerRef,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	if req.ParentAccountID != "" {
		if err := r.store.SetParent(ctx, a.ID, req.ParentAccountID, now); err != nil {
			return nil, err
		}
		a.ParentAccountID = req.ParentAccountID
	}
	r.logger.Info("account created", "account_id", a.ID, "parent_account_id", a.ParentAccountID)
	return a, nil
}

// GetAccount returns an account by id.
func (r *Resolver) GetAccount(ctx context.Context, id string) (*AccountNode, error) {
	return r.store.GetAccount(ctx, id)
}

// AccountByEmail returns the account registered with email.
func (r *Resolver) AccountByEmail(ctx context.Context, email string) (*AccountNode, error) {
	return r.store.GetAccountByEmail(ctx, validation.NormalizeEmail(email))
}

// SetBillingCustomer binds the account to a billing customer ("" unbinds).
func (r *Resolver) SetBillingCustomer(ctx context.Context, accountID, customerRef string) error {
	return r.store.SetCustomerRef(ctx, accountID, strings.TrimSpace(customerRef), r.now())
}

// SetActiveLabel switches the label context the account works in. The
// account must be a member.
func (r *Resolver) SetActiveLabel(ctx context.Context, accountID, labelID string) error {
	if labelID != "" {
		if _, err := r.store.GetMembership(ctx, accountID, labelID); err != nil {
			if errors.Is(err, ErrMembershipNotFound) {
				return ErrNotMember
			}
			return err
		}
	}
	if err := r.store.SetActiveLabel(ctx, accountID, labelID, r.now()); err != nil {
		return err
	}
	r.branding.Remove(accountID)
	return nil
}

// AssignSubdistributor places the account under a subdistributor's branding.
func (r *Resolver) AssignSubdistributor(ctx context.Context, accountID, subdistributorID string) error {
	if subdistributorID != "" {
		if _, err := r.store.GetSubdistributor(ctx, subdistributorID); err != nil {
			return err
		}
	}
	if err := r.store.SetSubdistributor(ctx, accountID, subdistributorID, r.now()); err != nil {
		return err
	}
	// Subaccounts inherit the parent's subdistributor, so drop everything.
	r.branding.Purge()
	return nil
}

// CreateLabelRequest registers a label owned by an existing account.
type CreateLabelRequest struct {
	Name             string    `json:"name"`
	OwnerAccountID   string    `json:"ownerAccountId"`
	SubdistributorID string    `json:"subdistributorId,omitempty"`
	DropdownBanner   *Branding `json:"dropdownBanner,omitempty"`
}

// CreateLabel creates the label and its owner membership. The owner's active
// label is set when it has none.
func (r *Resolver) CreateLabel(ctx context.Context, req CreateLabelRequest) (*Label, error) {
	owner, err := r.store.GetAccount(ctx, req.OwnerAccountID)
	if err != nil {
		return nil, err
	}
	if req.SubdistributorID != "" {
		if _, err := r.store.GetSubdistributor(ctx, req.SubdistributorID); err != nil {
			return nil, err
		}
	}

	now := r.now()
	l := &Label{
		ID:               idgen.WithPrefix("lbl_"),
		Name:             validation.SanitizeString(req.Name, 200),
		OwnerAccountID:   owner.ID,
		SubdistributorID: req.SubdistributorID,
		DropdownBanner:   req.DropdownBanner,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateLabel(ctx, l); err != nil {
		return nil, err
	}
	if err := r.store.AddMembership(ctx, &Membership{
		AccountID: owner.ID, LabelID: l.ID, Role: RoleOwner, Permissions: []Permission{}, CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to add owner membership: %w", err)
	}
	if owner.ActiveLabelID == "" {
		if err := r.store.SetActiveLabel(ctx, owner.ID, l.ID, now); err != nil {
			return nil, err
		}
		r.branding.Remove(owner.ID)
	}
	return l, nil
}

// GetLabel returns a label by id.
func (r *Resolver) GetLabel(ctx context.Context, id string) (*Label, error) {
	return r.store.GetLabel(ctx, id)
}

// SetLabelBanner sets or, with nil, clears the label's dropdown banner.
func (r *Resolver) SetLabelBanner(ctx context.Context, labelID string, banner *Branding) (*Label, error) {
	l, err := r.store.GetLabel(ctx, labelID)
	if err != nil {
		return nil, err
	}
	l.DropdownBanner = banner
	l.UpdatedAt = r.now()
	if err := r.store.UpdateLabel(ctx, l); err != nil {
		return nil, err
	}
	r.branding.Purge()
	return l, nil
}

// CreateSubdistributorRequest registers a branding owner.
type CreateSubdistributorRequest struct {
	Name           string   `json:"name"`
	OwnerAccountID string   `json:"ownerAccountId"`
	Branding       Branding `json:"branding"`
}

// CreateSubdistributor creates the subdistributor and places its owner
// under it.
func (r *Resolver) CreateSubdistributor(ctx context.Context, req CreateSubdistributorRequest) (*Subdistributor, error) {
	owner, err := r.store.GetAccount(ctx, req.OwnerAccountID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	s := &Subdistributor{
		ID:             idgen.WithPrefix("sd_"),
		Name:           validation.SanitizeString(req.Name, 200),
		OwnerAccountID: owner.ID,
		Branding:       req.Branding,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateSubdistributor(ctx, s); err != nil {
		return nil, err
	}
	if err := r.store.SetSubdistributor(ctx, owner.ID, s.ID, now); err != nil {
		return nil, err
	}
	r.branding.Purge()
	return s, nil
}

// UpdateSubdistributorBranding replaces the subdistributor's branding.
func (r *Resolver) UpdateSubdistributorBranding(ctx context.Context, id string, b Branding) (*Subdistributor, error) {
	s, err := r.store.GetSubdistributor(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Branding = b
	s.UpdatedAt = r.now()
	if err := r.store.UpdateSubdistributor(ctx, s); err != nil {
		return nil, err
	}
	r.branding.Purge()
	return s, nil
}

// AddMembership creates the (account, label) edge. A second insert for the
// same pair fails with ErrAlreadyMember.
func (r *Resolver) AddMembership(ctx context.Context, accountID, labelID string, role Role, perms []Permission) (*Membership, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if err := ValidatePermissions(perms); err != nil {
		return nil, err
	}
	if _, err := r.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if _, err := r.store.GetLabel(ctx, labelID); err != nil {
		return nil, err
	}
	m := &Membership{
		AccountID:   accountID,
		LabelID:     labelID,
		Role:        role,
		Permissions: append([]Permission{}, perms...),
		CreatedAt:   r.now(),
	}
	if err := r.store.AddMembership(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// IsMember reports whether a membership exists for the pair.
func (r *Resolver) IsMember(ctx context.Context, accountID, labelID string) (bool, error) {
	_, err := r.store.GetMembership(ctx, accountID, labelID)
	if errors.Is(err, ErrMembershipNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RemoveMembership deletes the edge. An account removed from its active
// label falls back to no active label.
func (r *Resolver) RemoveMembership(ctx context.Context, accountID, labelID string) error {
	if err := r.store.RemoveMembership(ctx, accountID, labelID); err != nil {
		return err
	}
	a, err := r.store.GetAccount(ctx, accountID)
	if err == nil && a.ActiveLabelID == labelID {
		if err := r.store.SetActiveLabel(ctx, accountID, "", r.now()); err != nil {
			r.logger.Warn("failed to clear active label", "account_id", accountID, "error", err)
		}
	}
	r.branding.Remove(accountID)
	return nil
}

// UpdateRole changes a membership's role and explicit grants.
func (r *Resolver) UpdateRole(ctx context.Context, accountID, labelID string, role Role, perms []Permission) (*Membership, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if err := ValidatePermissions(perms); err != nil {
		return nil, err
	}
	m, err := r.store.GetMembership(ctx, accountID, labelID)
	if err != nil {
		return nil, err
	}
	m.Role = role
	m.Permissions = append([]Permission{}, perms...)
	if err := r.store.UpdateMembership(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ChangeMember is UpdateRole on behalf of actorID. The label owner's own
// membership is fixed, only the label owner may grant or revoke the owner
// role, and the new grants must be ones the actor holds.
func (r *Resolver) ChangeMember(ctx context.Context, actorID, accountID, labelID string, role Role, perms []Permission) (*Membership, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if err := ValidatePermissions(perms); err != nil {
		return nil, err
	}
	label, err := r.store.GetLabel(ctx, labelID)
	if err != nil {
		return nil, err
	}
	if accountID == label.OwnerAccountID {
		return nil, ErrLabelOwnerProtected
	}
	current, err := r.store.GetMembership(ctx, accountID, labelID)
	if err != nil {
		return nil, err
	}
	if (role == RoleOwner || current.Role == RoleOwner) && actorID != label.OwnerAccountID {
		return nil, ErrOwnerOnly
	}
	held, err := r.EffectivePermissions(ctx, actorID, labelID)
	if err != nil {
		return nil, err
	}
	if missing := held.Missing(perms); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrPermissionEscalation, missing)
	}
	return r.UpdateRole(ctx, accountID, labelID, role, perms)
}

// RemoveMember is RemoveMembership on behalf of actorID. The label owner
// cannot be removed, and other owners can only leave on their own or be
// removed by the label owner.
func (r *Resolver) RemoveMember(ctx context.Context, actorID, accountID, labelID string) error {
	label, err := r.store.GetLabel(ctx, labelID)
	if err != nil {
		return err
	}
	if accountID == label.OwnerAccountID {
		return ErrLabelOwnerProtected
	}
	m, err := r.store.GetMembership(ctx, accountID, labelID)
	if err != nil {
		return err
	}
	if m.Role == RoleOwner && actorID != accountID && actorID != label.OwnerAccountID {
		return ErrOwnerOnly
	}
	return r.RemoveMembership(ctx, accountID, labelID)
}

// ListLabelMembers returns the label's memberships.
func (r *Resolver) ListLabelMembers(ctx context.Context, labelID string) ([]Membership, error) {
	return r.store.ListLabelMembers(ctx, labelID)
}
