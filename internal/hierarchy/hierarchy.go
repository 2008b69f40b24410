// Package hierarchy owns the account graph: parent and subaccount edges,
// labels, label memberships and subdistributor branding. It resolves an
// account into the plan it is billed under, the branding it sees and the
// permissions it holds on a label.
package hierarchy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/distrokit/internal/entitlement"
)

var (
	ErrAccountNotFound        = errors.New("hierarchy: account not found")
	ErrLabelNotFound          = errors.New("hierarchy: label not found")
	ErrSubdistributorNotFound = errors.New("hierarchy: subdistributor not found")
	ErrMembershipNotFound     = errors.New("hierarchy: membership not found")
	ErrAlreadyMember          = errors.New("hierarchy: account is already a member of this label")
	ErrEmailTaken             = errors.New("hierarchy: email already registered")
	ErrInvalidEmail           = errors.New("hierarchy: invalid email address")
	ErrCustomerRefTaken       = errors.New("hierarchy: billing customer already bound to another account")
	ErrSelfParent             = errors.New("hierarchy: an account cannot be its own parent")
	ErrParentNotRoot          = errors.New("hierarchy: parent must be a root account")
	ErrHasSubaccounts         = errors.New("hierarchy: an account with subaccounts cannot become a subaccount")
	ErrHierarchyConflict      = errors.New("hierarchy: account graph changed concurrently")
	ErrInvalidRole            = errors.New("hierarchy: role must be owner or member")
	ErrInvalidPermission      = errors.New("hierarchy: unknown permission")
	ErrNotMember              = errors.New("hierarchy: account is not a member of this label")
	ErrOwnerOnly              = errors.New("hierarchy: only the label owner can grant, change or remove the owner role")
	ErrPermissionEscalation   = errors.New("hierarchy: cannot grant permissions the caller does not hold")
	ErrLabelOwnerProtected    = errors.New("hierarchy: the label owner's membership cannot be changed or removed")
)

// Role is an account's role on a label.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleMember
}

// Permission is one capability on a label.
type Permission string

const (
	PermReleasesView    Permission = "releases.view"
	PermReleasesCreate  Permission = "releases.create"
	PermReleasesSubmit  Permission = "releases.submit"
	PermAnalyticsView   Permission = "analytics.view"
	PermRoyaltiesView   Permission = "royalties.view"
	PermMembersInvite   Permission = "members.invite"
	PermMembersManage   Permission = "members.manage"
	PermBrandingEdit    Permission = "branding.edit"
	PermBillingManage   Permission = "billing.manage"
	PermSupportTickets  Permission = "support.tickets"
	PermCatalogTakedown Permission = "catalog.takedown"
)

// AllPermissions is every permission, which label owners hold implicitly.
var AllPermissions = []Permission{
	PermReleasesView, PermReleasesCreate, PermReleasesSubmit,
	PermAnalyticsView, PermRoyaltiesView,
	PermMembersInvite, PermMembersManage,
	PermBrandingEdit, PermBillingManage,
	PermSupportTickets, PermCatalogTakedown,
}

var knownPermissions = func() map[Permission]bool {
	m := make(map[Permission]bool, len(AllPermissions))
	for _, p := range AllPermissions {
		m[p] = true
	}
	return m
}()

// ValidatePermissions rejects unknown permission names.
func ValidatePermissions(perms []Permission) error {
	for _, p := range perms {
		if !knownPermissions[p] {
			return fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
	}
	return nil
}

// PermissionSet is an unordered set of permissions. The zero value is empty.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Missing returns the entries of perms that are not in the set.
func (s PermissionSet) Missing(perms []Permission) []Permission {
	var out []Permission
	for _, p := range perms {
		if !s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Sorted returns the permissions in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// Branding is what a tenant's UI is themed with.
type Branding struct {
	DisplayName    string `json:"displayName,omitempty"`
	LogoURL        string `json:"logoUrl,omitempty"`
	PrimaryColor   string `json:"primaryColor,omitempty"`
	SecondaryColor string `json:"secondaryColor,omitempty"`
	BannerText     string `json:"bannerText,omitempty"`
	SupportEmail   string `json:"supportEmail,omitempty"`
}

// DefaultBranding is shown when no override applies.
var DefaultBranding = Branding{
	DisplayName:    "distrokit",
	PrimaryColor:   "#1f2937",
	SecondaryColor: "#f59e0b",
}

// BrandingSource says which level of the graph branding came from.
type BrandingSource string

const (
	SourceLabelBanner          BrandingSource = "label_banner"
	SourceSubdistributor       BrandingSource = "subdistributor"
	SourceParentSubdistributor BrandingSource = "parent_subdistributor"
	SourceLabelSubdistributor  BrandingSource = "label_subdistributor"
	SourceDefault              BrandingSource = "default"
)

// ResolvedBranding is the effective branding and its origin.
type ResolvedBranding struct {
	Source           BrandingSource `json:"source"`
	SubdistributorID string         `json:"subdistributorId,omitempty"`
	LabelID          string         `json:"labelId,omitempty"`
	Branding         Branding       `json:"branding"`
}

// AccountNode is one tenant identity.
type AccountNode struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	ParentAccountID    string    `json:"parentAccountId,omitempty"`
	ActiveLabelID      string    `json:"activeLabelId,omitempty"`
	SubdistributorID   string    `json:"subdistributorId,omitempty"`
	BillingCustomerRef string    `json:"billingCustomerRef,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// IsRoot reports whether the account has no parent.
func (a *AccountNode) IsRoot() bool {
	return a.ParentAccountID == ""
}

// Label is a record label that accounts are members of.
type Label struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	OwnerAccountID   string    `json:"ownerAccountId"`
	SubdistributorID string    `json:"subdistributorId,omitempty"`
	DropdownBanner   *Branding `json:"dropdownBanner,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Subdistributor owns branding applied to itself and the accounts beneath it.
type Subdistributor struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OwnerAccountID string    `json:"ownerAccountId"`
	Branding       Branding  `json:"branding"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Membership is the (account, label) edge.
type Membership struct {
	AccountID   string       `json:"accountId"`
	LabelID     string       `json:"labelId"`
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// EffectivePlan is the plan an account operates under.
type EffectivePlan struct {
	BillingAccountID string            `json:"billingAccountId"`
	Inherited        bool              `json:"inherited"`
	Plan             *entitlement.Plan `json:"plan"`
}

// Resolution is everything Resolve computes for an account.
type Resolution struct {
	AccountID        string           `json:"accountId"`
	BillingAccountID string           `json:"billingAccountId"`
	Plan             *EffectivePlan   `json:"plan"`
	Branding         ResolvedBranding `json:"branding"`
	Memberships      []Membership     `json:"memberships"`
}
