package hierarchy

import (
	"context"
	"time"
)

// Store persists the account graph.
type Store interface {
	CreateAccount(ctx context.Context, a *AccountNode) error
	GetAccount(ctx context.Context, id string) (*AccountNode, error)
	GetAccountByEmail(ctx context.Context, email string) (*AccountNode, error)
	GetAccountByCustomerRef(ctx context.Context, customerRef string) (*AccountNode, error)
	ListBilledAccounts(ctx context.Context) ([]string, error)
	CountChildren(ctx context.Context, parentID string) (int, error)

	// SetParent sets or, with parentID "", clears the account's parent. It
	// applies only if the parent is still a root and the child still has no
	// subaccounts, else it returns ErrHierarchyConflict.
	SetParent(ctx context.Context, childID, parentID string, now time.Time) error
	SetActiveLabel(ctx context.Context, accountID, labelID string, now time.Time) error
	SetSubdistributor(ctx context.Context, accountID, subdistributorID string, now time.Time) error
	SetCustomerRef(ctx context.Context, accountID, customerRef string, now time.Time) error

	CreateLabel(ctx context.Context, l *Label) error
	GetLabel(ctx context.Context, id string) (*Label, error)
	UpdateLabel(ctx context.Context, l *Label) error

	CreateSubdistributor(ctx context.Context, s *Subdistributor) error
	GetSubdistributor(ctx context.Context, id string) (*Subdistributor, error)
	UpdateSubdistributor(ctx context.Context, s *Subdistributor) error

	// AddMembership inserts the edge; ErrAlreadyMember if it exists.
	AddMembership(ctx context.Context, m *Membership) error
	GetMembership(ctx context.Context, accountID, labelID string) (*Membership, error)
	ListMemberships(ctx context.Context, accountID string) ([]Membership, error)
	ListLabelMembers(ctx context.Context, labelID string) ([]Membership, error)
	UpdateMembership(ctx context.Context, m *Membership) error
	RemoveMembership(ctx context.Context, accountID, labelID string) error
}
