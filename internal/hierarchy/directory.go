package hierarchy

import (
	"context"
	"errors"
)

// CustomerRef returns the account's billing customer, or "" when the
// account has none or does not exist.
func (r *Resolver) CustomerRef(ctx context.Context, tenantID string) (string, error) {
	a, err := r.store.GetAccount(ctx, tenantID)
	if errors.Is(err, ErrAccountNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return a.BillingCustomerRef, nil
}

// TenantByCustomer returns the account bound to customerRef, or "".
func (r *Resolver) TenantByCustomer(ctx context.Context, customerRef string) (string, error) {
	if customerRef == "" {
		return "", nil
	}
	a, err := r.store.GetAccountByCustomerRef(ctx, customerRef)
	if errors.Is(err, ErrAccountNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// TenantsWithCustomer lists every account bound to a billing customer.
func (r *Resolver) TenantsWithCustomer(ctx context.Context) ([]string, error) {
	return r.store.ListBilledAccounts(ctx)
}

// CanView reports whether caller may read accountID's resolution: itself or
// its parent.
func (r *Resolver) CanView(ctx context.Context, callerID, accountID string) (bool, error) {
	if callerID == "" {
		return false, nil
	}
	if callerID == accountID {
		return true, nil
	}
	a, err := r.store.GetAccount(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.ParentAccountID == callerID, nil
}

// CanManageBilling reports whether caller may change tenantID's
// subscription. Only a root account's own keys may; subaccounts are never
// billed independently.
func (r *Resolver) CanManageBilling(ctx context.Context, callerID, tenantID string) (bool, error) {
	if callerID == "" || callerID != tenantID {
		return false, nil
	}
	a, err := r.store.GetAccount(ctx, tenantID)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.IsRoot(), nil
}

// CanUseAllowance reports whether caller may consume tenantID's allowance:
// the billing account itself or one of its subaccounts.
func (r *Resolver) CanUseAllowance(ctx context.Context, callerID, tenantID string) (bool, error) {
	if callerID == "" {
		return false, nil
	}
	billingID, err := r.BillingAccountID(ctx, callerID)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return billingID == tenantID, nil
}
