package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ogimage/internal/domain"
)

func TestTemplatesPutEnforcesOwner(t *testing.T) {
	store := NewTemplates()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &domain.StoredTemplate{ID: "launch-post-01", OwnerAccountID: "acct-1", Base: "blog"}))
	err := store.Put(ctx, &domain.StoredTemplate{ID: "launch-post-01", OwnerAccountID: "acct-2", Base: "blog"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	list, err := store.ListByOwner(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAccountsSetPlan(t *testing.T) {
	accounts := NewAccounts(domain.Account{ID: "acct-1", Plan: domain.PlanFree})
	ctx := context.Background()
	require.NoError(t, accounts.SetPlan(ctx, "acct-1", domain.PlanPro))
	acct, err := accounts.GetByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, acct.Plan)
	assert.ErrorIs(t, accounts.SetPlan(ctx, "missing", domain.PlanPro), domain.ErrNotFound)
}

func TestAccountsCreate(t *testing.T) {
	accounts := NewAccounts()
	ctx := context.Background()
	acct := &domain.Account{Email: "dev@example.com"}
	require.NoError(t, accounts.Create(ctx, acct))
	assert.NotEmpty(t, acct.ID)

	got, err := accounts.GetByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanFree, got.Plan)
	assert.Error(t, accounts.Create(ctx, &domain.Account{ID: acct.ID}))
}
