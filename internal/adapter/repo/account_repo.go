package repo

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"ogimage/internal/domain"
	"ogimage/internal/infra"
	"ogimage/internal/sqlinline"
)

// AccountRepositoryPG implements domain.AccountRepository backed by PostgreSQL.
type AccountRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewAccountRepository creates a new AccountRepositoryPG.
func NewAccountRepository(sql infra.SQLExecutor) *AccountRepositoryPG {
	return &AccountRepositoryPG{sql: sql}
}

// GetByID fetches an account by UUID.
func (r *AccountRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectAccountByID, id)
	var (
		acct domain.Account
		plan string
	)
	if err := row.Scan(&acct.ID, &acct.Email, &plan, &acct.CreatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	acct.Plan = domain.ParsePlan(plan)
	return &acct, nil
}

// Create inserts a new account. A missing ID is generated.
func (r *AccountRepositoryPG) Create(ctx context.Context, acct *domain.Account) error {
	if acct == nil || strings.TrimSpace(acct.Email) == "" {
		return errors.New("account email is required")
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.Plan == "" {
		acct.Plan = domain.PlanFree
	}
	_, err := r.sql.Exec(ctx, sqlinline.QInsertAccount, acct.ID, acct.Email, string(acct.Plan))
	return err
}

// SetPlan moves an account to another tier.
func (r *AccountRepositoryPG) SetPlan(ctx context.Context, id string, plan domain.Plan) error {
	tag, err := r.sql.Exec(ctx, sqlinline.QUpdateAccountPlan, id, string(plan))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.AccountRepository = (*AccountRepositoryPG)(nil)
