package repo

import (
	"context"

	"ogimage/internal/domain"
	"ogimage/internal/infra"
	"ogimage/internal/sqlinline"
)

// UsageRepositoryPG implements domain.UsageRepository backed by PostgreSQL.
type UsageRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewUsageRepository creates a new UsageRepositoryPG.
func NewUsageRepository(sql infra.SQLExecutor) *UsageRepositoryPG {
	return &UsageRepositoryPG{sql: sql}
}

// Insert appends one usage event.
func (r *UsageRepositoryPG) Insert(ctx context.Context, e domain.UsageEvent) error {
	_, err := r.sql.Exec(ctx, sqlinline.QInsertUsageEvent,
		e.RequestID,
		e.AccountID,
		e.CredentialID,
		e.Template,
		e.Format,
		e.Fallback,
		e.Country,
		int(e.Latency.Milliseconds()),
		e.QuotaCount,
		e.Overage,
		e.CreatedAt.UTC(),
	)
	return err
}

var _ domain.UsageRepository = (*UsageRepositoryPG)(nil)
