package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ogimage/internal/domain"
	"ogimage/internal/infra"
	"ogimage/internal/sqlinline"
)

// TemplateRepositoryPG implements domain.TemplateRepository backed by PostgreSQL.
type TemplateRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewTemplateRepository creates a new TemplateRepositoryPG.
func NewTemplateRepository(sql infra.SQLExecutor) *TemplateRepositoryPG {
	return &TemplateRepositoryPG{sql: sql}
}

// Get fetches a stored template by identifier.
func (r *TemplateRepositoryPG) Get(ctx context.Context, id string) (*domain.StoredTemplate, error) {
	tpl, err := scanTemplate(r.sql.QueryRow(ctx, sqlinline.QSelectTemplateByID, id))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return tpl, nil
}

// ListByOwner returns every template owned by an account, most recently updated first.
func (r *TemplateRepositoryPG) ListByOwner(ctx context.Context, ownerAccountID string) ([]domain.StoredTemplate, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectTemplatesByOwner, ownerAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StoredTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tpl)
	}
	return out, rows.Err()
}

// Put inserts or updates a template. Updates only apply when the owner matches.
func (r *TemplateRepositoryPG) Put(ctx context.Context, tpl *domain.StoredTemplate) error {
	if tpl == nil {
		return fmt.Errorf("template is required")
	}
	defaults := tpl.Defaults
	if defaults == nil {
		defaults = map[string]string{}
	}
	raw, err := json.Marshal(defaults)
	if err != nil {
		return err
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QUpsertTemplate, tpl.ID, tpl.OwnerAccountID, tpl.Name, tpl.Base, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrForbidden
	}
	return nil
}

func scanTemplate(row pgx.Row) (*domain.StoredTemplate, error) {
	var (
		tpl      domain.StoredTemplate
		defaults []byte
	)
	if err := row.Scan(&tpl.ID, &tpl.OwnerAccountID, &tpl.Name, &tpl.Base, &defaults, &tpl.CreatedAt, &tpl.UpdatedAt); err != nil {
		return nil, err
	}
	tpl.Defaults = map[string]string{}
	if len(defaults) > 0 {
		if err := json.Unmarshal(defaults, &tpl.Defaults); err != nil {
			return nil, fmt.Errorf("decode template defaults: %w", err)
		}
	}
	return &tpl, nil
}

var _ domain.TemplateRepository = (*TemplateRepositoryPG)(nil)
