package repo

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ogimage/internal/domain"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type stubExecutor struct {
	row      stubRow
	tag      pgconn.CommandTag
	err      error
	lastArgs []any
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.lastArgs = args
	return s.tag, s.err
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	s.lastArgs = args
	return s.row
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestAccountGetByID(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	exec := &stubExecutor{row: stubRow{scan: func(dest ...any) error {
		*dest[0].(*string) = "acct-1"
		*dest[1].(*string) = "a@example.com"
		*dest[2].(*string) = "PRO"
		*dest[3].(*time.Time) = created
		return nil
	}}}
	acct, err := NewAccountRepository(exec).GetByID(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, acct.Plan)
	assert.Equal(t, created, acct.CreatedAt)
}

func TestAccountGetByIDNotFound(t *testing.T) {
	_, err := NewAccountRepository(&stubExecutor{}).GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountSetPlanNoRows(t *testing.T) {
	exec := &stubExecutor{tag: pgconn.NewCommandTag("UPDATE 0")}
	err := NewAccountRepository(exec).SetPlan(context.Background(), "acct-1", domain.PlanPro)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	exec = &stubExecutor{tag: pgconn.NewCommandTag("UPDATE 1")}
	require.NoError(t, NewAccountRepository(exec).SetPlan(context.Background(), "acct-1", domain.PlanPro))
	assert.Equal(t, "pro", exec.lastArgs[1])
}

func TestTemplateGetDecodesDefaults(t *testing.T) {
	exec := &stubExecutor{row: stubRow{scan: func(dest ...any) error {
		*dest[0].(*string) = "launch-post-01"
		*dest[1].(*string) = "acct-1"
		*dest[2].(*string) = "Launch"
		*dest[3].(*string) = "blog"
		*dest[4].(*[]byte) = []byte(`{"author":"Jane","theme":"dark"}`)
		return nil
	}}}
	tpl, err := NewTemplateRepository(exec).Get(context.Background(), "launch-post-01")
	require.NoError(t, err)
	assert.Equal(t, "blog", tpl.Base)
	assert.Equal(t, map[string]string{"author": "Jane", "theme": "dark"}, tpl.Defaults)
}

func TestTemplateGetNotFound(t *testing.T) {
	_, err := NewTemplateRepository(&stubExecutor{}).Get(context.Background(), "missing-template")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTemplatePutRejectsForeignOwner(t *testing.T) {
	exec := &stubExecutor{tag: pgconn.NewCommandTag("INSERT 0 0")}
	err := NewTemplateRepository(exec).Put(context.Background(), &domain.StoredTemplate{ID: "launch-post-01", OwnerAccountID: "acct-2", Base: "blog"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestTemplatePutEncodesDefaults(t *testing.T) {
	exec := &stubExecutor{tag: pgconn.NewCommandTag("INSERT 0 1")}
	err := NewTemplateRepository(exec).Put(context.Background(), &domain.StoredTemplate{
		ID: "launch-post-01", OwnerAccountID: "acct-1", Base: "blog", Defaults: map[string]string{"author": "Jane"},
	})
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(exec.lastArgs[4].([]byte), &decoded))
	assert.Equal(t, "Jane", decoded["author"])
}

func TestUsageInsertArgs(t *testing.T) {
	exec := &stubExecutor{}
	err := NewUsageRepository(exec).Insert(context.Background(), domain.UsageEvent{
		RequestID: "req-1", AccountID: "acct-1", CredentialID: "key-1", Template: "blog", Format: "png",
		Latency: 1500 * time.Millisecond, QuotaCount: 3, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, exec.lastArgs, 11)
	assert.Equal(t, 1500, exec.lastArgs[7])
	assert.Equal(t, int64(3), exec.lastArgs[8])
}

func TestAccountCreateDefaults(t *testing.T) {
	exec := &stubExecutor{tag: pgconn.NewCommandTag("INSERT 0 1")}
	acct := &domain.Account{Email: "new@example.com"}
	require.NoError(t, NewAccountRepository(exec).Create(context.Background(), acct))
	assert.NotEmpty(t, acct.ID)
	assert.Equal(t, []any{acct.ID, "new@example.com", "free"}, exec.lastArgs)

	assert.Error(t, NewAccountRepository(exec).Create(context.Background(), &domain.Account{}))
}
