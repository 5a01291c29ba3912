package credentials

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ogimage/internal/domain"
)

type stubExecutor struct {
	key  *domain.APIKey
	err  error
	exec struct {
		query string
		args  []any
	}
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.exec.query = query
	s.exec.args = args
	return pgconn.CommandTag{}, s.err
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return stubRow{key: s.key, err: s.err}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type stubRow struct {
	key *domain.APIKey
	err error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.key == nil {
		return pgx.ErrNoRows
	}
	if len(dest) != 5 {
		return errors.New("unexpected dest count")
	}
	*dest[0].(*string) = r.key.ID
	*dest[1].(*string) = r.key.AccountID
	*dest[2].(*string) = r.key.Name
	*dest[3].(*string) = r.key.KeyHash
	*dest[4].(*bool) = r.key.Active
	return nil
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, KeyPrefix))
	assert.NotEqual(t, a, b)
	assert.Len(t, HashAPIKey(a), 64)
}

func TestHashAPIKeyTrimsWhitespace(t *testing.T) {
	assert.Equal(t, HashAPIKey("og_abc"), HashAPIKey("  og_abc \n"))
}

func TestVerifyAPIKey(t *testing.T) {
	secret := "og_test_secret"
	exec := &stubExecutor{key: &domain.APIKey{ID: "key-1", AccountID: "acct-1", KeyHash: HashAPIKey(secret), Active: true}}
	verifier := NewVerifier(NewStore(exec))

	cred, err := verifier.VerifyAPIKey(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, domain.CredentialAPIKey, cred.Kind)
	assert.Equal(t, "key-1", cred.ID)
	assert.Equal(t, "acct-1", cred.AccountID)
}

func TestVerifyAPIKeyRejections(t *testing.T) {
	secret := "og_test_secret"
	tests := []struct {
		name   string
		exec   *stubExecutor
		secret string
		status int
	}{
		{name: "empty secret", exec: &stubExecutor{}, secret: " ", status: 401},
		{name: "unknown key", exec: &stubExecutor{}, secret: secret, status: 401},
		{name: "inactive key", exec: &stubExecutor{key: &domain.APIKey{ID: "k", AccountID: "a", KeyHash: HashAPIKey(secret)}}, secret: secret, status: 401},
		{name: "store failure", exec: &stubExecutor{err: errors.New("connection refused")}, secret: secret, status: 500},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewVerifier(NewStore(tc.exec)).VerifyAPIKey(context.Background(), tc.secret)
			require.Error(t, err)
			assert.Equal(t, tc.status, domain.StatusCode(err))
		})
	}
}

func TestCreateAssignsID(t *testing.T) {
	exec := &stubExecutor{}
	store := NewStore(exec)
	key := &domain.APIKey{AccountID: "acct-1", Name: "ci", KeyHash: "hash", Active: true}
	require.NoError(t, store.Create(context.Background(), key))
	assert.NotEmpty(t, key.ID)
	require.Len(t, exec.exec.args, 5)
	assert.Equal(t, "hash", exec.exec.args[3])
}

func TestCreateRequiresAccount(t *testing.T) {
	store := NewStore(&stubExecutor{})
	assert.Error(t, store.Create(context.Background(), &domain.APIKey{}))
}

func TestTouchLastUsedUsesUTC(t *testing.T) {
	exec := &stubExecutor{}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	require.NoError(t, NewStore(exec).TouchLastUsed(context.Background(), "key-1", at))
	require.Len(t, exec.exec.args, 2)
	assert.Equal(t, time.UTC, exec.exec.args[1].(time.Time).Location())
}
