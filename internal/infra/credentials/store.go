package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ogimage/internal/domain"
	"ogimage/internal/infra"
	"ogimage/internal/sqlinline"
)

// KeyPrefix marks secrets issued by this service so they are recognizable in
// logs and secret scanners.
const KeyPrefix = "og_"

// Store persists API keys in Postgres. Secrets are never stored, only their
// SHA-256 hash.
type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// HashAPIKey returns the lookup hash for a secret.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

// GenerateSecret returns a new random API key secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("credentials: generate secret: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

func (s *Store) FindByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectAPIKeyByHash, keyHash)
	var key domain.APIKey
	if err := row.Scan(&key.ID, &key.AccountID, &key.Name, &key.KeyHash, &key.Active); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

func (s *Store) Create(ctx context.Context, key *domain.APIKey) error {
	if key == nil {
		return errors.New("credentials: key is required")
	}
	if strings.TrimSpace(key.AccountID) == "" {
		return errors.New("credentials: account id is required")
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	_, err := s.sql.Exec(ctx, sqlinline.QInsertAPIKey, key.ID, key.AccountID, key.Name, key.KeyHash, key.Active)
	return err
}

func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.sql.Exec(ctx, sqlinline.QTouchAPIKey, id, at.UTC())
	return err
}

var _ domain.APIKeyRepository = (*Store)(nil)

// Verifier checks presented API key secrets against a repository.
type Verifier struct {
	repo domain.APIKeyRepository
}

func NewVerifier(repo domain.APIKeyRepository) *Verifier {
	return &Verifier{repo: repo}
}

// VerifyAPIKey resolves a secret to its credential. Unknown, inactive and
// malformed keys yield domain.ErrUnauthorized; repository faults are returned
// as internal errors.
func (v *Verifier) VerifyAPIKey(ctx context.Context, secret string) (domain.Credential, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return domain.Credential{}, domain.Unauthorized("missing api key")
	}
	hash := HashAPIKey(secret)
	key, err := v.repo.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Credential{}, domain.Unauthorized("invalid api key")
		}
		return domain.Credential{}, domain.Internal("failed to verify api key", err)
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 || !key.Active {
		return domain.Credential{}, domain.Unauthorized("invalid api key")
	}
	return domain.Credential{
		Kind:      domain.CredentialAPIKey,
		ID:        key.ID,
		AccountID: key.AccountID,
		Active:    key.Active,
	}, nil
}
