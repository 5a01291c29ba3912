package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"ogimage/internal/domain"
)

const (
	sessionIssuer   = "ogimage"
	sessionAudience = "ogimage-dashboard"
)

type sessionKey struct{}

// SessionSigner mints and verifies HS256 session tokens.
type SessionSigner struct {
	secret []byte
	now    func() time.Time
}

func NewSessionSigner(secret string) *SessionSigner {
	return &SessionSigner{secret: []byte(secret), now: time.Now}
}

// Mint issues a token for accountID valid for ttl.
func (s *SessionSigner) Mint(accountID string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("session: signing secret is empty")
	}
	if strings.TrimSpace(accountID) == "" {
		return "", errors.New("session: account id is required")
	}
	now := s.now()
	token := jwt.New()
	for key, value := range map[string]any{
		jwt.IssuerKey:     sessionIssuer,
		jwt.AudienceKey:   sessionAudience,
		jwt.SubjectKey:    accountID,
		jwt.JwtIDKey:      uuid.NewString(),
		jwt.IssuedAtKey:   now,
		jwt.ExpirationKey: now.Add(ttl),
	} {
		if err := token.Set(key, value); err != nil {
			return "", fmt.Errorf("session: set %s: %w", key, err)
		}
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("session: sign: %w", err)
	}
	return string(signed), nil
}

// Verify checks the signature, issuer, audience and expiry of raw.
func (s *SessionSigner) Verify(raw string) (domain.Credential, error) {
	if len(s.secret) == 0 {
		return domain.Credential{}, errors.New("session: signing secret is empty")
	}
	token, err := jwt.Parse(
		[]byte(raw),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithAudience(sessionAudience),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("session: %w", err)
	}
	if token.Subject() == "" {
		return domain.Credential{}, errors.New("session: token has no subject")
	}
	return domain.Credential{
		Kind:      domain.CredentialSession,
		ID:        token.JwtID(),
		AccountID: token.Subject(),
		Active:    true,
	}, nil
}

// Session attaches the credential from a valid session cookie to the request
// context. Missing or invalid cookies leave the request anonymous; whether
// that is acceptable is decided downstream.
func Session(signer *SessionSigner, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if signer == nil || len(signer.secret) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			cookie, err := r.Cookie(cookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			cred, err := signer.Verify(cookie.Value)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), cred)))
		})
	}
}

// SessionFromContext returns the verified session, or the zero credential.
func SessionFromContext(ctx context.Context) domain.Credential {
	if v, ok := ctx.Value(sessionKey{}).(domain.Credential); ok {
		return v
	}
	return domain.Credential{}
}

func ContextWithSession(ctx context.Context, cred domain.Credential) context.Context {
	if !cred.Authenticated() {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, cred)
}
