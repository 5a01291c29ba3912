package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ogimage/internal/domain"
)

func TestSessionSignerRoundTrip(t *testing.T) {
	signer := NewSessionSigner("test-secret")
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return base }

	token, err := signer.Mint("acct-1", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	cred, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if cred.Kind != domain.CredentialSession || cred.AccountID != "acct-1" || cred.ID == "" {
		t.Fatalf("unexpected credential %+v", cred)
	}

	signer.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := signer.Verify(token); err == nil {
		t.Fatal("expired token must not verify")
	}
}

func TestSessionSignerRejectsForeignSecret(t *testing.T) {
	token, err := NewSessionSigner("one").Mint("acct-1", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := NewSessionSigner("two").Verify(token); err == nil {
		t.Fatal("token signed with another secret must not verify")
	}
}

func TestSessionMiddleware(t *testing.T) {
	signer := NewSessionSigner("test-secret")
	token, err := signer.Mint("acct-9", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	var got domain.Credential
	h := Session(signer, "og_session")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = SessionFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/og", nil)
	req.AddCookie(&http.Cookie{Name: "og_session", Value: token})
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got.AccountID != "acct-9" {
		t.Fatalf("expected session for acct-9, got %+v", got)
	}

	got = domain.Credential{}
	req = httptest.NewRequest(http.MethodGet, "/og", nil)
	req.AddCookie(&http.Cookie{Name: "og_session", Value: "garbage"})
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got.Authenticated() {
		t.Fatalf("invalid cookie should leave request anonymous, got %+v", got)
	}
}
