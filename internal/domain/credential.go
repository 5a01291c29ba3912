package domain

// CredentialKind distinguishes how a caller proved its identity.
type CredentialKind string

const (
	CredentialNone    CredentialKind = ""
	CredentialAPIKey  CredentialKind = "api_key"
	CredentialSession CredentialKind = "session"
)

// Credential is a verified caller identity. For API keys ID is the server-side
// key identifier (never the secret); for sessions it is the token subject.
type Credential struct {
	Kind      CredentialKind
	ID        string
	AccountID string
	Active    bool
}

// Authenticated reports whether the credential identifies an account.
func (c Credential) Authenticated() bool {
	return c.Kind != CredentialNone && c.AccountID != ""
}

// APIKey is the stored form of an API credential. Only the hash of the secret
// is persisted.
type APIKey struct {
	ID        string
	AccountID string
	Name      string
	KeyHash   string
	Active    bool
}
