// Package quota authenticates image requests and meters them against the
// caller's monthly plan allowance.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ogimage/internal/domain"
)

const (
	monthLayout = "2006-01"
	dayLayout   = "2006-01-02"

	// Counters outlive their period a little so late readers still see them.
	quotaRetention   = 7 * 24 * time.Hour
	overageRetention = 90 * 24 * time.Hour
)

// KeyVerifier checks an API key secret.
type KeyVerifier interface {
	VerifyAPIKey(ctx context.Context, secret string) (domain.Credential, error)
}

// AuthInput is what the gate needs to know about an incoming request.
type AuthInput struct {
	Authorization string
	Session       domain.Credential
	ByIdentifier  bool
}

// Caller is an authenticated (or, where policy allows, anonymous) requester.
type Caller struct {
	Credential   domain.Credential
	Plan         domain.Plan
	PlanResolved bool
}

// Metered reports whether requests from this caller count against a quota.
func (c Caller) Metered() bool {
	return c.Credential.Kind == domain.CredentialAPIKey && c.Credential.ID != ""
}

// Charge describes one accepted increment.
type Charge struct {
	Metered    bool
	Count      int64
	Limit      int64
	Overage    bool
	AccountID  string
	Day        string
	FailedOpen bool
}

// Gate applies the authentication policy and the monthly quota.
type Gate struct {
	keys        KeyVerifier
	accounts    domain.AccountRepository
	quota       domain.CounterStore
	overage     domain.CounterStore
	requireAuth bool
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger used for fail-open warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func NewGate(keys KeyVerifier, accounts domain.AccountRepository, quota, overage domain.CounterStore, requireAuth bool, opts ...Option) *Gate {
	g := &Gate{
		keys:        keys,
		accounts:    accounts,
		quota:       quota,
		overage:     overage,
		requireAuth: requireAuth,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequireAuth reports the deployment's authentication policy.
func (g *Gate) RequireAuth() bool {
	return g.requireAuth
}

// Authenticate identifies the caller. A session is enough for previewing a
// stored template; everything else needs an API key when auth is required.
// A presented key that fails verification is rejected even when auth is
// optional.
func (g *Gate) Authenticate(ctx context.Context, in AuthInput) (Caller, error) {
	if in.ByIdentifier && in.Session.Authenticated() {
		return Caller{Credential: in.Session}, nil
	}

	secret, err := bearerToken(in.Authorization)
	if err != nil {
		return Caller{}, err
	}
	if secret == "" {
		if g.requireAuth {
			return Caller{}, domain.Unauthorized("missing API key")
		}
		return Caller{Plan: domain.PlanFree}, nil
	}

	cred, err := g.keys.VerifyAPIKey(ctx, secret)
	if err != nil {
		return Caller{}, err
	}
	caller := Caller{Credential: cred, Plan: domain.PlanFree}

	acct, err := g.accounts.GetByID(ctx, cred.AccountID)
	switch {
	case err == nil:
		caller.Plan = acct.Plan
		caller.PlanResolved = true
	case errors.Is(err, domain.ErrNotFound):
		caller.PlanResolved = true
	default:
		g.logger.Warn().Err(err).Str("account_id", cred.AccountID).Msg("plan lookup failed, quota will fail open")
	}
	return caller, nil
}

// Charge counts one request for the caller. Free-tier callers over their
// limit are rejected; paid callers over their limit are flagged for overage.
// The increment is never rolled back, and counter store failures allow the
// request.
func (g *Gate) Charge(ctx context.Context, caller Caller) (Charge, error) {
	if !caller.Metered() {
		return Charge{}, nil
	}
	now := g.now().UTC()
	ch := Charge{
		Metered:   true,
		Limit:     caller.Plan.MonthlyLimit(),
		AccountID: caller.Credential.AccountID,
		Day:       now.Format(dayLayout),
	}

	count, err := g.quota.Increment(ctx, QuotaKey(caller.Credential.ID, now), untilNextMonth(now)+quotaRetention)
	if err != nil {
		g.logger.Warn().Err(err).Str("credential_id", caller.Credential.ID).Msg("quota increment failed, allowing request")
		ch.FailedOpen = true
		return ch, nil
	}
	ch.Count = count

	if count <= ch.Limit {
		return ch, nil
	}
	if !caller.PlanResolved {
		ch.FailedOpen = true
		return ch, nil
	}
	if !caller.Plan.IsPaid() {
		return ch, domain.QuotaExceeded("monthly quota exceeded", RetryAfter(now))
	}
	ch.Overage = true
	return ch, nil
}

// RecordOverage increments the account's overage counter for the charge's
// day. It is meant to run after the response has been written.
func (g *Gate) RecordOverage(ctx context.Context, ch Charge) error {
	if !ch.Overage {
		return nil
	}
	if _, err := g.overage.Increment(ctx, OverageKey(ch.AccountID, ch.Day), overageRetention); err != nil {
		return fmt.Errorf("record overage: %w", err)
	}
	return nil
}

// QuotaKey is the counter key for a credential's calendar month (UTC).
func QuotaKey(credentialID string, at time.Time) string {
	return "quota:" + credentialID + ":" + at.UTC().Format(monthLayout)
}

// OverageKey is the counter key for an account's UTC day.
func OverageKey(accountID, day string) string {
	return "overage:" + accountID + ":" + day
}

// RetryAfter is the time left until the next UTC month starts, rounded up to
// whole seconds.
func RetryAfter(now time.Time) time.Duration {
	d := untilNextMonth(now)
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

func untilNextMonth(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", domain.Unauthorized("authorization header must be a Bearer API key")
	}
	return strings.TrimSpace(token), nil
}
