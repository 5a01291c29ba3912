package domain

import "time"

// UsageEvent records one charged image request.
type UsageEvent struct {
	RequestID    string
	AccountID    string
	CredentialID string
	Template     string
	Format       string
	Fallback     bool
	Country      string
	Latency      time.Duration
	QuotaCount   int64
	Overage      bool
	CreatedAt    time.Time
}
