package domain

import "time"

// StoredTemplate is a caller-owned template: a built-in base layout plus
// default parameter values that requests may override.
type StoredTemplate struct {
	ID             string
	OwnerAccountID string
	Name           string
	Base           string
	Defaults       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
