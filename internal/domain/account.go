package domain

import (
	"strings"
	"time"
)

// Plan enumerates billing tiers.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Monthly request limits per tier.
const (
	FreeMonthlyLimit       = 1
	ProMonthlyLimit        = 10000
	EnterpriseMonthlyLimit = 100000
)

// Account is the owner of credentials, stored templates and usage.
type Account struct {
	ID        string
	Email     string
	Plan      Plan
	CreatedAt time.Time
}

// ParsePlan normalizes a stored or user-supplied plan name. Unknown values
// resolve to the free tier.
func ParsePlan(v string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(v))) {
	case PlanPro:
		return PlanPro
	case PlanEnterprise:
		return PlanEnterprise
	default:
		return PlanFree
	}
}

// IsPaid reports whether usage beyond the monthly limit is billed as overage
// instead of rejected.
func (p Plan) IsPaid() bool {
	return p == PlanPro || p == PlanEnterprise
}

// MonthlyLimit returns the number of requests included in the plan each month.
func (p Plan) MonthlyLimit() int64 {
	switch p {
	case PlanPro:
		return ProMonthlyLimit
	case PlanEnterprise:
		return EnterpriseMonthlyLimit
	default:
		return FreeMonthlyLimit
	}
}
