// Package budget tracks per-principal spend against daily and monthly caps.
// The ledger is append-only; aggregates are derived by range queries, cached
// briefly, and invalidated on write. Store failures fail closed: a budget
// check that cannot read the ledger denies the request.
package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Period identifies a budget accounting window.
type Period string

// Accounting periods.
const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// LedgerEntry is one append-only spend record.
type LedgerEntry struct {
	Timestamp     time.Time       `json:"timestamp" db:"ts"`
	PrincipalID   string          `json:"principal_id" db:"principal_id"`
	ResourceID    string          `json:"resource_id" db:"resource_id"`
	Provider      string          `json:"provider" db:"provider"`
	Model         string          `json:"model,omitempty" db:"model"`
	EstimatedCost decimal.Decimal `json:"estimated_cost" db:"estimated_cost"`
	ActualCost    decimal.Decimal `json:"actual_cost" db:"actual_cost"`
	Currency      string          `json:"currency" db:"currency"`
	Metadata      map[string]any  `json:"metadata,omitempty" db:"-"`
}

// EffectiveCost returns the actual cost when recorded, else the estimate.
func (e LedgerEntry) EffectiveCost() decimal.Decimal {
	if !e.ActualCost.IsZero() {
		return e.ActualCost
	}
	return e.EstimatedCost
}

// Aggregate summarizes a principal's spend over a period.
type Aggregate struct {
	Spent      decimal.Decimal            `json:"spent"`
	ByProvider map[string]decimal.Decimal `json:"by_provider"`
	ByModel    map[string]decimal.Decimal `json:"by_model"`
	Count      int                        `json:"count"`
}

// Caps holds the spend limits for one principal. Zero-valued caps are
// treated as unlimited. Device overrides take precedence when present.
type Caps struct {
	DailyCap   decimal.Decimal `json:"daily_cap"`
	MonthlyCap decimal.Decimal `json:"monthly_cap"`
}

// LedgerStore persists ledger entries and answers range queries.
type LedgerStore interface {
	// Append writes one entry. Entries are never updated or deleted.
	Append(ctx context.Context, entry LedgerEntry) error
	// EntriesSince returns a principal's entries with Timestamp >= since.
	EntriesSince(ctx context.Context, principalID string, since time.Time) ([]LedgerEntry, error)
}

// CheckResult is the outcome of a budget check.
type CheckResult struct {
	Allowed bool
	// Reason names the exceeded period on denial, or the failure mode.
	Reason string
	// Period is the exceeded period, when the denial is a cap breach.
	Period Period
}
