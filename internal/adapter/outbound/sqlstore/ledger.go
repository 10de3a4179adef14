package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/sark-gateway/sark/internal/domain/budget"
)

// LedgerStore persists the append-only budget ledger.
type LedgerStore struct {
	db *sqlx.DB
}

// NewLedgerStore wraps an opened database.
func NewLedgerStore(db *sqlx.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// ledgerRow is the database image of one entry. Costs are stored as
// decimal strings to avoid float drift.
type ledgerRow struct {
	TS            time.Time `db:"ts"`
	PrincipalID   string    `db:"principal_id"`
	ResourceID    string    `db:"resource_id"`
	Provider      string    `db:"provider"`
	Model         string    `db:"model"`
	EstimatedCost string    `db:"estimated_cost"`
	ActualCost    string    `db:"actual_cost"`
	Currency      string    `db:"currency"`
	Metadata      string    `db:"metadata"`
}

// Append implements budget.LedgerStore.
func (s *LedgerStore) Append(ctx context.Context, e budget.LedgerEntry) error {
	meta := "{}"
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal ledger metadata: %w", err)
		}
		meta = string(data)
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO budget_ledger
			(ts, principal_id, resource_id, provider, model,
			 estimated_cost, actual_cost, currency, metadata)
		VALUES
			(:ts, :principal_id, :resource_id, :provider, :model,
			 :estimated_cost, :actual_cost, :currency, :metadata)`,
		ledgerRow{
			TS:            e.Timestamp.UTC(),
			PrincipalID:   e.PrincipalID,
			ResourceID:    e.ResourceID,
			Provider:      e.Provider,
			Model:         e.Model,
			EstimatedCost: e.EstimatedCost.String(),
			ActualCost:    e.ActualCost.String(),
			Currency:      e.Currency,
			Metadata:      meta,
		})
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// EntriesSince implements budget.LedgerStore.
func (s *LedgerStore) EntriesSince(ctx context.Context, principalID string, since time.Time) ([]budget.LedgerEntry, error) {
	var rows []ledgerRow
	query := s.db.Rebind(`
		SELECT ts, principal_id, resource_id, provider, model,
		       estimated_cost, actual_cost, currency, metadata
		FROM budget_ledger
		WHERE principal_id = ? AND ts >= ?
		ORDER BY ts`)
	err := s.db.SelectContext(ctx, &rows, query, principalID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}

	out := make([]budget.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		est, err := decimal.NewFromString(r.EstimatedCost)
		if err != nil {
			return nil, fmt.Errorf("parse estimated cost %q: %w", r.EstimatedCost, err)
		}
		act, err := decimal.NewFromString(r.ActualCost)
		if err != nil {
			return nil, fmt.Errorf("parse actual cost %q: %w", r.ActualCost, err)
		}
		entry := budget.LedgerEntry{
			Timestamp:     r.TS,
			PrincipalID:   r.PrincipalID,
			ResourceID:    r.ResourceID,
			Provider:      r.Provider,
			Model:         r.Model,
			EstimatedCost: est,
			ActualCost:    act,
			Currency:      r.Currency,
		}
		if r.Metadata != "" && r.Metadata != "{}" {
			if err := json.Unmarshal([]byte(r.Metadata), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("parse ledger metadata: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

var _ budget.LedgerStore = (*LedgerStore)(nil)
