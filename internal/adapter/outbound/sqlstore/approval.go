package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sark-gateway/sark/internal/domain/approval"
	"github.com/sark-gateway/sark/internal/domain/authz"
)

// ApprovalStore persists approval requests.
type ApprovalStore struct {
	db *sqlx.DB
}

// NewApprovalStore wraps an opened database.
func NewApprovalStore(db *sqlx.DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

type approvalRow struct {
	ID            string     `db:"id"`
	RequesterID   string     `db:"requester_id"`
	ToolID        string     `db:"tool_id"`
	Justification string     `db:"justification"`
	DurationNS    int64      `db:"duration_ns"`
	Status        string     `db:"status"`
	CreatedAt     time.Time  `db:"created_at"`
	GrantedAt     *time.Time `db:"granted_at"`
	ExpiresAt     *time.Time `db:"expires_at"`
	ReviewerID    string     `db:"reviewer_id"`
	ReviewerNotes string     `db:"reviewer_notes"`
	Used          bool       `db:"used"`
}

func toApprovalRow(r *approval.Request) approvalRow {
	row := approvalRow{
		ID:            r.ID,
		RequesterID:   r.RequesterID,
		ToolID:        r.ToolID,
		Justification: r.Justification,
		DurationNS:    int64(r.Duration),
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt.UTC(),
		ReviewerID:    r.ReviewerID,
		ReviewerNotes: r.ReviewerNotes,
		Used:          r.Used,
	}
	if !r.GrantedAt.IsZero() {
		t := r.GrantedAt.UTC()
		row.GrantedAt = &t
	}
	if !r.ExpiresAt.IsZero() {
		t := r.ExpiresAt.UTC()
		row.ExpiresAt = &t
	}
	return row
}

func (r approvalRow) toRequest() approval.Request {
	out := approval.Request{
		ID:            r.ID,
		RequesterID:   r.RequesterID,
		ToolID:        r.ToolID,
		Justification: r.Justification,
		Duration:      time.Duration(r.DurationNS),
		Status:        approval.State(r.Status),
		CreatedAt:     r.CreatedAt,
		ReviewerID:    r.ReviewerID,
		ReviewerNotes: r.ReviewerNotes,
		Used:          r.Used,
	}
	if r.GrantedAt != nil {
		out.GrantedAt = *r.GrantedAt
	}
	if r.ExpiresAt != nil {
		out.ExpiresAt = *r.ExpiresAt
	}
	return out
}

// Create implements approval.Store.
func (s *ApprovalStore) Create(ctx context.Context, r *approval.Request) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO approvals
			(id, requester_id, tool_id, justification, duration_ns, status,
			 created_at, granted_at, expires_at, reviewer_id, reviewer_notes, used)
		VALUES
			(:id, :requester_id, :tool_id, :justification, :duration_ns, :status,
			 :created_at, :granted_at, :expires_at, :reviewer_id, :reviewer_notes, :used)`,
		toApprovalRow(r))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// Get implements approval.Store.
func (s *ApprovalStore) Get(ctx context.Context, id string) (*approval.Request, error) {
	var row approvalRow
	query := s.db.Rebind(`SELECT * FROM approvals WHERE id = ?`)
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.NewError(authz.KindNotFound, fmt.Sprintf("approval %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query approval: %w", err)
	}
	out := row.toRequest()
	return &out, nil
}

// Update implements approval.Store.
func (s *ApprovalStore) Update(ctx context.Context, r *approval.Request) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE approvals SET
			status = :status, granted_at = :granted_at, expires_at = :expires_at,
			reviewer_id = :reviewer_id, reviewer_notes = :reviewer_notes, used = :used
		WHERE id = :id`, toApprovalRow(r))
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return authz.NewError(authz.KindNotFound, fmt.Sprintf("approval %s not found", r.ID))
	}
	return nil
}

// ListByStatus implements approval.Store.
func (s *ApprovalStore) ListByStatus(ctx context.Context, status approval.State) ([]approval.Request, error) {
	var rows []approvalRow
	query := s.db.Rebind(`SELECT * FROM approvals WHERE status = ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &rows, query, string(status)); err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	out := make([]approval.Request, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRequest())
	}
	return out, nil
}

var _ approval.Store = (*ApprovalStore)(nil)
