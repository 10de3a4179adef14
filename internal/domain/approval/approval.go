// Package approval implements the human approval workflow for invoking
// capabilities that require sign-off.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sark-gateway/sark/internal/ctxkey"
	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/authz"
)

// State is an approval request's lifecycle state.
type State string

// Approval states.
const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateDenied, StateExpired:
		return true
	}
	return false
}

// Verdict is a reviewer's decision.
type Verdict string

// Verdicts.
const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
)

// Request is one approval request. Approved requests expire at
// granted_at + requested duration.
type Request struct {
	ID            string        `json:"id" db:"id"`
	RequesterID   string        `json:"requester_id" db:"requester_id"`
	ToolID        string        `json:"tool_id" db:"tool_id"`
	Justification string        `json:"justification" db:"justification"`
	Duration      time.Duration `json:"duration" db:"duration"`
	Status        State         `json:"status" db:"status"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	GrantedAt     time.Time     `json:"granted_at,omitempty" db:"granted_at"`
	ExpiresAt     time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	ReviewerID    string        `json:"reviewer_id,omitempty" db:"reviewer_id"`
	ReviewerNotes string        `json:"reviewer_notes,omitempty" db:"reviewer_notes"`
	Used          bool          `json:"used" db:"used"`
}

// Store is the approval persistence port.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Update(ctx context.Context, r *Request) error
	ListByStatus(ctx context.Context, status State) ([]Request, error)
}

// Workflow owns approval requests and enforces the reviewer rules.
type Workflow struct {
	store   Store
	emitter audit.Emitter
	logger  *slog.Logger
	now     func() time.Time

	// maxDuration caps how long an approval may stay valid.
	maxDuration time.Duration
}

// Option configures the workflow.
type Option func(*Workflow)

// WithMaxDuration caps the requestable approval duration.
func WithMaxDuration(d time.Duration) Option {
	return func(w *Workflow) { w.maxDuration = d }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// NewWorkflow creates the approval workflow.
func NewWorkflow(store Store, emitter audit.Emitter, logger *slog.Logger, opts ...Option) *Workflow {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	w := &Workflow{
		store:       store,
		emitter:     emitter,
		logger:      logger,
		now:         time.Now,
		maxDuration: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RequestApproval files a pending request for the given tool.
func (w *Workflow) RequestApproval(ctx context.Context, requesterID, toolID, justification string, duration time.Duration) (*Request, error) {
	if requesterID == "" || toolID == "" {
		return nil, authz.NewError(authz.KindValidation, "requester and tool are required")
	}
	if justification == "" {
		return nil, authz.NewError(authz.KindValidation, "justification is required")
	}
	if duration <= 0 {
		return nil, authz.NewError(authz.KindValidation, "duration must be positive")
	}
	if duration > w.maxDuration {
		duration = w.maxDuration
	}

	r := &Request{
		ID:            uuid.NewString(),
		RequesterID:   requesterID,
		ToolID:        toolID,
		Justification: justification,
		Duration:      duration,
		Status:        StatePending,
		CreatedAt:     w.now().UTC(),
	}
	if err := w.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}

	ev := audit.NewEvent(audit.EventApprovalRequested, audit.SeverityMedium, requestIDFrom(ctx))
	ev.Details["approval_id"] = r.ID
	ev.Details["tool_id"] = toolID
	ev.Details["requester"] = requesterID
	w.emitter.Emit(ev)

	w.logger.Info("approval requested",
		"approval_id", r.ID, "tool_id", toolID, "requester", requesterID)
	return r, nil
}

// Decide records a reviewer verdict. The requester cannot decide their own
// request, and only pending requests can be decided.
func (w *Workflow) Decide(ctx context.Context, id, reviewerID string, verdict Verdict, notes string) (*Request, error) {
	if verdict != VerdictApprove && verdict != VerdictDeny {
		return nil, authz.NewError(authz.KindValidation, fmt.Sprintf("unknown verdict %q", verdict))
	}
	r, err := w.fresh(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatePending {
		return nil, authz.NewError(authz.KindConflict,
			fmt.Sprintf("approval %s is %s, not pending", id, r.Status))
	}
	if reviewerID == r.RequesterID {
		return nil, authz.NewError(authz.KindForbiddenPolicy, "requester cannot approve their own request")
	}

	now := w.now().UTC()
	r.ReviewerID = reviewerID
	r.ReviewerNotes = notes
	kind := audit.EventApprovalDenied
	if verdict == VerdictApprove {
		r.Status = StateApproved
		r.GrantedAt = now
		r.ExpiresAt = now.Add(r.Duration)
		kind = audit.EventApprovalGranted
	} else {
		r.Status = StateDenied
	}
	if err := w.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update approval request: %w", err)
	}

	ev := audit.NewEvent(kind, audit.SeverityMedium, requestIDFrom(ctx))
	ev.Details["approval_id"] = r.ID
	ev.Details["reviewer"] = reviewerID
	w.emitter.Emit(ev)

	w.logger.Info("approval decided",
		"approval_id", r.ID, "verdict", verdict, "reviewer", reviewerID)
	return r, nil
}

// ListPending returns pending requests, expiring stale ones first.
func (w *Workflow) ListPending(ctx context.Context) ([]Request, error) {
	pending, err := w.store.ListByStatus(ctx, StatePending)
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for i := range pending {
		r := pending[i]
		if w.expireIfStale(ctx, &r) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// List returns requests in the given state. Pending listings apply lazy
// expiry first.
func (w *Workflow) List(ctx context.Context, status State) ([]Request, error) {
	if !status.Valid() {
		return nil, authz.NewError(authz.KindValidation, fmt.Sprintf("unknown status %q", status))
	}
	if status == StatePending {
		return w.ListPending(ctx)
	}
	return w.store.ListByStatus(ctx, status)
}

// Use consumes an approval for an invocation. It is idempotent per id and
// succeeds only while the request is approved and unexpired.
func (w *Workflow) Use(ctx context.Context, id string) (bool, error) {
	r, err := w.fresh(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status != StateApproved {
		return false, nil
	}
	if r.Used {
		return true, nil
	}
	r.Used = true
	if err := w.store.Update(ctx, r); err != nil {
		return false, fmt.Errorf("mark approval used: %w", err)
	}
	return true, nil
}

// Get returns one request, applying lazy expiry.
func (w *Workflow) Get(ctx context.Context, id string) (*Request, error) {
	return w.fresh(ctx, id)
}

// fresh loads a request and applies expiry-on-observation.
func (w *Workflow) fresh(ctx context.Context, id string) (*Request, error) {
	r, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	w.expireIfStale(ctx, r)
	return r, nil
}

// expireIfStale transitions a stale request to expired and reports whether
// it did. Pending requests expire created_at + duration; approved ones at
// expires_at.
func (w *Workflow) expireIfStale(ctx context.Context, r *Request) bool {
	now := w.now().UTC()
	var deadline time.Time
	switch r.Status {
	case StatePending:
		deadline = r.CreatedAt.Add(r.Duration)
	case StateApproved:
		deadline = r.ExpiresAt
	default:
		return false
	}
	if now.Before(deadline) {
		return false
	}
	r.Status = StateExpired
	if err := w.store.Update(ctx, r); err != nil {
		w.logger.Warn("failed to persist approval expiry", "approval_id", r.ID, "error", err)
	}
	return true
}

// requestIDFrom extracts the correlation id, if any, from the context.
func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}
