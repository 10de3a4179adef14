package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sark-gateway/sark/internal/ctxkey"
	"github.com/sark-gateway/sark/internal/domain/audit"
	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/tool"
)

// requestIDFrom extracts the correlation id, if any, from the context.
func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// BulkMode selects the failure semantics of a bulk operation.
type BulkMode string

// Bulk modes.
const (
	// BulkBestEffort attempts every item independently.
	BulkBestEffort BulkMode = "best_effort"
	// BulkTransactional rolls the whole batch back on any failure.
	BulkTransactional BulkMode = "transactional"
)

// BulkFailure reports one failed item of a bulk operation.
type BulkFailure struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// BulkResult summarizes a bulk operation.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// StatusUpdate is one item of a bulk status change.
type StatusUpdate struct {
	ServerID string `json:"server_id"`
	Status   Status `json:"status"`
}

// Registry manages the server catalog on top of a Store. Every declared
// capability gets a sensitivity from the classifier at registration; the
// server inherits its highest capability sensitivity.
type Registry struct {
	store   Store
	emitter audit.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates a registry service.
func NewRegistry(store Store, emitter audit.Emitter, logger *slog.Logger) *Registry {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	return &Registry{store: store, emitter: emitter, logger: logger, now: time.Now}
}

// Register validates the spec, classifies its capabilities, and persists
// the server in status registered.
func (r *Registry) Register(ctx context.Context, spec Spec) (*Server, error) {
	return r.registerOn(ctx, r.store, spec)
}

func (r *Registry) registerOn(ctx context.Context, store Store, spec Spec) (*Server, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	srv := &Server{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Description: spec.Description,
		Transport:   spec.Transport,
		Endpoint:    spec.Endpoint,
		Sensitivity: authz.SensitivityLow,
		OwnerID:     spec.OwnerID,
		Teams:       spec.Teams,
		Tags:        spec.Tags,
		Status:      StatusRegistered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	caps := make([]Capability, 0, len(spec.Tools))
	for _, t := range spec.Tools {
		level := tool.Detect(t.Name, t.Description, t.InputSchema)
		if t.SensitivityHint.Valid() && t.SensitivityHint.Rank() > level.Rank() {
			level = t.SensitivityHint
		}
		if level.Rank() > srv.Sensitivity.Rank() {
			srv.Sensitivity = level
		}
		caps = append(caps, Capability{
			ID:               uuid.NewString(),
			ServerID:         srv.ID,
			Name:             t.Name,
			Description:      t.Description,
			InputSchema:      t.InputSchema,
			Sensitivity:      level,
			RequiresApproval: level == authz.SensitivityCritical,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	if err := store.CreateServer(ctx, srv); err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	for i := range caps {
		if err := store.CreateCapability(ctx, &caps[i]); err != nil {
			return nil, fmt.Errorf("create capability %s: %w", caps[i].Name, err)
		}
	}

	ev := audit.NewEvent(audit.EventServerRegistered, audit.SeverityLow, requestIDFrom(ctx))
	ev.ServerID = srv.ID
	ev.Details["name"] = srv.Name
	ev.Details["transport"] = string(srv.Transport)
	ev.Details["tools"] = len(caps)
	r.emitter.Emit(ev)

	r.logger.Info("server registered",
		"server_id", srv.ID, "name", srv.Name, "tools", len(caps),
		"sensitivity", srv.Sensitivity)
	return srv, nil
}

// Get returns one server by id.
func (r *Registry) Get(ctx context.Context, id string) (*Server, error) {
	return r.store.GetServer(ctx, id)
}

// List pages through the catalog with AND-combined predicates.
func (r *Registry) List(ctx context.Context, q Query, p Page) (PageResult, error) {
	return r.store.ListServers(ctx, q, p.Normalize())
}

// UpdateStatus applies one status-machine transition. Disallowed
// transitions return a conflict error.
func (r *Registry) UpdateStatus(ctx context.Context, id string, next Status) (*Server, error) {
	return r.updateStatusOn(ctx, r.store, id, next)
}

func (r *Registry) updateStatusOn(ctx context.Context, store Store, id string, next Status) (*Server, error) {
	if !next.Valid() {
		return nil, authz.NewError(authz.KindValidation, fmt.Sprintf("unknown status %q", next))
	}
	srv, err := store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !srv.Status.CanTransitionTo(next) {
		return nil, authz.NewError(authz.KindConflict,
			fmt.Sprintf("cannot transition %s from %s to %s", id, srv.Status, next))
	}

	prev := srv.Status
	srv.Status = next
	srv.UpdatedAt = r.now().UTC()
	if err := store.UpdateServer(ctx, srv); err != nil {
		return nil, fmt.Errorf("update server: %w", err)
	}

	ev := audit.NewEvent(audit.EventServerStatusChanged, audit.SeverityLow, requestIDFrom(ctx))
	ev.ServerID = srv.ID
	ev.Details["from"] = string(prev)
	ev.Details["to"] = string(next)
	r.emitter.Emit(ev)

	r.logger.Info("server status changed", "server_id", id, "from", prev, "to", next)
	return srv, nil
}

// Decommission moves a server to its terminal state. The record is kept
// for audit history.
func (r *Registry) Decommission(ctx context.Context, id string) (*Server, error) {
	return r.UpdateStatus(ctx, id, StatusDecommissioned)
}

// BulkRegister registers a batch of specs with the requested failure
// semantics.
func (r *Registry) BulkRegister(ctx context.Context, specs []Spec, mode BulkMode) (BulkResult, error) {
	var result BulkResult

	if mode == BulkTransactional {
		ids := make([]string, 0, len(specs))
		err := r.store.WithinTx(ctx, func(tx Store) error {
			for i, spec := range specs {
				srv, err := r.registerOn(ctx, tx, spec)
				if err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
				ids = append(ids, srv.ID)
			}
			return nil
		})
		if err != nil {
			return BulkResult{}, err
		}
		result.Succeeded = ids
		return result, nil
	}

	for i, spec := range specs {
		srv, err := r.registerOn(ctx, r.store, spec)
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{Index: i, Reason: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, srv.ID)
	}
	return result, nil
}

// BulkUpdateStatus applies a batch of transitions with the requested
// failure semantics.
func (r *Registry) BulkUpdateStatus(ctx context.Context, updates []StatusUpdate, mode BulkMode) (BulkResult, error) {
	var result BulkResult

	if mode == BulkTransactional {
		err := r.store.WithinTx(ctx, func(tx Store) error {
			for i, u := range updates {
				if _, err := r.updateStatusOn(ctx, tx, u.ServerID, u.Status); err != nil {
					return fmt.Errorf("item %d (%s): %w", i, u.ServerID, err)
				}
			}
			return nil
		})
		if err != nil {
			return BulkResult{}, err
		}
		for _, u := range updates {
			result.Succeeded = append(result.Succeeded, u.ServerID)
		}
		return result, nil
	}

	for i, u := range updates {
		if _, err := r.updateStatusOn(ctx, r.store, u.ServerID, u.Status); err != nil {
			result.Failed = append(result.Failed, BulkFailure{
				Index: i, ID: u.ServerID, Reason: err.Error(),
			})
			continue
		}
		result.Succeeded = append(result.Succeeded, u.ServerID)
	}
	return result, nil
}

// OverrideSensitivity records a human reclassification of a capability.
// The override record is retained alongside the new level.
func (r *Registry) OverrideSensitivity(ctx context.Context, toolID string, level authz.Sensitivity, reviewer, reason string) (*Capability, error) {
	if !level.Valid() {
		return nil, authz.NewError(authz.KindValidation, fmt.Sprintf("unknown sensitivity %q", level))
	}
	capRec, err := r.store.GetCapability(ctx, toolID)
	if err != nil {
		return nil, err
	}

	capRec.Override = &tool.Override{
		ToolID:        capRec.ID,
		PreviousLevel: capRec.Sensitivity,
		NewLevel:      level,
		Reviewer:      reviewer,
		Timestamp:     r.now().UTC(),
		Reason:        reason,
	}
	capRec.Sensitivity = level
	capRec.RequiresApproval = level == authz.SensitivityCritical
	capRec.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateCapability(ctx, capRec); err != nil {
		return nil, fmt.Errorf("update capability: %w", err)
	}

	ev := audit.NewEvent(audit.EventSensitivityOverride, audit.SeverityMedium, requestIDFrom(ctx))
	ev.ServerID = capRec.ServerID
	ev.ToolName = capRec.Name
	ev.Details["previous"] = string(capRec.Override.PreviousLevel)
	ev.Details["new"] = string(level)
	ev.Details["reviewer"] = reviewer
	r.emitter.Emit(ev)
	return capRec, nil
}

// Capabilities lists a server's capabilities.
func (r *Registry) Capabilities(ctx context.Context, serverID string) ([]Capability, error) {
	return r.store.ListCapabilities(ctx, serverID)
}

// Capability returns one capability by id.
func (r *Registry) Capability(ctx context.Context, id string) (*Capability, error) {
	return r.store.GetCapability(ctx, id)
}

// AllCapabilities lists every capability across the catalog.
func (r *Registry) AllCapabilities(ctx context.Context) ([]Capability, error) {
	return r.store.ListAllCapabilities(ctx)
}
