package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/registry"
	"github.com/sark-gateway/sark/internal/domain/tool"
)

// RegistryStore persists the server catalog.
type RegistryStore struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
}

// NewRegistryStore wraps an opened database.
func NewRegistryStore(db *sqlx.DB) *RegistryStore {
	return &RegistryStore{db: db, ext: db}
}

type serverRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Transport   string    `db:"transport"`
	Endpoint    string    `db:"endpoint"`
	Sensitivity string    `db:"sensitivity"`
	OwnerID     string    `db:"owner_id"`
	Teams       string    `db:"teams"`
	Tags        string    `db:"tags"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func toServerRow(s *registry.Server) (serverRow, error) {
	teams, err := json.Marshal(orEmpty(s.Teams))
	if err != nil {
		return serverRow{}, fmt.Errorf("marshal teams: %w", err)
	}
	tags, err := json.Marshal(orEmpty(s.Tags))
	if err != nil {
		return serverRow{}, fmt.Errorf("marshal tags: %w", err)
	}
	return serverRow{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Transport:   string(s.Transport),
		Endpoint:    s.Endpoint,
		Sensitivity: string(s.Sensitivity),
		OwnerID:     s.OwnerID,
		Teams:       string(teams),
		Tags:        string(tags),
		Status:      string(s.Status),
		CreatedAt:   s.CreatedAt.UTC(),
		UpdatedAt:   s.UpdatedAt.UTC(),
	}, nil
}

func (r serverRow) toServer() (registry.Server, error) {
	s := registry.Server{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Transport:   registry.Transport(r.Transport),
		Endpoint:    r.Endpoint,
		Sensitivity: authz.Sensitivity(r.Sensitivity),
		OwnerID:     r.OwnerID,
		Status:      registry.Status(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Teams), &s.Teams); err != nil {
		return registry.Server{}, fmt.Errorf("parse teams: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Tags), &s.Tags); err != nil {
		return registry.Server{}, fmt.Errorf("parse tags: %w", err)
	}
	return s, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// CreateServer implements registry.Store.
func (r *RegistryStore) CreateServer(ctx context.Context, s *registry.Server) error {
	row, err := toServerRow(s)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO servers
			(id, name, description, transport, endpoint, sensitivity,
			 owner_id, teams, tags, status, created_at, updated_at)
		VALUES
			(:id, :name, :description, :transport, :endpoint, :sensitivity,
			 :owner_id, :teams, :tags, :status, :created_at, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("insert server: %w", err)
	}
	return nil
}

// GetServer implements registry.Store.
func (r *RegistryStore) GetServer(ctx context.Context, id string) (*registry.Server, error) {
	var row serverRow
	query := r.ext.Rebind(`SELECT * FROM servers WHERE id = ?`)
	err := sqlx.GetContext(ctx, r.ext, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.NewError(authz.KindNotFound, fmt.Sprintf("server %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query server: %w", err)
	}
	srv, err := row.toServer()
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

// UpdateServer implements registry.Store.
func (r *RegistryStore) UpdateServer(ctx context.Context, s *registry.Server) error {
	row, err := toServerRow(s)
	if err != nil {
		return err
	}
	res, err := sqlx.NamedExecContext(ctx, r.ext, `
		UPDATE servers SET
			name = :name, description = :description, transport = :transport,
			endpoint = :endpoint, sensitivity = :sensitivity, owner_id = :owner_id,
			teams = :teams, tags = :tags, status = :status, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update server: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return authz.NewError(authz.KindNotFound, fmt.Sprintf("server %s not found", s.ID))
	}
	return nil
}

// ListServers implements registry.Store. Rows are streamed in cursor order;
// the tag, team, and search predicates are applied in Go so both dialects
// share one query shape.
func (r *RegistryStore) ListServers(ctx context.Context, q registry.Query, p registry.Page) (registry.PageResult, error) {
	p = p.Normalize()
	cur, err := registry.DecodeCursor(p.Cursor)
	if err != nil {
		return registry.PageResult{}, err
	}

	order := "created_at DESC, id DESC"
	if p.SortOrder == registry.SortAsc {
		order = "created_at ASC, id ASC"
	}
	rows, err := r.ext.QueryxContext(ctx, `SELECT * FROM servers ORDER BY `+order)
	if err != nil {
		return registry.PageResult{}, fmt.Errorf("query servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result registry.PageResult
	var total int64
	passedCursor := cur.IsZero()
	for rows.Next() {
		var row serverRow
		if err := rows.StructScan(&row); err != nil {
			return registry.PageResult{}, fmt.Errorf("scan server: %w", err)
		}
		srv, err := row.toServer()
		if err != nil {
			return registry.PageResult{}, err
		}
		if !q.Matches(&srv) {
			continue
		}
		total++

		if !passedCursor {
			if srv.CreatedAt.Equal(cur.CreatedAt) && srv.ID == cur.LastID {
				passedCursor = true
			}
			continue
		}
		if len(result.Servers) < p.Limit {
			result.Servers = append(result.Servers, srv)
		} else {
			result.HasMore = true
			if !p.IncludeTotal {
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return registry.PageResult{}, fmt.Errorf("iterate servers: %w", err)
	}

	if result.HasMore && len(result.Servers) > 0 {
		last := result.Servers[len(result.Servers)-1]
		result.NextCursor = registry.Cursor{CreatedAt: last.CreatedAt, LastID: last.ID}.Encode()
	}
	if p.IncludeTotal {
		result.Total = &total
	}
	return result, nil
}

type capabilityRow struct {
	ID               string    `db:"id"`
	ServerID         string    `db:"server_id"`
	Name             string    `db:"name"`
	Description      string    `db:"description"`
	InputSchema      string    `db:"input_schema"`
	Sensitivity      string    `db:"sensitivity"`
	OverrideRecord   *string   `db:"override_record"`
	RequiresApproval bool      `db:"requires_approval"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func toCapabilityRow(c *registry.Capability) (capabilityRow, error) {
	schemaJSON := "{}"
	if len(c.InputSchema) > 0 {
		data, err := json.Marshal(c.InputSchema)
		if err != nil {
			return capabilityRow{}, fmt.Errorf("marshal input schema: %w", err)
		}
		schemaJSON = string(data)
	}
	row := capabilityRow{
		ID:               c.ID,
		ServerID:         c.ServerID,
		Name:             c.Name,
		Description:      c.Description,
		InputSchema:      schemaJSON,
		Sensitivity:      string(c.Sensitivity),
		RequiresApproval: c.RequiresApproval,
		CreatedAt:        c.CreatedAt.UTC(),
		UpdatedAt:        c.UpdatedAt.UTC(),
	}
	if c.Override != nil {
		data, err := json.Marshal(c.Override)
		if err != nil {
			return capabilityRow{}, fmt.Errorf("marshal override record: %w", err)
		}
		s := string(data)
		row.OverrideRecord = &s
	}
	return row, nil
}

func (r capabilityRow) toCapability() (registry.Capability, error) {
	c := registry.Capability{
		ID:               r.ID,
		ServerID:         r.ServerID,
		Name:             r.Name,
		Description:      r.Description,
		Sensitivity:      authz.Sensitivity(r.Sensitivity),
		RequiresApproval: r.RequiresApproval,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.InputSchema != "" && r.InputSchema != "{}" {
		if err := json.Unmarshal([]byte(r.InputSchema), &c.InputSchema); err != nil {
			return registry.Capability{}, fmt.Errorf("parse input schema: %w", err)
		}
	}
	if r.OverrideRecord != nil && *r.OverrideRecord != "" {
		var ov tool.Override
		if err := json.Unmarshal([]byte(*r.OverrideRecord), &ov); err != nil {
			return registry.Capability{}, fmt.Errorf("parse override record: %w", err)
		}
		c.Override = &ov
	}
	return c, nil
}

// CreateCapability implements registry.Store.
func (r *RegistryStore) CreateCapability(ctx context.Context, c *registry.Capability) error {
	row, err := toCapabilityRow(c)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO capabilities
			(id, server_id, name, description, input_schema, sensitivity,
			 override_record, requires_approval, created_at, updated_at)
		VALUES
			(:id, :server_id, :name, :description, :input_schema, :sensitivity,
			 :override_record, :requires_approval, :created_at, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("insert capability: %w", err)
	}
	return nil
}

// GetCapability implements registry.Store.
func (r *RegistryStore) GetCapability(ctx context.Context, id string) (*registry.Capability, error) {
	var row capabilityRow
	query := r.ext.Rebind(`SELECT * FROM capabilities WHERE id = ?`)
	err := sqlx.GetContext(ctx, r.ext, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.NewError(authz.KindNotFound, fmt.Sprintf("capability %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query capability: %w", err)
	}
	c, err := row.toCapability()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCapability implements registry.Store.
func (r *RegistryStore) UpdateCapability(ctx context.Context, c *registry.Capability) error {
	row, err := toCapabilityRow(c)
	if err != nil {
		return err
	}
	res, err := sqlx.NamedExecContext(ctx, r.ext, `
		UPDATE capabilities SET
			name = :name, description = :description, input_schema = :input_schema,
			sensitivity = :sensitivity, override_record = :override_record,
			requires_approval = :requires_approval, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update capability: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return authz.NewError(authz.KindNotFound, fmt.Sprintf("capability %s not found", c.ID))
	}
	return nil
}

// ListCapabilities implements registry.Store.
func (r *RegistryStore) ListCapabilities(ctx context.Context, serverID string) ([]registry.Capability, error) {
	query := r.ext.Rebind(`SELECT * FROM capabilities WHERE server_id = ? ORDER BY name`)
	return r.selectCapabilities(ctx, query, serverID)
}

// ListAllCapabilities implements registry.Store.
func (r *RegistryStore) ListAllCapabilities(ctx context.Context) ([]registry.Capability, error) {
	return r.selectCapabilities(ctx, `SELECT * FROM capabilities ORDER BY name`)
}

func (r *RegistryStore) selectCapabilities(ctx context.Context, query string, args ...any) ([]registry.Capability, error) {
	var rows []capabilityRow
	if err := sqlx.SelectContext(ctx, r.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}
	out := make([]registry.Capability, 0, len(rows))
	for _, row := range rows {
		c, err := row.toCapability()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// WithinTx implements registry.Store with a database transaction.
func (r *RegistryStore) WithinTx(ctx context.Context, fn func(registry.Store) error) error {
	if r.db == nil {
		return fmt.Errorf("nested transactions are not supported")
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &RegistryStore{ext: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var _ registry.Store = (*RegistryStore)(nil)
