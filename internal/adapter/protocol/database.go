package protocol

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sark-gateway/sark/internal/domain/authz"
	"github.com/sark-gateway/sark/internal/domain/tool"
)

// destructiveVerbs are SQL constructs the database adapter refuses outright.
// Only the four synthesized statements per table are ever executed, so any
// appearance of these in parameter values aimed at identifiers is an attack.
var destructiveVerbs = []string{
	"drop", "truncate", "alter", "grant", "revoke", "exec", "execute",
	"attach", "pragma", "vacuum",
}

// identPattern is the shape of a safe SQL identifier.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DatabaseConfig configures one introspected database backend.
type DatabaseConfig struct {
	// Name identifies the resource in discovery results.
	Name string
	// Schema restricts postgres introspection; empty means "public".
	Schema string
	// MaxRows caps select results.
	MaxRows int
	Limits  Limits
}

// dbTable is one introspected table.
type dbTable struct {
	name    string
	columns []string
	pk      string
}

// DatabaseAdapter introspects a SQL catalog and synthesizes four
// capabilities per table: select, insert, update, delete. All statements
// are parameterized; raw SQL from callers is never executed.
type DatabaseAdapter struct {
	cfg DatabaseConfig
	db  *sqlx.DB

	mu     sync.RWMutex
	tables map[string]dbTable
}

// NewDatabaseAdapter wraps an opened connection pool.
func NewDatabaseAdapter(db *sqlx.DB, cfg DatabaseConfig) *DatabaseAdapter {
	cfg.Limits = cfg.Limits.withDefaults()
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	return &DatabaseAdapter{cfg: cfg, db: db}
}

func (a *DatabaseAdapter) ProtocolName() string    { return "database" }
func (a *DatabaseAdapter) ProtocolVersion() string { return a.db.DriverName() }

// DiscoverResources introspects the catalog and returns one resource per
// table.
func (a *DatabaseAdapter) DiscoverResources(ctx context.Context) ([]ResourceSchema, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()

	names, err := a.listTables(ctx)
	if err != nil {
		return nil, err
	}
	tables := make(map[string]dbTable, len(names))
	resources := make([]ResourceSchema, 0, len(names))
	for _, name := range names {
		t, err := a.describeTable(ctx, name)
		if err != nil {
			return nil, err
		}
		tables[name] = t
		resources = append(resources, ResourceSchema{
			Name:     name,
			Protocol: a.ProtocolName(),
			Metadata: map[string]any{"columns": len(t.columns)},
		})
	}
	a.mu.Lock()
	a.tables = tables
	a.mu.Unlock()

	sort.Slice(resources, func(i, j int) bool { return resources[i].Name < resources[j].Name })
	return resources, nil
}

// GetCapabilities synthesizes the four statement capabilities for one table.
func (a *DatabaseAdapter) GetCapabilities(ctx context.Context, resource string) ([]CapabilitySchema, error) {
	t, err := a.table(ctx, resource)
	if err != nil {
		return nil, err
	}

	colProps := map[string]any{}
	for _, c := range t.columns {
		colProps[c] = map[string]any{}
	}

	caps := []CapabilitySchema{
		{
			Name:            t.name + ".select",
			Description:     fmt.Sprintf("Read rows from %s with optional column filters", t.name),
			SensitivityHint: authz.SensitivityLow,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"where": map[string]any{"type": "object", "properties": colProps},
					"limit": map[string]any{"type": "integer"},
				},
			},
		},
		{
			Name:            t.name + ".insert",
			Description:     fmt.Sprintf("Insert one row into %s", t.name),
			SensitivityHint: authz.SensitivityMedium,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"values": map[string]any{"type": "object", "properties": colProps}},
				"required":   []string{"values"},
			},
		},
		{
			Name:            t.name + ".update",
			Description:     fmt.Sprintf("Update rows in %s matching column filters", t.name),
			SensitivityHint: authz.SensitivityMedium,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"set":   map[string]any{"type": "object", "properties": colProps},
					"where": map[string]any{"type": "object", "properties": colProps},
				},
				"required": []string{"set", "where"},
			},
		},
		{
			Name:            t.name + ".delete",
			Description:     fmt.Sprintf("Delete rows from %s matching column filters", t.name),
			SensitivityHint: authz.SensitivityHigh,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"where": map[string]any{"type": "object", "properties": colProps},
				},
				"required": []string{"where"},
			},
		},
	}

	// Table name keywords can raise the floor (e.g. a credentials table).
	// The classifier defaults to medium, so only high and critical matches
	// override the per-statement hints.
	if detected := tool.Detect(t.name, "", nil); detected.Rank() >= authz.SensitivityHigh.Rank() {
		for i := range caps {
			if detected.Rank() > caps[i].SensitivityHint.Rank() {
				caps[i].SensitivityHint = detected
			}
		}
	}
	return caps, nil
}

// ValidateRequest rejects unknown capabilities, unknown columns, and any
// parameter that smells like SQL rather than a value.
func (a *DatabaseAdapter) ValidateRequest(inv Invocation) error {
	table, verb, err := splitCapability(inv.Capability)
	if err != nil {
		return err
	}
	a.mu.RLock()
	t, ok := a.tables[table]
	a.mu.RUnlock()
	if !ok {
		return authz.NewError(authz.KindNotFound, fmt.Sprintf("unknown table %q", table))
	}

	for _, section := range []string{"where", "set", "values"} {
		raw, ok := inv.Parameters[section].(map[string]any)
		if !ok {
			continue
		}
		for col := range raw {
			if !identPattern.MatchString(col) || !t.hasColumn(col) {
				return authz.NewError(authz.KindSchema,
					fmt.Sprintf("unknown column %q on %s", col, table))
			}
		}
	}

	switch verb {
	case "select":
	case "insert":
		if _, ok := inv.Parameters["values"].(map[string]any); !ok {
			return authz.NewError(authz.KindSchema, "insert requires values")
		}
	case "update":
		if _, ok := inv.Parameters["set"].(map[string]any); !ok {
			return authz.NewError(authz.KindSchema, "update requires set")
		}
		fallthrough
	case "delete":
		// Unfiltered updates and deletes are refused.
		w, ok := inv.Parameters["where"].(map[string]any)
		if !ok || len(w) == 0 {
			return authz.NewError(authz.KindSchema, verb+" requires a where filter")
		}
	default:
		return authz.NewError(authz.KindValidation, fmt.Sprintf("unknown statement %q", verb))
	}

	if hit := destructiveHit(inv.Parameters); hit != "" {
		return authz.NewError(authz.KindValidation,
			fmt.Sprintf("parameter contains blocked SQL construct %q", hit))
	}
	return nil
}

// Invoke executes the synthesized, parameterized statement.
func (a *DatabaseAdapter) Invoke(ctx context.Context, inv Invocation) (InvocationResult, error) {
	start := time.Now()
	if err := a.ValidateRequest(inv); err != nil {
		return InvocationResult{}, err
	}
	if _, err := checkPayloadSize(inv.Parameters, a.cfg.Limits.MaxPayloadBytes); err != nil {
		return InvocationResult{}, err
	}
	table, verb, _ := splitCapability(inv.Capability)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch verb {
	case "select":
		result, err = a.runSelect(ctx, table, inv.Parameters)
	case "insert":
		result, err = a.runInsert(ctx, table, inv.Parameters)
	case "update":
		result, err = a.runWrite(ctx, table, "update", inv.Parameters)
	case "delete":
		result, err = a.runWrite(ctx, table, "delete", inv.Parameters)
	}
	if err != nil {
		return InvocationResult{
			Success:  false,
			Error:    err.Error(),
			Duration: time.Since(start),
		}, nil
	}
	return InvocationResult{
		Success:  true,
		Result:   result,
		Duration: time.Since(start),
		Metadata: map[string]any{"table": table, "statement": verb},
	}, nil
}

// HealthCheck pings the pool.
func (a *DatabaseAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Limits.CallTimeout)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		return authz.NewError(authz.KindDownstreamUnavailable, err.Error())
	}
	return nil
}

func (a *DatabaseAdapter) Close() error { return a.db.Close() }

func (a *DatabaseAdapter) runSelect(ctx context.Context, table string, params map[string]any) (any, error) {
	where, args := whereClause(params)
	limit := a.cfg.MaxRows
	if v, ok := params["limit"]; ok {
		if n, ok := toInt(v); ok && n > 0 && n < limit {
			limit = n
		}
	}
	query := a.db.Rebind(fmt.Sprintf("SELECT * FROM %s%s LIMIT %d", table, where, limit))
	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (a *DatabaseAdapter) runInsert(ctx context.Context, table string, params map[string]any) (any, error) {
	values := params["values"].(map[string]any)
	cols := sortedKeys(values)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		args = append(args, values[c])
	}
	query := a.db.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders))
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return map[string]any{"rows_affected": n}, nil
}

func (a *DatabaseAdapter) runWrite(ctx context.Context, table, verb string, params map[string]any) (any, error) {
	where, whereArgs := whereClause(params)

	var query string
	var args []any
	if verb == "update" {
		set := params["set"].(map[string]any)
		cols := sortedKeys(set)
		assigns := make([]string, 0, len(cols))
		for _, c := range cols {
			assigns = append(assigns, c+" = ?")
			args = append(args, set[c])
		}
		query = fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(assigns, ", "), where)
	} else {
		query = fmt.Sprintf("DELETE FROM %s%s", table, where)
	}
	args = append(args, whereArgs...)

	res, err := a.db.ExecContext(ctx, a.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", verb, table, err)
	}
	n, _ := res.RowsAffected()
	return map[string]any{"rows_affected": n}, nil
}

// listTables enumerates user tables per dialect.
func (a *DatabaseAdapter) listTables(ctx context.Context) ([]string, error) {
	var query string
	var args []any
	switch a.db.DriverName() {
	case "sqlite", "sqlite3":
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	default:
		query = a.db.Rebind(`SELECT table_name FROM information_schema.tables
			WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name`)
		args = []any{a.cfg.Schema}
	}
	var names []string
	if err := a.db.SelectContext(ctx, &names, query, args...); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

// describeTable loads column names per dialect.
func (a *DatabaseAdapter) describeTable(ctx context.Context, name string) (dbTable, error) {
	if !identPattern.MatchString(name) {
		return dbTable{}, authz.NewError(authz.KindValidation, fmt.Sprintf("unsafe table name %q", name))
	}
	t := dbTable{name: name}
	switch a.db.DriverName() {
	case "sqlite", "sqlite3":
		rows, err := a.db.QueryxContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", name))
		if err != nil {
			return dbTable{}, fmt.Errorf("describe %s: %w", name, err)
		}
		defer rows.Close()
		for rows.Next() {
			row := map[string]any{}
			if err := rows.MapScan(row); err != nil {
				return dbTable{}, err
			}
			col := fmt.Sprint(stringify(row["name"]))
			t.columns = append(t.columns, col)
			if n, ok := toInt(row["pk"]); ok && n > 0 {
				t.pk = col
			}
		}
		return t, rows.Err()
	default:
		query := a.db.Rebind(`SELECT column_name FROM information_schema.columns
			WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`)
		if err := a.db.SelectContext(ctx, &t.columns, query, a.cfg.Schema, name); err != nil {
			return dbTable{}, fmt.Errorf("describe %s: %w", name, err)
		}
		return t, nil
	}
}

// table resolves one introspected table, discovering on first use.
func (a *DatabaseAdapter) table(ctx context.Context, name string) (dbTable, error) {
	a.mu.RLock()
	t, ok := a.tables[name]
	a.mu.RUnlock()
	if ok {
		return t, nil
	}
	if a.tables == nil {
		if _, err := a.DiscoverResources(ctx); err != nil {
			return dbTable{}, err
		}
		a.mu.RLock()
		t, ok = a.tables[name]
		a.mu.RUnlock()
		if ok {
			return t, nil
		}
	}
	return dbTable{}, authz.NewError(authz.KindNotFound, fmt.Sprintf("unknown table %q", name))
}

func (t dbTable) hasColumn(name string) bool {
	for _, c := range t.columns {
		if c == name {
			return true
		}
	}
	return false
}

// splitCapability parses "table.verb".
func splitCapability(capability string) (table, verb string, err error) {
	idx := strings.LastIndex(capability, ".")
	if idx <= 0 || idx == len(capability)-1 {
		return "", "", authz.NewError(authz.KindValidation,
			fmt.Sprintf("malformed capability %q", capability))
	}
	return capability[:idx], capability[idx+1:], nil
}

// destructiveHit scans string parameter values for blocked SQL constructs.
func destructiveHit(params map[string]any) string {
	var scan func(v any) string
	scan = func(v any) string {
		switch val := v.(type) {
		case string:
			lower := strings.ToLower(val)
			if !strings.ContainsAny(lower, "; ") {
				return ""
			}
			for _, verb := range destructiveVerbs {
				if strings.Contains(lower, verb+" ") || strings.Contains(lower, ";"+verb) {
					return verb
				}
			}
		case map[string]any:
			for _, inner := range val {
				if hit := scan(inner); hit != "" {
					return hit
				}
			}
		case []any:
			for _, inner := range val {
				if hit := scan(inner); hit != "" {
					return hit
				}
			}
		}
		return ""
	}
	return scan(params)
}

// whereClause builds "WHERE a = ? AND b = ?" from the where parameter, with
// deterministic column order.
func whereClause(params map[string]any) (string, []any) {
	raw, ok := params["where"].(map[string]any)
	if !ok || len(raw) == 0 {
		return "", nil
	}
	cols := sortedKeys(raw)
	clauses := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		clauses = append(clauses, c+" = ?")
		args = append(args, raw[c])
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func stringify(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

var _ Adapter = (*DatabaseAdapter)(nil)
