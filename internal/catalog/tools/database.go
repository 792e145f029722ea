// Package tools holds the tool bodies exposed through the catalog. Bodies
// are plain handlers: no rate limiting, no policy checks, no violation
// recording.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/catalog"
)

// DatabaseTools runs read-only queries against the configured database.
type DatabaseTools struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewDatabaseTools wraps an open connection. The driver (sqlite, postgres)
// is whatever the caller opened.
func NewDatabaseTools(db *sqlx.DB, logger *zap.Logger) *DatabaseTools {
	return &DatabaseTools{db: db, logger: logger}
}

// Register adds the database tools to the catalog.
func (t *DatabaseTools) Register(c *catalog.Catalog) error {
	if err := c.Register(catalog.Descriptor{
		Name:        "query_database",
		Description: "Run a read-only SQL query and return the rows",
		Category:    "database",
		Params: map[string]catalog.ParamSpec{
			"query": {Type: "string", Description: "SELECT statement to execute", Required: true},
			"limit": {Type: "integer", Description: "Maximum rows to return", Default: 100},
		},
		ReturnType: "object",
	}, t.queryDatabase); err != nil {
		return err
	}
	return c.Register(catalog.Descriptor{
		Name:        "get_table_schema",
		Description: "Describe the columns of a table",
		Category:    "database",
		Params: map[string]catalog.ParamSpec{
			"table_name": {Type: "string", Description: "Table to describe", Required: true},
		},
		ReturnType: "object",
	}, t.getTableSchema)
}

func (t *DatabaseTools) queryDatabase(ctx context.Context, args map[string]interface{}, _ *auth.Subject) (interface{}, error) {
	query, _ := args["query"].(string)
	limit := intArg(args, "limit", 100)

	trimmed := strings.TrimSpace(strings.ToLower(query))
	if !strings.HasPrefix(trimmed, "select") && !strings.HasPrefix(trimmed, "with") {
		return nil, fmt.Errorf("query_database only accepts read-only queries")
	}

	rows, err := t.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	results := make([]map[string]interface{}, 0, limit)
	for rows.Next() {
		if len(results) >= limit {
			break
		}
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	t.logger.Info("Database query completed", zap.Int("rows", len(results)))
	return map[string]interface{}{
		"rows":  results,
		"count": len(results),
	}, nil
}

// getTableSchema uses a zero-row select so column metadata works the same
// across sqlite and postgres.
func (t *DatabaseTools) getTableSchema(ctx context.Context, args map[string]interface{}, _ *auth.Subject) (interface{}, error) {
	table, _ := args["table_name"].(string)
	if !validIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	rows, err := t.db.QueryxContext(ctx, "SELECT * FROM "+table+" WHERE 1=0")
	if err != nil {
		return nil, fmt.Errorf("describe table %s: %w", table, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types: %w", err)
	}

	columns := make([]map[string]interface{}, 0, len(types))
	for _, ct := range types {
		col := map[string]interface{}{
			"name": ct.Name(),
			"type": ct.DatabaseTypeName(),
		}
		if nullable, ok := ct.Nullable(); ok {
			col["nullable"] = nullable
		}
		columns = append(columns, col)
	}
	return map[string]interface{}{
		"table":   table,
		"columns": columns,
	}, nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
