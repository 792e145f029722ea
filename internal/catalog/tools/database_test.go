package tools

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/catalog"
)

func mockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestQueryDatabaseReturnsRows(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectQuery("SELECT id, name FROM customers").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}).
			AddRow(1, "acme").
			AddRow(2, "globex"))

	c := catalog.New(zap.NewNop())
	require.NoError(t, NewDatabaseTools(db, zap.NewNop()).Register(c))

	result, err := c.Invoke(context.Background(), "query_database",
		map[string]interface{}{"query": "SELECT id, name FROM customers"}, nil)
	require.NoError(t, err)

	out := result.(map[string]interface{})
	assert.Equal(t, 2, out["count"])
	rows := out["rows"].([]map[string]interface{})
	assert.Equal(t, "acme", rows[0]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryDatabaseHonoursLimit(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectQuery("SELECT id FROM customers").WillReturnRows(
		sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2).AddRow(3))

	c := catalog.New(zap.NewNop())
	require.NoError(t, NewDatabaseTools(db, zap.NewNop()).Register(c))

	result, err := c.Invoke(context.Background(), "query_database",
		map[string]interface{}{"query": "SELECT id FROM customers", "limit": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.(map[string]interface{})["count"])
}

func TestQueryDatabaseRejectsWrites(t *testing.T) {
	db, _ := mockDB(t)
	c := catalog.New(zap.NewNop())
	require.NoError(t, NewDatabaseTools(db, zap.NewNop()).Register(c))

	_, err := c.Invoke(context.Background(), "query_database",
		map[string]interface{}{"query": "DELETE FROM customers"}, nil)
	assert.ErrorContains(t, err, "read-only")
}

func TestGetTableSchemaDescribesColumns(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectQuery("SELECT * FROM customers WHERE 1=0").WillReturnRows(
		sqlmock.NewRows([]string{"id", "name"}))

	c := catalog.New(zap.NewNop())
	require.NoError(t, NewDatabaseTools(db, zap.NewNop()).Register(c))

	result, err := c.Invoke(context.Background(), "get_table_schema",
		map[string]interface{}{"table_name": "customers"}, nil)
	require.NoError(t, err)

	out := result.(map[string]interface{})
	assert.Equal(t, "customers", out["table"])
	columns := out["columns"].([]map[string]interface{})
	require.Len(t, columns, 2)
	assert.Equal(t, "id", columns[0]["name"])
}

func TestGetTableSchemaRejectsBadIdentifier(t *testing.T) {
	db, _ := mockDB(t)
	c := catalog.New(zap.NewNop())
	require.NoError(t, NewDatabaseTools(db, zap.NewNop()).Register(c))

	_, err := c.Invoke(context.Background(), "get_table_schema",
		map[string]interface{}{"table_name": "customers; DROP TABLE x"}, nil)
	assert.ErrorContains(t, err, "invalid table name")
}
