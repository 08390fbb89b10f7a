package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialect_Rebind(t *testing.T) {
	query := "SELECT * FROM shares WHERE code = ? AND expire_at > ?"

	assert.Equal(t, query, Dialect{Name: "sqlite"}.Rebind(query))
	assert.Equal(t, query, Dialect{Name: "mysql"}.Rebind(query))
	assert.Equal(t, "SELECT * FROM shares WHERE code = $1 AND expire_at > $2", Dialect{Name: "postgres"}.Rebind(query))
}

func TestDialect_IsUniqueViolation(t *testing.T) {
	d := Dialect{}

	assert.False(t, d.IsUniqueViolation(nil))
	assert.False(t, d.IsUniqueViolation(errors.New("boom")))
	assert.True(t, d.IsUniqueViolation(&mysql.MySQLError{Number: 1062}))
	assert.True(t, d.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, d.IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
}

func TestDialect_IsRetryable(t *testing.T) {
	d := Dialect{}

	assert.True(t, d.IsRetryable(&mysql.MySQLError{Number: 1213}))
	assert.True(t, d.IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.False(t, d.IsRetryable(errors.New("boom")))
}

func TestOpen_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "codedrop.db")

	conn, dialect, err := Open(context.Background(), "sqlite", path)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "sqlite", dialect.Name)
	assert.FileExists(t, path)

	_, err = conn.Exec("INSERT INTO shares (id, code, owner, file_name, file_type, file_size, object_path, visibility, created_at, expire_at) VALUES ('a', 'ABC123', 'o', 'f', 't', 1, 'p', 'public', 1, 2)")
	require.NoError(t, err)

	_, err = conn.Exec("INSERT INTO share_codes (code, share_id, expire_at) VALUES ('ABC123', 'a', 2)")
	require.NoError(t, err)

	_, err = conn.Exec("INSERT INTO share_codes (code, share_id, expire_at) VALUES ('ABC123', 'a', 2)")
	require.Error(t, err)
	assert.True(t, dialect.IsUniqueViolation(err))
}

func TestOpen_UnsupportedBackend(t *testing.T) {
	_, _, err := Open(context.Background(), "oracle", "")
	assert.Error(t, err)
}
