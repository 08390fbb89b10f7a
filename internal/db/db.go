package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codedrop/codedrop/internal/db/migrations"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the differences between the supported SQL engines
type Dialect struct {
	Name string // sqlite, mysql, postgres
}

// Rebind rewrites "?" placeholders into the dialect's style
func (d Dialect) Rebind(query string) string {
	if d.Name != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a primary key or unique constraint failure
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsRetryable reports whether err is a transient serialization failure or deadlock
func (d Dialect) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	return false
}

// Open connects to the metadata database and applies pending migrations.
// For sqlite, dsn is a file path.
func Open(ctx context.Context, backend, dsn string) (*sql.DB, Dialect, error) {
	dialect := Dialect{Name: backend}

	var (
		conn *sql.DB
		err  error
	)

	switch backend {
	case "sqlite":
		conn, err = openSQLite(dsn)
	case "mysql":
		conn, err = sql.Open("mysql", dsn)
		if err == nil {
			conn.SetConnMaxLifetime(5 * time.Minute)
		}
	case "postgres":
		conn, err = sql.Open("pgx", dsn)
	default:
		return nil, dialect, fmt.Errorf("unsupported sql backend: %s", backend)
	}
	if err != nil {
		return nil, dialect, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, dialect, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrationManager := migrations.NewMigrationManager(conn, dialect.Name, dialect.Rebind, logrus.StandardLogger())
	if err := migrationManager.Migrate(); err != nil {
		conn.Close()
		return nil, dialect, fmt.Errorf("failed to run database migrations: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"backend": backend,
	}).Info("Metadata database initialized")

	return conn, dialect, nil
}

// openSQLite opens a single-connection sqlite database. One connection plus
// immediate transactions serialize every writer.
func openSQLite(path string) (*sql.DB, error) {
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
		dsn = "file:" + path +
			"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
