package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const defaultDBName = "approvalflow.db"

// Dialect identifies the SQL flavour behind a connection.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

type Config struct {
	Driver    string
	DSN       string
	Workspace string
}

// Dialect resolves the configured driver name.
func (c Config) Dialect() (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".approvalflow", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".approvalflow")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite lives in the workspace with
// foreign keys on and immediate transactions so writers exclude each other.
func Open(cfg Config) (*sql.DB, Dialect, error) {
	dialect, err := cfg.Dialect()
	if err != nil {
		return nil, "", err
	}
	var conn *sql.DB
	switch dialect {
	case SQLite:
		dsn := cfg.DSN
		if dsn == "" {
			if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
				return nil, "", err
			}
			dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", dbPath(cfg.Workspace))
		}
		conn, err = sql.Open("sqlite", dsn)
	case Postgres:
		if cfg.DSN == "" {
			return nil, "", fmt.Errorf("database.dsn is required for postgres")
		}
		conn, err = sql.Open("pgx", cfg.DSN)
	case MySQL:
		if cfg.DSN == "" {
			return nil, "", fmt.Errorf("database.dsn is required for mysql")
		}
		dsn, perr := mysqlDSN(cfg.DSN)
		if perr != nil {
			return nil, "", perr
		}
		conn, err = sql.Open("mysql", dsn)
	}
	if err != nil {
		return nil, "", err
	}
	return conn, dialect, nil
}

// mysqlDSN makes RowsAffected count matched rows, as the other drivers do.
func mysqlDSN(dsn string) (string, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ClientFoundRows = true
	return mc.FormatDSN(), nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// Rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ForUpdate returns the row-locking suffix for a SELECT. SQLite has none; its
// immediate transactions already hold the write lock.
func (d Dialect) ForUpdate() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE"
}

// InsertIgnore turns an INSERT INTO statement into one that skips rows
// conflicting with a unique key.
func (d Dialect) InsertIgnore(stmt string) string {
	switch d {
	case Postgres:
		return stmt + " ON CONFLICT DO NOTHING"
	case MySQL:
		return strings.Replace(stmt, "INSERT INTO", "INSERT IGNORE INTO", 1)
	default:
		return strings.Replace(stmt, "INSERT INTO", "INSERT OR IGNORE INTO", 1)
	}
}
