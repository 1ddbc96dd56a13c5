package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `SELECT id FROM steps WHERE instance_id=? AND status='?' AND node_id=?`
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, q, MySQL.Rebind(q))
	assert.Equal(t, `SELECT id FROM steps WHERE instance_id=$1 AND status='?' AND node_id=$2`, Postgres.Rebind(q))
}

func TestConfigDialect(t *testing.T) {
	for driver, want := range map[string]Dialect{
		"":           SQLite,
		"sqlite":     SQLite,
		"PostgreSQL": Postgres,
		"pgx":        Postgres,
		"mysql":      MySQL,
	} {
		got, err := Config{Driver: driver}.Dialect()
		require.NoError(t, err, driver)
		assert.Equal(t, want, got, driver)
	}
	_, err := Config{Driver: "oracle"}.Dialect()
	assert.Error(t, err)
}

func TestForUpdate(t *testing.T) {
	assert.Empty(t, SQLite.ForUpdate())
	assert.Equal(t, " FOR UPDATE", Postgres.ForUpdate())
	assert.Equal(t, " FOR UPDATE", MySQL.ForUpdate())
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, SQLite, dialect)
	require.NoError(t, conn.Ping())
	assert.FileExists(t, Path(dir))
}

func TestInsertIgnore(t *testing.T) {
	stmt := `INSERT INTO directory_members(kind,group_id,user_id) VALUES (?,?,?)`
	assert.Equal(t, `INSERT OR IGNORE INTO directory_members(kind,group_id,user_id) VALUES (?,?,?)`, SQLite.InsertIgnore(stmt))
	assert.Equal(t, `INSERT IGNORE INTO directory_members(kind,group_id,user_id) VALUES (?,?,?)`, MySQL.InsertIgnore(stmt))
	assert.Equal(t, stmt+" ON CONFLICT DO NOTHING", Postgres.InsertIgnore(stmt))
}

func TestMySQLDSNCountsFoundRows(t *testing.T) {
	dsn, err := mysqlDSN("app:secret@tcp(127.0.0.1:3306)/approvals")
	require.NoError(t, err)
	assert.Contains(t, dsn, "clientFoundRows=true")
	assert.Contains(t, dsn, "/approvals")

	_, err = mysqlDSN("app:secret@tcp(127.0.0.1:3306")
	assert.Error(t, err)
}
