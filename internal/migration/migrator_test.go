package migration

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func writeMigration(t *testing.T, dir, filename, sql string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(sql), 0o600))
}

func TestMigrator_UpAppliesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "002_add_docs.sql", "CREATE TABLE docs (id TEXT PRIMARY KEY);")
	writeMigration(t, dir, "001_add_collections.sql", "CREATE TABLE collections (id TEXT PRIMARY KEY);")

	db := newTestDB(t)
	m := NewMigrator(db, dir, "sqlite")

	applied, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	version, err := m.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	_, err = db.Exec("INSERT INTO collections (id) VALUES ('col_1')")
	assert.NoError(t, err)
	_, err = db.Exec("INSERT INTO docs (id) VALUES ('doc_1')")
	assert.NoError(t, err)
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_add_collections.sql", "CREATE TABLE collections (id TEXT PRIMARY KEY);")

	db := newTestDB(t)
	m := NewMigrator(db, dir, "sqlite")

	first, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	second, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second, "already-applied migrations are not re-run")
}

func TestMigrator_DetectsModifiedAppliedMigration(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_add_collections.sql", "CREATE TABLE collections (id TEXT PRIMARY KEY);")

	db := newTestDB(t)
	m := NewMigrator(db, dir, "sqlite")

	_, err := m.Up(context.Background())
	require.NoError(t, err)

	writeMigration(t, dir, "001_add_collections.sql", "CREATE TABLE collections (id TEXT PRIMARY KEY, name TEXT);")

	_, err = m.Up(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "was modified after being applied")
}

func TestMigrator_DuplicateVersionIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_first.sql", "CREATE TABLE a (id TEXT);")
	writeMigration(t, dir, "001_second.sql", "CREATE TABLE b (id TEXT);")

	db := newTestDB(t)
	m := NewMigrator(db, dir, "sqlite")

	_, err := m.Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version")
}

func TestMigrator_FailedMigrationRollsBack(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_bad.sql", "CREATE TABLE a (id TEXT); this is not valid sql;")

	db := newTestDB(t)
	m := NewMigrator(db, dir, "sqlite")

	_, err := m.Up(context.Background())
	assert.Error(t, err)

	version, err := m.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, version, "a failed migration must not be recorded as applied")
}
