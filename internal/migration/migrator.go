// Package migration applies versioned SQL schema migrations inside a
// transaction, recording each applied version in a migrations table.
package migration

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// migrationFilePattern matches "001_create_collections.sql" style names;
// the numeric prefix is the migration's version and its ordering key.
var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

// Migration is one versioned schema change loaded from a .sql file.
type Migration struct {
	Version     int
	Description string
	Filename    string
	UpSQL       string
	Checksum    string
}

// Migrator applies pending migrations from a directory against db. dialect
// selects the placeholder syntax for its own bookkeeping table ("sqlite"
// or "postgres"); migration file content is plain SQL and dialect-specific
// only insofar as the caller points Dir at a dialect-specific subtree.
type Migrator struct {
	db      *sql.DB
	dir     string
	dialect string
}

// NewMigrator builds a Migrator reading .sql files from dir.
func NewMigrator(db *sql.DB, dir, dialect string) *Migrator {
	return &Migrator{db: db, dir: dir, dialect: dialect}
}

func (m *Migrator) ph(n int) string {
	if m.dialect == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// ensureSchema creates the migrations bookkeeping table if absent.
func (m *Migrator) ensureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Load reads and parses every migration file in m.dir, sorted by version.
// A duplicate version number is a configuration error.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory %q: %w", m.dir, err)
	}

	var migrations []Migration
	seen := map[int]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("migration file %q has an invalid version prefix: %w", entry.Name(), err)
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %d (%q and %q)", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := os.ReadFile(filepath.Join(m.dir, entry.Name())) // #nosec G304 -- dir is an operator-supplied config path, not user input
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %q: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:     version,
			Description: strings.ReplaceAll(match[2], "_", " "),
			Filename:    entry.Name(),
			UpSQL:       string(content),
			Checksum:    hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// applied returns the checksum recorded for each already-applied version.
func (m *Migrator) applied(ctx context.Context) (map[int]string, error) {
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, "SELECT id, checksum FROM migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	out := map[int]string{}
	for rows.Next() {
		var id int
		var checksum string
		if err := rows.Scan(&id, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan applied migration row: %w", err)
		}
		out[id] = checksum
	}
	return out, rows.Err()
}

// Pending returns the migrations not yet recorded as applied, in version
// order. It returns an error if an already-applied migration's file
// checksum no longer matches what was recorded — the file changed after
// it ran, which this package refuses to silently re-apply or ignore.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	all, err := m.Load()
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, mig := range all {
		checksum, ok := applied[mig.Version]
		if !ok {
			pending = append(pending, mig)
			continue
		}
		if checksum != mig.Checksum {
			return nil, fmt.Errorf("migration %d (%s) was modified after being applied: recorded checksum %s, file now %s",
				mig.Version, mig.Filename, checksum, mig.Checksum)
		}
	}
	return pending, nil
}

// CurrentVersion returns the highest applied migration version, or 0 if
// none have run yet.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}
	version := 0
	for v := range applied {
		if v > version {
			version = v
		}
	}
	return version, nil
}

// Up applies every pending migration in order, each inside its own
// transaction, and returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return 0, err
	}

	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return 0, fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Filename, err)
		}
	}
	return len(pending), nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, mig.UpSQL); err != nil {
		return fmt.Errorf("failed to execute migration sql: %w", err)
	}

	insert := fmt.Sprintf("INSERT INTO migrations (id, description, checksum, applied_at) VALUES (%s, %s, %s, %s)",
		m.ph(1), m.ph(2), m.ph(3), m.ph(4))
	if _, err := tx.ExecContext(ctx, insert, mig.Version, mig.Description, mig.Checksum, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
