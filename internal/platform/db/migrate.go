package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMigrationModified is returned when a migration that was already applied
// no longer matches the file shipped in the binary. The immutability and lock
// triggers live in migrations, so such drift is never applied silently.
var ErrMigrationModified = errors.New("applied migration has been modified")

// Migration is one numbered SQL file, e.g. 002_domain_event.sql.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus is the state of one migration in a schema.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
	// Modified is set when the recorded checksum differs from the file.
	Modified bool
}

// appliedMigration is a row of the _migrations table. Checksum is empty for
// rows recorded before checksums were tracked.
type appliedMigration struct {
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Migrator applies the embedded SQL files to a tenant schema.
type Migrator struct {
	pool *pgxpool.Pool
	fsys fs.FS
}

func NewMigrator(pool *pgxpool.Pool, fsys fs.FS) *Migrator {
	return &Migrator{pool: pool, fsys: fsys}
}

// schemaPattern matches the unquoted schema names tenant creation produces.
var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func checksumSQL(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// parseMigrationName returns the version prefix of "NNN_name.sql".
func parseMigrationName(name string) (int, bool) {
	if path.Ext(name) != ".sql" {
		return 0, false
	}
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, false
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, false
	}
	return v, true
}

// LoadMigrations reads the top-level *.sql files in version order.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, ok := parseMigrationName(entry.Name())
		if !ok {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, entry.Name(), version)
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(m.fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     entry.Name(),
			SQL:      string(content),
			Checksum: checksumSQL(string(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// reconcile compares the shipped files with what a schema has recorded.
func reconcile(files []Migration, applied map[int]appliedMigration) ([]MigrationStatus, []Migration) {
	statuses := make([]MigrationStatus, 0, len(files))
	var pending []Migration
	for _, f := range files {
		st := MigrationStatus{Version: f.Version, Name: f.Name}
		if row, ok := applied[f.Version]; ok {
			at := row.AppliedAt
			st.Applied = true
			st.AppliedAt = &at
			st.Modified = row.Checksum != "" && row.Checksum != f.Checksum
		} else {
			pending = append(pending, f)
		}
		statuses = append(statuses, st)
	}
	return statuses, pending
}

// checkModified fails with ErrMigrationModified naming every drifted file.
func checkModified(statuses []MigrationStatus) error {
	var names []string
	for _, st := range statuses {
		if st.Modified {
			names = append(names, st.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMigrationModified, strings.Join(names, ", "))
}

func (m *Migrator) ensureTable(ctx context.Context, schema string) error {
	table := schema + "._migrations"
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    checksum CHAR(64),
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		`ALTER TABLE ` + table + ` ADD COLUMN IF NOT EXISTS checksum CHAR(64)`,
	}
	for _, stmt := range stmts {
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("prepare %s: %w", table, err)
		}
	}
	return nil
}

func (m *Migrator) readApplied(ctx context.Context, schema string) (map[int]appliedMigration, error) {
	query := `SELECT version, name, COALESCE(checksum, ''), applied_at FROM ` + schema + "._migrations"
	rows, err := m.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations in %s: %w", schema, err)
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var v int
		var row appliedMigration
		if err := rows.Scan(&v, &row.Name, &row.Checksum, &row.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = row
	}
	return applied, rows.Err()
}

// plan loads the files and the schema's history and reconciles them.
func (m *Migrator) plan(ctx context.Context, schema string) ([]MigrationStatus, []Migration, map[int]appliedMigration, error) {
	if !schemaPattern.MatchString(schema) {
		return nil, nil, nil, fmt.Errorf("invalid schema name %q", schema)
	}
	if err := m.ensureTable(ctx, schema); err != nil {
		return nil, nil, nil, err
	}
	files, err := m.LoadMigrations()
	if err != nil {
		return nil, nil, nil, err
	}
	applied, err := m.readApplied(ctx, schema)
	if err != nil {
		return nil, nil, nil, err
	}
	statuses, pending := reconcile(files, applied)
	return statuses, pending, applied, nil
}

// Up applies pending migrations to schema, one transaction each, and returns
// how many ran. Nothing is applied while any recorded migration has drifted.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	statuses, pending, applied, err := m.plan(ctx, schema)
	if err != nil {
		return 0, err
	}
	if err := checkModified(statuses); err != nil {
		return 0, err
	}
	if err := m.backfillChecksums(ctx, schema, applied); err != nil {
		return 0, err
	}

	for i, mig := range pending {
		if err := m.apply(ctx, schema, mig); err != nil {
			return i, fmt.Errorf("apply migration %s: %w", mig.Name, err)
		}
	}
	return len(pending), nil
}

// backfillChecksums stamps rows written before checksums were recorded with
// the checksum of the file now shipped.
func (m *Migrator) backfillChecksums(ctx context.Context, schema string, applied map[int]appliedMigration) error {
	files, err := m.LoadMigrations()
	if err != nil {
		return err
	}
	table := schema + "._migrations"
	for _, f := range files {
		row, ok := applied[f.Version]
		if !ok || row.Checksum != "" {
			continue
		}
		if _, err := m.pool.Exec(ctx,
			`UPDATE `+table+` SET checksum = $1 WHERE version = $2 AND checksum IS NULL`,
			f.Checksum, f.Version,
		); err != nil {
			return fmt.Errorf("record checksum for %s: %w", f.Name, err)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, schema string, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	searchPath := schema + ", shared, public"
	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+searchPath); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO "+schema+"._migrations (version, name, checksum) VALUES ($1, $2, $3)",
		mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}

// Status lists every shipped migration for schema, flagging drifted files.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	statuses, _, _, err := m.plan(ctx, schema)
	return statuses, err
}
