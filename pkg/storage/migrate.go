package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/hubsub/pkg/errs"
)

//go:embed migrations/sqlite
var sqliteMigrationsFS embed.FS

//go:embed migrations/postgres
var postgresMigrationsFS embed.FS

// Supported schema range for this build (spec §4.1.4). Bump max when a
// new version directory is added under migrations/.
const (
	migrationsMinVersion = "1.0.0"
	migrationsMaxVersion = "1.0.0"
)

type schemaVersion struct {
	major, minor, patch int
}

func (v schemaVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.major, v.minor, v.patch)
}

func (v schemaVersion) compare(o schemaVersion) int {
	switch {
	case v.major != o.major:
		return v.major - o.major
	case v.minor != o.minor:
		return v.minor - o.minor
	default:
		return v.patch - o.patch
	}
}

func parseSchemaVersion(name string) (schemaVersion, error) {
	parts := strings.Split(name, ".")
	if len(parts) != 3 {
		return schemaVersion{}, fmt.Errorf("migrate: malformed version directory %q", name)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return schemaVersion{}, fmt.Errorf("migrate: malformed version directory %q: %w", name, err)
		}
		nums[i] = n
	}
	return schemaVersion{nums[0], nums[1], nums[2]}, nil
}

// tableExistsFunc checks, in a dialect-specific way, whether
// _meta_schema_version has been created yet.
type tableExistsFunc func(ctx context.Context, db *sql.DB) (bool, error)

// runMigrations applies every version directory under assets/subdir
// strictly greater than the database's current version and at most
// migrationsMaxVersion, each inside its own transaction, in ascending
// order (spec §4.1.4, §9). If the database already has a version outside
// [migrationsMinVersion, migrationsMaxVersion], it fails fatally.
func runMigrations(ctx context.Context, db *sql.DB, assets embed.FS, subdir string, hasTable tableExistsFunc) error {
	current, err := readCurrentVersion(ctx, db, hasTable)
	if err != nil {
		return fmt.Errorf("migrate %s: read current version: %w", subdir, err)
	}

	minV, _ := parseSchemaVersion(migrationsMinVersion)
	maxV, _ := parseSchemaVersion(migrationsMaxVersion)
	if current != (schemaVersion{}) && (current.compare(minV) < 0 || current.compare(maxV) > 0) {
		return errs.New(errs.MigrationNeeded, fmt.Sprintf("migrate %s: schema at %s, supported range [%s, %s]", subdir, current, migrationsMinVersion, migrationsMaxVersion))
	}

	versions, err := listVersions(assets, subdir)
	if err != nil {
		return fmt.Errorf("migrate %s: list versions: %w", subdir, err)
	}

	for _, v := range versions {
		if v.compare(current) <= 0 || v.compare(maxV) > 0 {
			continue
		}
		raw, err := fs.ReadFile(assets, subdir+"/"+v.String()+"/apply.sql")
		if err != nil {
			return fmt.Errorf("migrate %s: read %s/apply.sql: %w", subdir, v, err)
		}
		if err := applyInTransaction(ctx, db, raw); err != nil {
			return fmt.Errorf("migrate %s: apply %s: %w", subdir, v, err)
		}
	}
	return nil
}

func readCurrentVersion(ctx context.Context, db *sql.DB, hasTable tableExistsFunc) (schemaVersion, error) {
	ok, err := hasTable(ctx, db)
	if err != nil {
		return schemaVersion{}, err
	}
	if !ok {
		return schemaVersion{}, nil
	}

	row := db.QueryRowContext(ctx, `SELECT major, minor, patch FROM _meta_schema_version ORDER BY major DESC, minor DESC, patch DESC LIMIT 1`)
	var v schemaVersion
	if err := row.Scan(&v.major, &v.minor, &v.patch); err != nil {
		if err == sql.ErrNoRows {
			return schemaVersion{}, nil
		}
		return schemaVersion{}, err
	}
	return v, nil
}

func listVersions(assets embed.FS, subdir string) ([]schemaVersion, error) {
	entries, err := fs.ReadDir(assets, subdir)
	if err != nil {
		return nil, err
	}
	var versions []schemaVersion
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := parseSchemaVersion(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].compare(versions[j]) < 0 })
	return versions, nil
}

func applyInTransaction(ctx context.Context, db *sql.DB, script []byte) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(string(script)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec statement: %w", err)
		}
	}
	return tx.Commit()
}

// splitStatements breaks a migration script into individual statements
// on ";" boundaries, treating "$$ ... $$" dollar-quoted bodies (used by
// the postgres trigger function) as opaque so their internal semicolons
// are not split on.
func splitStatements(script string) []string {
	var stmts []string
	var sb strings.Builder
	inDollarQuote := false

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == '$' && i+1 < len(runes) && runes[i+1] == '$' {
			inDollarQuote = !inDollarQuote
			sb.WriteRune('$')
			sb.WriteRune('$')
			i++
			continue
		}
		if c == ';' && !inDollarQuote {
			if s := strings.TrimSpace(sb.String()); s != "" {
				stmts = append(stmts, s)
			}
			sb.Reset()
			continue
		}
		sb.WriteRune(c)
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}
