// Package migrate applies SQL schema migrations in lexical filename
// order, recording applied versions in schema_migrations so reruns are
// no-ops.
package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/imancn/marketpipe/internal/logging"
	"github.com/imancn/marketpipe/internal/store"
)

const migrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL
)`

// Apply runs every .sql file in fsys (lexical order) that is not yet
// recorded in schema_migrations. Returns the number of migrations applied.
func Apply(ctx context.Context, st store.Store, fsys fs.FS) (int, error) {
	if _, err := st.Exec(ctx, migrationsTable); err != nil {
		return 0, fmt.Errorf("creating schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		version := strings.TrimSuffix(name, ".sql")
		done, err := isApplied(ctx, st, version)
		if err != nil {
			return applied, err
		}
		if done {
			logging.Debug("Migration %s already applied", version)
			continue
		}

		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", name, err)
		}

		logging.Info("Applying migration %s", version)
		for _, stmt := range splitStatements(string(data)) {
			if _, err := st.Exec(ctx, stmt); err != nil {
				return applied, fmt.Errorf("applying migration %s: %w", version, err)
			}
		}
		if _, err := st.Exec(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)",
			version, time.Now().UTC()); err != nil {
			return applied, fmt.Errorf("recording migration %s: %w", version, err)
		}
		applied++
	}
	return applied, nil
}

func isApplied(ctx context.Context, st store.Store, version string) (bool, error) {
	n, err := st.Exec(ctx,
		"UPDATE schema_migrations SET applied_at = applied_at WHERE version = $1", version)
	if err != nil {
		return false, fmt.Errorf("checking migration %s: %w", version, err)
	}
	return n > 0, nil
}

// splitStatements breaks a migration file on semicolon-terminated
// statements. Migrations here do not use functions or dollar quoting,
// so a simple split is sufficient.
func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
