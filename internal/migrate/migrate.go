// Package migrate applies the embedded SQL migrations for the tables this
// tool owns: ban_addresses, owner_housing_scores, address_job_runs and
// first_names. Housing and owner tables belong to the host application and
// are never created here.
package migrate

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// advisoryLockID serializes concurrent migrate runs against one database.
const advisoryLockID = 5401746

// Run applies every migration file not yet recorded in
// zlv_schema_migrations, in filename order. It returns the names applied.
func Run(ctx context.Context, pool db.Pool) ([]string, error) {
	log := zap.L().With(zap.String("component", "migrate"))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		return nil, eris.Wrap(err, "migrate: acquire advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			log.Warn("migrate: failed to release advisory lock", zap.Error(err))
		}
	}()

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS zlv_schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, eris.Wrap(err, "migrate: ensure migration table")
	}

	names, err := Files()
	if err != nil {
		return nil, err
	}

	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return done, eris.Wrapf(err, "migrate: read %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if err := apply(ctx, pool, name, string(data)); err != nil {
			return done, err
		}
		done = append(done, name)
	}

	log.Info("migrations up to date", zap.Int("applied", len(done)), zap.Int("total", len(names)))
	return done, nil
}

// apply runs one migration and records it in the same transaction.
func apply(ctx context.Context, pool db.Pool, name, sql string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "migrate: begin %s", name)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, sql); err != nil {
		return eris.Wrapf(err, "migrate: apply %s", name)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO zlv_schema_migrations (filename, applied_at) VALUES ($1, now())", name,
	); err != nil {
		return eris.Wrapf(err, "migrate: record %s", name)
	}
	return eris.Wrapf(tx.Commit(ctx), "migrate: commit %s", name)
}

// Files lists the embedded migration filenames in apply order.
func Files() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "migrate: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func appliedMigrations(ctx context.Context, pool db.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM zlv_schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "migrate: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "migrate: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "migrate: iterate migration rows")
}
