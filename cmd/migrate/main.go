package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var embedded embed.FS

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
		direction = flag.String("direction", "up", "Migration direction: up or down")
		steps     = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
		dir       = flag.String("dir", "", "Read migrations from this directory instead of the built-in set")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	if *direction != "up" && *direction != "down" {
		log.Fatalf("direction must be 'up' or 'down', got: %s", *direction)
	}

	var source fs.FS
	if *dir != "" {
		source = os.DirFS(*dir)
	} else {
		sub, err := fs.Sub(embedded, "migrations")
		if err != nil {
			log.Fatalf("Failed to open built-in migrations: %v", err)
		}
		source = sub
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		log.Fatal(err)
	}

	files, err := pending(source, *direction, applied)
	if err != nil {
		log.Fatal(err)
	}
	if *steps > 0 && len(files) > *steps {
		files = files[:*steps]
	}

	for _, name := range files {
		fmt.Printf("Running migration: %s\n", name)
		if err := apply(ctx, pool, source, name, *direction); err != nil {
			log.Fatal(err)
		}
	}

	if len(files) == 0 {
		fmt.Println("No migrations to apply")
	} else {
		fmt.Printf("Applied %d migration(s)\n", len(files))
	}
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := pool.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// pending lists the files to run in order: ascending for up, descending for down
func pending(source fs.FS, direction string, applied map[string]bool) ([]string, error) {
	suffix := "." + direction + ".sql"
	names, err := fs.Glob(source, "*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("failed to find migration files: %w", err)
	}

	sort.Strings(names)
	if direction == "down" {
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	}

	var out []string
	for _, name := range names {
		version := strings.TrimSuffix(path.Base(name), suffix)
		if applied[version] == (direction == "up") {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func apply(ctx context.Context, pool *pgxpool.Pool, source fs.FS, name, direction string) error {
	content, err := fs.ReadFile(source, name)
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", name, err)
	}
	version := strings.TrimSuffix(path.Base(name), "."+direction+".sql")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", name, err)
	}

	if direction == "up" {
		_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
	} else {
		_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
	}
	if err != nil {
		return fmt.Errorf("failed to update migrations table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	fmt.Printf("Applied migration: %s\n", version)
	return nil
}
