package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/ignite/automation-engine/internal/config"
)

func main() {
	dir := flag.String("dir", "migrations", "directory of *.sql migrations")
	listOnly := flag.Bool("list", false, "list applied migrations and exit")
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename    TEXT PRIMARY KEY,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		log.Fatalf("create schema_migrations: %v", err)
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		log.Fatal(err)
	}

	if *listOnly {
		names := make([]string, 0, len(applied))
		for name := range applied {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Println(" ", name)
		}
		fmt.Printf("Total: %d applied\n", len(names))
		return
	}

	files, err := pendingMigrations(*dir, applied)
	if err != nil {
		log.Fatal(err)
	}

	for _, f := range files {
		fmt.Printf("  %s ... ", f)
		if err := apply(ctx, db, *dir, f); err != nil {
			fmt.Println("ERROR")
			log.Fatalf("%s: %v", f, err)
		}
		fmt.Println("OK")
	}
	log.Printf("Migrations complete: %d applied, %d already present", len(files), len(applied))
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// pendingMigrations lists *.sql files in dir, in name order, that are not in
// applied.
func pendingMigrations(dir string, applied map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") || applied[e.Name()] {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one file and records it in the same transaction.
func apply(ctx context.Context, db *sql.DB, dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if strings.TrimSpace(string(data)) != "" {
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
		return err
	}
	return tx.Commit()
}
