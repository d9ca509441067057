// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the persisted state layout of spec §6.5: a
// single relational store holding sessions, turns, checkpoints, episodes,
// chunks, and patterns. The default driver is embedded SQLite
// (github.com/mattn/go-sqlite3), matching Sindri's local-first posture;
// github.com/lib/pq is wired as an alternate driver behind the same
// database/sql handle for deployments that need a shared store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver selects the backing SQL engine.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config configures the store.
type Config struct {
	Driver Driver `yaml:"driver"`
	// DSN is the sqlite file path or the postgres connection string.
	DSN string `yaml:"dsn"`
}

// Store wraps a database/sql handle and implements the six logical tables
// of spec §6.5.
type Store struct {
	db     *sql.DB
	driver Driver
}

const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		task_description TEXT NOT NULL,
		model TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls_json TEXT,
		timestamp TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		task_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		status TEXT NOT NULL,
		payload TEXT,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		embedding_ref TEXT,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		path TEXT NOT NULL,
		line_range TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding_ref TEXT,
		content_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		context_tag TEXT NOT NULL,
		keywords_json TEXT,
		tool_sequence_json TEXT,
		success_rate REAL NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_episodes_project ON episodes(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_namespace ON chunks(namespace)`,
}

// Open connects to the store and applies schema migrations, backing up the
// existing sqlite file first (spec §6.5: "all schema changes must produce a
// backup of the store before applying").
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driverName := "sqlite3"
	if cfg.Driver == DriverPostgres {
		driverName = "postgres"
	} else if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}

	if cfg.Driver == DriverSQLite {
		if err := backupSQLiteFile(cfg.DSN); err != nil {
			slog.Warn("checkpoint: sqlite backup before migration failed", "error", err)
		}
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", cfg.Driver, err)
	}

	s := &Store{db: db, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func backupSQLiteFile(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil // nothing to back up yet
	}
	backupPath := fmt.Sprintf("%s.bak-%d", path, time.Now().Unix())
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("store: read schema_version: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("store: seed schema_version: %w", err)
		}
	}

	return tx.Commit()
}

// CheckIntegrity runs the backend's integrity check at startup (spec §6.5).
func (s *Store) CheckIntegrity(ctx context.Context) error {
	if s.driver != DriverSQLite {
		return s.db.PingContext(ctx)
	}
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("store: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("store: integrity check failed: %s", result)
	}
	return nil
}

// DB exposes the underlying handle for packages (session, checkpoint,
// memory) that run their own statements against the shared schema.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DefaultSQLitePath returns the default local-first database location,
// creating its parent directory if necessary.
func DefaultSQLitePath(baseDir string) (string, error) {
	dir := filepath.Join(baseDir, ".sindri")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "sindri.db"), nil
}
