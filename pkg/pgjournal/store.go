// Copyright 2025 Aura Protocol
//
// Durable Postgres mirror of the fact journal (C2). Grounded on
// pkg/database/client.go's connection-pool construction, health check,
// and embedded-migration-runner shape, carrying facts instead of proof
// artifacts: one row per content-addressed journal.Fact, the full wire
// envelope stored as JSONB alongside a queryable context column so
// FetchContextJournal doesn't need to deserialize every row in the
// table.

package pgjournal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a journal.FactSink backed by a Postgres connection pool. It
// implements the same narrow insert contract as the in-memory
// journal.Journal so callers can swap backends without touching C2-C8
// logic.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger for the store.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore opens a connection pool against dsn and verifies connectivity.
func NewStore(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	store := &Store{logger: log.New(log.Writer(), "[pgjournal] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(store)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	store.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store.logger.Printf("connected to postgres fact journal (max_open=%d, max_idle=%d)", maxOpenConns, maxIdleConns)
	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertFact implements journal.FactSink: it stores f's full wire
// envelope keyed by its content-addressed id, tampered or malformed facts
// rejected the same way journal.Journal.InsertFact rejects them.
func (s *Store) InsertFact(ctx context.Context, f journal.Fact) (bool, error) {
	if !f.Verify() {
		return false, fmt.Errorf("fact id does not match content")
	}
	envelope, err := json.Marshal(f)
	if err != nil {
		return false, fmt.Errorf("marshal fact envelope: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (id, timestamp_ms, author, context, content_kind, envelope)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, f.ID.String(), f.TimestampMs, f.Author.String(), f.Content.Context().String(), f.Content.Kind(), envelope)
	if err != nil {
		return false, fmt.Errorf("insert fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// FetchContextJournal loads every fact scoped to ctx into a fresh
// in-memory journal.Journal, mirroring journal.Journal's own method of
// the same name so callers can treat a Postgres-backed context read the
// same way as an in-memory one.
func (s *Store) FetchContextJournal(ctx context.Context, contextId ids.ContextId) (*journal.Journal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT envelope FROM facts WHERE context = $1`, contextId.String())
	if err != nil {
		return nil, fmt.Errorf("query facts by context: %w", err)
	}
	defer rows.Close()

	out := journal.New()
	for rows.Next() {
		var envelope []byte
		if err := rows.Scan(&envelope); err != nil {
			return nil, fmt.Errorf("scan fact envelope: %w", err)
		}
		var f journal.Fact
		if err := json.Unmarshal(envelope, &f); err != nil {
			return nil, fmt.Errorf("unmarshal fact envelope: %w", err)
		}
		if _, err := out.InsertFact(ctx, f); err != nil {
			return nil, err
		}
	}
	return out, rows.Err()
}

// MigrateUp applies every pending embedded migration, in filename order.
func (s *Store) MigrateUp(ctx context.Context) error {
	s.logger.Println("running pgjournal migrations...")

	migrations, err := s.loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("load applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, m := range migrations {
		if applied[m.version] {
			s.logger.Printf("  skipping %s (already applied)", m.version)
			continue
		}
		s.logger.Printf("  applying %s...", m.version)
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
	}

	s.logger.Println("pgjournal migrations complete")
	return nil
}

type migration struct {
	version string
	sql     string
}

func (s *Store) loadMigrations() ([]migration, error) {
	var migrations []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		migrations = append(migrations, migration{
			version: strings.TrimSuffix(d.Name(), ".sql"),
			sql:     string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	return tx.Commit()
}
