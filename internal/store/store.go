// Package store persists function metadata: records, versions, aliases,
// code-artifact references, and schedules. Rows hold the full record as a
// JSON blob next to the columns the store filters on, so schema churn stays
// confined to the domain structs.
//
// The warm pool and queues are deliberately not persisted; they are
// in-memory state rebuilt from engine inspection at startup.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/vesta/internal/db"
	"github.com/oriys/vesta/internal/domain"
)

// Registry is the read/write surface the control API and dispatcher use.
type Registry interface {
	SaveFunction(ctx context.Context, fn *domain.Function) error
	GetFunction(ctx context.Context, id string) (*domain.Function, error)
	GetFunctionByName(ctx context.Context, name string) (*domain.Function, error)
	ListFunctions(ctx context.Context) ([]*domain.Function, error)
	DeleteFunction(ctx context.Context, id string) error

	SaveVersion(ctx context.Context, v *domain.FunctionVersion) error
	ListVersions(ctx context.Context, functionID string) ([]*domain.FunctionVersion, error)

	SaveArtifact(ctx context.Context, a *domain.CodeArtifact) error
	GetArtifact(ctx context.Context, hash string) (*domain.CodeArtifact, error)
	DeleteArtifact(ctx context.Context, hash string) error

	SaveSchedule(ctx context.Context, s *domain.Schedule) error
	ListSchedules(ctx context.Context) ([]*domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	UpdateScheduleLastRun(ctx context.Context, id string, at time.Time) error

	Close() error
}

// Store is the production Registry over a db.Database.
type Store struct {
	db db.Database
}

// New opens the store and applies the schema.
func New(ctx context.Context, database db.Database) (*Store, error) {
	s := &Store{db: database}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS functions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS function_versions (
			function_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (function_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS code_artifacts (
			hash TEXT PRIMARY KEY,
			size BIGINT NOT NULL,
			path TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			function_name TEXT NOT NULL,
			data TEXT NOT NULL,
			last_run_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying database for health checks.
func (s *Store) DB() db.Database { return s.db }

func (s *Store) Close() error { return s.db.Close() }
