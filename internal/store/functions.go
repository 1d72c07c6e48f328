package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oriys/vesta/internal/domain"
)

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// isUniqueViolation matches the duplicate-key errors of both backends well
// enough to map them to ErrResourceConflict.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

func (s *Store) SaveFunction(ctx context.Context, fn *domain.Function) error {
	if fn.ID == "" || fn.Name == "" {
		return fmt.Errorf("%w: function id and name are required", domain.ErrInvalidParameter)
	}

	now := time.Now()
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = now
	}
	fn.UpdatedAt = now

	data, err := json.Marshal(fn)
	if err != nil {
		return err
	}

	err = s.db.Exec(ctx, `
		INSERT INTO functions (id, name, state, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			state = EXCLUDED.state,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, fn.ID, fn.Name, string(fn.State), string(data), fn.CreatedAt.UnixMilli(), fn.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: function %q", domain.ErrResourceConflict, fn.Name)
		}
		return fmt.Errorf("save function: %w", err)
	}
	return nil
}

func (s *Store) GetFunction(ctx context.Context, id string) (*domain.Function, error) {
	return s.getFunctionWhere(ctx, "id = ?", id)
}

func (s *Store) GetFunctionByName(ctx context.Context, name string) (*domain.Function, error) {
	return s.getFunctionWhere(ctx, "name = ?", name)
}

func (s *Store) getFunctionWhere(ctx context.Context, where string, arg any) (*domain.Function, error) {
	var data string
	err := s.db.QueryRow(ctx, "SELECT data FROM functions WHERE "+where, arg).Scan(&data)
	if noRows(err) {
		return nil, fmt.Errorf("%w: %v", domain.ErrFunctionNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}

	var fn domain.Function
	if err := json.Unmarshal([]byte(data), &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

func (s *Store) ListFunctions(ctx context.Context) ([]*domain.Function, error) {
	rows, err := s.db.Query(ctx, `SELECT data FROM functions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var fns []*domain.Function
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var fn domain.Function
		if err := json.Unmarshal([]byte(data), &fn); err != nil {
			return nil, err
		}
		fns = append(fns, &fn)
	}
	return fns, rows.Err()
}

// DeleteFunction erases the function record and its versions atomically.
func (s *Store) DeleteFunction(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.Exec(ctx, `DELETE FROM function_versions WHERE function_id = ?`, id); err != nil {
		return fmt.Errorf("delete versions: %w", err)
	}
	if err := tx.Exec(ctx, `DELETE FROM functions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete function: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) SaveVersion(ctx context.Context, v *domain.FunctionVersion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = s.db.Exec(ctx, `
		INSERT INTO function_versions (function_id, version, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (function_id, version) DO UPDATE SET data = EXCLUDED.data
	`, v.FunctionID, v.Version, string(data), v.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save version: %w", err)
	}
	return nil
}

func (s *Store) ListVersions(ctx context.Context, functionID string) ([]*domain.FunctionVersion, error) {
	rows, err := s.db.Query(ctx,
		`SELECT data FROM function_versions WHERE function_id = ? ORDER BY version`, functionID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []*domain.FunctionVersion
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v domain.FunctionVersion
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, err
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}
