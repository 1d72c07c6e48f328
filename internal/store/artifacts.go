package store

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/vesta/internal/domain"
)

func (s *Store) SaveArtifact(ctx context.Context, a *domain.CodeArtifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	err := s.db.Exec(ctx, `
		INSERT INTO code_artifacts (hash, size, path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (hash) DO NOTHING
	`, a.Hash, a.Size, a.Path, a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, hash string) (*domain.CodeArtifact, error) {
	var (
		a  domain.CodeArtifact
		ts int64
	)
	err := s.db.QueryRow(ctx,
		`SELECT hash, size, path, created_at FROM code_artifacts WHERE hash = ?`, hash).
		Scan(&a.Hash, &a.Size, &a.Path, &ts)
	if noRows(err) {
		return nil, fmt.Errorf("artifact %s: %w", hash, domain.ErrFunctionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	a.CreatedAt = time.UnixMilli(ts)
	return &a, nil
}

func (s *Store) DeleteArtifact(ctx context.Context, hash string) error {
	if err := s.db.Exec(ctx, `DELETE FROM code_artifacts WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}
