package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/vesta/internal/domain"
)

func (s *Store) SaveSchedule(ctx context.Context, sched *domain.Schedule) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now()
	}
	data, err := json.Marshal(sched)
	if err != nil {
		return err
	}
	err = s.db.Exec(ctx, `
		INSERT INTO schedules (id, function_name, data, last_run_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			function_name = EXCLUDED.function_name,
			data = EXCLUDED.data
	`, sched.ID, sched.FunctionName, string(data), sched.LastRunAt.UnixMilli(), sched.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	rows, err := s.db.Query(ctx, `SELECT data FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var scheds []*domain.Schedule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sched domain.Schedule
		if err := json.Unmarshal([]byte(data), &sched); err != nil {
			return nil, err
		}
		scheds = append(scheds, &sched)
	}
	return scheds, rows.Err()
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.db.Exec(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleLastRun(ctx context.Context, id string, at time.Time) error {
	if err := s.db.Exec(ctx, `UPDATE schedules SET last_run_at = ? WHERE id = ?`, at.UnixMilli(), id); err != nil {
		return fmt.Errorf("update schedule last_run: %w", err)
	}
	return nil
}
