package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spacefleet/collector/internal/models"
)

const thresholdColumns = `id, name, metric, operator, value, host_id, mount_point, target, enabled, cooldown_seconds`

func scanThreshold(row rowScanner) (models.AlertThreshold, error) {
	var t models.AlertThreshold
	var metric, op string
	var cooldown int64
	if err := row.Scan(&t.ID, &t.Name, &metric, &op, &t.Value, &t.HostID,
		&t.MountPoint, &t.Target, &t.Enabled, &cooldown); err != nil {
		return models.AlertThreshold{}, err
	}
	t.Metric = models.Metric(metric)
	t.Operator = models.Operator(op)
	t.Cooldown = time.Duration(cooldown) * time.Second
	return t, nil
}

func validateThreshold(t models.AlertThreshold) error {
	if _, err := t.Metric.Value(models.FilesystemRecord{}); err != nil {
		return err
	}
	if _, err := t.Operator.Compare(0, 0); err != nil {
		return err
	}
	if t.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	return nil
}

// CreateThreshold inserts an alert threshold
func (s *Store) CreateThreshold(ctx context.Context, t models.AlertThreshold) (models.AlertThreshold, error) {
	if err := validateThreshold(t); err != nil {
		return models.AlertThreshold{}, fmt.Errorf("invalid threshold %q: %w", t.Name, err)
	}
	out, err := scanThreshold(s.db.QueryRowContext(ctx,
		`INSERT INTO alert_threshold (name, metric, operator, value, host_id, mount_point, target, enabled, cooldown_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+thresholdColumns,
		t.Name, string(t.Metric), string(t.Operator), t.Value, t.HostID, t.MountPoint, t.Target,
		t.Enabled, int64(t.Cooldown/time.Second),
	))
	if err != nil {
		return models.AlertThreshold{}, fmt.Errorf("insert threshold: %w", err)
	}
	return out, nil
}

// UpdateThreshold overwrites the threshold with t.ID
func (s *Store) UpdateThreshold(ctx context.Context, t models.AlertThreshold) (models.AlertThreshold, error) {
	if err := validateThreshold(t); err != nil {
		return models.AlertThreshold{}, fmt.Errorf("invalid threshold %q: %w", t.Name, err)
	}
	out, err := scanThreshold(s.db.QueryRowContext(ctx,
		`UPDATE alert_threshold SET name = ?, metric = ?, operator = ?, value = ?, host_id = ?,
		   mount_point = ?, target = ?, enabled = ?, cooldown_seconds = ?
		 WHERE id = ?
		 RETURNING `+thresholdColumns,
		t.Name, string(t.Metric), string(t.Operator), t.Value, t.HostID, t.MountPoint, t.Target,
		t.Enabled, int64(t.Cooldown/time.Second), t.ID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AlertThreshold{}, fmt.Errorf("threshold %d: %w", t.ID, ErrNotFound)
		}
		return models.AlertThreshold{}, fmt.Errorf("update threshold: %w", err)
	}
	return out, nil
}

// DeleteThreshold removes a threshold
func (s *Store) DeleteThreshold(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_threshold WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete threshold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("threshold %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListThresholds returns thresholds in evaluation order (by id)
func (s *Store) ListThresholds(ctx context.Context) ([]models.AlertThreshold, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+thresholdColumns+` FROM alert_threshold ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list thresholds: %w", err)
	}
	defer rows.Close()

	var out []models.AlertThreshold
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan threshold: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list thresholds rows: %w", err)
	}
	return out, nil
}
