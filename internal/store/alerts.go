package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"can-logger/ingestion/internal/domain"
)

var ErrNotFound = errors.New("not found")

func (s *PostgresStore) InsertRule(ctx context.Context, r domain.AlertRule) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (name, field, type, category, bool_value, comparisons_json)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		RETURNING id
	`, r.Name, r.Field, string(r.Kind), r.Category, r.BoolValue, r.Comparisons).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert rule: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert rule %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]domain.AlertRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, field, type, category,
		       COALESCE(bool_value, ''), COALESCE(comparisons_json, '')
		FROM alerts
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AlertRule, error) {
		var r domain.AlertRule
		var kind string
		err := row.Scan(&r.ID, &r.Name, &r.Field, &kind, &r.Category, &r.BoolValue, &r.Comparisons)
		r.Kind = domain.AlertKind(kind)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert rules: %w", err)
	}
	return rules, nil
}

func (s *PostgresStore) InsertTriggeredAlert(ctx context.Context, a *domain.TriggeredAlert) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO triggered_alerts
			(alert_id, category, fired_at, can_message_id, can_message_data,
			 can_message_timestamp, signal, fail_cause)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		a.AlertID,
		a.Category,
		a.FiredAt,
		int64(a.SourceMessageID),
		a.SourcePayload,
		a.SourceTimestamp,
		a.Signal,
		a.Cause,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert triggered alert: %w", err)
	}
	return id, nil
}

// ListTriggered returns triggered alerts newest first. A limit of zero or
// less returns every row.
func (s *PostgresStore) ListTriggered(ctx context.Context, limit, offset int) ([]domain.TriggeredAlert, error) {
	query := `
		SELECT t.id, t.alert_id, COALESCE(a.name, ''), t.category, t.fired_at,
		       t.can_message_id, COALESCE(t.can_message_data, ''::bytea),
		       COALESCE(t.can_message_timestamp, 0), t.signal, t.fail_cause
		FROM triggered_alerts t
		LEFT JOIN alerts a ON a.id = t.alert_id
		ORDER BY t.fired_at DESC, t.id DESC
		OFFSET $1`
	args := []any{max(offset, 0)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggered alerts: %w", err)
	}
	alerts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.TriggeredAlert, error) {
		var a domain.TriggeredAlert
		var frameID int64
		err := row.Scan(&a.ID, &a.AlertID, &a.RuleName, &a.Category, &a.FiredAt,
			&frameID, &a.SourcePayload, &a.SourceTimestamp, &a.Signal, &a.Cause)
		a.SourceMessageID = uint32(frameID)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan triggered alerts: %w", err)
	}
	return alerts, nil
}
