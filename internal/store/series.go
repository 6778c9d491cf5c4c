package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"can-logger/ingestion/internal/domain"
)

// QuerySeries returns (timeStamp, column) pairs within [t0, t1] ordered by
// time. Rows where the column is NULL are skipped. Callers must validate
// table and column against the schema registry.
func (s *PostgresStore) QuerySeries(ctx context.Context, table, column string, t0, t1 float64) ([]domain.Point, error) {
	ts := quote(domain.TimestampColumn)
	col := quote(column)
	query := fmt.Sprintf(`
		SELECT %s, %s::DOUBLE PRECISION
		FROM %s
		WHERE %s BETWEEN $1 AND $2 AND %s IS NOT NULL
		ORDER BY %s, row_id
	`, ts, col, quote(table), ts, col, ts)

	rows, err := s.pool.Query(ctx, query, t0, t1)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s.%s: %w", table, column, err)
	}
	points, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Point, error) {
		var p domain.Point
		err := row.Scan(&p.X, &p.Y)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s.%s: %w", table, column, err)
	}
	return points, nil
}
