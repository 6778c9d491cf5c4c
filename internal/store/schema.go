package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"can-logger/ingestion/internal/domain"
)

func columnType(t domain.SignalType) string {
	if t == domain.SignalFloat {
		return "DOUBLE PRECISION"
	}
	return "BIGINT"
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// CreateSignalTables creates one table per catalog message. Columns added
// to the catalog since the table was created are added; columns are never
// dropped.
func (s *PostgresStore) CreateSignalTables(ctx context.Context, schema *domain.Schema) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, m := range schema.Messages {
			for _, stmt := range signalTableDDL(m) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("failed to create table %s: %w", m.Name, err)
				}
			}
		}
		return nil
	})
}

func signalTableDDL(m domain.MessageSchema) []string {
	table := quote(m.Name)
	cols := make([]string, 0, len(m.Columns)+2)
	cols = append(cols, "row_id BIGSERIAL PRIMARY KEY")
	for _, c := range m.Columns {
		cols = append(cols, quote(c.Name)+" "+columnType(c.Type))
	}
	cols = append(cols, quote(domain.TimestampColumn)+" DOUBLE PRECISION NOT NULL")

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(cols, ", ")),
	}
	for _, c := range m.Columns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			table, quote(c.Name), columnType(c.Type)))
	}
	stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote(m.Name+"_ts_idx"), table, quote(domain.TimestampColumn)))
	return stmts
}

func (s *PostgresStore) CreateAlertTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id               BIGSERIAL   PRIMARY KEY,
			name             TEXT        NOT NULL,
			field            TEXT        NOT NULL,
			type             TEXT        NOT NULL,
			category         TEXT        NOT NULL DEFAULT '',
			bool_value       TEXT,
			comparisons_json TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS triggered_alerts (
			id                    BIGSERIAL        PRIMARY KEY,
			alert_id              BIGINT           NOT NULL,
			category              TEXT             NOT NULL DEFAULT '',
			fired_at              TIMESTAMPTZ      NOT NULL,
			can_message_id        BIGINT           NOT NULL,
			can_message_data      BYTEA,
			can_message_timestamp DOUBLE PRECISION,
			signal                TEXT             NOT NULL,
			fail_cause            TEXT             NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggered_alerts_fired_at
			ON triggered_alerts (fired_at DESC, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create alert tables: %w", err)
		}
	}
	return nil
}

// ClearSignalTables empties every signal table. Alert tables are kept.
func (s *PostgresStore) ClearSignalTables(ctx context.Context, schema *domain.Schema) error {
	if len(schema.Messages) == 0 {
		return nil
	}
	tables := make([]string, 0, len(schema.Messages))
	for _, m := range schema.Messages {
		tables = append(tables, quote(m.Name))
	}
	_, err := s.pool.Exec(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY")
	if err != nil {
		return fmt.Errorf("failed to clear signal tables: %w", err)
	}
	return nil
}

// MissingTables lists the expected tables that do not exist.
func (s *PostgresStore) MissingTables(ctx context.Context, schema *domain.Schema) ([]string, error) {
	want := []string{"alerts", "triggered_alerts"}
	for _, m := range schema.Messages {
		want = append(want, m.Name)
	}
	var missing []string
	for _, table := range want {
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = current_schema() AND table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	return missing, nil
}
