package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore wraps one connection pool. The pipeline opens one per role
// (writer, alert, reader) so a long downsample query never shares a
// connection with the storage consumer.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Open acquires a dedicated connection for batch writes.
func (s *PostgresStore) Open(ctx context.Context) (Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &pgSession{conn: conn}, nil
}

type pgSession struct {
	conn *pgxpool.Conn
}

// WriteBatch copies every table's rows inside one transaction, so a failed
// batch leaves nothing behind and can be retried as a whole.
func (s *pgSession) WriteBatch(ctx context.Context, batch []TableRows) error {
	return pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		for _, t := range batch {
			if len(t.Rows) == 0 {
				continue
			}
			n, err := tx.CopyFrom(ctx, pgx.Identifier{t.Table}, t.Columns, pgx.CopyFromRows(t.Rows))
			if err != nil {
				return fmt.Errorf("CopyFrom failed for %s (%d rows): %w", t.Table, len(t.Rows), err)
			}
			if int(n) != len(t.Rows) {
				return fmt.Errorf("CopyFrom for %s wrote %d of %d rows", t.Table, n, len(t.Rows))
			}
		}
		return nil
	})
}

func (s *pgSession) Release() {
	s.conn.Release()
}

// Discard closes the underlying connection so the pool replaces it.
func (s *pgSession) Discard(ctx context.Context) {
	_ = s.conn.Conn().Close(ctx)
	s.conn.Release()
}
