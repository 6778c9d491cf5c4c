package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"can-logger/ingestion/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSession struct {
	WriteBatchFunc func(ctx context.Context, batch []TableRows) error
	released       int
	discarded      int
}

func (m *mockSession) WriteBatch(ctx context.Context, batch []TableRows) error {
	return m.WriteBatchFunc(ctx, batch)
}
func (m *mockSession) Release()                { m.released++ }
func (m *mockSession) Discard(context.Context) { m.discarded++ }

type mockOpener struct {
	OpenFunc func(ctx context.Context) (Session, error)
	opened   int
}

func (m *mockOpener) Open(ctx context.Context) (Session, error) {
	m.opened++
	return m.OpenFunc(ctx)
}

func sampleBatch() []TableRows {
	return []TableRows{{
		Table:   "MotorCommands",
		Columns: []string{"throttle", "timeStamp"},
		Rows:    [][]any{{int64(1), 1.0}, {int64(2), 2.0}},
	}}
}

func TestIsContention(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "busy sentinel", err: fmt.Errorf("wrapped: %w", ErrBusy), want: true},
		{name: "lock not available", err: &pgconn.PgError{Code: "55P03"}, want: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: true},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, want: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "undefined column", err: &pgconn.PgError{Code: "42703"}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsContention(tt.err), tt.name)
	}
}

func TestWriteGuard_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	var writes [][]TableRows
	first := &mockSession{WriteBatchFunc: func(_ context.Context, _ []TableRows) error {
		return &pgconn.PgError{Code: "55P03", Message: "could not obtain lock"}
	}}
	second := &mockSession{WriteBatchFunc: func(_ context.Context, b []TableRows) error {
		writes = append(writes, b)
		return nil
	}}
	sessions := []*mockSession{first, second}
	opener := &mockOpener{OpenFunc: func(context.Context) (Session, error) {
		s := sessions[0]
		sessions = sessions[1:]
		return s, nil
	}}

	g := NewWriteGuard(testLogger(), opener, 3, time.Millisecond)
	require.NoError(t, g.Write(context.Background(), sampleBatch()))

	require.Equal(t, 2, opener.opened)
	require.Equal(t, 1, first.discarded)
	require.Len(t, writes, 1)
	require.Equal(t, sampleBatch(), writes[0])

	// The healthy session is kept for the next batch.
	require.NoError(t, g.Write(context.Background(), sampleBatch()))
	require.Equal(t, 2, opener.opened)
	require.Len(t, writes, 2)

	g.Close()
	require.Equal(t, 1, second.released)
}

func TestWriteGuard_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	opener := &mockOpener{OpenFunc: func(context.Context) (Session, error) {
		return &mockSession{WriteBatchFunc: func(context.Context, []TableRows) error {
			calls++
			return ErrBusy
		}}, nil
	}}

	g := NewWriteGuard(testLogger(), opener, 3, time.Millisecond)
	err := g.Write(context.Background(), sampleBatch())
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, 3, calls)
	require.Equal(t, 3, opener.opened)
}

func TestWriteGuard_NonContentionFailsImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	undefined := &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}
	opener := &mockOpener{OpenFunc: func(context.Context) (Session, error) {
		return &mockSession{WriteBatchFunc: func(context.Context, []TableRows) error {
			calls++
			return undefined
		}}, nil
	}}

	g := NewWriteGuard(testLogger(), opener, 5, time.Millisecond)
	err := g.Write(context.Background(), sampleBatch())
	require.ErrorIs(t, err, undefined)
	require.Equal(t, 1, calls)
}

func TestWriteGuard_OpenContentionIsRetried(t *testing.T) {
	t.Parallel()

	attempts := 0
	opener := &mockOpener{OpenFunc: func(context.Context) (Session, error) {
		attempts++
		if attempts == 1 {
			return nil, &pgconn.PgError{Code: "53300"}
		}
		return &mockSession{WriteBatchFunc: func(context.Context, []TableRows) error { return nil }}, nil
	}}

	g := NewWriteGuard(testLogger(), opener, 2, time.Millisecond)
	require.NoError(t, g.Write(context.Background(), sampleBatch()))
	require.Equal(t, 2, attempts)
}

func TestSignalTableDDL(t *testing.T) {
	t.Parallel()

	stmts := signalTableDDL(domainMessage())
	require.Len(t, stmts, 4)
	require.Equal(t,
		`CREATE TABLE IF NOT EXISTS "MotorCommands" (row_id BIGSERIAL PRIMARY KEY, "throttle" BIGINT, "current" DOUBLE PRECISION, "timeStamp" DOUBLE PRECISION NOT NULL)`,
		stmts[0])
	require.Equal(t, `ALTER TABLE "MotorCommands" ADD COLUMN IF NOT EXISTS "current" DOUBLE PRECISION`, stmts[2])
	require.Equal(t, `CREATE INDEX IF NOT EXISTS "MotorCommands_ts_idx" ON "MotorCommands" ("timeStamp")`, stmts[3])
}

func domainMessage() domain.MessageSchema {
	return domain.MessageSchema{
		Name: "MotorCommands",
		ID:   0x406,
		Columns: []domain.Column{
			{Name: "throttle", Type: domain.SignalInt},
			{Name: "current", Type: domain.SignalFloat},
		},
	}
}
