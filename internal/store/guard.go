package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"can-logger/ingestion/internal/metrics"
)

// ErrBusy reports that storage is temporarily unavailable for writes.
var ErrBusy = errors.New("storage busy")

// TableRows is one table's share of a batch, in queue order.
type TableRows struct {
	Table   string
	Columns []string
	Rows    [][]any
}

func (t TableRows) Len() int { return len(t.Rows) }

type Session interface {
	WriteBatch(ctx context.Context, batch []TableRows) error
	// Release hands a healthy session back.
	Release()
	// Discard tears the session down; the next Open starts fresh.
	Discard(ctx context.Context)
}

type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// IsContention reports whether err is a transient lock, capacity or
// connection failure worth retrying on a fresh connection.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", // lock_not_available
			"40P01", // deadlock_detected
			"40001", // serialization_failure
			"53300", // too_many_connections
			"57P03": // cannot_connect_now
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// WriteGuard owns the writer session. Every write goes through Write, which
// retries contention failures on a re-opened session up to maxAttempts
// times in total. Other failures are returned at once. A WriteGuard is
// used by a single goroutine.
type WriteGuard struct {
	log         *slog.Logger
	opener      Opener
	session     Session
	maxAttempts uint
	backoff     time.Duration
}

func NewWriteGuard(log *slog.Logger, opener Opener, maxAttempts int, backoff time.Duration) *WriteGuard {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &WriteGuard{
		log:         log,
		opener:      opener,
		maxAttempts: uint(maxAttempts),
		backoff:     backoff,
	}
}

func (g *WriteGuard) Write(ctx context.Context, batch []TableRows) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			metrics.WriteRetries.Inc()
		}
		return struct{}{}, g.write(ctx, batch, attempt)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(g.backoff)),
		backoff.WithMaxTries(g.maxAttempts),
	)
	if err != nil {
		return fmt.Errorf("batch write failed after %d attempt(s): %w", attempt, err)
	}
	return nil
}

func (g *WriteGuard) write(ctx context.Context, batch []TableRows, attempt int) error {
	if g.session == nil {
		s, err := g.opener.Open(ctx)
		if err != nil {
			if IsContention(err) {
				g.log.Warn("store: open failed, will retry", "attempt", attempt, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		g.session = s
	}

	err := g.session.WriteBatch(ctx, batch)
	if err == nil {
		return nil
	}

	g.session.Discard(ctx)
	g.session = nil
	if !IsContention(err) {
		return backoff.Permanent(err)
	}
	g.log.Warn("store: write contention, reconnecting", "attempt", attempt, "error", err)
	return err
}

func (g *WriteGuard) Close() {
	if g.session != nil {
		g.session.Release()
		g.session = nil
	}
}
