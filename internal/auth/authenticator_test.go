package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mockLookup struct {
	GetAPIKeyFunc func(ctx context.Context, apiKey string) (string, error)
	calls         int
}

func (m *mockLookup) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	m.calls++
	return m.GetAPIKeyFunc(ctx, apiKey)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuthenticator_StaticKeys(t *testing.T) {
	t.Parallel()

	a := NewAuthenticator(testLogger(), []string{"", "dev-key"}, time.Minute, nil)

	owner, ok := a.Validate(context.Background(), "dev-key")
	require.True(t, ok)
	require.Equal(t, "static", owner)

	_, ok = a.Validate(context.Background(), "other")
	require.False(t, ok)
	_, ok = a.Validate(context.Background(), "")
	require.False(t, ok)
}

func TestAuthenticator_CachesLookups(t *testing.T) {
	t.Parallel()

	lookup := &mockLookup{GetAPIKeyFunc: func(_ context.Context, apiKey string) (string, error) {
		if apiKey == "pit-crew" {
			return "pit wall laptop", nil
		}
		return "", nil
	}}
	a := NewAuthenticator(testLogger(), nil, time.Minute, lookup)

	for range 3 {
		owner, ok := a.Validate(context.Background(), "pit-crew")
		require.True(t, ok)
		require.Equal(t, "pit wall laptop", owner)
	}
	require.Equal(t, 1, lookup.calls)

	_, ok := a.Validate(context.Background(), "stranger")
	require.False(t, ok)
	_, ok = a.Validate(context.Background(), "stranger")
	require.False(t, ok)
	require.Equal(t, 3, lookup.calls)
}

func TestAuthenticator_LookupErrorRejects(t *testing.T) {
	t.Parallel()

	lookup := &mockLookup{GetAPIKeyFunc: func(context.Context, string) (string, error) {
		return "", errors.New("redis unavailable")
	}}
	a := NewAuthenticator(testLogger(), nil, time.Minute, lookup)

	_, ok := a.Validate(context.Background(), "pit-crew")
	require.False(t, ok)
}
