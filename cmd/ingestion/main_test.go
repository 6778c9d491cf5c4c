package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"can-logger/ingestion/internal/config"
	"can-logger/ingestion/internal/source"
)

func TestBuildProducers_Replay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	cfg := config.Load()
	cfg.ReplayFile, cfg.SerialPort, cfg.RadioPort = path, "", ""

	producers, err := buildProducers(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, nil, source.NewEpoch(clockwork.NewFakeClock()))
	require.NoError(t, err)
	require.Len(t, producers, 1)
	require.Equal(t, "replay", producers[0].Name())
}

func TestBuildProducers_MissingSerialPort(t *testing.T) {
	cfg := config.Load()
	cfg.ReplayFile, cfg.RadioPort = "", ""
	cfg.SerialPort = filepath.Join(t.TempDir(), "no-such-tty")

	_, err := buildProducers(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, nil, source.NewEpoch(clockwork.NewFakeClock()))
	require.Error(t, err)
}
