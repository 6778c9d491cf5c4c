package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"can-logger/ingestion/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSink struct {
	mu     sync.Mutex
	frames []domain.RawFrame
}

func (s *captureSink) Submit(_ context.Context, frame domain.RawFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *captureSink) all() []domain.RawFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RawFrame(nil), s.frames...)
}

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "can.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestParseLogLine(t *testing.T) {
	t.Parallel()

	l, err := ParseLogLine("12:00:00 DEBUG canlog.c:42 ID 0x406 Length 6 Data 0x422E00004663")
	require.NoError(t, err)
	require.Equal(t, 12*3600, l.Seconds)
	require.Equal(t, uint32(0x406), l.ID)
	require.Equal(t, []byte{0x42, 0x2e, 0x00, 0x00, 0x46, 0x63}, l.Payload)

	_, err = ParseLogLine("12:00:00 INFO boot complete")
	require.ErrorIs(t, err, ErrNoMatch)

	_, err = ParseLogLine("12:00:00 DEBUG x ID 0x406 Length 1 Data 0x4")
	require.ErrorIs(t, err, ErrMalformedFrame)

	_, err = ParseLogLine("12:00:00 DEBUG x ID 0x406 Length 9 Data 0x000000000000000000")
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestParseRadioLine(t *testing.T) {
	t.Parallel()

	id, payload, err := ParseRadioLine("RX ID 0x43 Length 2 Data 0xA000\r")
	require.NoError(t, err)
	require.Equal(t, uint32(0x43), id)
	require.Equal(t, []byte{0xa0, 0x00}, payload)

	_, _, err = ParseRadioLine("ID 0x43 Length 2 Data 0xA000")
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestLogParser_SameSecondTieBreak(t *testing.T) {
	t.Parallel()

	var p LogParser
	lines := []string{
		"10:00:01 DEBUG a ID 0x1 Length 1 Data 0x01",
		"10:00:01 DEBUG a ID 0x2 Length 1 Data 0x02",
		"10:00:01 DEBUG a ID 0x3 Length 1 Data 0x03",
		"10:00:02 DEBUG a ID 0x4 Length 1 Data 0x04",
	}
	base := float64(10*3600 + 1)
	want := []float64{base, base + 0.005, base + 0.010, base + 1}
	for i, line := range lines {
		f, err := p.Next(line)
		require.NoError(t, err)
		require.InDelta(t, want[i], f.Timestamp, 1e-9, line)
	}
}

func TestReplay_SourceTimestamps(t *testing.T) {
	t.Parallel()

	path := writeLog(t,
		"12:00:00 DEBUG ... ID 0x406 Length 6 Data 0x422E00004663",
		"garbage that is skipped",
		"12:00:00 DEBUG ... ID 0x406 Length 6 Data 0x432E00004663",
		"12:00:00 DEBUG ... ID 0x406 Length 1 Data 0xABC",
	)
	sink := &captureSink{}
	r := NewReplay(testLogger(), ReplayConfig{Path: path}, sink, NewEpoch(clockwork.NewFakeClock()))
	require.Equal(t, "replay", r.Name())
	require.NoError(t, r.Run(context.Background()))

	frames := sink.all()
	require.Len(t, frames, 2)
	require.Equal(t, uint32(0x406), frames[0].ID)
	require.Equal(t, []byte{0x42, 0x2e, 0x00, 0x00, 0x46, 0x63}, frames[0].Payload)
	require.Greater(t, frames[1].Timestamp, frames[0].Timestamp)
}

func TestReplay_PacedWallClock(t *testing.T) {
	t.Parallel()

	path := writeLog(t,
		"12:00:00 DEBUG ... ID 0x1 Length 1 Data 0x01",
		"12:00:00 DEBUG ... ID 0x2 Length 1 Data 0x02",
		"12:00:00 DEBUG ... ID 0x3 Length 1 Data 0x03",
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	sink := &captureSink{}
	pace := 10 * time.Millisecond
	r := NewReplay(testLogger(), ReplayConfig{Path: path, Pace: pace, WallClock: true}, sink, NewEpoch(clock))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		require.Len(t, sink.all(), i+1)
		clock.Advance(pace)
	}
	require.NoError(t, <-done)

	frames := sink.all()
	for i, f := range frames {
		require.InDelta(t, float64(i)*pace.Seconds(), f.Timestamp, 1e-9)
	}
}

func TestReplay_CancelStopsPacing(t *testing.T) {
	t.Parallel()

	path := writeLog(t, "12:00:00 DEBUG ... ID 0x1 Length 1 Data 0x01")
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	r := NewReplay(testLogger(), ReplayConfig{Path: path, Pace: time.Hour}, &captureSink{}, NewEpoch(clock))

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestReplay_MissingFile(t *testing.T) {
	t.Parallel()

	r := NewReplay(testLogger(), ReplayConfig{Path: "/nonexistent/can.log"}, &captureSink{}, NewEpoch(clockwork.NewFakeClock()))
	require.Error(t, r.Run(context.Background()))
}

func TestLive_StreamsUntilDisconnect(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	epoch := NewEpoch(clock)
	clock.Advance(1500 * time.Millisecond)

	input := "08:00:00 DEBUG can ID 0x406 Length 2 Data 0x0102\r\n" +
		"\r\n" +
		"not a frame\n" +
		"08:00:00 DEBUG can ID 0x43 Length 1 Data 0xFF\n"
	sink := &captureSink{}
	live := NewLive(testLogger(), io.NopCloser(strings.NewReader(input)), sink, epoch)
	require.Equal(t, "live", live.Name())

	err := live.Run(context.Background())
	require.ErrorIs(t, err, ErrSourceDisconnected)

	frames := sink.all()
	require.Len(t, frames, 2)
	require.Equal(t, uint32(0x406), frames[0].ID)
	require.Equal(t, uint32(0x43), frames[1].ID)
	require.InDelta(t, 1.5, frames[0].Timestamp, 1e-9)
}

func TestRadio_ParsesRadioFormat(t *testing.T) {
	t.Parallel()

	input := "rx ID 0x600 Length 4 Data 0x0000C03F\n"
	sink := &captureSink{}
	radio := NewRadio(testLogger(), io.NopCloser(strings.NewReader(input)), sink, NewEpoch(clockwork.NewFakeClock()))
	require.ErrorIs(t, radio.Run(context.Background()), ErrSourceDisconnected)
	require.Len(t, sink.all(), 1)
	require.Equal(t, uint32(0x600), sink.all()[0].ID)
}

type flakyReader struct{ err error }

func (r flakyReader) Read([]byte) (int, error) { return 0, r.err }
func (r flakyReader) Close() error             { return nil }

func TestLineStream_TooManyReadErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("framing error")
	radio := NewRadio(testLogger(), flakyReader{err: boom}, &captureSink{}, NewEpoch(clockwork.NewFakeClock()))
	err := radio.Run(context.Background())
	require.ErrorIs(t, err, ErrTooManyReadErrors)
	require.ErrorIs(t, err, boom)
}

func TestMatchPort(t *testing.T) {
	t.Parallel()

	ports := []*enumerator.PortDetails{
		{Name: "/dev/ttyS0", Product: ""},
		{Name: "/dev/ttyACM0", Product: "STM32 STLink"},
		{Name: "/dev/ttyUSB0", Product: "USB Serial Port"},
	}
	name, err := matchPort(ports, LivePortHints)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyACM0", name)

	name, err = matchPort(ports, RadioPortHints)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", name)

	_, err = matchPort(ports[:1], LivePortHints)
	require.ErrorIs(t, err, ErrPortNotFound)
}
