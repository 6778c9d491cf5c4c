package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"can-logger/ingestion/internal/metrics"
)

const replayName = "replay"

type ReplayConfig struct {
	Path string
	// Pace is waited after every line. Zero replays as fast as possible.
	Pace time.Duration
	// WallClock stamps frames with time since pipeline start instead of
	// the time of day found in the log.
	WallClock bool
}

// Replay reads a debug log file and submits every frame line it contains.
// It returns nil once the file is exhausted.
type Replay struct {
	log   *slog.Logger
	cfg   ReplayConfig
	sink  FrameSink
	epoch Epoch
}

func NewReplay(log *slog.Logger, cfg ReplayConfig, sink FrameSink, epoch Epoch) *Replay {
	return &Replay{log: log, cfg: cfg, sink: sink, epoch: epoch}
}

func (r *Replay) Name() string { return replayName }

func (r *Replay) Run(ctx context.Context) error {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	r.log.Info("replay: started", "path", r.cfg.Path, "pace", r.cfg.Pace, "wall_clock", r.cfg.WallClock)

	var (
		parser  LogParser
		frames  int
		scanner = bufio.NewScanner(f)
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		frame, err := parser.Next(scanner.Text())
		switch {
		case err == nil:
			if r.cfg.WallClock {
				frame.Timestamp = r.epoch.Since()
			}
			submit(ctx, r.sink, replayName, frame)
			frames++
		case errors.Is(err, ErrNoMatch):
		default:
			metrics.DecodeFailures.Inc()
			r.log.Warn("replay: dropping malformed line", "error", err)
		}

		if r.cfg.Pace > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.epoch.Clock().After(r.cfg.Pace):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read replay file: %w", err)
	}

	r.log.Info("replay: finished", "path", r.cfg.Path, "frames", frames)
	return nil
}
