package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"can-logger/ingestion/internal/domain"
	"can-logger/ingestion/internal/metrics"
)

const (
	liveName  = "live"
	radioName = "radio"

	maxConsecutiveReadErrors = 50
)

var (
	// LivePortHints match the ST-Link debug probe.
	LivePortHints = []string{"stlink", "st-link"}
	// RadioPortHints match the USB serial adapter of the radio receiver.
	RadioPortHints = []string{"usb serial"}

	ErrPortNotFound       = errors.New("no matching serial port found")
	ErrTooManyReadErrors  = errors.New("too many consecutive read errors")
	ErrSourceDisconnected = errors.New("source disconnected")
)

// OpenSerial opens port in 8N1 mode at the given baud rate.
func OpenSerial(port string, baud int) (serial.Port, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", port, err)
	}
	return p, nil
}

// FindPort returns the first USB serial port whose product description
// contains one of hints, compared case-insensitively.
func FindPort(hints ...string) (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return matchPort(ports, hints)
}

func matchPort(ports []*enumerator.PortDetails, hints []string) (string, error) {
	for _, p := range ports {
		desc := strings.ToLower(p.Product)
		for _, h := range hints {
			if h != "" && strings.Contains(desc, strings.ToLower(h)) {
				return p.Name, nil
			}
		}
	}
	return "", fmt.Errorf("%w (hints %v)", ErrPortNotFound, hints)
}

type lineParser func(line string) (id uint32, payload []byte, err error)

// LineStream reads newline separated frame lines from a device and stamps
// each frame with the time since pipeline start. Live and radio producers
// differ only in their line format.
type LineStream struct {
	log   *slog.Logger
	name  string
	r     io.ReadCloser
	parse lineParser
	sink  FrameSink
	epoch Epoch
}

// NewLive reads the debug log format from the ST-Link console. The log's
// own time of day is ignored.
func NewLive(log *slog.Logger, r io.ReadCloser, sink FrameSink, epoch Epoch) *LineStream {
	return &LineStream{
		log:   log,
		name:  liveName,
		r:     r,
		sink:  sink,
		epoch: epoch,
		parse: func(line string) (uint32, []byte, error) {
			l, err := ParseLogLine(line)
			return l.ID, l.Payload, err
		},
	}
}

func NewRadio(log *slog.Logger, r io.ReadCloser, sink FrameSink, epoch Epoch) *LineStream {
	return &LineStream{
		log:   log,
		name:  radioName,
		r:     r,
		sink:  sink,
		epoch: epoch,
		parse: ParseRadioLine,
	}
}

func (s *LineStream) Name() string { return s.name }

// Run blocks until the device disconnects, read errors pile up, or ctx is
// cancelled. There is no reconnect.
func (s *LineStream) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.r.Close() })
	defer stop()
	defer s.r.Close()

	s.log.Info(s.name + ": listening")

	br := bufio.NewReader(s.r)
	readErrors := 0
	for {
		line, err := br.ReadString('\n')
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(line) > 0 {
			s.handle(ctx, line)
		}
		switch {
		case err == nil:
			readErrors = 0
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%s: %w", s.name, ErrSourceDisconnected)
		default:
			metrics.SourceReadErrors.WithLabelValues(s.name).Inc()
			s.log.Warn(s.name+": read failed", "error", err)
			readErrors++
			if readErrors >= maxConsecutiveReadErrors {
				return fmt.Errorf("%s: %w: %w", s.name, ErrTooManyReadErrors, err)
			}
		}
	}
}

func (s *LineStream) handle(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	id, payload, err := s.parse(line)
	switch {
	case errors.Is(err, ErrNoMatch):
		return
	case err != nil:
		metrics.DecodeFailures.Inc()
		s.log.Warn(s.name+": dropping malformed line", "error", err)
		return
	}
	submit(ctx, s.sink, s.name, domain.RawFrame{
		ID:        id,
		Payload:   payload,
		Timestamp: s.epoch.Since(),
	})
}
