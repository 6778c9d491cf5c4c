package source

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"can-logger/ingestion/internal/domain"
)

var (
	// ErrNoMatch marks a line that is not a frame. Callers skip it silently.
	ErrNoMatch = errors.New("line does not match frame pattern")
	// ErrMalformedFrame marks a line that matched but carries an unusable id
	// or payload.
	ErrMalformedFrame = errors.New("malformed frame")
)

var (
	logLinePattern   = regexp.MustCompile(`(\d{2}):(\d{2}):(\d{2}) DEBUG .+ ID (0x[0-9A-Fa-f]+) Length \d+ Data (0x[0-9A-Fa-f]+)`)
	radioLinePattern = regexp.MustCompile(`^.+ ID (0x[0-9A-Fa-f]+) Length \d+ Data (0x[0-9A-Fa-f]+)`)
)

// sameSecondStep spreads frames logged within the same second.
const sameSecondStep = 0.005

// LogLine is one parsed debug log line. Seconds is the time of day the
// line was logged at, with one second resolution.
type LogLine struct {
	Seconds int
	ID      uint32
	Payload []byte
}

func ParseLogLine(line string) (LogLine, error) {
	m := logLinePattern.FindStringSubmatch(line)
	if m == nil {
		return LogLine{}, ErrNoMatch
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	ss, _ := strconv.Atoi(m[3])

	id, payload, err := parseFrameFields(m[4], m[5])
	if err != nil {
		return LogLine{}, err
	}
	return LogLine{Seconds: hh*3600 + mm*60 + ss, ID: id, Payload: payload}, nil
}

// ParseRadioLine parses a radio line, which carries no timestamp.
func ParseRadioLine(line string) (uint32, []byte, error) {
	m := radioLinePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, nil, ErrNoMatch
	}
	return parseFrameFields(m[1], m[2])
}

func parseFrameFields(idHex, dataHex string) (uint32, []byte, error) {
	id, err := strconv.ParseUint(idHex[2:], 16, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: id %s: %v", ErrMalformedFrame, idHex, err)
	}
	payload, err := hex.DecodeString(dataHex[2:])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: data %s: %v", ErrMalformedFrame, dataHex, err)
	}
	if len(payload) > domain.FrameWidth {
		return 0, nil, fmt.Errorf("%w: data %s longer than %d bytes", ErrMalformedFrame, dataHex, domain.FrameWidth)
	}
	return uint32(id), payload, nil
}

// LogParser turns log lines into frames. Frames logged within the same
// second are spaced sameSecondStep apart so their timestamps stay strictly
// increasing. A LogParser is not safe for concurrent use.
type LogParser struct {
	started    bool
	lastSecond int
	repeats    int
}

func (p *LogParser) Next(line string) (domain.RawFrame, error) {
	l, err := ParseLogLine(line)
	if err != nil {
		return domain.RawFrame{}, err
	}
	if p.started && l.Seconds == p.lastSecond {
		p.repeats++
	} else {
		p.started = true
		p.lastSecond = l.Seconds
		p.repeats = 0
	}
	return domain.RawFrame{
		ID:        l.ID,
		Payload:   l.Payload,
		Timestamp: float64(l.Seconds) + float64(p.repeats)*sameSecondStep,
	}, nil
}
