package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"can-logger/ingestion/internal/domain"
)

var ErrPayloadTooLong = errors.New("payload exceeds frame width")

type fileDefinition struct {
	Messages []messageDefinition `yaml:"messages"`
}

type messageDefinition struct {
	Name    string             `yaml:"name"`
	ID      uint32             `yaml:"id"`
	Signals []signalDefinition `yaml:"signals"`
}

type signalDefinition struct {
	Name        string            `yaml:"name"`
	Start       uint              `yaml:"start"`
	Length      uint              `yaml:"length"`
	Type        domain.SignalType `yaml:"type"`
	Signed      bool              `yaml:"signed"`
	Scale       float64           `yaml:"scale"`
	Offset      float64           `yaml:"offset"`
	Fault       bool              `yaml:"fault"`
	Description string            `yaml:"description"`

	ieee bool
}

// definition is the validated, immutable form of a catalog file.
type definition struct {
	messages []messageDefinition
	byID     map[uint32]int
	faults   []string
}

// reservedTables are used by the alert store and cannot be message names.
var reservedTables = map[string]struct{}{
	"alerts":           {},
	"triggered_alerts": {},
}

func compile(f fileDefinition) (*definition, error) {
	d := &definition{
		messages: make([]messageDefinition, 0, len(f.Messages)),
		byID:     make(map[uint32]int, len(f.Messages)),
	}
	names := make(map[string]struct{}, len(f.Messages))
	faults := make(map[string]struct{})

	for _, m := range f.Messages {
		if !validIdentifier(m.Name) {
			return nil, fmt.Errorf("message %#x: invalid name %q", m.ID, m.Name)
		}
		if _, reserved := reservedTables[m.Name]; reserved {
			return nil, fmt.Errorf("message %#x: name %q is reserved", m.ID, m.Name)
		}
		if _, dup := d.byID[m.ID]; dup {
			return nil, fmt.Errorf("message %s: duplicate id %#x", m.Name, m.ID)
		}
		if _, dup := names[m.Name]; dup {
			return nil, fmt.Errorf("duplicate message name %s", m.Name)
		}
		if len(m.Signals) == 0 {
			return nil, fmt.Errorf("message %s: no signals", m.Name)
		}

		signals := make([]signalDefinition, 0, len(m.Signals))
		seen := make(map[string]struct{}, len(m.Signals))
		for _, s := range m.Signals {
			s, err := normalizeSignal(s)
			if err != nil {
				return nil, fmt.Errorf("message %s: %w", m.Name, err)
			}
			if _, dup := seen[s.Name]; dup {
				return nil, fmt.Errorf("message %s: duplicate signal %s", m.Name, s.Name)
			}
			seen[s.Name] = struct{}{}
			signals = append(signals, s)
			if _, ok := faults[s.Name]; s.Fault && !ok {
				faults[s.Name] = struct{}{}
				d.faults = append(d.faults, s.Name)
			}
		}
		m.Signals = signals

		names[m.Name] = struct{}{}
		d.byID[m.ID] = len(d.messages)
		d.messages = append(d.messages, m)
	}
	return d, nil
}

func normalizeSignal(s signalDefinition) (signalDefinition, error) {
	if !validIdentifier(s.Name) || s.Name == domain.TimestampColumn {
		return s, fmt.Errorf("invalid signal name %q", s.Name)
	}
	if s.Length == 0 || s.Start+s.Length > domain.FrameWidth*8 {
		return s, fmt.Errorf("signal %s: bits [%d,%d) outside frame", s.Name, s.Start, s.Start+s.Length)
	}
	if s.Scale == 0 {
		s.Scale = 1
	}
	if s.Type == "" {
		s.Type = domain.SignalInt
		if s.Length == 1 {
			s.Type = domain.SignalBool
		}
	}
	if !s.Type.Valid() {
		return s, fmt.Errorf("signal %s: unknown type %q", s.Name, s.Type)
	}
	if s.Type == domain.SignalFloat {
		if s.Length != 32 && s.Length != 64 {
			return s, fmt.Errorf("signal %s: float signals must be 32 or 64 bits wide", s.Name)
		}
		s.ieee = true
	}
	// Scaled integers are stored as floats.
	if s.Type == domain.SignalInt && (s.Scale != math.Trunc(s.Scale) || s.Offset != math.Trunc(s.Offset)) {
		s.Type = domain.SignalFloat
	}
	return s, nil
}

func (d *definition) decode(frame domain.RawFrame) (*domain.DecodedMessage, error) {
	i, ok := d.byID[frame.ID]
	if !ok {
		return nil, nil
	}
	if len(frame.Payload) > domain.FrameWidth {
		return nil, fmt.Errorf("frame %#x: %w (%d bytes)", frame.ID, ErrPayloadTooLong, len(frame.Payload))
	}
	m := d.messages[i]
	raw := binary.LittleEndian.Uint64(domain.NormalizePayload(frame.Payload))

	msg := &domain.DecodedMessage{
		Name:      m.Name,
		ID:        m.ID,
		Signals:   make([]domain.SignalValue, 0, len(m.Signals)),
		Timestamp: frame.Timestamp,
	}
	for _, s := range m.Signals {
		msg.Signals = append(msg.Signals, domain.SignalValue{
			Name:  s.Name,
			Type:  s.Type,
			Value: s.extract(raw),
		})
	}
	return msg, nil
}

func (s signalDefinition) extract(raw uint64) float64 {
	bits := raw >> s.Start
	if s.Length < 64 {
		bits &= (uint64(1) << s.Length) - 1
	}

	switch {
	case s.Type == domain.SignalBool:
		if bits != 0 {
			return 1
		}
		return 0
	case s.ieee && s.Length == 32:
		return float64(math.Float32frombits(uint32(bits)))*s.Scale + s.Offset
	case s.ieee:
		return math.Float64frombits(bits)*s.Scale + s.Offset
	}

	var v float64
	if s.Signed && s.Length < 64 && bits&(uint64(1)<<(s.Length-1)) != 0 {
		v = float64(int64(bits) - int64(uint64(1)<<s.Length))
	} else if s.Signed {
		v = float64(int64(bits))
	} else {
		v = float64(bits)
	}
	return v*s.Scale + s.Offset
}

func validIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
