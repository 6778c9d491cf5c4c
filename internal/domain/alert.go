package domain

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	AutoFaultAlertID int64 = -1
	AutoFaultCause         = "AUTO FAULT"
)

type AlertKind string

const (
	AlertKindBool AlertKind = "bool"
	AlertKindInt  AlertKind = "int"
)

type Operator string

const (
	OpLess     Operator = "<"
	OpGreater  Operator = ">"
	OpEqual    Operator = "="
	OpNotEqual Operator = "!="
)

var ErrUnknownOperator = errors.New("unknown comparison operator")

// ParseOperator accepts the canonical operators plus "==" and "≠".
func ParseOperator(s string) (Operator, error) {
	switch strings.TrimSpace(s) {
	case "<":
		return OpLess, nil
	case ">":
		return OpGreater, nil
	case "=", "==":
		return OpEqual, nil
	case "!=", "≠", "<>":
		return OpNotEqual, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperator, s)
}

type Comparison struct {
	Operator Operator `json:"operator"`
	Value    int64    `json:"value"`
}

func (c *Comparison) UnmarshalJSON(b []byte) error {
	var raw struct {
		Operator string          `json:"operator"`
		Value    json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	op, err := ParseOperator(raw.Operator)
	if err != nil {
		return err
	}
	v, err := parseComparisonValue(raw.Value)
	if err != nil {
		return err
	}
	c.Operator = op
	c.Value = v
	return nil
}

func parseComparisonValue(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, errors.New("comparison value is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid comparison value %q", s)
	}
	return int64(f), nil
}

func (c Comparison) Match(v int64) bool {
	switch c.Operator {
	case OpLess:
		return v < c.Value
	case OpGreater:
		return v > c.Value
	case OpEqual:
		return v == c.Value
	case OpNotEqual:
		return v != c.Value
	}
	return false
}

// AlertRule keeps the bool value and comparisons in their persisted text
// form; they are parsed on every evaluation so that a malformed row only
// affects itself.
type AlertRule struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Field       string    `json:"field"`
	Category    string    `json:"category"`
	Kind        AlertKind `json:"type"`
	BoolValue   string    `json:"bool_value,omitempty"`
	Comparisons string    `json:"comparisons_json,omitempty"`
}

func (r AlertRule) ParseBool() (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(r.BoolValue))
	if err != nil {
		return false, fmt.Errorf("rule %d: invalid bool value %q", r.ID, r.BoolValue)
	}
	return b, nil
}

func (r AlertRule) ParseComparisons() ([]Comparison, error) {
	var comps []Comparison
	if err := json.Unmarshal([]byte(r.Comparisons), &comps); err != nil {
		return nil, fmt.Errorf("rule %d: invalid comparisons: %w", r.ID, err)
	}
	return comps, nil
}

type TriggeredAlert struct {
	ID              int64
	AlertID         int64
	RuleName        string
	Category        string
	FiredAt         time.Time
	SourceMessageID uint32
	SourcePayload   []byte
	SourceTimestamp float64
	Signal          string
	Cause           string
}

func (a TriggeredAlert) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID              int64     `json:"id"`
		AlertID         int64     `json:"alert_id"`
		Name            string    `json:"name,omitempty"`
		Category        string    `json:"category"`
		FiredAt         time.Time `json:"timestamp"`
		SourceMessageID uint32    `json:"can_message_id"`
		SourcePayload   string    `json:"can_message_data"`
		SourceTimestamp float64   `json:"can_message_timestamp"`
		Signal          string    `json:"signal"`
		Cause           string    `json:"fail_cause"`
	}{
		ID:              a.ID,
		AlertID:         a.AlertID,
		Name:            a.RuleName,
		Category:        a.Category,
		FiredAt:         a.FiredAt,
		SourceMessageID: a.SourceMessageID,
		SourcePayload:   hex.EncodeToString(a.SourcePayload),
		SourceTimestamp: a.SourceTimestamp,
		Signal:          a.Signal,
		Cause:           a.Cause,
	})
}
