package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/jonboulle/clockwork"

	"can-logger/ingestion/internal/domain"
	"can-logger/ingestion/internal/metrics"
	"can-logger/ingestion/internal/notify"
)

type RuleSource interface {
	Rules() []domain.AlertRule
}

// FaultSource lists the signals that raise an alert whenever they read 1.
type FaultSource interface {
	FaultSignals() []string
}

type AlertRecorder interface {
	InsertTriggeredAlert(ctx context.Context, a *domain.TriggeredAlert) (int64, error)
}

// AlertEvaluator checks every decoded message against the fault signals
// and the active rule set. It runs inline on the producer goroutine.
type AlertEvaluator struct {
	log      *slog.Logger
	rules    RuleSource
	recorder AlertRecorder
	notifier notify.Notifier
	faults   FaultSource
	clock    clockwork.Clock
}

func NewAlertEvaluator(
	log *slog.Logger,
	rules RuleSource,
	recorder AlertRecorder,
	notifier notify.Notifier,
	faults FaultSource,
	clock clockwork.Clock,
) *AlertEvaluator {
	return &AlertEvaluator{
		log:      log,
		rules:    rules,
		recorder: recorder,
		notifier: notifier,
		faults:   faults,
		clock:    clock,
	}
}

// Evaluate returns every alert fired for msg. Alerts are persisted and
// notified before it returns; failures to do either are logged only.
func (e *AlertEvaluator) Evaluate(ctx context.Context, msg *domain.DecodedMessage, payload []byte) []domain.TriggeredAlert {
	var fired []domain.TriggeredAlert

	for _, fault := range e.faults.FaultSignals() {
		v, ok := msg.Lookup(fault)
		if !ok || v.Value != 1 {
			continue
		}
		a := e.newAlert(msg, payload, domain.AutoFaultAlertID, "", fault, domain.AutoFaultCause)
		e.fire(ctx, &a, "fault", "Auto Fault Triggered: "+fault)
		fired = append(fired, a)
	}

	for _, rule := range e.rules.Rules() {
		v, ok := msg.Lookup(rule.Field)
		if !ok {
			continue
		}
		switch rule.Kind {
		case domain.AlertKindBool:
			want, err := rule.ParseBool()
			if err != nil {
				e.skipRule(rule, err)
				continue
			}
			if !equalsBool(v.Value, want) {
				continue
			}
			cause := fmt.Sprintf("BOOL Alert %s triggered: %t == %t", rule.Name, want, want)
			a := e.newAlert(msg, payload, rule.ID, rule.Category, rule.Field, cause)
			a.RuleName = rule.Name
			e.fire(ctx, &a, string(domain.AlertKindBool), fmt.Sprintf("Boolean Alert Triggered: %s!", rule.Name))
			fired = append(fired, a)

		case domain.AlertKindInt:
			comps, err := rule.ParseComparisons()
			if err != nil {
				e.skipRule(rule, err)
				continue
			}
			value := truncate(v.Value)
			for _, c := range comps {
				if !c.Match(value) {
					continue
				}
				cause := fmt.Sprintf("%d %s %d", value, c.Operator, c.Value)
				a := e.newAlert(msg, payload, rule.ID, rule.Category, rule.Field, cause)
				a.RuleName = rule.Name
				e.fire(ctx, &a, string(domain.AlertKindInt), fmt.Sprintf("INT Alert %s triggered: %s", rule.Name, cause))
				fired = append(fired, a)
			}

		default:
			e.skipRule(rule, fmt.Errorf("unknown rule type %q", rule.Kind))
		}
	}
	return fired
}

func (e *AlertEvaluator) newAlert(msg *domain.DecodedMessage, payload []byte, alertID int64, category, signal, cause string) domain.TriggeredAlert {
	return domain.TriggeredAlert{
		AlertID:         alertID,
		Category:        category,
		FiredAt:         e.clock.Now().UTC(),
		SourceMessageID: msg.ID,
		SourcePayload:   payload,
		SourceTimestamp: msg.Timestamp,
		Signal:          signal,
		Cause:           cause,
	}
}

func (e *AlertEvaluator) fire(ctx context.Context, a *domain.TriggeredAlert, kind, message string) {
	metrics.AlertsFired.WithLabelValues(kind).Inc()

	id, err := e.recorder.InsertTriggeredAlert(ctx, a)
	if err != nil {
		metrics.AlertRecordFailures.Inc()
		e.log.Error("alerts: failed to record triggered alert", "rule_id", a.AlertID, "signal", a.Signal, "error", err)
	} else {
		a.ID = id
	}

	ev := notify.Event{
		AlertID:         a.AlertID,
		TriggeredID:     a.ID,
		RuleName:        a.RuleName,
		Category:        a.Category,
		Signal:          a.Signal,
		Cause:           a.Cause,
		Message:         message,
		FiredAt:         a.FiredAt,
		FrameID:         a.SourceMessageID,
		SourceTimestamp: a.SourceTimestamp,
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.log.Warn("alerts: notification failed", "rule_id", a.AlertID, "error", err)
	}
}

func (e *AlertEvaluator) skipRule(rule domain.AlertRule, err error) {
	metrics.AlertRuleErrors.Inc()
	e.log.Warn("alerts: skipping malformed rule", "rule_id", rule.ID, "error", err)
}

func equalsBool(v float64, b bool) bool {
	if b {
		return v == 1
	}
	return v == 0
}

// truncate converts a decoded value to the integer domain of comparisons,
// dropping the fractional part. Non-finite values saturate.
func truncate(v float64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	}
	return int64(v)
}
