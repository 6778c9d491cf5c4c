// Package notify fans triggered alert events out to live subscribers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Event struct {
	AlertID         int64     `json:"alert_id"`
	TriggeredID     int64     `json:"triggered_id,omitempty"`
	RuleName        string    `json:"name,omitempty"`
	Category        string    `json:"category"`
	Signal          string    `json:"signal"`
	Cause           string    `json:"fail_cause"`
	Message         string    `json:"message"`
	FiredAt         time.Time `json:"timestamp"`
	FrameID         uint32    `json:"can_message_id"`
	SourceTimestamp float64   `json:"can_message_timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Publisher interface {
	PublishAlert(ctx context.Context, payload []byte) error
}

// Redis publishes events as JSON on the alert pub/sub channel.
type Redis struct {
	pub Publisher
}

func NewRedis(pub Publisher) *Redis {
	return &Redis{pub: pub}
}

func (r *Redis) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}
	if err := r.pub.PublishAlert(ctx, payload); err != nil {
		return fmt.Errorf("failed to publish alert event: %w", err)
	}
	return nil
}
