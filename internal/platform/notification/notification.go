// Package notification delivers security alerts to operators and downstream
// systems. Delivery is best effort: a failed notifier never affects the alert
// that triggered it.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Message is the notifier-facing view of a security alert.
type Message struct {
	AlertID       string    `json:"alert_id"`
	Type          string    `json:"type"`
	Severity      string    `json:"severity"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	ActorID       string    `json:"actor_id,omitempty"`
	NetworkOrigin string    `json:"network_origin,omitempty"`
	SourceFactIDs []string  `json:"source_fact_ids"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Notifier delivers one alert message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_notifier").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	level := zerolog.WarnLevel
	if msg.Severity == "critical" || msg.Severity == "high" {
		level = zerolog.ErrorLevel
	}
	n.logger.WithLevel(level).
		Str("alert_id", msg.AlertID).
		Str("alert_type", msg.Type).
		Str("severity", msg.Severity).
		Str("actor_id", msg.ActorID).
		Str("network_origin", msg.NetworkOrigin).
		Strs("source_fact_ids", msg.SourceFactIDs).
		Msg(msg.Title)
	return nil
}

type named struct {
	name string
	n    Notifier
}

// Multi fans a message out to every registered notifier and joins their
// errors. One failing notifier does not stop the others.
type Multi struct {
	notifiers []named
}

func NewMulti() *Multi { return &Multi{} }

// Add registers n under name. Names appear in errors and metrics.
func (m *Multi) Add(name string, n Notifier) *Multi {
	m.notifiers = append(m.notifiers, named{name: name, n: n})
	return m
}

func (m *Multi) Len() int { return len(m.notifiers) }

func (m *Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, nn := range m.notifiers {
		if err := nn.n.Notify(ctx, msg); err != nil {
			errs = append(errs, &DeliveryError{Notifier: nn.name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// DeliveryError names the notifier that failed.
type DeliveryError struct {
	Notifier string
	Err      error
}

func (e *DeliveryError) Error() string { return fmt.Sprintf("notifier %s: %v", e.Notifier, e.Err) }

func (e *DeliveryError) Unwrap() error { return e.Err }

// FailedNotifiers lists the notifier names found in err.
func FailedNotifiers(err error) []string {
	var errs []error
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		errs = j.Unwrap()
	} else if err != nil {
		errs = []error{err}
	}
	var out []string
	for _, e := range errs {
		var de *DeliveryError
		if errors.As(e, &de) {
			out = append(out, de.Notifier)
		}
	}
	return out
}
