// Package audit records security-relevant auth events. Recording is
// best-effort: a recorder never fails the flow that produced the event.
package audit

import (
	"context"
	"time"

	"authsession/internal/log"
)

// Action names an audited event.
type Action string

const (
	ActionRegister        Action = "register"
	ActionLogin           Action = "login"
	ActionLoginFailure    Action = "login_failure"
	ActionRefresh         Action = "refresh"
	ActionRefreshRejected Action = "refresh_rejected"
	ActionLogout          Action = "logout"
	ActionDeactivate      Action = "deactivate"
)

// Event is one audited occurrence. Empty fields are omitted by recorders.
type Event struct {
	Action    Action
	UserID    string
	DeviceID  string
	IPAddress string
	// Reason is set for rejections, e.g. "token_reuse".
	Reason string
	At     time.Time
}

// Recorder receives audit events.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// LogRecorder writes each event as a structured log line.
type LogRecorder struct{}

// Record logs e at info level.
func (LogRecorder) Record(ctx context.Context, e Event) {
	ev := log.Info(ctx).Str("audit_action", string(e.Action))
	if e.UserID != "" {
		ev = ev.Str("user_id", e.UserID)
	}
	if e.DeviceID != "" {
		ev = ev.Str("device_id", e.DeviceID)
	}
	if e.IPAddress != "" {
		ev = ev.Str("ip", e.IPAddress)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	if !e.At.IsZero() {
		ev = ev.Time("at", e.At)
	}
	ev.Msg("audit")
}

type multi []Recorder

func (m multi) Record(ctx context.Context, e Event) {
	for _, r := range m {
		r.Record(ctx, e)
	}
}

// Multi returns a Recorder that forwards to every non-nil recorder in order.
func Multi(recorders ...Recorder) Recorder {
	out := make(multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return Nop{}
	}
	return out
}
