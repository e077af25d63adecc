package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"authsession/internal/audit"
)

const auditScope = "authsession.audit"

// recordEmitter is the subset of otellog.Logger used here.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewAuditRecorder returns a recorder that emits each audit event as an OTel
// log record through provider. A nil provider yields audit.Nop.
func NewAuditRecorder(provider *sdklog.LoggerProvider) audit.Recorder {
	if provider == nil {
		return audit.Nop{}
	}
	return newAuditRecorder(provider.Logger(auditScope))
}

func newAuditRecorder(l recordEmitter) *auditRecorder {
	return &auditRecorder{logger: l, now: time.Now}
}

type auditRecorder struct {
	logger recordEmitter
	now    func() time.Time
}

// Record converts e to a log record and emits it.
func (r *auditRecorder) Record(ctx context.Context, e audit.Event) {
	rec := otellog.Record{}
	ts := e.At
	if ts.IsZero() {
		ts = r.now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetObservedTimestamp(r.now().UTC())
	rec.SetBody(otellog.StringValue(string(e.Action)))
	if e.Action == audit.ActionRefreshRejected || e.Action == audit.ActionLoginFailure {
		rec.SetSeverity(otellog.SeverityWarn)
	} else {
		rec.SetSeverity(otellog.SeverityInfo)
	}
	rec.AddAttributes(otellog.String("action", string(e.Action)))
	if e.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", e.UserID))
	}
	if e.DeviceID != "" {
		rec.AddAttributes(otellog.String("device_id", e.DeviceID))
	}
	if e.IPAddress != "" {
		rec.AddAttributes(otellog.String("ip", e.IPAddress))
	}
	if e.Reason != "" {
		rec.AddAttributes(otellog.String("reason", e.Reason))
	}
	r.logger.Emit(ctx, rec)
}
