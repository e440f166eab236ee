package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditAuthSuccess       AuditEvent = "auth_success"
	AuditAuthFailure       AuditEvent = "auth_failure"
	AuditAuthRateLimited   AuditEvent = "auth_rate_limited"
	AuditAccessDenied      AuditEvent = "access_denied"
	AuditCertIssued        AuditEvent = "cert_issued"
	AuditCertRevoked       AuditEvent = "cert_revoked"
	AuditCRLGenerated      AuditEvent = "crl_generated"
	AuditOCSPResponded     AuditEvent = "ocsp_responded"
	AuditRevocationFailure AuditEvent = "revocation_data_unavailable"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}
	if p := principalFromContext(r.Context()); p != nil {
		baseAttrs = append(baseAttrs, slog.String("principal", p.Username()))
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(webhookEventFrom(baseAttrs))
	}
}

// logFailure logs a rejected or failed action.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
