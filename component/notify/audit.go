package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
)

// auditor emits structured audit events for every notification decision
// point. Patient identifiers are HMAC-hashed, the raw BSN never reaches a log.
type auditor struct {
	hmacKey []byte
	logger  *slog.Logger
}

func newAuditor(hmacKey string) *auditor {
	return &auditor{
		hmacKey: []byte(hmacKey),
		logger:  slog.With(slog.String("logger", "audit")),
	}
}

// hashBSN returns a truncated HMAC-SHA256 of the BSN, or empty when either
// the key or the value is missing.
func (a *auditor) hashBSN(bsn string) string {
	if len(a.hmacKey) == 0 || bsn == "" {
		return ""
	}
	mac := hmac.New(sha256.New, a.hmacKey)
	mac.Write([]byte(bsn))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

func (a *auditor) event(ctx context.Context, eventType string, requestID string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)
	args = append(args, slog.String("event_type", eventType), slog.String("request_id", requestID))
	for _, attr := range attrs {
		if attr.Value.Kind() == slog.KindString && attr.Value.String() == "" {
			continue
		}
		args = append(args, attr)
	}
	a.logger.InfoContext(ctx, "audit", args...)
}

func (a *auditor) attempt(ctx context.Context, requestID string, attrs ...slog.Attr) {
	a.event(ctx, "bgz.notify.attempt", requestID, attrs...)
}

func (a *auditor) success(ctx context.Context, requestID string, attrs ...slog.Attr) {
	a.event(ctx, "bgz.notify.result", requestID, append([]slog.Attr{slog.Bool("success", true)}, attrs...)...)
}

func (a *auditor) failure(ctx context.Context, requestID string, reason string, attrs ...slog.Attr) {
	a.event(ctx, "bgz.notify.result", requestID,
		append([]slog.Attr{slog.Bool("success", false), slog.String("reason", reason)}, attrs...)...)
}
