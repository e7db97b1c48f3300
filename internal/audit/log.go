package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"harborbank.org/internal/auth"
	"harborbank.org/internal/ids"
	"harborbank.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log line enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		zf = append(zf, zap.String("user_id", userID))
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	zf = append(zf, zap.Any("fields", copyFields))
	obs.Logger().Info("audit", zf...)
	return nil
}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Action tags recorded by the workflows.
const (
	ActionOTPIssued         = "otp.issued"
	ActionOTPVerify         = "otp.verify"
	ActionTransferCreate    = "transfer.create"
	ActionTransferLevelCode = "transfer.level.code_issued"
	ActionTransferLevel     = "transfer.level.verify"
	ActionTransferComplete  = "transfer.complete"
	ActionTransferFail      = "transfer.fail"
)

// Entry is an immutable audit record.
type Entry struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Status    Status    `json:"status"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink appends audit entries to durable storage.
type Sink interface {
	AppendAudit(ctx context.Context, e *Entry) error
}

// Recorder appends audit entries on behalf of the workflows. Recording is best effort:
// failures are logged and never returned to the caller.
type Recorder struct {
	sink Sink
	now  func() time.Time
}

func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends an entry and mirrors it to the audit log stream.
func (r *Recorder) Record(ctx context.Context, actorID, action string, status Status, details string) {
	if r == nil {
		return
	}
	e := &Entry{
		ID:        ids.New(),
		ActorID:   actorID,
		Action:    action,
		Details:   details,
		Status:    status,
		RequestID: requestIDFromContext(ctx),
		CreatedAt: r.now(),
	}
	_ = LogEvent(ctx, action, map[string]any{
		"actor":   actorID,
		"status":  string(status),
		"details": details,
	})
	if r.sink == nil {
		return
	}
	if err := r.sink.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		obs.Logger().Warn("audit append failed",
			zap.String("action", action),
			zap.String("actor", actorID),
			zap.Error(err),
		)
	}
}
