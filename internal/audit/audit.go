package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/it-era/authgate/kv"
)

// Severity grades an audit event for downstream alerting.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Event types emitted by the core components.
const (
	EventLoginSuccess       = "LOGIN_SUCCESS"
	EventLoginFailed        = "LOGIN_FAILED"
	EventLogout             = "USER_LOGOUT"
	EventTokenRevoked       = "TOKEN_REVOKED"
	EventTokenRefreshed     = "TOKEN_REFRESHED"
	EventTokenReuse         = "TOKEN_REUSE_DETECTED"
	EventRateLimitViolation = "RATE_LIMIT_VIOLATION"
	EventRateLimitError     = "RATE_LIMIT_ERROR"
	EventPenaltyApplied     = "PROGRESSIVE_PENALTY_APPLIED"
	EventDDoSDetected       = "DDOS_DETECTED"
	EventBypassCreated      = "EMERGENCY_BYPASS_CREATED"
	EventSessionCreated     = "SESSION_CREATED"
	EventSessionDestroyed   = "SESSION_DESTROYED"
	EventSessionLocked      = "SESSION_LOCKED"
	EventSessionLimit       = "SESSION_LIMIT_ENFORCED"
	EventSessionIPChange    = "SESSION_IP_CHANGE"
	EventSessionPrivileges  = "SESSION_PRIVILEGES_CHANGED"
	EventSessionIncident    = "SESSION_SECURITY_INCIDENT"
)

// Event is the canonical audit record published by every component. It is
// fire-and-forget: dropped or failed writes never affect the request that
// produced the event.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Severity  Severity          `json:"severity,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	TokenID   string            `json:"token_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel for the host
// application to drain.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// StoreSink persists events into the shared kv store under
// security_log:<unix-ms>:<uuid> with a bounded retention TTL, matching the
// key namespace the admin tooling scans. Write failures are swallowed.
type StoreSink struct {
	store     kv.Store
	retention time.Duration
}

// NewStoreSink creates a StoreSink. retention <= 0 defaults to 30 days.
func NewStoreSink(store kv.Store, retention time.Duration) *StoreSink {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &StoreSink{
		store:     store,
		retention: retention,
	}
}

func (s *StoreSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.store == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	key := fmt.Sprintf("security_log:%d:%s", event.Timestamp.UnixMilli(), uuid.NewString())
	_ = s.store.Set(ctx, key, data, s.retention)
}
