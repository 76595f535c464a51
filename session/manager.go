package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/it-era/authgate/internal/audit"
	"github.com/it-era/authgate/internal/metrics"
	"github.com/it-era/authgate/kv"
)

const (
	sessionKeyPrefix     = "session:"
	userIndexKeyPrefix   = "user_sessions:"
	destructionKeyPrefix = "destruction:"

	schemaVersion = 1

	destructionRetention = 7 * 24 * time.Hour
)

// Config holds session lifecycle parameters.
type Config struct {
	// TTL is the idle lifetime of a session. ExtendSession on activity
	// pushes the expiry out by another TTL.
	TTL time.Duration
	// MaxConcurrent caps live sessions per user; the least-recently-active
	// session is destroyed when the cap would be exceeded.
	MaxConcurrent int
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
}

// Deps carries the manager's collaborators. Only Store is mandatory.
type Deps struct {
	Store   kv.Store
	Audit   *audit.Dispatcher
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Manager owns session records in the kv store. Safe for concurrent use;
// all state lives in the store.
type Manager struct {
	cfg     Config
	store   kv.Store
	audit   *audit.Dispatcher
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	cfg.applyDefaults()
	if deps.Store == nil {
		return nil, errors.New("session: kv store is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Manager{
		cfg:     cfg,
		store:   deps.Store,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		now:     deps.Clock,
	}, nil
}

// CreateOptions is the client context captured at login.
type CreateOptions struct {
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	Location          *Location
	Permissions       []string
	Roles             []string
	LoginMethod       string
	Metadata          map[string]string
}

// Created is returned by a successful Create.
type Created struct {
	SessionID string
	ExpiresAt time.Time
	Session   *Session
}

// Create stores a new session for userID, destroying the user's
// least-recently-active sessions first if the concurrency cap would be
// exceeded.
func (m *Manager) Create(ctx context.Context, userID string, opts CreateOptions) (*Created, error) {
	if userID == "" {
		return nil, errors.New("session: user id is required")
	}

	now := m.now()
	s := &Session{
		ID:                newSessionID(now),
		UserID:            userID,
		SchemaVer:         schemaVersion,
		CreatedAt:         now,
		LastActivity:      now,
		ExpiresAt:         now.Add(m.cfg.TTL),
		IPAddress:         opts.IPAddress,
		UserAgent:         opts.UserAgent,
		DeviceFingerprint: opts.DeviceFingerprint,
		Location:          opts.Location,
		Permissions:       opts.Permissions,
		Roles:             opts.Roles,
		LoginMethod:       defaultString(opts.LoginMethod, "password"),
		Metadata:          opts.Metadata,
	}

	if err := m.enforceLimit(ctx, userID); err != nil {
		return nil, err
	}

	if err := m.put(ctx, s); err != nil {
		return nil, err
	}
	if err := m.indexAdd(ctx, userID, s.ID); err != nil {
		return nil, err
	}

	m.metricInc(metrics.MetricSessionCreated)
	m.emit(ctx, audit.Event{
		EventType: audit.EventSessionCreated,
		Severity:  audit.SeverityLow,
		UserID:    userID,
		SessionID: s.ID,
		IP:        s.IPAddress,
		UserAgent: s.UserAgent,
		Success:   true,
	})

	return &Created{
		SessionID: s.ID,
		ExpiresAt: s.ExpiresAt,
		Session:   s,
	}, nil
}

// GetOptions controls a single lookup.
type GetOptions struct {
	// UpdateActivity advances lastActivity and the request counter, and
	// runs anomaly checks against the presented context.
	UpdateActivity bool
	// ExtendSession pushes the expiry out by the configured TTL. Only
	// meaningful together with UpdateActivity.
	ExtendSession bool
	IPAddress     string
	UserAgent     string
	Location      *Location
}

// Get loads and validates a session. Expired sessions are destroyed on
// sight. A high-risk anomaly during an activity update locks the session
// and the lookup fails with [ErrLocked].
func (m *Manager) Get(ctx context.Context, sessionID string, opts GetOptions) (*Session, error) {
	if !validSessionID(sessionID) {
		return nil, ErrNotFound
	}

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if s.ExpiresAt.Before(now) {
		_ = m.Destroy(ctx, sessionID, ReasonExpired)
		return nil, ErrExpired
	}
	if s.Locked {
		return nil, ErrLocked
	}

	if !opts.UpdateActivity {
		return s, nil
	}

	// Anomalies are judged against the state recorded before this update,
	// otherwise the travel-speed window collapses to zero.
	indicators := detectAnomalies(s, activityContext{
		Now:       now,
		IPAddress: opts.IPAddress,
		UserAgent: opts.UserAgent,
		Location:  opts.Location,
	})

	s.LastActivity = now
	s.RequestCount++
	if opts.ExtendSession {
		s.ExpiresAt = now.Add(m.cfg.TTL)
	}
	if opts.Location != nil {
		s.Location = opts.Location
	}

	if len(indicators) > 0 {
		m.metricInc(metrics.MetricAnomalyFlagged)
		s.Suspicious = true
		s.Indicators = mergeIndicators(s.Indicators, indicators)

		for _, ind := range indicators {
			if ind == IndicatorIPChange {
				m.emit(ctx, audit.Event{
					EventType: audit.EventSessionIPChange,
					Severity:  audit.SeverityMedium,
					UserID:    s.UserID,
					SessionID: s.ID,
					IP:        opts.IPAddress,
					Metadata:  map[string]string{"previous_ip": s.IPAddress},
				})
			}
		}

		for _, ind := range indicators {
			if ind.highRisk() {
				if err := m.lockLoaded(ctx, s, LockImpossibleTravel); err != nil {
					return nil, err
				}
				return nil, ErrLocked
			}
		}
	}

	if err := m.put(ctx, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Updates describes a partial session mutation. Nil slices leave the
// corresponding field untouched.
type Updates struct {
	Permissions []string
	Roles       []string
	Metadata    map[string]string
}

// UpdateResult reports whether the caller must issue fresh tokens.
type UpdateResult struct {
	Session *Session
	// RotationRequired is set when the permission set changed: stale
	// tokens carrying the old checksum must not remain usable.
	RotationRequired bool
}

// Update applies a partial mutation. A permission change marks the
// session rotated and tells the caller to reissue credentials.
func (m *Manager) Update(ctx context.Context, sessionID string, updates Updates) (*UpdateResult, error) {
	s, err := m.Get(ctx, sessionID, GetOptions{})
	if err != nil {
		return nil, err
	}

	permissionsChanged := updates.Permissions != nil && !stringSlicesEqual(s.Permissions, updates.Permissions)

	if updates.Permissions != nil {
		s.Permissions = updates.Permissions
	}
	if updates.Roles != nil {
		s.Roles = updates.Roles
	}
	for k, v := range updates.Metadata {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string)
		}
		s.Metadata[k] = v
	}

	if permissionsChanged {
		s.Rotated = true
		m.emit(ctx, audit.Event{
			EventType: audit.EventSessionPrivileges,
			Severity:  audit.SeverityMedium,
			UserID:    s.UserID,
			SessionID: s.ID,
			Metadata: map[string]string{
				"new_permissions": strings.Join(updates.Permissions, ","),
			},
		})
	}

	if err := m.put(ctx, s); err != nil {
		return nil, err
	}

	return &UpdateResult{
		Session:          s,
		RotationRequired: permissionsChanged,
	}, nil
}

// Destroy removes a session. Destroying a missing session succeeds; a
// destruction record is kept for audit either way the session existed.
func (m *Manager) Destroy(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = ReasonLogout
	}

	s, err := m.load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if err := m.store.Delete(ctx, sessionKeyPrefix+sessionID); err != nil {
		return fmt.Errorf("session: delete failed: %w", err)
	}
	if err := m.indexRemove(ctx, s.UserID, sessionID); err != nil {
		return err
	}

	record, _ := json.Marshal(map[string]interface{}{
		"sessionId":   sessionID,
		"userId":      s.UserID,
		"reason":      reason,
		"destroyedAt": m.now().UnixMilli(),
	})
	_ = m.store.Set(ctx, destructionKeyPrefix+sessionID, record, destructionRetention)

	m.metricInc(metrics.MetricSessionDestroyed)
	if reason == ReasonLimit {
		m.metricInc(metrics.MetricSessionEvicted)
	}
	m.emit(ctx, audit.Event{
		EventType: audit.EventSessionDestroyed,
		Severity:  audit.SeverityLow,
		UserID:    s.UserID,
		SessionID: sessionID,
		Success:   true,
		Metadata: map[string]string{
			"reason":      reason,
			"duration_ms": strconv.FormatInt(m.now().Sub(s.CreatedAt).Milliseconds(), 10),
		},
	})

	return nil
}

// Lock marks a session locked and suspicious. High-severity reasons raise
// a critical security incident event on top of the lock itself.
func (m *Manager) Lock(ctx context.Context, sessionID, reason string) error {
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.lockLoaded(ctx, s, reason)
}

func (m *Manager) lockLoaded(ctx context.Context, s *Session, reason string) error {
	if reason == "" {
		reason = LockSuspicious
	}

	s.Locked = true
	s.LockReason = reason
	s.LockedAt = m.now()
	s.Suspicious = true

	if err := m.put(ctx, s); err != nil {
		return err
	}

	m.metricInc(metrics.MetricSessionLocked)
	m.emit(ctx, audit.Event{
		EventType: audit.EventSessionLocked,
		Severity:  audit.SeverityHigh,
		UserID:    s.UserID,
		SessionID: s.ID,
		IP:        s.IPAddress,
		Metadata:  map[string]string{"reason": reason},
	})

	switch reason {
	case LockImpossibleTravel, LockReplay, LockPrivilegeEscalation, LockBruteForce:
		m.emit(ctx, audit.Event{
			EventType: audit.EventSessionIncident,
			Severity:  audit.SeverityCritical,
			UserID:    s.UserID,
			SessionID: s.ID,
			IP:        s.IPAddress,
			UserAgent: s.UserAgent,
			Metadata:  map[string]string{"reason": reason},
		})
	}

	return nil
}

// List returns the user's live sessions, most recently active first.
// Index entries whose session has expired or vanished are skipped.
func (m *Manager) List(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := m.indexLoad(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if s.ExpiresAt.Before(now) {
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})

	return sessions, nil
}

// DestroyAll removes every session the user owns and reports how many
// were destroyed.
func (m *Manager) DestroyAll(ctx context.Context, userID, reason string) (int, error) {
	ids, err := m.indexLoad(ctx, userID)
	if err != nil {
		return 0, err
	}

	destroyed := 0
	for _, id := range ids {
		if err := m.Destroy(ctx, id, reason); err != nil {
			return destroyed, err
		}
		destroyed++
	}
	return destroyed, nil
}

func (m *Manager) enforceLimit(ctx context.Context, userID string) error {
	sessions, err := m.List(ctx, userID)
	if err != nil {
		return err
	}
	if len(sessions) < m.cfg.MaxConcurrent {
		return nil
	}

	// List is newest-first; everything past the last free slot goes.
	for _, victim := range sessions[m.cfg.MaxConcurrent-1:] {
		if err := m.Destroy(ctx, victim.ID, ReasonLimit); err != nil {
			return err
		}
	}

	m.emit(ctx, audit.Event{
		EventType: audit.EventSessionLimit,
		Severity:  audit.SeverityLow,
		UserID:    userID,
		Metadata: map[string]string{
			"max_sessions": strconv.Itoa(m.cfg.MaxConcurrent),
		},
	})

	return nil
}

func (m *Manager) load(ctx context.Context, sessionID string) (*Session, error) {
	data, err := m.store.Get(ctx, sessionKeyPrefix+sessionID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: load failed: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: corrupt record: %w", err)
	}
	return &s, nil
}

func (m *Manager) put(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: encode failed: %w", err)
	}

	// Floor the record TTL at one hour so a short idle timeout never
	// erases the record before the expiry check can audit it.
	ttl := m.cfg.TTL
	if ttl < time.Hour {
		ttl = time.Hour
	}
	if err := m.store.Set(ctx, sessionKeyPrefix+s.ID, data, ttl); err != nil {
		return fmt.Errorf("session: store failed: %w", err)
	}
	return nil
}

func (m *Manager) indexLoad(ctx context.Context, userID string) ([]string, error) {
	data, err := m.store.Get(ctx, userIndexKeyPrefix+userID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: index load failed: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("session: corrupt index: %w", err)
	}
	return ids, nil
}

func (m *Manager) indexStore(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return m.store.Delete(ctx, userIndexKeyPrefix+userID)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("session: index encode failed: %w", err)
	}
	if err := m.store.Set(ctx, userIndexKeyPrefix+userID, data, 2*m.cfg.TTL); err != nil {
		return fmt.Errorf("session: index store failed: %w", err)
	}
	return nil
}

func (m *Manager) indexAdd(ctx context.Context, userID, sessionID string) error {
	ids, err := m.indexLoad(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == sessionID {
			return nil
		}
	}
	return m.indexStore(ctx, userID, append(ids, sessionID))
}

func (m *Manager) indexRemove(ctx context.Context, userID, sessionID string) error {
	ids, err := m.indexLoad(ctx, userID)
	if err != nil {
		return err
	}

	kept := ids[:0]
	for _, id := range ids {
		if id != sessionID {
			kept = append(kept, id)
		}
	}
	return m.indexStore(ctx, userID, kept)
}

func (m *Manager) emit(ctx context.Context, event audit.Event) {
	if m.audit == nil {
		return
	}
	m.audit.Emit(ctx, event)
}

func (m *Manager) metricInc(id metrics.MetricID) {
	if m.metrics != nil {
		m.metrics.Inc(id)
	}
}

// newSessionID builds an id of the form ses_<unix36>_<random>. The
// timestamp prefix keeps ids roughly sortable for operators scanning the
// store.
func newSessionID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ses_" + strconv.FormatInt(now.Unix(), 36) + "_" + random
}

func validSessionID(id string) bool {
	return strings.HasPrefix(id, "ses_") && len(id) > 20
}

func mergeIndicators(existing, incoming []Indicator) []Indicator {
	for _, in := range incoming {
		seen := false
		for _, ex := range existing {
			if ex == in {
				seen = true
				break
			}
		}
		if !seen {
			existing = append(existing, in)
		}
	}
	return existing
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
