package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/it-era/authgate/internal/audit"
	"github.com/it-era/authgate/internal/metrics"
	"github.com/it-era/authgate/kv"
)

// Action is the request class being limited. Unknown actions fall back to
// the api limits.
type Action string

const (
	ActionLogin Action = "login"
	ActionAPI   Action = "api"
	ActionToken Action = "token"
)

// Denial reasons, ordered from least to most severe.
const (
	ReasonRateLimit = "RATE_LIMIT_EXCEEDED"
	ReasonBurst     = "BURST_PROTECTION"
	ReasonDDoSBan   = "DDOS_PROTECTION"
	ReasonDDoS      = "DDOS_DETECTED"
	ReasonPenalty   = "PROGRESSIVE_PENALTY"
)

const (
	rateLimitKeyPrefix  = "rate_limit:"
	burstKeyPrefix      = "burst:"
	ddosKeyPrefix       = "ddos:"
	ddosCheckKeyPrefix  = "ddos_check:"
	penaltyKeyPrefix    = "penalty:"
	reputationKeyPrefix = "reputation:"
	whitelistKeyPrefix  = "whitelist:"
	bypassKeyPrefix     = "bypass:"

	reputationRetention = 7 * 24 * time.Hour
	reputationStart     = 100
	reputationPenalty   = 10
)

// Window is one fixed-window limit.
type Window struct {
	Limit  int
	Window time.Duration
}

// Progressive configures escalating penalties for repeat offenders.
type Progressive struct {
	Enabled    bool
	Multiplier int
	MaxLevel   int
	BaseWindow time.Duration
}

// Config holds all limiter thresholds.
type Config struct {
	// Actions maps request classes to their fixed-window limits.
	Actions map[Action]Window
	Burst   Window
	DDoS    Window
	// DDoSBan is how long a detected flood source stays banned.
	DDoSBan     time.Duration
	Progressive Progressive
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		Actions: map[Action]Window{
			ActionLogin: {Limit: 5, Window: 15 * time.Minute},
			ActionAPI:   {Limit: 100, Window: time.Hour},
			ActionToken: {Limit: 10, Window: 5 * time.Minute},
		},
		Burst:   Window{Limit: 20, Window: time.Minute},
		DDoS:    Window{Limit: 1000, Window: time.Minute},
		DDoSBan: time.Hour,
		Progressive: Progressive{
			Enabled:    true,
			Multiplier: 2,
			MaxLevel:   16,
			BaseWindow: 5 * time.Minute,
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Actions == nil {
		c.Actions = def.Actions
	}
	if c.Burst.Limit <= 0 {
		c.Burst = def.Burst
	}
	if c.DDoS.Limit <= 0 {
		c.DDoS = def.DDoS
	}
	if c.DDoSBan <= 0 {
		c.DDoSBan = def.DDoSBan
	}
	if c.Progressive.Multiplier <= 0 {
		c.Progressive.Multiplier = def.Progressive.Multiplier
	}
	if c.Progressive.MaxLevel <= 0 {
		c.Progressive.MaxLevel = def.Progressive.MaxLevel
	}
	if c.Progressive.BaseWindow <= 0 {
		c.Progressive.BaseWindow = def.Progressive.BaseWindow
	}
}

func (c *Config) windowFor(action Action) Window {
	if w, ok := c.Actions[action]; ok {
		return w
	}
	return c.Actions[ActionAPI]
}

// Metadata is optional request context attached to audit entries.
type Metadata struct {
	UserAgent string
	Path      string
}

// Result is the admission decision for one request.
type Result struct {
	Allowed      bool
	Action       Action
	Reason       string
	Limit        int
	Remaining    int
	ResetTime    time.Time
	RetryAfter   time.Duration
	PenaltyLevel int
}

// Deps carries the limiter's collaborators. Only Store is mandatory; when
// the store also implements [kv.Counter] the fixed-window counters use
// atomic increments.
type Deps struct {
	Store   kv.Store
	Audit   *audit.Dispatcher
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Limiter evaluates all strategies for each check. Safe for concurrent
// use.
type Limiter struct {
	cfg     Config
	store   kv.Store
	counter kv.Counter
	audit   *audit.Dispatcher
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewLimiter(cfg Config, deps Deps) (*Limiter, error) {
	cfg.applyDefaults()
	if deps.Store == nil {
		return nil, errors.New("ratelimit: kv store is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	l := &Limiter{
		cfg:     cfg,
		store:   deps.Store,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		now:     deps.Clock,
	}
	if counter, ok := deps.Store.(kv.Counter); ok {
		l.counter = counter
	}
	return l, nil
}

// Check runs every strategy for one request and returns the most
// restrictive outcome. Store failures admit the request and are audited;
// Check itself never fails a request for infrastructure reasons.
func (l *Limiter) Check(ctx context.Context, identifier string, action Action, meta Metadata) *Result {
	window := l.cfg.windowFor(action)

	if l.exempt(ctx, identifier, action) {
		return &Result{
			Allowed:   true,
			Action:    action,
			Limit:     window.Limit,
			Remaining: window.Limit,
			ResetTime: l.now().Add(window.Window),
		}
	}

	type outcome struct {
		result *Result
		err    error
	}
	checks := make([]outcome, 4)

	var wg sync.WaitGroup
	run := func(i int, fn func(context.Context) (*Result, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checks[i].result, checks[i].err = fn(ctx)
		}()
	}

	run(0, func(ctx context.Context) (*Result, error) { return l.checkBasic(ctx, identifier, action) })
	run(1, func(ctx context.Context) (*Result, error) { return l.checkBurst(ctx, identifier) })
	run(2, func(ctx context.Context) (*Result, error) { return l.checkDDoS(ctx, identifier) })
	run(3, func(ctx context.Context) (*Result, error) { return l.checkPenalty(ctx, identifier, action) })
	wg.Wait()

	for _, c := range checks {
		if c.err != nil {
			return l.failOpen(ctx, identifier, action, c.err)
		}
	}

	var denied *Result
	for _, c := range checks {
		if !c.result.Allowed {
			denied = c.result
			break
		}
	}

	if denied != nil {
		denied.Action = action
		denied.Limit = window.Limit
		l.recordViolation(ctx, identifier, action, denied, meta)
		return denied
	}

	basic := checks[0].result
	basic.Action = action
	basic.Limit = window.Limit

	if err := l.updateCounters(ctx, identifier, action); err != nil {
		return l.failOpen(ctx, identifier, action, err)
	}
	l.adjustReputation(ctx, identifier, action, true)

	return basic
}

// checkBasic applies the fixed-window per-action limit. The counter for
// the current window is only read here; the increment happens after every
// strategy has admitted the request.
func (l *Limiter) checkBasic(ctx context.Context, identifier string, action Action) (*Result, error) {
	window := l.cfg.windowFor(action)
	now := l.now()

	index := now.UnixMilli() / window.Window.Milliseconds()
	reset := time.UnixMilli((index + 1) * window.Window.Milliseconds())

	count, err := l.readCount(ctx, l.windowKey(identifier, action, index))
	if err != nil {
		return nil, err
	}

	if count >= int64(window.Limit) {
		return &Result{
			Allowed:    false,
			Reason:     ReasonRateLimit,
			ResetTime:  reset,
			RetryAfter: window.Window,
		}, nil
	}

	return &Result{
		Allowed:   true,
		Remaining: window.Limit - int(count) - 1,
		ResetTime: reset,
	}, nil
}

// checkBurst rejects rapid-fire requests using a sliding window of
// request timestamps.
func (l *Limiter) checkBurst(ctx context.Context, identifier string) (*Result, error) {
	timestamps, err := l.recentTimestamps(ctx, burstKeyPrefix+identifier, l.cfg.Burst.Window)
	if err != nil {
		return nil, err
	}

	if len(timestamps) >= l.cfg.Burst.Limit {
		oldest := timestamps[0]
		for _, ts := range timestamps {
			if ts < oldest {
				oldest = ts
			}
		}
		wait := l.cfg.Burst.Window - l.now().Sub(time.UnixMilli(oldest))
		if wait < time.Second {
			wait = time.Second
		}
		return &Result{
			Allowed:    false,
			Reason:     ReasonBurst,
			ResetTime:  l.now().Add(wait),
			RetryAfter: wait,
		}, nil
	}

	return &Result{
		Allowed:   true,
		Remaining: l.cfg.Burst.Limit - len(timestamps),
	}, nil
}

type ddosRecord struct {
	DetectedAt   int64 `json:"detectedAt"`
	ResetTime    int64 `json:"resetTime"`
	RequestCount int   `json:"requestCount"`
}

// checkDDoS looks for an existing ban first, then judges the current
// request rate. Crossing the threshold bans the source for DDoSBan and
// raises a critical audit event.
func (l *Limiter) checkDDoS(ctx context.Context, identifier string) (*Result, error) {
	data, err := l.store.Get(ctx, ddosKeyPrefix+identifier)
	if err == nil {
		var ban ddosRecord
		if err := json.Unmarshal(data, &ban); err == nil {
			reset := time.UnixMilli(ban.ResetTime)
			retry := reset.Sub(l.now())
			if retry < time.Second {
				retry = time.Second
			}
			return &Result{
				Allowed:    false,
				Reason:     ReasonDDoSBan,
				ResetTime:  reset,
				RetryAfter: retry,
			}, nil
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	timestamps, err := l.recentTimestamps(ctx, ddosCheckKeyPrefix+identifier, l.cfg.DDoS.Window)
	if err != nil {
		return nil, err
	}

	if len(timestamps) >= l.cfg.DDoS.Limit {
		now := l.now()
		reset := now.Add(l.cfg.DDoSBan)

		ban, _ := json.Marshal(ddosRecord{
			DetectedAt:   now.UnixMilli(),
			ResetTime:    reset.UnixMilli(),
			RequestCount: len(timestamps),
		})
		if err := l.store.Set(ctx, ddosKeyPrefix+identifier, ban, l.cfg.DDoSBan); err != nil {
			return nil, err
		}

		l.metricInc(metrics.MetricDDoSBanned)
		l.emit(ctx, audit.Event{
			EventType: audit.EventDDoSDetected,
			Severity:  audit.SeverityCritical,
			IP:        identifier,
			Metadata: map[string]string{
				"request_count": strconv.Itoa(len(timestamps)),
				"ban_seconds":   strconv.Itoa(int(l.cfg.DDoSBan.Seconds())),
			},
		})

		return &Result{
			Allowed:    false,
			Reason:     ReasonDDoS,
			ResetTime:  reset,
			RetryAfter: l.cfg.DDoSBan,
		}, nil
	}

	return &Result{
		Allowed:   true,
		Remaining: l.cfg.DDoS.Limit - len(timestamps),
	}, nil
}

type penaltyRecord struct {
	Level     int    `json:"level"`
	ResetTime int64  `json:"resetTime"`
	AppliedAt int64  `json:"appliedAt"`
	Reason    string `json:"reason"`
	Duration  int64  `json:"durationMs"`
}

func (l *Limiter) checkPenalty(ctx context.Context, identifier string, action Action) (*Result, error) {
	if !l.cfg.Progressive.Enabled {
		return &Result{Allowed: true}, nil
	}

	data, err := l.store.Get(ctx, l.penaltyKey(identifier, action))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return &Result{Allowed: true}, nil
		}
		return nil, err
	}

	var penalty penaltyRecord
	if err := json.Unmarshal(data, &penalty); err != nil {
		return &Result{Allowed: true}, nil
	}

	reset := time.UnixMilli(penalty.ResetTime)
	if l.now().Before(reset) {
		retry := reset.Sub(l.now())
		if retry < time.Second {
			retry = time.Second
		}
		return &Result{
			Allowed:      false,
			Reason:       ReasonPenalty,
			ResetTime:    reset,
			RetryAfter:   retry,
			PenaltyLevel: penalty.Level,
		}, nil
	}

	return &Result{Allowed: true}, nil
}

// applyPenalty escalates the offender's penalty level. Duration doubles
// per level up to MaxLevel, so a persistent abuser climbs from 5 minutes
// to roughly 4 months.
func (l *Limiter) applyPenalty(ctx context.Context, identifier string, action Action, reason string) {
	if !l.cfg.Progressive.Enabled {
		return
	}

	level := 1
	if data, err := l.store.Get(ctx, l.penaltyKey(identifier, action)); err == nil {
		var existing penaltyRecord
		if json.Unmarshal(data, &existing) == nil {
			level = existing.Level + 1
			if level > l.cfg.Progressive.MaxLevel {
				level = l.cfg.Progressive.MaxLevel
			}
		}
	}

	duration := l.cfg.Progressive.BaseWindow
	for i := 1; i < level; i++ {
		duration *= time.Duration(l.cfg.Progressive.Multiplier)
	}

	now := l.now()
	record, _ := json.Marshal(penaltyRecord{
		Level:     level,
		ResetTime: now.Add(duration).UnixMilli(),
		AppliedAt: now.UnixMilli(),
		Reason:    reason,
		Duration:  duration.Milliseconds(),
	})
	_ = l.store.Set(ctx, l.penaltyKey(identifier, action), record, duration)

	l.metricInc(metrics.MetricPenaltyApplied)
	l.emit(ctx, audit.Event{
		EventType: audit.EventPenaltyApplied,
		Severity:  audit.SeverityHigh,
		IP:        identifier,
		Metadata: map[string]string{
			"action":           string(action),
			"level":            strconv.Itoa(level),
			"duration_seconds": strconv.Itoa(int(duration.Seconds())),
		},
	})
}

type reputationRecord struct {
	Score      int            `json:"score"`
	Violations int            `json:"violations"`
	LastSeen   int64          `json:"lastSeen"`
	Actions    map[string]int `json:"actions,omitempty"`
}

// adjustReputation moves the identifier's score: a violation costs ten
// points, clean traffic slowly earns them back.
func (l *Limiter) adjustReputation(ctx context.Context, identifier string, action Action, allowed bool) {
	rep := reputationRecord{Score: reputationStart}
	if data, err := l.store.Get(ctx, reputationKeyPrefix+identifier); err == nil {
		_ = json.Unmarshal(data, &rep)
	}

	if allowed {
		if rep.Score < reputationStart {
			rep.Score++
		}
	} else {
		rep.Violations++
		rep.Score -= reputationPenalty
		if rep.Score < 0 {
			rep.Score = 0
		}
		if rep.Actions == nil {
			rep.Actions = make(map[string]int)
		}
		rep.Actions[string(action)]++
	}
	rep.LastSeen = l.now().UnixMilli()

	data, _ := json.Marshal(rep)
	_ = l.store.Set(ctx, reputationKeyPrefix+identifier, data, reputationRetention)
}

// Reputation returns the identifier's current score; unseen identifiers
// report a perfect score.
func (l *Limiter) Reputation(ctx context.Context, identifier string) (int, error) {
	data, err := l.store.Get(ctx, reputationKeyPrefix+identifier)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return reputationStart, nil
		}
		return 0, err
	}

	var rep reputationRecord
	if err := json.Unmarshal(data, &rep); err != nil {
		return 0, fmt.Errorf("ratelimit: corrupt reputation record: %w", err)
	}
	return rep.Score, nil
}

type whitelistRecord struct {
	Actions []string `json:"actions"`
}

// Whitelist exempts an identifier from limiting for the given actions;
// "*" covers everything. ttl <= 0 keeps the entry until removed.
func (l *Limiter) Whitelist(ctx context.Context, identifier string, actions []string, ttl time.Duration) error {
	if len(actions) == 0 {
		actions = []string{"*"}
	}
	data, err := json.Marshal(whitelistRecord{Actions: actions})
	if err != nil {
		return err
	}
	return l.store.Set(ctx, whitelistKeyPrefix+identifier, data, ttl)
}

type bypassRecord struct {
	CreatedAt int64  `json:"createdAt"`
	ResetTime int64  `json:"resetTime"`
	Reason    string `json:"reason"`
}

// CreateBypass grants an identifier a temporary exemption for emergency
// operations. Audited: bypasses are powerful and must leave a trace.
func (l *Limiter) CreateBypass(ctx context.Context, identifier string, duration time.Duration, reason string) error {
	if duration <= 0 {
		duration = time.Hour
	}
	if reason == "" {
		reason = "EMERGENCY_ACCESS"
	}

	now := l.now()
	data, err := json.Marshal(bypassRecord{
		CreatedAt: now.UnixMilli(),
		ResetTime: now.Add(duration).UnixMilli(),
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	if err := l.store.Set(ctx, bypassKeyPrefix+identifier, data, duration); err != nil {
		return err
	}

	l.emit(ctx, audit.Event{
		EventType: audit.EventBypassCreated,
		Severity:  audit.SeverityHigh,
		IP:        identifier,
		Metadata: map[string]string{
			"reason":           reason,
			"duration_seconds": strconv.Itoa(int(duration.Seconds())),
		},
	})
	return nil
}

func (l *Limiter) exempt(ctx context.Context, identifier string, action Action) bool {
	if data, err := l.store.Get(ctx, whitelistKeyPrefix+identifier); err == nil {
		var wl whitelistRecord
		if json.Unmarshal(data, &wl) == nil {
			for _, a := range wl.Actions {
				if a == "*" || a == string(action) {
					return true
				}
			}
		}
	}

	if _, err := l.store.Get(ctx, bypassKeyPrefix+identifier); err == nil {
		return true
	}
	return false
}

// recordViolation audits a denial, escalates the penalty, and drops the
// offender's reputation. All best-effort.
func (l *Limiter) recordViolation(ctx context.Context, identifier string, action Action, denied *Result, meta Metadata) {
	switch denied.Reason {
	case ReasonBurst:
		l.metricInc(metrics.MetricBurstRejected)
	default:
		l.metricInc(metrics.MetricRateLimitHit)
	}

	l.emit(ctx, audit.Event{
		EventType: audit.EventRateLimitViolation,
		Severity:  violationSeverity(denied.Reason),
		IP:        identifier,
		UserAgent: meta.UserAgent,
		Error:     denied.Reason,
		Metadata: map[string]string{
			"action":      string(action),
			"retry_after": strconv.Itoa(int(denied.RetryAfter.Seconds())),
		},
	})

	l.applyPenalty(ctx, identifier, action, denied.Reason)
	l.adjustReputation(ctx, identifier, action, false)
}

// failOpen admits a request the store could not judge.
func (l *Limiter) failOpen(ctx context.Context, identifier string, action Action, cause error) *Result {
	l.metricInc(metrics.MetricStoreFailOpen)
	l.emit(ctx, audit.Event{
		EventType: audit.EventRateLimitError,
		Severity:  audit.SeverityMedium,
		IP:        identifier,
		Error:     cause.Error(),
		Metadata:  map[string]string{"action": string(action)},
	})

	window := l.cfg.windowFor(action)
	return &Result{
		Allowed:   true,
		Action:    action,
		Limit:     window.Limit,
		Remaining: window.Limit - 1,
		ResetTime: l.now().Add(window.Window),
	}
}

// updateCounters advances every strategy's state for an admitted request.
func (l *Limiter) updateCounters(ctx context.Context, identifier string, action Action) error {
	window := l.cfg.windowFor(action)
	index := l.now().UnixMilli() / window.Window.Milliseconds()

	if err := l.bumpCount(ctx, l.windowKey(identifier, action, index), window.Window); err != nil {
		return err
	}
	if err := l.appendTimestamp(ctx, burstKeyPrefix+identifier, l.cfg.Burst.Window); err != nil {
		return err
	}
	return l.appendTimestamp(ctx, ddosCheckKeyPrefix+identifier, l.cfg.DDoS.Window)
}

func (l *Limiter) readCount(ctx context.Context, key string) (int64, error) {
	data, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	count, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, nil
	}
	return count, nil
}

func (l *Limiter) bumpCount(ctx context.Context, key string, ttl time.Duration) error {
	if l.counter != nil {
		_, err := l.counter.Incr(ctx, key, ttl)
		return err
	}

	// Read-then-write fallback. Concurrent checks may undercount; the
	// window TTL still bounds the damage.
	count, err := l.readCount(ctx, key)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, key, []byte(strconv.FormatInt(count+1, 10)), ttl)
}

// recentTimestamps loads a sliding-window timestamp list and drops
// entries older than the window.
func (l *Limiter) recentTimestamps(ctx context.Context, key string, window time.Duration) ([]int64, error) {
	data, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var timestamps []int64
	if err := json.Unmarshal(data, &timestamps); err != nil {
		return nil, nil
	}

	cutoff := l.now().Add(-window).UnixMilli()
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	return kept, nil
}

func (l *Limiter) appendTimestamp(ctx context.Context, key string, window time.Duration) error {
	timestamps, err := l.recentTimestamps(ctx, key, window)
	if err != nil {
		return err
	}
	timestamps = append(timestamps, l.now().UnixMilli())

	data, err := json.Marshal(timestamps)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, key, data, window)
}

func (l *Limiter) windowKey(identifier string, action Action, index int64) string {
	return rateLimitKeyPrefix + string(action) + ":" + identifier + ":" + strconv.FormatInt(index, 10)
}

func (l *Limiter) penaltyKey(identifier string, action Action) string {
	return penaltyKeyPrefix + identifier + ":" + string(action)
}

func (l *Limiter) emit(ctx context.Context, event audit.Event) {
	if l.audit == nil {
		return
	}
	l.audit.Emit(ctx, event)
}

func (l *Limiter) metricInc(id metrics.MetricID) {
	if l.metrics != nil {
		l.metrics.Inc(id)
	}
}

func violationSeverity(reason string) audit.Severity {
	switch reason {
	case ReasonDDoS, ReasonDDoSBan:
		return audit.SeverityCritical
	case ReasonPenalty:
		return audit.SeverityHigh
	case ReasonBurst:
		return audit.SeverityMedium
	default:
		return audit.SeverityLow
	}
}
