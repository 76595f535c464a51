package metrics

import "sync/atomic"

// MetricID identifies a single counter slot.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricTokenIssued
	MetricTokenVerified
	MetricTokenRejected
	MetricTokenRevoked
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricReuseDetected
	MetricRateLimitHit
	MetricBurstRejected
	MetricDDoSBanned
	MetricPenaltyApplied
	MetricStoreFailOpen
	MetricSessionCreated
	MetricSessionDestroyed
	MetricSessionEvicted
	MetricSessionLocked
	MetricAnomalyFlagged
	MetricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Config enables or disables the counter set.
type Config struct {
	Enabled bool
}

// Metrics holds cache-line-padded atomic counters. All operations are
// no-ops when disabled, so call sites never branch.
type Metrics struct {
	enabled  bool
	counters [MetricIDCount]paddedCounter
}

func New(cfg Config) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc atomically increments one counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Get returns the current value of one counter.
func (m *Metrics) Get(id MetricID) uint64 {
	if m == nil || !m.enabled || id >= MetricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Counters map[MetricID]uint64
}

func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Counters: make(map[MetricID]uint64, MetricIDCount)}
	if m == nil || !m.enabled {
		return snap
	}
	for id := MetricID(0); id < MetricIDCount; id++ {
		snap.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return snap
}
