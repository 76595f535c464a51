package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/it-era/authgate/kv"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T, cfg Config) (*Manager, *kv.MemoryStore, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore()
	store.SetClock(clock.Now)

	m, err := NewManager(cfg, Deps{Store: store, Clock: clock.Now})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store, clock
}

func TestCreateGetRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", CreateOptions{
		IPAddress:   "10.0.0.1",
		UserAgent:   "test-agent",
		Permissions: []string{"read"},
		Roles:       []string{"admin"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !validSessionID(created.SessionID) {
		t.Fatalf("bad session id %q", created.SessionID)
	}

	s, err := m.Get(ctx, created.SessionID, GetOptions{UpdateActivity: true, IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.UserID != "user-1" {
		t.Fatalf("userId = %q", s.UserID)
	}
	if s.RequestCount != 1 {
		t.Fatalf("requestCount = %d", s.RequestCount)
	}
	if s.Suspicious {
		t.Fatal("same-context activity flagged suspicious")
	}
}

func TestGetUnknownAndMalformed(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	if _, err := m.Get(ctx, "ses_zzzz_0123456789abcdef0123", GetOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
	if _, err := m.Get(ctx, "not-a-session-id", GetOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("malformed id: %v", err)
	}
}

func TestConcurrencyCapEvictsOldest(t *testing.T) {
	m, store, clock := newTestManager(t, Config{MaxConcurrent: 3})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		created, err := m.Create(ctx, "user-1", CreateOptions{})
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		ids = append(ids, created.SessionID)
		clock.Advance(time.Minute)
	}

	// Touch the first session so the second becomes least recently active.
	if _, err := m.Get(ctx, ids[0], GetOptions{UpdateActivity: true}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	clock.Advance(time.Minute)

	created, err := m.Create(ctx, "user-1", CreateOptions{})
	if err != nil {
		t.Fatalf("fourth Create: %v", err)
	}

	if _, err := m.Get(ctx, ids[1], GetOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest session evicted, got %v", err)
	}
	for _, id := range []string{ids[0], ids[2], created.SessionID} {
		if _, err := m.Get(ctx, id, GetOptions{}); err != nil {
			t.Fatalf("survivor %s: %v", id, err)
		}
	}

	// Eviction leaves a destruction record behind.
	if _, err := store.Get(ctx, destructionKeyPrefix+ids[1]); err != nil {
		t.Fatalf("destruction record: %v", err)
	}
}

func TestExpiryDestroysOnSight(t *testing.T) {
	m, store, clock := newTestManager(t, Config{TTL: 30 * time.Minute})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(31 * time.Minute)

	if _, err := m.Get(ctx, created.SessionID, GetOptions{}); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// And it is gone, not merely rejected.
	if _, err := store.Get(ctx, sessionKeyPrefix+created.SessionID); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
}

func TestExtendSession(t *testing.T) {
	m, _, clock := newTestManager(t, Config{TTL: 30 * time.Minute})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(20 * time.Minute)
	if _, err := m.Get(ctx, created.SessionID, GetOptions{UpdateActivity: true, ExtendSession: true}); err != nil {
		t.Fatalf("extend: %v", err)
	}

	// Past the original expiry but within the extended one.
	clock.Advance(20 * time.Minute)
	if _, err := m.Get(ctx, created.SessionID, GetOptions{}); err != nil {
		t.Fatalf("expected extended session alive, got %v", err)
	}
}

func TestLockBlocksAccess(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Lock(ctx, created.SessionID, LockBruteForce); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := m.Get(ctx, created.SessionID, GetOptions{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestIPChangeFlagsButAllows(t *testing.T) {
	m, _, clock := newTestManager(t, Config{})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", CreateOptions{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	clock.Advance(time.Minute)
	s, err := m.Get(ctx, created.SessionID, GetOptions{UpdateActivity: true, IPAddress: "10.0.0.9"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !s.Suspicious {
		t.Fatal("IP change did not flag session")
	}

	found := false
	for _, ind := range s.Indicators {
		if ind == IndicatorIPChange {
			found = true
		}
	}
	if !found {
		t.Fatalf("indicators = %v", s.Indicators)
	}
}

func TestImpossibleTravelLocks(t *testing.T) {
	m, _, clock := newTestManager(t, Config{TTL: 8 * time.Hour})
	ctx := context.Background()

	milan := &Location{Latitude: 45.4642, Longitude: 9.19}
	sydney := &Location{Latitude: -33.8688, Longitude: 151.2093}

	created, err := m.Create(ctx, "user-1", CreateOptions{Location: milan})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Milan to Sydney is ~16500 km; one hour later is far beyond any
	// plausible travel speed.
	clock.Advance(time.Hour)
	_, err = m.Get(ctx, created.SessionID, GetOptions{UpdateActivity: true, Location: sydney})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	if _, err := m.Get(ctx, created.SessionID, GetOptions{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("session not persisted as locked: %v", err)
	}
}

func TestPlausibleTravelAllowed(t *testing.T) {
	m, _, clock := newTestManager(t, Config{TTL: 48 * time.Hour})
	ctx := context.Background()

	milan := &Location{Latitude: 45.4642, Longitude: 9.19}
	rome := &Location{Latitude: 41.9028, Longitude: 12.4964}

	created, err := m.Create(ctx, "user-1", CreateOptions{Location: milan})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// ~480 km in five hours is under 100 km/h.
	clock.Advance(5 * time.Hour)
	if _, err := m.Get(ctx, created.SessionID, GetOptions{UpdateActivity: true, Location: rome}); err != nil {
		t.Fatalf("plausible travel rejected: %v", err)
	}
}

func TestUpdatePermissionsRequiresRotation(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", CreateOptions{Permissions: []string{"read"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := m.Update(ctx, created.SessionID, Updates{Permissions: []string{"read", "write"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !result.RotationRequired {
		t.Fatal("permission change did not require rotation")
	}
	if !result.Session.Rotated {
		t.Fatal("session not marked rotated")
	}

	// Same permissions again: no rotation.
	result, err = m.Update(ctx, created.SessionID, Updates{Permissions: []string{"read", "write"}})
	if err != nil {
		t.Fatalf("second Update: %v", err)
	}
	if result.RotationRequired {
		t.Fatal("unchanged permissions required rotation")
	}
}

func TestDestroyIdempotent(t *testing.T) {
	m, store, _ := newTestManager(t, Config{})
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Destroy(ctx, created.SessionID, ReasonLogout); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := m.Destroy(ctx, created.SessionID, ReasonLogout); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}

	if _, err := store.Get(ctx, destructionKeyPrefix+created.SessionID); err != nil {
		t.Fatalf("destruction record: %v", err)
	}
}

func TestListAndDestroyAll(t *testing.T) {
	m, _, clock := newTestManager(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Create(ctx, "user-1", CreateOptions{}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		clock.Advance(time.Minute)
	}
	if _, err := m.Create(ctx, "user-2", CreateOptions{}); err != nil {
		t.Fatalf("Create other user: %v", err)
	}

	sessions, err := m.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("len = %d", len(sessions))
	}
	for i := 1; i < len(sessions); i++ {
		if sessions[i].LastActivity.After(sessions[i-1].LastActivity) {
			t.Fatal("sessions not ordered most-recent-first")
		}
	}

	n, err := m.DestroyAll(ctx, "user-1", ReasonAdmin)
	if err != nil {
		t.Fatalf("DestroyAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("destroyed = %d", n)
	}

	sessions, err = m.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("List after destroy: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions remain: %d", len(sessions))
	}

	// The other user's session is untouched.
	others, err := m.List(ctx, "user-2")
	if err != nil {
		t.Fatalf("List other: %v", err)
	}
	if len(others) != 1 {
		t.Fatalf("other user sessions = %d", len(others))
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	milan := Location{Latitude: 45.4642, Longitude: 9.19}
	rome := Location{Latitude: 41.9028, Longitude: 12.4964}

	km := haversineKm(milan, rome)
	if km < 450 || km > 510 {
		t.Fatalf("Milan-Rome distance = %.1f km", km)
	}
}
