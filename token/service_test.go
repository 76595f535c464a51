package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/it-era/authgate/kv"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T) (*Service, *kv.MemoryStore, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore()
	store.SetClock(clock.Now)

	svc, err := NewService(Config{
		Secret:        testSecret,
		Issuer:        "it-era.it",
		Audience:      "it-era-admin",
		RotateRefresh: true,
	}, Deps{
		Store: store,
		Clock: clock.Now,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store, clock
}

func mustCode(t *testing.T, err error, want ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	code, ok := CodeOf(err)
	if !ok {
		t.Fatalf("expected typed error, got %v", err)
	}
	if code != want {
		t.Fatalf("expected code %s, got %s (%v)", want, code, err)
	}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", IssueOptions{
		Permissions: []string{"read", "write"},
		Email:       "admin@it-era.it",
		Role:        "admin",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issued.TokenID == "" || issued.SessionID == "" {
		t.Fatal("issued token missing ids")
	}
	if issued.TokenType != TypeAccess {
		t.Fatalf("expected access type, got %s", issued.TokenType)
	}

	result, err := svc.Verify(ctx, issued.Token, VerifyOptions{ExpectedType: TypeAccess})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Claims.Subject != "user-1" {
		t.Fatalf("subject = %q", result.Claims.Subject)
	}
	if result.SessionID != issued.SessionID {
		t.Fatalf("session = %q, want %q", result.SessionID, issued.SessionID)
	}
	if len(result.Claims.Permissions) != 2 {
		t.Fatalf("permissions = %v", result.Claims.Permissions)
	}
	if result.Claims.Role != "admin" {
		t.Fatalf("role = %q", result.Claims.Role)
	}
}

func TestVerifyMalformed(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, input := range []string{"", "not-a-jwt", "a.b", "a.b.c.d"} {
		_, err := svc.Verify(ctx, input, VerifyOptions{})
		mustCode(t, err, CodeInvalidFormat)
	}
}

func TestVerifyExpired(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", IssueOptions{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Expiry gets no leeway, one second past is already dead.
	clock.Advance(time.Minute + time.Second)

	_, err = svc.Verify(ctx, issued.Token, VerifyOptions{})
	mustCode(t, err, CodeExpired)
}

func TestVerifyTampered(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", IssueOptions{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parts := strings.Split(issued.Token, ".")
	tampered := parts[0] + "." + parts[1] + "." + "AAAA" + parts[2][4:]

	_, err = svc.Verify(ctx, tampered, VerifyOptions{})
	mustCode(t, err, CodeInvalidSignature)
}

func TestVerifyWrongIssuer(t *testing.T) {
	store := kv.NewMemoryStore()
	other, err := NewService(Config{
		Secret:   testSecret,
		Issuer:   "someone-else",
		Audience: "it-era-admin",
	}, Deps{Store: store})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx := context.Background()
	issued, err := other.Issue(ctx, "user-1", IssueOptions{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	svc, _, _ := newTestService(t)
	_, err = svc.Verify(ctx, issued.Token, VerifyOptions{})
	mustCode(t, err, CodeInvalidStructure)
}

func TestVerifyTypeMismatch(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", IssueOptions{Type: TypeRefresh})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = svc.Verify(ctx, issued.Token, VerifyOptions{ExpectedType: TypeAccess})
	mustCode(t, err, CodeSecurityValidation)
}

func TestRevokeBlacklists(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", IssueOptions{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := svc.Revoke(ctx, issued.TokenID, ReasonLogout); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err = svc.Verify(ctx, issued.Token, VerifyOptions{})
	mustCode(t, err, CodeBlacklisted)
}

func TestRevokeOutlivesExtendedTTL(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", IssueOptions{
		Type: TypeRefresh,
		TTL:  30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := svc.Revoke(ctx, issued.TokenID, ReasonRotation); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// Past the default refresh lifetime but well inside the token's own.
	clock.Advance(8 * 24 * time.Hour)

	_, err = svc.Verify(ctx, issued.Token, VerifyOptions{})
	mustCode(t, err, CodeBlacklisted)
}

func TestRefreshRotation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", IssueOptions{
		Type:        TypeRefresh,
		Permissions: []string{"read"},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	result, err := svc.Refresh(ctx, issued.Token, RefreshOptions{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !result.Rotated {
		t.Fatal("expected rotation")
	}
	if result.RefreshToken == issued.Token {
		t.Fatal("rotation returned the same refresh token")
	}
	if result.SessionID != issued.SessionID {
		t.Fatalf("session changed across rotation: %q -> %q", issued.SessionID, result.SessionID)
	}

	// The replaced refresh token must be dead.
	_, err = svc.Refresh(ctx, issued.Token, RefreshOptions{})
	mustCode(t, err, CodeBlacklisted)

	// The rotated one keeps working.
	if _, err := svc.Refresh(ctx, result.RefreshToken, RefreshOptions{}); err != nil {
		t.Fatalf("rotated refresh failed: %v", err)
	}

	// The access token it minted verifies as access.
	access, err := svc.Verify(ctx, result.AccessToken, VerifyOptions{ExpectedType: TypeAccess})
	if err != nil {
		t.Fatalf("access verify: %v", err)
	}
	if access.Claims.Subject != "user-1" {
		t.Fatalf("subject = %q", access.Claims.Subject)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", IssueOptions{Type: TypeAccess})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = svc.Refresh(ctx, issued.Token, RefreshOptions{})
	mustCode(t, err, CodeSecurityValidation)
}

type staticActive struct {
	active bool
	err    error
}

func (s staticActive) IsActive(context.Context, string) (bool, error) {
	return s.active, s.err
}

func TestRefreshInactiveUser(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore()
	store.SetClock(clock.Now)

	svc, err := NewService(Config{
		Secret:   testSecret,
		Issuer:   "it-era.it",
		Audience: "it-era-admin",
	}, Deps{
		Store:  store,
		Clock:  clock.Now,
		Active: staticActive{active: false},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx := context.Background()
	issued, err := svc.Issue(ctx, "user-1", IssueOptions{Type: TypeRefresh})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = svc.Refresh(ctx, issued.Token, RefreshOptions{})
	mustCode(t, err, CodeUserInactive)
}

func TestReuseFromDifferentIP(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", IssueOptions{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := svc.Verify(ctx, issued.Token, VerifyOptions{IPAddress: "10.0.0.1"}); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	_, err = svc.Verify(ctx, issued.Token, VerifyOptions{IPAddress: "10.0.0.2"})
	mustCode(t, err, CodeSuspiciousActivity)

	// The credential is burned for the original address too.
	_, err = svc.Verify(ctx, issued.Token, VerifyOptions{IPAddress: "10.0.0.1"})
	mustCode(t, err, CodeBlacklisted)
}

func TestVerifyFailsClosedWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStore(client, "authgate")

	svc, err := NewService(Config{
		Secret:   testSecret,
		Issuer:   "it-era.it",
		Audience: "it-era-admin",
	}, Deps{Store: store})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx := context.Background()
	issued, err := svc.Issue(ctx, "user-1", IssueOptions{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	mr.Close()

	_, err = svc.Verify(ctx, issued.Token, VerifyOptions{})
	mustCode(t, err, CodeVerification)
	if !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("expected wrapped kv.ErrUnavailable, got %v", err)
	}
}

func TestMetadataTracksUsage(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", IssueOptions{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := svc.Verify(ctx, issued.Token, VerifyOptions{IPAddress: "10.0.0.1"}); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	meta, err := svc.Metadata(ctx, issued.TokenID)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta["userId"] != "user-1" {
		t.Fatalf("userId = %v", meta["userId"])
	}
	if meta["useCount"].(float64) != 1 {
		t.Fatalf("useCount = %v", meta["useCount"])
	}
	if meta["lastIp"] != "10.0.0.1" {
		t.Fatalf("lastIp = %v", meta["lastIp"])
	}
}
