package session

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"ansr/internal/auth"
	"ansr/internal/config"
	"ansr/internal/models"
)

func TestRecoveryFallsThroughToReinit(t *testing.T) {
	factory := NewFactory(testConfig(), "sqlite3")
	rec := NewRecovery(factory, DefaultPolicy())

	res := rec.Attempt(context.Background())
	if !res.Success {
		t.Fatalf("recovery failed: %+v", res)
	}
	if res.Action != ActionClientReinitialized {
		t.Fatalf("action = %s, want %s", res.Action, ActionClientReinitialized)
	}
	if rec.AttemptCount() != 0 {
		t.Fatalf("success must reset the limiter, count = %d", rec.AttemptCount())
	}
	if factory.Generation() < 1 {
		t.Fatalf("reinit should have bumped the generation")
	}
}

func TestRecoveryDropsSessionFromEarlierAttempt(t *testing.T) {
	factory := NewFactory(testConfig(), "sqlite3")
	rec := NewRecovery(factory, Policy{MaxAttempts: 3, Cooldown: time.Millisecond})

	// as if a prior attempt had restored a session via refresh replay
	rec.setLastSession(&models.Session{AccessToken: "stale", UserID: 7})
	time.Sleep(2 * time.Millisecond)

	res := rec.Attempt(context.Background())
	if !res.Success || res.Action != ActionClientReinitialized {
		t.Fatalf("expected reinit success, got %+v", res)
	}
	if sess := rec.LastSession(); sess != nil {
		t.Fatalf("reinit must not surface the earlier attempt's session, got %+v", sess)
	}
}

func TestRecoveryLastSessionConcurrentAccess(t *testing.T) {
	factory := NewFactory(testConfig(), "sqlite3")
	rec := NewRecovery(factory, Policy{MaxAttempts: 10, Cooldown: time.Nanosecond})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			rec.Attempt(ctx)
		}
	}()
	for i := 0; i < 200; i++ {
		rec.LastSession()
	}
	<-done
}

func TestRecoveryRateLimitsRepeatedFailures(t *testing.T) {
	// no sqlite3 entry for this driver, every build fails
	factory := NewFactory(testConfig(), "oracle")
	rec := NewRecovery(factory, Policy{MaxAttempts: 3, Cooldown: time.Hour})
	ctx := context.Background()

	res := rec.Attempt(ctx)
	if res.Success || res.Action != ActionFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if rec.AttemptCount() != 1 {
		t.Fatalf("attempt not recorded, count = %d", rec.AttemptCount())
	}

	res = rec.Attempt(ctx)
	if res.Success || res.Action != ActionRateLimited {
		t.Fatalf("expected rate_limited inside cooldown, got %+v", res)
	}
}

func TestRecoveryExhaustsAttempts(t *testing.T) {
	factory := NewFactory(testConfig(), "oracle")
	rec := NewRecovery(factory, Policy{MaxAttempts: 1, Cooldown: time.Millisecond})
	ctx := context.Background()

	if res := rec.Attempt(ctx); res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	res := rec.Attempt(ctx)
	if res.Success || res.Action != ActionMaxAttempts {
		t.Fatalf("expected max_attempts_reached, got %+v", res)
	}
}

func TestParseCallbackTokens(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		access  string
		refresh string
	}{
		{"fragment", "https://app.example.com/auth/callback#access_token=aaa&refresh_token=rrr", "aaa", "rrr"},
		{"query", "https://app.example.com/auth/callback?access_token=aaa&refresh_token=rrr", "aaa", "rrr"},
		{"refresh only", "https://app.example.com/cb#refresh_token=rrr", "", "rrr"},
		{"bare code", "https://app.example.com/cb?code=xyz", "", ""},
		{"no tokens", "https://app.example.com/cb", "", ""},
		{"garbage", "://not a url", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			access, refresh := parseCallbackTokens(tc.url)
			if access != tc.access || refresh != tc.refresh {
				t.Fatalf("got (%q, %q), want (%q, %q)", access, refresh, tc.access, tc.refresh)
			}
		})
	}
}

func TestEntryCorrupted(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour).Unix()
	future := now.Add(time.Hour).Unix()

	cases := []struct {
		name      string
		raw       string
		corrupted bool
	}{
		{"expired unix", `{"expires_at": ` + strconv.FormatInt(past, 10) + `}`, true},
		{"live unix", `{"expires_at": ` + strconv.FormatInt(future, 10) + `}`, false},
		{"expired rfc3339", `{"expires_at": "` + now.Add(-time.Hour).Format(time.RFC3339) + `"}`, true},
		{"unparseable json", `{"expires_at": `, true},
		{"no expiry", `{"other": 1}`, false},
		{"plain string", `some-counter-value`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := entryCorrupted(tc.raw, now); got != tc.corrupted {
				t.Fatalf("entryCorrupted(%q) = %v, want %v", tc.raw, got, tc.corrupted)
			}
		})
	}
}

func redisTestConfig(t *testing.T) *config.Config {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed recovery tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	cfg := testConfig()
	cfg.Redis = config.RedisConfig{Host: host, Port: port, DB: 9}
	return cfg
}

func TestRecoveryReplaysStoredRefreshToken(t *testing.T) {
	factory := NewFactory(redisTestConfig(t), "sqlite3")
	ctx := context.Background()
	client, err := factory.Client(ctx)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	if _, _, err := client.Auth.SignUp(ctx, "replay@example.com", "password123", nil); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	sess, _, err := client.Auth.SignIn(ctx, "replay@example.com", "password123")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	defer client.Cache.Del(ctx, auth.SessionCacheKey(sess.AccessToken), auth.RefreshCacheKey(sess.RefreshToken))

	rec := NewRecovery(factory, DefaultPolicy())
	res := rec.Attempt(ctx)
	if !res.Success || res.Action != ActionRefreshTokenUsed {
		t.Fatalf("expected refresh replay, got %+v", res)
	}
	if rec.LastSession() == nil || rec.LastSession().UserID != sess.UserID {
		t.Fatalf("recovered session wrong: %+v", rec.LastSession())
	}
}

func TestRecoveryCleansCorruptedEntries(t *testing.T) {
	factory := NewFactory(redisTestConfig(t), "sqlite3")
	ctx := context.Background()
	client, err := factory.Client(ctx)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	expired, _ := json.Marshal(map[string]any{"expires_at": time.Now().Add(-time.Hour).Unix()})
	if err := client.Cache.Set(ctx, "ansr:session:corrupt-test", expired, time.Minute); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	rec := NewRecovery(factory, DefaultPolicy())
	res := rec.Attempt(ctx)
	if !res.Success || res.Action != ActionStorageCleaned {
		t.Fatalf("expected storage_cleaned, got %+v", res)
	}
	removed, _ := res.Details["removed"].(int)
	if removed < 1 {
		t.Fatalf("no entries removed: %+v", res.Details)
	}
}
