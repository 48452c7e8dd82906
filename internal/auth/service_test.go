package auth

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"ansr/internal/config"
	"ansr/internal/redis"
	"ansr/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func newTestService(t *testing.T, rdb *redis.Client) (*Service, *storage.DB) {
	t.Helper()
	db := openTestDB(t)
	t.Cleanup(func() { db.Close() })
	return NewService(db, rdb, config.AuthConfig{AdminEmails: []string{"admin@example.com"}}), db
}

func TestSignUpSignInSignOut(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	user, needsVerification, err := svc.SignUp(ctx, "alice@example.com", "s3cret-pass", map[string]string{"name": "Alice"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if !needsVerification {
		t.Fatalf("expected fresh account to need verification")
	}
	sess, got, err := svc.SignIn(ctx, "alice@example.com", "s3cret-pass")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("signed in as %d, registered %d", got.ID, user.ID)
	}
	if got.PasswordHash == "s3cret-pass" || got.PasswordHash == "" {
		t.Fatalf("password stored in the clear")
	}
	if sess.AccessToken == "" || sess.RefreshToken == "" {
		t.Fatalf("session missing tokens: %+v", sess)
	}

	if _, _, err := svc.SignIn(ctx, "alice@example.com", "wrong"); KindOf(err) != KindInvalidCredentials {
		t.Fatalf("expected invalid_credentials, got %v", err)
	}

	if err := svc.SignOut(ctx, sess.AccessToken); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if _, _, err := svc.CurrentSession(ctx, sess.AccessToken); KindOf(err) != KindSessionNotFound {
		t.Fatalf("expected session_not_found after sign out, got %v", err)
	}
	// sign out twice is a no-op
	if err := svc.SignOut(ctx, sess.AccessToken); err != nil {
		t.Fatalf("second SignOut: %v", err)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, _, err := svc.SignUp(ctx, "bob@example.com", "password123", nil); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	_, _, err := svc.SignUp(ctx, "BOB@example.com", "password456", nil)
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict for duplicate email, got %v", err)
	}
}

func TestRefreshRotatesBothTokens(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, _, err := svc.SignUp(ctx, "carol@example.com", "password123", nil); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	sess, _, err := svc.SignIn(ctx, "carol@example.com", "password123")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	rotated, err := svc.RefreshSession(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if rotated.AccessToken == sess.AccessToken || rotated.RefreshToken == sess.RefreshToken {
		t.Fatalf("refresh must rotate both tokens")
	}
	// the old pair is dead
	if _, _, err := svc.CurrentSession(ctx, sess.AccessToken); err == nil {
		t.Fatalf("old access token still valid after rotation")
	}
	if _, err := svc.RefreshSession(ctx, sess.RefreshToken); err == nil {
		t.Fatalf("old refresh token still valid after rotation")
	}
	if _, _, err := svc.CurrentSession(ctx, rotated.AccessToken); err != nil {
		t.Fatalf("rotated session rejected: %v", err)
	}
}

func TestExpiredSessionPurgedOnLookup(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	if _, _, err := svc.SignUp(ctx, "dave@example.com", "password123", nil); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	sess, _, err := svc.SignIn(ctx, "dave@example.com", "password123")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := db.Exec(`UPDATE auth_sessions SET expires_at = ? WHERE access_token = ?`, past, sess.AccessToken); err != nil {
		t.Fatalf("age session: %v", err)
	}

	if _, _, err := svc.CurrentSession(ctx, sess.AccessToken); KindOf(err) != KindSessionExpired {
		t.Fatalf("expected session_expired, got %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM auth_sessions WHERE access_token = ?`, sess.AccessToken).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired session not purged")
	}
}

func TestUpdateProfileMergesMetadata(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	user, _, err := svc.SignUp(ctx, "erin@example.com", "password123", map[string]string{"name": "Erin", "model": "old"})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	updated, err := svc.UpdateProfile(ctx, user.ID, map[string]string{"model": "new", "org": "acme", "name": ""})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if updated.Metadata["model"] != "new" || updated.Metadata["org"] != "acme" {
		t.Fatalf("metadata merge wrong: %v", updated.Metadata)
	}
	if _, ok := updated.Metadata["name"]; ok {
		t.Fatalf("empty value should delete the key")
	}
}

func TestIsAdmin(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	admin, _, err := svc.SignUp(ctx, "admin@example.com", "password123", nil)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	regular, _, err := svc.SignUp(ctx, "frank@example.com", "password123", nil)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if !svc.IsAdmin(admin) {
		t.Fatalf("allow-listed email should be admin")
	}
	if svc.IsAdmin(regular) {
		t.Fatalf("regular user must not be admin")
	}

	roleUser, err := svc.UpdateProfile(ctx, regular.ID, map[string]string{"role": "admin"})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if !svc.IsAdmin(roleUser) {
		t.Fatalf("role metadata should grant admin")
	}
}

func TestRevokeUserSessions(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, _, err := svc.SignUp(ctx, "gina@example.com", "password123", nil); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	first, _, err := svc.SignIn(ctx, "gina@example.com", "password123")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	second, user, err := svc.SignIn(ctx, "gina@example.com", "password123")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	if err := svc.RevokeUserSessions(ctx, user.ID); err != nil {
		t.Fatalf("RevokeUserSessions: %v", err)
	}
	for _, token := range []string{first.AccessToken, second.AccessToken} {
		if _, _, err := svc.CurrentSession(ctx, token); err == nil {
			t.Fatalf("session survived revoke all")
		}
	}
}

func TestPasswordResetFlow(t *testing.T) {
	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()
	svc, _ := newTestService(t, cacheClient)
	ctx := context.Background()

	user, _, err := svc.SignUp(ctx, "hana@example.com", "password123", nil)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	token, err := svc.ResetPassword(ctx, "hana@example.com")
	if err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	userID, err := svc.ConsumeResetToken(ctx, token)
	if err != nil {
		t.Fatalf("ConsumeResetToken: %v", err)
	}
	if userID != user.ID {
		t.Fatalf("token resolved to user %d, want %d", userID, user.ID)
	}
	if _, err := svc.ConsumeResetToken(ctx, token); err == nil {
		t.Fatalf("reset token must be single use")
	}
	if err := svc.UpdatePassword(ctx, userID, "brand-new-pass"); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	if _, _, err := svc.SignIn(ctx, "hana@example.com", "password123"); err == nil {
		t.Fatalf("old password still works")
	}
	if _, _, err := svc.SignIn(ctx, "hana@example.com", "brand-new-pass"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestSessionCacheUsesRedis(t *testing.T) {
	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()
	svc, db := newTestService(t, cacheClient)
	ctx := context.Background()

	if _, _, err := svc.SignUp(ctx, "ivan@example.com", "password123", nil); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	sess, _, err := svc.SignIn(ctx, "ivan@example.com", "password123")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	if _, err := cacheClient.Get(ctx, SessionCacheKey(sess.AccessToken)); err != nil {
		t.Fatalf("session not cached: %v", err)
	}

	// cache must satisfy the lookup even when the row is gone
	if _, err := db.Exec(`DELETE FROM auth_sessions WHERE access_token = ?`, sess.AccessToken); err != nil {
		t.Fatalf("delete row: %v", err)
	}
	if _, _, err := svc.CurrentSession(ctx, sess.AccessToken); err != nil {
		t.Fatalf("cache-first lookup failed: %v", err)
	}

	if err := svc.SignOut(ctx, sess.AccessToken); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if _, err := cacheClient.Get(ctx, SessionCacheKey(sess.AccessToken)); !errors.Is(err, redis.ErrCacheMiss) {
		t.Fatalf("expected cache key gone after sign out, got %v", err)
	}
}

func newRedisCacheClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	cfg := &config.Config{Redis: config.RedisConfig{Host: host, Port: port, DB: 9}}
	client, err := redis.NewClient(cfg)
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	return client, func() { client.Close() }
}
