package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"ansr/internal/auth"
	"ansr/internal/models"
	"ansr/internal/redis"
)

// callbackKey stores the most recent auth-callback URL so recovery can
// mine it for tokens the normal flow dropped.
const callbackKey = "ansr:auth-callback"

// Recovery actions, in the order the steps run.
const (
	ActionRefreshTokenUsed    = "refresh_token_used"
	ActionCallbackTokensUsed  = "callback_tokens_used"
	ActionStorageCleaned      = "storage_cleaned"
	ActionClientReinitialized = "client_reinitialized"
	ActionRateLimited         = "rate_limited"
	ActionMaxAttempts         = "max_attempts_reached"
	ActionFailed              = "failed"
)

// Result describes one recovery attempt.
type Result struct {
	Success bool           `json:"success"`
	Action  string         `json:"action"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Recovery repairs a missing or invalid session through four ordered
// steps: replay a cached refresh token, mine the recorded callback URL,
// sweep corrupted cache entries, and finally rebuild the client handle.
// The shared limiter caps attempts and spaces them out.
type Recovery struct {
	factory *Factory
	limiter *limiter

	// session minted by the current attempt, surfaced so the store can
	// rebind to it. Cleared when a new attempt starts so a token-less
	// step can never re-broadcast a session from an earlier attempt.
	mu          sync.Mutex
	lastSession *models.Session
}

// NewRecovery wires the heuristic to the factory under the given policy.
func NewRecovery(factory *Factory, policy Policy) *Recovery {
	return &Recovery{factory: factory, limiter: newLimiter(policy)}
}

// AttemptCount reports attempts made since the last success.
func (r *Recovery) AttemptCount() int {
	return r.limiter.attemptCount()
}

// Attempt runs the heuristic once. The first decisive step wins; a
// cleanup pass that found nothing wrong still reports success but does
// not stop the fall-through to reinitialization.
func (r *Recovery) Attempt(ctx context.Context) Result {
	now := time.Now()
	if ok, reason := r.limiter.allow(now); !ok {
		msg := "recovery attempts exhausted"
		if reason == ActionRateLimited {
			msg = "recovery attempted too recently"
		}
		return Result{Success: false, Action: reason, Message: msg}
	}
	r.limiter.record(now)
	r.setLastSession(nil)

	client, err := r.factory.Client(ctx)
	if err == nil {
		if res, ok := r.replayRefreshToken(ctx, client); ok {
			return r.succeed(ctx, client, res)
		}
		if res, ok := r.recoverFromCallback(ctx, client); ok {
			return r.succeed(ctx, client, res)
		}
		res, decisive := r.cleanupCorrupted(ctx, client)
		if decisive {
			return r.succeed(ctx, client, res)
		}
		// cleanup "succeeded" with nothing removed; keep falling through
	}

	if res, ok := r.reinitialize(ctx); ok {
		return r.succeed(ctx, r.factory.Peek(), res)
	}

	result := Result{Success: false, Action: ActionFailed, Message: "all recovery steps failed"}
	if client := r.factory.Peek(); client != nil {
		auth.PublishEvent(ctx, client.Cache, auth.Event{Type: auth.EventRecoveryFailed})
	}
	return result
}

// LastSession returns the session minted by the most recent successful
// recovery, nil when none or when the winning step produced no tokens.
func (r *Recovery) LastSession() *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSession
}

func (r *Recovery) setLastSession(s *models.Session) {
	r.mu.Lock()
	r.lastSession = s
	r.mu.Unlock()
}

func (r *Recovery) succeed(ctx context.Context, client *Client, res Result) Result {
	r.limiter.reset()
	session := r.LastSession()
	if client != nil {
		auth.PublishEvent(ctx, client.Cache, auth.Event{
			Type:    auth.EventRecovered,
			Session: session,
			UserID:  sessionUserID(session),
		})
	}
	log.Printf("session recovery succeeded via %s", res.Action)
	return res
}

// Step 1: scan the known cache key patterns for a replayable refresh
// token. Entries that fail to decode are deleted on the spot.
func (r *Recovery) replayRefreshToken(ctx context.Context, client *Client) (Result, bool) {
	if client.Cache == nil {
		return Result{}, false
	}
	for _, pattern := range auth.RefreshScanPatterns() {
		keys, err := client.Cache.Scan(ctx, pattern)
		if err != nil {
			continue
		}
		for _, key := range keys {
			raw, err := client.Cache.Get(ctx, key)
			if err != nil {
				continue
			}
			var entry struct {
				RefreshToken string `json:"refresh_token"`
			}
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				_ = client.Cache.Del(ctx, key)
				continue
			}
			if entry.RefreshToken == "" {
				continue
			}
			session, err := client.Auth.RefreshSession(ctx, entry.RefreshToken)
			if err != nil {
				continue
			}
			r.setLastSession(session)
			return Result{
				Success: true,
				Action:  ActionRefreshTokenUsed,
				Message: "session restored from stored refresh token",
				Details: map[string]any{"key": key},
			}, true
		}
	}
	return Result{}, false
}

// Step 2: the last auth-callback URL may still carry tokens (OAuth-style
// fragment or query). Consume them and clear the record on success.
func (r *Recovery) recoverFromCallback(ctx context.Context, client *Client) (Result, bool) {
	if client.Cache == nil {
		return Result{}, false
	}
	raw, err := client.Cache.Get(ctx, callbackKey)
	if err != nil {
		return Result{}, false
	}
	access, refresh := parseCallbackTokens(raw)
	if access == "" && refresh == "" {
		return Result{}, false
	}

	var session *models.Session
	if refresh != "" {
		session, err = client.Auth.RefreshSession(ctx, refresh)
	}
	if session == nil && access != "" {
		session, _, err = client.Auth.CurrentSession(ctx, access)
	}
	if err != nil || session == nil {
		return Result{}, false
	}
	_ = client.Cache.Del(ctx, callbackKey)
	r.setLastSession(session)
	return Result{
		Success: true,
		Action:  ActionCallbackTokensUsed,
		Message: "session restored from auth callback parameters",
	}, true
}

// Step 3: delete cache entries that look like auth state but are expired
// or unparseable. Reports success either way; only an actual removal is
// decisive enough to stop the heuristic here.
func (r *Recovery) cleanupCorrupted(ctx context.Context, client *Client) (Result, bool) {
	removed := 0
	if client.Cache != nil {
		now := time.Now().UTC()
		seen := map[string]struct{}{}
		for _, pattern := range []string{"*auth*", "*session*", "*token*"} {
			keys, err := client.Cache.Scan(ctx, pattern)
			if err != nil {
				continue
			}
			for _, key := range keys {
				if _, dup := seen[key]; dup || key == callbackKey {
					continue
				}
				seen[key] = struct{}{}
				raw, err := client.Cache.Get(ctx, key)
				if err != nil {
					continue
				}
				if entryCorrupted(raw, now) {
					if client.Cache.Del(ctx, key) == nil {
						removed++
					}
				}
			}
		}
	}
	res := Result{
		Success: true,
		Action:  ActionStorageCleaned,
		Message: fmt.Sprintf("removed %d stale auth entries", removed),
		Details: map[string]any{"removed": removed},
	}
	return res, removed > 0
}

// Step 4: throw the client handle away and rebuild it from scratch.
func (r *Recovery) reinitialize(ctx context.Context) (Result, bool) {
	r.factory.Reset()
	client, err := r.factory.Client(ctx)
	if err != nil {
		return Result{}, false
	}
	if err := client.HealthCheck(ctx); err != nil {
		return Result{}, false
	}
	return Result{
		Success: true,
		Action:  ActionClientReinitialized,
		Message: "client handle rebuilt",
		Details: map[string]any{"generation": r.factory.Generation()},
	}, true
}

// RecordCallbackURL remembers the auth-callback URL for step 2.
func RecordCallbackURL(ctx context.Context, cache *redis.Client, rawURL string) error {
	if cache == nil || rawURL == "" {
		return errors.New("cache and url required")
	}
	return cache.Set(ctx, callbackKey, rawURL, time.Hour)
}

func parseCallbackTokens(rawURL string) (access, refresh string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", ""
	}
	// tokens can ride the fragment (implicit flow) or the query (code flow)
	sources := []string{u.Fragment, u.RawQuery}
	for _, src := range sources {
		if src == "" {
			continue
		}
		values, err := url.ParseQuery(src)
		if err != nil {
			continue
		}
		if access == "" {
			access = values.Get("access_token")
		}
		if refresh == "" {
			refresh = values.Get("refresh_token")
		}
		if access == "" && values.Get("code") != "" {
			// a bare code is unusable without the verifier, skip it
			continue
		}
	}
	return access, refresh
}

// entryCorrupted decides whether a cache value is expired or malformed.
func entryCorrupted(raw string, now time.Time) bool {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		// plain string values (counters, flags) are not session state
		return false
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(trimmed), &entry); err != nil {
		return true
	}
	expires, ok := entry["expires_at"]
	if !ok {
		return false
	}
	switch v := expires.(type) {
	case float64:
		return now.Unix() > int64(v)
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return true
		}
		return now.After(t)
	default:
		return true
	}
}

func sessionUserID(s *models.Session) int64 {
	if s == nil {
		return 0
	}
	return s.UserID
}
