package auth

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"ansr/internal/models"
	"ansr/internal/redis"
)

// EventsChannel is the pub/sub channel carrying auth state changes.
const EventsChannel = "ansr:auth-events"

// Auth event types.
const (
	EventSignedIn       = "signed_in"
	EventSignedOut      = "signed_out"
	EventTokenRefreshed = "token_refreshed"
	EventRecovered      = "session-recovered"
	EventRecoveryFailed = "session-recovery-failed"
)

// Event is the payload broadcast on EventsChannel whenever a session is
// created, refreshed, destroyed, or repaired.
type Event struct {
	Type    string          `json:"type"`
	UserID  int64           `json:"user_id,omitempty"`
	Session *models.Session `json:"session,omitempty"`
	At      time.Time       `json:"at"`
}

// PublishEvent broadcasts an auth event; failures are logged, never fatal.
func PublishEvent(ctx context.Context, rdb *redis.Client, evt Event) {
	if rdb == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("auth event marshal failed: %v", err)
		return
	}
	if err := rdb.Publish(ctx, EventsChannel, payload); err != nil {
		log.Printf("auth event publish failed: %v", err)
	}
}
