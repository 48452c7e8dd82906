package hub

import (
	"context"
	"encoding/json"
	"log"

	"ansr/internal/auth"
	"ansr/internal/redis"
	"ansr/internal/worker"
)

// Envelope is the frame shape pushed to sockets.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// StartFeed bridges the Redis event channels into the hub. Each payload
// is routed to the user it concerns. Returns immediately when cache is
// nil.
func (h *Hub) StartFeed(ctx context.Context, cache *redis.Client) {
	if cache == nil {
		return
	}
	go h.pump(ctx, cache, auth.EventsChannel, "auth", func(payload []byte) int64 {
		var evt auth.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			return 0
		}
		return evt.UserID
	})
	go h.pump(ctx, cache, worker.EventsChannel, "upload", func(payload []byte) int64 {
		var evt worker.ProgressEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return 0
		}
		return evt.UserID
	})
}

func (h *Hub) pump(ctx context.Context, cache *redis.Client, channel, kind string, route func([]byte) int64) {
	pubsub := cache.Subscribe(ctx, channel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload := []byte(msg.Payload)
			userID := route(payload)
			if userID == 0 {
				log.Printf("hub: %s event without a user, dropped", kind)
				continue
			}
			h.Send(userID, Envelope{Kind: kind, Payload: payload})
		}
	}
}
