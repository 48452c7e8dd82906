package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ansr/internal/models"
	"ansr/internal/redis"
)

const (
	// EventsChannel carries upload progress for websocket fan-out.
	EventsChannel = "ansr:upload-events"

	progressTTL = 30 * time.Minute
)

// ProgressEvent is published on every upload state change.
type ProgressEvent struct {
	UploadID   string `json:"upload_id"`
	UserID     int64  `json:"user_id"`
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
	MediaID    string `json:"media_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type progressCache struct {
	client *redis.Client
}

func newProgressCache(client *redis.Client) *progressCache {
	return &progressCache{client: client}
}

func progressKey(uploadID string) string {
	return fmt.Sprintf("ansr:upload:%s", uploadID)
}

func (p *progressCache) cacheUpload(upload *models.Upload) {
	if p == nil || p.client == nil || upload == nil {
		return
	}
	data, err := json.Marshal(upload)
	if err != nil {
		return
	}
	if err := p.client.Set(context.Background(), progressKey(upload.ID), data, progressTTL); err != nil {
		log.Printf("upload progress cache failed: %v", err)
	}
}

func (p *progressCache) dropUpload(uploadID string) {
	if p == nil || p.client == nil {
		return
	}
	if err := p.client.Del(context.Background(), progressKey(uploadID)); err != nil {
		log.Printf("upload progress drop failed: %v", err)
	}
}

func (p *progressCache) loadUpload(uploadID string) (*models.Upload, bool) {
	if p == nil || p.client == nil {
		return nil, false
	}
	raw, err := p.client.Get(context.Background(), progressKey(uploadID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("upload progress load failed: %v", err)
		}
		return nil, false
	}
	var upload models.Upload
	if err := json.Unmarshal([]byte(raw), &upload); err != nil {
		return nil, false
	}
	return &upload, true
}

func (p *progressCache) publish(evt ProgressEvent) {
	if p == nil || p.client == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := p.client.Publish(context.Background(), EventsChannel, payload); err != nil {
		log.Printf("upload progress publish failed: %v", err)
	}
}
