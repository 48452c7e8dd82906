package models

import "time"

// Upload job states.
const (
	UploadPending   = "pending"
	UploadUploading = "uploading"
	UploadComplete  = "complete"
	UploadFailed    = "failed"
)

// Upload tracks one media blob on its way to the streaming provider.
// MediaID is the provider's opaque identifier once the upload lands.
type Upload struct {
	ID         string      `json:"id"`
	UserID     int64       `json:"user_id"`
	CampaignID string      `json:"campaign_id"`
	Kind       MessageType `json:"kind"`
	MediaID    string      `json:"media_id,omitempty"`
	Status     string      `json:"status"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
