package models

import "time"

// Conversation links one respondent to one campaign. It is created lazily
// on the first response and touched on every later one.
type Conversation struct {
	ID             int64     `json:"id"`
	ExternalID     string    `json:"external_id"`
	CampaignID     string    `json:"campaign_id"`
	UserID         int64     `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
