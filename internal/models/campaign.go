package models

import "time"

// Campaign statuses.
const (
	CampaignActive = "active"
	CampaignPaused = "paused"
	CampaignClosed = "closed"
)

// Campaign is a prompt that respondents answer with a video, audio, or
// text reply. ID is the shareable slug embedded in respond links.
type Campaign struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	OwnerID         int64     `json:"owner_id"`
	WelcomeVideoID  string    `json:"welcome_video_id,omitempty"`
	ThankYouVideoID string    `json:"thank_you_video_id,omitempty"`
	ThankYouMessage string    `json:"thank_you_message,omitempty"`
	ThankYouType    string    `json:"thank_you_type,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
