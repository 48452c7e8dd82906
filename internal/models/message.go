package models

import "time"

// MessageType distinguishes the three response media.
type MessageType string

const (
	MessageVideo MessageType = "video"
	MessageAudio MessageType = "audio"
	MessageText  MessageType = "text"
)

// Message statuses.
const (
	MessageSent   = "sent"
	MessageFailed = "failed"
)

// Message is a single response inside a conversation. Content holds inline
// text for text messages and the provider media id for video/audio.
type Message struct {
	ID             int64       `json:"id"`
	ExternalID     string      `json:"external_id"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       int64       `json:"sender_id"`
	Type           MessageType `json:"message_type"`
	Content        string      `json:"content"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}
