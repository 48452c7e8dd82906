package models

// Quote is decorative text shown while an upload is in flight.
type Quote struct {
	ID     int64  `json:"id"`
	Text   string `json:"text"`
	Author string `json:"author,omitempty"`
}
