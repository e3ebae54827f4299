package models

import "time"

// QueueMessage is the payload published per user and domain once a change
// survives deduplication. Its JSON form is the only artifact visible outside
// the watcher.
type QueueMessage struct {
	UserID     string    `json:"userId" validate:"required"`
	Domain     Domain    `json:"domain" validate:"required,oneof=attendance marks"`
	Updates    []Diff    `json:"updates" validate:"required,min=1,dive"`
	DetectedAt time.Time `json:"detectedAt"`
}

// MessageHandle identifies a delivered chat message.
type MessageHandle struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}
