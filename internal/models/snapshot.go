package models

import (
	"encoding/json"
	"time"
)

// Snapshot is the last known academic state of a user for one domain.
// RawState and StateHash are always written together.
type Snapshot struct {
	UserID       string          `db:"user_id" json:"user_id"`
	Domain       Domain          `db:"domain" json:"domain"`
	RawState     json.RawMessage `db:"raw_state" json:"raw_state"`
	StateHash    string          `db:"state_hash" json:"state_hash"`
	LastChangeAt time.Time       `db:"last_change_at" json:"last_change_at"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}
