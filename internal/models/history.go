package models

import "time"

// SessionOutcome is the best-effort inference about the latest class session.
type SessionOutcome string

const (
	SessionAttended SessionOutcome = "attended"
	SessionAbsent   SessionOutcome = "absent"
	SessionMixed    SessionOutcome = "mixed"
	SessionUnknown  SessionOutcome = "unknown"
)

// HistoryEntry is one row of the per-subject audit trail.
type HistoryEntry struct {
	ID          string         `db:"id" json:"id"`
	UserID      string         `db:"user_id" json:"user_id"`
	Domain      Domain         `db:"domain" json:"domain"`
	SubjectKey  string         `db:"subject_key" json:"subject_key"`
	Subject     string         `db:"subject" json:"subject"`
	ChangeType  ChangeType     `db:"change_type" json:"change_type"`
	Before      *Values        `db:"before_values" json:"before,omitempty"`
	After       Values         `db:"after_values" json:"after"`
	Significant bool           `db:"significant" json:"significant"`
	Outcome     SessionOutcome `db:"outcome" json:"outcome,omitempty"`
	ObservedAt  time.Time      `db:"observed_at" json:"observed_at"`
}

// HistoryFilter narrows history listings.
type HistoryFilter struct {
	UserID string
	Domain Domain
	Limit  int
}
