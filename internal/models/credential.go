package models

import "time"

// EligibleUser is a user with a currently valid portal credential. UserID is
// the numeric Telegram user id, which doubles as the private chat id.
type EligibleUser struct {
	UserID   string `db:"user_id" json:"user_id"`
	Username string `db:"username" json:"username"`
	Password string `db:"-" json:"-"`
}

// PortalCredential is the stored row; the password stays sealed at rest.
type PortalCredential struct {
	UserID          string     `db:"user_id"`
	Username        string     `db:"username"`
	SealedPassword  string     `db:"sealed_password"`
	Valid           bool       `db:"valid"`
	WatchAttendance bool       `db:"watch_attendance"`
	WatchMarks      bool       `db:"watch_marks"`
	InvalidatedAt   *time.Time `db:"invalidated_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// PortalSession is a cached upstream session shared between processes.
type PortalSession struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}
