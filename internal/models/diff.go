package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Values carries the numeric fields of a subject. Attendance uses
// Conducted/Absent/Percentage, marks use Scored/Total.
type Values struct {
	Conducted  int     `json:"conducted"`
	Absent     int     `json:"absent"`
	Percentage float64 `json:"percentage"`
	Scored     float64 `json:"scored"`
	Total      float64 `json:"total"`
}

// SameCounts compares the fields that define a real change. Percentage is
// derived and excluded.
func (v Values) SameCounts(o Values) bool {
	return v.Conducted == o.Conducted &&
		v.Absent == o.Absent &&
		v.Scored == o.Scored &&
		v.Total == o.Total
}

// HasActivity reports whether any counter is non-zero.
func (v Values) HasActivity() bool {
	return v.Conducted > 0 || v.Absent > 0 || v.Scored > 0 || v.Total > 0
}

// Present returns attended sessions.
func (v Values) Present() int {
	return v.Conducted - v.Absent
}

// AttendancePercent returns the portal percentage, or derives it from the counters.
func (v Values) AttendancePercent() float64 {
	if v.Percentage > 0 {
		return v.Percentage
	}
	if v.Conducted <= 0 {
		return 0
	}
	return float64(v.Present()) * 100 / float64(v.Conducted)
}

// Value marshals values to JSON for persistence.
func (v Values) Value() (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal values: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the values struct.
func (v *Values) Scan(value interface{}) error {
	if value == nil {
		*v = Values{}
		return nil
	}
	var data []byte
	switch raw := value.(type) {
	case []byte:
		data = raw
	case string:
		data = []byte(raw)
	default:
		return fmt.Errorf("unsupported type %T for Values", value)
	}
	if len(data) == 0 {
		*v = Values{}
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal values: %w", err)
	}
	return nil
}

// Diff is a detected semantic change of one subject between two snapshots.
type Diff struct {
	Domain     Domain     `json:"domain" validate:"required"`
	SubjectKey string     `json:"subjectKey" validate:"required"`
	Subject    string     `json:"subject"`
	Detail     string     `json:"detail,omitempty"`
	ChangeType ChangeType `json:"changeType" validate:"required,oneof=new_item value_update"`
	Before     *Values    `json:"before,omitempty"`
	After      Values     `json:"after"`
}
