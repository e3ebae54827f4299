package models

import "strings"

// Domain identifies one of the monitored academic record types.
type Domain string

const (
	DomainAttendance Domain = "attendance"
	DomainMarks      Domain = "marks"
)

// Domains lists every monitored domain in a stable order.
var Domains = []Domain{DomainAttendance, DomainMarks}

// Valid returns true when the domain is supported.
func (d Domain) Valid() bool {
	switch d {
	case DomainAttendance, DomainMarks:
		return true
	default:
		return false
	}
}

// ParseDomain normalises user input into a Domain.
func ParseDomain(raw string) (Domain, bool) {
	d := Domain(strings.ToLower(strings.TrimSpace(raw)))
	return d, d.Valid()
}

// ChangeType classifies a detected Diff.
type ChangeType string

const (
	ChangeNewItem     ChangeType = "new_item"
	ChangeValueUpdate ChangeType = "value_update"
)

// Valid returns true when the change type is supported.
func (c ChangeType) Valid() bool {
	return c == ChangeNewItem || c == ChangeValueUpdate
}
