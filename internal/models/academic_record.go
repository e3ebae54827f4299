package models

// AttendanceRecord is the structured attendance payload returned by the portal.
type AttendanceRecord struct {
	Courses []AttendanceCourse `json:"courses"`
}

// AttendanceCourse is one course/category attendance counter.
type AttendanceCourse struct {
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Conducted  int     `json:"conducted"`
	Absent     int     `json:"absent"`
	Percentage float64 `json:"percentage"`
	UpdatedAt  string  `json:"updatedAt,omitempty"`
}

// MarksRecord is the structured marks payload returned by the portal.
type MarksRecord struct {
	Courses []MarksCourse `json:"courses"`
}

// MarksCourse groups the assessments of one course.
type MarksCourse struct {
	Code  string      `json:"code"`
	Name  string      `json:"name"`
	Tests []MarksTest `json:"tests"`
}

// MarksTest is a single assessment score.
type MarksTest struct {
	Name   string  `json:"name"`
	Scored float64 `json:"scored"`
	Total  float64 `json:"total"`
}

// SubjectState is the normalized, comparable view of one subject used for
// fingerprinting and diffing. Volatile portal fields never reach it.
type SubjectState struct {
	Key     string `json:"key"`
	Subject string `json:"subject"`
	Detail  string `json:"detail,omitempty"`
	Values  Values `json:"values"`
}
