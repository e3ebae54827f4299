package service

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/noah-isme/campuswatch/internal/models"
)

// NormalizeState turns a portal record into the comparable subject list used
// for fingerprinting and diffing. Subjects are sorted by key and volatile
// fields are dropped.
func NormalizeState(domain models.Domain, raw json.RawMessage) ([]models.SubjectState, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("normalize %s: empty record", domain)
	}

	var states []models.SubjectState
	switch domain {
	case models.DomainAttendance:
		var record models.AttendanceRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode attendance record: %w", err)
		}
		states = normalizeAttendance(record)
	case models.DomainMarks:
		var record models.MarksRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode marks record: %w", err)
		}
		states = normalizeMarks(record)
	default:
		return nil, fmt.Errorf("normalize: unsupported domain %q", domain)
	}

	// Rows sharing a key are ordered by content so their suffixes do not
	// depend on the order the portal returned them in.
	sort.SliceStable(states, func(i, j int) bool { return lessState(states[i], states[j]) })
	states = uniqueKeys(states)
	sort.SliceStable(states, func(i, j int) bool { return states[i].Key < states[j].Key })
	return states, nil
}

func lessState(a, b models.SubjectState) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	if a.Subject != b.Subject {
		return a.Subject < b.Subject
	}
	if a.Detail != b.Detail {
		return a.Detail < b.Detail
	}
	av, bv := a.Values, b.Values
	switch {
	case av.Conducted != bv.Conducted:
		return av.Conducted < bv.Conducted
	case av.Absent != bv.Absent:
		return av.Absent < bv.Absent
	case av.Scored != bv.Scored:
		return av.Scored < bv.Scored
	case av.Total != bv.Total:
		return av.Total < bv.Total
	default:
		return av.Percentage < bv.Percentage
	}
}

func normalizeAttendance(record models.AttendanceRecord) []models.SubjectState {
	states := make([]models.SubjectState, 0, len(record.Courses))
	for _, course := range record.Courses {
		key := courseKey(course.Code, course.Name)
		if key == "" {
			continue
		}
		category := strings.TrimSpace(course.Category)
		if category != "" {
			key += "|" + strings.ToLower(category)
		}
		states = append(states, models.SubjectState{
			Key:     key,
			Subject: subjectName(course.Name, course.Code),
			Detail:  category,
			Values: models.Values{
				Conducted:  course.Conducted,
				Absent:     course.Absent,
				Percentage: round2(course.Percentage),
			},
		})
	}
	return states
}

func normalizeMarks(record models.MarksRecord) []models.SubjectState {
	var states []models.SubjectState
	for _, course := range record.Courses {
		base := courseKey(course.Code, course.Name)
		if base == "" {
			continue
		}
		for _, test := range course.Tests {
			name := strings.TrimSpace(test.Name)
			if name == "" {
				continue
			}
			states = append(states, models.SubjectState{
				Key:     base + "|" + strings.ToLower(name),
				Subject: subjectName(course.Name, course.Code),
				Detail:  name,
				Values: models.Values{
					Scored: round2(test.Scored),
					Total:  round2(test.Total),
				},
			})
		}
	}
	return states
}

// uniqueKeys suffixes repeated keys in order of appearance so that two rows
// sharing an identity are both tracked.
func uniqueKeys(states []models.SubjectState) []models.SubjectState {
	seen := make(map[string]int, len(states))
	for i := range states {
		key := states[i].Key
		seen[key]++
		if n := seen[key]; n > 1 {
			states[i].Key = key + "#" + strconv.Itoa(n)
		}
	}
	return states
}

func courseKey(code, name string) string {
	if c := strings.ToUpper(strings.TrimSpace(code)); c != "" {
		return c
	}
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func subjectName(name, code string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return strings.TrimSpace(code)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
