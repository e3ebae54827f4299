package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/campuswatch/internal/models"
)

func TestInferLastSession(t *testing.T) {
	tests := []struct {
		name   string
		before models.Values
		after  models.Values
		want   models.SessionOutcome
	}{
		{"attended", models.Values{Conducted: 10, Absent: 2}, models.Values{Conducted: 11, Absent: 2}, models.SessionAttended},
		{"absent", models.Values{Conducted: 10, Absent: 2}, models.Values{Conducted: 11, Absent: 3}, models.SessionAbsent},
		{"two missed", models.Values{Conducted: 10, Absent: 2}, models.Values{Conducted: 12, Absent: 4}, models.SessionAbsent},
		{"mixed", models.Values{Conducted: 10, Absent: 2}, models.Values{Conducted: 12, Absent: 3}, models.SessionMixed},
		{"no session", models.Values{Conducted: 10, Absent: 2}, models.Values{Conducted: 10, Absent: 1}, models.SessionUnknown},
		{"absences beyond sessions", models.Values{Conducted: 10, Absent: 2}, models.Values{Conducted: 11, Absent: 4}, models.SessionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferLastSession(tt.before, tt.after))
		})
	}
}

func TestRendererAttendance(t *testing.T) {
	msg := models.QueueMessage{
		UserID: "1001",
		Domain: models.DomainAttendance,
		Updates: []models.Diff{
			{
				Domain: models.DomainAttendance, SubjectKey: "PHY101|theory", Subject: "Physics", Detail: "Theory",
				ChangeType: models.ChangeValueUpdate,
				Before:     &models.Values{Conducted: 10, Absent: 2, Percentage: 80},
				After:      models.Values{Conducted: 11, Absent: 2, Percentage: 81.82},
			},
			{
				Domain: models.DomainAttendance, SubjectKey: "CHE101", Subject: "Chemistry",
				ChangeType: models.ChangeNewItem,
				After:      models.Values{Conducted: 2, Absent: 1},
			},
		},
	}

	text := NewRenderer().Render(msg)
	assert.True(t, strings.HasPrefix(text, "*Attendance updated*\n"))
	assert.Contains(t, text, "Theory: conducted 10 → 11, absent 2 → 2\n80% → 82%, attended last session\n")
	assert.Contains(t, text, "conducted 2, absent 1 (50%)")
	assert.Less(t, strings.Index(text, "*Chemistry*"), strings.Index(text, "*Physics*"), "subjects are sorted")
}

func TestRendererMarksEscapesMarkdown(t *testing.T) {
	msg := models.QueueMessage{
		UserID: "1001",
		Domain: models.DomainMarks,
		Updates: []models.Diff{{
			Domain: models.DomainMarks, SubjectKey: "CS_101|lab_1", Subject: "Intro_CS", Detail: "Lab_1",
			ChangeType: models.ChangeValueUpdate,
			Before:     &models.Values{Scored: 7, Total: 10},
			After:      models.Values{Scored: 8.5, Total: 10},
		}},
	}

	text := NewRenderer().Render(msg)
	assert.Contains(t, text, "*Marks updated*")
	assert.Contains(t, text, `*Intro\_CS*`)
	assert.Contains(t, text, `Lab\_1: 7/10 → 8.5/10`)
}
