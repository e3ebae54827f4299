package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/noah-isme/campuswatch/internal/models"
)

// InferLastSession guesses how the most recent session(s) went from aggregate
// counters: absences unchanged while sessions were conducted means attended,
// absences growing in step with conducted means absent. The portal exposes no
// per-session flag, so this is a heuristic. When several sessions land in one
// polling interval only partial absence growth is visible and the result is
// SessionMixed.
func InferLastSession(before, after models.Values) models.SessionOutcome {
	conducted := after.Conducted - before.Conducted
	absent := after.Absent - before.Absent
	switch {
	case conducted <= 0 || absent < 0:
		return models.SessionUnknown
	case absent == 0:
		return models.SessionAttended
	case absent == conducted:
		return models.SessionAbsent
	case absent < conducted:
		return models.SessionMixed
	default:
		return models.SessionUnknown
	}
}

// Renderer formats queue messages as Telegram Markdown.
type Renderer struct{}

// NewRenderer constructs a renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render builds one consolidated message for a user's diffs, grouped by subject.
func (r *Renderer) Render(msg models.QueueMessage) string {
	var b strings.Builder
	switch msg.Domain {
	case models.DomainMarks:
		b.WriteString("*Marks updated*\n")
	default:
		b.WriteString("*Attendance updated*\n")
	}

	groups := make(map[string][]models.Diff)
	var subjects []string
	for _, d := range msg.Updates {
		name := d.Subject
		if name == "" {
			name = d.SubjectKey
		}
		if _, ok := groups[name]; !ok {
			subjects = append(subjects, name)
		}
		groups[name] = append(groups[name], d)
	}
	sort.Strings(subjects)

	for _, subject := range subjects {
		b.WriteString("\n*")
		b.WriteString(escape(subject))
		b.WriteString("*\n")
		diffs := groups[subject]
		sort.SliceStable(diffs, func(i, j int) bool { return diffs[i].SubjectKey < diffs[j].SubjectKey })
		for _, d := range diffs {
			if msg.Domain == models.DomainMarks {
				b.WriteString(renderMarks(d))
			} else {
				b.WriteString(renderAttendance(d))
			}
		}
	}
	return b.String()
}

func renderAttendance(d models.Diff) string {
	var b strings.Builder
	prefix := ""
	if d.Detail != "" {
		prefix = escape(d.Detail) + ": "
	}
	a := d.After
	if d.ChangeType == models.ChangeNewItem || d.Before == nil {
		fmt.Fprintf(&b, "%sconducted %d, absent %d (%s)\n", prefix, a.Conducted, a.Absent, percent(a.AttendancePercent()))
		return b.String()
	}

	before := *d.Before
	fmt.Fprintf(&b, "%sconducted %d → %d, absent %d → %d\n", prefix, before.Conducted, a.Conducted, before.Absent, a.Absent)
	b.WriteString(percent(before.AttendancePercent()))
	b.WriteString(" → ")
	b.WriteString(percent(a.AttendancePercent()))
	switch InferLastSession(before, a) {
	case models.SessionAttended:
		b.WriteString(", attended last session")
	case models.SessionAbsent:
		b.WriteString(", missed last session")
	case models.SessionMixed:
		b.WriteString(", missed some recent sessions")
	}
	b.WriteString("\n")
	return b.String()
}

func renderMarks(d models.Diff) string {
	name := d.Detail
	if name == "" {
		name = d.SubjectKey
	}
	a := d.After
	if d.ChangeType == models.ChangeNewItem || d.Before == nil {
		return fmt.Sprintf("%s: %s/%s\n", escape(name), number(a.Scored), number(a.Total))
	}
	return fmt.Sprintf("%s: %s/%s → %s/%s\n", escape(name),
		number(d.Before.Scored), number(d.Before.Total), number(a.Scored), number(a.Total))
}

func percent(v float64) string {
	return fmt.Sprintf("%.0f%%", v)
}

func number(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}
