package service

import (
	"github.com/noah-isme/campuswatch/internal/models"
)

// ComputeDiffs compares two normalized states. New subjects count only once
// they show activity; subjects present in both yield a value_update when any
// value moved. Removed subjects are ignored. Output follows key order.
func ComputeDiffs(domain models.Domain, before, after []models.SubjectState) []models.Diff {
	previous := make(map[string]models.SubjectState, len(before))
	for _, s := range before {
		previous[s.Key] = s
	}

	var diffs []models.Diff
	for _, cur := range after {
		old, ok := previous[cur.Key]
		if !ok {
			if !cur.Values.HasActivity() {
				continue
			}
			diffs = append(diffs, models.Diff{
				Domain:     domain,
				SubjectKey: cur.Key,
				Subject:    cur.Subject,
				Detail:     cur.Detail,
				ChangeType: models.ChangeNewItem,
				After:      cur.Values,
			})
			continue
		}
		if old.Values == cur.Values {
			continue
		}
		prior := old.Values
		diffs = append(diffs, models.Diff{
			Domain:     domain,
			SubjectKey: cur.Key,
			Subject:    cur.Subject,
			Detail:     cur.Detail,
			ChangeType: models.ChangeValueUpdate,
			Before:     &prior,
			After:      cur.Values,
		})
	}
	return diffs
}

// DiffSignificant reports whether a single diff reflects a real change rather
// than a recomputed display value.
func DiffSignificant(d models.Diff) bool {
	switch d.ChangeType {
	case models.ChangeNewItem:
		return true
	case models.ChangeValueUpdate:
		return d.Before == nil || !d.Before.SameCounts(d.After)
	default:
		return false
	}
}

// IsSignificant reports whether any diff in the set is worth notifying.
func IsSignificant(diffs []models.Diff) bool {
	for _, d := range diffs {
		if DiffSignificant(d) {
			return true
		}
	}
	return false
}

// SignificantDiffs keeps the diffs that pass DiffSignificant.
func SignificantDiffs(diffs []models.Diff) []models.Diff {
	out := make([]models.Diff, 0, len(diffs))
	for _, d := range diffs {
		if DiffSignificant(d) {
			out = append(out, d)
		}
	}
	return out
}
