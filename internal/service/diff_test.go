package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campuswatch/internal/models"
)

func mustNormalize(t *testing.T, domain models.Domain, raw string) []models.SubjectState {
	t.Helper()
	states, err := NormalizeState(domain, json.RawMessage(raw))
	require.NoError(t, err)
	return states
}

func TestFingerprintIgnoresOrderingAndVolatileFields(t *testing.T) {
	a := mustNormalize(t, models.DomainAttendance, `{"courses":[
		{"code":"phy101","name":"Physics","category":"Theory","conducted":10,"absent":2,"percentage":80,"updatedAt":"2024-09-01"},
		{"code":"CHE101","name":"Chemistry","category":"Lab","conducted":4,"absent":0,"percentage":100}]}`)
	b := mustNormalize(t, models.DomainAttendance, `{"courses":[
		{"percentage":100,"absent":0,"conducted":4,"category":"Lab","name":"Chemistry","code":"CHE101"},
		{"code":"PHY101","name":"Physics","category":"Theory","conducted":10,"absent":2,"percentage":80.001,"updatedAt":"2024-09-05"}]}`)

	ha, err := Fingerprint(a)
	require.NoError(t, err)
	hb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 16)

	c := mustNormalize(t, models.DomainAttendance, `{"courses":[{"code":"CHE101","name":"Chemistry","category":"Lab","conducted":5,"absent":0,"percentage":100}]}`)
	hc, err := Fingerprint(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)

	labs := `{"code":"LAB1","name":"Lab","conducted":4,"absent":1,"percentage":75}`
	labs2 := `{"code":"LAB1","name":"Lab","conducted":6,"absent":0,"percentage":100}`
	first := mustNormalize(t, models.DomainAttendance, `{"courses":[`+labs+`,`+labs2+`]}`)
	swapped := mustNormalize(t, models.DomainAttendance, `{"courses":[`+labs2+`,`+labs+`]}`)
	hFirst, err := Fingerprint(first)
	require.NoError(t, err)
	hSwapped, err := Fingerprint(swapped)
	require.NoError(t, err)
	assert.Equal(t, hFirst, hSwapped)
	assert.Empty(t, ComputeDiffs(models.DomainAttendance, first, swapped))
}

func TestNormalizeKeysAndDuplicates(t *testing.T) {
	states := mustNormalize(t, models.DomainMarks, `{"courses":[
		{"code":"","name":"  Linear   Algebra ","tests":[{"name":"Quiz","scored":4,"total":5},{"name":"quiz","scored":5,"total":5},{"name":"","scored":1,"total":1}]}]}`)

	require.Len(t, states, 2)
	assert.Equal(t, "linear algebra|quiz", states[0].Key)
	assert.Equal(t, "linear algebra|quiz#2", states[1].Key)
	assert.Equal(t, "Linear   Algebra", states[0].Subject)

	_, err := NormalizeState(models.DomainMarks, json.RawMessage(`not json`))
	assert.Error(t, err)
	_, err = NormalizeState(models.DomainAttendance, nil)
	assert.Error(t, err)
}

func TestComputeDiffs(t *testing.T) {
	before := mustNormalize(t, models.DomainAttendance, `{"courses":[
		{"code":"PHY101","name":"Physics","conducted":10,"absent":2,"percentage":80},
		{"code":"BIO101","name":"Biology","conducted":6,"absent":1,"percentage":83.33}]}`)
	after := mustNormalize(t, models.DomainAttendance, `{"courses":[
		{"code":"PHY101","name":"Physics","conducted":11,"absent":2,"percentage":81.82},
		{"code":"CHE101","name":"Chemistry","conducted":0,"absent":0,"percentage":0},
		{"code":"ENG101","name":"English","conducted":2,"absent":0,"percentage":100}]}`)

	diffs := ComputeDiffs(models.DomainAttendance, before, after)
	require.Len(t, diffs, 2, "removed and zero-activity subjects are ignored")

	assert.Equal(t, "ENG101", diffs[0].SubjectKey)
	assert.Equal(t, models.ChangeNewItem, diffs[0].ChangeType)
	assert.Nil(t, diffs[0].Before)

	assert.Equal(t, "PHY101", diffs[1].SubjectKey)
	assert.Equal(t, models.ChangeValueUpdate, diffs[1].ChangeType)
	require.NotNil(t, diffs[1].Before)
	assert.Equal(t, 10, diffs[1].Before.Conducted)
	assert.Equal(t, 11, diffs[1].After.Conducted)
	assert.True(t, IsSignificant(diffs))
}

func TestPercentageOnlyChangeIsNotSignificant(t *testing.T) {
	before := []models.SubjectState{{Key: "PHY101", Values: models.Values{Conducted: 10, Absent: 2, Percentage: 80}}}
	after := []models.SubjectState{{Key: "PHY101", Values: models.Values{Conducted: 10, Absent: 2, Percentage: 80.5}}}

	diffs := ComputeDiffs(models.DomainAttendance, before, after)
	require.Len(t, diffs, 1)
	assert.False(t, DiffSignificant(diffs[0]))
	assert.False(t, IsSignificant(diffs))
	assert.Empty(t, SignificantDiffs(diffs))
}

func TestDedupKeyIsStable(t *testing.T) {
	diff := models.Diff{
		Domain:     models.DomainMarks,
		SubjectKey: "MTH201|midterm",
		ChangeType: models.ChangeNewItem,
		After:      models.Values{Scored: 41, Total: 50},
	}
	key := DedupKey("1001", diff)
	assert.Equal(t, key, DedupKey("1001", diff))
	assert.Contains(t, key, "dedup:marks:")
	assert.NotEqual(t, key, DedupKey("1002", diff))

	changed := diff
	changed.After.Scored = 42
	assert.NotEqual(t, key, DedupKey("1001", changed))

	// Display-only fields do not affect the key.
	renamed := diff
	renamed.Subject = "Calculus II"
	assert.Equal(t, key, DedupKey("1001", renamed))
}
