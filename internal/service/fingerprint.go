package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/noah-isme/campuswatch/internal/models"
)

// Fingerprint digests a normalized subject list. xxhash is a fast,
// likely-unique change detector; it is not a security hash and must never
// guard anything an attacker controls.
func Fingerprint(states []models.SubjectState) (string, error) {
	if states == nil {
		states = []models.SubjectState{}
	}
	canonical, err := json.Marshal(states)
	if err != nil {
		return "", fmt.Errorf("encode fingerprint input: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), nil
}

// DedupKey derives the marker key for one change. Identical user, subject,
// change type and after-values always yield the same key.
func DedupKey(userID string, diff models.Diff) string {
	a := diff.After
	parts := []string{
		userID,
		string(diff.Domain),
		diff.SubjectKey,
		string(diff.ChangeType),
		strconv.Itoa(a.Conducted),
		strconv.Itoa(a.Absent),
		strconv.FormatFloat(a.Scored, 'f', -1, 64),
		strconv.FormatFloat(a.Total, 'f', -1, 64),
	}
	return fmt.Sprintf("dedup:%s:%016x", diff.Domain, xxhash.Sum64String(strings.Join(parts, "|")))
}

// LockKey names the per-user, per-domain processing lock.
func LockKey(domain models.Domain, userID string) string {
	return "lock:" + string(domain) + ":" + userID
}

// SnapshotCacheKey names the short-lived snapshot cache entry.
func SnapshotCacheKey(domain models.Domain, userID string) string {
	return "snapshot:" + string(domain) + ":" + userID
}
