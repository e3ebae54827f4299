package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/campuswatch/internal/models"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

// UserOutcome describes what happened to one user in a cycle.
type UserOutcome string

const (
	OutcomeLocked      UserOutcome = "locked"
	OutcomeUnchanged   UserOutcome = "unchanged"
	OutcomeBaselined   UserOutcome = "baselined"
	OutcomeUpdated     UserOutcome = "updated"
	OutcomeNotified    UserOutcome = "notified"
	OutcomeSuppressed  UserOutcome = "suppressed"
	OutcomeFetchFailed UserOutcome = "fetch_failed"
	OutcomeFailed      UserOutcome = "failed"
)

type credentialStore interface {
	ListEligible(ctx context.Context, domain models.Domain) ([]models.EligibleUser, error)
	MarkInvalid(ctx context.Context, userID string) error
}

type portalFetcher interface {
	Fetch(ctx context.Context, domain models.Domain, user models.EligibleUser) (json.RawMessage, error)
}

type userLocker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type snapshotReadWriter interface {
	Load(ctx context.Context, userID string, domain models.Domain) (*models.Snapshot, error)
	Commit(ctx context.Context, snapshot *models.Snapshot, history []models.HistoryEntry) error
}

type diffDeduplicator interface {
	Filter(ctx context.Context, userID string, diffs []models.Diff) ([]models.Diff, []string, error)
	Mark(ctx context.Context, keys []string) error
}

type queuePublisher interface {
	Publish(ctx context.Context, msg models.QueueMessage) error
}

// DetectorConfig tunes one change detector.
type DetectorConfig struct {
	Domain     models.Domain
	Interval   time.Duration
	BatchSize  int
	BatchPause time.Duration
	LockTTL    time.Duration
	// MaxInterval enables adaptive scheduling when greater than Interval.
	MaxInterval time.Duration
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 30
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	return c
}

// userBudget bounds one user's pass so it finishes before the lock TTL lapses
// and another worker can take the same user.
func (c DetectorConfig) userBudget() time.Duration {
	return c.LockTTL - c.LockTTL/6
}

// DetectorDeps groups the collaborators of a ChangeDetector.
type DetectorDeps struct {
	Credentials credentialStore
	Portal      portalFetcher
	Locks       userLocker
	Snapshots   snapshotReadWriter
	Dedup       diffDeduplicator
	Publisher   queuePublisher
	Metrics     *MetricsService
	Logger      *zap.Logger
	Now         func() time.Time
}

// CycleReport summarises one pass over all eligible users.
type CycleReport struct {
	Domain    models.Domain       `json:"domain"`
	StartedAt time.Time           `json:"started_at"`
	Duration  time.Duration       `json:"duration"`
	Users     int                 `json:"users"`
	Outcomes  map[UserOutcome]int `json:"outcomes"`
	Err       string              `json:"error,omitempty"`
}

// UpstreamFailureRatio is the share of users whose portal fetch failed.
func (r CycleReport) UpstreamFailureRatio() float64 {
	if r.Users == 0 {
		return 0
	}
	return float64(r.Outcomes[OutcomeFetchFailed]) / float64(r.Users)
}

// ChangeDetector polls the portal for one domain and turns real changes into
// queued notifications.
type ChangeDetector struct {
	cfg         DetectorConfig
	credentials credentialStore
	portal      portalFetcher
	locks       userLocker
	snapshots   snapshotReadWriter
	dedup       diffDeduplicator
	publisher   queuePublisher
	metrics     *MetricsService
	logger      *zap.Logger
	now         func() time.Time

	runMu sync.Mutex
}

// NewChangeDetector wires a detector.
func NewChangeDetector(cfg DetectorConfig, deps DetectorDeps) *ChangeDetector {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &ChangeDetector{
		cfg:         cfg,
		credentials: deps.Credentials,
		portal:      deps.Portal,
		locks:       deps.Locks,
		snapshots:   deps.Snapshots,
		dedup:       deps.Dedup,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		logger:      deps.Logger.Named("detector").With(zap.String("domain", string(cfg.Domain))),
		now:         deps.Now,
	}
}

// Domain returns the monitored domain.
func (d *ChangeDetector) Domain() models.Domain {
	return d.cfg.Domain
}

// Run polls until ctx is cancelled. Cycle failures and panics are logged and
// the loop carries on at the next tick.
func (d *ChangeDetector) Run(ctx context.Context) {
	d.logger.Info("change detector started", zap.Duration("interval", d.cfg.Interval))
	delay := d.cfg.Interval
	for {
		report := d.safeRunOnce(ctx)
		delay = d.nextDelay(delay, report)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Info("change detector stopped")
			return
		case <-timer.C:
		}
	}
}

func (d *ChangeDetector) safeRunOnce(ctx context.Context) (report CycleReport) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("detector cycle panicked", zap.Any("panic", r))
			report.Err = fmt.Sprint(r)
		}
	}()
	report, err := d.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		d.logger.Warn("detector cycle failed", zap.Error(err))
	}
	return report
}

// nextDelay keeps the configured interval for healthy cycles. With adaptive
// scheduling the delay doubles up to MaxInterval while most users fail
// upstream, and never drops below the duration of the last cycle.
func (d *ChangeDetector) nextDelay(current time.Duration, report CycleReport) time.Duration {
	if d.cfg.MaxInterval <= d.cfg.Interval {
		return d.cfg.Interval
	}
	next := d.cfg.Interval
	if report.UpstreamFailureRatio() > 0.5 {
		next = current * 2
	}
	if report.Duration > next {
		next = report.Duration
	}
	if next > d.cfg.MaxInterval {
		next = d.cfg.MaxInterval
	}
	return next
}

// RunOnce processes every eligible user once, in batches. Overlapping calls
// are serialised so that an on-demand run never races the scheduled one
// within this process.
func (d *ChangeDetector) RunOnce(ctx context.Context) (report CycleReport, err error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	report = CycleReport{
		Domain:    d.cfg.Domain,
		StartedAt: d.now(),
		Outcomes:  make(map[UserOutcome]int),
	}
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		d.metrics.ObserveCycle(string(d.cfg.Domain), report.Duration, report.Err != "")
	}()

	users, err := d.credentials.ListEligible(ctx, d.cfg.Domain)
	if err != nil {
		report.Err = err.Error()
		return report, fmt.Errorf("list eligible users: %w", err)
	}
	report.Users = len(users)

	var mu sync.Mutex
	for startIdx := 0; startIdx < len(users); startIdx += d.cfg.BatchSize {
		if ctx.Err() != nil {
			report.Err = ctx.Err().Error()
			return report, ctx.Err()
		}
		end := startIdx + d.cfg.BatchSize
		if end > len(users) {
			end = len(users)
		}

		var g errgroup.Group
		for _, user := range users[startIdx:end] {
			user := user
			g.Go(func() error {
				outcome, err := d.ProcessUser(ctx, user)
				if err != nil {
					d.logger.Warn("user skipped", zap.String("user_id", user.UserID), zap.String("outcome", string(outcome)), zap.Error(err))
				}
				mu.Lock()
				report.Outcomes[outcome]++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if end < len(users) && d.cfg.BatchPause > 0 {
			timer := time.NewTimer(d.cfg.BatchPause)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}

	d.logger.Info("detector cycle finished",
		zap.Int("users", report.Users),
		zap.Int("notified", report.Outcomes[OutcomeNotified]),
		zap.Int("fetch_failed", report.Outcomes[OutcomeFetchFailed]),
		zap.Int("locked", report.Outcomes[OutcomeLocked]))
	return report, nil
}

// ProcessUser runs one detection pass for a user under the per-user lock.
// Lock contention is reported as OutcomeLocked with a nil error.
func (d *ChangeDetector) ProcessUser(ctx context.Context, user models.EligibleUser) (outcome UserOutcome, err error) {
	domain := string(d.cfg.Domain)
	defer func() {
		d.metrics.RecordUserOutcome(domain, string(outcome))
	}()

	key := LockKey(d.cfg.Domain, user.UserID)
	token, acquired, err := d.locks.TryAcquire(ctx, key, d.cfg.LockTTL)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		d.metrics.RecordLockContention(domain)
		return OutcomeLocked, nil
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("user processing panicked", zap.String("user_id", user.UserID), zap.Any("panic", r))
			outcome, err = OutcomeFailed, fmt.Errorf("panic: %v", r)
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := d.locks.Release(releaseCtx, key, token); rerr != nil {
			d.logger.Warn("lock release failed", zap.String("key", key), zap.Error(rerr))
		}
	}()

	userCtx, cancel := context.WithTimeout(ctx, d.cfg.userBudget())
	defer cancel()
	return d.process(userCtx, user)
}

func (d *ChangeDetector) process(ctx context.Context, user models.EligibleUser) (UserOutcome, error) {
	log := d.logger.With(zap.String("user_id", user.UserID))

	previous, err := d.snapshots.Load(ctx, user.UserID, d.cfg.Domain)
	if err != nil && !errors.Is(err, appErrors.ErrNotFound) {
		return OutcomeFailed, fmt.Errorf("load snapshot: %w", err)
	}

	raw, err := d.portal.Fetch(ctx, d.cfg.Domain, user)
	if err != nil {
		d.recordFetchError(ctx, user, err)
		return OutcomeFetchFailed, err
	}
	states, err := NormalizeState(d.cfg.Domain, raw)
	if err != nil {
		d.metrics.RecordUpstreamError(string(d.cfg.Domain), "malformed")
		return OutcomeFetchFailed, appErrors.WrapAs(err, appErrors.ErrUpstreamTransient, "malformed portal response")
	}
	hash, err := Fingerprint(states)
	if err != nil {
		return OutcomeFailed, err
	}

	now := d.now().UTC()
	next := &models.Snapshot{
		UserID:       user.UserID,
		Domain:       d.cfg.Domain,
		RawState:     raw,
		StateHash:    hash,
		LastChangeAt: now,
		CreatedAt:    now,
	}

	if previous == nil {
		if err := d.snapshots.Commit(ctx, next, nil); err != nil {
			return OutcomeFailed, err
		}
		log.Info("baseline snapshot stored")
		return OutcomeBaselined, nil
	}
	if previous.StateHash == hash {
		return OutcomeUnchanged, nil
	}

	next.CreatedAt = previous.CreatedAt
	previousStates, err := NormalizeState(d.cfg.Domain, previous.RawState)
	if err != nil {
		log.Warn("stored snapshot unreadable, rebaselining", zap.Error(err))
		if err := d.snapshots.Commit(ctx, next, nil); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeBaselined, nil
	}

	diffs := ComputeDiffs(d.cfg.Domain, previousStates, states)
	if len(diffs) == 0 {
		next.LastChangeAt = previous.LastChangeAt
	}

	outcome := OutcomeUpdated
	if IsSignificant(diffs) {
		outcome, err = d.notify(ctx, user, SignificantDiffs(diffs), now)
		if err != nil {
			return outcome, err
		}
	}

	history := make([]models.HistoryEntry, 0, len(diffs))
	for _, diff := range diffs {
		significant := DiffSignificant(diff)
		d.metrics.RecordDiff(string(d.cfg.Domain), string(diff.ChangeType), significant)
		entry := models.HistoryEntry{
			UserID:      user.UserID,
			Domain:      d.cfg.Domain,
			SubjectKey:  diff.SubjectKey,
			Subject:     diff.Subject,
			ChangeType:  diff.ChangeType,
			Before:      diff.Before,
			After:       diff.After,
			Significant: significant,
			ObservedAt:  now,
		}
		if d.cfg.Domain == models.DomainAttendance && diff.ChangeType == models.ChangeValueUpdate && diff.Before != nil {
			entry.Outcome = InferLastSession(*diff.Before, diff.After)
		}
		history = append(history, entry)
	}

	if err := d.snapshots.Commit(ctx, next, history); err != nil {
		return OutcomeFailed, err
	}
	log.Debug("snapshot advanced", zap.Int("diffs", len(diffs)), zap.String("outcome", string(outcome)))
	return outcome, nil
}

// notify publishes surviving diffs before the snapshot moves, so a failed
// publish leaves the change to be detected again on the next tick.
func (d *ChangeDetector) notify(ctx context.Context, user models.EligibleUser, diffs []models.Diff, now time.Time) (UserOutcome, error) {
	survivors, keys, err := d.dedup.Filter(ctx, user.UserID, diffs)
	if err != nil {
		return OutcomeFailed, err
	}
	d.metrics.RecordDedupSuppressed(string(d.cfg.Domain), len(diffs)-len(survivors))
	if len(survivors) == 0 {
		return OutcomeSuppressed, nil
	}

	msg := models.QueueMessage{
		UserID:     user.UserID,
		Domain:     d.cfg.Domain,
		Updates:    survivors,
		DetectedAt: now,
	}
	if err := d.publisher.Publish(ctx, msg); err != nil {
		return OutcomeFailed, err
	}
	if err := d.dedup.Mark(ctx, keys); err != nil {
		d.logger.Warn("dedup markers not written", zap.String("user_id", user.UserID), zap.Error(err))
	}
	return OutcomeNotified, nil
}

func (d *ChangeDetector) recordFetchError(ctx context.Context, user models.EligibleUser, err error) {
	kind := "transient"
	switch {
	case errors.Is(err, appErrors.ErrUpstreamUnauthorized):
		kind = "unauthorized"
		if merr := d.credentials.MarkInvalid(ctx, user.UserID); merr != nil {
			d.logger.Warn("failed to invalidate credential", zap.String("user_id", user.UserID), zap.Error(merr))
		} else {
			d.logger.Info("credential rejected by portal, polling paused", zap.String("user_id", user.UserID))
		}
	case errors.Is(err, appErrors.ErrUpstreamNotFound):
		kind = "not_found"
	}
	d.metrics.RecordUpstreamError(string(d.cfg.Domain), kind)
}
