package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/noah-isme/campuswatch/internal/models"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

type credentialStoreStub struct {
	mu          sync.Mutex
	users       []models.EligibleUser
	invalidated []string
}

func (s *credentialStoreStub) ListEligible(context.Context, models.Domain) ([]models.EligibleUser, error) {
	return s.users, nil
}

func (s *credentialStoreStub) MarkInvalid(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, userID)
	return nil
}

type portalStub struct {
	mu      sync.Mutex
	records map[string]string
	errs    map[string]error
	calls   int
	// gate, when set, blocks every fetch until it is closed.
	gate    chan struct{}
	entered chan struct{}
	panics  bool
	// deadlines records the remaining time on each fetch context; -1 when it had none.
	deadlines []time.Duration
}

func newPortalStub() *portalStub {
	return &portalStub{records: map[string]string{}, errs: map[string]error{}}
}

func (p *portalStub) set(userID, raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[userID] = raw
}

func (p *portalStub) Fetch(ctx context.Context, _ models.Domain, user models.EligibleUser) (json.RawMessage, error) {
	p.mu.Lock()
	p.calls++
	remaining := time.Duration(-1)
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	p.deadlines = append(p.deadlines, remaining)
	gate, entered, panics := p.gate, p.entered, p.panics
	raw, err := p.records[user.UserID], p.errs[user.UserID]
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if panics {
		panic("portal exploded")
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (p *portalStub) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type snapshotStoreStub struct {
	mu         sync.Mutex
	snapshots  map[string]models.Snapshot
	history    []models.HistoryEntry
	commitErrs []error
	commits    int
}

func newSnapshotStoreStub() *snapshotStoreStub {
	return &snapshotStoreStub{snapshots: map[string]models.Snapshot{}}
}

func snapshotKey(userID string, domain models.Domain) string {
	return string(domain) + "/" + userID
}

func (s *snapshotStoreStub) Get(_ context.Context, userID string, domain models.Domain) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[snapshotKey(userID, domain)]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	return &snap, nil
}

func (s *snapshotStoreStub) Load(ctx context.Context, userID string, domain models.Domain) (*models.Snapshot, error) {
	return s.Get(ctx, userID, domain)
}

func (s *snapshotStoreStub) Commit(_ context.Context, snapshot *models.Snapshot, history []models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commitErrs) > 0 {
		err := s.commitErrs[0]
		s.commitErrs = s.commitErrs[1:]
		if err != nil {
			return appErrors.WrapAs(err, appErrors.ErrSnapshotCommit, "")
		}
	}
	s.commits++
	s.snapshots[snapshotKey(snapshot.UserID, snapshot.Domain)] = *snapshot
	s.history = append(s.history, history...)
	return nil
}

func (s *snapshotStoreStub) seed(userID string, domain models.Domain, raw string) {
	states, err := NormalizeState(domain, json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	hash, err := Fingerprint(states)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotKey(userID, domain)] = models.Snapshot{
		UserID:    userID,
		Domain:    domain,
		RawState:  json.RawMessage(raw),
		StateHash: hash,
	}
}

func (s *snapshotStoreStub) get(userID string, domain models.Domain) models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[snapshotKey(userID, domain)]
}

type dedupStoreStub struct {
	mu   sync.Mutex
	keys map[string]time.Duration
}

func newDedupStoreStub() *dedupStoreStub {
	return &dedupStoreStub{keys: map[string]time.Duration{}}
}

func (d *dedupStoreStub) Exists(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.keys[key]
	return ok, nil
}

func (d *dedupStoreStub) MarkNotified(_ context.Context, keys []string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.keys[k] = ttl
	}
	return nil
}

type publisherStub struct {
	mu       sync.Mutex
	messages []models.QueueMessage
	errs     []error
}

func (p *publisherStub) Publish(_ context.Context, msg models.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *publisherStub) published() []models.QueueMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.QueueMessage(nil), p.messages...)
}

type memoryLocker struct {
	mu    sync.Mutex
	held  map[string]string
	count int
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: map[string]string{}}
}

func (l *memoryLocker) TryAcquire(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.count++
	token := key + "#" + time.Now().String()
	l.held[key] = token
	return token, true, nil
}

func (l *memoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

func (l *memoryLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
