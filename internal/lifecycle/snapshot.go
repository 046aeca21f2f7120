package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

type SnapshotState int

const (
	NoSnapshot SnapshotState = iota
	SnapshotConfirmed
	RelockedByPublish
	ReopenedByApproval
)

func (s SnapshotState) String() string {
	switch s {
	case NoSnapshot:
		return "NO_SNAPSHOT"
	case SnapshotConfirmed:
		return "CONFIRMED"
	case RelockedByPublish:
		return "RELOCKED_BY_PUBLISH"
	case ReopenedByApproval:
		return "REOPENED_BY_APPROVAL"
	}
	return fmt.Sprintf("SnapshotState(%d)", int(s))
}

// SnapshotStore persists confirmed snapshots on the client side.
// LoadSnapshot returns nil, nil when nothing is stored for the sheet.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, key models.SheetKey) (*models.MarkManagerSnapshot, error)
	SaveSnapshot(ctx context.Context, key models.SheetKey, snap models.MarkManagerSnapshot) error
	DeleteSnapshot(ctx context.Context, key models.SheetKey) error
}

// ConfigHash fingerprints a config. encoding/json sorts map keys, so equal
// configs always hash equal.
func ConfigHash(cfg models.AssessmentConfig) (string, error) {
	c := cfg.Clone()
	c.VisibleBTLs = cfg.Visible()
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("error encoding config: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(raw)), nil
}

// SnapshotMachine holds the mark-manager snapshot of one sheet and its state.
// It does no I/O.
type SnapshotMachine struct {
	state    SnapshotState
	snapshot *models.MarkManagerSnapshot
}

func (m *SnapshotMachine) State() SnapshotState { return m.state }

func (m *SnapshotMachine) Snapshot() *models.MarkManagerSnapshot {
	if m.snapshot == nil {
		return nil
	}
	cp := *m.snapshot
	cp.Config = m.snapshot.Config.Clone()
	return &cp
}

// Locked reports whether the config is frozen by a snapshot.
func (m *SnapshotMachine) Locked() bool {
	return m.state == SnapshotConfirmed || m.state == RelockedByPublish
}

// Confirm captures cfg. serverLocked is true while the server refuses a new
// confirmation (published with no fresh mark-manager approval). Confirming a
// reopened snapshot freezes it again as published.
func (m *SnapshotMachine) Confirm(cfg models.AssessmentConfig, serverLocked bool, now time.Time, approvalUntil *time.Time) (models.MarkManagerSnapshot, error) {
	switch m.state {
	case NoSnapshot, SnapshotConfirmed, ReopenedByApproval:
	default:
		return models.MarkManagerSnapshot{}, models.NewConflictError("mark manager is locked; request access to change it")
	}
	if serverLocked {
		return models.MarkManagerSnapshot{}, models.NewConflictError("mark manager is locked by the server")
	}
	if err := cfg.Validate(); err != nil {
		return models.MarkManagerSnapshot{}, models.NewValidationError("config", "%v", err)
	}
	hash, err := ConfigHash(cfg)
	if err != nil {
		return models.MarkManagerSnapshot{}, err
	}
	snap := models.MarkManagerSnapshot{
		ConfigHash:              hash,
		LockedAt:                now,
		ApprovalUntilAtLockTime: copyTime(approvalUntil),
		Config:                  cfg.Clone(),
	}
	m.snapshot = &snap
	if m.state == ReopenedByApproval {
		m.state = RelockedByPublish
	} else {
		m.state = SnapshotConfirmed
	}
	return snap, nil
}

// CanRequestAccess allows a MARK_MANAGER request only while the config is frozen.
func (m *SnapshotMachine) CanRequestAccess() error {
	if !m.Locked() {
		return models.NewConflictError("mark manager is not locked (state %s)", m.state)
	}
	return nil
}

// Relock is the publish transition.
func (m *SnapshotMachine) Relock() bool {
	if m.snapshot == nil || m.state == RelockedByPublish {
		return false
	}
	m.state = RelockedByPublish
	return true
}

// ApplyApproval moves between RELOCKED_BY_PUBLISH and REOPENED_BY_APPROVAL as the
// fresh mark-manager approval appears and goes away. The snapshot content is kept.
func (m *SnapshotMachine) ApplyApproval(fresh bool) bool {
	switch {
	case fresh && m.state == RelockedByPublish:
		m.state = ReopenedByApproval
		return true
	case !fresh && m.state == ReopenedByApproval:
		m.state = RelockedByPublish
		return true
	}
	return false
}

// Restore loads a persisted snapshot; a published sheet starts relocked.
func (m *SnapshotMachine) Restore(snap *models.MarkManagerSnapshot, published bool) {
	if snap == nil {
		m.Reset()
		return
	}
	cp := *snap
	cp.Config = snap.Config.Clone()
	m.snapshot = &cp
	m.state = SnapshotConfirmed
	if published {
		m.state = RelockedByPublish
	}
}

func (m *SnapshotMachine) Reset() {
	m.state = NoSnapshot
	m.snapshot = nil
}

// MemorySnapshotStore keeps snapshots for the life of the process.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	snaps map[models.SheetKey]models.MarkManagerSnapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[models.SheetKey]models.MarkManagerSnapshot)}
}

func (s *MemorySnapshotStore) LoadSnapshot(_ context.Context, key models.SheetKey) (*models.MarkManagerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[key]
	if !ok {
		return nil, nil
	}
	snap.Config = snap.Config.Clone()
	return &snap, nil
}

func (s *MemorySnapshotStore) SaveSnapshot(_ context.Context, key models.SheetKey, snap models.MarkManagerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Config = snap.Config.Clone()
	s.snaps[key] = snap
	return nil
}

func (s *MemorySnapshotStore) DeleteSnapshot(_ context.Context, key models.SheetKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, key)
	return nil
}
