package lifecycle

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"
	"github.com/volatiletech/null/v8"
	"golang.org/x/sync/errgroup"

	"github.com/shrimpsizemoose/markgate/internal/metrics"
	"github.com/shrimpsizemoose/markgate/internal/models"
	"github.com/shrimpsizemoose/markgate/internal/scoring"
)

const (
	DefaultAutosaveDebounce = 700 * time.Millisecond
	autosaveTimeout         = 15 * time.Second
)

var ErrNoContext = errors.New("no sheet selected")

type Options struct {
	Backend   Backend
	Registry  *scoring.Registry
	Snapshots SnapshotStore
	Consumed  ConsumedStore
	Bus       *EventBus

	AutosaveDebounce time.Duration
	Sync             SyncConfig
	Now              func() time.Time
}

type RowView struct {
	Row        models.StudentMarkRow
	Attainment scoring.Attainment
}

// Session owns the lifecycle state of the one sheet being edited. State lives
// behind mu; backend calls are made without holding it and their results are
// dropped if the sheet changed in the meantime.
type Session struct {
	backend   Backend
	registry  *scoring.Registry
	snapshots SnapshotStore
	consumed  ConsumedStore
	bus       *EventBus
	syncer    *Syncer
	ledger    *EditRequestLedger
	publisher *PublishCoordinator
	debounce  time.Duration
	now       func() time.Time

	mu         sync.Mutex
	generation uint64
	active     bool
	key        models.SheetKey
	teaching   models.TeachingContext
	variant    scoring.Variant
	config     models.AssessmentConfig

	draft    models.DraftPayload
	dirty    bool
	editSeq  uint64
	autosave *time.Timer

	window       models.PublishWindow
	windowStatus FetchStatus
	markLock     *models.MarkTableLock
	lockStatus   FetchStatus

	justPublished bool
	publishedAt   time.Time

	snap        SnapshotMachine
	state       LockState
	watcher     entryWatcher
	confirmSync SyncStatus
	draftSync   SyncStatus
}

func NewSession(opts Options) (*Session, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if opts.Registry == nil {
		reg, err := scoring.NewRegistry(nil)
		if err != nil {
			return nil, err
		}
		opts.Registry = reg
	}
	if opts.Snapshots == nil {
		opts.Snapshots = NewMemorySnapshotStore()
	}
	if opts.Consumed == nil {
		opts.Consumed = NewMemoryConsumedStore()
	}
	if opts.Bus == nil {
		opts.Bus = NewEventBus()
	}
	if opts.AutosaveDebounce <= 0 {
		opts.AutosaveDebounce = DefaultAutosaveDebounce
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ledger := NewEditRequestLedger(opts.Now)
	s := &Session{
		backend:      opts.Backend,
		registry:     opts.Registry,
		snapshots:    opts.Snapshots,
		consumed:     opts.Consumed,
		bus:          opts.Bus,
		syncer:       NewSyncer(opts.Sync),
		ledger:       ledger,
		publisher:    NewPublishCoordinator(opts.Backend, ledger, opts.Now),
		debounce:     opts.AutosaveDebounce,
		now:          opts.Now,
		windowStatus: FetchLoading,
		lockStatus:   FetchLoading,
		confirmSync:  SyncIdle,
		draftSync:    SyncIdle,
	}
	s.state = ResolveLockState(s.inputsLocked())
	return s, nil
}

func (s *Session) Bus() *EventBus { return s.bus }

// SwitchContext selects a new sheet. Everything known about the previous sheet is
// discarded and responses still in flight for it are ignored.
func (s *Session) SwitchContext(ctx context.Context, key models.SheetKey, tc models.TeachingContext, override *models.ConfigOverride) error {
	variant, err := s.registry.Variant(key.Assessment)
	if err != nil {
		return models.NewValidationError("assessment", "%v", err)
	}
	if override != nil {
		if err := override.Validate(); err != nil {
			return models.NewValidationError("config", "%v", err)
		}
	}
	cfg := variant.Resolve(override)

	snap, err := s.snapshots.LoadSnapshot(ctx, key)
	if err != nil {
		logger.Error.Printf("Failed to load snapshot for %s: %v", key, err)
		snap = nil
	}
	consumed, err := s.consumed.LoadConsumed(ctx, key)
	if err != nil {
		logger.Error.Printf("Failed to load consumed approvals for %s: %v", key, err)
		consumed = nil
	}

	s.mu.Lock()
	s.stopAutosaveLocked()
	if s.active {
		s.ledger.Reset(s.key)
	}
	s.generation++
	s.active = true
	s.key = key
	s.teaching = tc
	s.variant = variant
	s.config = cfg

	s.ledger.Reset(key)
	s.ledger.RestoreConsumed(key, consumed)

	s.draft = models.DraftPayload{SelectedBTLs: cfg.Visible()}
	s.dirty = false
	s.window = models.PublishWindow{}
	s.windowStatus = FetchLoading
	s.markLock = nil
	s.lockStatus = FetchLoading
	s.justPublished = false
	s.publishedAt = time.Time{}
	s.snap.Restore(snap, false)
	s.watcher = entryWatcher{}
	s.confirmSync = SyncIdle
	s.draftSync = SyncIdle
	s.state = ResolveLockState(s.inputsLocked())
	events := []Event{s.eventLocked(EventContextSwitched)}
	s.mu.Unlock()

	logger.Info.Printf("Switched to %s (snapshot %s)", key, s.SnapshotState())
	s.emit(events)
	return nil
}

// RefreshAll loads the draft and every lock signal concurrently. A failed fetch
// leaves its signal in the fail-closed state; the first error is returned.
func (s *Session) RefreshAll(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return s.LoadDraft(ctx) })
	g.Go(func() error { return s.RefreshPublishWindow(ctx) })
	g.Go(func() error { return s.RefreshMarkTableLock(ctx) })
	g.Go(func() error { return s.RefreshEditWindows(ctx) })
	return g.Wait()
}

func (s *Session) RefreshPublishWindow(ctx context.Context) error {
	return s.refreshPublishWindow(ctx, false)
}

func (s *Session) RefreshMarkTableLock(ctx context.Context) error {
	return s.refreshMarkTableLock(ctx, false)
}

func (s *Session) RefreshEditWindows(ctx context.Context) error {
	return s.refreshEditWindows(ctx)
}

func (s *Session) refreshPublishWindow(ctx context.Context, silent bool) error {
	gen, key, tc, events, err := s.begin(func() {
		if !silent {
			s.windowStatus = FetchLoading
		}
	})
	if err != nil {
		return err
	}
	s.emit(events)

	w, err := s.backend.FetchPublishWindow(ctx, key, tc)
	if err == nil && w == nil {
		err = errors.New("empty publish window")
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.windowStatus = FetchFailed
	} else {
		s.window = *w
		s.windowStatus = FetchReady
	}
	events, reload := s.recomputeLocked()
	s.mu.Unlock()

	return s.finish(ctx, gen, events, reload, wrapCall("fetch publish window", err))
}

func (s *Session) refreshMarkTableLock(ctx context.Context, silent bool) error {
	gen, key, tc, events, err := s.begin(func() {
		if !silent {
			s.lockStatus = FetchLoading
		}
	})
	if err != nil {
		return err
	}
	s.emit(events)

	lock, err := s.backend.FetchMarkTableLock(ctx, key, tc)
	if err == nil && lock == nil {
		err = errors.New("empty lock")
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.markLock = nil
		s.lockStatus = FetchFailed
		events = nil
	} else {
		cp := *lock
		s.markLock = &cp
		s.lockStatus = FetchReady
		if s.justPublished && (cp.IsPublished || cp.UpdatedAt.After(s.publishedAt)) {
			s.justPublished = false
		}
		events = nil
		if cp.Exists && cp.IsPublished && s.snap.State() == SnapshotConfirmed && s.snap.Relock() {
			events = append(events, s.eventLocked(EventSnapshotChanged))
		}
	}
	more, reload := s.recomputeLocked()
	events = append(events, more...)
	s.mu.Unlock()

	return s.finish(ctx, gen, events, reload, wrapCall("fetch mark table lock", err))
}

func (s *Session) refreshEditWindows(ctx context.Context) error {
	gen, key, tc, _, err := s.begin(nil)
	if err != nil {
		return err
	}

	type result struct {
		window    *models.EditWindow
		windowErr error
		latest    *models.EditRequest
	}
	results := make(map[models.Scope]result, len(models.Scopes))
	var firstErr error
	for _, scope := range models.Scopes {
		var r result
		r.window, r.windowErr = s.backend.FetchEditWindow(ctx, key, scope, tc)
		if r.windowErr == nil && r.window == nil {
			r.windowErr = errors.New("empty edit window")
		}
		if r.windowErr != nil && firstErr == nil {
			firstErr = r.windowErr
		}
		latest, err := s.backend.FetchMyLatestEditRequest(ctx, key, scope, tc)
		if err != nil {
			logger.Debug.Printf("No latest %s request for %s: %v", scope, key, err)
		} else {
			r.latest = latest
		}
		results[scope] = r
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil
	}
	for scope, r := range results {
		if r.windowErr != nil {
			s.ledger.InvalidateWindow(key, scope)
		} else {
			s.ledger.ApplyWindow(key, scope, *r.window)
		}
		s.ledger.ApplyLatest(key, scope, r.latest)
	}
	events, reload := s.recomputeLocked()
	s.mu.Unlock()

	return s.finish(ctx, gen, events, reload, wrapCall("fetch edit window", firstErr))
}

// LoadDraft replaces the local draft with the server's. A missing draft keeps
// the local rows.
func (s *Session) LoadDraft(ctx context.Context) error {
	gen, key, _, _, err := s.begin(nil)
	if err != nil {
		return err
	}
	d, err := s.backend.FetchDraft(ctx, key)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		err = wrapCall("fetch draft", err)
		s.finish(ctx, gen, nil, false, err)
		return err
	}
	var events []Event
	if d != nil {
		s.stopAutosaveLocked()
		s.draft = copyPayload(d.DraftPayload)
		if len(s.draft.SelectedBTLs) == 0 {
			s.draft.SelectedBTLs = s.config.Visible()
		}
		s.dirty = false
		events = append(events, s.eventLocked(EventDraftReloaded))
	}
	s.mu.Unlock()

	s.emit(events)
	return nil
}

func (s *Session) reloadDraft(ctx context.Context, gen uint64) {
	s.mu.Lock()
	current := s.generation == gen
	s.mu.Unlock()
	if !current {
		return
	}
	logger.Info.Printf("Mark entry reopened, reloading draft")
	if err := s.LoadDraft(ctx); err != nil {
		logger.Error.Printf("Failed to reload draft: %v", err)
	}
}

// MergeRoster adds students missing from the draft with no mark. Existing rows are kept.
func (s *Session) MergeRoster(rows []models.StudentMarkRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]bool, len(s.draft.Sheet.Rows))
	for _, r := range s.draft.Sheet.Rows {
		known[r.StudentID] = true
	}
	for _, r := range rows {
		if known[r.StudentID] {
			continue
		}
		r.Total = null.Float64{}
		s.draft.Sheet.Rows = append(s.draft.Sheet.Rows, r)
		known[r.StudentID] = true
	}
}

// SetMark records a total, clamped to [0, MaxTotal]. An invalid total clears the mark.
func (s *Session) SetMark(studentID string, total null.Float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNoContext
	}
	if s.state.MarksEditDisabled {
		return models.NewConflictError("marks are read-only for %s", s.key)
	}
	if total.Valid && (math.IsNaN(total.Float64) || math.IsInf(total.Float64, 0)) {
		return models.NewValidationError("total", "not a number")
	}
	cfg := s.effectiveConfigLocked()
	for i := range s.draft.Sheet.Rows {
		if s.draft.Sheet.Rows[i].StudentID != studentID {
			continue
		}
		if total.Valid {
			total = null.Float64From(models.ClampMark(total.Float64, cfg.MaxTotal))
		}
		s.draft.Sheet.Rows[i].Total = total
		s.scheduleAutosaveLocked()
		return nil
	}
	return models.NewValidationError("student_id", "unknown student %q", studentID)
}

// SetSelectedBTLs changes the visible BTLs. Only possible while the mark
// manager is not frozen by a snapshot.
func (s *Session) SetSelectedBTLs(btls []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNoContext
	}
	if s.snap.Locked() {
		return models.NewConflictError("mark manager is locked; request access to change it")
	}
	for _, b := range btls {
		if b < models.MinBTL || b > models.MaxBTL {
			return models.NewValidationError("selected_btls", "BTL %d out of range", b)
		}
	}
	s.draft.SelectedBTLs = scoring.WithSelection(s.config, btls).VisibleBTLs
	s.scheduleAutosaveLocked()
	return nil
}

// SetSplits stores the header-level split amounts of review variants.
func (s *Session) SetSplits(splits [][]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNoContext
	}
	if s.state.MarksEditDisabled {
		return models.NewConflictError("marks are read-only for %s", s.key)
	}
	out := make([][]float64, len(splits))
	for i, split := range splits {
		for _, v := range split {
			if v < 0 || math.IsNaN(v) {
				return models.NewValidationError("co_splits", "split amounts must be non-negative")
			}
		}
		out[i] = append([]float64(nil), split...)
	}
	s.draft.Sheet.COSplits = out
	s.scheduleAutosaveLocked()
	return nil
}

// SaveNow flushes the draft immediately and reports the result.
func (s *Session) SaveNow(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return ErrNoContext
	}
	s.stopAutosaveLocked()
	payload := copyPayload(s.draft)
	gen := s.generation
	s.mu.Unlock()

	if err := payload.Validate(); err != nil {
		return models.NewValidationError("draft", "%v", err)
	}
	return s.save(ctx, gen, "explicit")
}

func (s *Session) scheduleAutosaveLocked() {
	s.dirty = true
	s.editSeq++
	s.stopAutosaveLocked()
	gen := s.generation
	s.autosave = time.AfterFunc(s.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), autosaveTimeout)
		defer cancel()
		if err := s.save(ctx, gen, "autosave"); err != nil {
			logger.Error.Printf("Autosave failed: %v", err)
		}
	})
}

func (s *Session) stopAutosaveLocked() {
	if s.autosave != nil {
		s.autosave.Stop()
		s.autosave = nil
	}
}

func (s *Session) save(ctx context.Context, gen uint64, trigger string) error {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil
	}
	key := s.key
	payload := copyPayload(s.draft)
	seq := s.editSeq
	s.draftSync = SyncPending
	events := []Event{s.eventLocked(EventSyncStatusChanged)}
	s.mu.Unlock()
	s.emit(events)

	err := s.backend.SaveDraft(ctx, key, payload)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.DraftSaves.WithLabelValues(trigger, result).Inc()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.draftSync = SyncFailed
	} else {
		s.draftSync = SyncConfirmed
		if s.editSeq == seq {
			s.dirty = false
		}
	}
	events = []Event{s.eventLocked(EventSyncStatusChanged)}
	if err == nil {
		events = append(events, s.eventLocked(EventDraftSaved))
	}
	s.mu.Unlock()

	err = wrapCall("save draft", err)
	s.finish(ctx, gen, events, false, err)
	return err
}

// Confirm freezes the current config in a snapshot, stores it locally and then
// asks the server for the mark-manager lock. A failed server sync is reported
// through ConfirmSyncStatus only; the local snapshot stays.
func (s *Session) Confirm(ctx context.Context) (models.MarkManagerSnapshot, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return models.MarkManagerSnapshot{}, ErrNoContext
	}
	if s.state.LockStatusUnknown {
		s.mu.Unlock()
		return models.MarkManagerSnapshot{}, models.NewTransientError("confirm", errors.New("lock status is not known yet"))
	}
	serverLocked := s.state.IsPublished && !s.state.MarkManagerApprovedFresh
	cfg := scoring.WithSelection(s.config, s.draft.SelectedBTLs)
	managerApproval := s.ledger.Approval(s.key, models.ScopeMarkManager)
	prev := s.snap
	snap, err := s.snap.Confirm(cfg, serverLocked, s.now(), managerApproval.Until)
	if err != nil {
		s.mu.Unlock()
		return models.MarkManagerSnapshot{}, err
	}
	gen, key, tc := s.generation, s.key, s.teaching
	var consumed map[models.Scope]time.Time
	if prev.State() == ReopenedByApproval {
		consumed = s.ledger.Consume(key, models.ScopeMarkManager)
	}
	s.confirmSync = SyncPending
	events := []Event{s.eventLocked(EventSnapshotChanged), s.eventLocked(EventSyncStatusChanged)}
	more, _ := s.recomputeLocked()
	events = append(events, more...)
	s.mu.Unlock()
	s.emit(events)

	if err := s.snapshots.SaveSnapshot(ctx, key, snap); err != nil {
		s.mu.Lock()
		if s.generation == gen {
			s.snap = prev
			s.ledger.SetConsumed(key, models.ScopeMarkManager, managerApproval.ConsumedUntil)
			s.confirmSync = SyncIdle
			events = []Event{s.eventLocked(EventSnapshotChanged)}
			more, _ = s.recomputeLocked()
			events = append(events, more...)
		}
		s.mu.Unlock()
		s.emit(events)
		return models.MarkManagerSnapshot{}, models.NewTransientError("store snapshot", err)
	}
	logger.Info.Printf("Confirmed mark manager for %s (hash %s)", key, snap.ConfigHash)
	if consumed != nil {
		if err := s.consumed.SaveConsumed(ctx, key, consumed); err != nil {
			logger.Error.Printf("Failed to store consumed approvals for %s: %v", key, err)
		}
	}

	err = s.syncer.Run(ctx, "confirm mark manager lock", func(ctx context.Context) error {
		return s.backend.ConfirmMarkManagerLock(ctx, key, tc)
	})

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return snap, nil
	}
	if err != nil {
		s.confirmSync = SyncFailed
		logger.Error.Printf("Failed to acquire server lock for %s: %v", key, err)
	} else {
		s.confirmSync = SyncConfirmed
	}
	events = []Event{s.eventLocked(EventSyncStatusChanged)}
	s.mu.Unlock()
	s.emit(events)

	if err == nil {
		if err := s.refreshMarkTableLock(ctx, true); err != nil {
			logger.Debug.Printf("Lock refresh after confirm failed: %v", err)
		}
	}
	return snap, nil
}

// RequestAccess asks for the mark manager to be reopened.
func (s *Session) RequestAccess(ctx context.Context, reason string) (*models.EditRequest, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, ErrNoContext
	}
	err := s.snap.CanRequestAccess()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.requestEdit(ctx, models.ScopeMarkManager, reason)
}

// RequestEditAccess asks for mark entry on a published, locked sheet.
func (s *Session) RequestEditAccess(ctx context.Context, reason string) (*models.EditRequest, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, ErrNoContext
	}
	locked := s.state.PublishedEditLocked
	s.mu.Unlock()
	if !locked {
		return nil, models.NewConflictError("mark entry is not locked")
	}
	return s.requestEdit(ctx, models.ScopeMarkEntry, reason)
}

func (s *Session) requestEdit(ctx context.Context, scope models.Scope, reason string) (*models.EditRequest, error) {
	gen, key, tc, _, err := s.begin(nil)
	if err != nil {
		return nil, err
	}
	if s.ledger.IsPending(key, scope) {
		return nil, models.NewConflictError("a %s request is already pending", scope)
	}
	in := models.EditRequestInput{Key: key, Scope: scope, Reason: reason, Teaching: tc}
	if err := in.Validate(); err != nil {
		return nil, models.NewValidationError("reason", "%v", err)
	}

	req, err := s.backend.CreateEditRequest(ctx, in)
	if err == nil && req == nil {
		err = errors.New("empty edit request")
	}
	if err != nil {
		err = wrapCall("create edit request", err)
		s.finish(ctx, gen, nil, false, err)
		return nil, err
	}
	metrics.EditRequests.WithLabelValues(string(scope), string(req.Status)).Inc()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return req, nil
	}
	s.ledger.RecordRequest(key, req)
	ev := s.eventLocked(EventEditRequested)
	ev.Scope = scope
	ev.Request = req
	s.mu.Unlock()

	s.emit([]Event{ev})
	return req, nil
}

func (s *Session) RequestPublishApproval(ctx context.Context, reason string) error {
	gen, key, tc, _, err := s.begin(nil)
	if err != nil {
		return err
	}
	in := models.PublishRequestInput{Key: key, Reason: reason, Teaching: tc}
	if err := in.Validate(); err != nil {
		return models.NewValidationError("reason", "%v", err)
	}
	if err := s.backend.CreatePublishRequest(ctx, in); err != nil {
		err = wrapCall("create publish request", err)
		s.finish(ctx, gen, nil, false, err)
		return err
	}
	logger.Info.Printf("Requested publish approval for %s", key)
	return nil
}

// Publish sends the sheet to the server. Unsaved edits are flushed to the
// draft first so the stored draft never lags the published marks. On success
// the sheet reads as published at once, the approvals in force are recorded
// as consumed and the snapshot is relocked.
func (s *Session) Publish(ctx context.Context) (PublishResult, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return PublishResult{}, ErrNoContext
	}
	in := s.publishInputLocked()
	gen := s.generation
	seq := s.editSeq
	dirty := s.dirty
	s.mu.Unlock()

	if dirty && s.publisher.Check(in) == nil {
		s.mu.Lock()
		s.stopAutosaveLocked()
		s.mu.Unlock()
		if err := s.save(ctx, gen, "publish"); err != nil {
			return PublishResult{}, err
		}
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			return PublishResult{}, nil
		}
		in = s.publishInputLocked()
		seq = s.editSeq
		s.mu.Unlock()
	}

	res, err := s.publisher.Publish(ctx, in)
	if err != nil {
		s.finish(ctx, gen, nil, false, err)
		return PublishResult{}, err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return res, nil
	}
	// edits made while the publish was in flight keep their autosave
	if s.editSeq == seq {
		s.stopAutosaveLocked()
		s.dirty = false
	}
	s.justPublished = true
	s.publishedAt = res.PublishedAt
	events := []Event{s.eventLocked(EventPublished)}
	if s.snap.Relock() {
		events = append(events, s.eventLocked(EventSnapshotChanged))
	}
	more, reload := s.recomputeLocked()
	events = append(events, more...)
	key := s.key
	s.mu.Unlock()

	if err := s.consumed.SaveConsumed(ctx, key, res.Consumed); err != nil {
		logger.Error.Printf("Failed to store consumed approvals for %s: %v", key, err)
	}
	s.finish(ctx, gen, events, reload, nil)
	if err := s.refreshMarkTableLock(ctx, true); err != nil {
		logger.Debug.Printf("Lock refresh after publish failed: %v", err)
	}
	return res, nil
}

func (s *Session) publishInputLocked() PublishInput {
	return PublishInput{
		Key:         s.key,
		Teaching:    s.teaching,
		Sheet:       copyPayload(s.draft).Sheet,
		Variant:     s.variant,
		Config:      s.effectiveConfigLocked(),
		Window:      s.window,
		WindowKnown: s.windowStatus == FetchReady,
		Lock:        s.state,
	}
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAutosaveLocked()
	s.active = false
	s.generation++
}

func (s *Session) Key() models.SheetKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) LockState() LockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SnapshotState() SnapshotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.State()
}

func (s *Session) Snapshot() *models.MarkManagerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Snapshot()
}

func (s *Session) ConfirmSyncStatus() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmSync
}

func (s *Session) DraftSyncStatus() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draftSync
}

// Dirty reports local edits that the server has not acknowledged yet.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Session) PublishWindow() (models.PublishWindow, FetchStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window, s.windowStatus
}

func (s *Session) Draft() models.DraftPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPayload(s.draft)
}

// Config is the config marks are distributed with: the snapshot's while frozen,
// otherwise the live one.
func (s *Session) Config() models.AssessmentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveConfigLocked()
}

func (s *Session) IsPending(scope models.Scope) bool {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	return s.ledger.IsPending(key, scope)
}

func (s *Session) LatestRequest(scope models.Scope) *models.EditRequest {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	return s.ledger.Latest(key, scope)
}

func (s *Session) Rows() []RowView {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.effectiveConfigLocked()
	out := make([]RowView, len(s.draft.Sheet.Rows))
	for i, r := range s.draft.Sheet.Rows {
		out[i] = RowView{Row: r, Attainment: scoring.Attain(r.Total, cfg)}
	}
	return out
}

// pollLockWanted is true while the server lock is worth polling: published and
// locked, or not known.
func (s *Session) pollLockWanted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && (s.state.PublishedEditLocked || s.state.LockStatusUnknown)
}

func (s *Session) effectiveConfigLocked() models.AssessmentConfig {
	if s.snap.Locked() {
		if snap := s.snap.Snapshot(); snap != nil {
			return snap.Config
		}
	}
	return scoring.WithSelection(s.config, s.draft.SelectedBTLs)
}

func (s *Session) inputsLocked() LockInputs {
	global := true
	if s.windowStatus == FetchReady {
		global = s.window.GlobalLocked()
	}
	var lock *models.MarkTableLock
	if s.markLock != nil {
		cp := *s.markLock
		lock = &cp
	}
	return LockInputs{
		GlobalLocked:        global,
		LockFetch:           s.lockStatus,
		MarkLock:            lock,
		JustPublished:       s.justPublished,
		MarkManagerLocked:   s.snap.Locked(),
		MarkEntryApproval:   s.ledger.Approval(s.key, models.ScopeMarkEntry),
		MarkManagerApproval: s.ledger.Approval(s.key, models.ScopeMarkManager),
	}
}

// recomputeLocked re-resolves the lock state and applies its consequences to the
// snapshot. reload is set when mark entry has just reopened.
func (s *Session) recomputeLocked() (events []Event, reload bool) {
	prev := s.state
	st := ResolveLockState(s.inputsLocked())
	s.state = st

	if s.snap.ApplyApproval(st.MarkManagerApprovedFresh) {
		events = append(events, s.eventLocked(EventSnapshotChanged))
		if s.snap.State() == ReopenedByApproval {
			ev := s.eventLocked(EventApprovalArrived)
			ev.Scope = models.ScopeMarkManager
			events = append(events, ev)
		}
		st = ResolveLockState(s.inputsLocked())
		s.state = st
	}
	if st.MarkEntryApprovedFresh && !prev.MarkEntryApprovedFresh {
		ev := s.eventLocked(EventApprovalArrived)
		ev.Scope = models.ScopeMarkEntry
		events = append(events, ev)
	}

	if st != prev {
		logger.Debug.Printf("Lock state of %s: %+v", s.key, st)
		events = append(events, s.eventLocked(EventLockStateChanged))
	}
	if s.active {
		blocked := 0.0
		if st.TableBlocked {
			blocked = 1
		}
		metrics.TableBlocked.WithLabelValues(s.key.String()).Set(blocked)
	}
	if !st.LockStatusUnknown {
		reload = s.watcher.observe(st.EntryOpen)
	}
	return events, reload
}

func (s *Session) eventLocked(t EventType) Event {
	return Event{
		Type:       t,
		Key:        s.key,
		Generation: s.generation,
		At:         s.now(),
		State:      s.state,
		Snapshot:   s.snap.State(),
		Sync:       s.confirmSync,
	}
}

// begin captures the current generation and runs mark, if any, under the lock.
func (s *Session) begin(mark func()) (uint64, models.SheetKey, models.TeachingContext, []Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return 0, models.SheetKey{}, models.TeachingContext{}, nil, ErrNoContext
	}
	var events []Event
	if mark != nil {
		mark()
		events, _ = s.recomputeLocked()
	}
	return s.generation, s.key, s.teaching, events, nil
}

// finish publishes events collected under the lock, reports an expired session
// and performs an edge-triggered draft reload.
func (s *Session) finish(ctx context.Context, gen uint64, events []Event, reload bool, err error) error {
	if errors.Is(err, models.ErrPermission) {
		s.mu.Lock()
		if s.generation == gen {
			ev := s.eventLocked(EventSessionExpired)
			ev.Err = err
			events = append(events, ev)
		}
		s.mu.Unlock()
	}
	s.emit(events)
	if reload {
		s.reloadDraft(ctx, gen)
	}
	return err
}

func (s *Session) emit(events []Event) {
	for _, e := range events {
		if err := s.bus.Publish(e); err != nil && !errors.Is(err, ErrBusClosed) {
			logger.Error.Printf("Failed to publish %s: %v", e.Type, err)
		}
	}
}

// wrapCall keeps typed errors and turns anything else into a TransientError.
func wrapCall(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{models.ErrValidation, models.ErrPermission, models.ErrConflict, models.ErrTransient} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return models.NewTransientError(op, err)
}

func copyPayload(p models.DraftPayload) models.DraftPayload {
	out := models.DraftPayload{
		Sheet: models.Sheet{
			Rows:     append([]models.StudentMarkRow(nil), p.Sheet.Rows...),
			COSplits: make([][]float64, len(p.Sheet.COSplits)),
		},
		SelectedBTLs: append([]int(nil), p.SelectedBTLs...),
	}
	for i, split := range p.Sheet.COSplits {
		out.Sheet.COSplits[i] = append([]float64(nil), split...)
	}
	return out
}
