package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

// ConsumedStore keeps, per sheet, the approvalUntil of each scope that a publish used up.
type ConsumedStore interface {
	LoadConsumed(ctx context.Context, key models.SheetKey) (map[models.Scope]time.Time, error)
	SaveConsumed(ctx context.Context, key models.SheetKey, consumed map[models.Scope]time.Time) error
	ClearConsumed(ctx context.Context, key models.SheetKey) error
}

type ledgerKey struct {
	sheet models.SheetKey
	scope models.Scope
}

type ledgerEntry struct {
	window   models.EditWindow
	latest   *models.EditRequest
	consumed *time.Time
}

// EditRequestLedger tracks, per sheet and scope, the latest edit request, the
// server's edit window and the approvalUntil consumed by the last publish.
type EditRequestLedger struct {
	mu      sync.Mutex
	entries map[ledgerKey]*ledgerEntry
	now     func() time.Time
}

func NewEditRequestLedger(now func() time.Time) *EditRequestLedger {
	if now == nil {
		now = time.Now
	}
	return &EditRequestLedger{
		entries: make(map[ledgerKey]*ledgerEntry),
		now:     now,
	}
}

func (l *EditRequestLedger) entry(key models.SheetKey, scope models.Scope) *ledgerEntry {
	k := ledgerKey{sheet: key, scope: scope}
	e, ok := l.entries[k]
	if !ok {
		e = &ledgerEntry{}
		l.entries[k] = e
	}
	return e
}

func (l *EditRequestLedger) ApplyWindow(key models.SheetKey, scope models.Scope, w models.EditWindow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w.ApprovalUntil = copyTime(w.ApprovalUntil)
	l.entry(key, scope).window = w
}

// InvalidateWindow drops the known edit window so that the scope's approval reads as not fresh.
func (l *EditRequestLedger) InvalidateWindow(key models.SheetKey, scope models.Scope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(key, scope).window = models.EditWindow{}
}

// RecordRequest stores a request this client has just created.
func (l *EditRequestLedger) RecordRequest(key models.SheetKey, req *models.EditRequest) {
	if req == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *req
	l.entry(key, req.Scope).latest = &cp
}

// ApplyLatest replaces the latest request with the server's view. A nil request
// keeps a locally recorded one.
func (l *EditRequestLedger) ApplyLatest(key models.SheetKey, scope models.Scope, req *models.EditRequest) {
	if req == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *req
	l.entry(key, scope).latest = &cp
}

func (l *EditRequestLedger) Latest(key models.SheetKey, scope models.Scope) *models.EditRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(key, scope)
	if e.latest == nil {
		return nil
	}
	cp := *e.latest
	return &cp
}

func (l *EditRequestLedger) Approval(key models.SheetKey, scope models.Scope) Approval {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(key, scope)
	return Approval{
		Allowed:       e.window.AllowedByApproval,
		Until:         copyTime(e.window.ApprovalUntil),
		ConsumedUntil: copyTime(e.consumed),
	}
}

// IsPending reports an unresolved request younger than models.PendingWindow.
func (l *EditRequestLedger) IsPending(key models.SheetKey, scope models.Scope) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	req := l.entry(key, scope).latest
	if req == nil {
		return false
	}
	switch req.Status {
	case models.StatusApproved, models.StatusRejected, models.StatusExpired:
		return false
	}
	return l.now().Before(req.RequestedAt.Add(models.PendingWindow))
}

// Consume records the current approvalUntil of the given scopes (all scopes when
// none are given) as used up, and returns the sheet's whole consumed record.
func (l *EditRequestLedger) Consume(key models.SheetKey, scopes ...models.Scope) map[models.Scope]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(scopes) == 0 {
		scopes = models.Scopes
	}
	for _, scope := range scopes {
		e := l.entry(key, scope)
		e.consumed = copyTime(e.window.ApprovalUntil)
	}
	out := make(map[models.Scope]time.Time, len(models.Scopes))
	for _, scope := range models.Scopes {
		if c := l.entry(key, scope).consumed; c != nil {
			out[scope] = *c
		}
	}
	return out
}

func (l *EditRequestLedger) SetConsumed(key models.SheetKey, scope models.Scope, until *time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(key, scope).consumed = copyTime(until)
}

func (l *EditRequestLedger) RestoreConsumed(key models.SheetKey, consumed map[models.Scope]time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for scope, until := range consumed {
		until := until
		l.entry(key, scope).consumed = &until
	}
}

// Reset forgets everything known about a sheet.
func (l *EditRequestLedger) Reset(key models.SheetKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, scope := range models.Scopes {
		delete(l.entries, ledgerKey{sheet: key, scope: scope})
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// MemoryConsumedStore keeps consumed records for the life of the process.
type MemoryConsumedStore struct {
	mu      sync.Mutex
	records map[models.SheetKey]map[models.Scope]time.Time
}

func NewMemoryConsumedStore() *MemoryConsumedStore {
	return &MemoryConsumedStore{records: make(map[models.SheetKey]map[models.Scope]time.Time)}
}

func (m *MemoryConsumedStore) LoadConsumed(_ context.Context, key models.SheetKey) (map[models.Scope]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.Scope]time.Time, len(m.records[key]))
	for k, v := range m.records[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryConsumedStore) SaveConsumed(_ context.Context, key models.SheetKey, consumed map[models.Scope]time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := make(map[models.Scope]time.Time, len(consumed))
	for k, v := range consumed {
		rec[k] = v
	}
	m.records[key] = rec
	return nil
}

func (m *MemoryConsumedStore) ClearConsumed(_ context.Context, key models.SheetKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}
