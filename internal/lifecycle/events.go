package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

type EventType string

const (
	EventContextSwitched   EventType = "context_switched"
	EventLockStateChanged  EventType = "lock_state_changed"
	EventSnapshotChanged   EventType = "snapshot_changed"
	EventApprovalArrived   EventType = "approval_arrived"
	EventPublished         EventType = "published"
	EventDraftReloaded     EventType = "draft_reloaded"
	EventDraftSaved        EventType = "draft_saved"
	EventSyncStatusChanged EventType = "sync_status_changed"
	EventEditRequested     EventType = "edit_requested"
	EventSessionExpired    EventType = "session_expired"
)

// Event is delivered synchronously, after the session has released its lock.
type Event struct {
	Type       EventType
	Key        models.SheetKey
	Generation uint64
	At         time.Time

	State    LockState
	Snapshot SnapshotState
	Sync     SyncStatus
	Scope    models.Scope
	Request  *models.EditRequest
	Err      error
}

type Handler func(Event) error

var ErrBusClosed = errors.New("event bus is closed")

type subscription struct {
	id      int
	handler Handler
}

// EventBus fans lifecycle events out to subscribers. Handlers run on the
// publisher's goroutine; a failing or panicking handler is logged and skipped.
type EventBus struct {
	mu     sync.RWMutex
	byType map[EventType][]subscription
	all    []subscription
	nextID int
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{byType: make(map[EventType][]subscription)}
}

// Subscribe registers h for one event type and returns a function that removes it.
func (b *EventBus) Subscribe(t EventType, h Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("handler cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscription{id: id, handler: h})
	return func() { b.unsubscribe(t, id) }, nil
}

func (b *EventBus) SubscribeAll(h Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("handler cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})
	return func() { b.unsubscribe("", id) }, nil
}

func (b *EventBus) unsubscribe(t EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remove := func(subs []subscription) []subscription {
		out := subs[:0]
		for _, s := range subs {
			if s.id != id {
				out = append(out, s)
			}
		}
		return out
	}
	if t == "" {
		b.all = remove(b.all)
		return
	}
	b.byType[t] = remove(b.byType[t])
}

func (b *EventBus) Publish(e Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]Handler, 0, len(b.byType[e.Type])+len(b.all))
	for _, s := range b.byType[e.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.all {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.execute(e, h); err != nil {
			logger.Error.Printf("event handler failed for %s on %s: %v", e.Type, e.Key, err)
		}
	}
	return nil
}

func (b *EventBus) execute(e Event, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(e)
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.byType = make(map[EventType][]subscription)
	b.all = nil
}
