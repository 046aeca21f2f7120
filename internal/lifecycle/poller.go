package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/shrimpsizemoose/trekker/logger"
)

type PollIntervals struct {
	PublishWindow time.Duration
	MarkTableLock time.Duration
	EditWindows   time.Duration
}

func DefaultPollIntervals() PollIntervals {
	return PollIntervals{
		PublishWindow: 30 * time.Second,
		MarkTableLock: 30 * time.Second,
		EditWindows:   45 * time.Second,
	}
}

const pollTimeout = 10 * time.Second

// Poller refreshes a session's lock signals on a schedule. Jobs are tagged with
// the session generation they were created for and replaced on every context switch.
type Poller struct {
	session   *Session
	intervals PollIntervals
	scheduler *gocron.Scheduler

	mu          sync.Mutex
	tag         string
	unsubscribe func()
}

func NewPoller(session *Session, intervals PollIntervals) *Poller {
	def := DefaultPollIntervals()
	if intervals.PublishWindow <= 0 {
		intervals.PublishWindow = def.PublishWindow
	}
	if intervals.MarkTableLock <= 0 {
		intervals.MarkTableLock = def.MarkTableLock
	}
	if intervals.EditWindows <= 0 {
		intervals.EditWindows = def.EditWindows
	}
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	return &Poller{
		session:   session,
		intervals: intervals,
		scheduler: scheduler,
	}
}

// Start schedules jobs for the current sheet and follows context switches.
func (p *Poller) Start() error {
	unsubscribe, err := p.session.Bus().Subscribe(EventContextSwitched, func(Event) error {
		return p.Reschedule()
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()

	if err := p.Reschedule(); err != nil {
		return err
	}
	p.scheduler.StartAsync()
	return nil
}

// Reschedule drops the jobs of the previous sheet and registers fresh ones.
func (p *Poller) Reschedule() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tag != "" {
		if err := p.scheduler.RemoveByTag(p.tag); err != nil {
			logger.Debug.Printf("No jobs to remove for %s: %v", p.tag, err)
		}
	}
	gen := p.session.Generation()
	p.tag = fmt.Sprintf("gen-%d", gen)

	jobs := []struct {
		name  string
		every time.Duration
		run   func(ctx context.Context) error
	}{
		{"publish-window", p.intervals.PublishWindow, func(ctx context.Context) error {
			return p.session.refreshPublishWindow(ctx, true)
		}},
		{"mark-table-lock", p.intervals.MarkTableLock, func(ctx context.Context) error {
			if !p.session.pollLockWanted() {
				return nil
			}
			return p.session.refreshMarkTableLock(ctx, true)
		}},
		{"edit-windows", p.intervals.EditWindows, func(ctx context.Context) error {
			return p.session.refreshEditWindows(ctx)
		}},
	}
	for _, job := range jobs {
		job := job
		_, err := p.scheduler.Every(job.every).WaitForSchedule().Tag(p.tag, job.name).Do(func() {
			if p.session.Generation() != gen {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
			defer cancel()
			if err := job.run(ctx); err != nil && err != ErrNoContext {
				logger.Debug.Printf("Poll %s failed: %v", job.name, err)
			}
		})
		if err != nil {
			return fmt.Errorf("error scheduling %s: %w", job.name, err)
		}
	}
	logger.Debug.Printf("Polling scheduled for generation %d", gen)
	return nil
}

// Tag is the scheduler tag of the current jobs.
func (p *Poller) Tag() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tag
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.mu.Unlock()
	p.scheduler.Stop()
}
