package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/metrics"
	"github.com/shrimpsizemoose/markgate/internal/models"
	"github.com/shrimpsizemoose/markgate/internal/scoring"
)

type PublishInput struct {
	Key      models.SheetKey
	Teaching models.TeachingContext
	Sheet    models.Sheet
	Variant  scoring.Variant
	Config   models.AssessmentConfig

	Window      models.PublishWindow
	WindowKnown bool
	Lock        LockState
}

type PublishResult struct {
	PublishedAt time.Time
	Consumed    map[models.Scope]time.Time
}

// PublishCoordinator checks the publish preconditions, performs the publish and
// records the approvals it used up.
type PublishCoordinator struct {
	backend Backend
	ledger  *EditRequestLedger
	now     func() time.Time
}

func NewPublishCoordinator(backend Backend, ledger *EditRequestLedger, now func() time.Time) *PublishCoordinator {
	if now == nil {
		now = time.Now
	}
	return &PublishCoordinator{backend: backend, ledger: ledger, now: now}
}

// Check returns the first failing precondition. A ConflictError means the
// caller should offer an edit request instead.
func (c *PublishCoordinator) Check(in PublishInput) error {
	now := c.now()
	if in.Window.GlobalLocked() {
		return models.NewPermissionError("publishing disabled by administrator", nil)
	}
	if !in.WindowKnown {
		return models.NewTransientError("publish window", errors.New("publish window is not known yet"))
	}
	if !in.Window.PublishAllowed(now) {
		return models.NewPermissionError("publish window has closed; request publish approval", nil)
	}
	if err := scoring.ValidateSplits(in.Variant, in.Config, in.Sheet.COSplits); err != nil {
		return err
	}
	if in.Lock.IsPublished && in.Lock.PublishedEditLocked {
		return models.NewConflictError("marks are already published and locked; request edit access")
	}
	if in.Lock.LockStatusUnknown {
		return models.NewTransientError("mark table lock", errors.New("lock status is not known yet"))
	}
	return nil
}

func (c *PublishCoordinator) Publish(ctx context.Context, in PublishInput) (PublishResult, error) {
	if err := c.Check(in); err != nil {
		metrics.PublishAttempts.WithLabelValues(string(in.Key.Assessment), outcomeOf(err)).Inc()
		return PublishResult{}, err
	}

	sheet := in.Sheet.ClampTotals(in.Config.MaxTotal)
	if err := c.backend.Publish(ctx, in.Key, sheet, in.Teaching); err != nil {
		if retryable(err) && !errors.Is(err, models.ErrTransient) {
			err = models.NewTransientError("publish", err)
		}
		metrics.PublishAttempts.WithLabelValues(string(in.Key.Assessment), outcomeOf(err)).Inc()
		logger.Error.Printf("publish of %s failed: %v", in.Key, err)
		return PublishResult{}, err
	}

	res := PublishResult{
		PublishedAt: c.now(),
		Consumed:    c.ledger.Consume(in.Key),
	}
	metrics.PublishAttempts.WithLabelValues(string(in.Key.Assessment), "published").Inc()
	logger.Info.Printf("published %s (%d rows)", in.Key, len(sheet.Rows))
	return res, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, models.ErrPermission):
		return "forbidden"
	case errors.Is(err, models.ErrValidation):
		return "invalid"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	}
	return "failed"
}
