package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

// SyncStatus is the server side of a two-phase write: the local commit has
// already happened when a sync starts.
type SyncStatus string

const (
	SyncIdle      SyncStatus = "idle"
	SyncPending   SyncStatus = "pending"
	SyncConfirmed SyncStatus = "confirmed"
	SyncFailed    SyncStatus = "failed"
)

type SyncConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxTries:        4,
	}
}

// Syncer retries server writes with exponential backoff. Validation, permission
// and conflict failures are not retried.
type Syncer struct {
	cfg SyncConfig
}

func NewSyncer(cfg SyncConfig) *Syncer {
	def := DefaultSyncConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	return &Syncer{cfg: cfg}
}

func retryable(err error) bool {
	return !errors.Is(err, models.ErrValidation) &&
		!errors.Is(err, models.ErrPermission) &&
		!errors.Is(err, models.ErrConflict)
}

func (s *Syncer) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxInterval = s.cfg.MaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug.Printf("%s failed on attempt %d, retrying in %v: %v", op, attempt, next, err)
		}),
	)
	return err
}
