package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shrimpsizemoose/trekker/logger"
	"github.com/volatiletech/null/v8"

	"github.com/shrimpsizemoose/markgate/internal/metrics"
	"github.com/shrimpsizemoose/markgate/internal/models"
	"github.com/shrimpsizemoose/markgate/internal/scoring"
	"github.com/shrimpsizemoose/markgate/internal/store"
)

var ErrNotFound = errors.New("not found")

type Service struct {
	Config   *Config
	Store    store.MarkStore
	Auth     *Auth
	Registry *scoring.Registry
	Notifier Notifier
	Now      func() time.Time

	// lockMu serialises read-modify-write cycles on mark_table_locks
	lockMu sync.Mutex
}

func NewService(configPath string) (*Service, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := NewStore(config.Database.DSN, config.Database.MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}

	auth, err := NewAuth(config)
	if err != nil {
		return nil, fmt.Errorf("failed to init auth: %w", err)
	}

	var notifier Notifier = nopNotifier{}
	if config.Redis.URL != "" && config.Redis.EventsChannel != "" {
		opt, err := redis.ParseURL(config.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		notifier = NewRedisNotifier(redis.NewClient(opt), config.Redis.EventsChannel)
	}

	return NewServiceWith(config, store, auth, notifier)
}

// NewServiceWith assembles a service from already opened dependencies.
func NewServiceWith(config *Config, st store.MarkStore, auth *Auth, notifier Notifier) (*Service, error) {
	registry, err := config.Registry()
	if err != nil {
		return nil, err
	}
	if auth == nil {
		auth = &Auth{tokenHeader: config.Auth.TokenHeader}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		Config:   config,
		Store:    st,
		Auth:     auth,
		Registry: registry,
		Notifier: notifier,
		Now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// ValidateAuthAndStaff checks the bearer token and returns the caller's role.
func (s *Service) ValidateAuthAndStaff(r *http.Request, staff string) (string, error) {
	if !s.Config.Server.EnableAuth {
		return RoleApprover, nil
	}

	authHeader := r.Header.Get(s.Auth.tokenHeader)
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("Invalid authorization header format")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	return s.Auth.ValidateToken(r.Context(), staff, token)
}

func (s *Service) ValidateHeaders(headers map[string][]string) bool {
	for _, required := range s.Config.API.RequiredHeaders {
		value := headers[http.CanonicalHeaderKey(required.Name)]
		if len(value) == 0 || !strings.EqualFold(value[0], required.Value) {
			return false
		}
	}
	return true
}

func (s *Service) notify(ctx context.Context, n Notification) {
	n.At = s.Now()
	if err := s.Notifier.Notify(ctx, n); err != nil {
		logger.Error.Printf("Failed to notify %s for %s: %v", n.Kind, n.Key, err)
	}
}

func (s *Service) ResolveConfig(key models.SheetKey) (models.AssessmentConfig, scoring.Variant, error) {
	variant, err := s.Registry.Variant(key.Assessment)
	if err != nil {
		return models.AssessmentConfig{}, scoring.Variant{}, models.NewValidationError("assessment", "%v", err)
	}
	override, err := s.Store.GetConfigOverride(key)
	if err != nil {
		return models.AssessmentConfig{}, scoring.Variant{}, err
	}
	return variant.Resolve(override), variant, nil
}

func (s *Service) ConfigOverride(key models.SheetKey) (*models.ConfigOverride, error) {
	return s.Store.GetConfigOverride(key)
}

// SaveConfigOverride stores a per-assessment override. It is refused while the
// mark manager of the sheet is locked on the server.
func (s *Service) SaveConfigOverride(key models.SheetKey, override models.ConfigOverride, staff string) error {
	if err := override.Validate(); err != nil {
		return models.NewValidationError("override", "%v", err)
	}
	variant, err := s.Registry.Variant(key.Assessment)
	if err != nil {
		return models.NewValidationError("assessment", "%v", err)
	}
	cfg := variant.Resolve(&override)
	if err := cfg.Validate(); err != nil {
		return models.NewValidationError("override", "%v", err)
	}

	lock, err := s.Store.GetLock(key)
	if err != nil {
		return err
	}
	if lock != nil && lock.MarkManagerLocked {
		return models.NewConflictError("mark manager of %s is locked", key)
	}
	return s.Store.SaveConfigOverride(key, override, staff, s.Now())
}

func (s *Service) Draft(key models.SheetKey) (*models.Draft, error) {
	return s.Store.GetDraft(key)
}

// SaveDraft refuses writes to a published sheet unless mark entry was reopened.
func (s *Service) SaveDraft(key models.SheetKey, payload models.DraftPayload, staff string) error {
	if err := payload.Validate(); err != nil {
		return models.NewValidationError("draft", "%v", err)
	}
	lock, err := s.Store.GetLock(key)
	if err != nil {
		return err
	}
	if lock != nil && lock.IsPublished && !lock.EntryOpen {
		return models.NewConflictError("published marks of %s are locked", key)
	}
	return s.Store.SaveDraft(key, payload, staff, s.Now())
}

func (s *Service) Published(key models.SheetKey) (*models.PublishedMarks, error) {
	rows, err := s.Store.ListPublishedMarks(key)
	if err != nil {
		return nil, err
	}

	out := &models.PublishedMarks{Marks: make(map[string]float64, len(rows))}
	var latest int64
	for _, r := range rows {
		out.Marks[r.StudentID] = r.Total
		if r.PublishedAt >= latest {
			latest = r.PublishedAt
			out.PublishedBy = r.PublishedBy
		}
	}
	if len(rows) > 0 {
		at := time.Unix(latest, 0).UTC()
		out.PublishedAt = &at
	}
	return out, nil
}

// PublishedRow is one published student with the derived CO and BTL marks.
type PublishedRow struct {
	StudentID  string             `json:"student_id"`
	RegisterNo string             `json:"register_no"`
	Name       string             `json:"name"`
	Attainment scoring.Attainment `json:"attainment"`
}

// PublishedView distributes every published total with the sheet's resolved
// configuration and the BTLs selected on its draft.
func (s *Service) PublishedView(key models.SheetKey) ([]PublishedRow, models.AssessmentConfig, scoring.Variant, error) {
	cfg, variant, err := s.ResolveConfig(key)
	if err != nil {
		return nil, cfg, variant, err
	}
	draft, err := s.Store.GetDraft(key)
	if err != nil {
		return nil, cfg, variant, err
	}
	if draft != nil {
		cfg = scoring.WithSelection(cfg, draft.SelectedBTLs)
	}

	rows, err := s.Store.ListPublishedMarks(key)
	if err != nil {
		return nil, cfg, variant, err
	}
	out := make([]PublishedRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, PublishedRow{
			StudentID:  r.StudentID,
			RegisterNo: r.RegisterNo,
			Name:       r.Name,
			Attainment: scoring.Attain(null.Float64From(r.Total), cfg),
		})
	}
	return out, cfg, variant, nil
}

// Publish enforces the publish window, the review split rule and the published
// lock, then stores the clamped totals.
func (s *Service) Publish(ctx context.Context, key models.SheetKey, sheet models.Sheet, staff string) error {
	outcome := "error"
	defer func() {
		metrics.PublishAttempts.WithLabelValues(string(key.Assessment), outcome).Inc()
	}()

	window, err := s.PublishWindow(key)
	if err != nil {
		return err
	}
	now := s.Now()
	if window.GlobalLocked() {
		outcome = "global_locked"
		return models.NewPermissionError("publishing is globally locked", nil)
	}
	if !window.PublishAllowed(now) {
		outcome = "window_closed"
		return models.NewPermissionError("publish window is closed", nil)
	}

	if err := sheet.Validate(); err != nil {
		outcome = "invalid"
		return models.NewValidationError("sheet", "%v", err)
	}
	cfg, variant, err := s.ResolveConfig(key)
	if err != nil {
		return err
	}
	if err := scoring.ValidateSplits(variant, cfg, sheet.COSplits); err != nil {
		outcome = "invalid"
		return err
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	lock, err := s.Store.GetLock(key)
	if err != nil {
		return err
	}
	if lock != nil && lock.IsPublished && !lock.EntryOpen {
		outcome = "locked"
		return models.NewConflictError("published marks of %s are locked", key)
	}

	clamped := sheet.ClampTotals(cfg.MaxTotal)
	if err := s.Store.PublishSheet(key, clamped, staff, now); err != nil {
		return err
	}
	outcome = "published"

	for _, r := range clamped.Rows {
		if r.Total.Valid {
			metrics.TotalHistogram.WithLabelValues(string(key.Assessment)).Observe(r.Total.Float64)
		}
	}
	logger.Info.Printf("Published %s by %s (%d rows)", key, staff, len(clamped.Rows))
	s.notify(ctx, Notification{Kind: NotifyPublished, Key: key, RequestedBy: staff})
	return nil
}

func (s *Service) Lock(key models.SheetKey) (models.MarkTableLock, error) {
	row, err := s.Store.GetLock(key)
	if err != nil {
		return models.MarkTableLock{}, err
	}
	return row.Model(), nil
}

// ConfirmLock locks the mark manager of a sheet. Confirming an already locked
// sheet is a no-op.
func (s *Service) ConfirmLock(key models.SheetKey, staff string) (models.MarkTableLock, error) {
	row, err := s.updateLock(key, func(r *store.LockRow) {
		r.MarkManagerLocked = true
	})
	if err != nil {
		return models.MarkTableLock{}, err
	}
	logger.Debug.Printf("Mark manager of %s confirmed by %s", key, staff)
	return row.Model(), nil
}

// updateLock applies mutate to the lock row and recomputes entry_open:
// entry is open before publish once the mark manager is locked, and after
// publish only under an active approval of either scope.
func (s *Service) updateLock(key models.SheetKey, mutate func(*store.LockRow)) (*store.LockRow, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	row, err := s.Store.GetLock(key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = &store.LockRow{Subject: key.Subject, Assessment: string(key.Assessment)}
	}
	mutate(row)

	now := s.Now()
	approved := false
	for _, scope := range []models.Scope{models.ScopeMarkEntry, models.ScopeMarkManager} {
		approval, err := s.activeApproval(key, scope, now)
		if err != nil {
			return nil, err
		}
		approved = approved || approval != nil
	}
	row.EntryOpen = (!row.IsPublished && row.MarkManagerLocked) || (row.IsPublished && approved)
	row.UpdatedAt = now.Unix()

	if err := s.Store.UpsertLock(*row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) activeApproval(key models.SheetKey, scope models.Scope, now time.Time) (*store.EditRequestRow, error) {
	rows, err := s.Store.ListSheetEditRequests(key, scope)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].Active(now) {
			return &rows[i], nil
		}
	}
	return nil, nil
}

func (s *Service) EditWindow(key models.SheetKey, scope models.Scope) (models.EditWindow, error) {
	approval, err := s.activeApproval(key, scope, s.Now())
	if err != nil {
		return models.EditWindow{}, err
	}
	if approval == nil {
		return models.EditWindow{}, nil
	}
	return models.EditWindow{
		AllowedByApproval: true,
		ApprovalUntil:     fromUnixPtr(approval.ApprovalUntil),
	}, nil
}

func (s *Service) CreateEditRequest(ctx context.Context, in models.EditRequestInput, staff string) (*models.EditRequest, error) {
	if err := in.Validate(); err != nil {
		return nil, models.NewValidationError("request", "%v", err)
	}
	now := s.Now()

	latest, err := s.Store.LatestEditRequest(in.Key, in.Scope, staff)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Status == string(models.StatusPending) &&
		now.Sub(time.Unix(latest.RequestedAt, 0)) < models.PendingWindow {
		return nil, models.NewConflictError("a %s request for %s is already pending", in.Scope, in.Key)
	}

	row := store.EditRequestRow{
		ID:                 uuid.NewString(),
		Subject:            in.Key.Subject,
		Assessment:         string(in.Key.Assessment),
		Scope:              string(in.Scope),
		Status:             string(models.StatusPending),
		Reason:             in.Reason,
		RequestedBy:        staff,
		TeachingAssignment: in.Teaching.TeachingAssignmentID,
		RequestedAt:        now.Unix(),
	}
	if err := s.Store.CreateEditRequest(row); err != nil {
		return nil, err
	}
	metrics.EditRequests.WithLabelValues(string(in.Scope), string(models.StatusPending)).Inc()

	s.notify(ctx, Notification{
		Kind:        NotifyEditRequested,
		RequestID:   row.ID,
		Key:         in.Key,
		Scope:       in.Scope,
		Status:      models.StatusPending,
		Reason:      in.Reason,
		RequestedBy: staff,
	})

	req := row.Model(now)
	return &req, nil
}

func (s *Service) LatestEditRequest(key models.SheetKey, scope models.Scope, staff string) (*models.EditRequest, error) {
	row, err := s.Store.LatestEditRequest(key, scope, staff)
	if err != nil || row == nil {
		return nil, err
	}
	req := row.Model(s.Now())
	return &req, nil
}

func (s *Service) PublishWindow(key models.SheetKey) (models.PublishWindow, error) {
	due, err := s.Store.GetDueAt(key)
	if err != nil {
		return models.PublishWindow{}, err
	}
	ctl, err := s.Store.GetPublishControl()
	if err != nil {
		return models.PublishWindow{}, err
	}
	window := models.PublishWindow{
		DueAt:                due,
		GlobalOverrideActive: ctl.OverrideActive,
		GlobalIsOpen:         ctl.IsOpen,
	}

	req, err := s.Store.LatestPublishRequest(key)
	if err != nil {
		return models.PublishWindow{}, err
	}
	if req != nil && req.Status == string(models.StatusApproved) && req.ApprovalUntil != nil &&
		s.Now().Unix() < *req.ApprovalUntil {
		window.AllowedByApproval = true
		window.ApprovalUntil = fromUnixPtr(req.ApprovalUntil)
	}
	return window, nil
}

func (s *Service) CreatePublishRequest(ctx context.Context, in models.PublishRequestInput, staff string) (*models.PublishRequest, error) {
	if err := in.Validate(); err != nil {
		return nil, models.NewValidationError("request", "%v", err)
	}
	now := s.Now()

	latest, err := s.Store.LatestPublishRequest(in.Key)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Status == string(models.StatusPending) &&
		now.Sub(time.Unix(latest.RequestedAt, 0)) < models.PendingWindow {
		return nil, models.NewConflictError("a publish request for %s is already pending", in.Key)
	}

	row := store.PublishRequestRow{
		ID:                 uuid.NewString(),
		Subject:            in.Key.Subject,
		Assessment:         string(in.Key.Assessment),
		Status:             string(models.StatusPending),
		Reason:             in.Reason,
		RequestedBy:        staff,
		TeachingAssignment: in.Teaching.TeachingAssignmentID,
		RequestedAt:        now.Unix(),
	}
	if err := s.Store.CreatePublishRequest(row); err != nil {
		return nil, err
	}

	s.notify(ctx, Notification{
		Kind:        NotifyPublishRequested,
		RequestID:   row.ID,
		Key:         in.Key,
		Status:      models.StatusPending,
		Reason:      in.Reason,
		RequestedBy: staff,
	})

	req := row.Model()
	return &req, nil
}

// ReviewEditRequest approves or rejects a pending edit request. Either approved
// scope reopens entry on a published sheet; an approved MARK_MANAGER request
// also unlocks the mark manager.
func (s *Service) ReviewEditRequest(ctx context.Context, id string, approve bool, reviewer string, ttl time.Duration) (*models.EditRequest, error) {
	row, err := s.Store.GetEditRequest(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("edit request %s: %w", id, ErrNotFound)
	}

	now := s.Now()
	status := models.StatusRejected
	var until *time.Time
	if approve {
		status = models.StatusApproved
		if ttl <= 0 {
			ttl = s.Config.ApprovalTTL()
		}
		u := now.Add(ttl)
		until = &u
	}
	if err := s.Store.ReviewEditRequest(id, status, reviewer, now, until); err != nil {
		return nil, err
	}
	metrics.EditRequests.WithLabelValues(row.Scope, string(status)).Inc()

	key := models.SheetKey{Assessment: models.AssessmentKind(row.Assessment), Subject: row.Subject}
	if approve {
		unlockManager := row.Scope == string(models.ScopeMarkManager)
		if _, err := s.updateLock(key, func(r *store.LockRow) {
			if unlockManager {
				r.MarkManagerLocked = false
			}
		}); err != nil {
			return nil, fmt.Errorf("failed to apply approval to lock: %w", err)
		}
	}

	reviewed, err := s.Store.GetEditRequest(id)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, Notification{
		Kind:        NotifyRequestReviewed,
		RequestID:   id,
		Key:         key,
		Scope:       models.Scope(row.Scope),
		Status:      status,
		RequestedBy: row.RequestedBy,
	})
	req := reviewed.Model(now)
	return &req, nil
}

func (s *Service) ReviewPublishRequest(ctx context.Context, id string, approve bool, reviewer string, ttl time.Duration) (*models.PublishRequest, error) {
	row, err := s.Store.GetPublishRequest(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("publish request %s: %w", id, ErrNotFound)
	}

	now := s.Now()
	status := models.StatusRejected
	var until *time.Time
	if approve {
		status = models.StatusApproved
		if ttl <= 0 {
			ttl = s.Config.ApprovalTTL()
		}
		u := now.Add(ttl)
		until = &u
	}
	if err := s.Store.ReviewPublishRequest(id, status, reviewer, now, until); err != nil {
		return nil, err
	}

	key := models.SheetKey{Assessment: models.AssessmentKind(row.Assessment), Subject: row.Subject}
	s.notify(ctx, Notification{
		Kind:        NotifyRequestReviewed,
		RequestID:   id,
		Key:         key,
		Status:      status,
		RequestedBy: row.RequestedBy,
	})

	reviewed, err := s.Store.GetPublishRequest(id)
	if err != nil {
		return nil, err
	}
	req := reviewed.Model()
	return &req, nil
}

func (s *Service) PendingEditRequests() ([]models.EditRequest, error) {
	rows, err := s.Store.ListEditRequests(models.StatusPending)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	out := make([]models.EditRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Model(now))
	}
	return out, nil
}

func (s *Service) PendingPublishRequests() ([]models.PublishRequest, error) {
	rows, err := s.Store.ListPublishRequests(models.StatusPending)
	if err != nil {
		return nil, err
	}
	out := make([]models.PublishRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Model())
	}
	return out, nil
}

// SetPublishControl switches the global override. active=false hands the decision
// back to each sheet's due date and approvals.
func (s *Service) SetPublishControl(active, open bool, by string) error {
	logger.Info.Printf("Global publish override set to active=%v open=%v by %s", active, open, by)
	return s.Store.SetPublishControl(store.PublishControl{
		OverrideActive: active,
		IsOpen:         open,
		UpdatedAt:      s.Now().Unix(),
		UpdatedBy:      by,
	})
}

func (s *Service) PublishControl() (*store.PublishControl, error) {
	return s.Store.GetPublishControl()
}

func (s *Service) SetDueAt(key models.SheetKey, due *time.Time) error {
	return s.Store.SetDueAt(key, due)
}

// ExpireApprovals expires every approval past its deadline and re-derives the
// lock of each affected sheet.
func (s *Service) ExpireApprovals(ctx context.Context) (int, error) {
	expired, err := s.Store.ExpireApprovals(s.Now())
	if err != nil {
		return 0, err
	}

	for _, row := range expired {
		key := models.SheetKey{Assessment: models.AssessmentKind(row.Assessment), Subject: row.Subject}
		scope := models.Scope(row.Scope)
		metrics.EditRequests.WithLabelValues(row.Scope, string(models.StatusExpired)).Inc()

		if _, err := s.updateLock(key, func(r *store.LockRow) {
			if scope == models.ScopeMarkManager {
				r.MarkManagerLocked = true
			}
		}); err != nil {
			logger.Error.Printf("Failed to relock %s after expiry of %s: %v", key, row.ID, err)
			continue
		}
		s.notify(ctx, Notification{
			Kind:        NotifyApprovalExpired,
			RequestID:   row.ID,
			Key:         key,
			Scope:       scope,
			Status:      models.StatusExpired,
			RequestedBy: row.RequestedBy,
		})
	}

	if len(expired) > 0 {
		logger.Info.Printf("Expired %d approvals", len(expired))
	}
	return len(expired), nil
}

// StartExpirySweep runs ExpireApprovals on the configured interval until the
// returned scheduler is stopped.
func (s *Service) StartExpirySweep(ctx context.Context) (*gocron.Scheduler, error) {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()

	_, err := scheduler.Every(s.Config.ExpirySweep()).Tag("expiry-sweep").Do(func() {
		if _, err := s.ExpireApprovals(ctx); err != nil {
			logger.Error.Printf("Approval expiry sweep failed: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}

	scheduler.StartAsync()
	return scheduler, nil
}

func (s *Service) Stats(includeHumanDttm bool) ([]store.SheetStat, error) {
	return s.Store.SheetStats(includeHumanDttm)
}

// PublishedSheets lists every sheet that has been published at least once.
func (s *Service) PublishedSheets() ([]models.SheetKey, error) {
	refs, err := s.Store.ListPublishedSheets()
	if err != nil {
		return nil, err
	}
	keys := make([]models.SheetKey, 0, len(refs))
	for _, ref := range refs {
		keys = append(keys, ref.Key())
	}
	return keys, nil
}

func (s *Service) Close() error {
	var errs []error

	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := s.Auth.Close(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors while closing: %v", errs)
	}
	return nil
}

func fromUnixPtr(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}
