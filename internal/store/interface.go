package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

type MarkStore interface {
	Close() error
	ApplyMigrations(dir string) error

	GetConfigOverride(key models.SheetKey) (*models.ConfigOverride, error)
	SaveConfigOverride(key models.SheetKey, override models.ConfigOverride, by string, at time.Time) error

	GetDraft(key models.SheetKey) (*models.Draft, error)
	SaveDraft(key models.SheetKey, payload models.DraftPayload, by string, at time.Time) error

	ListPublishedMarks(key models.SheetKey) ([]PublishedMarkRow, error)
	ListPublishedSheets() ([]SheetRef, error)
	PublishSheet(key models.SheetKey, sheet models.Sheet, by string, at time.Time) error

	GetLock(key models.SheetKey) (*LockRow, error)
	UpsertLock(row LockRow) error

	CreateEditRequest(row EditRequestRow) error
	GetEditRequest(id string) (*EditRequestRow, error)
	LatestEditRequest(key models.SheetKey, scope models.Scope, requestedBy string) (*EditRequestRow, error)
	ListEditRequests(status models.RequestStatus) ([]EditRequestRow, error)
	ListSheetEditRequests(key models.SheetKey, scope models.Scope) ([]EditRequestRow, error)
	ReviewEditRequest(id string, status models.RequestStatus, reviewedBy string, at time.Time, approvalUntil *time.Time) error
	ExpireApprovals(now time.Time) ([]EditRequestRow, error)
	SheetStats(includeHumanDttm bool) ([]SheetStat, error)

	CreatePublishRequest(row PublishRequestRow) error
	GetPublishRequest(id string) (*PublishRequestRow, error)
	ListPublishRequests(status models.RequestStatus) ([]PublishRequestRow, error)
	LatestPublishRequest(key models.SheetKey) (*PublishRequestRow, error)
	ReviewPublishRequest(id string, status models.RequestStatus, reviewedBy string, at time.Time, approvalUntil *time.Time) error

	GetDueAt(key models.SheetKey) (*time.Time, error)
	SetDueAt(key models.SheetKey, due *time.Time) error
	GetPublishControl() (*PublishControl, error)
	SetPublishControl(ctl PublishControl) error
}

// BaseStore provides common functionality for different DB implementations
type BaseStore struct {
	DB        *sqlx.DB
	Converter func(string) string
}

func (s *BaseStore) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// ApplyMigrations applies SQL migrations from a directory in name order, translating dialect if needed
func (s *BaseStore) ApplyMigrations(dir string, translateSQL func(string) string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".sql") {
			continue
		}

		content, err := os.ReadFile(fmt.Sprintf("%s/%s", dir, file.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file.Name(), err)
		}

		sql := string(content)
		if translateSQL != nil {
			sql = translateSQL(sql)
		}

		if _, err := s.DB.Exec(sql); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file.Name(), err)
		}
	}

	return nil
}

func (s *BaseStore) GetConfigOverride(key models.SheetKey) (*models.ConfigOverride, error) {
	var raw string
	query := s.Converter(`
		SELECT override
		FROM assessment_configs
		WHERE subject = ? AND assessment = ?
	`)
	err := s.DB.Get(&raw, query, key.Subject, string(key.Assessment))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config override: %w", err)
	}
	var override models.ConfigOverride
	if err := json.Unmarshal([]byte(raw), &override); err != nil {
		return nil, fmt.Errorf("failed to decode config override: %w", err)
	}
	return &override, nil
}

func (s *BaseStore) SaveConfigOverride(key models.SheetKey, override models.ConfigOverride, by string, at time.Time) error {
	raw, err := json.Marshal(override)
	if err != nil {
		return fmt.Errorf("failed to encode config override: %w", err)
	}
	_, err = s.DB.NamedExec(`
		INSERT INTO assessment_configs (subject, assessment, override, updated_at, updated_by)
		VALUES (:subject, :assessment, :override, :updated_at, :updated_by)
		ON CONFLICT(subject, assessment) DO UPDATE SET
		override = :override,
		updated_at = :updated_at,
		updated_by = :updated_by
	`, map[string]interface{}{
		"subject":    key.Subject,
		"assessment": string(key.Assessment),
		"override":   string(raw),
		"updated_at": unix(at),
		"updated_by": by,
	})
	if err != nil {
		return fmt.Errorf("failed to save config override: %w", err)
	}
	return nil
}

func (s *BaseStore) GetDraft(key models.SheetKey) (*models.Draft, error) {
	var row struct {
		Payload   string `db:"payload"`
		UpdatedAt int64  `db:"updated_at"`
		UpdatedBy string `db:"updated_by"`
	}
	query := s.Converter(`
		SELECT payload, updated_at, updated_by
		FROM drafts
		WHERE subject = ? AND assessment = ?
	`)
	err := s.DB.Get(&row, query, key.Subject, string(key.Assessment))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}

	var payload models.DraftPayload
	if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode draft: %w", err)
	}
	updated := fromUnix(row.UpdatedAt)
	return &models.Draft{DraftPayload: payload, UpdatedAt: &updated, UpdatedBy: row.UpdatedBy}, nil
}

func (s *BaseStore) SaveDraft(key models.SheetKey, payload models.DraftPayload, by string, at time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode draft: %w", err)
	}
	_, err = s.DB.NamedExec(upsertDraftSQL, map[string]interface{}{
		"subject":    key.Subject,
		"assessment": string(key.Assessment),
		"payload":    string(raw),
		"updated_at": unix(at),
		"updated_by": by,
	})
	if err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

func (s *BaseStore) ListPublishedMarks(key models.SheetKey) ([]PublishedMarkRow, error) {
	var rows []PublishedMarkRow
	query := s.Converter(`
		SELECT student_id, register_no, name, total, published_at, published_by
		FROM published_marks
		WHERE subject = ? AND assessment = ?
		ORDER BY register_no, student_id
	`)
	if err := s.DB.Select(&rows, query, key.Subject, string(key.Assessment)); err != nil {
		return nil, fmt.Errorf("failed to list published marks: %w", err)
	}
	return rows, nil
}

func (s *BaseStore) ListPublishedSheets() ([]SheetRef, error) {
	var refs []SheetRef
	query := s.Converter(`
		SELECT subject, assessment
		FROM mark_table_locks
		WHERE is_published = ?
		ORDER BY subject, assessment
	`)
	err := s.DB.Select(&refs, query, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list published sheets: %w", err)
	}
	return refs, nil
}

const upsertDraftSQL = `
	INSERT INTO drafts (subject, assessment, payload, updated_at, updated_by)
	VALUES (:subject, :assessment, :payload, :updated_at, :updated_by)
	ON CONFLICT(subject, assessment) DO UPDATE SET
	payload = :payload,
	updated_at = :updated_at,
	updated_by = :updated_by
`

// PublishSheet replaces the published marks of a sheet, marks it published with
// entry closed and uses up every active approval, in one transaction.
// Rows without a mark are not published. The draft is rewritten with the
// published sheet, keeping its BTL selection.
func (s *BaseStore) PublishSheet(key models.SheetKey, sheet models.Sheet, by string, at time.Time) error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin publish: %w", err)
	}
	defer tx.Rollback()

	subject, assessment := key.Subject, string(key.Assessment)

	var payload models.DraftPayload
	var current string
	err = tx.Get(&current, s.Converter(`
		SELECT payload FROM drafts WHERE subject = ? AND assessment = ?
	`), subject, assessment)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to read draft: %w", err)
	default:
		if err := json.Unmarshal([]byte(current), &payload); err != nil {
			return fmt.Errorf("failed to decode draft: %w", err)
		}
	}
	payload.Sheet = sheet
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode draft: %w", err)
	}
	if _, err := tx.NamedExec(upsertDraftSQL, map[string]interface{}{
		"subject":    subject,
		"assessment": assessment,
		"payload":    string(raw),
		"updated_at": unix(at),
		"updated_by": by,
	}); err != nil {
		return fmt.Errorf("failed to store published draft: %w", err)
	}
	if _, err := tx.Exec(s.Converter(`
		DELETE FROM published_marks WHERE subject = ? AND assessment = ?
	`), subject, assessment); err != nil {
		return fmt.Errorf("failed to clear published marks: %w", err)
	}

	for _, r := range sheet.Rows {
		if !r.Total.Valid {
			continue
		}
		_, err := tx.NamedExec(`
			INSERT INTO published_marks (subject, assessment, student_id, register_no, name, total, published_at, published_by)
			VALUES (:subject, :assessment, :student_id, :register_no, :name, :total, :published_at, :published_by)
		`, map[string]interface{}{
			"subject":      subject,
			"assessment":   assessment,
			"student_id":   r.StudentID,
			"register_no":  r.RegisterNo,
			"name":         r.Name,
			"total":        r.Total.Float64,
			"published_at": unix(at),
			"published_by": by,
		})
		if err != nil {
			return fmt.Errorf("failed to publish mark of %s: %w", r.StudentID, err)
		}
	}

	if _, err := tx.NamedExec(upsertLockSQL, LockRow{
		Subject:           subject,
		Assessment:        assessment,
		IsPublished:       true,
		EntryOpen:         false,
		MarkManagerLocked: true,
		UpdatedAt:         unix(at),
	}); err != nil {
		return fmt.Errorf("failed to lock published sheet: %w", err)
	}

	if _, err := tx.Exec(s.Converter(`
		UPDATE edit_requests
		SET consumed_at = ?
		WHERE subject = ? AND assessment = ?
		AND status = 'APPROVED'
		AND consumed_at IS NULL
	`), unix(at), subject, assessment); err != nil {
		return fmt.Errorf("failed to consume edit approvals: %w", err)
	}

	if _, err := tx.Exec(s.Converter(`
		UPDATE publish_requests
		SET status = 'EXPIRED'
		WHERE subject = ? AND assessment = ?
		AND status = 'APPROVED'
	`), subject, assessment); err != nil {
		return fmt.Errorf("failed to consume publish approvals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit publish: %w", err)
	}
	return nil
}

const upsertLockSQL = `
	INSERT INTO mark_table_locks (subject, assessment, is_published, entry_open, mark_manager_locked, updated_at)
	VALUES (:subject, :assessment, :is_published, :entry_open, :mark_manager_locked, :updated_at)
	ON CONFLICT(subject, assessment) DO UPDATE SET
	is_published = :is_published,
	entry_open = :entry_open,
	mark_manager_locked = :mark_manager_locked,
	updated_at = :updated_at
`

func (s *BaseStore) GetLock(key models.SheetKey) (*LockRow, error) {
	var row LockRow
	query := s.Converter(`
		SELECT subject, assessment, is_published, entry_open, mark_manager_locked, updated_at
		FROM mark_table_locks
		WHERE subject = ? AND assessment = ?
	`)
	err := s.DB.Get(&row, query, key.Subject, string(key.Assessment))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	return &row, nil
}

func (s *BaseStore) UpsertLock(row LockRow) error {
	if _, err := s.DB.NamedExec(upsertLockSQL, row); err != nil {
		return fmt.Errorf("failed to update lock: %w", err)
	}
	return nil
}

const editRequestColumns = `id, subject, assessment, scope, status, reason, requested_by, teaching_assignment,
		requested_at, approval_until, reviewed_by, reviewed_at, consumed_at`

func (s *BaseStore) CreateEditRequest(row EditRequestRow) error {
	_, err := s.DB.NamedExec(`
		INSERT INTO edit_requests (`+editRequestColumns+`)
		VALUES (:id, :subject, :assessment, :scope, :status, :reason, :requested_by, :teaching_assignment,
		:requested_at, :approval_until, :reviewed_by, :reviewed_at, :consumed_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to create edit request: %w", err)
	}
	return nil
}

func (s *BaseStore) GetEditRequest(id string) (*EditRequestRow, error) {
	var row EditRequestRow
	query := s.Converter(`SELECT ` + editRequestColumns + ` FROM edit_requests WHERE id = ?`)
	err := s.DB.Get(&row, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edit request: %w", err)
	}
	return &row, nil
}

func (s *BaseStore) LatestEditRequest(key models.SheetKey, scope models.Scope, requestedBy string) (*EditRequestRow, error) {
	var row EditRequestRow
	query := s.Converter(`
		SELECT ` + editRequestColumns + `
		FROM edit_requests
		WHERE subject = ? AND assessment = ? AND scope = ? AND requested_by = ?
		ORDER BY requested_at DESC, id DESC
		LIMIT 1
	`)
	err := s.DB.Get(&row, query, key.Subject, string(key.Assessment), string(scope), requestedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest edit request: %w", err)
	}
	return &row, nil
}

func (s *BaseStore) ListEditRequests(status models.RequestStatus) ([]EditRequestRow, error) {
	var rows []EditRequestRow
	query := s.Converter(`
		SELECT ` + editRequestColumns + `
		FROM edit_requests
		WHERE status = ?
		ORDER BY requested_at ASC
	`)
	if err := s.DB.Select(&rows, query, string(status)); err != nil {
		return nil, fmt.Errorf("failed to list edit requests: %w", err)
	}
	return rows, nil
}

func (s *BaseStore) ListSheetEditRequests(key models.SheetKey, scope models.Scope) ([]EditRequestRow, error) {
	var rows []EditRequestRow
	query := s.Converter(`
		SELECT ` + editRequestColumns + `
		FROM edit_requests
		WHERE subject = ? AND assessment = ? AND scope = ?
		ORDER BY requested_at DESC
	`)
	if err := s.DB.Select(&rows, query, key.Subject, string(key.Assessment), string(scope)); err != nil {
		return nil, fmt.Errorf("failed to list sheet edit requests: %w", err)
	}
	return rows, nil
}

func (s *BaseStore) ReviewEditRequest(id string, status models.RequestStatus, reviewedBy string, at time.Time, approvalUntil *time.Time) error {
	query := s.Converter(`
		UPDATE edit_requests
		SET status = ?, reviewed_by = ?, reviewed_at = ?, approval_until = ?
		WHERE id = ? AND status = 'PENDING'
	`)
	res, err := s.DB.Exec(query, string(status), reviewedBy, unix(at), unixPtr(approvalUntil), id)
	if err != nil {
		return fmt.Errorf("failed to review edit request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NewConflictError("edit request %s is not pending", id)
	}
	return nil
}

func (s *BaseStore) CreatePublishRequest(row PublishRequestRow) error {
	_, err := s.DB.NamedExec(`
		INSERT INTO publish_requests (id, subject, assessment, status, reason, requested_by, teaching_assignment,
		requested_at, approval_until, reviewed_by, reviewed_at)
		VALUES (:id, :subject, :assessment, :status, :reason, :requested_by, :teaching_assignment,
		:requested_at, :approval_until, :reviewed_by, :reviewed_at)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to create publish request: %w", err)
	}
	return nil
}

const publishRequestColumns = `id, subject, assessment, status, reason, requested_by, teaching_assignment,
		requested_at, approval_until, reviewed_by, reviewed_at`

func (s *BaseStore) GetPublishRequest(id string) (*PublishRequestRow, error) {
	var row PublishRequestRow
	query := s.Converter(`SELECT ` + publishRequestColumns + ` FROM publish_requests WHERE id = ?`)
	err := s.DB.Get(&row, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get publish request: %w", err)
	}
	return &row, nil
}

func (s *BaseStore) ListPublishRequests(status models.RequestStatus) ([]PublishRequestRow, error) {
	var rows []PublishRequestRow
	query := s.Converter(`
		SELECT ` + publishRequestColumns + `
		FROM publish_requests
		WHERE status = ?
		ORDER BY requested_at ASC
	`)
	if err := s.DB.Select(&rows, query, string(status)); err != nil {
		return nil, fmt.Errorf("failed to list publish requests: %w", err)
	}
	return rows, nil
}

func (s *BaseStore) LatestPublishRequest(key models.SheetKey) (*PublishRequestRow, error) {
	var row PublishRequestRow
	query := s.Converter(`
		SELECT ` + publishRequestColumns + `
		FROM publish_requests
		WHERE subject = ? AND assessment = ?
		ORDER BY requested_at DESC, id DESC
		LIMIT 1
	`)
	err := s.DB.Get(&row, query, key.Subject, string(key.Assessment))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest publish request: %w", err)
	}
	return &row, nil
}

func (s *BaseStore) ReviewPublishRequest(id string, status models.RequestStatus, reviewedBy string, at time.Time, approvalUntil *time.Time) error {
	query := s.Converter(`
		UPDATE publish_requests
		SET status = ?, reviewed_by = ?, reviewed_at = ?, approval_until = ?
		WHERE id = ? AND status = 'PENDING'
	`)
	res, err := s.DB.Exec(query, string(status), reviewedBy, unix(at), unixPtr(approvalUntil), id)
	if err != nil {
		return fmt.Errorf("failed to review publish request: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NewConflictError("publish request %s is not pending", id)
	}
	return nil
}

func (s *BaseStore) GetDueAt(key models.SheetKey) (*time.Time, error) {
	var due *int64
	query := s.Converter(`
		SELECT due_at
		FROM publish_windows
		WHERE subject = ? AND assessment = ?
	`)
	err := s.DB.Get(&due, query, key.Subject, string(key.Assessment))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get due date: %w", err)
	}
	return fromUnixPtr(due), nil
}

func (s *BaseStore) SetDueAt(key models.SheetKey, due *time.Time) error {
	_, err := s.DB.NamedExec(`
		INSERT INTO publish_windows (subject, assessment, due_at)
		VALUES (:subject, :assessment, :due_at)
		ON CONFLICT(subject, assessment) DO UPDATE SET
		due_at = :due_at
	`, map[string]interface{}{
		"subject":    key.Subject,
		"assessment": string(key.Assessment),
		"due_at":     unixPtr(due),
	})
	if err != nil {
		return fmt.Errorf("failed to set due date: %w", err)
	}
	return nil
}

// GetPublishControl returns the global override row, or an inactive one when none is stored.
func (s *BaseStore) GetPublishControl() (*PublishControl, error) {
	var ctl PublishControl
	err := s.DB.Get(&ctl, `
		SELECT override_active, is_open, updated_at, updated_by
		FROM publish_control
		WHERE id = 1
	`)
	if err == sql.ErrNoRows {
		return &PublishControl{IsOpen: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get publish control: %w", err)
	}
	return &ctl, nil
}

func (s *BaseStore) SetPublishControl(ctl PublishControl) error {
	_, err := s.DB.NamedExec(`
		INSERT INTO publish_control (id, override_active, is_open, updated_at, updated_by)
		VALUES (1, :override_active, :is_open, :updated_at, :updated_by)
		ON CONFLICT(id) DO UPDATE SET
		override_active = :override_active,
		is_open = :is_open,
		updated_at = :updated_at,
		updated_by = :updated_by
	`, ctl)
	if err != nil {
		return fmt.Errorf("failed to set publish control: %w", err)
	}
	return nil
}
