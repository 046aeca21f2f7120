package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shrimpsizemoose/markgate/internal/store"
)

const humanTimestampFormat = "%Y-%m-%d %H:%M"

type SQLiteStore struct {
	store.BaseStore
}

func NewSQLiteStore(dsn, migrationsDir string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// every :memory: connection is a separate database
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{BaseStore: store.BaseStore{
		DB: db,
		Converter: func(query string) string {
			return query
		},
	}}

	if err := s.ApplyMigrations(migrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) ApplyMigrations(dir string) error {
	return s.BaseStore.ApplyMigrations(dir, translateToSQLite)
}

// sqliteReplacements is ordered: longer tokens must be rewritten before their prefixes.
var sqliteReplacements = [][2]string{
	{"DOUBLE PRECISION", "REAL"},
	{"BIGINT", "INTEGER"},
	{"VARCHAR(36)", "TEXT"},
	{"VARCHAR(32)", "TEXT"},
	{"VARCHAR(16)", "TEXT"},
	{"BOOLEAN", "INTEGER"},
	{"DEFAULT TRUE", "DEFAULT 1"},
	{"DEFAULT FALSE", "DEFAULT 0"},
}

// translateToSQLite converts Postgres SQL to SQLite dialect
func translateToSQLite(sql string) string {
	result := sql
	for _, r := range sqliteReplacements {
		result = strings.ReplaceAll(result, r[0], r[1])
	}
	return result
}

// ExpireApprovals flips approved requests past their deadline to EXPIRED and returns them.
func (s *SQLiteStore) ExpireApprovals(now time.Time) ([]store.EditRequestRow, error) {
	tx, err := s.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin expiry: %w", err)
	}
	defer tx.Rollback()

	var rows []store.EditRequestRow
	err = tx.Select(&rows, `
		SELECT id, subject, assessment, scope, status, reason, requested_by, teaching_assignment,
		requested_at, approval_until, reviewed_by, reviewed_at, consumed_at
		FROM edit_requests
		WHERE status = 'APPROVED'
		AND approval_until IS NOT NULL
		AND approval_until <= ?
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to find expired approvals: %w", err)
	}

	for i := range rows {
		if _, err := tx.Exec(`UPDATE edit_requests SET status = 'EXPIRED' WHERE id = ?`, rows[i].ID); err != nil {
			return nil, fmt.Errorf("failed to expire approval %s: %w", rows[i].ID, err)
		}
		rows[i].Status = "EXPIRED"
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit expiry: %w", err)
	}
	return rows, nil
}

func (s *SQLiteStore) SheetStats(includeHumanDttm bool) ([]store.SheetStat, error) {
	query := `
		SELECT
			subject,
			assessment,
			COUNT(*) as students,
			AVG(total) as average,
			MIN(total) as lowest,
			MAX(total) as highest,
			MAX(published_at) as last_published,
			CASE WHEN ? THEN
				strftime(?, MAX(published_at), 'unixepoch')
			ELSE NULL
			END as human_last_published
		FROM published_marks
		GROUP BY subject, assessment
		ORDER BY subject, assessment
	`

	var results []store.SheetStat
	if err := s.DB.Select(&results, query, includeHumanDttm, humanTimestampFormat); err != nil {
		return nil, fmt.Errorf("failed to fetch sheet stats: %w", err)
	}
	return results, nil
}
