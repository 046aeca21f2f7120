package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/shrimpsizemoose/markgate/internal/store"
)

const humanTimestampFormat = "YYYY-MM-DD HH24:MI"

type PostgresStore struct {
	store.BaseStore
}

func NewPostgresStore(dsn, migrationsDir string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStore{BaseStore: store.BaseStore{
		DB: db,
		Converter: func(query string) string {
			out := query
			for i := 1; strings.Contains(out, "?"); i++ {
				out = strings.Replace(out, "?", fmt.Sprintf("$%d", i), 1)
			}
			return out
		},
	}}

	if err := s.ApplyMigrations(migrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) ApplyMigrations(dir string) error {
	return s.BaseStore.ApplyMigrations(dir, nil)
}

// ExpireApprovals flips approved requests past their deadline to EXPIRED and returns them.
func (s *PostgresStore) ExpireApprovals(now time.Time) ([]store.EditRequestRow, error) {
	var rows []store.EditRequestRow
	err := s.DB.Select(&rows, `
		UPDATE edit_requests
		SET status = 'EXPIRED'
		WHERE status = 'APPROVED'
		AND approval_until IS NOT NULL
		AND approval_until <= $1
		RETURNING id, subject, assessment, scope, status, reason, requested_by, teaching_assignment,
		requested_at, approval_until, reviewed_by, reviewed_at, consumed_at
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to expire approvals: %w", err)
	}
	return rows, nil
}

func (s *PostgresStore) SheetStats(includeHumanDttm bool) ([]store.SheetStat, error) {
	query := `
		SELECT
			subject,
			assessment,
			COUNT(*) as students,
			AVG(total) as average,
			MIN(total) as lowest,
			MAX(total) as highest,
			MAX(published_at) as last_published,
			CASE WHEN $1 THEN
				to_char(to_timestamp(MAX(published_at)), $2)
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
