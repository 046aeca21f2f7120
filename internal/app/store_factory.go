package app

import (
	"fmt"
	"strings"

	"github.com/shrimpsizemoose/markgate/internal/store"
	"github.com/shrimpsizemoose/markgate/internal/store/postgres"
	"github.com/shrimpsizemoose/markgate/internal/store/sqlite"
)

func NewStore(dsn, migrationsDir string) (store.MarkStore, error) {
	dbType := store.DBTypeSQLite
	if strings.HasPrefix(dsn, "postgres") {
		dbType = store.DBTypePostgres
	}

	switch dbType {
	case store.DBTypePostgres:
		return postgres.NewPostgresStore(dsn, migrationsDir)
	case store.DBTypeSQLite:
		return sqlite.NewSQLiteStore(dsn, migrationsDir)
	default:
		return nil, fmt.Errorf("unable to determine database type from DSN: %s", dsn)
	}
}
