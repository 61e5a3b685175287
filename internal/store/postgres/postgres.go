// Package postgres opens the app store on PostgreSQL via the pgx
// stdlib driver.
package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mldesk/mldesk/internal/store"
)

// New opens a connection pool for the given DSN.
func New(dsn string) (*store.SQLDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return store.NewSQL(db, store.DialectPostgres), nil
}
