// Package sqlite opens the app store on SQLite via modernc.org/sqlite
// (CGO-free). Path is a filesystem path; ":memory:" works for tests.
package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/mldesk/mldesk/internal/store"
)

// New opens (creating if needed) the database at path.
func New(path string) (*store.SQLDB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	_, _ = db.Exec("PRAGMA foreign_keys=ON;")
	return store.NewSQL(db, store.DialectSQLite), nil
}
