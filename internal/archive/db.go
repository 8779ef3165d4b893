// Package archive keeps a durable, write-behind journal of confirmed chat
// data. It observes store events on the bus; it is never consulted for
// message identity or ordering, the in-memory store stays authoritative.
package archive

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite connection backing the journal.
type DB struct {
	*sql.DB
}

// Open creates a sqlite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	return &DB{db}, nil
}
