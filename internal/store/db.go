package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups that require the row to exist.
var ErrNotFound = errors.New("not found")

// builder renders sqlite-flavoured statements.
var builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// DB wraps the profile's tgsync.db connection.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode, a busy timeout and
// foreign keys enabled.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db %s: %w", path, err)
	}
	return &DB{db}, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
