package store

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// SpoolPush appends a payload to the on-disk ingestion spool.
func (db *DB) SpoolPush(payload []byte) error {
	_, err := db.Exec(`INSERT INTO spool (payload, created_at) VALUES (?, ?)`, string(payload), nowMillis())
	if err != nil {
		return fmt.Errorf("spool push: %w", err)
	}
	return nil
}

// SpoolPeek returns up to n of the oldest spooled payloads without removing them.
func (db *DB) SpoolPeek(n int) ([]SpoolItem, error) {
	rows, err := db.Query(`SELECT id, payload FROM spool ORDER BY id ASC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []SpoolItem
	for rows.Next() {
		var (
			it      SpoolItem
			payload string
		)
		if err := rows.Scan(&it.ID, &payload); err != nil {
			return nil, err
		}
		it.Payload = []byte(payload)
		items = append(items, it)
	}
	return items, rows.Err()
}

// SpoolDelete removes the given items.
func (db *DB) SpoolDelete(ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := builder.Delete("spool").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return err
	}
	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("spool delete %s: %w", strings.Trim(fmt.Sprint(ids), "[]"), err)
	}
	return nil
}

// SpoolDepth returns the number of spooled payloads.
func (db *DB) SpoolDepth() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM spool`).Scan(&n)
	return n, err
}
