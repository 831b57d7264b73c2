package store

import (
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const messageColumns = `id, account_id, peer_id, remote_id, conversation_id,
	COALESCE(text, ''), COALESCE(from_id, ''), COALESCE(from_name, ''), is_outgoing, timestamp,
	COALESCE(media_type, ''), COALESCE(reply_to_id, '')`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.AccountID, &m.PeerID, &m.RemoteID, &m.ConversationID,
		&m.Text, &m.FromID, &m.FromName, &m.IsOutgoing, &m.Timestamp,
		&m.MediaType, &m.ReplyToID); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMessage looks a message up by its dedup key. Returns nil if absent.
func (db *DB) FindMessage(accountID, peerID, remoteID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+`
		FROM messages WHERE account_id = ? AND peer_id = ? AND remote_id = ?`,
		accountID, peerID, remoteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message %s/%s/%s: %w", accountID, peerID, remoteID, err)
	}
	return m, nil
}

// InsertMessage stores m unless its dedup key already exists. Empty optional
// fields are left NULL. It returns the row id and whether this call inserted it.
func (db *DB) InsertMessage(m *Message) (int64, bool, error) {
	cols := map[string]any{
		"account_id":      m.AccountID,
		"peer_id":         m.PeerID,
		"remote_id":       m.RemoteID,
		"conversation_id": m.ConversationID,
		"is_outgoing":     m.IsOutgoing,
		"timestamp":       m.Timestamp,
		"created_at":      nowMillis(),
	}
	for col, v := range map[string]string{
		"text":        m.Text,
		"from_id":     m.FromID,
		"from_name":   m.FromName,
		"media_type":  m.MediaType,
		"reply_to_id": m.ReplyToID,
	} {
		if v != "" {
			cols[col] = v
		}
	}

	query, args, err := builder.Insert("messages").
		SetMap(cols).
		Suffix("ON CONFLICT (account_id, peer_id, remote_id) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("build message insert: %w", err)
	}

	var id int64
	err = db.QueryRow(query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a race with another writer of the same key.
		existing, ferr := db.FindMessage(m.AccountID, m.PeerID, m.RemoteID)
		if ferr != nil {
			return 0, false, ferr
		}
		if existing == nil {
			return 0, false, fmt.Errorf("insert message %s: conflicting row vanished", m.RemoteID)
		}
		return existing.ID, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert message %s/%s/%s: %w", m.AccountID, m.PeerID, m.RemoteID, err)
	}
	return id, true, nil
}

// ListMessages returns a conversation's messages, newest first. A positive
// beforeTs pages backwards from that timestamp.
func (db *DB) ListMessages(conversationID, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := builder.Select(messageColumns).
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID})
	if beforeTs > 0 {
		q = q.Where(sq.Lt{"timestamp": beforeTs})
	}
	query, args, err := q.
		OrderBy("timestamp DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// LatestMessage returns the newest message of a conversation, or nil.
func (db *DB) LatestMessage(conversationID int64) (*Message, error) {
	msgs, err := db.ListMessages(conversationID, 0, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// CountMessages returns how many messages a conversation holds.
func (db *DB) CountMessages(conversationID int64) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}
