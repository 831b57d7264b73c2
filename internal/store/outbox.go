package store

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := nowMillis()
	query, args, err := builder.Insert("outbox").
		SetMap(map[string]any{
			"client_msg_id": e.ClientMsgID,
			"account_id":    e.AccountID,
			"peer_id":       e.PeerID,
			"body":          e.Body,
			"reply_to_id":   e.ReplyToID,
			"status":        "queued",
			"created_at":    now,
			"updated_at":    now,
		}).ToSql()
	if err != nil {
		return err
	}
	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("queue outbox %s: %w", e.ClientMsgID, err)
	}
	return nil
}

func (db *DB) setOutbox(clientMsgID string, cols map[string]any) error {
	cols["updated_at"] = nowMillis()
	query, args, err := builder.Update("outbox").
		SetMap(cols).
		Where(sq.Eq{"client_msg_id": clientMsgID}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = db.Exec(query, args...)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	return db.setOutbox(clientMsgID, map[string]any{"status": "sending"})
}

// MarkOutboxSent updates an outbox entry to 'sent' with the remote message id.
func (db *DB) MarkOutboxSent(clientMsgID, remoteID string) error {
	return db.setOutbox(clientMsgID, map[string]any{"status": "sent", "remote_id": remoteID})
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	return db.setOutbox(clientMsgID, map[string]any{"status": "failed", "error_message": errMsg})
}

// RequeueSending puts entries left in 'sending' by a previous run back to
// 'queued'. Returns how many were requeued.
func (db *DB) RequeueSending() (int, error) {
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, nowMillis())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetOutbox returns an entry by client id, or ErrNotFound.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	entries, err := db.listOutbox(sq.Eq{"client_msg_id": clientMsgID})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(sq.Eq{"status": "queued"})
}

func (db *DB) listOutbox(where sq.Sqlizer) ([]OutboxEntry, error) {
	query, args, err := builder.
		Select("id, client_msg_id, account_id, peer_id, body, reply_to_id, status, error_message, remote_id, created_at").
		From("outbox").
		Where(where).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.AccountID, &e.PeerID, &e.Body, &e.ReplyToID,
			&e.Status, &e.ErrorMessage, &e.RemoteID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
