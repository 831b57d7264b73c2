package store

import (
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

const conversationColumns = `id, account_id, peer_id, peer_type, name, COALESCE(username, ''),
	last_message_at, COALESCE(last_message_preview, ''), unread_count`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.AccountID, &c.PeerID, &c.PeerType, &c.Name, &c.Username,
		&c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation returns the conversation for (accountID, peerID), or nil if there is none.
func (db *DB) GetConversation(accountID, peerID string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+`
		FROM conversations WHERE account_id = ? AND peer_id = ?`, accountID, peerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s/%s: %w", accountID, peerID, err)
	}
	return c, nil
}

// GetConversationByID returns ErrNotFound if id does not exist.
func (db *DB) GetConversationByID(id int64) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+`
		FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return c, nil
}

// CreateConversation inserts a conversation with unread_count 0 and the set
// fields of p. If a concurrent writer created the row first, p is applied to
// it instead. Returns the conversation id.
func (db *DB) CreateConversation(accountID, peerID string, p ConversationPatch) (int64, error) {
	if !p.PeerType.IsSet() {
		return 0, fmt.Errorf("create conversation %s/%s: peer type is required", accountID, peerID)
	}
	now := nowMillis()
	cols := p.columns()
	cols["account_id"] = accountID
	cols["peer_id"] = peerID
	cols["unread_count"] = 0
	cols["created_at"] = now
	cols["updated_at"] = now

	updates := []string{"updated_at = excluded.updated_at"}
	for _, col := range sortedKeys(p.columns()) {
		updates = append(updates, col+" = excluded."+col)
	}

	query, args, err := builder.Insert("conversations").
		SetMap(cols).
		Suffix("ON CONFLICT (account_id, peer_id) DO UPDATE SET " + strings.Join(updates, ", ") + " RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build conversation insert: %w", err)
	}
	var id int64
	if err := db.QueryRow(query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create conversation %s/%s: %w", accountID, peerID, err)
	}
	return id, nil
}

// PatchConversation overwrites the set fields of p on conversation id.
func (db *DB) PatchConversation(id int64, p ConversationPatch) error {
	if p.Empty() {
		return nil
	}
	query, args, err := builder.Update("conversations").
		SetMap(p.columns()).
		Set("updated_at", nowMillis()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build conversation patch: %w", err)
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("patch conversation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns an account's conversations, most recent first.
func (db *DB) ListConversations(accountID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT `+conversationColumns+`
		FROM conversations
		WHERE account_id = ?
		ORDER BY last_message_at DESC, id DESC
		LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// IncrementUnread adds by to the unread counter.
func (db *DB) IncrementUnread(id int64, by int) error {
	if by < 0 {
		return fmt.Errorf("increment unread by %d: must not be negative", by)
	}
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + ?, updated_at = ? WHERE id = ?`,
		by, nowMillis(), id)
	return err
}

// ClearUnread resets the unread counter.
func (db *DB) ClearUnread(id int64) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`, nowMillis(), id)
	return err
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
