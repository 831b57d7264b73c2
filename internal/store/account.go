package store

import (
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/matheus3301/tgsync/internal/filter"
)

// filterColumns maps toggle names to their nullable columns.
var filterColumns = map[string]string{
	"saveMessages":     "save_messages",
	"saveFromChannels": "save_from_channels",
	"saveFromBots":     "save_from_bots",
	"saveFromPrivate":  "save_from_private",
	"saveFromGroups":   "save_from_groups",
}

const accountColumns = `id, phone, is_active, COALESCE(session_string, ''), COALESCE(display_name, ''),
	COALESCE(username, ''), COALESCE(telegram_user_id, ''),
	save_messages, save_from_channels, save_from_bots, save_from_private, save_from_groups,
	COALESCE(last_sync_at, 0), created_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		a                                     Account
		master, channels, bots, private, grps sql.NullBool
	)
	if err := row.Scan(&a.ID, &a.Phone, &a.IsActive, &a.SessionString, &a.DisplayName,
		&a.Username, &a.TelegramUserID,
		&master, &channels, &bots, &private, &grps,
		&a.LastSyncAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	if master.Valid || channels.Valid || bots.Valid || private.Valid || grps.Valid {
		s := filter.DefaultSettings()
		pick := func(dst *bool, v sql.NullBool) {
			if v.Valid {
				*dst = v.Bool
			}
		}
		pick(&s.SaveMessages, master)
		pick(&s.SaveFromChannels, channels)
		pick(&s.SaveFromBots, bots)
		pick(&s.SaveFromPrivate, private)
		pick(&s.SaveFromGroups, grps)
		a.Settings = &s
	}
	return &a, nil
}

// EnsureAccount returns the account for phone, creating it with id if none
// exists. created reports whether this call inserted it.
func (db *DB) EnsureAccount(id, phone string) (*Account, bool, error) {
	now := nowMillis()
	res, err := db.Exec(`
		INSERT INTO accounts (id, phone, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(phone) DO NOTHING`, id, phone, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("ensure account %s: %w", phone, err)
	}
	n, _ := res.RowsAffected()
	a, err := db.GetAccountByPhone(phone)
	if err != nil {
		return nil, false, err
	}
	if a == nil {
		return nil, false, fmt.Errorf("ensure account %s: %w", phone, ErrNotFound)
	}
	return a, n == 1, nil
}

// GetAccount returns the account with id, or nil.
func (db *DB) GetAccount(id string) (*Account, error) {
	a, err := scanAccount(db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// GetAccountByPhone returns the account registered for phone, or nil.
func (db *DB) GetAccountByPhone(phone string) (*Account, error) {
	a, err := scanAccount(db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE phone = ?`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by phone: %w", err)
	}
	return a, nil
}

// ListAccounts returns all accounts in creation order. With activeOnly set,
// only active accounts holding a session credential are returned.
func (db *DB) ListAccounts(activeOnly bool) ([]Account, error) {
	q := builder.Select(accountColumns).From("accounts").OrderBy("created_at ASC", "id ASC")
	if activeOnly {
		q = q.Where(sq.Eq{"is_active": true}).Where(sq.NotEq{"session_string": nil})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// AccountSettings returns the stored filter settings, or nil when the
// account has none. An unknown account is ErrNotFound.
func (db *DB) AccountSettings(id string) (*filter.Settings, error) {
	a, err := db.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return a.Settings, nil
}

// SetFilter stores one filter toggle. Untouched toggles keep reading as
// their defaults.
func (db *DB) SetFilter(id, name string, v bool) error {
	col, ok := filterColumns[name]
	if !ok {
		return fmt.Errorf("unknown filter %q", name)
	}
	query, args, err := builder.Update("accounts").
		Set(col, v).
		Set("updated_at", nowMillis()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("set filter %s on %s: %w", name, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SessionUpdate carries the fields written when authentication completes.
// Empty strings leave the stored values unchanged.
type SessionUpdate struct {
	SessionString  string
	DisplayName    string
	Username       string
	TelegramUserID string
	LastSyncAt     int64
}

// CompleteLogin stores the session credential, marks the account active and
// records profile details.
func (db *DB) CompleteLogin(id string, u SessionUpdate) error {
	q := builder.Update("accounts").
		Set("is_active", true).
		Set("updated_at", nowMillis()).
		Where(sq.Eq{"id": id})
	for col, v := range map[string]string{
		"session_string":   u.SessionString,
		"display_name":     u.DisplayName,
		"username":         u.Username,
		"telegram_user_id": u.TelegramUserID,
	} {
		if v != "" {
			q = q.Set(col, v)
		}
	}
	if u.LastSyncAt > 0 {
		q = q.Set("last_sync_at", u.LastSyncAt)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return err
	}
	res, err := db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("complete login %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips the activity flag. Deactivating keeps the credential.
func (db *DB) SetActive(id string, active bool) error {
	_, err := db.Exec(`UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`, active, nowMillis(), id)
	return err
}

// TouchLastSync records the time of the latest successful sync.
func (db *DB) TouchLastSync(id string, ts int64) error {
	_, err := db.Exec(`UPDATE accounts SET last_sync_at = ?, updated_at = ? WHERE id = ?`, ts, nowMillis(), id)
	return err
}
