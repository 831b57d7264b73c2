// Package accounts drives account login, session resume and filter
// settings against the worker and the store.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/tgsync/internal/filter"
	"github.com/matheus3301/tgsync/internal/store"
	"github.com/matheus3301/tgsync/internal/worker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrUnknownAccount is returned for account ids the store does not know.
var ErrUnknownAccount = errors.New("unknown account")

// Store is the account persistence the manager needs.
type Store interface {
	EnsureAccount(id, phone string) (*store.Account, bool, error)
	GetAccount(id string) (*store.Account, error)
	ListAccounts(activeOnly bool) ([]store.Account, error)
	CompleteLogin(id string, u store.SessionUpdate) error
	SetActive(id string, active bool) error
	SetFilter(id, name string, v bool) error
}

// Worker is the part of the worker API used for account lifecycle.
type Worker interface {
	Login(ctx context.Context, accountID, phone string) (*worker.LoginResult, error)
	VerifyCode(ctx context.Context, accountID, phone, code, hash, password string) (*worker.VerifyResult, error)
	ConnectWithSession(ctx context.Context, accountID, session string) (*worker.ConnectResult, error)
	Disconnect(ctx context.Context, accountID string) error
}

// SettingsCache is invalidated when an account's filter changes.
type SettingsCache interface {
	InvalidateSettings(accountID string)
}

// Registration is the outcome of Register.
type Registration struct {
	AccountID     string `json:"accountId"`
	Created       bool   `json:"created"`
	PhoneCodeHash string `json:"phoneCodeHash"`
	NeedsCode     bool   `json:"needsCode"`
}

// Verification is the outcome of Verify.
type Verification struct {
	AccountID string `json:"accountId"`
	Needs2FA  bool   `json:"needs2fa"`
	Name      string `json:"name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Manager coordinates account state between the worker and the store.
type Manager struct {
	store    Store
	worker   Worker
	settings SettingsCache
	timeout  time.Duration
	logger   *zap.Logger
}

// NewManager creates an account manager. timeout bounds each resume call.
func NewManager(s Store, w Worker, sc SettingsCache, timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: s, worker: w, settings: sc, timeout: timeout, logger: logger.Named("accounts")}
}

// Register creates the account for phone if needed and asks the worker to
// send a login code.
func (m *Manager) Register(ctx context.Context, phone string) (*Registration, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, fmt.Errorf("phone is required")
	}
	acc, created, err := m.store.EnsureAccount(uuid.NewString(), phone)
	if err != nil {
		return nil, err
	}
	res, err := m.worker.Login(ctx, acc.ID, phone)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", acc.ID, err)
	}
	m.logger.Info("login started", zap.String("account", acc.ID), zap.Bool("created", created))
	return &Registration{
		AccountID:     acc.ID,
		Created:       created,
		PhoneCodeHash: res.PhoneCodeHash,
		NeedsCode:     res.NeedsCode,
	}, nil
}

// Verify completes a login. When the worker asks for a second factor the
// result has Needs2FA set and nothing is stored; call again with password.
func (m *Manager) Verify(ctx context.Context, accountID, code, hash, password string) (*Verification, error) {
	acc, err := m.account(accountID)
	if err != nil {
		return nil, err
	}
	res, err := m.worker.VerifyCode(ctx, acc.ID, acc.Phone, code, hash, password)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", acc.ID, err)
	}
	if res.Needs2FA {
		return &Verification{AccountID: acc.ID, Needs2FA: true}, nil
	}
	if res.SessionString == "" {
		return nil, fmt.Errorf("verify %s: worker returned no session", acc.ID)
	}
	err = m.store.CompleteLogin(acc.ID, store.SessionUpdate{
		SessionString:  res.SessionString,
		DisplayName:    res.Name,
		Username:       res.Username,
		TelegramUserID: res.UserID.String(),
		LastSyncAt:     time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("account logged in", zap.String("account", acc.ID), zap.String("username", res.Username))
	return &Verification{AccountID: acc.ID, Name: res.Name, Username: res.Username}, nil
}

// ResumeAll reconnects every active account that holds a session. A fresh
// worker knows no sessions, so this runs each time the worker comes up.
// Accounts whose session expired are deactivated.
func (m *Manager) ResumeAll(ctx context.Context) error {
	accs, err := m.store.ListAccounts(true)
	if err != nil {
		return err
	}
	var errs error
	resumed := 0
	for _, a := range accs {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		_, err := m.worker.ConnectWithSession(cctx, a.ID, a.SessionString)
		cancel()
		switch {
		case errors.Is(err, worker.ErrSessionExpired):
			m.logger.Warn("session expired, deactivating account", zap.String("account", a.ID))
			errs = multierr.Append(errs, m.store.SetActive(a.ID, false))
		case err != nil:
			m.logger.Error("failed to resume account", zap.String("account", a.ID), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("resume %s: %w", a.ID, err))
		default:
			resumed++
		}
	}
	m.logger.Info("accounts resumed", zap.Int("resumed", resumed), zap.Int("active", len(accs)))
	return errs
}

// Disconnect drops the worker client of accountID and deactivates it. The
// stored session is kept.
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	acc, err := m.account(accountID)
	if err != nil {
		return err
	}
	if err := m.worker.Disconnect(ctx, acc.ID); err != nil {
		return fmt.Errorf("disconnect %s: %w", acc.ID, err)
	}
	return m.store.SetActive(acc.ID, false)
}

// SetFilter changes one filter toggle and returns the effective settings.
func (m *Manager) SetFilter(accountID, name string, v bool) (filter.Settings, error) {
	var probe filter.Settings
	if !probe.Set(name, v) {
		return filter.Settings{}, fmt.Errorf("unknown filter %q (want one of %s)", name, strings.Join(filter.Names, ", "))
	}
	if err := m.store.SetFilter(accountID, name, v); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return filter.Settings{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
		}
		return filter.Settings{}, err
	}
	if m.settings != nil {
		m.settings.InvalidateSettings(accountID)
	}
	acc, err := m.account(accountID)
	if err != nil {
		return filter.Settings{}, err
	}
	return Effective(acc), nil
}

// List returns all accounts.
func (m *Manager) List() ([]store.Account, error) {
	return m.store.ListAccounts(false)
}

// Effective returns the settings the filter applies for acc.
func Effective(acc *store.Account) filter.Settings {
	if acc.Settings == nil {
		return filter.DefaultSettings()
	}
	return *acc.Settings
}

func (m *Manager) account(id string) (*store.Account, error) {
	acc, err := m.store.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return acc, nil
}
