package accounts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/matheus3301/tgsync/internal/filter"
	"github.com/matheus3301/tgsync/internal/store"
	"github.com/matheus3301/tgsync/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeWorker struct {
	verify    *worker.VerifyResult
	connect   map[string]error
	connected []string
	dropped   []string
}

func (f *fakeWorker) Login(_ context.Context, accountID, phone string) (*worker.LoginResult, error) {
	return &worker.LoginResult{PhoneCodeHash: "hash-" + phone, NeedsCode: true}, nil
}

func (f *fakeWorker) VerifyCode(_ context.Context, _, _, _, _, password string) (*worker.VerifyResult, error) {
	if password == "" && f.verify.Needs2FA {
		return &worker.VerifyResult{Needs2FA: true}, nil
	}
	res := *f.verify
	res.Needs2FA = false
	return &res, nil
}

func (f *fakeWorker) ConnectWithSession(_ context.Context, accountID, _ string) (*worker.ConnectResult, error) {
	f.connected = append(f.connected, accountID)
	if err := f.connect[accountID]; err != nil {
		return &worker.ConnectResult{}, err
	}
	return &worker.ConnectResult{Success: true}, nil
}

func (f *fakeWorker) Disconnect(_ context.Context, accountID string) error {
	f.dropped = append(f.dropped, accountID)
	return nil
}

type fakeCache struct{ invalidated []string }

func (f *fakeCache) InvalidateSettings(id string) { f.invalidated = append(f.invalidated, id) }

func login(t *testing.T, m *Manager, phone string) string {
	t.Helper()
	reg, err := m.Register(context.Background(), phone)
	require.NoError(t, err)
	_, err = m.Verify(context.Background(), reg.AccountID, "11111", reg.PhoneCodeHash, "")
	require.NoError(t, err)
	return reg.AccountID
}

func TestRegisterIsIdempotentPerPhone(t *testing.T) {
	db := testDB(t)
	m := NewManager(db, &fakeWorker{}, nil, 0, nil)

	first, err := m.Register(context.Background(), " +15550001 ")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "hash-+15550001", first.PhoneCodeHash)

	second, err := m.Register(context.Background(), "+15550001")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.AccountID, second.AccountID)

	_, err = m.Register(context.Background(), "  ")
	assert.Error(t, err)
}

func TestVerifyWithSecondFactor(t *testing.T) {
	db := testDB(t)
	w := &fakeWorker{verify: &worker.VerifyResult{Needs2FA: true, SessionString: "sess", Name: "Ann", Username: "ann", UserID: "99"}}
	m := NewManager(db, w, nil, 0, nil)

	reg, err := m.Register(context.Background(), "+15550001")
	require.NoError(t, err)

	v, err := m.Verify(context.Background(), reg.AccountID, "11111", reg.PhoneCodeHash, "")
	require.NoError(t, err)
	assert.True(t, v.Needs2FA)
	acc, err := db.GetAccount(reg.AccountID)
	require.NoError(t, err)
	assert.False(t, acc.IsActive)

	v, err = m.Verify(context.Background(), reg.AccountID, "11111", reg.PhoneCodeHash, "secret")
	require.NoError(t, err)
	assert.False(t, v.Needs2FA)

	acc, err = db.GetAccount(reg.AccountID)
	require.NoError(t, err)
	assert.True(t, acc.IsActive)
	assert.Equal(t, "sess", acc.SessionString)
	assert.Equal(t, "99", acc.TelegramUserID)
	assert.NotZero(t, acc.LastSyncAt)

	_, err = m.Verify(context.Background(), "nope", "1", "h", "")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestResumeAllDeactivatesExpired(t *testing.T) {
	db := testDB(t)
	w := &fakeWorker{verify: &worker.VerifyResult{SessionString: "sess"}}
	m := NewManager(db, w, nil, 0, nil)

	good := login(t, m, "+15550001")
	expired := login(t, m, "+15550002")
	w.connect = map[string]error{expired: worker.ErrSessionExpired}

	require.NoError(t, m.ResumeAll(context.Background()))
	assert.ElementsMatch(t, []string{good, expired}, w.connected)

	acc, err := db.GetAccount(expired)
	require.NoError(t, err)
	assert.False(t, acc.IsActive)

	w.connected = nil
	boom := errors.New("flood")
	w.connect = map[string]error{good: boom}
	err = m.ResumeAll(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{good}, w.connected)
}

func TestDisconnectKeepsSession(t *testing.T) {
	db := testDB(t)
	w := &fakeWorker{verify: &worker.VerifyResult{SessionString: "sess"}}
	m := NewManager(db, w, nil, 0, nil)
	id := login(t, m, "+15550001")

	require.NoError(t, m.Disconnect(context.Background(), id))
	assert.Equal(t, []string{id}, w.dropped)
	acc, err := db.GetAccount(id)
	require.NoError(t, err)
	assert.False(t, acc.IsActive)
	assert.Equal(t, "sess", acc.SessionString)
}

func TestSetFilterInvalidatesCache(t *testing.T) {
	db := testDB(t)
	cache := &fakeCache{}
	m := NewManager(db, &fakeWorker{}, cache, 0, nil)
	reg, err := m.Register(context.Background(), "+15550001")
	require.NoError(t, err)

	got, err := m.SetFilter(reg.AccountID, "saveFromGroups", true)
	require.NoError(t, err)
	want := filter.DefaultSettings()
	want.SaveFromGroups = true
	assert.Equal(t, want, got)
	assert.Equal(t, []string{reg.AccountID}, cache.invalidated)

	_, err = m.SetFilter(reg.AccountID, "saveEverything", true)
	assert.Error(t, err)
	_, err = m.SetFilter("nope", "saveMessages", false)
	assert.ErrorIs(t, err, ErrUnknownAccount)
	assert.Len(t, cache.invalidated, 1)
}
