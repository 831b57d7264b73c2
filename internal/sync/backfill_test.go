package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/tgsync/internal/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	dialogs  []Dialog
	messages map[string][]InboundMessage
	fail     map[string]error
	fetched  []string
}

func (f *fakeHistory) GetDialogs(_ context.Context, _ string, limit int) ([]Dialog, error) {
	if len(f.dialogs) > limit {
		return f.dialogs[:limit], nil
	}
	return f.dialogs, nil
}

func (f *fakeHistory) FetchMessages(_ context.Context, accountID string, d Dialog, _ int) ([]InboundMessage, error) {
	f.fetched = append(f.fetched, d.PeerID)
	if err := f.fail[d.PeerID]; err != nil {
		return nil, err
	}
	out := make([]InboundMessage, 0, len(f.messages[d.PeerID]))
	for _, m := range f.messages[d.PeerID] {
		m.AccountID = accountID
		m.PeerID = d.PeerID
		m.PeerType = d.PeerType
		m.Name = d.Name
		out = append(out, m)
	}
	return out, nil
}

func TestBackfillCheckpoints(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, Options{})
	src := &fakeHistory{
		dialogs: []Dialog{
			{PeerID: "P", PeerType: filter.PeerUser, Name: "Pat", LastMessageAt: 2000},
			{PeerID: "G", PeerType: filter.PeerChat, Name: "Group", LastMessageAt: 3000},
		},
		messages: map[string][]InboundMessage{
			"P": {{RemoteID: "1", Text: "a", Timestamp: 1000}, {RemoteID: "2", Text: "b", Timestamp: 2000}},
			"G": {{RemoteID: "1", Text: "g", Timestamp: 3000}},
		},
	}
	bf := NewBackfiller(src, db, e, 10, 10, nil)

	report, err := bf.Run(context.Background(), "acc1")
	require.NoError(t, err)
	assert.Equal(t, BackfillReport{Dialogs: 2, Saved: 2, Skipped: 1}, report)

	v, ok, err := db.Checkpoint(CheckpointKey("acc1", "P"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2000", v)

	acc, err := db.GetAccount("acc1")
	require.NoError(t, err)
	assert.NotZero(t, acc.LastSyncAt)

	// Nothing changed: no dialog is fetched again.
	src.fetched = nil
	report, err = bf.Run(context.Background(), "acc1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.UpToDate)
	assert.Empty(t, src.fetched)

	// A newer message on P refetches only P; the old ones dedup.
	src.dialogs[0].LastMessageAt = 4000
	src.messages["P"] = append(src.messages["P"], InboundMessage{RemoteID: "3", Text: "c", Timestamp: 4000})
	report, err = bf.Run(context.Background(), "acc1")
	require.NoError(t, err)
	assert.Equal(t, []string{"P"}, src.fetched)
	assert.Equal(t, 3, report.Saved)
	assert.Equal(t, 2, report.Deduped)

	conv, err := db.GetConversation("acc1", "P")
	require.NoError(t, err)
	assert.Equal(t, "c", conv.LastMessagePreview)
}

func TestBackfillContinuesPastFailedDialog(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, Options{})
	boom := errors.New("flood wait")
	src := &fakeHistory{
		dialogs: []Dialog{
			{PeerID: "A", PeerType: filter.PeerUser, LastMessageAt: 10},
			{PeerID: "B", PeerType: filter.PeerUser, LastMessageAt: 20},
		},
		messages: map[string][]InboundMessage{
			"B": {{RemoteID: "1", Text: "b", Timestamp: 20}},
		},
		fail: map[string]error{"A": boom},
	}

	report, err := NewBackfiller(src, db, e, 0, 0, nil).Run(context.Background(), "acc1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Saved)

	_, ok, err := db.Checkpoint(CheckpointKey("acc1", "A"))
	require.NoError(t, err)
	assert.False(t, ok, "failed dialog must not be checkpointed")
}
