package sync

import "github.com/matheus3301/tgsync/internal/store"

// MessageStore is the part of the store the deduplicator uses.
type MessageStore interface {
	FindMessage(accountID, peerID, remoteID string) (*store.Message, error)
	InsertMessage(m *store.Message) (int64, bool, error)
}

// Deduplicator makes message inserts idempotent on (account, peer, remote id).
type Deduplicator struct {
	store MessageStore
}

// NewDeduplicator creates a deduplicator over s.
func NewDeduplicator(s MessageStore) *Deduplicator {
	return &Deduplicator{store: s}
}

// InsertIfAbsent stores m unless its key exists. deduped reports that the
// returned id belongs to a message stored earlier. A concurrent insert of the
// same key is resolved by the store's unique index and also reads as deduped.
func (d *Deduplicator) InsertIfAbsent(m *store.Message) (id int64, deduped bool, err error) {
	existing, err := d.store.FindMessage(m.AccountID, m.PeerID, m.RemoteID)
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		return existing.ID, true, nil
	}
	id, inserted, err := d.store.InsertMessage(m)
	if err != nil {
		return 0, false, err
	}
	return id, !inserted, nil
}
