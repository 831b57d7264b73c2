package sync

import (
	"fmt"

	"github.com/matheus3301/tgsync/internal/store"
)

// PreviewLimit is the longest conversation preview, in characters.
const PreviewLimit = 100

// MediaPlaceholder is the preview for messages without text.
const MediaPlaceholder = "[media]"

// ConversationStore is the part of the store the reconciler writes.
type ConversationStore interface {
	GetConversation(accountID, peerID string) (*store.Conversation, error)
	CreateConversation(accountID, peerID string, p store.ConversationPatch) (int64, error)
	PatchConversation(id int64, p store.ConversationPatch) error
}

// ConversationInput describes the message a conversation summary is derived from.
type ConversationInput struct {
	AccountID string
	PeerID    string
	PeerType  string
	Name      string
	Username  string
	Timestamp int64
	Text      string
}

// Preview returns the first PreviewLimit characters of text, or the media
// placeholder when text is empty.
func Preview(text string) string {
	if text == "" {
		return MediaPlaceholder
	}
	r := []rune(text)
	if len(r) <= PreviewLimit {
		return text
	}
	return string(r[:PreviewLimit])
}

// Patch builds the conversation patch for in. An empty username is left out
// so the stored one survives.
func (in ConversationInput) Patch() store.ConversationPatch {
	p := store.ConversationPatch{
		Name:          store.Set(in.Name),
		PeerType:      store.Set(in.PeerType),
		LastMessageAt: store.Set(in.Timestamp),
		Preview:       store.Set(Preview(in.Text)),
	}
	if in.Username != "" {
		p.Username = store.Set(in.Username)
	}
	return p
}

// Reconciler keeps the per-(account, peer) conversation summary current.
type Reconciler struct {
	store ConversationStore
}

// NewReconciler creates a reconciler over s.
func NewReconciler(s ConversationStore) *Reconciler {
	return &Reconciler{store: s}
}

// Upsert creates the conversation for in, or patches it when in is at least
// as recent as the stored last message. Returns the conversation id.
func (r *Reconciler) Upsert(in ConversationInput) (int64, error) {
	existing, err := r.store.GetConversation(in.AccountID, in.PeerID)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		id, err := r.store.CreateConversation(in.AccountID, in.PeerID, in.Patch())
		if err != nil {
			return 0, fmt.Errorf("reconcile conversation: %w", err)
		}
		return id, nil
	}
	if in.Timestamp < existing.LastMessageAt {
		return existing.ID, nil
	}
	if err := r.store.PatchConversation(existing.ID, in.Patch()); err != nil {
		return 0, fmt.Errorf("reconcile conversation %d: %w", existing.ID, err)
	}
	return existing.ID, nil
}
