package sync

import (
	"errors"
	"fmt"

	"github.com/matheus3301/tgsync/internal/filter"
	"github.com/matheus3301/tgsync/internal/store"
)

// ErrInvalidMessage is returned for messages missing their identity fields
// or carrying an unknown peer type.
var ErrInvalidMessage = errors.New("invalid message")

// InboundMessage is one message event to ingest, live or replayed. Optional
// fields are empty when absent.
type InboundMessage struct {
	AccountID  string `json:"account_id"`
	PeerID     string `json:"peer_id"`
	PeerType   string `json:"peer_type"`
	Name       string `json:"name"`
	Username   string `json:"username,omitempty"`
	RemoteID   string `json:"telegram_id"`
	Text       string `json:"text,omitempty"`
	FromID     string `json:"from_id,omitempty"`
	FromName   string `json:"from_name,omitempty"`
	IsOutgoing bool   `json:"is_outgoing"`
	IsBot      bool   `json:"is_bot,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	MediaType  string `json:"media_type,omitempty"`
	ReplyToID  string `json:"reply_to_id,omitempty"`
}

// Validate checks the fields ingestion keys on.
func (m *InboundMessage) Validate() error {
	switch {
	case m.AccountID == "":
		return fmt.Errorf("%w: missing account_id", ErrInvalidMessage)
	case m.PeerID == "":
		return fmt.Errorf("%w: missing peer_id", ErrInvalidMessage)
	case m.RemoteID == "":
		return fmt.Errorf("%w: missing telegram_id for peer %s", ErrInvalidMessage, m.PeerID)
	}
	switch m.PeerType {
	case filter.PeerUser, filter.PeerChat, filter.PeerChannel:
		return nil
	}
	return fmt.Errorf("%w: peer %s has peer_type %q", ErrInvalidMessage, m.PeerID, m.PeerType)
}

func (m *InboundMessage) candidate() filter.Candidate {
	return filter.Candidate{
		PeerID:     m.PeerID,
		PeerType:   m.PeerType,
		IsOutgoing: m.IsOutgoing,
		IsBot:      m.IsBot,
	}
}

func (m *InboundMessage) conversation() ConversationInput {
	return ConversationInput{
		AccountID: m.AccountID,
		PeerID:    m.PeerID,
		PeerType:  m.PeerType,
		Name:      m.Name,
		Username:  m.Username,
		Timestamp: m.Timestamp,
		Text:      m.Text,
	}
}

func (m *InboundMessage) record(conversationID int64) *store.Message {
	return &store.Message{
		AccountID:      m.AccountID,
		PeerID:         m.PeerID,
		RemoteID:       m.RemoteID,
		ConversationID: conversationID,
		Text:           m.Text,
		FromID:         m.FromID,
		FromName:       m.FromName,
		IsOutgoing:     m.IsOutgoing,
		Timestamp:      m.Timestamp,
		MediaType:      m.MediaType,
		ReplyToID:      m.ReplyToID,
	}
}

// Result is the outcome for one message: rejected with Reason, or saved
// into ConversationID/MessageID. Deduped marks a message that was already stored.
type Result struct {
	Saved          bool   `json:"saved"`
	Reason         string `json:"reason,omitempty"`
	ConversationID int64  `json:"conversationId,omitempty"`
	MessageID      int64  `json:"messageId,omitempty"`
	Deduped        bool   `json:"deduped,omitempty"`
}

// BatchResult aligns Results with the input of IngestBatch.
type BatchResult struct {
	SavedCount   int      `json:"savedCount"`
	SkippedCount int      `json:"skippedCount"`
	DedupedCount int      `json:"dedupedCount"`
	Results      []Result `json:"results"`
}
