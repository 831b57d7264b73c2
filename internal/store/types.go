package store

import "github.com/matheus3301/tgsync/internal/filter"

// Account is a registered network identity.
type Account struct {
	ID             string
	Phone          string
	IsActive       bool
	SessionString  string
	DisplayName    string
	Username       string
	TelegramUserID string
	// Settings is nil when the account has never stored filter settings.
	Settings   *filter.Settings
	LastSyncAt int64
	CreatedAt  int64
}

// Conversation is the per-(account, peer) summary.
type Conversation struct {
	ID                 int64
	AccountID          string
	PeerID             string
	PeerType           string
	Name               string
	Username           string
	LastMessageAt      int64
	LastMessagePreview string
	UnreadCount        int
}

// Message is a stored message. Empty optional fields are stored as NULL.
type Message struct {
	ID             int64
	AccountID      string
	PeerID         string
	RemoteID       string
	ConversationID int64
	Text           string
	FromID         string
	FromName       string
	IsOutgoing     bool
	Timestamp      int64
	MediaType      string
	ReplyToID      string
}

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	AccountID    string
	PeerID       string
	Body         string
	ReplyToID    string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	RemoteID     string
	CreatedAt    int64
}

// SpoolItem is a spilled ingestion payload.
type SpoolItem struct {
	ID      int64
	Payload []byte
}
