package worker

import (
	"context"
	"errors"
	"fmt"

	intsync "github.com/matheus3301/tgsync/internal/sync"
)

// Caller issues one request/response call. *rpc.Channel satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// ErrSessionExpired is returned when the worker rejects a stored session.
var ErrSessionExpired = errors.New("session expired")

// Client is the typed worker API.
type Client struct {
	caller Caller
}

// NewClient creates a client over c.
func NewClient(c Caller) *Client {
	return &Client{caller: c}
}

// LoginResult is the reply to login.
type LoginResult struct {
	PhoneCodeHash string `json:"phone_code_hash"`
	NeedsCode     bool   `json:"needs_code"`
}

// VerifyResult is the reply to verify_code. Needs2FA is set when a password
// is required; otherwise the session fields are filled.
type VerifyResult struct {
	Needs2FA      bool   `json:"needs_2fa"`
	SessionString string `json:"session_string"`
	Name          string `json:"name"`
	Username      string `json:"username"`
	UserID        ID     `json:"user_id"`
}

// ConnectResult is the reply to connect_with_session.
type ConnectResult struct {
	Success  bool   `json:"success"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Error    string `json:"error"`
}

// SendResult is the reply to send_message.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID ID     `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error"`
}

type dialogWire struct {
	PeerID        ID     `json:"peer_id"`
	PeerType      string `json:"peer_type"`
	Name          string `json:"name"`
	Username      string `json:"username"`
	UnreadCount   int    `json:"unread_count"`
	LastMessage   string `json:"last_message"`
	LastMessageAt int64  `json:"last_message_at"`
}

type historyWire struct {
	RemoteID   ID     `json:"telegram_id"`
	Text       string `json:"text"`
	FromID     ID     `json:"from_id"`
	FromName   string `json:"from_name"`
	IsOutgoing bool   `json:"is_outgoing"`
	Timestamp  int64  `json:"timestamp"`
	MediaType  string `json:"media_type"`
	ReplyToID  ID     `json:"reply_to_id"`
}

// Login starts a phone login for accountID.
func (c *Client) Login(ctx context.Context, accountID, phone string) (*LoginResult, error) {
	var out LoginResult
	params := map[string]any{"phone": phone, "account_id": accountID}
	if err := c.caller.Call(ctx, "login", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyCode completes a login with the received code and, when required,
// the two-factor password.
func (c *Client) VerifyCode(ctx context.Context, accountID, phone, code, hash, password string) (*VerifyResult, error) {
	params := map[string]any{
		"account_id":      accountID,
		"phone":           phone,
		"code":            code,
		"phone_code_hash": hash,
	}
	if password != "" {
		params["password"] = password
	}
	var out VerifyResult
	if err := c.caller.Call(ctx, "verify_code", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConnectWithSession resumes accountID from a stored session string.
func (c *Client) ConnectWithSession(ctx context.Context, accountID, session string) (*ConnectResult, error) {
	var out ConnectResult
	params := map[string]any{"account_id": accountID, "session_string": session}
	if err := c.caller.Call(ctx, "connect_with_session", params, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		if out.Error == "Session expired" {
			return &out, ErrSessionExpired
		}
		return &out, fmt.Errorf("connect %s: %s", accountID, out.Error)
	}
	return &out, nil
}

// Disconnect drops the worker-side client of accountID.
func (c *Client) Disconnect(ctx context.Context, accountID string) error {
	var out struct {
		Success bool `json:"success"`
	}
	return c.caller.Call(ctx, "disconnect", map[string]any{"account_id": accountID}, &out)
}

// Ping checks that the worker answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.caller.Call(ctx, "ping", nil, nil)
}

// GetDialogs lists up to limit dialogs of accountID, most recent first.
func (c *Client) GetDialogs(ctx context.Context, accountID string, limit int) ([]intsync.Dialog, error) {
	var wire []dialogWire
	params := map[string]any{"account_id": accountID, "limit": limit}
	if err := c.caller.Call(ctx, "get_dialogs", params, &wire); err != nil {
		return nil, err
	}
	out := make([]intsync.Dialog, 0, len(wire))
	for _, d := range wire {
		if d.PeerID == "" {
			continue
		}
		out = append(out, intsync.Dialog{
			PeerID:        d.PeerID.String(),
			PeerType:      d.PeerType,
			Name:          d.Name,
			Username:      d.Username,
			UnreadCount:   d.UnreadCount,
			LastMessageAt: d.LastMessageAt,
		})
	}
	return out, nil
}

// FetchMessages returns up to limit recent messages of dialog d, filled in
// with the dialog's identity so they can be ingested directly.
func (c *Client) FetchMessages(ctx context.Context, accountID string, d intsync.Dialog, limit int) ([]intsync.InboundMessage, error) {
	var wire []historyWire
	params := map[string]any{"account_id": accountID, "peer_id": d.PeerID, "limit": limit}
	if err := c.caller.Call(ctx, "fetch_messages", params, &wire); err != nil {
		return nil, err
	}
	out := make([]intsync.InboundMessage, 0, len(wire))
	for _, m := range wire {
		out = append(out, intsync.InboundMessage{
			AccountID:  accountID,
			PeerID:     d.PeerID,
			PeerType:   d.PeerType,
			Name:       d.Name,
			Username:   d.Username,
			RemoteID:   m.RemoteID.String(),
			Text:       m.Text,
			FromID:     m.FromID.String(),
			FromName:   m.FromName,
			IsOutgoing: m.IsOutgoing,
			Timestamp:  m.Timestamp,
			MediaType:  m.MediaType,
			ReplyToID:  m.ReplyToID.String(),
		})
	}
	return out, nil
}

// SendMessage sends text to peerID. A worker-reported failure is an error.
func (c *Client) SendMessage(ctx context.Context, accountID, peerID, text, replyTo string) (*SendResult, error) {
	params := map[string]any{"account_id": accountID, "peer_id": peerID, "text": text}
	if replyTo != "" {
		params["reply_to"] = replyTo
	}
	var out SendResult
	if err := c.caller.Call(ctx, "send_message", params, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return &out, fmt.Errorf("send to %s: %s", peerID, out.Error)
	}
	return &out, nil
}
