package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/tgsync/internal/bus"
	"github.com/matheus3301/tgsync/internal/store"
	intsync "github.com/matheus3301/tgsync/internal/sync"
	"github.com/matheus3301/tgsync/internal/worker"
	"go.uber.org/zap"
)

// ErrUnknownConversation is returned when queueing to a peer with no stored
// conversation.
var ErrUnknownConversation = errors.New("unknown conversation")

// Store is the outbox persistence.
type Store interface {
	QueueOutbox(e *store.OutboxEntry) error
	PendingOutbox() ([]store.OutboxEntry, error)
	MarkOutboxSending(clientMsgID string) error
	MarkOutboxSent(clientMsgID, remoteID string) error
	MarkOutboxFailed(clientMsgID, errMsg string) error
	RequeueSending() (int, error)
	GetConversation(accountID, peerID string) (*store.Conversation, error)
}

// MessageSender sends one text message through the worker.
type MessageSender interface {
	SendMessage(ctx context.Context, accountID, peerID, text, replyTo string) (*worker.SendResult, error)
}

// Ingester stores a sent message like any other.
type Ingester interface {
	Ingest(msg intsync.InboundMessage) (intsync.Result, error)
}

// Ack is the payload of message.send_ack events.
type Ack struct {
	ClientMsgID string `json:"clientMsgId"`
	AccountID   string `json:"accountId"`
	PeerID      string `json:"peerId"`
	RemoteID    string `json:"remoteId"`
	MessageID   int64  `json:"messageId,omitempty"`
}

// Failure is the payload of message.send_failed events.
type Failure struct {
	ClientMsgID string `json:"clientMsgId"`
	AccountID   string `json:"accountId"`
	PeerID      string `json:"peerId"`
	Error       string `json:"error"`
}

// Sender drains the outbox and sends messages through the worker.
type Sender struct {
	db       Store
	sender   MessageSender
	ingest   Ingester
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSender creates a new outbox sender polling every interval.
func NewSender(db Store, sender MessageSender, ing Ingester, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Sender {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		sender:   sender,
		ingest:   ing,
		bus:      b,
		interval: interval,
		logger:   logger.Named("outbox"),
	}
}

// Queue adds a text message for accountID/peerID and returns its client id.
func (s *Sender) Queue(accountID, peerID, text, replyTo string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty message")
	}
	conv, err := s.db.GetConversation(accountID, peerID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownConversation, accountID, peerID)
	}
	id := uuid.NewString()
	err = s.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID: id,
		AccountID:   accountID,
		PeerID:      peerID,
		Body:        text,
		ReplyToID:   replyTo,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Start begins polling the outbox for pending messages. Entries a previous
// run left in 'sending' are retried.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueSending(); err != nil {
		s.logger.Error("failed to requeue outbox", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		res, err := s.sender.SendMessage(ctx, entry.AccountID, entry.PeerID, entry.Body, entry.ReplyToID)
		if err != nil {
			s.fail(entry, err)
			continue
		}

		remoteID := res.MessageID.String()
		if err := s.db.MarkOutboxSent(entry.ClientMsgID, remoteID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		ack := Ack{
			ClientMsgID: entry.ClientMsgID,
			AccountID:   entry.AccountID,
			PeerID:      entry.PeerID,
			RemoteID:    remoteID,
		}
		if id, err := s.record(entry, remoteID, res.Timestamp); err != nil {
			s.logger.Error("failed to store sent message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		} else {
			ack.MessageID = id
		}

		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("remote_id", remoteID))
		s.bus.Emit(bus.KindSendAck, ack)
	}
}

func (s *Sender) fail(entry store.OutboxEntry, err error) {
	s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	if mErr := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); mErr != nil {
		s.logger.Error("failed to mark failed", zap.Error(mErr), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.bus.Emit(bus.KindSendFailed, Failure{
		ClientMsgID: entry.ClientMsgID,
		AccountID:   entry.AccountID,
		PeerID:      entry.PeerID,
		Error:       err.Error(),
	})
}

// record ingests the sent message as outgoing so the conversation summary
// moves and the worker's later echo deduplicates against it.
func (s *Sender) record(entry store.OutboxEntry, remoteID string, ts int64) (int64, error) {
	if remoteID == "" {
		return 0, fmt.Errorf("worker returned no message id")
	}
	conv, err := s.db.GetConversation(entry.AccountID, entry.PeerID)
	if err != nil {
		return 0, err
	}
	if conv == nil {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownConversation, entry.AccountID, entry.PeerID)
	}
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	res, err := s.ingest.Ingest(intsync.InboundMessage{
		AccountID:  entry.AccountID,
		PeerID:     entry.PeerID,
		PeerType:   conv.PeerType,
		Name:       conv.Name,
		Username:   conv.Username,
		RemoteID:   remoteID,
		Text:       entry.Body,
		IsOutgoing: true,
		Timestamp:  ts,
		ReplyToID:  entry.ReplyToID,
	})
	if err != nil {
		return 0, err
	}
	return res.MessageID, nil
}
