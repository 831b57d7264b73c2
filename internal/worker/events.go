package worker

import (
	"github.com/matheus3301/tgsync/internal/bus"
	"github.com/matheus3301/tgsync/internal/rpc"
	intsync "github.com/matheus3301/tgsync/internal/sync"
	"go.uber.org/zap"
)

// Notification types sent by the worker.
const (
	TypeLog        = "log"
	TypeDebug      = "debug"
	TypeMessage    = "message"
	TypeNewMessage = "new_message"
	TypeError      = "error"
	TypeSync       = "sync"
)

// Enqueuer accepts live messages for ingestion.
type Enqueuer interface {
	Enqueue(msg intsync.InboundMessage) error
}

// ErrorEvent is the payload of worker.error bus events.
type ErrorEvent struct {
	Message     string `json:"message"`
	AccountID   string `json:"account_id,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	FailedCalls int    `json:"failed_calls,omitempty"`
	Permanent   bool   `json:"permanent,omitempty"`
}

// SyncEvent is the payload of worker.sync bus events.
type SyncEvent struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

type messageWire struct {
	AccountID  string `json:"account_id"`
	PeerID     ID     `json:"peer_id"`
	PeerType   string `json:"peer_type"`
	Name       string `json:"name"`
	Username   string `json:"username"`
	RemoteID   ID     `json:"telegram_id"`
	Text       string `json:"text"`
	FromID     ID     `json:"from_id"`
	FromName   string `json:"from_name"`
	IsOutgoing bool   `json:"is_outgoing"`
	IsBot      bool   `json:"is_bot"`
	Timestamp  int64  `json:"timestamp"`
	MediaType  string `json:"media_type"`
	ReplyToID  ID     `json:"reply_to_id"`
}

func (w messageWire) inbound() intsync.InboundMessage {
	return intsync.InboundMessage{
		AccountID:  w.AccountID,
		PeerID:     w.PeerID.String(),
		PeerType:   w.PeerType,
		Name:       w.Name,
		Username:   w.Username,
		RemoteID:   w.RemoteID.String(),
		Text:       w.Text,
		FromID:     w.FromID.String(),
		FromName:   w.FromName,
		IsOutgoing: w.IsOutgoing,
		IsBot:      w.IsBot,
		Timestamp:  w.Timestamp,
		MediaType:  w.MediaType,
		ReplyToID:  w.ReplyToID.String(),
	}
}

// Router is the channel's notification observer. It does not ingest
// directly: messages go through the queue so a slow store never stalls the
// worker's output stream.
type Router struct {
	queue  Enqueuer
	bus    *bus.Bus
	logger *zap.Logger
}

// NewRouter creates a router feeding q and publishing on b.
func NewRouter(q Enqueuer, b *bus.Bus, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{queue: q, bus: b, logger: logger.Named("worker")}
}

// Handle processes one notification.
func (r *Router) Handle(n rpc.Notification) {
	switch n.Type {
	case TypeLog, TypeDebug:
		r.handleLog(n)
	case TypeMessage:
		r.handleMessage(n)
	case TypeNewMessage:
		var p struct {
			AccountID string `json:"account_id"`
			PeerID    ID     `json:"peer_id"`
			MessageID ID     `json:"message_id"`
		}
		if err := n.Decode(&p); err != nil {
			r.logger.Warn("undecodable new_message notification", zap.Error(err))
			return
		}
		r.logger.Debug("new message", zap.String("account", p.AccountID), zap.Stringer("peer", p.PeerID), zap.Stringer("id", p.MessageID))
	case TypeError:
		var evt ErrorEvent
		if err := n.Decode(&evt); err != nil {
			r.logger.Warn("undecodable error notification", zap.Error(err))
			return
		}
		r.logger.Error("worker error",
			zap.String("message", evt.Message),
			zap.String("account", evt.AccountID),
			zap.Int("attempt", evt.Attempt),
			zap.Bool("permanent", evt.Permanent))
		r.bus.Emit(bus.KindWorkerError, evt)
	case TypeSync:
		var evt SyncEvent
		if err := n.Decode(&evt); err != nil {
			r.logger.Warn("undecodable sync notification", zap.Error(err))
			return
		}
		r.bus.Emit(bus.KindWorkerSync, evt)
	default:
		r.logger.Debug("unhandled notification", zap.String("type", n.Type))
	}
}

func (r *Router) handleLog(n rpc.Notification) {
	var p struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := n.Decode(&p); err != nil {
		r.logger.Warn("undecodable log notification", zap.Error(err))
		return
	}
	if n.Type == TypeDebug {
		r.logger.Debug(p.Message)
		return
	}
	switch p.Level {
	case "error":
		r.logger.Error(p.Message)
	case "warning", "warn":
		r.logger.Warn(p.Message)
	case "debug":
		r.logger.Debug(p.Message)
	default:
		r.logger.Info(p.Message)
	}
}

func (r *Router) handleMessage(n rpc.Notification) {
	var w messageWire
	if err := n.Decode(&w); err != nil {
		r.logger.Warn("undecodable message notification", zap.Error(err))
		return
	}
	msg := w.inbound()
	if err := msg.Validate(); err != nil {
		r.logger.Warn("dropping message notification", zap.Error(err))
		return
	}
	if err := r.queue.Enqueue(msg); err != nil {
		r.logger.Error("failed to enqueue message",
			zap.Error(err),
			zap.String("account", msg.AccountID),
			zap.String("peer", msg.PeerID),
			zap.String("remote_id", msg.RemoteID))
	}
}
