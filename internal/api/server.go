package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/tgsync/internal/accounts"
	"github.com/matheus3301/tgsync/internal/bus"
	"github.com/matheus3301/tgsync/internal/filter"
	"github.com/matheus3301/tgsync/internal/outbox"
	"github.com/matheus3301/tgsync/internal/rpc"
	"github.com/matheus3301/tgsync/internal/store"
	"github.com/matheus3301/tgsync/internal/supervisor"
	intsync "github.com/matheus3301/tgsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Supervisor reports worker process state.
type Supervisor interface {
	Snapshot() supervisor.Info
}

// Pinger checks worker liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Accounts manages account lifecycle.
type Accounts interface {
	Register(ctx context.Context, phone string) (*accounts.Registration, error)
	Verify(ctx context.Context, accountID, code, hash, password string) (*accounts.Verification, error)
	SetFilter(accountID, name string, v bool) (filter.Settings, error)
	List() ([]store.Account, error)
}

// Backfiller runs history backfill for one account.
type Backfiller interface {
	Run(ctx context.Context, accountID string) (intsync.BackfillReport, error)
}

// Mirror is read access to the stored conversations and messages.
type Mirror interface {
	ListConversations(accountID string, limit, offset int) ([]store.Conversation, error)
	GetConversationByID(id int64) (*store.Conversation, error)
	ListMessages(conversationID, beforeTs int64, limit int) ([]store.Message, error)
	SpoolDepth() (int, error)
}

// Outbox queues outgoing messages.
type Outbox interface {
	Queue(accountID, peerID, text, replyTo string) (string, error)
}

// Deps are the collaborators of the control server.
type Deps struct {
	Profile    string
	Supervisor Supervisor
	Worker     Pinger
	Accounts   Accounts
	Backfiller Backfiller
	Mirror     Mirror
	Outbox     Outbox
	Ingest     intsync.BatchIngester
	Bus        *bus.Bus
	Logger     *zap.Logger
}

// Control implements ControlServer.
type Control struct {
	d         Deps
	startedAt time.Time
}

var _ ControlServer = (*Control)(nil)

// NewControl creates the control service.
func NewControl(d Deps) *Control {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Control{d: d, startedAt: time.Now()}
}

// StatusResponse is the reply to GetStatus.
type StatusResponse struct {
	Profile       string `json:"profile"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	Pid           int    `json:"pid,omitempty"`
	Pending       int    `json:"pending"`
	WorkerOK      bool   `json:"workerOk"`
	WorkerError   string `json:"workerError,omitempty"`
	SpoolDepth    int    `json:"spoolDepth"`
	DroppedEvents uint64 `json:"droppedEvents"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// AccountView is one account in ListAccounts.
type AccountView struct {
	ID          string          `json:"id"`
	Phone       string          `json:"phone"`
	Active      bool            `json:"active"`
	DisplayName string          `json:"displayName,omitempty"`
	Username    string          `json:"username,omitempty"`
	LastSyncAt  int64           `json:"lastSyncAt,omitempty"`
	Settings    filter.Settings `json:"settings"`
	Defaults    bool            `json:"defaults"`
}

// ConversationView is one conversation in ListConversations.
type ConversationView struct {
	ID            int64  `json:"id"`
	PeerID        string `json:"peerId"`
	PeerType      string `json:"peerType"`
	Name          string `json:"name"`
	Username      string `json:"username,omitempty"`
	LastMessageAt int64  `json:"lastMessageAt"`
	Preview       string `json:"preview,omitempty"`
	UnreadCount   int    `json:"unreadCount"`
}

// MessageView is one message in ListMessages.
type MessageView struct {
	ID         int64  `json:"id"`
	RemoteID   string `json:"remoteId"`
	Text       string `json:"text,omitempty"`
	FromID     string `json:"fromId,omitempty"`
	FromName   string `json:"fromName,omitempty"`
	IsOutgoing bool   `json:"isOutgoing"`
	Timestamp  int64  `json:"timestamp"`
	MediaType  string `json:"mediaType,omitempty"`
	ReplyToID  string `json:"replyToId,omitempty"`
}

// EventView is one WatchEvents item.
type EventView struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

func reply(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func decodeRequest(in *structpb.Struct, v any) error {
	if err := Decode(in, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(op string, err error) error {
	var (
		transport *rpc.TransportError
		timeout   *rpc.TimeoutError
		remote    *rpc.RemoteError
	)
	code := codes.Internal
	switch {
	case errors.Is(err, accounts.ErrUnknownAccount),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, outbox.ErrUnknownConversation):
		code = codes.NotFound
	case errors.Is(err, intsync.ErrInvalidMessage):
		code = codes.InvalidArgument
	case errors.As(err, &transport), errors.Is(err, rpc.ErrWorkerCrashed):
		code = codes.Unavailable
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.As(err, &remote):
		code = codes.Aborted
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func required(fields map[string]string) error {
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			return grpcstatus.Errorf(codes.InvalidArgument, "%s is required", name)
		}
	}
	return nil
}

func (c *Control) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	info := c.d.Supervisor.Snapshot()
	resp := StatusResponse{
		Profile:       c.d.Profile,
		State:         string(info.State),
		Attempts:      info.Attempts,
		Pid:           info.Pid,
		Pending:       info.Pending,
		DroppedEvents: c.d.Bus.Dropped(),
		UptimeMs:      time.Since(c.startedAt).Milliseconds(),
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.d.Worker.Ping(pctx); err != nil {
		resp.WorkerError = err.Error()
	} else {
		resp.WorkerOK = true
	}
	if n, err := c.d.Mirror.SpoolDepth(); err == nil {
		resp.SpoolDepth = n
	}
	return reply(resp)
}

func (c *Control) ListAccounts(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	accs, err := c.d.Accounts.List()
	if err != nil {
		return nil, toStatus("list accounts", err)
	}
	views := make([]AccountView, 0, len(accs))
	for i := range accs {
		a := &accs[i]
		views = append(views, AccountView{
			ID:          a.ID,
			Phone:       a.Phone,
			Active:      a.IsActive,
			DisplayName: a.DisplayName,
			Username:    a.Username,
			LastSyncAt:  a.LastSyncAt,
			Settings:    accounts.Effective(a),
			Defaults:    a.Settings == nil,
		})
	}
	return reply(map[string]any{"accounts": views})
}

func (c *Control) AddAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required(map[string]string{"phone": req.Phone}); err != nil {
		return nil, err
	}
	reg, err := c.d.Accounts.Register(ctx, req.Phone)
	if err != nil {
		return nil, toStatus("add account", err)
	}
	return reply(reg)
}

func (c *Control) VerifyCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		AccountID     string `json:"accountId"`
		Code          string `json:"code"`
		PhoneCodeHash string `json:"phoneCodeHash"`
		Password      string `json:"password"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required(map[string]string{"accountId": req.AccountID, "code": req.Code}); err != nil {
		return nil, err
	}
	v, err := c.d.Accounts.Verify(ctx, req.AccountID, req.Code, req.PhoneCodeHash, req.Password)
	if err != nil {
		return nil, toStatus("verify code", err)
	}
	return reply(v)
}

func (c *Control) SetFilter(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		AccountID string `json:"accountId"`
		Name      string `json:"name"`
		Value     *bool  `json:"value"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required(map[string]string{"accountId": req.AccountID, "name": req.Name}); err != nil {
		return nil, err
	}
	if req.Value == nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, "value is required")
	}
	var probe filter.Settings
	if !probe.Set(req.Name, *req.Value) {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown filter %q", req.Name)
	}
	s, err := c.d.Accounts.SetFilter(req.AccountID, req.Name, *req.Value)
	if err != nil {
		return nil, toStatus("set filter", err)
	}
	return reply(map[string]any{"accountId": req.AccountID, "settings": s})
}

func (c *Control) Backfill(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		AccountID string `json:"accountId"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required(map[string]string{"accountId": req.AccountID}); err != nil {
		return nil, err
	}
	report, err := c.d.Backfiller.Run(ctx, req.AccountID)
	if err != nil && report.Dialogs == 0 {
		return nil, toStatus("backfill", err)
	}
	resp := map[string]any{"report": report}
	if err != nil {
		resp["error"] = err.Error()
	}
	return reply(resp)
}

func (c *Control) ListConversations(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		AccountID string `json:"accountId"`
		Limit     int    `json:"limit"`
		Offset    int    `json:"offset"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required(map[string]string{"accountId": req.AccountID}); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	convs, err := c.d.Mirror.ListConversations(req.AccountID, req.Limit, req.Offset)
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	views := make([]ConversationView, 0, len(convs))
	for _, cv := range convs {
		views = append(views, ConversationView{
			ID:            cv.ID,
			PeerID:        cv.PeerID,
			PeerType:      cv.PeerType,
			Name:          cv.Name,
			Username:      cv.Username,
			LastMessageAt: cv.LastMessageAt,
			Preview:       cv.LastMessagePreview,
			UnreadCount:   cv.UnreadCount,
		})
	}
	return reply(map[string]any{"conversations": views, "hasMore": len(convs) == req.Limit})
}

func (c *Control) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		ConversationID int64 `json:"conversationId"`
		BeforeTs       int64 `json:"beforeTs"`
		Limit          int   `json:"limit"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.ConversationID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversationId is required")
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if _, err := c.d.Mirror.GetConversationByID(req.ConversationID); err != nil {
		return nil, toStatus("list messages", err)
	}
	msgs, err := c.d.Mirror.ListMessages(req.ConversationID, req.BeforeTs, req.Limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageView{
			ID:         m.ID,
			RemoteID:   m.RemoteID,
			Text:       m.Text,
			FromID:     m.FromID,
			FromName:   m.FromName,
			IsOutgoing: m.IsOutgoing,
			Timestamp:  m.Timestamp,
			MediaType:  m.MediaType,
			ReplyToID:  m.ReplyToID,
		})
	}
	return reply(map[string]any{"messages": views, "hasMore": len(msgs) == req.Limit})
}

func (c *Control) SendText(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		AccountID string `json:"accountId"`
		PeerID    string `json:"peerId"`
		Text      string `json:"text"`
		ReplyTo   string `json:"replyTo"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required(map[string]string{"accountId": req.AccountID, "peerId": req.PeerID, "text": req.Text}); err != nil {
		return nil, err
	}
	id, err := c.d.Outbox.Queue(req.AccountID, req.PeerID, req.Text, req.ReplyTo)
	if err != nil {
		return nil, toStatus("send text", err)
	}
	return reply(map[string]any{"clientMsgId": id})
}

func (c *Control) IngestBatch(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Messages []intsync.InboundMessage `json:"messages"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	res, err := c.d.Ingest.IngestBatch(req.Messages)
	if err != nil {
		return nil, toStatus("ingest batch", err)
	}
	return reply(res)
}

func (c *Control) WatchEvents(in *structpb.Struct, stream EventStream) error {
	var req struct {
		Prefix string `json:"prefix"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return err
	}
	ch, unsub := c.d.Bus.Subscribe(req.Prefix, 256)
	defer unsub()

	c.d.Logger.Debug("event stream opened", zap.String("prefix", req.Prefix))
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case evt := <-ch:
			out, err := Encode(EventView{
				ID:        uuid.NewString(),
				Kind:      evt.Kind,
				Timestamp: evt.Timestamp.UnixMilli(),
				Payload:   evt.Payload,
			})
			if err != nil {
				c.d.Logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}
