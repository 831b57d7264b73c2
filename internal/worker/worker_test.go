package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/tgsync/internal/bus"
	"github.com/matheus3301/tgsync/internal/rpc"
	intsync "github.com/matheus3301/tgsync/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestIDUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{`"abc"`, "abc"},
		{`12345`, "12345"},
		{`-1001234567890`, "-1001234567890"},
		{`null`, ""},
		{`{"status":"success","value":42}`, "42"},
		{`{"status":"success","value":"x9"}`, "x9"},
		{`{"value":7}`, "7"},
		{`{"value":null}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var id ID
			require.NoError(t, json.Unmarshal([]byte(tt.in), &id))
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestIDUnmarshalRejects(t *testing.T) {
	for _, in := range []string{`{"status":"error","value":1}`, `{"value":{"a":1}}`, `{}`, `true`, `[1]`} {
		var id ID
		assert.Error(t, json.Unmarshal([]byte(in), &id), in)
	}
}

type fakeCaller struct {
	method string
	params map[string]any
	reply  string
	err    error
}

func (f *fakeCaller) Call(_ context.Context, method string, params, result any) error {
	f.method = method
	f.params, _ = params.(map[string]any)
	if f.err != nil {
		return f.err
	}
	if result == nil || f.reply == "" {
		return nil
	}
	return json.Unmarshal([]byte(f.reply), result)
}

func TestClientVerifyCode(t *testing.T) {
	fc := &fakeCaller{reply: `{"session_string":"s","name":"Ann","username":"ann","user_id":{"status":"success","value":99}}`}
	c := NewClient(fc)

	res, err := c.VerifyCode(context.Background(), "acc", "+1", "12345", "hash", "")
	require.NoError(t, err)
	assert.Equal(t, "verify_code", fc.method)
	assert.NotContains(t, fc.params, "password")
	assert.Equal(t, "hash", fc.params["phone_code_hash"])
	assert.Equal(t, ID("99"), res.UserID)
	assert.False(t, res.Needs2FA)

	fc.reply = `{"needs_2fa":true}`
	res, err = c.VerifyCode(context.Background(), "acc", "+1", "12345", "hash", "pw")
	require.NoError(t, err)
	assert.Equal(t, "pw", fc.params["password"])
	assert.True(t, res.Needs2FA)
}

func TestClientConnectWithSession(t *testing.T) {
	fc := &fakeCaller{reply: `{"success":false,"error":"Session expired"}`}
	_, err := NewClient(fc).ConnectWithSession(context.Background(), "acc", "s")
	assert.ErrorIs(t, err, ErrSessionExpired)

	fc.reply = `{"success":false,"error":"flood"}`
	_, err = NewClient(fc).ConnectWithSession(context.Background(), "acc", "s")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionExpired)

	fc.reply = `{"success":true,"name":"Ann"}`
	res, err := NewClient(fc).ConnectWithSession(context.Background(), "acc", "s")
	require.NoError(t, err)
	assert.Equal(t, "Ann", res.Name)
}

func TestClientHistory(t *testing.T) {
	fc := &fakeCaller{reply: `[
		{"peer_id":123,"peer_type":"user","name":"Ann","username":"ann","unread_count":2,"last_message":"hi","last_message_at":5000},
		{"peer_id":null,"peer_type":"user"}
	]`}
	c := NewClient(fc)

	dialogs, err := c.GetDialogs(context.Background(), "acc", 20)
	require.NoError(t, err)
	require.Len(t, dialogs, 1)
	assert.Equal(t, intsync.Dialog{PeerID: "123", PeerType: "user", Name: "Ann", Username: "ann", UnreadCount: 2, LastMessageAt: 5000}, dialogs[0])
	assert.Equal(t, 20, fc.params["limit"])

	fc.reply = `[{"telegram_id":7,"text":"hi","from_id":123,"from_name":"Ann","is_outgoing":false,"timestamp":5000,"media_type":null,"reply_to_id":null}]`
	msgs, err := c.FetchMessages(context.Background(), "acc", dialogs[0], 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, intsync.InboundMessage{
		AccountID: "acc", PeerID: "123", PeerType: "user", Name: "Ann", Username: "ann",
		RemoteID: "7", Text: "hi", FromID: "123", FromName: "Ann", Timestamp: 5000,
	}, msgs[0])
}

func TestClientSendMessage(t *testing.T) {
	fc := &fakeCaller{reply: `{"success":true,"message_id":55,"timestamp":1700000000000}`}
	res, err := NewClient(fc).SendMessage(context.Background(), "acc", "123", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, ID("55"), res.MessageID)
	assert.NotContains(t, fc.params, "reply_to")

	fc.reply = `{"success":false,"error":"peer flood"}`
	_, err = NewClient(fc).SendMessage(context.Background(), "acc", "123", "hello", "9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer flood")
	assert.Equal(t, "9", fc.params["reply_to"])

	boom := errors.New("boom")
	fc.err = boom
	_, err = NewClient(fc).SendMessage(context.Background(), "acc", "123", "hello", "")
	assert.ErrorIs(t, err, boom)
}

type fakeQueue struct {
	msgs []intsync.InboundMessage
}

func (f *fakeQueue) Enqueue(msg intsync.InboundMessage) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

func TestRouterMessage(t *testing.T) {
	q := &fakeQueue{}
	r := NewRouter(q, nil, nil)

	r.Handle(rpc.NewNotification(TypeMessage, map[string]any{
		"account_id":  "acc",
		"peer_id":     123,
		"peer_type":   "user",
		"name":        "Ann",
		"telegram_id": 7,
		"text":        "hi",
		"is_bot":      true,
		"timestamp":   5000,
		"reply_to_id": nil,
	}))
	require.Len(t, q.msgs, 1)
	m := q.msgs[0]
	assert.Equal(t, "123", m.PeerID)
	assert.Equal(t, "7", m.RemoteID)
	assert.True(t, m.IsBot)
	assert.Empty(t, m.ReplyToID)

	// Missing telegram_id is dropped.
	r.Handle(rpc.NewNotification(TypeMessage, map[string]any{"account_id": "acc", "peer_id": 1}))
	assert.Len(t, q.msgs, 1)
}

func TestRouterPublishesErrorsAndSync(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("worker.", 10)
	defer unsub()
	r := NewRouter(&fakeQueue{}, b, nil)

	r.Handle(rpc.NewNotification(TypeError, map[string]any{"message": "worker crashed", "attempt": 2, "failed_calls": 1}))
	r.Handle(rpc.NewNotification(TypeSync, map[string]any{"account_id": "acc", "status": "done"}))
	r.Handle(rpc.NewNotification(TypeLog, map[string]any{"level": "info", "message": "hello"}))

	for _, want := range []any{
		ErrorEvent{Message: "worker crashed", Attempt: 2, FailedCalls: 1},
		SyncEvent{AccountID: "acc", Status: "done"},
	} {
		select {
		case evt := <-ch:
			assert.Equal(t, want, evt.Payload)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for worker event")
		}
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %q", evt.Kind)
	default:
	}
}

func TestRouterLogsUndecodableNotifications(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	q := &fakeQueue{}
	r := NewRouter(q, nil, zap.New(core))

	r.Handle(rpc.NewNotification(TypeNewMessage, map[string]any{"account_id": "acc", "peer_id": true, "message_id": 1}))
	r.Handle(rpc.NewNotification(TypeLog, map[string]any{"level": 5, "message": "hello"}))
	r.Handle(rpc.NewNotification(TypeNewMessage, map[string]any{"account_id": "acc", "peer_id": 42, "message_id": 7}))

	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warns, 2)
	assert.Equal(t, "undecodable new_message notification", warns[0].Message)
	assert.Equal(t, "undecodable log notification", warns[1].Message)

	echoed := logs.FilterMessage("new message").All()
	require.Len(t, echoed, 1)
	assert.Equal(t, "42", echoed[0].ContextMap()["peer"])
	assert.Empty(t, q.msgs)
}
