package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/tgsync/internal/bus"
	"github.com/matheus3301/tgsync/internal/store"
	intsync "github.com/matheus3301/tgsync/internal/sync"
	"github.com/matheus3301/tgsync/internal/worker"
	"go.uber.org/zap"
)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu    gosync.Mutex
	calls []sendCall
	err   error
	next  int
}

type sendCall struct {
	PeerID  string
	Text    string
	ReplyTo string
}

func (m *mockSender) SendMessage(_ context.Context, _, peerID, text, replyTo string) (*worker.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{PeerID: peerID, Text: text, ReplyTo: replyTo})
	if m.err != nil {
		return nil, m.err
	}
	m.next++
	return &worker.SendResult{Success: true, MessageID: worker.ID(fmt.Sprint(900 + m.next)), Timestamp: 5000}, nil
}

func (m *mockSender) recorded() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.calls...)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, _, err := db.EnsureAccount("acc", "+15550001"); err != nil {
		t.Fatal(err)
	}
	_, err = db.CreateConversation("acc", "42", store.ConversationPatch{
		PeerType:      store.Set("user"),
		Name:          store.Set("Ann"),
		LastMessageAt: store.Set(int64(1000)),
		Preview:       store.Set("earlier"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func newSender(db *store.DB, ms *mockSender, b *bus.Bus) *Sender {
	engine := intsync.NewEngine(db, nil, intsync.Options{})
	return NewSender(db, ms, engine, b, 20*time.Millisecond, zap.NewNop())
}

func TestSenderProcessesPendingMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{}
	s := newSender(db, mock, b)

	ch, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	id, err := s.Queue("acc", "42", "hello", "7")
	if err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	var ack Ack
	select {
	case evt := <-ch:
		ack = evt.Payload.(Ack)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}
	if ack.ClientMsgID != id || ack.RemoteID != "901" {
		t.Errorf("ack = %+v", ack)
	}

	calls := mock.recorded()
	if len(calls) != 1 || calls[0] != (sendCall{PeerID: "42", Text: "hello", ReplyTo: "7"}) {
		t.Fatalf("calls = %+v", calls)
	}

	entry, err := db.GetOutbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != "sent" || entry.RemoteID != "901" {
		t.Errorf("outbox entry = %+v, want sent/901", entry)
	}

	// The sent message is stored as outgoing and moves the summary.
	conv, err := db.GetConversation("acc", "42")
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastMessageAt != 5000 || conv.LastMessagePreview != "hello" {
		t.Errorf("conversation = %+v", conv)
	}
	msg, err := db.FindMessage("acc", "42", "901")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || !msg.IsOutgoing || msg.ID != ack.MessageID {
		t.Errorf("stored message = %+v", msg)
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{err: errors.New("network error")}
	s := newSender(db, mock, b)

	ch, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	id, err := s.Queue("acc", "42", "hello", "")
	if err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		f := evt.Payload.(Failure)
		if f.ClientMsgID != id || f.Error != "network error" {
			t.Errorf("failure = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	s.Stop()
	entry, err := db.GetOutbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != "failed" || entry.ErrorMessage != "network error" {
		t.Errorf("outbox entry = %+v, want failed", entry)
	}
	if n := len(mock.recorded()); n != 1 {
		t.Errorf("got %d send attempts, want 1", n)
	}
}

func TestSenderRequeuesInterruptedSends(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{}
	s := newSender(db, mock, nil)

	id, err := s.Queue("acc", "42", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending(id); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		entry, err := db.GetOutbox(id)
		if err != nil {
			t.Fatal(err)
		}
		if entry.Status == "sent" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("entry still %s", entry.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestQueueValidation(t *testing.T) {
	db := testDB(t)
	s := newSender(db, &mockSender{}, nil)

	if _, err := s.Queue("acc", "42", "   ", ""); err == nil {
		t.Error("empty text accepted")
	}
	if _, err := s.Queue("acc", "nobody", "hi", ""); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("err = %v, want ErrUnknownConversation", err)
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0", len(pending))
	}
}
