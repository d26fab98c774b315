package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bookable/bookchat/internal/bus"
	"github.com/bookable/bookchat/internal/hub"
)

// fakeConn implements Hub, recording calls and returning configurable results.
type fakeConn struct {
	mu         sync.Mutex
	state      hub.State
	connectErr error
	invokeErr  map[string]error
	results    map[string]any
	invokes    []invocation
	handlers   map[string]func([]json.RawMessage)
	closed     bool
}

type invocation struct {
	method string
	args   []any
}

func newFakeConn(state hub.State) *fakeConn {
	return &fakeConn{
		state:     state,
		invokeErr: make(map[string]error),
		results:   make(map[string]any),
		handlers:  make(map[string]func([]json.RawMessage)),
	}
}

func (f *fakeConn) State() hub.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = hub.Connected
	return nil
}

func (f *fakeConn) Invoke(_ context.Context, method string, result any, args ...any) error {
	f.mu.Lock()
	f.invokes = append(f.invokes, invocation{method: method, args: args})
	err := f.invokeErr[method]
	res, hasRes := f.results[method]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if result != nil && hasRes {
		data, merr := json.Marshal(res)
		if merr != nil {
			return merr
		}
		return json.Unmarshal(data, result)
	}
	return nil
}

func (f *fakeConn) On(target string, fn func([]json.RawMessage)) {
	f.mu.Lock()
	f.handlers[target] = fn
	f.mu.Unlock()
}

func (f *fakeConn) Off(target string) {
	f.mu.Lock()
	delete(f.handlers, target)
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.state = hub.Disconnected
	f.mu.Unlock()
	return nil
}

// push simulates a server-initiated event delivery.
func (f *fakeConn) push(t *testing.T, target string, payload any) {
	t.Helper()
	f.mu.Lock()
	fn := f.handlers[target]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("no handler registered for %s", target)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	fn([]json.RawMessage{data})
}

func (f *fakeConn) invocations(method string) []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []invocation
	for _, in := range f.invokes {
		if in.method == method {
			out = append(out, in)
		}
	}
	return out
}

// fakeLoader implements HistoryLoader from fixed data.
type fakeLoader struct {
	mu        sync.Mutex
	convs     []Conversation
	msgs      map[int64][]Message
	convCalls int
}

func (f *fakeLoader) Conversations(_ context.Context) []Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls++
	return f.convs
}

func (f *fakeLoader) Messages(_ context.Context, conversationID int64, _ int) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[conversationID]
}

func testSession(t *testing.T, conn *fakeConn, loader *fakeLoader) *Session {
	t.Helper()
	if loader == nil {
		loader = &fakeLoader{}
	}
	s := NewSession(selfID, conn, loader, nil, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStartRegistersHandlerBeforeConnect(t *testing.T) {
	conn := newFakeConn(hub.Disconnected)
	s := testSession(t, conn, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn.mu.Lock()
	_, registered := conn.handlers["ReceiveMessage"]
	conn.mu.Unlock()
	if !registered {
		t.Error("ReceiveMessage handler not registered")
	}
	if conn.State() != hub.Connected {
		t.Errorf("state = %s, want CONNECTED", conn.State())
	}
}

func TestStartReleasesHandlerOnConnectFailure(t *testing.T) {
	conn := newFakeConn(hub.Disconnected)
	conn.connectErr = errors.New("boom")
	s := testSession(t, conn, nil)

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	conn.mu.Lock()
	_, registered := conn.handlers["ReceiveMessage"]
	conn.mu.Unlock()
	if registered {
		t.Error("handler leaked after failed start")
	}
}

// TestOpenThenSend walks the end-to-end scenario: open resolves conversation
// 7 with no history, a send inserts a pending message, and the confirmed
// echo replaces it, leaving exactly one message with the server id.
func TestOpenThenSend(t *testing.T) {
	conn := newFakeConn(hub.Disconnected)
	conn.results["GetOrCreateDirectConversation"] = 7
	s := testSession(t, conn, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	convID, err := s.Open(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if convID != 7 {
		t.Fatalf("conversation id = %d, want 7", convID)
	}
	if got := len(s.ActiveThread()); got != 0 {
		t.Fatalf("history length = %d, want 0", got)
	}

	if err := s.Send(context.Background(), 7, "hello"); err != nil {
		t.Fatal(err)
	}
	thread := s.ActiveThread()
	if len(thread) != 1 || !thread[0].Pending() {
		t.Fatalf("thread after send = %+v, want one pending message", thread)
	}

	conn.push(t, "ReceiveMessage", Message{
		ID:             9,
		ConversationID: 7,
		SenderID:       selfID,
		Content:        "hello",
		SentAt:         time.Now(),
	})

	thread = s.ActiveThread()
	if len(thread) != 1 {
		t.Fatalf("thread length = %d, want 1 (replaced, not duplicated)", len(thread))
	}
	if thread[0].ID != 9 {
		t.Errorf("message id = %d, want 9", thread[0].ID)
	}

	sends := conn.invocations("SendMessage")
	if len(sends) != 1 {
		t.Errorf("observed %d SendMessage invocations, want 1", len(sends))
	}
}

// TestReplacementEventCarriesLocalID verifies subscribers can correlate a
// confirmed echo with the optimistic message it replaced.
func TestReplacementEventCarriesLocalID(t *testing.T) {
	conn := newFakeConn(hub.Disconnected)
	b := bus.New()
	s := NewSession(selfID, conn, &fakeLoader{}, b, nil)
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.Send(context.Background(), 7, "hello"); err != nil {
		t.Fatal(err)
	}
	pending := s.Thread(7)
	if len(pending) != 1 || pending[0].LocalID == "" {
		t.Fatalf("thread after send = %+v, want one pending message with a LocalID", pending)
	}
	localID := pending[0].LocalID

	ch, unsub := b.Subscribe("chat.message_upserted", 1)
	defer unsub()

	conn.push(t, "ReceiveMessage", Message{
		ID:             9,
		ConversationID: 7,
		SenderID:       selfID,
		Content:        "hello",
		SentAt:         time.Now(),
	})

	select {
	case evt := <-ch:
		msg, ok := evt.Payload.(Message)
		if !ok {
			t.Fatalf("payload type = %T, want Message", evt.Payload)
		}
		if msg.ID != 9 {
			t.Errorf("message id = %d, want 9", msg.ID)
		}
		if msg.LocalID != localID {
			t.Errorf("event LocalID = %q, want %q (correlates replacement)", msg.LocalID, localID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for chat.message_upserted")
	}
}

func TestOpenRefusesSelf(t *testing.T) {
	conn := newFakeConn(hub.Connected)
	s := testSession(t, conn, nil)

	if _, err := s.Open(context.Background(), selfID); err == nil {
		t.Error("Open(self) should fail")
	}
}

func TestOpenRequiresConnection(t *testing.T) {
	conn := newFakeConn(hub.Disconnected)
	s := testSession(t, conn, nil)

	if _, err := s.Open(context.Background(), 42); !errors.Is(err, hub.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestInboundUpdatesDirectory(t *testing.T) {
	conn := newFakeConn(hub.Disconnected)
	b := bus.New()
	s := NewSession(selfID, conn, &fakeLoader{}, b, nil)
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	conn.push(t, "ReceiveMessage", Message{
		ID: 3, ConversationID: 5, SenderID: 42, Content: "hey", SentAt: time.Now(),
	})

	convs := s.Conversations()
	if len(convs) != 1 || convs[0].ID != 5 {
		t.Fatalf("directory = %v, want conversation 5", ids(convs))
	}
	if convs[0].UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", convs[0].UnreadCount)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "chat.message_upserted" {
			t.Errorf("event kind = %q, want chat.message_upserted", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for chat.message_upserted")
	}
}

func TestDuplicateInboundIsIgnored(t *testing.T) {
	conn := newFakeConn(hub.Disconnected)
	s := testSession(t, conn, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	msg := Message{ID: 3, ConversationID: 5, SenderID: 42, Content: "hey", SentAt: time.Now()}
	conn.push(t, "ReceiveMessage", msg)
	conn.push(t, "ReceiveMessage", msg)

	if got := len(s.Thread(5)); got != 1 {
		t.Errorf("thread length = %d, want 1 (idempotent delivery)", got)
	}
	if got := s.Conversations()[0].UnreadCount; got != 1 {
		t.Errorf("unread = %d, want 1 (duplicate must not double-count)", got)
	}
}

func TestSelectConversationResetsUnread(t *testing.T) {
	conn := newFakeConn(hub.Disconnected)
	s := testSession(t, conn, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn.push(t, "ReceiveMessage", Message{
		ID: 3, ConversationID: 5, SenderID: 42, Content: "hey", SentAt: time.Now(),
	})
	s.SelectConversation(5)

	if got := s.Conversations()[0].UnreadCount; got != 0 {
		t.Errorf("unread after select = %d, want 0", got)
	}
	if got := len(s.ActiveThread()); got != 1 {
		t.Errorf("active thread length = %d, want 1", got)
	}
}

func TestSendFailurePublishesEvent(t *testing.T) {
	conn := newFakeConn(hub.Disconnected)
	conn.connectErr = errors.New("network down")
	b := bus.New()
	s := NewSession(selfID, conn, &fakeLoader{}, b, nil)
	t.Cleanup(func() { _ = s.Close() })

	ch, unsub := b.Subscribe("chat.send_failed", 1)
	defer unsub()

	err := s.Send(context.Background(), 7, "hello")
	if !errors.Is(err, ErrSendNotAttempted) {
		t.Fatalf("error = %v, want ErrSendNotAttempted", err)
	}

	select {
	case evt := <-ch:
		failure, ok := evt.Payload.(SendFailure)
		if !ok {
			t.Fatalf("payload type = %T, want SendFailure", evt.Payload)
		}
		if failure.Attempted {
			t.Error("Attempted = true, want false (reconnect failed)")
		}
		if failure.ConversationID != 7 {
			t.Errorf("conversation id = %d, want 7", failure.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for chat.send_failed")
	}
}

func TestCloseMakesInboundNoOp(t *testing.T) {
	conn := newFakeConn(hub.Disconnected)
	s := testSession(t, conn, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Keep a reference to the handler as the hub read loop would, then close.
	conn.mu.Lock()
	fn := conn.handlers["ReceiveMessage"]
	conn.mu.Unlock()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !conn.closed {
		t.Error("hub not closed on session close")
	}

	data, _ := json.Marshal(Message{ID: 1, ConversationID: 5, SenderID: 42, SentAt: time.Now()})
	fn([]json.RawMessage{data})

	if got := len(s.Thread(5)); got != 0 {
		t.Errorf("thread length = %d, want 0 (in-flight delivery after close is a no-op)", got)
	}
}

func TestSendOnClosedSession(t *testing.T) {
	conn := newFakeConn(hub.Connected)
	s := testSession(t, conn, nil)
	_ = s.Close()

	if err := s.Send(context.Background(), 7, "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("error = %v, want ErrSessionClosed", err)
	}
}
