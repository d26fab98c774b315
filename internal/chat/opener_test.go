package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bookable/bookchat/internal/hub"
)

func testOpener(conn *fakeConn, loader *fakeLoader) (*Opener, *Reconciler, *Directory) {
	rec := NewReconciler()
	dir := NewDirectory(selfID)
	// A nil logger must be safe; the constructor falls back to a no-op.
	o := NewOpener(selfID, conn, loader, rec, dir, nil, nil)
	return o, rec, dir
}

func TestOpenLoadsHistoryAndRefreshesList(t *testing.T) {
	conn := newFakeConn(hub.Connected)
	conn.results["GetOrCreateDirectConversation"] = 7
	loader := &fakeLoader{
		convs: []Conversation{{ID: 7, OtherUserName: "Ana"}},
		msgs: map[int64][]Message{
			7: {
				confirmed(2, 7, 42, "b", t0.Add(time.Second)),
				confirmed(1, 7, 42, "a", t0),
			},
		},
	}
	o, rec, dir := testOpener(conn, loader)

	var activated int64
	o.activate = func(id int64) { activated = id }

	convID, err := o.Open(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if convID != 7 {
		t.Fatalf("conversation id = %d, want 7", convID)
	}
	if activated != 7 {
		t.Errorf("activated = %d, want 7", activated)
	}

	if got := len(conn.invocations("JoinConversation")); got != 1 {
		t.Errorf("JoinConversation invocations = %d, want 1", got)
	}

	thread := rec.Thread(7)
	if len(thread) != 2 || thread[0].ID != 1 {
		t.Errorf("history not loaded ascending: %+v", thread)
	}
	if got := len(dir.Snapshot()); got != 1 {
		t.Errorf("directory size = %d, want 1", got)
	}
	if loader.convCalls != 1 {
		t.Errorf("conversation list fetched %d times, want 1", loader.convCalls)
	}
}

func TestOpenShortCircuitsOnResolveFailure(t *testing.T) {
	conn := newFakeConn(hub.Connected)
	conn.invokeErr["GetOrCreateDirectConversation"] = errors.New("denied")
	loader := &fakeLoader{}
	o, _, _ := testOpener(conn, loader)

	if _, err := o.Open(context.Background(), 42); err == nil {
		t.Fatal("expected resolve error")
	}
	if got := len(conn.invocations("JoinConversation")); got != 0 {
		t.Errorf("JoinConversation called %d times after failed resolve, want 0", got)
	}
	if loader.convCalls != 0 {
		t.Error("conversation list fetched after failed resolve")
	}
}

func TestOpenShortCircuitsOnJoinFailure(t *testing.T) {
	conn := newFakeConn(hub.Connected)
	conn.results["GetOrCreateDirectConversation"] = 7
	conn.invokeErr["JoinConversation"] = errors.New("denied")
	loader := &fakeLoader{}
	o, rec, _ := testOpener(conn, loader)

	if _, err := o.Open(context.Background(), 42); err == nil {
		t.Fatal("expected join error")
	}
	if got := len(rec.Thread(7)); got != 0 {
		t.Errorf("history loaded after failed join: %d messages", got)
	}
}
