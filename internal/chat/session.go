package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bookable/bookchat/internal/bus"
)

// ErrSessionClosed is returned by operations on a torn-down session.
var ErrSessionClosed = errors.New("chat: session closed")

// SendFailure is the payload of chat.send_failed events.
type SendFailure struct {
	LocalID        string
	ConversationID int64
	Attempted      bool
	Reason         string
}

// Session owns the chat state for one authenticated user: the hub
// connection, the reconciled message threads and the conversation directory.
// The hub connection, threads and directory are mutated only through the
// session; everything handed out is a copy.
type Session struct {
	userID     int64
	hub        Hub
	loader     HistoryLoader
	rec        *Reconciler
	dir        *Directory
	dispatcher *Dispatcher
	opener     *Opener
	bus        *bus.Bus
	logger     *zap.Logger

	mu     sync.Mutex
	active int64
	closed bool
}

// NewSession builds a session for userID over the given hub connection.
func NewSession(userID int64, h Hub, loader HistoryLoader, b *bus.Bus, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		userID: userID,
		hub:    h,
		loader: loader,
		rec:    NewReconciler(),
		dir:    NewDirectory(userID),
		bus:    b,
		logger: logger,
	}
	s.dispatcher = NewDispatcher(h, logger)
	s.opener = NewOpener(userID, h, loader, s.rec, s.dir, s.SelectConversation, logger)
	return s
}

// UserID returns the session owner's identifier.
func (s *Session) UserID() int64 { return s.userID }

// Start binds the inbound handler, connects the hub and loads the initial
// conversation list. The handler is registered before the first dial so no
// event can arrive unobserved.
func (s *Session) Start(ctx context.Context) error {
	s.hub.On("ReceiveMessage", s.handleReceive)
	if err := s.hub.Connect(ctx); err != nil {
		s.hub.Off("ReceiveMessage")
		return err
	}
	s.dir.Merge(s.loader.Conversations(ctx))
	return nil
}

// Close releases the handler and stops the connection. Responses still in
// flight become no-ops, not errors.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.Off("ReceiveMessage")
	err := s.hub.Close()
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: "session.closed", Timestamp: time.Now(), Payload: s.userID})
	}
	return err
}

// Send inserts the optimistic pending message and dispatches it. The
// pending insert happens before the network call so the UI sees the message
// immediately; a failure is reported inline, never dropped silently.
func (s *Session) Send(ctx context.Context, conversationID int64, content string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	pending := NewPending(conversationID, s.userID, content)
	s.rec.AddPending(pending)

	if err := s.dispatcher.Send(ctx, conversationID, content); err != nil {
		s.logger.Warn("send failed",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err))
		if s.bus != nil {
			s.bus.Publish(bus.Event{
				Kind:      "chat.send_failed",
				Timestamp: time.Now(),
				Payload: SendFailure{
					LocalID:        pending.LocalID,
					ConversationID: conversationID,
					Attempted:      !errors.Is(err, ErrSendNotAttempted),
					Reason:         err.Error(),
				},
			})
		}
		return err
	}
	return nil
}

// Open starts a direct conversation with another user. See Opener.Open.
func (s *Session) Open(ctx context.Context, targetUserID int64) (int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	s.mu.Unlock()
	return s.opener.Open(ctx, targetUserID)
}

// SelectConversation activates a conversation and clears its unread count.
func (s *Session) SelectConversation(conversationID int64) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
	s.dir.Select(conversationID)
}

// ActiveThread returns the visible message sequence for the active
// conversation, ascending by SentAt.
func (s *Session) ActiveThread() []Message {
	s.mu.Lock()
	id := s.active
	s.mu.Unlock()
	if id == 0 {
		return nil
	}
	return s.rec.Thread(id)
}

// Thread returns the message sequence of any conversation.
func (s *Session) Thread(conversationID int64) []Message {
	return s.rec.Thread(conversationID)
}

// Conversations returns the ordered conversation snapshot.
func (s *Session) Conversations() []Conversation {
	return s.dir.Snapshot()
}

// handleReceive processes a ReceiveMessage hub event. After Close it is a
// no-op.
func (s *Session) handleReceive(args []json.RawMessage) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || len(args) == 0 {
		return
	}

	var e Message
	if err := json.Unmarshal(args[0], &e); err != nil {
		s.logger.Warn("malformed message event", zap.Error(err))
		return
	}
	s.applyInbound(e)
}

func (s *Session) applyInbound(e Message) {
	merged, outcome := s.rec.Apply(e)
	if outcome == OutcomeDuplicate {
		return
	}
	s.dir.Apply(merged)
	if s.bus != nil {
		now := time.Now()
		s.bus.Publish(bus.Event{Kind: "chat.message_upserted", Timestamp: now, Payload: merged})
		s.bus.Publish(bus.Event{Kind: "chat.conversation_updated", Timestamp: now, Payload: merged.ConversationID})
	}
}
