package chat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bookable/bookchat/internal/hub"
)

// HistoryLoader supplies conversation and message history, already
// normalized and leniently degraded to empty results on failure.
type HistoryLoader interface {
	Conversations(ctx context.Context) []Conversation
	Messages(ctx context.Context, conversationID int64, take int) []Message
}

// historyTake caps how much history an open pulls.
const historyTake = 50

// Opener orchestrates "start chatting with user X": resolve-or-create the
// direct conversation, join its channel, load history, activate it, refresh
// the conversation list. Each step short-circuits on failure.
type Opener struct {
	selfID   int64
	conn     Conn
	loader   HistoryLoader
	rec      *Reconciler
	dir      *Directory
	activate func(conversationID int64)
	logger   *zap.Logger
}

// NewOpener creates an opener over the session's collaborators. The
// activate callback receives the resolved conversation id; nil is allowed.
func NewOpener(selfID int64, conn Conn, loader HistoryLoader, rec *Reconciler, dir *Directory, activate func(conversationID int64), logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{
		selfID:   selfID,
		conn:     conn,
		loader:   loader,
		rec:      rec,
		dir:      dir,
		activate: activate,
		logger:   logger,
	}
}

// Open returns the id of the direct conversation with targetUserID. The
// connection must be up; the resolve call is idempotent server-side for a
// given user pair.
func (o *Opener) Open(ctx context.Context, targetUserID int64) (int64, error) {
	if targetUserID == o.selfID {
		return 0, errors.New("chat: cannot open a conversation with yourself")
	}
	if o.conn.State() != hub.Connected {
		return 0, hub.ErrNotConnected
	}

	var conversationID int64
	if err := o.conn.Invoke(ctx, "GetOrCreateDirectConversation", &conversationID, targetUserID); err != nil {
		return 0, fmt.Errorf("resolve conversation: %w", err)
	}
	if err := o.conn.Invoke(ctx, "JoinConversation", nil, conversationID); err != nil {
		return 0, fmt.Errorf("join conversation: %w", err)
	}

	o.rec.SetHistory(conversationID, o.loader.Messages(ctx, conversationID, historyTake))
	if o.activate != nil {
		o.activate(conversationID)
	}
	o.dir.Merge(o.loader.Conversations(ctx))

	o.logger.Info("conversation opened",
		zap.Int64("conversation_id", conversationID),
		zap.Int64("target_user_id", targetUserID))
	return conversationID, nil
}
