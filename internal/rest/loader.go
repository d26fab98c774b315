package rest

import (
	"context"

	"go.uber.org/zap"

	"github.com/bookable/bookchat/internal/chat"
)

// Loader wraps Client with the lenient-degradation policy: a failed load is
// logged and becomes an empty result, never an error in a render path.
type Loader struct {
	client *Client
	logger *zap.Logger
}

// NewLoader creates a loader over the given client.
func NewLoader(client *Client, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{client: client, logger: logger}
}

// Conversations returns the conversation list, or nil on failure.
func (l *Loader) Conversations(ctx context.Context) []chat.Conversation {
	convs, err := l.client.Conversations(ctx)
	if err != nil {
		l.logger.Warn("conversation list load failed", zap.Error(err))
		return nil
	}
	return convs
}

// Messages returns a conversation's history ascending by SentAt, or nil on
// failure.
func (l *Loader) Messages(ctx context.Context, conversationID int64, take int) []chat.Message {
	msgs, err := l.client.Messages(ctx, conversationID, take)
	if err != nil {
		l.logger.Warn("message history load failed",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err))
		return nil
	}
	return msgs
}
