package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bookable/bookchat/internal/hub"
)

// Conn is the slice of the hub client the send and open paths need.
type Conn interface {
	State() hub.State
	Connect(ctx context.Context) error
	Invoke(ctx context.Context, method string, result any, args ...any) error
}

// Hub extends Conn with the lifecycle surface a session owns.
type Hub interface {
	Conn
	On(target string, fn func(args []json.RawMessage))
	Off(target string)
	Close() error
}

// ErrSendNotAttempted reports that the message never reached the wire: the
// connection was down and the single reconnect attempt failed too.
var ErrSendNotAttempted = errors.New("chat: send not attempted")

// Dispatcher pushes messages through the hub with a one-shot
// reconnect-and-retry policy. It does not touch message threads; the caller
// inserts the pending message so the optimistic insert stays synchronous
// with the user action.
type Dispatcher struct {
	conn   Conn
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher over the given connection.
func NewDispatcher(conn Conn, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{conn: conn, logger: logger}
}

// Send invokes the remote send. When connected, a failure propagates as-is.
// When disconnected, exactly one reconnect is attempted: success leads to a
// single retry of the send, failure reports ErrSendNotAttempted.
func (d *Dispatcher) Send(ctx context.Context, conversationID int64, content string) error {
	if d.conn.State() != hub.Connected {
		d.logger.Info("send while disconnected, attempting reconnect",
			zap.Int64("conversation_id", conversationID))
		if err := d.conn.Connect(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrSendNotAttempted, err)
		}
	}
	if err := d.conn.Invoke(ctx, "SendMessage", nil, conversationID, content); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
