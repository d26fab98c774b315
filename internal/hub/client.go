package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/bookable/bookchat/internal/bus"
	"github.com/bookable/bookchat/internal/token"
)

var (
	// ErrNotConnected is returned when an operation requires a live connection.
	ErrNotConnected = errors.New("hub: not connected")
	// ErrClosed is returned after Close; a closed client is never reused.
	ErrClosed = errors.New("hub: client closed")
)

// Options configures a hub client.
type Options struct {
	// URL is the hub endpoint, e.g. "https://bookings.example.com/hubs/chat".
	URL string
	// Tokens supplies the bearer token, read fresh per handshake attempt.
	Tokens token.Source
	// Bus receives hub.state_changed events. Optional.
	Bus *bus.Bus
	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	HandshakeTimeout time.Duration
	InvokeTimeout    time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.InvokeTimeout == 0 {
		o.InvokeTimeout = 15 * time.Second
	}
	if o.ReconnectMin == 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 30 * time.Second
	}
}

type completion struct {
	result json.RawMessage
	err    error
}

// Client maintains one persistent, authenticated hub connection. It exposes
// the connection state, dispatches inbound invocations to registered
// handlers, performs remote calls, and reconnects automatically with capped
// exponential backoff when the transport drops.
type Client struct {
	opts    Options
	logger  *zap.Logger
	machine *Machine

	mu        sync.Mutex // guards ws, closed, runCancel
	ws        *websocket.Conn
	closed    bool
	runCancel context.CancelFunc

	wmu sync.Mutex // serializes transport writes

	hmu      sync.RWMutex
	handlers map[string]func(args []json.RawMessage)

	cmu   sync.Mutex
	calls map[string]chan completion
	seq   atomic.Uint64
}

// NewClient creates a client in the Disconnected state.
func NewClient(opts Options) *Client {
	opts.setDefaults()
	return &Client{
		opts:     opts,
		logger:   opts.Logger,
		machine:  NewMachine(opts.Bus),
		handlers: make(map[string]func([]json.RawMessage)),
		calls:    make(map[string]chan completion),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.machine.Current()
}

// On registers the handler for an inbound invocation target, replacing any
// previous handler. Handlers survive reconnects; register before Connect.
func (c *Client) On(target string, fn func(args []json.RawMessage)) {
	c.hmu.Lock()
	c.handlers[target] = fn
	c.hmu.Unlock()
}

// Off unregisters the handler for target.
func (c *Client) Off(target string) {
	c.hmu.Lock()
	delete(c.handlers, target)
	c.hmu.Unlock()
}

// Connect dials the hub, performs the handshake, and starts the read loop.
// It fails if the client is closed or a connection attempt is already active.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.machine.Transition(Connecting); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	ws, leftover, err := c.dial(ctx)
	if err != nil {
		_ = c.machine.Transition(Disconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = ws.Close(websocket.StatusNormalClosure, "client close")
		return ErrClosed
	}
	c.ws = ws
	c.runCancel = cancel
	c.mu.Unlock()

	_ = c.machine.Transition(Connected)
	c.handleRecords(leftover)
	go c.readLoop(runCtx, ws)
	return nil
}

// dial establishes the transport and completes the hub handshake. The token
// source is consulted here so every attempt honors a rotated token. Frames
// the server batched behind the handshake ack are returned for dispatch.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, [][]byte, error) {
	tok, err := c.opts.Tokens.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("read token: %w", err)
	}

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse hub url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", tok)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial hub: %w", err)
	}

	hs, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake error")
		return nil, nil, err
	}
	if err := ws.Write(dialCtx, websocket.MessageText, hs); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake error")
		return nil, nil, fmt.Errorf("handshake write: %w", err)
	}

	_, resp, err := ws.Read(dialCtx)
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake error")
		return nil, nil, fmt.Errorf("handshake read: %w", err)
	}
	leftover, err := parseHandshakeResponse(resp)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "handshake rejected")
		return nil, nil, err
	}

	return ws, leftover, nil
}

// Invoke performs a remote call and decodes the completion result into
// result when non-nil. Callers must check State()==Connected first; there is
// no queuing across disconnects.
func (c *Client) Invoke(ctx context.Context, method string, result any, args ...any) error {
	if c.machine.Current() != Connected {
		return ErrNotConnected
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("invoke %s: marshal argument %d: %w", method, i, err)
		}
		raw[i] = data
	}

	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan completion, 1)
	c.cmu.Lock()
	c.calls[id] = ch
	c.cmu.Unlock()

	payload, err := encodeFrame(frame{
		Type:         frameInvocation,
		InvocationID: id,
		Target:       method,
		Arguments:    raw,
	})
	if err != nil {
		c.dropCall(id)
		return fmt.Errorf("invoke %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.InvokeTimeout)
	defer cancel()

	c.wmu.Lock()
	err = ws.Write(callCtx, websocket.MessageText, payload)
	c.wmu.Unlock()
	if err != nil {
		c.dropCall(id)
		return fmt.Errorf("invoke %s: %w", method, err)
	}

	select {
	case comp := <-ch:
		if comp.err != nil {
			return fmt.Errorf("invoke %s: %w", method, comp.err)
		}
		if result != nil && len(comp.result) > 0 {
			if err := json.Unmarshal(comp.result, result); err != nil {
				return fmt.Errorf("invoke %s: decode result: %w", method, err)
			}
		}
		return nil
	case <-callCtx.Done():
		c.dropCall(id)
		return fmt.Errorf("invoke %s: %w", method, callCtx.Err())
	}
}

// Close tears the client down: the read loop stops, pending invocations
// fail, handlers are released, and the state becomes Disconnected. In-flight
// responses arriving after Close are dropped silently.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.runCancel
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.failPending(ErrClosed)

	c.hmu.Lock()
	c.handlers = make(map[string]func([]json.RawMessage))
	c.hmu.Unlock()

	if c.machine.Current() != Disconnected {
		_ = c.machine.Transition(Disconnected)
	}
	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.handleDisconnect(ctx, err)
			return
		}
		c.handleRecords(splitFrames(data))
	}
}

func (c *Client) handleRecords(recs [][]byte) {
	for _, rec := range recs {
		var f frame
		if err := json.Unmarshal(rec, &f); err != nil {
			c.logger.Warn("malformed hub frame", zap.Error(err))
			continue
		}
		switch f.Type {
		case frameInvocation:
			c.dispatch(f)
		case frameCompletion:
			c.complete(f)
		case framePing:
			// Server keepalive.
		case frameClose:
			c.logger.Warn("server closed hub session", zap.String("error", f.Error))
		}
	}
}

func (c *Client) dispatch(f frame) {
	c.hmu.RLock()
	fn := c.handlers[f.Target]
	c.hmu.RUnlock()
	if fn == nil {
		return
	}
	fn(f.Arguments)
}

func (c *Client) complete(f frame) {
	c.cmu.Lock()
	ch := c.calls[f.InvocationID]
	delete(c.calls, f.InvocationID)
	c.cmu.Unlock()
	if ch == nil {
		return
	}
	var err error
	if f.Error != "" {
		err = errors.New(f.Error)
	}
	ch <- completion{result: f.Result, err: err}
}

func (c *Client) dropCall(id string) {
	c.cmu.Lock()
	delete(c.calls, id)
	c.cmu.Unlock()
}

func (c *Client) failPending(err error) {
	c.cmu.Lock()
	for id, ch := range c.calls {
		delete(c.calls, id)
		ch <- completion{err: err}
	}
	c.cmu.Unlock()
}

// handleDisconnect runs when the read loop exits. After an explicit Close it
// is a no-op; otherwise it marks the connection Reconnecting and starts the
// backoff loop.
func (c *Client) handleDisconnect(ctx context.Context, cause error) {
	c.failPending(ErrNotConnected)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || ctx.Err() != nil {
		return
	}

	c.logger.Warn("hub connection lost", zap.Error(cause))
	if err := c.machine.Transition(Reconnecting); err != nil {
		return
	}
	go c.reconnectLoop(ctx)
}

func (c *Client) reconnectLoop(ctx context.Context) {
	backoff := c.opts.ReconnectMin
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if c.machine.Current() != Reconnecting {
			return
		}

		ws, leftover, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("hub reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close(websocket.StatusNormalClosure, "client close")
			return
		}
		c.ws = ws
		c.mu.Unlock()

		_ = c.machine.Transition(Connected)
		c.logger.Info("hub reconnected", zap.Int("attempt", attempt))
		c.handleRecords(leftover)
		go c.readLoop(ctx, ws)
		return
	}
}
