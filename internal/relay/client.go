package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/util"
)

const (
	writeTimeout = 10 * time.Second
	frameSlack   = 4 * 1024 // envelope bytes a forwarded frame may add
)

// State is the connection state of a Client.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Option configures a Client.
type Option func(*Client)

// WithMaxMessageSize overrides the largest frame the client will send.
func WithMaxMessageSize(n int) Option {
	return func(c *Client) { c.maxMessageSize = n }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

type subscription struct {
	id uint64
	fn Handler
}

// Client is one connection to a relay hub. A Client is single-use: once it
// is disconnected a new one must be created.
type Client struct {
	url            string
	dialer         *websocket.Dialer
	maxMessageSize int

	state atomic.Int32

	wmu  sync.Mutex // serializes writes, gorilla allows one concurrent writer
	conn atomic.Pointer[websocket.Conn]

	hmu      sync.RWMutex
	handlers map[string][]subscription
	nextSub  uint64

	pmu     sync.Mutex
	pending map[uint64]chan error
	nextID  atomic.Uint64

	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewClient creates a client for the hub at url. Call Connect to dial.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		dialer:         websocket.DefaultDialer,
		maxMessageSize: DefaultMaxMessageSize,
		handlers:       make(map[string][]subscription),
		pending:        make(map[uint64]chan error),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect dials the hub and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return fmt.Errorf("relay client already connected")
	}
	select {
	case <-c.done:
		c.state.Store(int32(Disconnected))
		return fmt.Errorf("%w: client already closed", ErrChannelUnavailable)
	default:
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.state.Store(int32(Disconnected))
		return fmt.Errorf("%w: failed to connect to %s: %v", ErrChannelUnavailable, c.url, err)
	}
	conn.SetReadLimit(int64(c.maxMessageSize + frameSlack))

	c.conn.Store(conn)
	c.state.Store(int32(Connected))
	go c.readLoop(conn)

	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// URL returns the hub address.
func (c *Client) URL() string { return c.url }

// MaxMessageSize returns the largest frame the client sends.
func (c *Client) MaxMessageSize() int { return c.maxMessageSize }

// Done returns a channel that is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended; nil after a local Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close sends a close frame and tears the connection down. Safe to call
// multiple times.
func (c *Client) Close() error {
	c.closing.Store(true)

	if conn := c.conn.Load(); conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}

	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if c.closing.Load() {
			cause = nil
		}
		c.err = cause
		c.state.Store(int32(Disconnected))

		if conn := c.conn.Load(); conn != nil {
			conn.Close()
		}

		c.pmu.Lock()
		for id, ch := range c.pending {
			ch <- ErrChannelUnavailable
			delete(c.pending, id)
		}
		c.pmu.Unlock()

		close(c.done)
	})
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// On subscribes h to an event and returns a function that removes it.
func (c *Client) On(event string, h Handler) func() {
	c.hmu.Lock()
	c.nextSub++
	id := c.nextSub
	c.handlers[event] = append(c.handlers[event], subscription{id: id, fn: h})
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		subs := c.handlers[event]
		for i, s := range subs {
			if s.id == id {
				c.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrChannelUnavailable, err))
			return
		}

		var f frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			util.LogWarning("relay: dropping undecodable frame (%d bytes): %v", len(data), err)
			continue
		}

		switch f.Type {
		case frameCompletion:
			c.complete(f.ID, f.Error)
		case frameEvent:
			c.dispatch(f.Target, f.Args)
		default:
			util.LogDebug("relay: ignoring frame type %d", f.Type)
		}
	}
}

func (c *Client) complete(id uint64, remote string) {
	c.pmu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pmu.Unlock()

	if !ok {
		return
	}
	if remote != "" {
		ch <- fmt.Errorf("%w: %s", ErrInvokeFailed, remote)
		return
	}
	ch <- nil
}

func (c *Client) dispatch(event string, args []byte) {
	c.hmu.RLock()
	subs := c.handlers[event]
	c.hmu.RUnlock()

	if len(subs) == 0 {
		util.LogDebug("relay: no handler for event %s", event)
		return
	}
	for _, s := range subs {
		s.fn(args)
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Invoke calls a hub method and waits for its completion.
func (c *Client) Invoke(ctx context.Context, method string, args any) error {
	if c.State() != Connected {
		return ErrChannelUnavailable
	}

	id := c.nextID.Add(1)
	ch := make(chan error, 1)

	c.pmu.Lock()
	c.pending[id] = ch
	c.pmu.Unlock()

	defer func() {
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
	}()

	if err := c.write(id, method, args); err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrChannelUnavailable
	}
}

// Post calls a hub method without waiting for any acknowledgement.
func (c *Client) Post(method string, args any) error {
	if c.State() != Connected {
		return ErrChannelUnavailable
	}
	return c.write(0, method, args)
}

// SendData delivers a container and waits until the hub has forwarded it.
func (c *Client) SendData(ctx context.Context, recipient string, ctr *protocol.Container) error {
	return c.Invoke(ctx, MethodSendData, SendDataRequest{RecipientAlias: recipient, Container: ctr})
}

// PostData delivers a container fire-and-forget.
func (c *Client) PostData(recipient string, ctr *protocol.Container) error {
	return c.Post(MethodSendData, SendDataRequest{RecipientAlias: recipient, Container: ctr})
}

func (c *Client) write(id uint64, method string, args any) error {
	raw, err := msgpack.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s arguments: %w", method, err)
	}

	data, err := msgpack.Marshal(&frame{Type: frameInvoke, ID: id, Target: method, Args: raw})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", method, err)
	}
	if len(data) > c.maxMessageSize {
		return fmt.Errorf("%w: %s frame is %d bytes, limit %d", ErrChannelRejected, method, len(data), c.maxMessageSize)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	conn := c.conn.Load()
	if conn == nil {
		return ErrChannelUnavailable
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}
