package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/1ureka/relaytun/internal/util"
)

// HubPath is the HTTP path the hub serves WebSocket upgrades on.
const HubPath = "/datahub"

var (
	errAliasEmpty     = errors.New("alias must not be empty")
	errAliasTaken     = errors.New("alias already taken")
	errNotRegistered  = errors.New("register an alias first")
	errUnknownMethod  = errors.New("unknown method")
	errBadArguments   = errors.New("malformed arguments")
	errRecipientGone  = errors.New("recipient not found")
	errRecipientWrite = errors.New("recipient unreachable")
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubMaxMessageSize overrides the largest frame the hub accepts.
func WithHubMaxMessageSize(n int) HubOption {
	return func(h *Hub) { h.maxMessageSize = n }
}

// Hub routes containers between connected clients by alias.
type Hub struct {
	upgrader       websocket.Upgrader
	maxMessageSize int

	mu      sync.RWMutex
	aliases map[string]*hubPeer
	peers   map[*hubPeer]struct{}
}

// hubPeer is one connected client on the hub side.
type hubPeer struct {
	id    uuid.UUID
	conn  *websocket.Conn
	wmu   sync.Mutex
	alias string // guarded by Hub.mu
}

// NewHub creates a hub with no connected clients.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxMessageSize: DefaultMaxMessageSize,
		aliases:        make(map[string]*hubPeer),
		peers:          make(map[*hubPeer]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start relay hub: %w", err)
	}
	return h.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(HubPath, h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		h.closeAll()
	}()

	util.LogInfo("relay hub listening on ws://%s%s", ln.Addr(), HubPath)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Aliases returns the registered aliases in sorted order.
func (h *Hub) Aliases() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.aliases))
	for a := range h.aliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(int64(h.maxMessageSize))

	p := &hubPeer{id: uuid.New(), conn: conn}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	util.LogDebug("hub: connection %s from %s", p.id, r.RemoteAddr)
	h.serve(p)
	h.drop(p)
}

func (h *Hub) serve(p *hubPeer) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := msgpack.Unmarshal(data, &f); err != nil || f.Type != frameInvoke {
			util.LogDebug("hub: dropping malformed frame from %s", p.id)
			continue
		}

		err = h.invoke(p, f.Target, f.Args)
		if f.ID != 0 {
			p.complete(f.ID, err)
		}
	}
}

func (h *Hub) invoke(p *hubPeer, method string, args msgpack.RawMessage) error {
	switch method {
	case MethodRegisterAlias:
		var req RegisterAliasRequest
		if err := msgpack.Unmarshal(args, &req); err != nil {
			return errBadArguments
		}
		alias := strings.TrimSpace(req.Alias)
		if err := h.register(p, alias); err != nil {
			p.event(EventAliasRegistrationFailed, err.Error())
			return err
		}
		util.LogInfo("hub: %s registered as %q", p.id, alias)
		p.event(EventAliasRegistered, alias)
		return nil

	case MethodSendData:
		var req struct {
			RecipientAlias string             `msgpack:"recipientAlias"`
			Container      msgpack.RawMessage `msgpack:"container"`
		}
		if err := msgpack.Unmarshal(args, &req); err != nil {
			return errBadArguments
		}
		return h.forward(p, req.RecipientAlias, EventReceiveDataBatch, req.Container)

	case MethodSignal:
		var req SignalRequest
		if err := msgpack.Unmarshal(args, &req); err != nil {
			return errBadArguments
		}
		sender := h.aliasOf(p)
		return h.forward(p, req.RecipientAlias, EventReceiveSignal, SignalMessage{SenderAlias: sender, Payload: req.Payload})

	default:
		return fmt.Errorf("%w: %s", errUnknownMethod, method)
	}
}

// forward delivers an event to the peer registered as recipient. Failures
// are reported to the sender with SendMessageFailed.
func (h *Hub) forward(p *hubPeer, recipient, event string, args any) error {
	if h.aliasOf(p) == "" {
		return errNotRegistered
	}

	h.mu.RLock()
	target := h.aliases[recipient]
	h.mu.RUnlock()

	var err error
	if target == nil {
		err = fmt.Errorf("%w: %q", errRecipientGone, recipient)
	} else if werr := target.event(event, args); werr != nil {
		err = fmt.Errorf("%w: %q: %v", errRecipientWrite, recipient, werr)
	}

	if err != nil {
		p.event(EventSendMessageFailed, err.Error())
	}
	return err
}

func (h *Hub) register(p *hubPeer, alias string) error {
	if alias == "" {
		return errAliasEmpty
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if owner, ok := h.aliases[alias]; ok && owner != p {
		return errAliasTaken
	}
	if p.alias != "" && p.alias != alias {
		delete(h.aliases, p.alias)
	}
	p.alias = alias
	h.aliases[alias] = p
	return nil
}

func (h *Hub) aliasOf(p *hubPeer) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return p.alias
}

func (h *Hub) drop(p *hubPeer) {
	h.mu.Lock()
	delete(h.peers, p)
	if p.alias != "" && h.aliases[p.alias] == p {
		delete(h.aliases, p.alias)
		util.LogInfo("hub: %q disconnected", p.alias)
	}
	h.mu.Unlock()
	p.conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		p.conn.Close()
	}
}

// ---------------------------------------------------------------------------
// Peer writes
// ---------------------------------------------------------------------------

func (p *hubPeer) event(name string, args any) error {
	raw, err := msgpack.Marshal(args)
	if err != nil {
		return err
	}
	return p.write(&frame{Type: frameEvent, Target: name, Args: raw})
}

func (p *hubPeer) complete(id uint64, err error) {
	f := &frame{Type: frameCompletion, ID: id}
	if err != nil {
		f.Error = err.Error()
	}
	_ = p.write(f)
}

func (p *hubPeer) write(f *frame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return err
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}
