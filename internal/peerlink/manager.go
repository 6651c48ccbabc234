package peerlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/relay"
	"github.com/1ureka/relaytun/internal/transfer"
	"github.com/1ureka/relaytun/internal/util"
)

// DefaultConnectTimeout bounds how long Connect waits for the DataChannel.
const DefaultConnectTimeout = 15 * time.Second

// DefaultSTUNServers are used when none are configured. There is no TURN
// fallback: when ICE fails, traffic simply stays on the relay.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

var ErrConnectTimeout = errors.New("direct link not established in time")

// Relay is the subset of the relay client the manager needs: the data
// fallback path and the signaling channel.
type Relay interface {
	SendData(ctx context.Context, recipient string, c *protocol.Container) error
	PostData(recipient string, c *protocol.Container) error
	Post(method string, args any) error
	On(event string, h relay.Handler) func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithSTUNServers replaces the ICE server list.
func WithSTUNServers(urls []string) Option {
	return func(m *Manager) {
		if len(urls) > 0 {
			m.stun = urls
		}
	}
}

// WithContainerHandler sets the callback for containers received on any
// direct link. It runs on the link's receive goroutine.
func WithContainerHandler(fn func(peer string, c *protocol.Container)) Option {
	return func(m *Manager) { m.onContainer = fn }
}

// WithConnectTimeout sets how long Connect waits.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// Manager owns the direct links of one client and routes outgoing
// containers over them, or over the relay when no link is open.
type Manager struct {
	relay          Relay
	self           string
	stun           []string
	connectTimeout time.Duration
	onContainer    func(peer string, c *protocol.Container)
	setting        webrtc.SettingEngine

	api    *webrtc.API
	ctx    context.Context
	cancel context.CancelFunc
	off    func()

	mu    sync.Mutex
	links map[string]*Link
}

// NewManager creates a manager for the registered alias self and starts
// answering offers arriving through r.
func NewManager(ctx context.Context, r Relay, self string, opts ...Option) *Manager {
	m := &Manager{
		relay:          r,
		self:           self,
		stun:           DefaultSTUNServers,
		connectTimeout: DefaultConnectTimeout,
		onContainer:    func(string, *protocol.Container) {},
		links:          make(map[string]*Link),
	}
	m.setting.LoggerFactory = loggerFactory{}
	for _, opt := range opts {
		opt(m)
	}

	m.api = webrtc.NewAPI(webrtc.WithSettingEngine(m.setting))
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.off = r.On(relay.EventReceiveSignal, m.handleSignal)

	return m
}

func (m *Manager) config() webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(m.stun) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: m.stun}}
	}
	return cfg
}

// Connect offers a direct link to peer and waits until it is open.
func (m *Manager) Connect(ctx context.Context, peer string) error {
	if _, ok := m.Link(peer); ok {
		return nil
	}

	l, err := m.newLink(peer, true)
	if err != nil {
		return err
	}
	if err := l.offer(); err != nil {
		l.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	select {
	case <-l.Ready():
		util.LogSuccess("direct link to %s established", peer)
		return nil
	case <-l.Done():
		return fmt.Errorf("%w: %s", ErrLinkClosed, peer)
	case <-ctx.Done():
		l.Close()
		return fmt.Errorf("%w: %s: %v", ErrConnectTimeout, peer, ctx.Err())
	}
}

// Link returns the open link to peer, if any.
func (m *Manager) Link(peer string) (*Link, bool) {
	m.mu.Lock()
	l := m.links[peer]
	m.mu.Unlock()

	if l == nil || !l.Open() {
		return nil, false
	}
	return l, true
}

// Peers lists the aliases with an open direct link.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for peer, l := range m.links {
		if l.Open() {
			out = append(out, peer)
		}
	}
	sort.Strings(out)
	return out
}

// PostData sends c fire-and-forget, over the direct link when one is open.
func (m *Manager) PostData(recipient string, c *protocol.Container) error {
	if l, ok := m.Link(recipient); ok {
		err := l.PostContainer(c)
		if !errors.Is(err, ErrLinkClosed) {
			return err
		}
	}
	return m.relay.PostData(recipient, c)
}

// Route returns the path a whole file transfer to recipient should use: the
// open direct link, or the relay when there is none. A transfer keeps its
// route so that its fragments arrive in order; if a direct link closes
// mid-transfer the send fails instead of switching to the relay.
func (m *Manager) Route(recipient string) transfer.Relay {
	if l, ok := m.Link(recipient); ok {
		return linkRoute{l}
	}
	return m.relay
}

// linkRoute sends containers over one link only.
type linkRoute struct{ l *Link }

func (r linkRoute) SendData(ctx context.Context, recipient string, c *protocol.Container) error {
	if recipient != r.l.peer {
		return fmt.Errorf("direct link to %s cannot carry data for %s", r.l.peer, recipient)
	}
	return r.l.SendContainer(ctx, c)
}

// SendData sends c and waits for it to be accepted, over the direct link
// when one is open. File transfers go through Route instead so that they
// never change paths halfway.
func (m *Manager) SendData(ctx context.Context, recipient string, c *protocol.Container) error {
	if l, ok := m.Link(recipient); ok {
		err := l.SendContainer(ctx, c)
		if !errors.Is(err, ErrLinkClosed) {
			return err
		}
	}
	return m.relay.SendData(ctx, recipient, c)
}

// Close tears down every link and stops answering offers.
func (m *Manager) Close() error {
	m.off()
	m.cancel()

	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*Link)
	m.mu.Unlock()

	var errs []error
	for _, l := range links {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}

// newLink creates a link to peer and installs it, closing any previous one.
func (m *Manager) newLink(peer string, offerer bool) (*Link, error) {
	signal := func(msg message) {
		payload, err := json.Marshal(msg)
		if err != nil {
			util.LogWarning("direct link to %s: encode signal: %v", peer, err)
			return
		}
		if err := m.relay.Post(relay.MethodSignal, relay.SignalRequest{RecipientAlias: peer, Payload: payload}); err != nil {
			util.LogWarning("direct link to %s: send %s: %v", peer, msg.Type, err)
		}
	}

	l, err := newLink(m.ctx, m.api, m.config(), peer, offerer, signal, m.onContainer)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	old := m.links[peer]
	m.links[peer] = l
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	go m.watch(l)
	return l, nil
}

// watch removes l once it shuts down.
func (m *Manager) watch(l *Link) {
	<-l.Done()

	m.mu.Lock()
	current := m.links[l.peer] == l
	if current {
		delete(m.links, l.peer)
	}
	m.mu.Unlock()

	if current && m.ctx.Err() == nil {
		util.LogWarning("direct link to %s closed, traffic falls back to the relay", l.peer)
	}
	l.Close()
}

func (m *Manager) handleSignal(args []byte) {
	var sm relay.SignalMessage
	if err := relay.Decode(args, &sm); err != nil {
		util.LogWarning("direct link: bad signal event: %v", err)
		return
	}
	msg, err := decodeMessage(sm.Payload)
	if err != nil {
		util.LogWarning("direct link from %s: %v", sm.SenderAlias, err)
		return
	}

	m.mu.Lock()
	l := m.links[sm.SenderAlias]
	m.mu.Unlock()

	if msg.Type == msgTypeOffer {
		// Both sides offered at once: the smaller alias keeps its offer.
		if l != nil && l.offerer && !l.Open() && m.self < sm.SenderAlias {
			util.LogDebug("direct link to %s: ignoring concurrent offer", sm.SenderAlias)
			return
		}
		if l, err = m.newLink(sm.SenderAlias, false); err != nil {
			util.LogWarning("direct link from %s: %v", sm.SenderAlias, err)
			return
		}
		util.LogInfo("direct link offer from %s, answering", sm.SenderAlias)
	}

	if l == nil {
		util.LogDebug("direct link: %s signal from %s without a link", msg.Type, sm.SenderAlias)
		return
	}
	if err := l.handle(msg); err != nil {
		util.LogWarning("direct link from %s: %v", sm.SenderAlias, err)
	}
}
