// Package peerlink maintains optional direct WebRTC DataChannel links to
// peers, signaled through the relay hub. Traffic falls back to the relay
// whenever no open link exists.
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/util"
)

// MaxMessageSize keeps every DataChannel message under the SCTP default
// message limit of 64 KiB.
const MaxMessageSize = 60 * 1024

var (
	ErrLinkClosed = errors.New("direct link closed")
	ErrLinkBusy   = errors.New("direct link send queue full")
)

// Link is one PeerConnection plus a pre-negotiated, ordered DataChannel to
// a single peer. Ordering keeps file fragments in sequence on the link.
type Link struct {
	peer    string
	offerer bool

	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	queue *writeQueue

	ready  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// sigMu keeps local descriptions ahead of the candidates they produce.
	sigMu  sync.Mutex
	signal func(message)

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
}

func newLink(
	parent context.Context,
	api *webrtc.API,
	config webrtc.Configuration,
	peer string,
	offerer bool,
	signal func(message),
	onContainer func(peer string, c *protocol.Container),
) (*Link, error) {
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ordered := true
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("relaytun", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	l := &Link{
		peer:    peer,
		offerer: offerer,
		pc:      pc,
		dc:      dc,
		ready:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		signal:  signal,
		state:   webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(l.ready) })
	})
	dc.OnClose(func() {
		util.LogDebug("direct link to %s: data channel closed", peer)
		cancel()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c, err := protocol.Unmarshal(msg.Data)
		if err != nil {
			util.LogWarning("direct link from %s: %v", peer, err)
			return
		}
		onContainer(peer, c)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("direct link to %s: peer connection %s", peer, state)
		l.mu.Lock()
		l.state = state
		l.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		msg, err := candidateMessage(c)
		if err != nil {
			util.LogDebug("direct link to %s: %v", peer, err)
			return
		}
		l.sigMu.Lock()
		defer l.sigMu.Unlock()
		l.signal(msg)
	})

	l.queue = newWriteQueue(ctx)
	l.queue.attach(dc, l.ready, cancel)

	return l, nil
}

// Peer returns the remote alias.
func (l *Link) Peer() string { return l.peer }

// Ready is closed once the DataChannel is open.
func (l *Link) Ready() <-chan struct{} { return l.ready }

// Done is closed once the link is shut down.
func (l *Link) Done() <-chan struct{} { return l.ctx.Done() }

// Open reports whether the link can carry traffic.
func (l *Link) Open() bool {
	select {
	case <-l.ctx.Done():
		return false
	default:
	}
	select {
	case <-l.ready:
		return true
	default:
		return false
	}
}

// ConnectionState returns the last observed PeerConnection state.
func (l *Link) ConnectionState() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close shuts down the DataChannel and PeerConnection.
func (l *Link) Close() error {
	l.cancel()
	return errors.Join(l.dc.Close(), l.pc.Close())
}

// offer starts the exchange from this side.
func (l *Link) offer() error {
	l.sigMu.Lock()
	defer l.sigMu.Unlock()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	l.signal(message{Type: msgTypeOffer, SDP: offer.SDP})
	return nil
}

// handle applies one signaling message from the peer.
func (l *Link) handle(msg message) error {
	switch msg.Type {
	case msgTypeOffer:
		if err := l.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
			return err
		}

		l.sigMu.Lock()
		defer l.sigMu.Unlock()

		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		l.signal(message{Type: msgTypeAnswer, SDP: answer.SDP})
		return nil

	case msgTypeAnswer:
		return l.setRemote(webrtc.SDPTypeAnswer, msg.SDP)

	case msgTypeCandidate:
		init, err := msg.candidate()
		if err != nil {
			return err
		}
		l.mu.Lock()
		if !l.remoteSet {
			l.pending = append(l.pending, init)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		return l.pc.AddICECandidate(init)
	}
	return nil
}

// setRemote applies the remote description and flushes the candidates that
// arrived before it.
func (l *Link) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			util.LogDebug("direct link to %s: add candidate: %v", l.peer, err)
		}
	}
	return nil
}

// PostContainer queues c without blocking. Containers larger than one
// DataChannel message are split on batch boundaries.
func (l *Link) PostContainer(c *protocol.Container) error {
	return l.each(c, func(data []byte) error { return l.queue.offer(data) })
}

// SendContainer queues c, waiting for room in the send queue.
func (l *Link) SendContainer(ctx context.Context, c *protocol.Container) error {
	return l.each(c, func(data []byte) error { return l.queue.push(ctx, data) })
}

func (l *Link) each(c *protocol.Container, fn func([]byte) error) error {
	parts, err := protocol.SplitContainer(c, MaxMessageSize)
	if err != nil {
		return err
	}
	for _, part := range parts {
		data, err := protocol.Marshal(part)
		if err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return nil
}
