package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/relaytun/internal/device"
	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/util"
)

// Tuning constants.
const (
	DefaultQueueSize = 256                    // egress containers waiting for the relay
	ErrorBackoff     = 200 * time.Millisecond // pause after a failed read or send
	WarnInterval     = 5 * time.Second        // minimum gap between repeated drop warnings
	MaxReadFailures  = 50                     // consecutive read errors that end the session
	maxPacketSize    = 64 * 1024
)

// Poster hands a container to the relay without waiting for delivery.
type Poster interface {
	PostData(recipient string, c *protocol.Container) error
}

type outbound struct {
	recipient string
	c         *protocol.Container
}

// Pump carries packets read from the device to the current peer.
//
// The read loop never blocks on the relay: every packet goes into a bounded
// queue drained by a separate sender, and packets that do not fit are
// dropped.
type Pump struct {
	sess  *Session
	dev   device.Device
	out   Poster
	queue chan outbound

	seq          atomic.Uint32
	noPeerWarned atomic.Bool
	queueWarn    *util.Throttle
	sendWarn     *util.Throttle
	readWarn     *util.Throttle
	backoff      time.Duration
}

// PumpOption configures a Pump.
type PumpOption func(*Pump)

// WithQueueSize sets the egress queue capacity.
func WithQueueSize(n int) PumpOption {
	return func(p *Pump) {
		if n > 0 {
			p.queue = make(chan outbound, n)
		}
	}
}

// WithBackoff sets the pause after a per-packet error.
func WithBackoff(d time.Duration) PumpOption {
	return func(p *Pump) { p.backoff = d }
}

// NewPump creates a pump reading from dev and posting through out.
func NewPump(sess *Session, dev device.Device, out Poster, opts ...PumpOption) *Pump {
	p := &Pump{
		sess:      sess,
		dev:       dev,
		out:       out,
		queue:     make(chan outbound, DefaultQueueSize),
		queueWarn: util.NewThrottle(WarnInterval),
		sendWarn:  util.NewThrottle(WarnInterval),
		readWarn:  util.NewThrottle(WarnInterval),
		backoff:   ErrorBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run pumps packets until ctx is cancelled or the device session ends. The
// device is closed on return. Cancellation and a closed device return nil; a
// failed device session returns the read error.
func (p *Pump) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return p.readLoop(ctx)
	})
	g.Go(func() error {
		return p.sendLoop(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		// Unblocks the pending ReadPacket.
		if err := p.dev.Close(); err != nil {
			util.LogDebug("device close: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func (p *Pump) readLoop(ctx context.Context) error {
	buf := make([]byte, max(p.dev.MTU(), maxPacketSize))
	failures := 0

	for {
		n, err := p.dev.ReadPacket(buf)
		if err != nil {
			if errors.Is(err, device.ErrClosed) || ctx.Err() != nil {
				util.LogDebug("egress loop stopped")
				return nil
			}
			failures++
			if errors.Is(err, device.ErrDeviceFailure) || failures >= MaxReadFailures {
				return fmt.Errorf("device read: %w", err)
			}
			p.readWarn.Do(func(suppressed int64) {
				util.LogWarning("device read failed: %v (%d more since last warning)", err, suppressed)
			})
			if !sleep(ctx, p.backoff) {
				return nil
			}
			continue
		}
		failures = 0
		if n == 0 {
			continue
		}

		p.enqueue(buf[:n])
	}
}

// enqueue copies pkt out of the read buffer and queues it for the peer.
func (p *Pump) enqueue(pkt []byte) {
	peer := p.sess.Peer()
	if peer == "" {
		util.Stats.DroppedNoPeer.Add(1)
		if !p.noPeerWarned.Swap(true) {
			util.LogWarning("no peer set, discarding outgoing packets (use 'peer <alias>')")
		}
		return
	}
	p.noPeerWarned.Store(false)

	payload := append([]byte(nil), pkt...)
	c := &protocol.Container{
		Batches: []protocol.Batch{protocol.NewRawPacket(p.seq.Add(1)-1, payload)},
	}

	if util.DebugEnabled() {
		util.LogDebug("-> %s %s", peer, describePacket(payload))
	}

	select {
	case p.queue <- outbound{recipient: peer, c: c}:
	default:
		util.Stats.DroppedQueue.Add(1)
		p.queueWarn.Do(func(suppressed int64) {
			util.LogWarning("egress queue full, dropping packets (%d more since last warning)", suppressed)
		})
	}
}

func (p *Pump) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-p.queue:
			size := len(o.c.Batches[0].Payload)
			if err := p.out.PostData(o.recipient, o.c); err != nil {
				util.Stats.DroppedSend.Add(1)
				p.sendWarn.Do(func(suppressed int64) {
					util.LogWarning("send packet to %s failed: %v (%d more since last warning)", o.recipient, err, suppressed)
				})
				if !sleep(ctx, p.backoff) {
					return nil
				}
				continue
			}
			util.Stats.AddOut(size)
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
