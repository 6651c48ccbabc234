package device

import "sync"

// Loopback is an in-memory Device: every packet written is returned by the
// next ReadPacket. It backs tests and dry runs without a driver.
type Loopback struct {
	name   string
	mtu    int
	queue  chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewLoopback creates a loopback device holding up to depth packets.
func NewLoopback(name string, mtu, depth int) *Loopback {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Loopback{
		name:   name,
		mtu:    mtu,
		queue:  make(chan []byte, depth),
		closed: make(chan struct{}),
	}
}

func (l *Loopback) Name() string { return l.name }
func (l *Loopback) MTU() int     { return l.mtu }

// ReadPacket returns the oldest queued packet.
func (l *Loopback) ReadPacket(buf []byte) (int, error) {
	select {
	case <-l.closed:
		return 0, ErrClosed
	default:
	}

	select {
	case pkt := <-l.queue:
		return copy(buf, pkt), nil
	case <-l.closed:
		return 0, ErrClosed
	}
}

// WritePacket queues a copy of pkt, failing fast when the queue is full.
func (l *Loopback) WritePacket(pkt []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}

	cp := append([]byte(nil), pkt...)
	select {
	case l.queue <- cp:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close ends the session. Safe to call multiple times.
func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
