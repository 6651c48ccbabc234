package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"

	"github.com/1ureka/relaytun/internal/device"
	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/reassembly"
	"github.com/1ureka/relaytun/internal/util"
)

type posted struct {
	recipient string
	c         *protocol.Container
}

type chanPoster struct {
	ch    chan posted
	block chan struct{} // when non-nil, PostData waits on it
	err   error
}

func newChanPoster() *chanPoster {
	return &chanPoster{ch: make(chan posted, 64)}
}

func (p *chanPoster) PostData(recipient string, c *protocol.Container) error {
	if p.block != nil {
		<-p.block
	}
	if p.err != nil {
		return p.err
	}
	p.ch <- posted{recipient: recipient, c: c}
	return nil
}

func startPump(t *testing.T, sess *Session, dev device.Device, out Poster, opts ...PumpOption) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewPump(sess, dev, out, opts...).Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop")
	}
}

func ipv4Packet(t *testing.T, payload []byte) []byte {
	t.Helper()
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      64,
		Protocol: 17,
		Src:      net.IPv4(10, 0, 0, 1),
		Dst:      net.IPv4(10, 0, 0, 2),
	}
	b, err := h.Marshal()
	require.NoError(t, err)
	return append(b, payload...)
}

func TestSessionPeer(t *testing.T) {
	s := NewSession("alice")

	assert.Empty(t, s.Peer())
	assert.ErrorIs(t, s.SetPeer("alice"), ErrSelfPeer)
	assert.ErrorIs(t, s.SetPeer(""), ErrEmptyPeer)
	require.NoError(t, s.SetPeer("bob"))
	assert.Equal(t, "bob", s.Peer())
	assert.Equal(t, "alice", s.Self())
}

func TestSessionDevice(t *testing.T) {
	s := NewSession("alice")
	dev := device.NewLoopback("lo", 0, 1)

	assert.Nil(t, s.Device())
	s.AttachDevice(dev)
	assert.Same(t, dev, s.Device())
	assert.Same(t, dev, s.DetachDevice())
	assert.Nil(t, s.Device())
}

func TestPumpForwardsPackets(t *testing.T) {
	sess := NewSession("alice")
	require.NoError(t, sess.SetPeer("bob"))
	dev := device.NewLoopback("lo", 0, 16)
	out := newChanPoster()

	cancel, done := startPump(t, sess, dev, out)

	pkt := ipv4Packet(t, []byte("hello"))
	require.NoError(t, dev.WritePacket(pkt))

	select {
	case p := <-out.ch:
		assert.Equal(t, "bob", p.recipient)
		require.Equal(t, 1, p.c.Len())
		b := p.c.Batches[0]
		assert.Equal(t, protocol.KindRawPacket, b.Kind)
		assert.Equal(t, protocol.RawTransferID, b.TransferID)
		assert.False(t, b.IsFirst)
		assert.False(t, b.IsLast)
		assert.Equal(t, pkt, b.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("packet not forwarded")
	}

	cancel()
	waitDone(t, done)

	// The pump closes the device on the way out.
	assert.ErrorIs(t, dev.WritePacket(pkt), device.ErrClosed)
}

func TestPumpWithoutPeerDiscards(t *testing.T) {
	sess := NewSession("alice")
	dev := device.NewLoopback("lo", 0, 16)
	out := newChanPoster()
	before := util.Stats.DroppedNoPeer.Load()

	startPump(t, sess, dev, out)

	require.NoError(t, dev.WritePacket([]byte{0x45, 1}))
	require.NoError(t, dev.WritePacket([]byte{0x45, 2}))
	require.Eventually(t, func() bool {
		return util.Stats.DroppedNoPeer.Load()-before == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, out.ch)

	require.NoError(t, sess.SetPeer("bob"))
	require.NoError(t, dev.WritePacket([]byte{0x45, 3}))

	select {
	case p := <-out.ch:
		assert.Equal(t, []byte{0x45, 3}, p.c.Batches[0].Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("packet not forwarded after peer was set")
	}
}

func TestPumpDropsWhenQueueFull(t *testing.T) {
	sess := NewSession("alice")
	require.NoError(t, sess.SetPeer("bob"))
	dev := device.NewLoopback("lo", 0, 32)
	out := newChanPoster()
	out.block = make(chan struct{})
	before := util.Stats.DroppedQueue.Load()

	startPump(t, sess, dev, out, WithQueueSize(1))

	for i := 0; i < 10; i++ {
		require.NoError(t, dev.WritePacket([]byte{0x45, byte(i)}))
	}

	// At most one packet is in flight and one queued; the read loop keeps
	// draining the device regardless.
	require.Eventually(t, func() bool {
		return util.Stats.DroppedQueue.Load()-before >= 8
	}, 2*time.Second, 5*time.Millisecond)

	close(out.block)
}

func TestPumpSendErrorContinues(t *testing.T) {
	sess := NewSession("alice")
	require.NoError(t, sess.SetPeer("bob"))
	dev := device.NewLoopback("lo", 0, 16)
	out := newChanPoster()
	out.err = errors.New("relay down")
	before := util.Stats.DroppedSend.Load()

	startPump(t, sess, dev, out, WithBackoff(time.Millisecond))

	require.NoError(t, dev.WritePacket([]byte{0x45, 1}))
	require.NoError(t, dev.WritePacket([]byte{0x45, 2}))

	require.Eventually(t, func() bool {
		return util.Stats.DroppedSend.Load()-before == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPumpStopsWhenDeviceCloses(t *testing.T) {
	sess := NewSession("alice")
	dev := device.NewLoopback("lo", 0, 1)

	_, done := startPump(t, sess, dev, newChanPoster())
	require.NoError(t, dev.Close())
	waitDone(t, done)
}

// brokenDevice fails every read with err.
type brokenDevice struct {
	err    error
	reads  atomic.Int32
	closed atomic.Bool
}

func (d *brokenDevice) Name() string { return "broken" }
func (d *brokenDevice) MTU() int     { return 1400 }

func (d *brokenDevice) ReadPacket([]byte) (int, error) {
	if d.closed.Load() {
		return 0, device.ErrClosed
	}
	d.reads.Add(1)
	return 0, d.err
}

func (d *brokenDevice) WritePacket([]byte) error { return nil }

func (d *brokenDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func TestPumpEndsOnDeviceFailure(t *testing.T) {
	dev := &brokenDevice{err: fmt.Errorf("%w: receive ring corrupt", device.ErrDeviceFailure)}

	_, done := startPump(t, NewSession("alice"), dev, newChanPoster(), WithBackoff(10*time.Millisecond))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, device.ErrDeviceFailure)
	case <-time.After(2 * time.Second):
		t.Fatalf("pump still running after %d failed reads", dev.reads.Load())
	}
	assert.EqualValues(t, 1, dev.reads.Load())
	assert.True(t, dev.closed.Load())
}

func TestPumpEndsAfterRepeatedReadErrors(t *testing.T) {
	dev := &brokenDevice{err: errors.New("resource temporarily unavailable")}

	_, done := startPump(t, NewSession("alice"), dev, newChanPoster(), WithBackoff(time.Millisecond))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "temporarily unavailable")
	case <-time.After(5 * time.Second):
		t.Fatalf("pump still running after %d failed reads", dev.reads.Load())
	}
	assert.EqualValues(t, MaxReadFailures, dev.reads.Load())
}

type failingStore struct{}

func (failingStore) Save(uuid.UUID, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

type memStore struct {
	saved map[string][]byte
}

func (m *memStore) Save(_ uuid.UUID, filename string, data []byte) (string, error) {
	m.saved[filename] = append([]byte(nil), data...)
	return filename, nil
}

func TestDispatcherMixedContainer(t *testing.T) {
	sess := NewSession("alice")
	dev := device.NewLoopback("lo", 0, 4)
	sess.AttachDevice(dev)

	recv := reassembly.NewReceiver(reassembly.NewRegistry(), failingStore{}, nil)
	d := NewDispatcher(sess, recv)

	id := uuid.New()
	pkt := ipv4Packet(t, []byte("ping"))
	c := &protocol.Container{}
	c.Add(protocol.Batch{TransferID: id, Kind: protocol.KindFileFragment, Sequence: 0, IsFirst: true, Filename: "a.txt", DeclaredSize: 3, Payload: []byte("ab")})
	c.Add(protocol.NewRawPacket(7, pkt))
	c.Add(protocol.Batch{TransferID: id, Kind: protocol.KindFileFragment, Sequence: 1, IsLast: true, Payload: []byte("c")})

	sum := d.HandleContainer(context.Background(), c)
	assert.Equal(t, Summary{Injected: 1, Fragments: 2}, sum)

	buf := make([]byte, 1500)
	n, err := dev.ReadPacket(buf)
	require.NoError(t, err)
	assert.Equal(t, pkt, buf[:n])

	// The failed save still removes the transfer.
	assert.Zero(t, recv.Registry().Len())
}

func TestDispatcherReassemblesFile(t *testing.T) {
	store := &memStore{saved: map[string][]byte{}}
	d := NewDispatcher(NewSession("alice"), reassembly.NewReceiver(reassembly.NewRegistry(), store, nil))

	id := uuid.New()
	first := &protocol.Container{}
	first.Add(protocol.Batch{TransferID: id, Kind: protocol.KindFileFragment, IsFirst: true, Filename: "n.txt", DeclaredSize: 6, Payload: []byte("abc")})
	second := &protocol.Container{}
	second.Add(protocol.Batch{TransferID: id, Kind: protocol.KindFileFragment, Sequence: 1, IsLast: true, Payload: []byte("def")})

	d.HandleContainer(context.Background(), first)
	d.HandleContainer(context.Background(), second)

	assert.Equal(t, []byte("abcdef"), store.saved["n.txt"])
}

func TestDispatcherWithoutDevice(t *testing.T) {
	d := NewDispatcher(NewSession("alice"), nil)

	c := &protocol.Container{}
	c.Add(protocol.NewRawPacket(0, []byte{0x45}))
	c.Add(protocol.NewRawPacket(1, []byte{0x45}))

	assert.Equal(t, Summary{Dropped: 2}, d.HandleContainer(context.Background(), c))
}

func TestDispatcherDeviceBufferFull(t *testing.T) {
	sess := NewSession("alice")
	sess.AttachDevice(device.NewLoopback("lo", 0, 1))
	d := NewDispatcher(sess, nil)

	c := &protocol.Container{}
	c.Add(protocol.NewRawPacket(0, []byte{0x45, 1}))
	c.Add(protocol.NewRawPacket(1, []byte{0x45, 2}))
	c.Add(protocol.NewRawPacket(2, []byte{0x45, 3}))

	assert.Equal(t, Summary{Injected: 1, Dropped: 2}, d.HandleContainer(context.Background(), c))
}

func TestDispatcherSkipsInvalid(t *testing.T) {
	sess := NewSession("alice")
	dev := device.NewLoopback("lo", 0, 4)
	sess.AttachDevice(dev)
	d := NewDispatcher(sess, nil)

	c := &protocol.Container{}
	c.Add(protocol.NewRawPacket(0, nil))
	c.Add(protocol.Batch{Kind: protocol.Kind(9), Payload: []byte{1}})
	c.Add(protocol.NewRawPacket(2, []byte{0x45}))

	assert.Equal(t, Summary{Injected: 1, Skipped: 2}, d.HandleContainer(context.Background(), c))
	assert.Equal(t, Summary{}, d.HandleContainer(context.Background(), &protocol.Container{}))
	assert.Equal(t, Summary{}, d.HandleContainer(context.Background(), nil))
}

func TestDescribePacket(t *testing.T) {
	assert.Equal(t, "ipv4 10.0.0.1 -> 10.0.0.2 proto=17 ttl=64 len=24", describePacket(ipv4Packet(t, []byte("abcd"))))
	assert.Equal(t, "empty packet", describePacket(nil))
	assert.Contains(t, describePacket([]byte{0x10, 0}), "non-ip")
}
