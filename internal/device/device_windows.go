package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"
)

// wintunDevice is a Wintun adapter with one running session.
type wintunDevice struct {
	name     string
	mtu      int
	adapter  *wintun.Adapter
	session  wintun.Session
	readWait windows.Handle

	closing atomic.Bool
	running sync.WaitGroup
	once    sync.Once
	err     error
}

// Open creates the Wintun adapter and starts a session with the configured
// ring capacity.
func Open(cfg Config) (dev Device, err error) {
	cfg = cfg.withDefaults()

	if err := probeDriver(); err != nil {
		return nil, err
	}

	// wintun panics when a procedure cannot be resolved from the DLL.
	defer func() {
		if r := recover(); r != nil {
			dev, err = nil, fmt.Errorf("%w: %v", ErrDriverMissing, r)
		}
	}()

	adapter, err := wintun.CreateAdapter(cfg.Name, cfg.TunnelType, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("create adapter %s: %w", cfg.Name, err))
	}

	session, err := adapter.StartSession(cfg.RingCapacity)
	if err != nil {
		adapter.Close()
		return nil, classify(fmt.Errorf("start session: %w", err))
	}

	return &wintunDevice{
		name:     cfg.Name,
		mtu:      cfg.MTU,
		adapter:  adapter,
		session:  session,
		readWait: session.ReadWaitEvent(),
	}, nil
}

func (d *wintunDevice) Name() string { return d.name }
func (d *wintunDevice) MTU() int     { return d.mtu }

func (d *wintunDevice) ReadPacket(buf []byte) (int, error) {
	d.running.Add(1)
	defer d.running.Done()

	for {
		if d.closing.Load() {
			return 0, ErrClosed
		}

		pkt, err := d.session.ReceivePacket()
		switch err {
		case nil:
			n := copy(buf, pkt)
			d.session.ReleaseReceivePacket(pkt)
			return n, nil
		case windows.ERROR_NO_MORE_ITEMS:
			windows.WaitForSingleObject(d.readWait, windows.INFINITE)
		case windows.ERROR_HANDLE_EOF:
			return 0, ErrClosed
		case windows.ERROR_INVALID_DATA:
			return 0, fmt.Errorf("%w: receive ring corrupt", ErrDeviceFailure)
		default:
			return 0, fmt.Errorf("%w: receive: %v", ErrDeviceFailure, err)
		}
	}
}

func (d *wintunDevice) WritePacket(pkt []byte) error {
	d.running.Add(1)
	defer d.running.Done()

	if d.closing.Load() {
		return ErrClosed
	}

	buf, err := d.session.AllocateSendPacket(len(pkt))
	switch err {
	case nil:
	case windows.ERROR_BUFFER_OVERFLOW:
		return ErrSendBufferFull
	case windows.ERROR_HANDLE_EOF:
		return ErrClosed
	default:
		return fmt.Errorf("%w: allocate send packet: %v", ErrDeviceFailure, err)
	}

	copy(buf, pkt)
	d.session.SendPacket(buf)
	return nil
}

// Close wakes any blocked reader, waits for in-flight calls, then ends the
// session and removes the adapter.
func (d *wintunDevice) Close() error {
	d.once.Do(func() {
		d.closing.Store(true)
		windows.SetEvent(d.readWait)
		d.running.Wait()
		d.session.End()
		d.err = d.adapter.Close()
	})
	return d.err
}

// probeDriver checks that wintun.dll can be loaded from the places the
// wintun package searches.
func probeDriver() error {
	h, err := windows.LoadLibraryEx("wintun.dll", 0,
		windows.LOAD_LIBRARY_SEARCH_APPLICATION_DIR|windows.LOAD_LIBRARY_SEARCH_SYSTEM32)
	if err != nil {
		return fmt.Errorf("%w: wintun.dll: %v", ErrDriverMissing, err)
	}
	windows.FreeLibrary(h)
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case errors.Is(err, windows.ERROR_MOD_NOT_FOUND), errors.Is(err, windows.ERROR_FILE_NOT_FOUND):
		return fmt.Errorf("%w: %v", ErrDriverMissing, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceFailure, err)
	}
}
