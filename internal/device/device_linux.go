package device

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// tunDevice is a Linux TUN interface opened through /dev/net/tun.
type tunDevice struct {
	iface   *water.Interface
	mtu     int
	closing atomic.Bool
	once    sync.Once
	err     error
}

// Open creates the TUN interface, sets its MTU and brings it up.
func Open(cfg Config) (Device, error) {
	cfg = cfg.withDefaults()

	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	link, err := netlink.LinkByName(iface.Name())
	if err == nil {
		err = netlink.LinkSetMTU(link, cfg.MTU)
	}
	if err == nil {
		err = netlink.LinkSetUp(link)
	}
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("configure %s: %w", iface.Name(), classify(err))
	}

	return &tunDevice{iface: iface, mtu: cfg.MTU}, nil
}

func (d *tunDevice) Name() string { return d.iface.Name() }
func (d *tunDevice) MTU() int     { return d.mtu }

func (d *tunDevice) ReadPacket(buf []byte) (int, error) {
	n, err := d.iface.Read(buf)
	if err != nil {
		if d.closing.Load() || errors.Is(err, os.ErrClosed) {
			return 0, ErrClosed
		}
		if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
			return 0, fmt.Errorf("read %s: %w", d.iface.Name(), err)
		}
		return 0, fmt.Errorf("%w: read %s: %v", ErrDeviceFailure, d.iface.Name(), err)
	}
	return n, nil
}

func (d *tunDevice) WritePacket(pkt []byte) error {
	if d.closing.Load() {
		return ErrClosed
	}
	if _, err := d.iface.Write(pkt); err != nil {
		switch {
		case errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.EAGAIN):
			return ErrSendBufferFull
		case errors.Is(err, os.ErrClosed):
			return ErrClosed
		}
		return fmt.Errorf("write %s: %w", d.iface.Name(), err)
	}
	return nil
}

func (d *tunDevice) Close() error {
	d.once.Do(func() {
		d.closing.Store(true)
		d.err = d.iface.Close()
	})
	return d.err
}

func classify(err error) error {
	switch {
	case errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES), errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: /dev/net/tun unavailable: %v", ErrDriverMissing, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceFailure, err)
	}
}
