package app

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relaytun/internal/config"
	"github.com/1ureka/relaytun/internal/device"
	"github.com/1ureka/relaytun/internal/netcfg"
	"github.com/1ureka/relaytun/internal/relay"
)

// useDevice makes RunTunnel open dev instead of a real adapter.
func useDevice(t *testing.T, dev device.Device) {
	t.Helper()
	prev := openDevice
	openDevice = func(device.Config) (device.Device, error) { return dev, nil }
	t.Cleanup(func() { openDevice = prev })
}

type fakeConfigurator struct {
	mu       sync.Mutex
	applyErr error
	applied  int
	reverted int
}

func (f *fakeConfigurator) Apply(context.Context, netcfg.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++
	return f.applyErr
}

func (f *fakeConfigurator) Revert(context.Context, netcfg.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted++
	return nil
}

func (f *fakeConfigurator) counts() (applied, reverted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied, f.reverted
}

func useConfigurator(t *testing.T, c netcfg.Configurator) {
	t.Helper()
	prev := newConfigurator
	newConfigurator = func() netcfg.Configurator { return c }
	t.Cleanup(func() { newConfigurator = prev })
}

// failingDevice reports a broken adapter on every read.
type failingDevice struct {
	once   sync.Once
	closed chan struct{}
}

func newFailingDevice() *failingDevice { return &failingDevice{closed: make(chan struct{})} }

func (d *failingDevice) Name() string { return "SGR_alice" }
func (d *failingDevice) MTU() int     { return device.DefaultMTU }

func (d *failingDevice) ReadPacket([]byte) (int, error) {
	select {
	case <-d.closed:
		return 0, device.ErrClosed
	default:
		return 0, fmt.Errorf("%w: adapter removed", device.ErrDeviceFailure)
	}
}

func (d *failingDevice) WritePacket([]byte) error { return nil }

func (d *failingDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

// tunnelConfig returns a config for alias against a fresh in-process hub.
func tunnelConfig(t *testing.T, alias string) (*config.Config, *relay.Hub) {
	t.Helper()
	hub := relay.NewHub()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.ServerURL = "ws" + strings.TrimPrefix(srv.URL, "http") + relay.HubPath
	cfg.ClientAlias = alias
	cfg.AdapterName = device.AdapterName(alias)
	cfg.ReceiveDir = t.TempDir()
	return &cfg, hub
}

func runTunnel(ctx context.Context, cfg *config.Config) <-chan error {
	done := make(chan error, 1)
	go func() { done <- RunTunnel(ctx, cfg, "", nil) }()
	return done
}

func waitTunnel(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not stop")
		return nil
	}
}

func TestTunnelEndsWhenAdapterCloses(t *testing.T) {
	cfg, hub := tunnelConfig(t, "alice")
	lb := device.NewLoopback(cfg.AdapterName, cfg.MTU, 4)
	useDevice(t, lb)

	done := runTunnel(context.Background(), cfg)
	require.Eventually(t, func() bool {
		return slices.Contains(hub.Aliases(), "alice")
	}, 5*time.Second, 10*time.Millisecond)

	lb.Close()
	err := waitTunnel(t, done)
	assert.ErrorIs(t, err, ErrAdapterClosed)
}

func TestTunnelEndsOnDeviceFailure(t *testing.T) {
	cfg, _ := tunnelConfig(t, "alice")
	dev := newFailingDevice()
	useDevice(t, dev)

	err := waitTunnel(t, runTunnel(context.Background(), cfg))
	assert.ErrorIs(t, err, device.ErrDeviceFailure)
	assert.False(t, errors.Is(err, ErrAdapterClosed))
}

func TestTunnelStopsOnCancel(t *testing.T) {
	cfg, hub := tunnelConfig(t, "alice")
	useDevice(t, device.NewLoopback(cfg.AdapterName, cfg.MTU, 4))

	ctx, cancel := context.WithCancel(context.Background())
	done := runTunnel(ctx, cfg)
	require.Eventually(t, func() bool {
		return slices.Contains(hub.Aliases(), "alice")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, waitTunnel(t, done))
}

func TestTunnelRevertsNetwork(t *testing.T) {
	tests := []struct {
		name     string
		applyErr error
	}{
		{"applied", nil},
		{"partially applied", errors.New("add route 10.9.0.0/16: file exists")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, hub := tunnelConfig(t, "alice")
			cfg.AutoConfigureNetwork = true
			cfg.LocalIP = "10.0.0.1"
			cfg.NetworksToRoute = []string{"10.9.0.0/16"}

			lb := device.NewLoopback(cfg.AdapterName, cfg.MTU, 4)
			useDevice(t, lb)
			nc := &fakeConfigurator{applyErr: tt.applyErr}
			useConfigurator(t, nc)

			done := runTunnel(context.Background(), cfg)
			require.Eventually(t, func() bool {
				return slices.Contains(hub.Aliases(), "alice")
			}, 5*time.Second, 10*time.Millisecond)

			lb.Close()
			waitTunnel(t, done)

			applied, reverted := nc.counts()
			assert.Equal(t, 1, applied)
			assert.Equal(t, 1, reverted)
		})
	}
}

func TestRunRepairReverts(t *testing.T) {
	nc := &fakeConfigurator{}
	useConfigurator(t, nc)

	cfg := config.DefaultConfig()
	cfg.AdapterName = "SGR_alice"
	cfg.NetworksToRoute = []string{"10.9.0.0/16"}
	require.NoError(t, RunRepair(context.Background(), &cfg))

	_, reverted := nc.counts()
	assert.Equal(t, 1, reverted)
}
