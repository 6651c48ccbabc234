package app

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relaytun/internal/config"
	"github.com/1ureka/relaytun/internal/device"
	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/relay"
	"github.com/1ureka/relaytun/internal/transfer"
	"github.com/1ureka/relaytun/internal/tunnel"
)

type sent struct {
	recipient string
	container *protocol.Container
}

type recordingRelay struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingRelay) SendData(_ context.Context, recipient string, c *protocol.Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{recipient, c})
	return nil
}

func (r *recordingRelay) recipients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sent {
		out = append(out, s.recipient)
	}
	return out
}

func newTestTunnel(t *testing.T, self string) (*Tunnel, *recordingRelay, *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ClientAlias = self
	cfg.ReceiveDir = t.TempDir()

	rec := &recordingRelay{}
	out := &bytes.Buffer{}
	sess := tunnel.NewSession(self)
	tn := &Tunnel{
		cfg:      &cfg,
		cfgPath:  filepath.Join(t.TempDir(), "config.toml"),
		out:      out,
		sess:     sess,
		receiver: newReceiver(&cfg),
		sender:   transfer.NewSender(rec),
	}
	tn.disp = tunnel.NewDispatcher(sess, tn.receiver)
	return tn, rec, out
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644))
	return path
}

func TestParseSendArgs(t *testing.T) {
	dir := t.TempDir()
	spaced := writeFile(t, dir, "my file.txt", 3)
	spacedArgs := strings.Fields(spaced)

	tests := []struct {
		name      string
		args      []string
		peer      string
		wantPath  string
		wantAlias string
		wantErr   bool
	}{
		{"file and alias", []string{"a.txt", "bob"}, "", "a.txt", "bob", false},
		{"file only uses peer", []string{"a.txt"}, "carol", "a.txt", "carol", false},
		{"spaces in path", []string{"my", "file.txt", "bob"}, "", "my file.txt", "bob", false},
		{"existing spaced file uses peer", spacedArgs, "carol", spaced, "carol", false},
		{"no args", nil, "carol", "", "", true},
		{"no alias and no peer", []string{"a.txt"}, "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, alias, err := parseSendArgs(tt.args, tt.peer)
			if tt.wantErr {
				assert.ErrorIs(t, err, errUsage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, tt.wantAlias, alias)
		})
	}
}

func TestCheckMTU(t *testing.T) {
	assert.NoError(t, checkMTU(1400, relay.DefaultMaxMessageSize, true))
	assert.ErrorIs(t, checkMTU(1400, 1024, false), relay.ErrChannelRejected)
	assert.ErrorIs(t, checkMTU(65000, relay.DefaultMaxMessageSize, true), relay.ErrChannelRejected)
	assert.NoError(t, checkMTU(65000, relay.DefaultMaxMessageSize, false))
}

func TestFormatProgress(t *testing.T) {
	id := uuid.MustParse("abcd1234-0000-0000-0000-000000000000")
	assert.Equal(t, "Receiving a.bin (abcd...): 50.00% (512/1024 bytes)",
		formatProgress("Receiving", "a.bin", id, 512, 1024))
	assert.Equal(t, "Sending a.bin (abcd...): 10 bytes",
		formatProgress("Sending", "a.bin", id, 10, 0))
}

func TestShellSendToPeer(t *testing.T) {
	tn, rec, _ := newTestTunnel(t, "alice")
	require.NoError(t, tn.sess.SetPeer("bob"))
	path := writeFile(t, t.TempDir(), "a.bin", 20000)

	assert.False(t, tn.exec(context.Background(), "send "+path))
	assert.Equal(t, []string{"bob"}, rec.recipients())

	assert.False(t, tn.exec(context.Background(), "send "+path+" carol"))
	assert.Equal(t, []string{"bob", "carol"}, rec.recipients())
}

func TestShellSendWithoutPeer(t *testing.T) {
	tn, rec, _ := newTestTunnel(t, "alice")
	path := writeFile(t, t.TempDir(), "a.bin", 10)

	assert.False(t, tn.exec(context.Background(), "send "+path))
	assert.Empty(t, rec.recipients())
}

func TestShellPeerPersists(t *testing.T) {
	tn, _, _ := newTestTunnel(t, "alice")

	tn.exec(context.Background(), "peer alice")
	assert.Empty(t, tn.sess.Peer())

	tn.exec(context.Background(), "peer bob")
	assert.Equal(t, "bob", tn.sess.Peer())

	fc, err := config.LoadFileConfig(tn.cfgPath)
	require.NoError(t, err)
	loaded := config.DefaultConfig()
	config.ApplyFileConfig(&loaded, fc, nil)
	assert.Equal(t, "bob", loaded.DefaultPeerAlias)
	assert.Equal(t, "alice", loaded.ClientAlias)
}

func TestShellStatusAndHelp(t *testing.T) {
	tn, _, out := newTestTunnel(t, "alice")
	tn.sess.AttachDevice(device.NewLoopback("SGR_alice", 1400, 4))

	tn.exec(context.Background(), "status")
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, out.String(), "SGR_alice")
	assert.Contains(t, out.String(), "(none)")

	out.Reset()
	tn.exec(context.Background(), "help")
	assert.Contains(t, out.String(), "peer <alias>")
}

func TestRunShellExit(t *testing.T) {
	tn, _, _ := newTestTunnel(t, "alice")

	done := make(chan error, 1)
	go func() { done <- tn.runShell(context.Background(), strings.NewReader("bogus\npeer bob\nexit\n")) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shell did not exit")
	}
	assert.Equal(t, "bob", tn.sess.Peer())
}

func TestRunShellKeepsRunningAfterEOF(t *testing.T) {
	tn, _, _ := newTestTunnel(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tn.runShell(ctx, strings.NewReader("")) }()

	select {
	case <-done:
		t.Fatal("shell exited on end of input")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shell ignored cancellation")
	}
}

func TestApplyReload(t *testing.T) {
	tn, _, _ := newTestTunnel(t, "alice")

	reloaded := config.DefaultConfig()
	reloaded.DefaultPeerAlias = "bob"
	tn.applyReload(reloaded)
	assert.Equal(t, "bob", tn.sess.Peer())
	assert.Equal(t, "bob", tn.cfg.DefaultPeerAlias)

	reloaded.DefaultPeerAlias = "alice"
	tn.applyReload(reloaded)
	assert.Equal(t, "bob", tn.sess.Peer())
}

func TestSendAndReceiveThroughHub(t *testing.T) {
	hub := relay.NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + relay.HubPath

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recvCfg := config.DefaultConfig()
	recvCfg.ServerURL = url
	recvCfg.ClientAlias = "bob"
	recvCfg.ReceiveDir = t.TempDir()

	recvCtx, stopRecv := context.WithCancel(ctx)
	recvDone := make(chan error, 1)
	go func() { recvDone <- RunReceive(recvCtx, &recvCfg) }()

	require.Eventually(t, func() bool {
		return len(hub.Aliases()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sendCfg := config.DefaultConfig()
	sendCfg.ServerURL = url
	sendCfg.ClientAlias = "alice"
	sendCfg.FragmentSize = 1000
	sendCfg.BatchSize = 4
	path := writeFile(t, t.TempDir(), "payload.bin", 9500)

	require.NoError(t, RunSend(ctx, &sendCfg, []string{path}, "bob"))

	saved := filepath.Join(recvCfg.ReceiveDir, "payload.bin")
	require.Eventually(t, func() bool {
		info, err := os.Stat(saved)
		return err == nil && info.Size() == 9500
	}, 5*time.Second, 20*time.Millisecond)

	stopRecv()
	select {
	case err := <-recvDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not stop")
	}
}

func TestRunSendNeedsRecipient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ClientAlias = "alice"
	assert.ErrorIs(t, RunSend(context.Background(), &cfg, []string{"a"}, ""), transfer.ErrNoRecipient)
}
