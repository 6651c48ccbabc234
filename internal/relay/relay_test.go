package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relaytun/internal/protocol"
)

func startHub(t *testing.T, opts ...HubOption) (*Hub, string) {
	t.Helper()
	hub := NewHub(opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + HubPath
}

func dial(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c := NewClient(url, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func register(t *testing.T, c *Client, alias string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Invoke(ctx, MethodRegisterAlias, RegisterAliasRequest{Alias: alias}))
}

func TestRegisterAliasEvents(t *testing.T) {
	hub, url := startHub(t)
	c := dial(t, url)

	got := make(chan string, 1)
	c.On(EventAliasRegistered, func(args []byte) {
		var alias string
		assert.NoError(t, Decode(args, &alias))
		got <- alias
	})

	register(t, c, "  alice ")

	select {
	case alias := <-got:
		assert.Equal(t, "alice", alias)
	case <-time.After(2 * time.Second):
		t.Fatal("AliasRegistered not received")
	}
	assert.Equal(t, []string{"alice"}, hub.Aliases())
}

func TestRegisterAliasTaken(t *testing.T) {
	_, url := startHub(t)
	a := dial(t, url)
	b := dial(t, url)
	register(t, a, "alice")

	failed := make(chan string, 1)
	b.On(EventAliasRegistrationFailed, func(args []byte) {
		var reason string
		_ = Decode(args, &reason)
		failed <- reason
	})

	err := b.Invoke(context.Background(), MethodRegisterAlias, RegisterAliasRequest{Alias: "alice"})
	assert.ErrorIs(t, err, ErrInvokeFailed)

	select {
	case reason := <-failed:
		assert.Contains(t, reason, "already taken")
	case <-time.After(2 * time.Second):
		t.Fatal("AliasRegistrationFailed not received")
	}
}

func TestSendDataDelivers(t *testing.T) {
	_, url := startHub(t)
	alice := dial(t, url)
	bob := dial(t, url)
	register(t, alice, "alice")
	register(t, bob, "bob")

	received := make(chan *protocol.Container, 2)
	bob.On(EventReceiveDataBatch, func(args []byte) {
		c, err := DecodeContainer(args)
		if assert.NoError(t, err) {
			received <- c
		}
	})

	id := uuid.New()
	ctr := &protocol.Container{}
	ctr.Add(protocol.NewRawPacket(1, []byte("ping")))
	ctr.Add(protocol.Batch{TransferID: id, Kind: protocol.KindFileFragment, IsFirst: true, Payload: []byte("f"), Filename: "f.txt"})

	require.NoError(t, alice.SendData(context.Background(), "bob", ctr))
	require.NoError(t, alice.PostData("bob", ctr))

	for i := 0; i < 2; i++ {
		select {
		case c := <-received:
			require.Equal(t, 2, c.Len())
			assert.Equal(t, []byte("ping"), c.Batches[0].Payload)
			assert.Equal(t, id, c.Batches[1].TransferID)
			assert.Equal(t, "f.txt", c.Batches[1].Filename)
		case <-time.After(2 * time.Second):
			t.Fatalf("container %d not delivered", i)
		}
	}
}

func TestSendDataUnknownRecipient(t *testing.T) {
	_, url := startHub(t)
	alice := dial(t, url)
	register(t, alice, "alice")

	failed := make(chan string, 1)
	alice.On(EventSendMessageFailed, func(args []byte) {
		var reason string
		_ = Decode(args, &reason)
		failed <- reason
	})

	err := alice.SendData(context.Background(), "nobody", &protocol.Container{})
	assert.ErrorIs(t, err, ErrInvokeFailed)

	select {
	case reason := <-failed:
		assert.Contains(t, reason, "nobody")
	case <-time.After(2 * time.Second):
		t.Fatal("SendMessageFailed not received")
	}
}

func TestSendDataRequiresAlias(t *testing.T) {
	_, url := startHub(t)
	c := dial(t, url)

	err := c.SendData(context.Background(), "bob", &protocol.Container{})
	require.ErrorIs(t, err, ErrInvokeFailed)
	assert.Contains(t, err.Error(), "register an alias first")
}

func TestOversizedFrameRejected(t *testing.T) {
	_, url := startHub(t)
	c := dial(t, url, WithMaxMessageSize(1024))
	register(t, c, "alice")

	ctr := &protocol.Container{}
	ctr.Add(protocol.NewRawPacket(0, make([]byte, 4096)))
	assert.ErrorIs(t, c.PostData("alice", ctr), ErrChannelRejected)
	assert.Equal(t, Connected, c.State())
}

func TestSignalForwardsSender(t *testing.T) {
	_, url := startHub(t)
	alice := dial(t, url)
	bob := dial(t, url)
	register(t, alice, "alice")
	register(t, bob, "bob")

	got := make(chan SignalMessage, 1)
	bob.On(EventReceiveSignal, func(args []byte) {
		var m SignalMessage
		assert.NoError(t, Decode(args, &m))
		got <- m
	})

	require.NoError(t, alice.Invoke(context.Background(), MethodSignal, SignalRequest{RecipientAlias: "bob", Payload: []byte("offer")}))

	select {
	case m := <-got:
		assert.Equal(t, "alice", m.SenderAlias)
		assert.Equal(t, []byte("offer"), m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not forwarded")
	}
}

func TestUnsubscribe(t *testing.T) {
	_, url := startHub(t)
	c := dial(t, url)

	var mu sync.Mutex
	calls := 0
	off := c.On(EventAliasRegistered, func([]byte) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	off()

	register(t, c, "alice")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestCloseFailsPendingAndState(t *testing.T) {
	_, url := startHub(t)
	c := dial(t, url)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed")
	}
	assert.Equal(t, Disconnected, c.State())
	assert.NoError(t, c.Err())
	assert.ErrorIs(t, c.PostData("bob", &protocol.Container{}), ErrChannelUnavailable)
}

func TestHubDisconnectReleasesAlias(t *testing.T) {
	hub, url := startHub(t)
	c := dial(t, url)
	register(t, c, "alice")
	require.Equal(t, []string{"alice"}, hub.Aliases())

	c.Close()
	assert.Eventually(t, func() bool { return len(hub.Aliases()) == 0 }, 2*time.Second, 10*time.Millisecond)

	c2 := dial(t, url)
	register(t, c2, "alice")
}

func TestConnectFailure(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/datahub")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Connect(ctx), ErrChannelUnavailable)
	assert.Equal(t, Disconnected, c.State())
}
