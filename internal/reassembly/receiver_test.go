package reassembly

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/relaytun/internal/protocol"
)

type saved struct {
	id   uuid.UUID
	name string
	data []byte
}

// memStore records saves in memory and can be told to fail.
type memStore struct {
	mu    sync.Mutex
	saves []saved
	err   error
}

func (m *memStore) Save(id uuid.UUID, filename string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.saves = append(m.saves, saved{id: id, name: filename, data: append([]byte(nil), data...)})
	return "/tmp/" + filename, nil
}

func fragments(id uuid.UUID, name string, declared int64, parts ...string) []protocol.Batch {
	out := make([]protocol.Batch, len(parts))
	for i, p := range parts {
		out[i] = protocol.Batch{
			TransferID: id,
			Kind:       protocol.KindFileFragment,
			Sequence:   uint32(i),
			IsFirst:    i == 0,
			IsLast:     i == len(parts)-1,
			Payload:    []byte(p),
		}
	}
	out[0].Filename = name
	out[0].DeclaredSize = declared
	return out
}

func TestReceiverCompletesAndPersists(t *testing.T) {
	store := &memStore{}
	var progress []Progress
	r := NewReceiver(NewRegistry(), store, func(p Progress) { progress = append(progress, p) })

	id := uuid.New()
	batches := fragments(id, "doc.txt", 11, "hello", " ", "world")

	for i := range batches {
		out, err := r.HandleFragment(context.Background(), &batches[i])
		require.NoError(t, err)
		if i < len(batches)-1 {
			assert.Equal(t, OutcomeAccepted, out)
		} else {
			assert.Equal(t, OutcomeCompleted, out)
		}
	}

	require.Len(t, store.saves, 1)
	assert.Equal(t, "doc.txt", store.saves[0].name)
	assert.Equal(t, "hello world", string(store.saves[0].data))
	assert.Equal(t, 0, r.Registry().Len())

	require.Len(t, progress, 3)
	assert.Equal(t, int64(5), progress[0].Received)
	assert.Equal(t, int64(11), progress[2].Received)
	assert.Equal(t, int64(11), progress[2].DeclaredSize)
	assert.True(t, progress[2].Done)
}

func TestReceiverSizeMismatchStillSaves(t *testing.T) {
	store := &memStore{}
	r := NewReceiver(NewRegistry(), store, nil)

	batches := fragments(uuid.New(), "short.bin", 100, "abc")
	out, err := r.HandleFragment(context.Background(), &batches[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)
	require.Len(t, store.saves, 1)
}

func TestReceiverPersistFailureRemovesTransfer(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	r := NewReceiver(NewRegistry(), store, nil)

	id := uuid.New()
	batches := fragments(id, "x.bin", 0, "a", "b")
	_, err := r.HandleFragment(context.Background(), &batches[0])
	require.NoError(t, err)

	out, err := r.HandleFragment(context.Background(), &batches[1])
	assert.Equal(t, OutcomeFailed, out)
	assert.ErrorIs(t, err, ErrPersist)

	_, ok := r.Registry().Get(id)
	assert.False(t, ok)

	// A late duplicate cannot re-enter the transfer.
	out, err = r.HandleFragment(context.Background(), &batches[1])
	assert.Equal(t, OutcomeIgnored, out)
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestReceiverAbortsOnGap(t *testing.T) {
	store := &memStore{}
	r := NewReceiver(NewRegistry(), store, nil)

	id := uuid.New()
	batches := fragments(id, "gap.bin", 0, "0", "1", "2", "3")

	for _, i := range []int{0, 1} {
		_, err := r.HandleFragment(context.Background(), &batches[i])
		require.NoError(t, err)
	}

	out, err := r.HandleFragment(context.Background(), &batches[3])
	assert.Equal(t, OutcomeAborted, out)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Empty(t, store.saves, "no partial file may be written")

	// Restarting from the first fragment works.
	for i := range batches {
		_, err := r.HandleFragment(context.Background(), &batches[i])
		require.NoError(t, err)
	}
	require.Len(t, store.saves, 1)
	assert.Equal(t, "0123", string(store.saves[0].data))
}

func TestReceiverRedeliveredFirstRestarts(t *testing.T) {
	store := &memStore{}
	r := NewReceiver(NewRegistry(), store, nil)

	id := uuid.New()
	batches := fragments(id, "re.bin", 0, "a", "b", "c")

	_, _ = r.HandleFragment(context.Background(), &batches[0])
	_, _ = r.HandleFragment(context.Background(), &batches[1])

	for i := range batches {
		_, err := r.HandleFragment(context.Background(), &batches[i])
		require.NoError(t, err)
	}

	require.Len(t, store.saves, 1)
	assert.Equal(t, "abc", string(store.saves[0].data))
}

func TestReceiverRejectsRawPackets(t *testing.T) {
	r := NewReceiver(NewRegistry(), &memStore{}, nil)
	b := protocol.NewRawPacket(0, []byte{1})

	_, err := r.HandleFragment(context.Background(), &b)
	assert.ErrorIs(t, err, protocol.ErrInvalidBatch)
}

func TestReceiverCancelled(t *testing.T) {
	r := NewReceiver(NewRegistry(), &memStore{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := fragments(uuid.New(), "c.bin", 0, "a")[0]
	_, err := r.HandleFragment(ctx, &b)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Registry().Len())
}
