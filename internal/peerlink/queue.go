package peerlink

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/relaytun/internal/util"
)

// Writing pauses while the DataChannel buffers more than pauseAbove bytes and
// resumes once it drains below resumeBelow.
const (
	pauseAbove  = 256 * 1024
	resumeBelow = 64 * 1024
	queueDepth  = 256 // encoded container parts waiting for the channel
)

// channel is the part of a DataChannel the write queue drives.
type channel interface {
	Send(data []byte) error
	BufferedAmount() uint64
}

// writeQueue is the only writer of a link's DataChannel. Parts go out in the
// order they were queued, so the fragments of one transfer stay in sequence.
type writeQueue struct {
	ctx     context.Context // link lifetime
	parts   chan []byte
	drained chan struct{}
}

func newWriteQueue(ctx context.Context) *writeQueue {
	return &writeQueue{
		ctx:     ctx,
		parts:   make(chan []byte, queueDepth),
		drained: make(chan struct{}, 1),
	}
}

// attach registers the drain callback on dc and starts writing once open is
// closed. A failed write ends the link through fail.
func (q *writeQueue) attach(dc *webrtc.DataChannel, open <-chan struct{}, fail func()) {
	dc.SetBufferedAmountLowThreshold(resumeBelow)
	dc.OnBufferedAmountLow(q.notifyDrained)
	go q.run(dc, open, fail)
}

func (q *writeQueue) notifyDrained() {
	select {
	case q.drained <- struct{}{}:
	default:
	}
}

func (q *writeQueue) run(ch channel, open <-chan struct{}, fail func()) {
	select {
	case <-open:
	case <-q.ctx.Done():
		return
	}

	for {
		var data []byte
		select {
		case data = <-q.parts:
		case <-q.ctx.Done():
			return
		}

		if ch.BufferedAmount() > pauseAbove {
			select {
			case <-q.drained:
			case <-q.ctx.Done():
				return
			}
		}

		if err := ch.Send(data); err != nil {
			util.LogWarning("direct link write of %d bytes failed: %v", len(data), err)
			fail()
			return
		}
		util.Stats.AddDirectOut(len(data))
	}
}

// offer queues data if there is room.
func (q *writeQueue) offer(data []byte) error {
	if q.ctx.Err() != nil {
		return ErrLinkClosed
	}
	select {
	case q.parts <- data:
		return nil
	default:
		return ErrLinkBusy
	}
}

// push queues data, waiting for room. A closed link wins over free room.
func (q *writeQueue) push(ctx context.Context, data []byte) error {
	if q.ctx.Err() != nil {
		return ErrLinkClosed
	}
	select {
	case q.parts <- data:
		return nil
	case <-q.ctx.Done():
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
