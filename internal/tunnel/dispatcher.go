package tunnel

import (
	"context"
	"errors"

	"github.com/1ureka/relaytun/internal/device"
	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/reassembly"
	"github.com/1ureka/relaytun/internal/util"
)

// FragmentHandler consumes file fragments.
type FragmentHandler interface {
	HandleFragment(ctx context.Context, b *protocol.Batch) (reassembly.Outcome, error)
}

// Summary counts what one container did.
type Summary struct {
	Injected  int // raw packets written to the device
	Dropped   int // raw packets the device could not take
	Fragments int // file fragments handed to the receiver
	Skipped   int // malformed or unknown batches
}

// Dispatcher routes inbound containers: raw packets into the device, file
// fragments into reassembly. Every batch is handled independently.
type Dispatcher struct {
	sess       *Session
	files      FragmentHandler
	injectWarn *util.Throttle
}

// NewDispatcher creates a dispatcher injecting into the session's device.
func NewDispatcher(sess *Session, files FragmentHandler) *Dispatcher {
	return &Dispatcher{
		sess:       sess,
		files:      files,
		injectWarn: util.NewThrottle(WarnInterval),
	}
}

// HandleContainer processes every batch of c in order.
func (d *Dispatcher) HandleContainer(ctx context.Context, c *protocol.Container) Summary {
	var sum Summary
	if c == nil || len(c.Batches) == 0 {
		util.LogDebug("received empty container")
		return sum
	}

	dev := d.sess.Device()
	noDeviceWarned := false

	for i := range c.Batches {
		b := &c.Batches[i]

		if err := b.Validate(); err != nil {
			sum.Skipped++
			util.Stats.DroppedInvalid.Add(1)
			if errors.Is(err, protocol.ErrEmptyPayload) {
				util.LogDebug("skipping %s batch with empty payload", b.Kind)
			} else {
				util.LogWarning("skipping batch: %v", err)
			}
			continue
		}

		switch b.Kind {
		case protocol.KindRawPacket:
			if dev == nil {
				sum.Dropped++
				util.Stats.DroppedInject.Add(1)
				if !noDeviceWarned {
					noDeviceWarned = true
					util.LogWarning("received packets but no device session is active, dropping")
				}
				continue
			}
			if err := d.inject(dev, b.Payload); err != nil {
				sum.Dropped++
				continue
			}
			sum.Injected++

		case protocol.KindFileFragment:
			sum.Fragments++
			d.handleFragment(ctx, b)
		}
	}

	return sum
}

func (d *Dispatcher) inject(dev device.Device, pkt []byte) error {
	err := dev.WritePacket(pkt)
	if err == nil {
		util.Stats.AddIn(len(pkt))
		if util.DebugEnabled() {
			util.LogDebug("<- %s", describePacket(pkt))
		}
		return nil
	}

	util.Stats.DroppedInject.Add(1)
	switch {
	case errors.Is(err, device.ErrSendBufferFull):
		d.injectWarn.Do(func(suppressed int64) {
			util.LogWarning("device send buffer full, dropping packets (%d more since last warning)", suppressed)
		})
	case errors.Is(err, device.ErrClosed):
		util.LogDebug("device closed, dropping packet")
	default:
		util.LogWarning("inject packet: %v", err)
	}
	return err
}

func (d *Dispatcher) handleFragment(ctx context.Context, b *protocol.Batch) {
	if d.files == nil {
		util.LogWarning("dropping file fragment for %s: file receiving disabled", b.TransferID)
		return
	}

	outcome, err := d.files.HandleFragment(ctx, b)
	switch outcome {
	case reassembly.OutcomeAccepted:
		util.Stats.FragmentsIn.Add(1)
	case reassembly.OutcomeCompleted:
		util.Stats.FragmentsIn.Add(1)
		util.Stats.TransfersCompleted.Add(1)
	case reassembly.OutcomeAborted, reassembly.OutcomeFailed:
		util.Stats.TransfersAborted.Add(1)
	}

	if err != nil {
		util.LogWarning("file fragment %d of %s: %v", b.Sequence, b.TransferID, err)
	}
}
