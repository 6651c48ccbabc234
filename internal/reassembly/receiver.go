package reassembly

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/1ureka/relaytun/internal/protocol"
	"github.com/1ureka/relaytun/internal/util"
)

var (
	ErrOutOfOrder      = errors.New("fragment out of order")
	ErrUnknownTransfer = errors.New("fragment for unknown transfer")
	ErrPersist         = errors.New("persist transfer")
)

// Persister writes a completed transfer and returns the final path. It is
// solely responsible for making filename safe for the filesystem.
type Persister interface {
	Save(id uuid.UUID, filename string, data []byte) (string, error)
}

// Outcome summarizes what one fragment did to its transfer.
type Outcome int

const (
	OutcomeAccepted  Outcome = iota // Appended, transfer still active
	OutcomeCompleted                // Terminal fragment appended and persisted
	OutcomeAborted                  // Sequence violation, transfer dropped
	OutcomeIgnored                  // No active transfer, fragment dropped
	OutcomeFailed                   // Completed but persistence failed
)

// Receiver drives the reassembly state machine for inbound fragments.
type Receiver struct {
	reg        *Registry
	store      Persister
	onProgress func(Progress)
}

// NewReceiver creates a receiver backed by reg that hands completed
// transfers to store. onProgress may be nil.
func NewReceiver(reg *Registry, store Persister, onProgress func(Progress)) *Receiver {
	return &Receiver{
		reg:        reg,
		store:      store,
		onProgress: onProgress,
	}
}

// Registry returns the registry the receiver feeds.
func (r *Receiver) Registry() *Registry { return r.reg }

// HandleFragment applies one file fragment. Errors are local to the
// fragment's transfer and never fatal to the caller.
func (r *Receiver) HandleFragment(ctx context.Context, b *protocol.Batch) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeIgnored, err
	}
	if b.Kind != protocol.KindFileFragment {
		return OutcomeIgnored, fmt.Errorf("%w: %s is not a file fragment", protocol.ErrInvalidBatch, b.Kind)
	}
	if b.IsFirst && b.Sequence != 0 {
		return OutcomeIgnored, fmt.Errorf("%w: first fragment with sequence %d", protocol.ErrInvalidBatch, b.Sequence)
	}

	if b.IsFirst {
		if _, replaced := r.reg.BeginOrReplace(b.TransferID, b.Kind, b.Filename, b.DeclaredSize); replaced {
			util.LogWarning("transfer %s restarted by a new first fragment, discarding previous data", b.TransferID)
		}
	}

	res, p := r.reg.AppendFragment(b.TransferID, b.Sequence, b.Payload, b.IsLast)
	switch res {
	case Unknown:
		return OutcomeIgnored, fmt.Errorf("%w: %s (sequence %d)", ErrUnknownTransfer, b.TransferID, b.Sequence)
	case OutOfOrder:
		return OutcomeAborted, fmt.Errorf("%w: transfer %s expected %d, got %d; dropped %d bytes",
			ErrOutOfOrder, b.TransferID, p.Fragments, b.Sequence, p.Received)
	}

	if r.onProgress != nil {
		r.onProgress(p)
	}

	if !p.Done {
		return OutcomeAccepted, nil
	}

	return r.complete(p)
}

// complete persists a finished transfer and removes it from the registry
// regardless of the persistence outcome.
func (r *Receiver) complete(p Progress) (Outcome, error) {
	defer r.reg.Finish(p.handle)

	st, ok := r.reg.Completed(p)
	if !ok {
		return OutcomeFailed, fmt.Errorf("%w: transfer %s has no completed state", ErrPersist, p.TransferID)
	}

	if st.DeclaredSize > 0 && st.Received() != st.DeclaredSize {
		util.LogWarning("transfer %s size mismatch: declared %d bytes, received %d bytes",
			st.TransferID, st.DeclaredSize, st.Received())
	}

	path, err := r.store.Save(st.TransferID, st.Filename, st.Bytes())
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w %s: %w", ErrPersist, st.TransferID, err)
	}

	util.LogSuccess("received %q (%d bytes) -> %s", st.Filename, st.Received(), path)
	return OutcomeCompleted, nil
}
