// Package protocol defines the batch and container format exchanged with the relay.
package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies what a batch payload carries.
type Kind uint8

const (
	KindRawPacket    Kind = 0 // One network-layer packet, self-contained
	KindFileFragment Kind = 1 // One slice of a file, ordered by Sequence
)

func (k Kind) String() string {
	switch k {
	case KindRawPacket:
		return "RawPacket"
	case KindFileFragment:
		return "FileFragment"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// RawTransferID is stamped on every raw packet batch. Raw packets never
// consult the transfer registry, so a single well-known id is enough.
var RawTransferID = uuid.MustParse("00000000-0000-0000-0000-feedfacefeed")

var (
	ErrInvalidBatch = errors.New("invalid batch")
	ErrEmptyPayload = errors.New("empty batch payload")
)

// Batch is the atomic transport unit.
//
// Filename and DeclaredSize are only meaningful on the first fragment of a
// file transfer. A DeclaredSize of zero means the sender did not declare one.
type Batch struct {
	TransferID   uuid.UUID `msgpack:"transferId"`
	Kind         Kind      `msgpack:"kind"`
	Sequence     uint32    `msgpack:"sequence"`
	IsFirst      bool      `msgpack:"isFirst"`
	IsLast       bool      `msgpack:"isLast"`
	Payload      []byte    `msgpack:"payload"`
	Filename     string    `msgpack:"filename,omitempty"`
	DeclaredSize int64     `msgpack:"declaredSize,omitempty"`
}

// NewRawPacket wraps a single device packet. seq is a free-running counter
// with no ordering contract.
func NewRawPacket(seq uint32, payload []byte) Batch {
	return Batch{
		TransferID: RawTransferID,
		Kind:       KindRawPacket,
		Sequence:   seq,
		Payload:    payload,
	}
}

// HasDeclaredSize reports whether the sender announced the total file size.
func (b *Batch) HasDeclaredSize() bool {
	return b.DeclaredSize > 0
}

// Validate checks the per-batch rules that do not depend on transfer state.
func (b *Batch) Validate() error {
	if len(b.Payload) == 0 {
		return ErrEmptyPayload
	}

	switch b.Kind {
	case KindRawPacket:
		if b.IsFirst || b.IsLast {
			return fmt.Errorf("%w: raw packet with first/last flag", ErrInvalidBatch)
		}
	case KindFileFragment:
		if b.IsFirst && b.Sequence != 0 {
			return fmt.Errorf("%w: first fragment with sequence %d", ErrInvalidBatch, b.Sequence)
		}
		if b.DeclaredSize < 0 {
			return fmt.Errorf("%w: negative declared size", ErrInvalidBatch)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidBatch, uint8(b.Kind))
	}

	return nil
}

// ShortID returns the first four hex digits of the transfer id, used in
// progress output.
func ShortID(id uuid.UUID) string {
	return id.String()[:4]
}
