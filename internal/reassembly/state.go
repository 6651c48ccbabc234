// Package reassembly rebuilds files from in-order fragment streams.
//
// The relay is assumed reliable and ordered, so any fragment that does not
// carry the next expected sequence number aborts its transfer. There is no
// reorder buffer and no retransmission.
package reassembly

import (
	"github.com/google/uuid"

	"github.com/1ureka/relaytun/internal/protocol"
)

// State accumulates the fragments of one transfer. It is owned by the
// Registry and only mutated under its entry lock.
type State struct {
	TransferID   uuid.UUID
	Kind         protocol.Kind
	Filename     string
	DeclaredSize int64 // 0 when the sender did not declare a size

	buffer   []byte
	expected uint32
}

func newState(id uuid.UUID, kind protocol.Kind, filename string, declared int64) *State {
	s := &State{
		TransferID:   id,
		Kind:         kind,
		Filename:     filename,
		DeclaredSize: declared,
	}
	if declared > 0 {
		s.buffer = make([]byte, 0, declared)
	}
	return s
}

// append accepts the fragment if seq is the next expected one.
func (s *State) append(seq uint32, payload []byte) bool {
	if seq != s.expected {
		return false
	}
	s.buffer = append(s.buffer, payload...)
	s.expected++
	return true
}

// Received returns the number of bytes accepted so far.
func (s *State) Received() int64 { return int64(len(s.buffer)) }

// Expected returns the next sequence number that will be accepted, which is
// also the number of fragments accepted so far.
func (s *State) Expected() uint32 { return s.expected }

// Bytes returns the reassembled buffer. Callers must not modify it.
func (s *State) Bytes() []byte { return s.buffer }

// Snapshot is a read-only view of an active transfer.
type Snapshot struct {
	TransferID   uuid.UUID
	Kind         protocol.Kind
	Filename     string
	DeclaredSize int64
	Received     int64
	Expected     uint32
}

func (s *State) snapshot() Snapshot {
	return Snapshot{
		TransferID:   s.TransferID,
		Kind:         s.Kind,
		Filename:     s.Filename,
		DeclaredSize: s.DeclaredSize,
		Received:     s.Received(),
		Expected:     s.expected,
	}
}
