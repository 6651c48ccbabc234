package reassembly

import (
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/relaytun/internal/protocol"
)

// Result is the outcome of appending one fragment.
type Result int

const (
	Accepted   Result = iota // Fragment appended in order
	OutOfOrder               // Sequence mismatch, transfer aborted and removed
	Unknown                  // No active transfer for the id
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case OutOfOrder:
		return "out-of-order"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// entry guards one State. Once retired (replaced, aborted, completed or
// removed) it rejects all further fragments.
type entry struct {
	mu      sync.Mutex
	state   *State
	retired bool
}

// Handle identifies one generation of a transfer. A transfer restarted with
// the same id gets a new handle.
type Handle struct {
	id uuid.UUID
	e  *entry
}

// ID returns the transfer id the handle belongs to.
func (h Handle) ID() uuid.UUID { return h.id }

// Progress describes a transfer right after a fragment was appended.
type Progress struct {
	TransferID   uuid.UUID
	Filename     string
	Received     int64
	DeclaredSize int64
	Fragments    uint32
	Done         bool // the terminal fragment was accepted

	handle Handle
}

// Registry maps transfer ids to their reassembly state. The map itself is
// guarded by one mutex; every entry has its own lock so fragments of
// unrelated transfers never serialize each other. The registry lock is never
// held while acquiring an entry lock.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uuid.UUID]*entry),
	}
}

// BeginOrReplace starts tracking a transfer. An active transfer with the same
// id is retired and replaced; replaced reports whether that happened.
func (r *Registry) BeginOrReplace(id uuid.UUID, kind protocol.Kind, filename string, declared int64) (h Handle, replaced bool) {
	e := &entry{state: newState(id, kind, filename, declared)}

	r.mu.Lock()
	old := r.entries[id]
	r.entries[id] = e
	r.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		old.retired = true
		old.mu.Unlock()
	}

	return Handle{id: id, e: e}, old != nil
}

// AppendFragment feeds one non-first or first fragment payload into the
// active transfer for id.
//
// A sequence mismatch retires and removes the entry. Accepting the terminal
// fragment retires the entry but keeps it registered until Finish is called,
// so the buffer stays reachable while it is persisted.
func (r *Registry) AppendFragment(id uuid.UUID, seq uint32, payload []byte, isLast bool) (Result, Progress) {
	e := r.lookup(id)
	if e == nil {
		return Unknown, Progress{TransferID: id}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.retired {
		return Unknown, Progress{TransferID: id}
	}

	if !e.state.append(seq, payload) {
		e.retired = true
		r.detach(id, e)
		return OutOfOrder, e.progress()
	}

	p := e.progress()
	if isLast {
		e.retired = true
		p.Done = true
	}
	p.handle = Handle{id: id, e: e}

	return Accepted, p
}

// Completed returns the finished state behind a Done progress report.
func (r *Registry) Completed(p Progress) (*State, bool) {
	if !p.Done || p.handle.e == nil {
		return nil, false
	}
	return p.handle.e.state, true
}

// Finish removes the transfer behind h, unless it has been replaced by a
// newer generation in the meantime.
func (r *Registry) Finish(h Handle) {
	if h.e == nil {
		return
	}
	r.detach(h.id, h.e)
}

// Get returns a snapshot of the active transfer for id.
func (r *Registry) Get(id uuid.UUID) (Snapshot, bool) {
	e := r.lookup(id)
	if e == nil {
		return Snapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.snapshot(), true
}

// Remove drops the transfer for id, whatever its state.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	e := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		e.retired = true
		e.mu.Unlock()
	}
}

// Len returns the number of tracked transfers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Active returns snapshots of every tracked transfer.
func (r *Registry) Active() []Snapshot {
	r.mu.Lock()
	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		out = append(out, e.state.snapshot())
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) lookup(id uuid.UUID) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

// detach deletes id only while it still points at e.
func (r *Registry) detach(id uuid.UUID, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
}

func (e *entry) progress() Progress {
	return Progress{
		TransferID:   e.state.TransferID,
		Filename:     e.state.Filename,
		Received:     e.state.Received(),
		DeclaredSize: e.state.DeclaredSize,
		Fragments:    e.state.expected,
	}
}
