// Package tunnel moves IP packets between the virtual device and the relay.
package tunnel

import (
	"errors"
	"sync"

	"github.com/1ureka/relaytun/internal/device"
)

var (
	ErrNoDevice  = errors.New("no active device session")
	ErrSelfPeer  = errors.New("cannot set yourself as peer")
	ErrEmptyPeer = errors.New("peer alias is empty")
)

// Session holds the state shared by the egress loop, the ingress dispatcher
// and the command loop: our alias, the peer alias and the device handle.
type Session struct {
	mu   sync.RWMutex
	self string
	peer string
	dev  device.Device
}

// NewSession creates a session for the registered alias self.
func NewSession(self string) *Session {
	return &Session{self: self}
}

// Self returns our registered alias.
func (s *Session) Self() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Peer returns the current peer alias, empty when none is set.
func (s *Session) Peer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// SetPeer changes the peer alias. Packets already queued keep their old
// recipient.
func (s *Session) SetPeer(alias string) error {
	if alias == "" {
		return ErrEmptyPeer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if alias == s.self {
		return ErrSelfPeer
	}
	s.peer = alias
	return nil
}

// AttachDevice installs dev as the active device session.
func (s *Session) AttachDevice(dev device.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dev = dev
}

// DetachDevice clears the device handle and returns the previous one.
func (s *Session) DetachDevice() device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := s.dev
	s.dev = nil
	return dev
}

// Device returns the active device, or nil.
func (s *Session) Device() device.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dev
}
