// Package relay carries containers between aliased clients over a
// WebSocket hub. Every WebSocket message is one MessagePack frame:
// an invocation from a client, its completion from the hub, or an event
// pushed by the hub.
package relay

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/1ureka/relaytun/internal/protocol"
)

// Hub methods.
const (
	MethodSendData      = "SendData"
	MethodRegisterAlias = "RegisterAlias"
	MethodSignal        = "Signal"
)

// Hub events.
const (
	EventReceiveDataBatch        = "ReceiveDataBatch"
	EventAliasRegistered         = "AliasRegistered"
	EventAliasRegistrationFailed = "AliasRegistrationFailed"
	EventSendMessageFailed       = "SendMessageFailed"
	EventReceiveSignal           = "ReceiveSignal"
)

// DefaultMaxMessageSize is the largest frame the hub accepts and the
// client sends.
const DefaultMaxMessageSize = 1 << 20

var (
	// ErrChannelUnavailable means the relay connection is not usable.
	ErrChannelUnavailable = errors.New("relay channel unavailable")

	// ErrChannelRejected means a message exceeds the transport ceiling.
	ErrChannelRejected = errors.New("message exceeds relay size limit")

	// ErrInvokeFailed wraps an error reported by the hub for an invocation.
	ErrInvokeFailed = errors.New("relay invocation failed")
)

type frameType uint8

const (
	frameInvoke     frameType = 1
	frameCompletion frameType = 2
	frameEvent      frameType = 3
)

// frame is the envelope of every WebSocket message. ID is zero for
// fire-and-forget invocations, which get no completion.
type frame struct {
	Type   frameType          `msgpack:"t"`
	ID     uint64             `msgpack:"i,omitempty"`
	Target string             `msgpack:"m,omitempty"`
	Args   msgpack.RawMessage `msgpack:"a,omitempty"`
	Error  string             `msgpack:"e,omitempty"`
}

// SendDataRequest asks the hub to deliver a container to an alias.
type SendDataRequest struct {
	RecipientAlias string              `msgpack:"recipientAlias"`
	Container      *protocol.Container `msgpack:"container"`
}

// RegisterAliasRequest claims an alias for the calling connection.
type RegisterAliasRequest struct {
	Alias string `msgpack:"alias"`
}

// SignalRequest forwards an opaque signaling payload to an alias.
type SignalRequest struct {
	RecipientAlias string `msgpack:"recipientAlias"`
	Payload        []byte `msgpack:"payload"`
}

// SignalMessage is the ReceiveSignal event argument.
type SignalMessage struct {
	SenderAlias string `msgpack:"senderAlias"`
	Payload     []byte `msgpack:"payload"`
}

// Handler receives the raw MessagePack arguments of an event. Handlers run
// on the connection's read goroutine, one at a time, in delivery order.
type Handler func(args []byte)

// Decode unpacks event arguments into v.
func Decode(args []byte, v any) error {
	return msgpack.Unmarshal(args, v)
}

// DecodeContainer unpacks the ReceiveDataBatch event argument.
func DecodeContainer(args []byte) (*protocol.Container, error) {
	return protocol.Unmarshal(args)
}
