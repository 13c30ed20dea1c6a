// Package syncproto decodes and encodes the binary collaboration frames
// exchanged over the WebSocket.
//
// A frame is a varUint message type followed by a type-specific body. Frames
// are decoded once, at the connection boundary, into one of the Message
// variants below.
package syncproto

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/wire"
)

// Top-level message types.
const (
	TypeSync           uint64 = 0
	TypeAwareness      uint64 = 1
	TypeAuth           uint64 = 2
	TypeQueryAwareness uint64 = 3
)

// SyncKind identifies a sync submessage.
type SyncKind uint64

// Sync submessage kinds.
const (
	SyncStep1  SyncKind = 0
	SyncStep2  SyncKind = 1
	SyncUpdate SyncKind = 2
)

func (k SyncKind) String() string {
	switch k {
	case SyncStep1:
		return "sync_step1"
	case SyncStep2:
		return "sync_step2"
	case SyncUpdate:
		return "sync_update"
	default:
		return fmt.Sprintf("sync_kind_%d", uint64(k))
	}
}

// ErrProtocol marks a malformed or unknown frame.
var ErrProtocol = errors.New("syncproto: protocol error")

// Message is a decoded frame.
type Message interface {
	Type() uint64
}

// SyncPart is one sync submessage. Payload is a state vector for SyncStep1
// and an update otherwise.
type SyncPart struct {
	Kind    SyncKind
	Payload []byte
}

// SyncMessage carries one or more concatenated sync submessages.
type SyncMessage struct {
	Parts []SyncPart
}

func (SyncMessage) Type() uint64 { return TypeSync }

// AwarenessMessage carries an encoded awareness update.
type AwarenessMessage struct {
	Update []byte
}

func (AwarenessMessage) Type() uint64 { return TypeAwareness }

// AuthMessage carries an in-band auth body. The server authenticates at
// connect time and ignores it.
type AuthMessage struct {
	Body []byte
}

func (AuthMessage) Type() uint64 { return TypeAuth }

// QueryAwarenessMessage asks peers to re-announce their awareness state.
type QueryAwarenessMessage struct{}

func (QueryAwarenessMessage) Type() uint64 { return TypeQueryAwareness }

// TypeName labels a message type for logs and metrics.
func TypeName(messageType uint64) string {
	switch messageType {
	case TypeSync:
		return "sync"
	case TypeAwareness:
		return "awareness"
	case TypeAuth:
		return "auth"
	case TypeQueryAwareness:
		return "query_awareness"
	default:
		return "unknown"
	}
}

// Decode parses a binary frame. For sync frames a malformed submessage stops
// the loop: the parts decoded before it are returned together with an error
// wrapping ErrProtocol, so callers may still act on them.
func Decode(frame []byte) (Message, error) {
	decoder := wire.NewDecoder(frame)
	messageType, err := decoder.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: message type: %v", ErrProtocol, err)
	}
	switch messageType {
	case TypeSync:
		return decodeSync(decoder)
	case TypeAwareness:
		update, err := decoder.ReadVarUint8Array()
		if err != nil {
			return nil, fmt.Errorf("%w: awareness body: %v", ErrProtocol, err)
		}
		return AwarenessMessage{Update: update}, nil
	case TypeAuth:
		return AuthMessage{Body: decoder.ReadRest()}, nil
	case TypeQueryAwareness:
		return QueryAwarenessMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, messageType)
	}
}

func decodeSync(decoder *wire.Decoder) (SyncMessage, error) {
	var message SyncMessage
	for decoder.HasContent() {
		rawKind, err := decoder.ReadVarUint()
		if err != nil {
			return message, fmt.Errorf("%w: sync kind: %v", ErrProtocol, err)
		}
		kind := SyncKind(rawKind)
		if kind != SyncStep1 && kind != SyncStep2 && kind != SyncUpdate {
			return message, fmt.Errorf("%w: unknown sync kind %d", ErrProtocol, rawKind)
		}
		payload, err := decoder.ReadVarUint8Array()
		if err != nil {
			return message, fmt.Errorf("%w: %s payload: %v", ErrProtocol, kind, err)
		}
		message.Parts = append(message.Parts, SyncPart{Kind: kind, Payload: payload})
	}
	if len(message.Parts) == 0 {
		return message, fmt.Errorf("%w: empty sync message", ErrProtocol)
	}
	return message, nil
}

// EncodeSyncStep1 frames a state vector request.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 frames the reply to a SyncStep1.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeSyncUpdate frames an incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func encodeSync(kind SyncKind, payload []byte) []byte {
	encoder := wire.NewEncoder(len(payload) + 8)
	encoder.WriteVarUint(TypeSync)
	encoder.WriteVarUint(uint64(kind))
	encoder.WriteVarUint8Array(payload)
	return encoder.Bytes()
}

// EncodeAwareness frames an awareness update.
func EncodeAwareness(update []byte) []byte {
	encoder := wire.NewEncoder(len(update) + 8)
	encoder.WriteVarUint(TypeAwareness)
	encoder.WriteVarUint8Array(update)
	return encoder.Bytes()
}

// EncodeQueryAwareness frames an awareness query.
func EncodeQueryAwareness() []byte {
	encoder := wire.NewEncoder(1)
	encoder.WriteVarUint(TypeQueryAwareness)
	return encoder.Bytes()
}
