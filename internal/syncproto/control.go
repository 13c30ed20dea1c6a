package syncproto

import (
	"encoding/json"
	"fmt"
)

// Text control frame types.
const (
	ControlPing      = "ping"
	ControlPong      = "pong"
	ControlAwareness = "awareness"
	ControlJoin      = "join"
	ControlLeave     = "leave"
)

// ControlFrame is a JSON text frame.
type ControlFrame struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	UserName string          `json:"user_name,omitempty"`
}

// DecodeControl parses a text frame.
func DecodeControl(data []byte) (ControlFrame, error) {
	var frame ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ControlFrame{}, fmt.Errorf("%w: control frame: %v", ErrProtocol, err)
	}
	if frame.Type == "" {
		return ControlFrame{}, fmt.Errorf("%w: control frame without type", ErrProtocol)
	}
	return frame, nil
}
