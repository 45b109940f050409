package websocket

import (
	"strings"

	"github.com/gorilla/websocket"
)

// ConnectionID is the numeric identifier of an accepted websocket connection.
type ConnectionID uint64

// MessageType represents a WebSocket message type.
// Values match RFC 6455 opcodes.
type MessageType uint8

const (
	// MessageText is a text data frame.
	MessageText MessageType = websocket.TextMessage
	// MessageBinary is a binary data frame.
	MessageBinary MessageType = websocket.BinaryMessage
	// MessageClose is a close control frame.
	MessageClose MessageType = websocket.CloseMessage
	// MessagePing is a ping control frame.
	MessagePing MessageType = websocket.PingMessage
	// MessagePong is a pong control frame.
	MessagePong MessageType = websocket.PongMessage
)

// CloseCode is a WebSocket close code.
type CloseCode uint16

const (
	CloseNormal          CloseCode = websocket.CloseNormalClosure
	CloseGoingAway       CloseCode = websocket.CloseGoingAway
	ClosePolicyViolation CloseCode = websocket.ClosePolicyViolation
	CloseMessageTooBig   CloseCode = websocket.CloseMessageTooBig
)

// OverflowPolicy defines queue behavior when full.
type OverflowPolicy uint8

const (
	// OverflowDropNewest rejects the incoming item if the queue is full.
	OverflowDropNewest OverflowPolicy = iota
	// OverflowDropOldest drops the oldest item to make room.
	OverflowDropOldest
	// OverflowBlock blocks until space is available or the writer closes.
	OverflowBlock
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropNewest:
		return "drop_newest"
	case OverflowDropOldest:
		return "drop_oldest"
	case OverflowBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses drop_newest, drop_oldest or block.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_newest":
		return OverflowDropNewest, true
	case "drop_oldest":
		return OverflowDropOldest, true
	case "block":
		return OverflowBlock, true
	default:
		return 0, false
	}
}
