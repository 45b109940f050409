package distribution

import (
	"encoding/json"
	"strings"

	"gateway/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodList        = "list"
)

// Control is a subscriber request, e.g. {"method":"subscribe","channels":["book.BTC-PERPETUAL.100ms"]}.
type Control struct {
	Method   string   `json:"method"`
	Channels []string `json:"channels,omitempty"`
}

// ControlReply answers a Control. Channels holds the full subscription set after the request.
type ControlReply struct {
	Method   string   `json:"method,omitempty"`
	Result   string   `json:"result,omitempty"`
	Channels []string `json:"channels"`
	Error    string   `json:"error,omitempty"`
}

// Frame wraps a broadcast payload with its channel.
type Frame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// DecodeControl parses and normalizes a control message.
func DecodeControl(msg []byte) (Control, error) {
	var c Control
	if err := sonic.Unmarshal(msg, &c); err != nil {
		return Control{}, errors.Wrap(exception.ErrInvalidControl, err.Error())
	}
	c.Method = strings.ToLower(strings.TrimSpace(c.Method))

	channels := c.Channels[:0]
	for _, ch := range c.Channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			channels = append(channels, ch)
		}
	}
	c.Channels = channels

	switch c.Method {
	case MethodSubscribe, MethodUnsubscribe:
		if len(c.Channels) == 0 {
			return Control{}, errors.Wrapf(exception.ErrInvalidControl, "%s without channels", c.Method)
		}
	case MethodList:
	default:
		return Control{}, errors.Wrapf(exception.ErrUnknownControl, "method: %q", c.Method)
	}
	return c, nil
}

// EncodeFrame builds the broadcast frame of channel. Data that is not valid JSON
// is sent as a JSON string.
func EncodeFrame(channel string, data []byte) ([]byte, error) {
	raw := json.RawMessage(data)
	if len(data) == 0 || !json.Valid(data) {
		quoted, err := sonic.Marshal(string(data))
		if err != nil {
			return nil, errors.Wrap(err, "quote frame data")
		}
		raw = quoted
	}
	buf, err := sonic.Marshal(Frame{Channel: channel, Data: raw})
	if err != nil {
		return nil, errors.Wrap(err, "marshal frame")
	}
	return buf, nil
}

// HandleControl applies a control message of the subscriber and returns the
// reply to send back. Decode failures produce an error reply and the error.
func (s *Server) HandleControl(id uint64, msg []byte) ([]byte, error) {
	c, err := DecodeControl(msg)
	if err != nil {
		return encodeReply(ControlReply{Error: err.Error(), Channels: []string{}}), err
	}

	switch c.Method {
	case MethodSubscribe:
		err = s.Subscribe(id, c.Channels...)
	case MethodUnsubscribe:
		err = s.Unsubscribe(id, c.Channels...)
	}
	if err != nil {
		return encodeReply(ControlReply{Method: c.Method, Error: err.Error(), Channels: []string{}}), err
	}

	channels, err := s.Channels(id)
	if err != nil {
		return encodeReply(ControlReply{Method: c.Method, Error: err.Error(), Channels: []string{}}), err
	}
	return encodeReply(ControlReply{Method: c.Method, Result: "ok", Channels: channels}), nil
}

func encodeReply(r ControlReply) []byte {
	if r.Channels == nil {
		r.Channels = []string{}
	}
	buf, err := sonic.Marshal(r)
	if err != nil {
		return []byte(`{"error":"internal"}`)
	}
	return buf
}
