package ws

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"chatrelay/internal/models"

	"github.com/goccy/go-json"
)

// Envelope 是 WebSocket 上的帧格式：{"event", "ack", "data"}。
// ack 为客户端自定的回执 id，存在时服务端以 event "ack" 回应同一个 id。
type Envelope struct {
	Event string          `json:"event"`
	Ack   json.RawMessage `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	eventAck  = "ack"
	eventPing = "ping"
	eventPong = "pong"
)

var errEmptyPayload = errors.New("empty payload")

// encodeFrame 序列化一帧，广播时只编码一次。
func encodeFrame(event string, ack json.RawMessage, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Ack: ack, Data: raw})
}

func decodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return env, errors.New("decode envelope: missing event")
	}
	return env, nil
}

// decodeID 接受原始字符串、数字或 {key: ...} 对象。
func decodeID(data json.RawMessage, key string) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ""
	}
	switch data[0] {
	case '"':
		var s string
		if json.Unmarshal(data, &s) == nil {
			return strings.TrimSpace(s)
		}
	case '{':
		var obj map[string]json.RawMessage
		if json.Unmarshal(data, &obj) == nil {
			if v, ok := obj[key]; ok {
				return decodeID(v, key)
			}
		}
	default:
		var n json.Number
		if json.Unmarshal(data, &n) == nil {
			return n.String()
		}
	}
	return ""
}

func decodeMessage(data json.RawMessage) (*models.Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyPayload
	}
	var m models.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}
