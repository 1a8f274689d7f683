package websocket

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const maxMessageLen = 500

// NormalizeMessage reduces an inbound warning payload to plain text.
// Accepted shapes: a JSON string, an object with a "message" field, or raw text.
func NormalizeMessage(raw []byte) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var msg string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg = string(raw)
		}
	case '{':
		var obj struct {
			Message json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			msg = string(raw)
		} else if len(obj.Message) > 0 && obj.Message[0] == '"' {
			_ = json.Unmarshal(obj.Message, &msg)
		} else {
			msg = string(bytes.TrimSpace(obj.Message))
		}
	default:
		msg = string(raw)
	}

	msg = strings.TrimSpace(msg)
	if len(msg) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
