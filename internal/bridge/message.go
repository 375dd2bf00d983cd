package bridge

import (
	"github.com/tidwall/gjson"

	"github.com/brighthub/bncode/internal/console"
	"github.com/brighthub/bncode/internal/instrument"
)

// Message is a console message posted by the instrumentation script.
// Type is the discriminant and is always "console" for accepted messages.
type Message struct {
	Type    string `json:"type"`
	LogType string `json:"logType"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Valid reports whether m is a console message with a known log type.
func (m Message) Valid() bool {
	if m.Type != instrument.MessageType {
		return false
	}
	_, ok := logCategory(m.LogType)
	return ok
}

// logCategory maps the log types the sandbox may send. "success" is
// reserved for host-side entries and is not accepted from the sandbox.
func logCategory(logType string) (console.Category, bool) {
	switch logType {
	case "log":
		return console.CategoryLog, true
	case "error":
		return console.CategoryError, true
	case "warn":
		return console.CategoryWarn, true
	case "info":
		return console.CategoryInfo, true
	}
	return "", false
}

// Decode parses raw into a Message. The discriminant is checked before any
// other field is read; anything that is not a well-formed console message
// yields ok=false.
func Decode(raw []byte) (Message, bool) {
	if !gjson.ValidBytes(raw) {
		return Message{}, false
	}

	typ := gjson.GetBytes(raw, "type")
	if typ.Type != gjson.String || typ.Str != instrument.MessageType {
		return Message{}, false
	}

	fields := gjson.GetManyBytes(raw, "logType", "message", "stack")
	logType, message, stack := fields[0], fields[1], fields[2]
	if logType.Type != gjson.String || message.Type != gjson.String {
		return Message{}, false
	}

	msg := Message{
		Type:    typ.Str,
		LogType: logType.Str,
		Message: message.Str,
	}
	if stack.Type == gjson.String {
		msg.Stack = stack.Str
	}
	if !msg.Valid() {
		return Message{}, false
	}
	return msg, true
}
