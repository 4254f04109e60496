package chatplatform

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/park285/guild-chat-bridge/internal/wsfeed"
)

// EventMessageCreate is the dispatch type of a new channel message.
const EventMessageCreate = "MESSAGE_CREATE"

// Event is a gateway dispatch frame.
type Event struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

// Feed decodes gateway frames from a wsfeed connection.
type Feed struct {
	ws  *wsfeed.Feed
	log *zap.Logger
}

func NewFeed(ws *wsfeed.Feed, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{ws: ws, log: log}
}

// OnMessageCreate registers h for new channel messages and returns the
// callback id.
func (f *Feed) OnMessageCreate(h func(Message)) int {
	return f.ws.OnMessage(func(raw json.RawMessage) {
		msg, ok := DecodeMessageCreate(raw)
		if !ok {
			return
		}
		h(msg)
	})
}

// DecodeMessageCreate extracts a message from a MESSAGE_CREATE frame.
func DecodeMessageCreate(raw json.RawMessage) (Message, bool) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != EventMessageCreate {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		return Message{}, false
	}
	return msg, true
}
