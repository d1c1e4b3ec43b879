package docstore

import "encoding/json"

// Messages exchanged on the hub's websocket push channel.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgSnapshot    = "snapshot"
	MsgError       = "error"
)

type ClientMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
}

type ServerMessage struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Path   string          `json:"path,omitempty"`
	Exists bool            `json:"exists"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type GetResponse struct {
	Exists bool            `json:"exists"`
	Value  json.RawMessage `json:"value,omitempty"`
}

type PushResponse struct {
	Key string `json:"key"`
}

type QueryResponse struct {
	Items map[string]json.RawMessage `json:"items"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
