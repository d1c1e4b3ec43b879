package ws

import (
	"encoding/json"
	"time"

	"slice-duel/internal/docstore"
)

const (
	sendBuffer     = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 10
	// maxSubscriptions bounds how many paths one connection may watch.
	maxSubscriptions = 64
)

const maxSubscriptionID = 64

const (
	errInvalidPath  = "invalid_path"
	errInvalidID    = "invalid_subscription_id"
	errDuplicateID  = "duplicate_subscription_id"
	errTooManySubs  = "too_many_subscriptions"
	errUnknownType  = "unknown_message_type"
	errMalformed    = "malformed_message"
	errStoreFailure = "store_unavailable"
)

func snapshotMessage(id string, snap docstore.Snapshot) []byte {
	msg, _ := json.Marshal(docstore.ServerMessage{
		Type:   docstore.MsgSnapshot,
		ID:     id,
		Path:   snap.Path,
		Exists: snap.Exists,
		Value:  snap.Value,
	})
	return msg
}

func errorMessage(id, code string) []byte {
	msg, _ := json.Marshal(docstore.ServerMessage{Type: docstore.MsgError, ID: id, Error: code})
	return msg
}
