package ws

import (
	"github.com/google/uuid"
	"github.com/juju/loggo/v2"

	"github.com/barcode-drop/backend/internal/scan"
)

type MessageType string

const (
	MsgUpsertScans     MessageType = "upsertScans"
	MsgDeleteScans     MessageType = "deleteScans"
	MsgLiveUpdatesLost MessageType = "liveUpdatesLost"
)

// Client text frames handled outside the JSON protocol.
const (
	pingText = "ping"
	pongText = "pong"
)

// Message is a server-to-client frame.
type Message struct {
	Type     MessageType   `json:"type"`
	NewScans []scan.Record `json:"newScans,omitempty"`
	IDs      []uuid.UUID   `json:"ids,omitempty"`
}

func UpsertScans(rows []scan.Record) Message {
	return Message{Type: MsgUpsertScans, NewScans: rows}
}

func DeleteScans(ids []uuid.UUID) Message {
	return Message{Type: MsgDeleteScans, IDs: ids}
}

func LiveUpdatesLost() Message {
	return Message{Type: MsgLiveUpdatesLost}
}

// Logger is the subset of loggo.Logger this package writes to.
type Logger interface {
	Debugf(string, ...any)
	Infof(string, ...any)
	Errorf(string, ...any)
}

var defaultLogger Logger = loggo.GetLogger("barcodedrop.ws")
