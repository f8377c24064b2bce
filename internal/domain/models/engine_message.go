package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind classifies engine status messages.
type MessageKind string

const (
	MsgConnecting         MessageKind = "connecting"
	MsgConnected          MessageKind = "connected"
	MsgDisconnected       MessageKind = "disconnected"
	MsgReconnecting       MessageKind = "reconnecting"
	MsgAutoRefreshing     MessageKind = "auto_refreshing"
	MsgAutoRefreshingDone MessageKind = "auto_refreshing_done"
	MsgInfo               MessageKind = "info"
	MsgNoPairs            MessageKind = "no_pairs"
	// MsgError carries a failed fetch or a ticker source error. The engine
	// keeps retrying after it.
	MsgError              MessageKind = "error"
)

// EngineMessage is a human readable status event. Progress is set only for
// progress events and holds a percentage in [0, 100].
type EngineMessage struct {
	ID       string      `json:"id"`
	Kind     MessageKind `json:"kind"`
	Message  string      `json:"message"`
	Progress *float64    `json:"progress,omitempty"`
	Time     time.Time   `json:"time"`
}

func NewEngineMessage(kind MessageKind, msg string) EngineMessage {
	return EngineMessage{
		ID:      uuid.NewString(),
		Kind:    kind,
		Message: msg,
		Time:    time.Now(),
	}
}

func NewProgressMessage(msg string, percent float64) EngineMessage {
	m := NewEngineMessage(MsgInfo, msg)
	m.Progress = &percent
	return m
}
