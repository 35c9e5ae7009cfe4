package feed

import (
	"time"

	"github.com/trezcool/campus/core/tablesync"
)

// Realtime message types.
const (
	MessageSubscribed = "subscribed"
	MessageChange     = "change"
	MessagePing       = "ping"
	MessagePong       = "pong"
)

// Message is a frame of the realtime websocket protocol.
type Message struct {
	Type  string        `json:"type"`
	ID    string        `json:"id,omitempty"`
	Table string        `json:"table,omitempty"`
	Op    tablesync.Op  `json:"op,omitempty"`
	Row   tablesync.Row `json:"row,omitempty"`
	Old   tablesync.Row `json:"old,omitempty"`
	At    *time.Time    `json:"at,omitempty"`
}

// ChangeMessage converts ev for a subscriber of filter. Row versions not passing filter are left out,
// so are partial rows lacking a filtered column.
func ChangeMessage(ev Event, filter tablesync.Filter) Message {
	at := ev.At
	msg := Message{Type: MessageChange, Table: ev.Table, Op: ev.Op, At: &at}
	if ev.Row != nil && filter.Match(ev.Row) {
		msg.Row = ev.Row
	}
	if ev.Old != nil && filter.Match(ev.Old) {
		msg.Old = ev.Old
	}
	return msg
}
