// Package router turns decoded change events into per-user WebSocket
// messages.
package router

import (
	"github.com/google/uuid"

	"github.com/barcode-drop/backend/internal/scan"
	"github.com/barcode-drop/backend/internal/ws"
)

// Deliverer sends one message to all of a user's open sessions. It must not
// block on network I/O or fail.
type Deliverer interface {
	Deliver(username string, msg ws.Message)
}

// Delivery is one fan-out instruction.
type Delivery struct {
	Username string
	Message  ws.Message
}

// Route groups an event by owning user. Group order is unspecified; rows keep
// their relative order within a group.
func Route(ev scan.ChangeEvent) []Delivery {
	switch ev.Kind {
	case scan.KindInsert:
		var order []string
		groups := make(map[string][]scan.Record)
		for _, row := range ev.Rows {
			if _, ok := groups[row.Username]; !ok {
				order = append(order, row.Username)
			}
			groups[row.Username] = append(groups[row.Username], row)
		}
		out := make([]Delivery, 0, len(order))
		for _, user := range order {
			out = append(out, Delivery{Username: user, Message: ws.UpsertScans(groups[user])})
		}
		return out

	case scan.KindDelete:
		var order []string
		groups := make(map[string][]uuid.UUID)
		for _, d := range ev.Deletions {
			if _, ok := groups[d.Username]; !ok {
				order = append(order, d.Username)
			}
			groups[d.Username] = append(groups[d.Username], d.ID)
		}
		out := make([]Delivery, 0, len(order))
		for _, user := range order {
			out = append(out, Delivery{Username: user, Message: ws.DeleteScans(groups[user])})
		}
		return out
	}
	return nil
}

// Router hands every routed delivery to a Deliverer. It holds no state
// between events.
type Router struct {
	out Deliverer
}

func New(out Deliverer) *Router {
	return &Router{out: out}
}

// Handle routes ev and delivers each group before returning.
func (r *Router) Handle(ev scan.ChangeEvent) {
	for _, d := range Route(ev) {
		r.out.Deliver(d.Username, d.Message)
	}
}
