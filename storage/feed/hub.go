// Package feed is the in-process change feed: storage backends publish row writes and
// subscribers receive the ones matching their table and filter.
package feed

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/tablesync"
)

// Event is a committed write on a table. Old is the row before an update or a delete.
// Partial events carry only some columns of the rows (always the id).
type Event struct {
	Table   string        `json:"table"`
	Op      tablesync.Op  `json:"op"`
	Row     tablesync.Row `json:"row,omitempty"`
	Old     tablesync.Row `json:"old,omitempty"`
	At      time.Time     `json:"at"`
	Partial bool          `json:"partial,omitempty"`
}

// Matches reports whether ev concerns table and either version of its row passes filter.
// Predicates on the columns a partial event lacks are assumed to pass.
func (ev Event) Matches(table string, filter tablesync.Filter) bool {
	if ev.Table != table {
		return false
	}
	if len(filter) == 0 {
		return true
	}
	match := filter.Match
	if ev.Partial {
		match = filter.MatchKnown
	}
	return (ev.Row != nil && match(ev.Row)) || (ev.Old != nil && match(ev.Old))
}

type subscription struct {
	table  string
	filter tablesync.Filter
	fn     func(Event)
}

type Hub struct {
	log core.Logger

	mu   sync.RWMutex
	subs map[string]subscription

	entMu   sync.Mutex // ulid.Monotonic is not safe for concurrent use
	entropy *ulid.MonotonicEntropy
}

func NewHub(logger core.Logger) *Hub {
	return &Hub{
		log:     logger,
		subs:    make(map[string]subscription),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Subscribe registers fn for the writes on table matching filter and returns the subscription id.
// fn is called synchronously by Publish and must not block.
func (h *Hub) Subscribe(table string, filter tablesync.Filter, fn func(Event)) string {
	h.entMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), h.entropy).String()
	h.entMu.Unlock()

	h.mu.Lock()
	h.subs[id] = subscription{table: table, filter: filter, fn: fn}
	h.mu.Unlock()

	h.log.Debug(fmt.Sprintf("feed: %s subscribed to %s (%s)", id, table, filter))
	return id
}

// Unsubscribe reports whether id was subscribed.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return false
	}
	delete(h.subs, id)
	return true
}

// Publish delivers ev to every matching subscription.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, sub := range h.subs {
		if ev.Matches(sub.table, sub.filter) {
			fns = append(fns, sub.fn)
		}
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len returns the number of subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
