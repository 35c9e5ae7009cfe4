package tables

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/campus/core/tablesync"
	"github.com/trezcool/campus/storage/feed"
)

// NotifyChannel is the postgres channel the table triggers notify on.
const NotifyChannel = "table_changes"

var errFeedInterrupted = errors.New("database change feed interrupted")

// Listener relays postgres table change notifications to a Store's hub, so that writes made by
// other processes reach the subscribers too.
type Listener struct {
	store *Store
	pql   *pq.Listener
	done  chan struct{}
}

// Listen starts relaying the notifications of dsn's NotifyChannel. From then on the store stops
// publishing its own writes. Subscriptions fail whenever the connection is lost.
func (s *Store) Listen(dsn string, minReconnect, maxReconnect time.Duration) (*Listener, error) {
	if s.sqlite {
		return nil, errors.New("change notifications need postgres")
	}
	l := &Listener{store: s, done: make(chan struct{})}
	l.pql = pq.NewListener(dsn, minReconnect, maxReconnect, l.onEvent)
	if err := l.pql.Listen(NotifyChannel); err != nil {
		_ = l.pql.Close()
		return nil, errors.Wrapf(err, "listening to %s", NotifyChannel)
	}

	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()

	go l.relay()
	return l, nil
}

func (l *Listener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		l.store.log.Warn(fmt.Sprintf("tables: %s listener: %v", NotifyChannel, err), err)
		if err == nil {
			err = errFeedInterrupted
		}
		l.store.Interrupt(&tablesync.TransportError{Op: "listen " + NotifyChannel, Err: err})
	case pq.ListenerEventReconnected:
		l.store.log.Info(fmt.Sprintf("tables: %s listener reconnected", NotifyChannel))
	}
}

func (l *Listener) relay() {
	defer close(l.done)
	for n := range l.pql.Notify {
		if n == nil { // reconnected
			continue
		}
		ev, err := decodeEvent(n.Extra)
		if err != nil {
			l.store.log.Error(fmt.Sprintf("tables: decoding %s notification", NotifyChannel), err)
			continue
		}
		l.store.hub.Publish(ev)
	}
}

func decodeEvent(payload string) (feed.Event, error) {
	var ev feed.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return feed.Event{}, errors.Wrap(err, "unmarshalling event")
	}
	if ev.Table == "" || !ev.Op.Valid() {
		return feed.Event{}, errors.Errorf("invalid event %q", payload)
	}
	return ev, nil
}

// Close stops the relay. The store publishes its own writes again.
func (l *Listener) Close() error {
	l.store.mu.Lock()
	l.store.listening = false
	l.store.mu.Unlock()

	err := l.pql.Close()
	<-l.done
	return err
}
