package tablesync

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// fakeClient serves canned rows and filters change events the way a real backend would.
type fakeClient struct {
	mu           sync.Mutex
	rows         []Row
	queryErr     error
	subscribeErr error
	// dieOnSubscribe subscriptions report a fatal error before Subscribe returns
	dieOnSubscribe int
	subGate        chan struct{} // when set, every subscribe waits for a value
	subWaiting     int
	gate         chan struct{} // when set, every query waits for a value
	queries      int
	subscribes   int
	unsubscribes int
	lastQuery    Query
	subs         map[SubscriptionHandle]*fakeSub
	next         int
}

type fakeSub struct {
	table    string
	filter   Filter
	onChange func()
	onError  func(error)
}

var _ Client = (*fakeClient)(nil)

func newFakeClient(rows ...Row) *fakeClient {
	return &fakeClient{rows: rows, subs: make(map[SubscriptionHandle]*fakeSub)}
}

func (c *fakeClient) Query(_ context.Context, q Query) ([]Row, error) {
	c.mu.Lock()
	c.queries++
	c.lastQuery = q
	rows := make([]Row, len(c.rows))
	copy(rows, c.rows)
	err := c.queryErr
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *fakeClient) Subscribe(_ context.Context, table string, filter Filter, onChange func(), onError func(error)) (SubscriptionHandle, error) {
	c.mu.Lock()
	gate := c.subGate
	if gate != nil {
		c.subWaiting++
	}
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	c.subscribes++
	if c.subscribeErr != nil {
		err := c.subscribeErr
		c.mu.Unlock()
		return "", err
	}
	c.next++
	h := SubscriptionHandle(fmt.Sprintf("sub-%d", c.next))
	c.subs[h] = &fakeSub{table: table, filter: filter, onChange: onChange, onError: onError}
	die := c.dieOnSubscribe > 0
	if die {
		c.dieOnSubscribe--
	}
	c.mu.Unlock()

	// the connection drops before the handle reaches the caller
	if die {
		onError(errors.New("connection closed during handshake"))
	}
	return h, nil
}

func (c *fakeClient) Unsubscribe(h SubscriptionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[h]; ok {
		c.unsubscribes++
		delete(c.subs, h)
	}
	return nil
}

func (c *fakeClient) Write(_ context.Context, table string, op Op, payload Row) (Row, error) {
	return nil, NewWriteError(table, op, errors.New("read-only fake"))
}

func (c *fakeClient) setRows(rows ...Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = rows
}

func (c *fakeClient) setQueryErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryErr = err
}

func (c *fakeClient) setSubscribeErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
}

// emit notifies the subscriptions of table whose filter matches row.
func (c *fakeClient) emit(table string, row Row) {
	c.mu.Lock()
	var fns []func()
	for _, s := range c.subs {
		if s.table == table && s.filter.Match(row) {
			fns = append(fns, s.onChange)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// kill reports a fatal transport error on every subscription.
func (c *fakeClient) kill(err error) {
	c.mu.Lock()
	var fns []func(error)
	for _, s := range c.subs {
		fns = append(fns, s.onError)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *fakeClient) counts() (queries, subscribes, unsubscribes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries, c.subscribes, c.unsubscribes
}

func (c *fakeClient) activeSubs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
