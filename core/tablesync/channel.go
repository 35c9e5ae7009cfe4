package tablesync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/campus/core"
)

type (
	Options struct {
		Ordering        []core.DBOrdering
		Limit           int
		RetryPolicy     RetryPolicy // failed queries
		SubscribePolicy RetryPolicy // failed or lost subscriptions
		PollInterval    time.Duration
		QueryTimeout    time.Duration
		Optimistic      bool
		Logger          core.Logger
	}

	Option func(*Options)

	// Listener is called after every successful fetch (and optimistic write) with the new snapshot
	// and its delta from the previous one. Listeners run outside the channel's lock: they may read
	// the channel or close it.
	Listener func(snap Snapshot, delta Delta)

	Status struct {
		State      SyncState
		Err        error
		Subscribed bool
		Fetches    int
		FetchedAt  time.Time
	}
)

func defaultOptions() Options {
	return Options{
		RetryPolicy:     ExponentialBackoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second},
		SubscribePolicy: ExponentialBackoff{Initial: time.Second, Max: 30 * time.Second},
		QueryTimeout:    10 * time.Second,
		Logger:          nopLogger{},
	}
}

func WithOrdering(orderings ...core.DBOrdering) Option {
	return func(o *Options) { o.Ordering = orderings }
}

func WithLimit(n int) Option {
	return func(o *Options) { o.Limit = n }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Options) { o.RetryPolicy = p }
}

func WithSubscribeRetryPolicy(p RetryPolicy) Option {
	return func(o *Options) { o.SubscribePolicy = p }
}

// WithPollInterval re-fetches periodically, as a fallback for missed change events.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

func WithQueryTimeout(d time.Duration) Option {
	return func(o *Options) { o.QueryTimeout = d }
}

// WithOptimisticMerge allows ApplyOptimistic: local writes show up before the change feed confirms them.
func WithOptimisticMerge() Option {
	return func(o *Options) { o.Optimistic = true }
}

func WithLogger(l core.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// OptionsFromConfig maps the sync configuration to channel options.
func OptionsFromConfig(conf core.SyncConfig) []Option {
	opts := []Option{
		WithRetryPolicy(NewRetryPolicy(conf.RetryPolicy, conf.RetryDelay, conf.MaxRetryDelay)),
		WithSubscribeRetryPolicy(NewRetryPolicy(conf.RetryPolicy, conf.SubscribeRetryDelay, conf.MaxRetryDelay)),
	}
	if conf.PollInterval > 0 {
		opts = append(opts, WithPollInterval(conf.PollInterval))
	}
	if conf.QueryTimeout > 0 {
		opts = append(opts, WithQueryTimeout(conf.QueryTimeout))
	}
	return opts
}

// Channel keeps a Snapshot of (table, scope) in sync with the remote table.
type Channel struct {
	client Client
	table  string
	scope  Scope
	opts   Options
	log    core.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        SyncState
	base         Snapshot // last fetched
	view         Snapshot // base + optimistic overlay
	overlay      []overlayOp
	err          error
	subErr       error
	pending      bool
	closed       bool
	fetched      bool
	fetchDone    chan struct{} // closed when the first fetch completed, successfully or not
	failures     int
	retryTimer   *time.Timer
	sub          SubscriptionHandle
	subGen       int
	lostErr      error // loss of the subscription being made
	subscribed   bool
	subAttempts  int
	subTimer     *time.Timer
	fetches      int
	fetchedAt    time.Time
	listeners    map[int]Listener
	nextListener int
}

// Open validates its arguments, subscribes to the table's change feed and triggers the first fetch.
// It fails with a *ConfigurationError (and creates no subscription) when table or scope are invalid.
// A failing subscription does not fail Open: it is retried in the background until Close.
func Open(client Client, table string, scope Scope, opts ...Option) (*Channel, error) {
	if client == nil {
		return nil, &ConfigurationError{Field: "client", Reason: "missing remote table client"}
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, &ConfigurationError{Field: "table", Reason: "table name is empty"}
	}
	if !core.IsIdentifier(table) {
		return nil, &ConfigurationError{Field: "table", Reason: fmt.Sprintf("invalid table name %q", table)}
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		client:    client,
		table:     table,
		scope:     scope,
		opts:      o,
		log:       o.Logger,
		ctx:       ctx,
		cancel:    cancel,
		state:     Idle,
		fetchDone: make(chan struct{}),
		listeners: make(map[int]Listener),
	}

	// subscribe before the first fetch so that no write falls between the two
	c.subscribe()
	c.trigger()
	if o.PollInterval > 0 {
		go c.poll()
	}
	return c, nil
}

func (o Options) validate() error {
	for _, ord := range o.Ordering {
		if !core.IsIdentifier(ord.Field) {
			return &ConfigurationError{Field: "ordering", Reason: fmt.Sprintf("invalid column %q", ord.Field)}
		}
	}
	if o.Limit < 0 {
		return &ConfigurationError{Field: "limit", Reason: "must not be negative"}
	}
	if o.RetryPolicy == nil || o.SubscribePolicy == nil {
		return &ConfigurationError{Field: "retry policy", Reason: "missing"}
	}
	if o.RetryPolicy.Delay(1) <= 0 {
		return &ConfigurationError{Field: "retry policy", Reason: "delay must be positive"}
	}
	if o.SubscribePolicy.Delay(1) <= 0 {
		return &ConfigurationError{Field: "subscribe retry policy", Reason: "delay must be positive"}
	}
	if o.PollInterval < 0 {
		return &ConfigurationError{Field: "poll interval", Reason: "must not be negative"}
	}
	return nil
}

func (c *Channel) Table() string { return c.table }
func (c *Channel) Scope() Scope  { return c.scope }

// Snapshot returns the latest consistent snapshot and the state that produced it. It never blocks on
// in-flight fetches: during Fetching and Error the last-known-good snapshot is returned.
func (c *Channel) Snapshot() (Snapshot, SyncState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view, c.state
}

// Err returns the error detail of the Error state (or of a lost subscription).
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return c.subErr
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.err
	if err == nil {
		err = c.subErr
	}
	return Status{
		State:      c.state,
		Err:        err,
		Subscribed: c.subscribed,
		Fetches:    c.fetches,
		FetchedAt:  c.fetchedAt,
	}
}

// Wait blocks until the first fetch completed and returns the snapshot at that point.
// The error is the fetch error if the channel is in the Error state.
func (c *Channel) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.fetchDone:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Error {
		return c.view, c.err
	}
	return c.view, nil
}

// OnChange registers a listener. The returned func unregisters it.
func (c *Channel) OnChange(l Listener) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.listeners != nil {
			delete(c.listeners, id)
		}
	}
}

// Refresh asks for a fetch, coalesced like a change signal.
func (c *Channel) Refresh() {
	c.trigger()
}

// ApplyOptimistic merges a local write into the snapshot until the next successful fetch replaces it.
// The channel must have been opened WithOptimisticMerge.
func (c *Channel) ApplyOptimistic(op Op, row Row) error {
	if !c.opts.Optimistic {
		return ErrOptimisticDisabled
	}
	if !op.Valid() {
		return &ConfigurationError{Field: "op", Reason: fmt.Sprintf("invalid operation %q", op)}
	}
	if row.ID() == "" {
		return &ConfigurationError{Field: "row", Reason: "optimistic rows need an id"}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.view
	c.overlay = append(c.overlay, overlayOp{op: op, row: row.Clone()})
	c.view = mergeOverlay(c.base, c.overlay)
	next := c.view
	listeners := c.listenersLocked()
	c.mu.Unlock()

	delta := Diff(prev, next)
	for _, l := range listeners {
		l(next, delta)
	}
	return nil
}

// Close releases the subscription and cancels any scheduled fetch or resubscription.
// Closing twice is a no-op. It is safe to call from a listener of the same channel.
// The result of a fetch still in flight is discarded.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopRetryLocked()
	if c.subTimer != nil {
		c.subTimer.Stop()
		c.subTimer = nil
	}
	h, subscribed := c.sub, c.subscribed
	c.subscribed = false
	c.listeners = nil
	c.mu.Unlock()

	c.cancel()
	if subscribed {
		c.release(h)
	}
	return nil
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// trigger runs the fetch algorithm: start a fetch, or mark a refetch pending if one is in flight.
func (c *Channel) trigger() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.state == Fetching {
		c.pending = true
		c.mu.Unlock()
		return
	}
	c.state = Fetching
	c.pending = false
	c.stopRetryLocked()
	c.mu.Unlock()

	go c.fetchLoop()
}

// fetchLoop owns the Fetching state: it fetches until no refetch is pending, so listeners of a
// fetch always run before the next fetch starts.
func (c *Channel) fetchLoop() {
	for {
		rows, err := c.query()

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.fetches++
		c.markFetchedLocked()
		if err != nil {
			c.failures++
			c.state = Error
			c.err = asQueryError(c.table, err)
			c.pending = false // the retry covers it
			delay := c.opts.RetryPolicy.Delay(c.failures)
			c.retryTimer = time.AfterFunc(delay, c.trigger)
			qErr := c.err
			c.mu.Unlock()

			c.log.Warn(fmt.Sprintf("tablesync: fetching %s %s failed, retrying in %v", c.table, c.scope, delay), qErr)
			return
		}

		next := Snapshot(rows)
		prev := c.view
		initial := !c.fetched
		c.fetched = true
		c.base = next
		c.view = next
		c.overlay = nil
		c.failures = 0
		c.err = nil
		c.fetchedAt = time.Now()
		again := c.pending
		c.pending = false
		if again {
			c.state = Fetching
		} else {
			c.state = Ready
		}
		listeners := c.listenersLocked()
		c.mu.Unlock()

		if len(listeners) > 0 {
			delta := Diff(prev, next)
			delta.Initial = initial
			for _, l := range listeners {
				l(next, delta)
			}
		}
		if !again {
			return
		}
	}
}

func (c *Channel) query() ([]Row, error) {
	ctx := c.ctx
	if c.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.QueryTimeout)
		defer cancel()
	}
	return c.client.Query(ctx, Query{
		Table:    c.table,
		Filter:   c.scope.Filter,
		Ordering: c.opts.Ordering,
		Limit:    c.opts.Limit,
	})
}

// subscribe makes one subscription attempt, scheduling the next one on failure.
func (c *Channel) subscribe() {
	c.mu.Lock()
	if c.closed || c.subscribed {
		c.mu.Unlock()
		return
	}
	c.subTimer = nil
	// a loss reported before Subscribe returns is recorded against this generation
	c.subGen++
	gen := c.subGen
	c.lostErr = nil
	c.mu.Unlock()

	h, err := c.client.Subscribe(
		c.ctx,
		c.table,
		c.scope.Filter,
		c.trigger, // payloads are discarded: a change is only a signal to re-fetch
		func(err error) { c.subscriptionLost(gen, err) },
	)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err == nil {
			c.release(h)
		}
		return
	}
	if err != nil {
		delay, sErr := c.retrySubscribeLocked("subscribe", err)
		c.mu.Unlock()

		c.log.Warn(fmt.Sprintf("tablesync: subscribing to %s %s failed, retrying in %v", c.table, c.scope, delay), sErr)
		return
	}
	if lost := c.lostErr; lost != nil && gen == c.subGen {
		c.lostErr = nil
		delay, sErr := c.retrySubscribeLocked("change feed", lost)
		c.mu.Unlock()

		c.log.Warn(fmt.Sprintf("tablesync: lost change feed of %s %s while subscribing, resubscribing in %v", c.table, c.scope, delay), sErr)
		c.release(h)
		return
	}
	// writes may have been missed while we were not subscribed
	resync := c.subAttempts > 0
	c.sub = h
	c.subscribed = true
	c.subAttempts = 0
	c.subErr = nil
	c.mu.Unlock()

	if resync {
		c.trigger()
	}
}

// subscriptionLost releases a subscription killed by a fatal transport error and schedules a new one.
// A loss arriving while Subscribe has not returned yet is left for subscribe to handle.
func (c *Channel) subscriptionLost(gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.subGen {
		c.mu.Unlock()
		return
	}
	if !c.subscribed {
		if c.subTimer == nil && c.lostErr == nil {
			c.lostErr = err
		}
		c.mu.Unlock()
		return
	}
	h := c.sub
	c.subscribed = false
	delay, sErr := c.retrySubscribeLocked("change feed", err)
	c.mu.Unlock()

	c.log.Warn(fmt.Sprintf("tablesync: lost change feed of %s %s, resubscribing in %v", c.table, c.scope, delay), sErr)
	c.release(h)
}

// retrySubscribeLocked records a subscription failure and schedules the next attempt.
func (c *Channel) retrySubscribeLocked(op string, err error) (time.Duration, error) {
	c.subAttempts++
	c.subErr = asTransportError(op, err)
	if c.state != Fetching {
		c.state = Error
	}
	delay := c.opts.SubscribePolicy.Delay(c.subAttempts)
	c.subTimer = time.AfterFunc(delay, c.subscribe)
	return delay, c.subErr
}

func (c *Channel) release(h SubscriptionHandle) {
	if err := c.client.Unsubscribe(h); err != nil {
		c.log.Warn(fmt.Sprintf("tablesync: unsubscribing from %s: %v", c.table, err), err)
	}
}

func (c *Channel) poll() {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.trigger()
		}
	}
}

func (c *Channel) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Channel) markFetchedLocked() {
	select {
	case <-c.fetchDone:
	default:
		close(c.fetchDone)
	}
}

func (c *Channel) listenersLocked() []Listener {
	if len(c.listeners) == 0 {
		return nil
	}
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, c.listeners[id])
	}
	return ls
}

func asQueryError(table string, err error) error {
	var qErr *QueryError
	var tErr *TransportError
	if errors.As(err, &qErr) || errors.As(err, &tErr) {
		return err
	}
	return NewQueryError(table, err)
}

func asTransportError(op string, err error) error {
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}
