package tablesync

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/trezcool/campus/core"
)

// Registry shares Channels between consumers of the same (table, scope, ordering, limit):
// one subscription per key, closed when the last Lease is released.
type Registry struct {
	client Client
	opts   []Option

	mu       sync.Mutex
	channels map[string]*entry
}

type entry struct {
	ch   *Channel
	refs int
}

// Lease is a consumer's reference to a shared Channel.
type Lease struct {
	reg  *Registry
	key  string
	ch   *Channel
	once sync.Once
}

// NewRegistry returns a registry opening channels on client. opts apply to every channel,
// before the options given to Acquire.
func NewRegistry(client Client, opts ...Option) *Registry {
	return &Registry{
		client:   client,
		opts:     opts,
		channels: make(map[string]*entry),
	}
}

// Acquire returns a lease on the channel of (table, scope), opening it if needed.
// Channel behavior options (retry, poll...) are taken from the first Acquire of a key.
func (reg *Registry) Acquire(table string, scope Scope, opts ...Option) (*Lease, error) {
	all := make([]Option, 0, len(reg.opts)+len(opts))
	all = append(all, reg.opts...)
	all = append(all, opts...)

	o := defaultOptions()
	for _, opt := range all {
		opt(&o)
	}
	key := registryKey(strings.TrimSpace(table), scope, o)

	if l := reg.share(key); l != nil {
		return l, nil
	}

	// Open subscribes over the network: not under the lock
	ch, err := Open(reg.client, table, scope, all...)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	if e, ok := reg.channels[key]; ok {
		// another consumer opened the key meanwhile
		e.refs++
		shared := e.ch
		reg.mu.Unlock()
		_ = ch.Close()
		return &Lease{reg: reg, key: key, ch: shared}, nil
	}
	reg.channels[key] = &entry{ch: ch, refs: 1}
	reg.mu.Unlock()
	return &Lease{reg: reg, key: key, ch: ch}, nil
}

func (reg *Registry) share(key string) *Lease {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if e, ok := reg.channels[key]; ok {
		e.refs++
		return &Lease{reg: reg, key: key, ch: e.ch}
	}
	return nil
}

// Len returns the number of open channels.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.channels)
}

// CloseAll closes every channel, whatever its lease count. Outstanding leases become no-ops.
func (reg *Registry) CloseAll() {
	reg.mu.Lock()
	channels := reg.channels
	reg.channels = make(map[string]*entry)
	reg.mu.Unlock()

	for _, e := range channels {
		_ = e.ch.Close()
	}
}

func (reg *Registry) release(l *Lease) {
	reg.mu.Lock()
	e, ok := reg.channels[l.key]
	if !ok || e.ch != l.ch {
		reg.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		reg.mu.Unlock()
		return
	}
	delete(reg.channels, l.key)
	reg.mu.Unlock()

	_ = e.ch.Close()
}

func (l *Lease) Channel() *Channel { return l.ch }

func (l *Lease) Snapshot() (Snapshot, SyncState) { return l.ch.Snapshot() }

// Release drops the lease. Releasing twice is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() { l.reg.release(l) })
}

func registryKey(table string, scope Scope, o Options) string {
	kind := scope.Kind.String()
	filter := scope.Filter.Strings()
	sort.Strings(filter)
	return fmt.Sprintf("%s|%s|%s|%s|%d", table, kind, strings.Join(filter, "&"), core.FormatOrderings(o.Ordering), o.Limit)
}
