package portal

import (
	"fmt"
	"sync"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/identity"
	"github.com/trezcool/campus/core/tablesync"
)

// Session keeps the views of the current principal open. On every login/logout the views of the
// previous principal are released and the views of the new one (if any) acquired.
type Session struct {
	reg      *tablesync.Registry
	provider identity.Provider
	views    []string
	limits   map[string]int
	log      core.Logger

	mu        sync.Mutex
	principal identity.Principal
	signedIn  bool
	leases    map[string]*tablesync.Lease
	closed    bool
	unwatch   func()
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithViews restricts the views opened by the session (default: AllViews).
func WithViews(names ...string) SessionOption {
	return func(s *Session) { s.views = names }
}

// WithViewLimit caps the rows of the named view.
func WithViewLimit(name string, limit int) SessionOption {
	return func(s *Session) { s.limits[name] = limit }
}

// NewSession opens the views of the provider's current principal, then follows the provider.
func NewSession(reg *tablesync.Registry, provider identity.Provider, logger core.Logger, opts ...SessionOption) *Session {
	s := &Session{
		reg:      reg,
		provider: provider,
		views:    AllViews,
		limits:   make(map[string]int),
		log:      logger,
		leases:   make(map[string]*tablesync.Lease),
	}
	for _, opt := range opts {
		opt(s)
	}

	p, ok := provider.Current()
	s.switchTo(p, ok)
	s.unwatch = provider.Watch(s.switchTo)
	return s
}

func (s *Session) switchTo(p identity.Principal, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.signedIn == ok && s.principal == p {
		return
	}

	s.releaseLocked()
	s.principal, s.signedIn = p, ok
	if !ok {
		s.log.Info("portal: signed out")
		return
	}

	for _, name := range s.views {
		v, err := NewView(name, p, s.limits[name])
		if err != nil {
			s.log.Error(fmt.Sprintf("portal: building view %s", name), err)
			continue
		}
		lease, err := s.reg.Acquire(v.Table, v.Scope, v.Options...)
		if err != nil {
			s.log.Error(fmt.Sprintf("portal: opening view %s", v), err)
			continue
		}
		s.leases[name] = lease
	}
	s.log.Info(fmt.Sprintf("portal: signed in as %s (%s), %d views open", p.ID, p.Role, len(s.leases)))
}

func (s *Session) releaseLocked() {
	for name, lease := range s.leases {
		lease.Release()
		delete(s.leases, name)
	}
}

// Principal returns the principal the views are open for.
func (s *Session) Principal() (identity.Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal, s.signedIn
}

// View returns the channel of the named view, if open.
func (s *Session) View(name string) (*tablesync.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[name]
	if !ok {
		return nil, false
	}
	return lease.Channel(), true
}

// UnreadCount returns the number of unread notifications of the principal.
func (s *Session) UnreadCount() int {
	ch, ok := s.View(ViewNotifications)
	if !ok {
		return 0
	}
	snap, _ := ch.Snapshot()
	return UnreadCount(snap)
}

// Close stops following the provider and releases every view. Closing twice is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.releaseLocked()
	s.mu.Unlock()

	s.unwatch()
}
