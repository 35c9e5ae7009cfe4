// Package notify emails the users their new portal notifications.
package notify

import (
	"context"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/portal"
	"github.com/trezcool/campus/core/tablesync"
)

// Directory resolves the email address of a user.
type Directory interface {
	Address(ctx context.Context, userID string) (mail.Address, error)
}

// Mailer watches the notifications table and emails the recipient of every new row.
// Rows present when the channel first syncs are not sent.
type Mailer struct {
	dir     Directory
	email   core.EmailService
	log     core.Logger
	timeout time.Duration

	mu     sync.Mutex
	lease  *tablesync.Lease
	remove func()
	sent   map[string]struct{}
}

func NewMailer(dir Directory, email core.EmailService, logger core.Logger) *Mailer {
	return &Mailer{
		dir:     dir,
		email:   email,
		log:     logger,
		timeout: 5 * time.Second,
		sent:    make(map[string]struct{}),
	}
}

// Start acquires the global notifications channel of reg.
func (m *Mailer) Start(reg *tablesync.Registry) error {
	lease, err := reg.Acquire(portal.TableNotifications, tablesync.Global())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.lease = lease
	m.remove = lease.Channel().OnChange(m.onChange)
	m.mu.Unlock()
	return nil
}

// Stop releases the channel. Stopping twice is a no-op.
func (m *Mailer) Stop() {
	m.mu.Lock()
	lease, remove := m.lease, m.remove
	m.lease, m.remove = nil, nil
	m.mu.Unlock()

	if lease == nil {
		return
	}
	remove()
	lease.Release()
}

func (m *Mailer) onChange(snap tablesync.Snapshot, delta tablesync.Delta) {
	if delta.Initial {
		return
	}
	for _, id := range delta.Added {
		row, ok := snap.Find(id)
		if !ok || !m.markSent(id) {
			continue
		}
		go m.send(row)
	}
}

// markSent reports whether id was not sent yet: a row can be re-added after an optimistic delete.
func (m *Mailer) markSent(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sent[id]; ok {
		return false
	}
	m.sent[id] = struct{}{}
	return true
}

func (m *Mailer) send(row tablesync.Row) {
	userID, _ := row["user_id"].(string)
	if userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	addr, err := m.dir.Address(ctx, userID)
	if err != nil {
		m.log.Error(fmt.Sprintf("notify: resolving address of %s", userID), err)
		return
	}
	title, _ := row["title"].(string)
	body, _ := row["message"].(string)
	if body == "" {
		body = title
	}
	m.email.SendMessages(&core.EmailMessage{
		To:      []mail.Address{addr},
		Subject: title,
		BodyStr: body,
	})
}
