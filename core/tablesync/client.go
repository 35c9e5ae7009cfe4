package tablesync

import "context"

// Op is a write operation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (op Op) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// SubscriptionHandle identifies a change-feed subscription.
type SubscriptionHandle string

// Client is the remote table client a Channel synchronizes through.
// Its connection is shared read-only by every Channel.
type Client interface {
	// Query bulk-reads q.Table. Fails with a *TransportError or a *QueryError.
	Query(ctx context.Context, q Query) ([]Row, error)

	// Subscribe calls onChange at least once per write matching filter on table. Delivery is neither
	// exactly-once nor ordered relative to Query results. onError is called when the subscription
	// died (fatal transport error); no more onChange calls follow.
	Subscribe(ctx context.Context, table string, filter Filter, onChange func(), onError func(error)) (SubscriptionHandle, error)

	// Unsubscribe is idempotent.
	Unsubscribe(h SubscriptionHandle) error

	// Write inserts, updates (payload must carry the id) or deletes (payload must carry the id) a row.
	// Fails with a *WriteError.
	Write(ctx context.Context, table string, op Op, payload Row) (Row, error)
}
