// Package tablesync keeps a local Snapshot of a remote table consistent with the table itself.
//
// A Channel is opened for a (table, Scope) pair. It bulk-queries the table through a Client and
// subscribes to the table's change feed; change notifications are only used as signals to
// re-query, their payloads are never trusted. Fetches are serialized per Channel: signals that
// arrive while a fetch is in flight are coalesced into a single trailing fetch.
//
// A Registry shares one Channel between every consumer of the same (table, Scope, ordering) key.
package tablesync
