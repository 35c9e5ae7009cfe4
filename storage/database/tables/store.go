// Package tables serves the portal tables over sqlx: bulk queries, row writes and a change feed.
package tables

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/tablesync"
	"github.com/trezcool/campus/storage/feed"
)

var errUnknownTable = errors.New("unknown table")

// Store is a tablesync.Client backed by a SQL database (postgres or sqlite).
// Writes made through the Store are published on the hub, unless a postgres Listener does it.
type Store struct {
	db     *sqlx.DB
	sqlite bool
	hub    *feed.Hub
	log    core.Logger
	tables map[string]struct{} // nil: any table

	mu        sync.Mutex
	listening bool
	onErrors  map[tablesync.SubscriptionHandle]func(error)
}

var _ tablesync.Client = (*Store)(nil)

// NewStore returns a Store on db. When tables are given, any other table is rejected.
func NewStore(db *sqlx.DB, hub *feed.Hub, logger core.Logger, tables ...string) *Store {
	s := &Store{
		db:       db,
		sqlite:   db.DriverName() != "postgres",
		hub:      hub,
		log:      logger,
		onErrors: make(map[tablesync.SubscriptionHandle]func(error)),
	}
	if len(tables) > 0 {
		s.tables = make(map[string]struct{}, len(tables))
		for _, t := range tables {
			s.tables[t] = struct{}{}
		}
	}
	return s
}

func (s *Store) Hub() *feed.Hub { return s.hub }

func (s *Store) checkTable(table string) error {
	if !core.IsIdentifier(table) {
		return errors.Wrapf(errUnknownTable, "%q", table)
	}
	if s.tables != nil {
		if _, ok := s.tables[table]; !ok {
			return errors.Wrapf(errUnknownTable, "%q", table)
		}
	}
	return nil
}

func quote(ident string) string {
	return `"` + ident + `"`
}

// arg converts a filter value to a query argument. sqlite stores booleans as integers.
func (s *Store) arg(v string) interface{} {
	if s.sqlite {
		switch v {
		case "true":
			return 1
		case "false":
			return 0
		}
	}
	return v
}

func (s *Store) where(filter tablesync.Filter) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}
	conds := make([]string, 0, len(filter))
	args := make([]interface{}, 0, len(filter))
	for _, p := range filter {
		conds = append(conds, fmt.Sprintf("%s %s ?", quote(p.Column), p.Operator.SQL()))
		args = append(args, s.arg(p.Value))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) selectQuery(q tablesync.Query) (string, []interface{}, error) {
	if err := q.Filter.Validate(); err != nil {
		return "", nil, err
	}
	b := new(strings.Builder)
	b.WriteString("SELECT * FROM ")
	b.WriteString(quote(q.Table))

	where, args := s.where(q.Filter)
	b.WriteString(where)

	if len(q.Ordering) > 0 {
		orderings := make([]string, 0, len(q.Ordering))
		for _, ord := range q.Ordering {
			if !core.IsIdentifier(ord.Field) {
				return "", nil, errors.Errorf("invalid ordering field %q", ord.Field)
			}
			direction := "DESC"
			if ord.Ascending {
				direction = "ASC"
			}
			orderings = append(orderings, quote(ord.Field)+" "+direction)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(orderings, ", "))
	}
	if q.Limit > 0 {
		fmt.Fprintf(b, " LIMIT %d", q.Limit)
	}
	return s.db.Rebind(b.String()), args, nil
}

// Query runs a filtered, ordered, limited SELECT on q.Table.
func (s *Store) Query(ctx context.Context, q tablesync.Query) ([]tablesync.Row, error) {
	if err := s.checkTable(q.Table); err != nil {
		return nil, tablesync.NewQueryError(q.Table, err)
	}
	query, args, err := s.selectQuery(q)
	if err != nil {
		return nil, tablesync.NewQueryError(q.Table, err)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, s.queryError(ctx, q.Table, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]tablesync.Row, 0)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, tablesync.NewQueryError(q.Table, err)
		}
		result = append(result, row)
	}
	if err = rows.Err(); err != nil {
		return nil, s.queryError(ctx, q.Table, err)
	}
	return result, nil
}

func (s *Store) queryError(ctx context.Context, table string, err error) error {
	if errors.Is(err, sql.ErrConnDone) {
		return &tablesync.TransportError{Op: "query " + table, Err: core.NewShutdownError(err.Error())}
	}
	if ctx.Err() != nil {
		return &tablesync.TransportError{Op: "query " + table, Err: err}
	}
	return tablesync.NewQueryError(table, err)
}

type mapScanner interface {
	MapScan(dest map[string]interface{}) error
}

func scanRow(sc mapScanner) (tablesync.Row, error) {
	m := make(map[string]interface{})
	if err := sc.MapScan(m); err != nil {
		return nil, err
	}
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			m[k] = string(b)
		}
	}
	return tablesync.Row(m), nil
}

// Write inserts, updates or deletes a row and returns it (for deletes: the deleted row).
// Inserted rows without an id get a random uuid.
func (s *Store) Write(ctx context.Context, table string, op tablesync.Op, payload tablesync.Row) (tablesync.Row, error) {
	if err := s.checkTable(table); err != nil {
		return nil, tablesync.NewWriteError(table, op, err)
	}
	if !op.Valid() {
		return nil, tablesync.NewWriteError(table, op, errors.Errorf("invalid operation %q", op))
	}
	for col := range payload {
		if !core.IsIdentifier(col) {
			return nil, tablesync.NewWriteError(table, op, errors.Errorf("invalid column %q", col))
		}
	}

	var ev feed.Event
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		switch op {
		case tablesync.OpInsert:
			ev.Row, err = s.insert(ctx, tx, table, payload)
		case tablesync.OpUpdate:
			ev.Old, ev.Row, err = s.update(ctx, tx, table, payload)
		case tablesync.OpDelete:
			ev.Old, err = s.delete(ctx, tx, table, payload)
		}
		return err
	})
	if err != nil {
		return nil, tablesync.NewWriteError(table, op, err)
	}

	ev.Table, ev.Op = table, op
	if !s.isListening() {
		s.hub.Publish(ev)
	}
	if op == tablesync.OpDelete {
		return ev.Old, nil
	}
	return ev.Row, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func sortedColumns(row tablesync.Row, skip string) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		if col != skip {
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)
	return cols
}

func (s *Store) insert(ctx context.Context, tx *sqlx.Tx, table string, payload tablesync.Row) (tablesync.Row, error) {
	row := payload.Clone()
	if row.ID() == "" {
		row[tablesync.IDColumn] = uuid.NewString()
	}
	cols := sortedColumns(row, "")
	quoted := make([]string, 0, len(cols))
	marks := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols))
	for _, col := range cols {
		quoted = append(quoted, quote(col))
		marks = append(marks, "?")
		args = append(args, row[col])
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "),
	)
	return scanRow(tx.QueryRowxContext(ctx, tx.Rebind(query), args...))
}

func (s *Store) get(ctx context.Context, tx *sqlx.Tx, table, id string) (tablesync.Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quote(table), quote(tablesync.IDColumn))
	row, err := scanRow(tx.QueryRowxContext(ctx, tx.Rebind(query), id))
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, tablesync.ErrRowNotFound
	}
	return row, err
}

func (s *Store) update(ctx context.Context, tx *sqlx.Tx, table string, payload tablesync.Row) (old, row tablesync.Row, err error) {
	id := payload.ID()
	if id == "" {
		return nil, nil, errors.New("update needs the row id")
	}
	cols := sortedColumns(payload, tablesync.IDColumn)
	if len(cols) == 0 {
		return nil, nil, errors.New("nothing to update")
	}
	if old, err = s.get(ctx, tx, table, id); err != nil {
		return nil, nil, err
	}

	sets := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	for _, col := range cols {
		sets = append(sets, quote(col)+" = ?")
		args = append(args, payload[col])
	}
	args = append(args, id)
	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = ? RETURNING *",
		quote(table), strings.Join(sets, ", "), quote(tablesync.IDColumn),
	)
	row, err = scanRow(tx.QueryRowxContext(ctx, tx.Rebind(query), args...))
	return old, row, err
}

func (s *Store) delete(ctx context.Context, tx *sqlx.Tx, table string, payload tablesync.Row) (tablesync.Row, error) {
	id := payload.ID()
	if id == "" {
		return nil, errors.New("delete needs the row id")
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ? RETURNING *", quote(table), quote(tablesync.IDColumn))
	old, err := scanRow(tx.QueryRowxContext(ctx, tx.Rebind(query), id))
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, tablesync.ErrRowNotFound
	}
	return old, err
}

// Get returns the row of table with the given id.
func (s *Store) Get(ctx context.Context, table, id string) (tablesync.Row, error) {
	if err := s.checkTable(table); err != nil {
		return nil, tablesync.NewQueryError(table, err)
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quote(table), quote(tablesync.IDColumn))
	row, err := scanRow(s.db.QueryRowxContext(ctx, s.db.Rebind(query), id))
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, tablesync.ErrRowNotFound
	}
	if err != nil {
		return nil, tablesync.NewQueryError(table, err)
	}
	return row, nil
}

// Subscribe registers onChange for the writes on table matching filter.
// onError is called if the store loses its database change feed.
func (s *Store) Subscribe(
	_ context.Context,
	table string,
	filter tablesync.Filter,
	onChange func(),
	onError func(error),
) (tablesync.SubscriptionHandle, error) {
	return s.SubscribeEvents(table, filter, func(feed.Event) { onChange() }, onError)
}

// SubscribeEvents is Subscribe with the change events: fn receives every write on table matching filter.
// onError is called, and the subscription dropped, if the store loses its database change feed.
func (s *Store) SubscribeEvents(
	table string,
	filter tablesync.Filter,
	fn func(feed.Event),
	onError func(error),
) (tablesync.SubscriptionHandle, error) {
	if err := s.checkTable(table); err != nil {
		return "", &tablesync.TransportError{Op: "subscribe " + table, Err: err}
	}
	if err := filter.Validate(); err != nil {
		return "", err
	}
	h := tablesync.SubscriptionHandle(s.hub.Subscribe(table, filter, fn))
	if onError != nil {
		s.mu.Lock()
		s.onErrors[h] = onError
		s.mu.Unlock()
	}
	return h, nil
}

// Unsubscribe is idempotent.
func (s *Store) Unsubscribe(h tablesync.SubscriptionHandle) error {
	s.mu.Lock()
	delete(s.onErrors, h)
	s.mu.Unlock()
	s.hub.Unsubscribe(string(h))
	return nil
}

func (s *Store) isListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Interrupt drops every subscription, reporting err to its owner.
func (s *Store) Interrupt(err error) {
	s.mu.Lock()
	failed := s.onErrors
	s.onErrors = make(map[tablesync.SubscriptionHandle]func(error))
	s.mu.Unlock()

	for h, onError := range failed {
		s.hub.Unsubscribe(string(h))
		onError(err)
	}
}
