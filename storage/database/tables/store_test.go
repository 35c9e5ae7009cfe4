package tables_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/campus/core"
	"github.com/trezcool/campus/core/tablesync"
	logsvc "github.com/trezcool/campus/services/logger"
	"github.com/trezcool/campus/storage/database/tables"
	"github.com/trezcool/campus/storage/feed"
	testutil "github.com/trezcool/campus/tests"
)

var portalTables = []string{"profiles", "marks", "attendance", "announcements", "timetable", "notifications"}

func newStore(t *testing.T) *tables.Store {
	t.Helper()
	db := testutil.PrepareDB(t)
	return tables.NewStore(db, feed.NewHub(logsvc.NopLogger{}), logsvc.NopLogger{}, portalTables...)
}

func insertMarks(t *testing.T, store *tables.Store) {
	t.Helper()
	for _, row := range []tablesync.Row{
		{"id": "m1", "student_id": "s1", "subject": "maths", "total": 12.5, "created_at": "2026-01-01T00:00:00Z"},
		{"id": "m2", "student_id": "s1", "subject": "physics", "total": 15, "created_at": "2026-01-02T00:00:00Z"},
		{"id": "m3", "student_id": "s2", "subject": "maths", "total": 9, "created_at": "2026-01-03T00:00:00Z"},
	} {
		_, err := store.Write(context.Background(), "marks", tablesync.OpInsert, row)
		require.NoError(t, err)
	}
}

func ids(rows []tablesync.Row) []string {
	res := make([]string, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.ID())
	}
	return res
}

func TestStore_Query(t *testing.T) {
	store := newStore(t)
	insertMarks(t, store)

	tests := []struct {
		name    string
		query   tablesync.Query
		wantIDs []string
	}{
		{
			name:    "all",
			query:   tablesync.Query{Table: "marks", Ordering: []core.DBOrdering{{Field: "id", Ascending: true}}},
			wantIDs: []string{"m1", "m2", "m3"},
		},
		{
			name: "filtered",
			query: tablesync.Query{
				Table:    "marks",
				Filter:   tablesync.Filter{{Column: "student_id", Operator: tablesync.Eq, Value: "s1"}},
				Ordering: []core.DBOrdering{{Field: "created_at", Ascending: true}},
			},
			wantIDs: []string{"m1", "m2"},
		},
		{
			name:    "ordered desc",
			query:   tablesync.Query{Table: "marks", Ordering: []core.DBOrdering{{Field: "total"}}},
			wantIDs: []string{"m2", "m1", "m3"},
		},
		{
			name:    "limited",
			query:   tablesync.Query{Table: "marks", Ordering: []core.DBOrdering{{Field: "created_at"}}, Limit: 2},
			wantIDs: []string{"m3", "m2"},
		},
		{
			name: "comparison",
			query: tablesync.Query{
				Table:    "marks",
				Filter:   tablesync.Filter{{Column: "total", Operator: tablesync.Gte, Value: "12"}},
				Ordering: []core.DBOrdering{{Field: "id", Ascending: true}},
			},
			wantIDs: []string{"m1", "m2"},
		},
		{
			name:    "no match",
			query:   tablesync.Query{Table: "marks", Filter: tablesync.Filter{{Column: "student_id", Operator: tablesync.Eq, Value: "nobody"}}},
			wantIDs: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := store.Query(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("failed! Query() error = %v", err)
			}
			if got := ids(rows); !assert.Equal(t, tt.wantIDs, got) {
				t.Errorf("failed! Query() ids = %v; want %v", got, tt.wantIDs)
			}
		})
	}
}

func TestStore_Query_errors(t *testing.T) {
	store := newStore(t)

	tests := []struct {
		name  string
		query tablesync.Query
	}{
		{name: "unknown table", query: tablesync.Query{Table: "users"}},
		{name: "invalid table", query: tablesync.Query{Table: "marks; --"}},
		{name: "invalid ordering", query: tablesync.Query{Table: "marks", Ordering: []core.DBOrdering{{Field: "total desc"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Query(context.Background(), tt.query); !tablesync.IsQueryError(err) {
				t.Errorf("failed! Query() error = %v; want a QueryError", err)
			}
		})
	}
}

func TestStore_Write(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	row, err := store.Write(ctx, "notifications", tablesync.OpInsert, tablesync.Row{"user_id": "u1", "title": "hello"})
	require.NoError(t, err)
	id := row.ID()
	assert.NotEmpty(t, id)
	assert.EqualValues(t, 0, row["is_read"])
	assert.NotEmpty(t, row["created_at"])

	row, err = store.Write(ctx, "notifications", tablesync.OpUpdate, tablesync.Row{"id": id, "is_read": 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, row["is_read"])
	assert.Equal(t, "hello", row["title"])

	got, err := store.Get(ctx, "notifications", id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got["is_read"])

	rows, err := store.Query(ctx, tablesync.Query{
		Table:  "notifications",
		Filter: tablesync.Filter{{Column: "is_read", Operator: tablesync.Eq, Value: "true"}},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	row, err = store.Write(ctx, "notifications", tablesync.OpDelete, tablesync.Row{"id": id})
	require.NoError(t, err)
	assert.Equal(t, id, row.ID())

	_, err = store.Get(ctx, "notifications", id)
	assert.Equal(t, tablesync.ErrRowNotFound, errors.Cause(err))
}

func TestStore_Write_errors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tests := []struct {
		name     string
		table    string
		op       tablesync.Op
		payload  tablesync.Row
		notFound bool
	}{
		{name: "unknown table", table: "users", op: tablesync.OpInsert, payload: tablesync.Row{"id": "x"}},
		{name: "invalid op", table: "marks", op: "upsert", payload: tablesync.Row{"id": "x"}},
		{name: "invalid column", table: "marks", op: tablesync.OpInsert, payload: tablesync.Row{"total;": 1}},
		{name: "constraint", table: "marks", op: tablesync.OpInsert, payload: tablesync.Row{"id": "x"}},
		{name: "update without id", table: "marks", op: tablesync.OpUpdate, payload: tablesync.Row{"total": 1}},
		{name: "update nothing", table: "marks", op: tablesync.OpUpdate, payload: tablesync.Row{"id": "x"}},
		{name: "update missing", table: "marks", op: tablesync.OpUpdate, payload: tablesync.Row{"id": "x", "total": 1}, notFound: true},
		{name: "delete missing", table: "marks", op: tablesync.OpDelete, payload: tablesync.Row{"id": "x"}, notFound: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Write(ctx, tt.table, tt.op, tt.payload)
			if !tablesync.IsWriteError(err) {
				t.Fatalf("failed! Write() error = %v; want a WriteError", err)
			}
			if notFound := errors.Is(err, tablesync.ErrRowNotFound); notFound != tt.notFound {
				t.Errorf("failed! errors.Is(err, ErrRowNotFound) = %v; want %v", notFound, tt.notFound)
			}
		})
	}
}

func TestStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	var (
		mu     sync.Mutex
		s1, s2 int
	)
	h1, err := store.Subscribe(ctx, "marks", tablesync.Filter{{Column: "student_id", Operator: tablesync.Eq, Value: "s1"}},
		func() { mu.Lock(); s1++; mu.Unlock() }, nil)
	require.NoError(t, err)
	_, err = store.Subscribe(ctx, "marks", nil, func() { mu.Lock(); s2++; mu.Unlock() }, nil)
	require.NoError(t, err)

	insertMarks(t, store)

	// moving a mark away from s1 still concerns s1
	_, err = store.Write(ctx, "marks", tablesync.OpUpdate, tablesync.Row{"id": "m1", "student_id": "s2"})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 3, s1)
	assert.Equal(t, 4, s2)
	mu.Unlock()

	require.NoError(t, store.Unsubscribe(h1))
	require.NoError(t, store.Unsubscribe(h1))
	_, err = store.Write(ctx, "marks", tablesync.OpDelete, tablesync.Row{"id": "m2"})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 3, s1)
	assert.Equal(t, 5, s2)
	mu.Unlock()

	_, err = store.Subscribe(ctx, "users", nil, func() {}, nil)
	assert.True(t, tablesync.IsTransportError(err))
}

func TestStore_Channel(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	insertMarks(t, store)

	ch, err := tablesync.Open(store, "marks", tablesync.UserOwned("student_id", "s1"),
		tablesync.WithOrdering(core.DBOrdering{Field: "created_at", Ascending: true}),
		tablesync.WithRetryPolicy(tablesync.FixedBackoff{Interval: 10 * time.Millisecond}),
	)
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	snap, err := ch.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, snap.IDs())

	_, err = store.Write(ctx, "marks", tablesync.OpInsert, tablesync.Row{"id": "m4", "student_id": "s1", "subject": "chemistry", "total": 18})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		snap, state := ch.Snapshot()
		return state == tablesync.Ready && len(snap) == 3
	}, 2*time.Second, 5*time.Millisecond)
}
