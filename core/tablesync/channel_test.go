package tablesync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/campus/core"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fastOptions(opts ...Option) []Option {
	return append([]Option{
		WithRetryPolicy(FixedBackoff{Interval: 10 * time.Millisecond}),
		WithSubscribeRetryPolicy(FixedBackoff{Interval: 10 * time.Millisecond}),
	}, opts...)
}

func openReady(t *testing.T, client *fakeClient, table string, scope Scope, opts ...Option) *Channel {
	t.Helper()
	ch, err := Open(client, table, scope, fastOptions(opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	require.Eventually(t, func() bool {
		_, state := ch.Snapshot()
		return state == Ready
	}, waitFor, tick)
	return ch
}

func stateOf(ch *Channel) SyncState {
	_, state := ch.Snapshot()
	return state
}

func TestOpen_invalidArguments(t *testing.T) {
	tests := []struct {
		name  string
		table string
		scope Scope
		opts  []Option
	}{
		{name: "empty table", table: "", scope: Global()},
		{name: "blank table", table: "   ", scope: Global()},
		{name: "invalid table", table: "marks; drop table users", scope: Global()},
		{name: "zero scope", table: "marks", scope: Scope{}},
		{name: "global with filter", table: "marks", scope: Scope{Kind: GlobalScope, Filter: Filter{{Column: "a", Operator: Eq, Value: "1"}}}},
		{name: "user-owned without user", table: "marks", scope: UserOwned("student_id", "")},
		{name: "user-owned invalid column", table: "marks", scope: UserOwned("student id", "u1")},
		{name: "empty predicate", table: "marks", scope: Where()},
		{name: "bad operator", table: "marks", scope: Where(Predicate{Column: "a", Operator: "like", Value: "x"})},
		{name: "bad ordering", table: "marks", scope: Global(), opts: []Option{WithOrdering(core.DBOrdering{Field: "total desc"})}},
		{name: "negative limit", table: "marks", scope: Global(), opts: []Option{WithLimit(-1)}},
		{name: "zero retry delay", table: "marks", scope: Global(), opts: []Option{WithRetryPolicy(FixedBackoff{})}},
		{name: "negative subscribe delay", table: "marks", scope: Global(), opts: []Option{WithSubscribeRetryPolicy(ExponentialBackoff{Initial: -time.Second})}},
		{name: "negative poll interval", table: "marks", scope: Global(), opts: []Option{WithPollInterval(-time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			ch, err := Open(client, tt.table, tt.scope, tt.opts...)
			if !IsConfigurationError(err) {
				t.Errorf("failed! Open() error = %v; want a ConfigurationError", err)
			}
			if ch != nil {
				t.Errorf("failed! Open() returned a channel")
			}
			if q, s, _ := client.counts(); q != 0 || s != 0 {
				t.Errorf("failed! queries = %d, subscribes = %d; want 0, 0", q, s)
			}
		})
	}
}

func TestChannel_firstFetch(t *testing.T) {
	client := newFakeClient(
		Row{"id": "c", "name": "Chemistry"},
		Row{"id": "a", "name": "Algebra"},
		Row{"id": "b", "name": "Biology"},
	)
	ch, err := Open(client, "timetable", Global(), fastOptions(WithLimit(10))...)
	require.NoError(t, err)
	defer ch.Close()

	snap, err := ch.Wait(context.Background())
	require.NoError(t, err)

	// order is the server's
	assert.Equal(t, []string{"c", "a", "b"}, snap.IDs())
	assert.Equal(t, Ready, stateOf(ch))

	status := ch.Status()
	assert.True(t, status.Subscribed)
	assert.Equal(t, 1, status.Fetches)
	assert.False(t, status.FetchedAt.IsZero())
	assert.NoError(t, status.Err)

	client.mu.Lock()
	assert.Equal(t, "timetable", client.lastQuery.Table)
	assert.Equal(t, 10, client.lastQuery.Limit)
	client.mu.Unlock()
}

func TestChannel_coalescesChangeSignals(t *testing.T) {
	client := newFakeClient(Row{"id": "1"})
	client.gate = make(chan struct{})

	ch, err := Open(client, "announcements", Global(), fastOptions()...)
	require.NoError(t, err)
	defer ch.Close()

	require.Eventually(t, func() bool { q, _, _ := client.counts(); return q == 1 }, waitFor, tick)
	assert.Equal(t, Fetching, stateOf(ch))

	for i := 0; i < 5; i++ {
		client.emit("announcements", Row{"id": "2"})
	}
	client.gate <- struct{}{} // first fetch completes

	require.Eventually(t, func() bool { q, _, _ := client.counts(); return q == 2 }, waitFor, tick)
	client.gate <- struct{}{} // trailing fetch completes

	require.Eventually(t, func() bool { return stateOf(ch) == Ready }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)

	if q, _, _ := client.counts(); q != 2 {
		t.Errorf("failed! queries = %d; want 2", q)
	}
}

func TestChannel_marksScenario(t *testing.T) {
	first := []Row{{"id": 1, "student_id": "u1", "subject": "Math", "total": 93}}
	second := []Row{
		{"id": 1, "student_id": "u1", "subject": "Math", "total": 95},
		{"id": 2, "student_id": "u1", "subject": "Physics", "total": 80},
	}
	client := newFakeClient(first...)

	var (
		mu   sync.Mutex
		seen []Snapshot
	)
	ch, err := Open(client, "marks", UserOwned("student_id", "u1"), fastOptions()...)
	require.NoError(t, err)
	defer ch.Close()
	ch.OnChange(func(snap Snapshot, _ Delta) {
		mu.Lock()
		seen = append(seen, snap)
		mu.Unlock()
	})
	_, err = ch.Wait(context.Background())
	require.NoError(t, err)

	snap, state := ch.Snapshot()
	assert.Equal(t, Ready, state)
	assert.Equal(t, Snapshot(first), snap)

	client.setRows(second...)
	client.emit("marks", Row{"id": 2, "student_id": "u1"})

	require.Eventually(t, func() bool {
		snap, state := ch.Snapshot()
		return state == Ready && len(snap) == 2
	}, waitFor, tick)

	snap, _ = ch.Snapshot()
	assert.Equal(t, Snapshot(second), snap)

	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if !assert.ObjectsAreEqual(Snapshot(first), s) && !assert.ObjectsAreEqual(Snapshot(second), s) {
			t.Errorf("failed! listener saw %v; want one of the fetched snapshots", s)
		}
	}
}

func TestChannel_trustsServerSideFilter(t *testing.T) {
	client := newFakeClient()
	openReady(t, client, "notifications", UserOwned("user_id", "u1"))

	client.emit("notifications", Row{"id": "n1", "user_id": "u2"})
	client.emit("attendance", Row{"id": "a1", "user_id": "u1"})
	time.Sleep(30 * time.Millisecond)
	if q, _, _ := client.counts(); q != 1 {
		t.Errorf("failed! queries = %d; want 1", q)
	}

	client.emit("notifications", Row{"id": "n2", "user_id": "u1"})
	assert.Eventually(t, func() bool { q, _, _ := client.counts(); return q == 2 }, waitFor, tick)
}

func TestChannel_queryErrorKeepsSnapshot(t *testing.T) {
	client := newFakeClient(Row{"id": "1", "title": "Welcome"})
	ch := openReady(t, client, "announcements", Global())

	client.setQueryErr(errors.New("relation \"announcements\" does not exist"))
	ch.Refresh()

	require.Eventually(t, func() bool { return stateOf(ch) == Error }, waitFor, tick)
	snap, _ := ch.Snapshot()
	assert.Equal(t, []string{"1"}, snap.IDs())

	err := ch.Err()
	require.True(t, IsQueryError(err), "err = %v", err)
	var qErr *QueryError
	require.True(t, errors.As(err, &qErr))
	assert.Equal(t, "announcements", qErr.Table)
	assert.Contains(t, qErr.Message, "does not exist")
	assert.True(t, ch.Status().Subscribed, "query errors must not tear down the subscription")

	// retried with backoff until the backend recovers
	client.setRows(Row{"id": "1", "title": "Welcome"}, Row{"id": "2", "title": "Exams"})
	client.setQueryErr(nil)
	require.Eventually(t, func() bool { return stateOf(ch) == Ready }, waitFor, tick)
	snap, _ = ch.Snapshot()
	assert.Equal(t, []string{"1", "2"}, snap.IDs())
	assert.NoError(t, ch.Err())
}

func TestChannel_Close(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		client := newFakeClient(Row{"id": "1"})
		ch := openReady(t, client, "timetable", Global())

		assert.NoError(t, ch.Close())
		assert.NoError(t, ch.Close())
		assert.True(t, ch.Closed())

		_, s, u := client.counts()
		assert.Equal(t, 1, s)
		assert.Equal(t, 1, u)
		assert.Equal(t, 0, client.activeSubs())
	})

	t.Run("from a listener", func(t *testing.T) {
		client := newFakeClient(Row{"id": "1"})
		client.gate = make(chan struct{})
		ch, err := Open(client, "timetable", Global(), fastOptions()...)
		require.NoError(t, err)

		var calls int32
		ch.OnChange(func(Snapshot, Delta) {
			atomic.AddInt32(&calls, 1)
			_ = ch.Close()
		})
		client.gate <- struct{}{}

		require.Eventually(t, ch.Closed, waitFor, tick)
		_, _, u := client.counts()
		assert.Equal(t, 1, u)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

		// signals after close are ignored
		client.emit("timetable", Row{"id": "2"})
		ch.Refresh()
		time.Sleep(20 * time.Millisecond)
		q, _, _ := client.counts()
		assert.Equal(t, 1, q)
	})

	t.Run("discards late results", func(t *testing.T) {
		client := newFakeClient(Row{"id": "1"})
		client.gate = make(chan struct{})
		ch, err := Open(client, "timetable", Global(), fastOptions()...)
		require.NoError(t, err)
		called := make(chan struct{}, 1)
		ch.OnChange(func(Snapshot, Delta) { called <- struct{}{} })

		require.Eventually(t, func() bool { q, _, _ := client.counts(); return q == 1 }, waitFor, tick)
		require.NoError(t, ch.Close())
		client.gate <- struct{}{}

		select {
		case <-called:
			t.Errorf("failed! listener called after Close")
		case <-time.After(30 * time.Millisecond):
		}
		snap, _ := ch.Snapshot()
		assert.Empty(t, snap)
		assert.Equal(t, 0, ch.Status().Fetches)
	})

	t.Run("cancels scheduled retries", func(t *testing.T) {
		client := newFakeClient()
		client.setQueryErr(errors.New("boom"))
		ch, err := Open(client, "timetable", Global(), fastOptions()...)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return stateOf(ch) == Error }, waitFor, tick)

		require.NoError(t, ch.Close())
		q, _, _ := client.counts()
		time.Sleep(50 * time.Millisecond)
		q2, _, _ := client.counts()
		assert.LessOrEqual(t, q2, q+1) // at most the fetch already in flight
	})
}

func TestChannel_subscription(t *testing.T) {
	t.Run("retried until it succeeds", func(t *testing.T) {
		client := newFakeClient(Row{"id": "1"})
		client.setSubscribeErr(errors.New("connection refused"))

		ch, err := Open(client, "marks", UserOwned("student_id", "u1"), fastOptions()...)
		require.NoError(t, err)
		defer ch.Close()

		require.Eventually(t, func() bool { _, s, _ := client.counts(); return s >= 3 }, waitFor, tick)
		status := ch.Status()
		assert.False(t, status.Subscribed)
		assert.True(t, IsTransportError(status.Err), "err = %v", status.Err)

		client.setSubscribeErr(nil)
		require.Eventually(t, func() bool { return ch.Status().Subscribed }, waitFor, tick)
		assert.Equal(t, 1, client.activeSubs())
		require.Eventually(t, func() bool { return stateOf(ch) == Ready }, waitFor, tick)
	})

	t.Run("released and renewed after a fatal error", func(t *testing.T) {
		client := newFakeClient(Row{"id": "1"})
		ch := openReady(t, client, "marks", UserOwned("student_id", "u1"))

		client.kill(errors.New("connection reset by peer"))

		require.Eventually(t, func() bool {
			_, s, u := client.counts()
			return s == 2 && u == 1 && ch.Status().Subscribed
		}, waitFor, tick)
		// events may have been missed: resync
		require.Eventually(t, func() bool { q, _, _ := client.counts(); return q >= 2 }, waitFor, tick)
		require.Eventually(t, func() bool { return stateOf(ch) == Ready }, waitFor, tick)

		require.NoError(t, ch.Close())
		_, _, u := client.counts()
		assert.Equal(t, 2, u)
		assert.Equal(t, 0, client.activeSubs())
	})

	t.Run("renewed when lost before Subscribe returned", func(t *testing.T) {
		client := newFakeClient(Row{"id": "1"})
		client.dieOnSubscribe = 1

		ch, err := Open(client, "marks", UserOwned("student_id", "u1"), fastOptions()...)
		require.NoError(t, err)
		defer ch.Close()

		require.Eventually(t, func() bool {
			_, s, u := client.counts()
			return s == 2 && u == 1 && ch.Status().Subscribed
		}, waitFor, tick)
		assert.Equal(t, 1, client.activeSubs())
		require.Eventually(t, func() bool { return stateOf(ch) == Ready }, waitFor, tick)

		// the renewed subscription delivers changes
		q, _, _ := client.counts()
		client.emit("marks", Row{"id": "2", "student_id": "u1"})
		require.Eventually(t, func() bool { q2, _, _ := client.counts(); return q2 > q }, waitFor, tick)
	})

	t.Run("stale loss ignored", func(t *testing.T) {
		client := newFakeClient(Row{"id": "1"})
		ch := openReady(t, client, "marks", UserOwned("student_id", "u1"))

		client.kill(errors.New("connection reset by peer"))
		require.Eventually(t, func() bool { _, s, _ := client.counts(); return s == 2 && ch.Status().Subscribed }, waitFor, tick)

		// a late error of the first subscription must not drop the second one
		ch.mu.Lock()
		gen := ch.subGen
		ch.mu.Unlock()
		ch.subscriptionLost(gen-1, errors.New("late"))
		time.Sleep(30 * time.Millisecond)
		_, s, _ := client.counts()
		assert.Equal(t, 2, s)
		assert.True(t, ch.Status().Subscribed)
	})
}

func TestChannel_polling(t *testing.T) {
	client := newFakeClient(Row{"id": "1"})
	openReady(t, client, "timetable", Global(), WithPollInterval(10*time.Millisecond))

	assert.Eventually(t, func() bool { q, _, _ := client.counts(); return q >= 3 }, waitFor, tick)
}

func TestChannel_OnChange(t *testing.T) {
	client := newFakeClient(Row{"id": "1", "is_read": false})
	client.gate = make(chan struct{}, 10)
	ch, err := Open(client, "notifications", UserOwned("user_id", "u1"), fastOptions()...)
	require.NoError(t, err)
	defer ch.Close()

	deltas := make(chan Delta, 10)
	remove := ch.OnChange(func(_ Snapshot, d Delta) { deltas <- d })

	client.gate <- struct{}{}
	d := <-deltas
	assert.True(t, d.Initial)
	assert.Equal(t, []string{"1"}, d.Added)

	client.setRows(Row{"id": "1", "is_read": true}, Row{"id": "2", "is_read": false})
	ch.Refresh()
	client.gate <- struct{}{}
	d = <-deltas
	assert.False(t, d.Initial)
	assert.Equal(t, []string{"2"}, d.Added)
	assert.Equal(t, []string{"1"}, d.Updated)

	remove()
	client.setRows()
	ch.Refresh()
	client.gate <- struct{}{}
	require.Eventually(t, func() bool {
		snap, state := ch.Snapshot()
		return state == Ready && len(snap) == 0
	}, waitFor, tick)
	assert.Empty(t, deltas)
}

func TestChannel_ApplyOptimistic(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		ch := openReady(t, newFakeClient(), "notifications", Global())
		err := ch.ApplyOptimistic(OpInsert, Row{"id": "1"})
		assert.Equal(t, ErrOptimisticDisabled, err)
	})

	t.Run("merged until the next fetch", func(t *testing.T) {
		client := newFakeClient(Row{"id": "1", "is_read": false}, Row{"id": "2", "is_read": false})
		ch := openReady(t, client, "notifications", Global(), WithOptimisticMerge())

		require.NoError(t, ch.ApplyOptimistic(OpUpdate, Row{"id": "1", "is_read": true}))
		require.NoError(t, ch.ApplyOptimistic(OpDelete, Row{"id": "2"}))
		require.NoError(t, ch.ApplyOptimistic(OpInsert, Row{"id": "3", "is_read": false}))

		snap, _ := ch.Snapshot()
		assert.Equal(t, []string{"1", "3"}, snap.IDs())
		r, _ := snap.Find("1")
		assert.Equal(t, true, r["is_read"])

		ch.Refresh()
		require.Eventually(t, func() bool {
			snap, state := ch.Snapshot()
			return state == Ready && len(snap) == 2 && snap[1].ID() == "2"
		}, waitFor, tick)

		assert.True(t, IsConfigurationError(ch.ApplyOptimistic(OpUpdate, Row{"title": "no id"})))
		assert.True(t, IsConfigurationError(ch.ApplyOptimistic("upsert", Row{"id": "1"})))

		require.NoError(t, ch.Close())
		assert.Equal(t, ErrClosed, ch.ApplyOptimistic(OpInsert, Row{"id": "4"}))
	})
}

func TestChannel_Wait(t *testing.T) {
	client := newFakeClient()
	client.gate = make(chan struct{})
	ch, err := Open(client, "timetable", Global(), fastOptions()...)
	require.NoError(t, err)
	defer func() {
		_ = ch.Close()
		close(client.gate)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ch.Wait(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}
