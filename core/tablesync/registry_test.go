package tablesync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/campus/core"
)

func TestRegistry_sharesChannels(t *testing.T) {
	client := newFakeClient(Row{"id": "1"})
	reg := NewRegistry(client, fastOptions()...)
	defer reg.CloseAll()

	byDate := WithOrdering(core.DBOrdering{Field: "created_at"})

	l1, err := reg.Acquire("marks", UserOwned("student_id", "u1"))
	require.NoError(t, err)
	l2, err := reg.Acquire("marks", UserOwned("student_id", "u1"))
	require.NoError(t, err)
	l3, err := reg.Acquire("marks", UserOwned("student_id", "u2"))
	require.NoError(t, err)
	l4, err := reg.Acquire("marks", UserOwned("student_id", "u1"), byDate)
	require.NoError(t, err)
	l5, err := reg.Acquire("attendance", UserOwned("student_id", "u1"))
	require.NoError(t, err)

	assert.Same(t, l1.Channel(), l2.Channel())
	assert.NotSame(t, l1.Channel(), l3.Channel())
	assert.NotSame(t, l1.Channel(), l4.Channel())
	assert.NotSame(t, l1.Channel(), l5.Channel())
	assert.Equal(t, 4, reg.Len())

	_, s, _ := client.counts()
	assert.Equal(t, 4, s)

	l1.Release()
	l1.Release() // no-op
	assert.False(t, l2.Channel().Closed())
	assert.Equal(t, 4, reg.Len())

	l2.Release()
	assert.True(t, l2.Channel().Closed())
	assert.Equal(t, 3, reg.Len())
	_, _, u := client.counts()
	assert.Equal(t, 1, u)

	// a new lease on a released key opens a new channel
	l6, err := reg.Acquire("marks", UserOwned("student_id", "u1"))
	require.NoError(t, err)
	assert.NotSame(t, l1.Channel(), l6.Channel())
	assert.False(t, l6.Channel().Closed())

	reg.CloseAll()
	assert.Equal(t, 0, reg.Len())
	for _, l := range []*Lease{l3, l4, l5, l6} {
		assert.True(t, l.Channel().Closed())
		l.Release() // no-op after CloseAll
	}
	_, _, u = client.counts()
	assert.Equal(t, 5, u)
	assert.Equal(t, 0, client.activeSubs())
}

func TestRegistry_Acquire_subscribesOutsideLock(t *testing.T) {
	client := newFakeClient(Row{"id": "1"})
	gate := make(chan struct{})
	client.subGate = gate
	reg := NewRegistry(client, fastOptions()...)
	defer reg.CloseAll()

	var (
		wg     sync.WaitGroup
		leases [2]*Lease
		errs   [2]error
	)
	for i := range leases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases[i], errs[i] = reg.Acquire("marks", UserOwned("student_id", "u1"))
		}(i)
	}

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.subWaiting == 2
	}, waitFor, tick)

	// both acquisitions are stuck subscribing: the registry stays usable
	done := make(chan int)
	go func() { done <- reg.Len() }()
	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("failed! Len blocked behind a pending subscription")
	}

	close(gate)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Same(t, leases[0].Channel(), leases[1].Channel())
	assert.Equal(t, 1, reg.Len())
	_, s, u := client.counts()
	assert.Equal(t, 2, s)
	assert.Equal(t, 1, u) // the channel that lost the race
	assert.Equal(t, 1, client.activeSubs())

	leases[0].Release()
	assert.False(t, leases[1].Channel().Closed())
	leases[1].Release()
	assert.True(t, leases[1].Channel().Closed())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_Acquire_invalid(t *testing.T) {
	client := newFakeClient()
	reg := NewRegistry(client)

	_, err := reg.Acquire("", Global())
	assert.True(t, IsConfigurationError(err))
	assert.Equal(t, 0, reg.Len())

	_, s, _ := client.counts()
	assert.Equal(t, 0, s)
}

func TestLease_Snapshot(t *testing.T) {
	client := newFakeClient(Row{"id": "1"}, Row{"id": "2"})
	reg := NewRegistry(client, fastOptions()...)
	defer reg.CloseAll()

	l, err := reg.Acquire("timetable", Global())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, state := l.Snapshot()
		return state == Ready
	}, waitFor, tick)
	snap, _ := l.Snapshot()
	assert.Equal(t, []string{"1", "2"}, snap.IDs())
}

func Test_registryKey(t *testing.T) {
	o := defaultOptions()
	k1 := registryKey("marks", Where(
		Predicate{Column: "a", Operator: Eq, Value: "1"},
		Predicate{Column: "b", Operator: Gt, Value: "2"},
	), o)
	k2 := registryKey("marks", Where(
		Predicate{Column: "b", Operator: Gt, Value: "2"},
		Predicate{Column: "a", Operator: Eq, Value: "1"},
	), o)
	if k1 != k2 {
		t.Errorf("failed! registryKey() = %q, %q; want equal keys for reordered predicates", k1, k2)
	}

	o.Limit = 5
	if k3 := registryKey("marks", Global(), o); k3 == registryKey("marks", Global(), defaultOptions()) {
		t.Errorf("failed! registryKey() ignores the limit")
	}
}
