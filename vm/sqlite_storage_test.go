package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternlang/tern/values"
)

func TestSQLiteArecLifecycle(t *testing.T) {
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ptr, err := store.NewArec()
	require.NoError(t, err)

	rec := newActivationRecord("F_main", ArecNone, 0, CallSiteNone)
	rec.Bindings["x"] = values.NewInt(3)
	require.NoError(t, store.SetArec(ptr, rec))

	got, err := store.GetArec(ptr)
	require.NoError(t, err)
	assert.Equal(t, "F_main", got.Function)
	assert.Equal(t, ArecNone, got.DynamicChain)
	assert.Equal(t, CallSiteNone, got.CallSite)
	assert.Equal(t, 1, got.RefCount)
	assert.True(t, got.Bindings["x"].Equal(values.NewInt(3)))

	count, err := store.IncrementRef(ptr)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	count, err = store.DecrementRef(ptr)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.DeleteArec(ptr))
	_, err = store.GetArec(ptr)
	assert.ErrorIs(t, err, ErrDanglingArec)
	assert.ErrorIs(t, store.DeleteArec(ptr), ErrDanglingArec)
}

func TestSQLiteMonotonicAllocation(t *testing.T) {
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer store.Close()

	a, err := store.NewThread(true)
	require.NoError(t, err)
	b, err := store.NewThread(false)
	require.NoError(t, err)
	assert.Equal(t, a+1, b)
	assert.True(t, store.IsTopLevel(a))
	assert.False(t, store.IsTopLevel(b))

	p1, err := store.NewArec()
	require.NoError(t, err)
	p2, err := store.NewArec()
	require.NoError(t, err)
	assert.Equal(t, p1+1, p2)
}

func TestSQLiteFutureRoundTrip(t *testing.T) {
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer store.Close()

	vmid, err := store.NewThread(true)
	require.NoError(t, err)
	require.NoError(t, store.SetFuture(vmid, NewFuture()))

	require.NoError(t, store.AddContinuation(vmid, 4))
	require.NoError(t, store.AddContinuation(vmid, 5))

	fut, err := store.GetFuture(vmid)
	require.NoError(t, err)
	assert.False(t, fut.Resolved)
	assert.Equal(t, []int{4, 5}, fut.Continuations)
	assert.Equal(t, ChainNone, fut.Chain)

	fut.Resolved = true
	fut.Value = values.NewList(values.NewInt(1), values.NewString("two"))
	require.NoError(t, store.SetFuture(vmid, fut))

	got, err := store.GetFuture(vmid)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.True(t, got.Value.Equal(fut.Value))
}

func TestStorageStoppedTracking(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store Storage
	}{
		{"memory", NewUnlockedMemoryStorage()},
		{"sqlite", mustSQLite(t)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer tc.store.Close()
			a, err := tc.store.NewThread(true)
			require.NoError(t, err)
			b, err := tc.store.NewThread(false)
			require.NoError(t, err)

			require.NoError(t, tc.store.SetStopped(a, false))
			require.NoError(t, tc.store.SetStopped(b, false))
			assert.False(t, tc.store.AllStopped())

			require.NoError(t, tc.store.SetStopped(a, true))
			require.NoError(t, tc.store.SetStopped(b, true))
			assert.True(t, tc.store.AllStopped())
			assert.Equal(t, []int{a, b}, tc.store.Machines())
		})
	}
}

func mustSQLite(t *testing.T) Storage {
	t.Helper()
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	return store
}
