package vm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternlang/tern/opcodes"
	"github.com/ternlang/tern/registry"
	"github.com/ternlang/tern/values"
)

// singleAwaitFns is scenario machinery shared between the scheduling
// strategies: F_main spawns F_child and awaits its value.
func singleAwaitFns() []*registry.Function {
	return []*registry.Function{
		{Name: "F_main", Instructions: []*opcodes.Instruction{
			opcodes.Push(values.NewFunction("F_child")),
			opcodes.Async(0),
			opcodes.Wait(0),
			opcodes.Return(),
		}},
		{Name: "F_child", Instructions: []*opcodes.Instruction{
			opcodes.Push(values.NewInt(7)),
			opcodes.Return(),
		}},
	}
}

// fanOutFns spawns ten children each returning its index and awaits them all;
// the result is the ordered list of indices because wait addresses stack
// positions.
func fanOutFns() []*registry.Function {
	var body []*opcodes.Instruction
	for i := 0; i < 10; i++ {
		body = append(body,
			opcodes.Push(values.NewInt(int64(i))),
			opcodes.Push(values.NewFunction("F_child")),
			opcodes.Async(1),
		)
	}
	for slot := 9; slot >= 0; slot-- {
		body = append(body, opcodes.Wait(slot))
	}
	body = append(body, opcodes.List(10), opcodes.Return())

	return []*registry.Function{
		{Name: "F_main", Instructions: body},
		// The child's initial stack holds its argument; returning finishes
		// the machine with it.
		{Name: "F_child", Arity: 1, Instructions: []*opcodes.Instruction{
			opcodes.Return(),
		}},
	}
}

func runWith(t *testing.T, parallel bool, store Storage, fns []*registry.Function) (*Controller, *values.Value) {
	t.Helper()
	exe := buildExe(t, fns[0].Name, 0, fns...)
	c := NewController(exe, store)

	vmid, err := c.ToplevelMachine(values.NewFunction(fns[0].Name), nil)
	require.NoError(t, err)

	var inv Invoker
	if parallel {
		inv = NewThreadInvoker(c)
	} else {
		inv = NewCooperativeInvoker(c)
	}
	inv.Invoke(vmid)
	require.NoError(t, inv.Run(context.Background()))

	require.True(t, c.Stopped())
	require.False(t, c.Broken())
	result, ok := c.Result()
	require.True(t, ok)
	return c, result
}

func TestSingleAwaitCooperative(t *testing.T) {
	c, result := runWith(t, false, NewUnlockedMemoryStorage(), singleAwaitFns())
	assert.True(t, result.Equal(values.NewInt(7)))
	assert.Len(t, c.Probes(), 2)
	assert.Equal(t, 0, liveArecs(t, c))

	// The child resolved first; the parent was registered as its
	// continuation and rescheduled.
	childFut, err := c.Storage().GetFuture(1)
	require.NoError(t, err)
	assert.True(t, childFut.Resolved)
	assert.Equal(t, []int{0}, childFut.Continuations)
}

func TestSingleAwaitParallel(t *testing.T) {
	_, result := runWith(t, true, NewMemoryStorage(), singleAwaitFns())
	assert.True(t, result.Equal(values.NewInt(7)))
}

func TestChainedFutures(t *testing.T) {
	// F_main spawns F_b and finishes with F_b's unresolved future: its own
	// future is chained and resolves transitively when F_b resolves.
	fns := []*registry.Function{
		{Name: "F_main", Instructions: []*opcodes.Instruction{
			opcodes.Push(values.NewFunction("F_b")),
			opcodes.Async(0),
			opcodes.Return(),
		}},
		{Name: "F_b", Instructions: []*opcodes.Instruction{
			opcodes.Push(values.NewString("ok")),
			opcodes.Return(),
		}},
	}

	c, result := runWith(t, false, NewUnlockedMemoryStorage(), fns)
	assert.True(t, result.Equal(values.NewString("ok")))

	bFut, err := c.Storage().GetFuture(1)
	require.NoError(t, err)
	assert.Equal(t, 0, bFut.Chain)

	mainFut, err := c.Storage().GetFuture(0)
	require.NoError(t, err)
	assert.True(t, mainFut.Resolved)
	assert.True(t, mainFut.Value.Equal(values.NewString("ok")))
}

func TestFanOutCooperative(t *testing.T) {
	c, result := runWith(t, false, NewUnlockedMemoryStorage(), fanOutFns())
	want := make([]*values.Value, 10)
	for i := range want {
		want[i] = values.NewInt(int64(i))
	}
	assert.True(t, result.Equal(values.NewList(want...)))
	assert.Len(t, c.Probes(), 11)
	assert.Equal(t, 0, liveArecs(t, c))
}

func TestFanOutParallel(t *testing.T) {
	c, result := runWith(t, true, NewMemoryStorage(), fanOutFns())
	want := make([]*values.Value, 10)
	for i := range want {
		want[i] = values.NewInt(int64(i))
	}
	assert.True(t, result.Equal(values.NewList(want...)))
	assert.Equal(t, 0, liveArecs(t, c))
}

func TestSingleAwaitSQLite(t *testing.T) {
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	defer store.Close()

	_, result := runWith(t, false, store, singleAwaitFns())
	assert.True(t, result.Equal(values.NewInt(7)))

	// The session flags and futures are durable.
	assert.True(t, store.Finished())
	assert.False(t, store.Broken())
	persisted, ok := store.Result()
	require.True(t, ok)
	assert.True(t, persisted.Equal(values.NewInt(7)))

	n, err := store.LiveArecs()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFanOutSQLiteParallel(t *testing.T) {
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, result := runWith(t, true, store, fanOutFns())
	want := make([]*values.Value, 10)
	for i := range want {
		want[i] = values.NewInt(int64(i))
	}
	assert.True(t, result.Equal(values.NewList(want...)))
}

func TestBrokenSessionDeclinesWork(t *testing.T) {
	fns := []*registry.Function{
		{Name: "F_main", Instructions: []*opcodes.Instruction{
			opcodes.Push(values.NewInt(1)),
			opcodes.Push(values.NewInt(0)),
			opcodes.Div(),
			opcodes.Return(),
		}},
	}
	exe := buildExe(t, "F_main", 0, fns...)
	c := NewController(exe, NewUnlockedMemoryStorage())
	vmid, err := c.ToplevelMachine(values.NewFunction("F_main"), nil)
	require.NoError(t, err)

	inv := NewCooperativeInvoker(c)
	inv.Invoke(vmid)
	require.Error(t, inv.Run(context.Background()))
	require.True(t, c.Broken())

	// New work is refused once the session is broken.
	inv.Invoke(vmid)
	assert.Empty(t, inv.queue)
}
