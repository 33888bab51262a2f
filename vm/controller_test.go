package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternlang/tern/linker"
	"github.com/ternlang/tern/opcodes"
	"github.com/ternlang/tern/registry"
	"github.com/ternlang/tern/values"
)

func buildExe(t *testing.T, entrypoint string, numArgs int, fns ...*registry.Function) *linker.Executable {
	t.Helper()
	defs := registry.NewRegistry()
	for _, fn := range fns {
		require.NoError(t, defs.Define(fn))
	}
	exe, err := linker.Link(defs, "test", entrypoint, numArgs)
	require.NoError(t, err)
	return exe
}

func trivialExe(t *testing.T) *linker.Executable {
	return buildExe(t, "F_main", 0, &registry.Function{
		Name: "F_main",
		Instructions: []*opcodes.Instruction{
			opcodes.Push(values.NewInt(42)),
			opcodes.Return(),
		},
	})
}

func newTestController(t *testing.T) *Controller {
	return NewController(trivialExe(t), NewUnlockedMemoryStorage())
}

func liveArecs(t *testing.T, c *Controller) int {
	t.Helper()
	n, err := c.Storage().LiveArecs()
	require.NoError(t, err)
	return n
}

func TestPushPopArecBalanced(t *testing.T) {
	c := newTestController(t)

	root, err := c.PushArec(newActivationRecord("F_main", ArecNone, 0, CallSiteNone))
	require.NoError(t, err)
	child, err := c.PushArec(newActivationRecord("F_other", root, 0, 3))
	require.NoError(t, err)

	rootRec, err := c.GetArec(root)
	require.NoError(t, err)
	assert.Equal(t, 2, rootRec.RefCount) // machine ref + child back-reference

	popped, err := c.PopArec(child)
	require.NoError(t, err)
	assert.Equal(t, "F_other", popped.Function)
	assert.Equal(t, 1, liveArecs(t, c))

	_, err = c.PopArec(root)
	require.NoError(t, err)
	assert.Equal(t, 0, liveArecs(t, c))
}

func TestPopArecCollapsesAncestors(t *testing.T) {
	c := newTestController(t)

	// A four-deep dynamic chain, as produced by nested calls.
	var ptrs []ArecPtr
	chain := ArecNone
	for i := 0; i < 4; i++ {
		ptr, err := c.PushArec(newActivationRecord("F_f", chain, 0, i))
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
		chain = ptr
	}
	assert.Equal(t, 4, liveArecs(t, c))

	// Only the innermost record carries the machine's reference now; the
	// ancestors each hold one back-reference from their child. Dropping the
	// ancestors' machine references first leaves them pinned by the chain.
	for _, ptr := range ptrs[:3] {
		_, err := c.PopArec(ptr)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, liveArecs(t, c))

	// Popping the innermost record collapses the whole chain.
	_, err := c.PopArec(ptrs[3])
	require.NoError(t, err)
	assert.Equal(t, 0, liveArecs(t, c))
}

func TestPopArecStopsAtReferencedAncestor(t *testing.T) {
	c := newTestController(t)

	root, err := c.PushArec(newActivationRecord("F_root", ArecNone, 0, CallSiteNone))
	require.NoError(t, err)
	child, err := c.PushArec(newActivationRecord("F_child", root, 1, 5))
	require.NoError(t, err)

	// The root still holds its own machine reference, so popping the child
	// must stop the walk there.
	_, err = c.PopArec(child)
	require.NoError(t, err)
	assert.Equal(t, 1, liveArecs(t, c))

	rec, err := c.GetArec(root)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RefCount)
}

func TestRefCountUnderflow(t *testing.T) {
	c := newTestController(t)
	root, err := c.PushArec(newActivationRecord("F_main", ArecNone, 0, CallSiteNone))
	require.NoError(t, err)

	_, err = c.PopArec(root)
	require.NoError(t, err)
	// The first pop took the count to zero and deleted the record, so the
	// extra release is reported as a dangling pointer.
	_, err = c.PopArec(root)
	assert.ErrorIs(t, err, ErrDanglingArec)
}

func TestResolveThenGetOrWait(t *testing.T) {
	c := newTestController(t)
	vmid, err := c.ToplevelMachine(values.NewFunction("F_main"), nil)
	require.NoError(t, err)

	conts, err := c.ResolveFuture(vmid, values.NewInt(9))
	require.NoError(t, err)
	assert.Empty(t, conts)

	resolved, value, err := c.GetOrWait(99, values.NewFuture(vmid))
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.True(t, value.Equal(values.NewInt(9)))
}

func TestGetOrWaitThenResolve(t *testing.T) {
	c := newTestController(t)
	vmid, err := c.ToplevelMachine(values.NewFunction("F_main"), nil)
	require.NoError(t, err)

	resolved, value, err := c.GetOrWait(7, values.NewFuture(vmid))
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.Nil(t, value)

	conts, err := c.ResolveFuture(vmid, values.NewString("done"))
	require.NoError(t, err)
	assert.Equal(t, []int{7}, conts)
}

func TestDoubleResolveFails(t *testing.T) {
	c := newTestController(t)
	vmid, err := c.ToplevelMachine(values.NewFunction("F_main"), nil)
	require.NoError(t, err)

	_, err = c.ResolveFuture(vmid, values.NewInt(1))
	require.NoError(t, err)
	_, err = c.ResolveFuture(vmid, values.NewInt(2))
	assert.ErrorIs(t, err, ErrDoubleResolve)
}

func TestResolveRejectsFutureValue(t *testing.T) {
	c := newTestController(t)
	vmid, err := c.ToplevelMachine(values.NewFunction("F_main"), nil)
	require.NoError(t, err)

	_, err = c.ResolveFuture(vmid, values.NewFuture(3))
	assert.ErrorIs(t, err, ErrResolveWithFuture)
}

func TestFinishWithConcreteValueSetsResult(t *testing.T) {
	c := newTestController(t)
	vmid, err := c.ToplevelMachine(values.NewFunction("F_main"), nil)
	require.NoError(t, err)

	value, conts, err := c.Finish(vmid, values.NewInt(42))
	require.NoError(t, err)
	assert.True(t, value.Equal(values.NewInt(42)))
	assert.Empty(t, conts)
	assert.True(t, c.Finished())

	result, ok := c.Result()
	require.True(t, ok)
	assert.True(t, result.Equal(values.NewInt(42)))
}

func TestFinishChainsUnresolvedFuture(t *testing.T) {
	exe := buildExe(t, "F_main", 0,
		&registry.Function{Name: "F_main", Instructions: []*opcodes.Instruction{opcodes.Return()}},
		&registry.Function{Name: "F_b", Instructions: []*opcodes.Instruction{opcodes.Return()}},
	)
	c := NewController(exe, NewUnlockedMemoryStorage())

	main, err := c.ToplevelMachine(values.NewFunction("F_main"), nil)
	require.NoError(t, err)
	rootRec, err := c.GetArec(0)
	require.NoError(t, err)
	b, err := c.ThreadMachine(0, rootRec.CallSite+1, values.NewFunction("F_b"), nil)
	require.NoError(t, err)

	// F_main finishes with F_b's (unresolved) future: its own future is
	// chained, not resolved.
	value, conts, err := c.Finish(main, values.NewFuture(b))
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.Empty(t, conts)

	fut, err := c.Storage().GetFuture(b)
	require.NoError(t, err)
	assert.Equal(t, main, fut.Chain)

	// Resolving F_b cascades into F_main's future and the session result.
	_, err = c.ResolveFuture(b, values.NewString("ok"))
	require.NoError(t, err)

	mainFut, err := c.Storage().GetFuture(main)
	require.NoError(t, err)
	assert.True(t, mainFut.Resolved)
	assert.True(t, mainFut.Value.Equal(values.NewString("ok")))

	result, ok := c.Result()
	require.True(t, ok)
	assert.True(t, result.Equal(values.NewString("ok")))
}

func TestFinishWithResolvedFuture(t *testing.T) {
	exe := buildExe(t, "F_main", 0,
		&registry.Function{Name: "F_main", Instructions: []*opcodes.Instruction{opcodes.Return()}},
		&registry.Function{Name: "F_b", Instructions: []*opcodes.Instruction{opcodes.Return()}},
	)
	c := NewController(exe, NewUnlockedMemoryStorage())

	main, err := c.ToplevelMachine(values.NewFunction("F_main"), nil)
	require.NoError(t, err)
	b, err := c.ThreadMachine(0, 1, values.NewFunction("F_b"), nil)
	require.NoError(t, err)

	_, err = c.ResolveFuture(b, values.NewInt(5))
	require.NoError(t, err)

	value, _, err := c.Finish(main, values.NewFuture(b))
	require.NoError(t, err)
	assert.True(t, value.Equal(values.NewInt(5)))

	result, ok := c.Result()
	require.True(t, ok)
	assert.True(t, result.Equal(values.NewInt(5)))
}

func TestResolveOrderOwnContinuationsFirst(t *testing.T) {
	exe := buildExe(t, "F_main", 0,
		&registry.Function{Name: "F_main", Instructions: []*opcodes.Instruction{opcodes.Return()}},
		&registry.Function{Name: "F_b", Instructions: []*opcodes.Instruction{opcodes.Return()}},
	)
	c := NewController(exe, NewUnlockedMemoryStorage())

	main, err := c.ToplevelMachine(values.NewFunction("F_main"), nil)
	require.NoError(t, err)
	b, err := c.ThreadMachine(0, 1, values.NewFunction("F_b"), nil)
	require.NoError(t, err)

	// Chain main's future to b's, then register waiters on both.
	_, _, err = c.Finish(main, values.NewFuture(b))
	require.NoError(t, err)
	_, _, err = c.GetOrWait(21, values.NewFuture(b))
	require.NoError(t, err)
	_, _, err = c.GetOrWait(22, values.NewFuture(main))
	require.NoError(t, err)

	conts, err := c.ResolveFuture(b, values.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, []int{21, 22}, conts)
}

func TestStopTracksSession(t *testing.T) {
	c := newTestController(t)
	a, err := c.ToplevelMachine(values.NewFunction("F_main"), nil)
	require.NoError(t, err)
	b, err := c.ThreadMachine(0, 1, values.NewFunction("F_main"), nil)
	require.NoError(t, err)

	c.Stop(a, true)
	assert.False(t, c.Stopped())

	c.Stop(b, false)
	assert.True(t, c.Stopped())
	assert.True(t, c.Broken())

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}
