package vm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ternlang/tern/linker"
	"github.com/ternlang/tern/values"
)

// Controller owns the activation record arena, the future table and the
// per-machine state table, and coordinates machine creation, future
// resolution and termination detection. All shared-state mutation performed
// by the evaluator goes through here. The controller carries no ambient
// singletons: its lifecycle is construct with a linked executable, seed a
// top-level machine, run an invoker until stopped, extract the result.
type Controller struct {
	exe   *linker.Executable
	store Storage
	log   *slog.Logger

	mu      sync.Mutex
	probes  map[int]*Probe
	stopped bool
	done    chan struct{}
}

// NewController builds a controller around a linked executable and a storage
// backend.
func NewController(exe *linker.Executable, store Storage) *Controller {
	return &Controller{
		exe:    exe,
		store:  store,
		log:    slog.Default(),
		probes: make(map[int]*Probe),
		done:   make(chan struct{}),
	}
}

func (c *Controller) Executable() *linker.Executable {
	return c.exe
}

func (c *Controller) Storage() Storage {
	return c.store
}

// ToplevelMachine creates the root machine of a session at the given
// function pointer. Its activation record has no dynamic chain and no call
// site.
func (c *Controller) ToplevelMachine(fn *values.Value, args []*values.Value) (int, error) {
	if !fn.IsFunction() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFunction, fn)
	}
	vmid, err := c.store.NewThread(true)
	if err != nil {
		return 0, err
	}
	rec := newActivationRecord(fn.FunctionName(), ArecNone, vmid, CallSiteNone)
	if err := c.initThread(vmid, fn, args, rec); err != nil {
		return 0, err
	}
	return vmid, nil
}

// ThreadMachine creates a machine spawned from a call site on another
// machine. The new root record chains to the caller's record, which keeps
// the caller's environment alive until the child returns.
func (c *Controller) ThreadMachine(callerArec ArecPtr, callerIP int, fn *values.Value, args []*values.Value) (int, error) {
	if !fn.IsFunction() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFunction, fn)
	}
	vmid, err := c.store.NewThread(false)
	if err != nil {
		return 0, err
	}
	rec := newActivationRecord(fn.FunctionName(), callerArec, vmid, callerIP-1)
	if err := c.initThread(vmid, fn, args, rec); err != nil {
		return 0, err
	}
	return vmid, nil
}

func (c *Controller) initThread(vmid int, fn *values.Value, args []*values.Value, rec *ActivationRecord) error {
	loc, ok := c.exe.Location(fn.FunctionName())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFunction, fn.FunctionName())
	}

	ptr, err := c.PushArec(rec)
	if err != nil {
		return err
	}

	st := NewState(args)
	st.CurrentArec = ptr
	st.IP = loc
	if err := c.store.SetState(vmid, st); err != nil {
		return err
	}
	if err := c.store.SetFuture(vmid, NewFuture()); err != nil {
		return err
	}
	if err := c.store.SetStopped(vmid, false); err != nil {
		return err
	}

	c.mu.Lock()
	c.probes[vmid] = NewProbe()
	c.mu.Unlock()

	c.log.Debug("machine created", "vmid", vmid, "fn", fn.FunctionName(), "ip", loc)
	return nil
}

// PushArec inserts a record into the arena and takes a reference on its
// dynamic chain parent.
func (c *Controller) PushArec(rec *ActivationRecord) (ArecPtr, error) {
	ptr, err := c.store.NewArec()
	if err != nil {
		return ArecNone, err
	}
	if err := c.store.SetArec(ptr, rec); err != nil {
		return ArecNone, err
	}
	if rec.DynamicChain != ArecNone {
		if _, err := c.store.IncrementRef(rec.DynamicChain); err != nil {
			return ArecNone, err
		}
	}
	return ptr, nil
}

// PopArec releases one reference to ptr. When the count reaches zero the
// record is removed and the dynamic chain is walked upward, releasing and
// deleting ancestors until one is still referenced. Parent records live
// exactly as long as any descendant can still reach them. Returns the record
// that was stored at ptr.
func (c *Controller) PopArec(ptr ArecPtr) (*ActivationRecord, error) {
	var popped *ActivationRecord
	collect := false

	unlock := c.store.LockArec(ptr)
	count, err := c.store.DecrementRef(ptr)
	if err != nil {
		unlock()
		return nil, err
	}
	popped, err = c.store.GetArec(ptr)
	if err != nil {
		unlock()
		return nil, err
	}
	if count == 0 {
		if err := c.store.DeleteArec(ptr); err != nil {
			unlock()
			return nil, err
		}
		collect = true
	}
	unlock()

	if collect {
		rec := popped
		for rec.DynamicChain != ArecNone {
			parentPtr := rec.DynamicChain
			unlock := c.store.LockArec(parentPtr)
			count, err := c.store.DecrementRef(parentPtr)
			if err != nil {
				unlock()
				return nil, err
			}
			if count > 0 {
				unlock()
				break
			}
			parent, err := c.store.GetArec(parentPtr)
			if err != nil {
				unlock()
				return nil, err
			}
			if err := c.store.DeleteArec(parentPtr); err != nil {
				unlock()
				return nil, err
			}
			unlock()
			rec = parent
		}
	}

	return popped, nil
}

// GetArec reads a record without changing its reference count.
func (c *Controller) GetArec(ptr ArecPtr) (*ActivationRecord, error) {
	return c.store.GetArec(ptr)
}

// Bind writes a variable into the bindings of the record at ptr.
func (c *Controller) Bind(ptr ArecPtr, name string, v *values.Value) error {
	unlock := c.store.LockArec(ptr)
	defer unlock()
	rec, err := c.store.GetArec(ptr)
	if err != nil {
		return err
	}
	rec.Bindings[name] = v
	return c.store.SetArec(ptr, rec)
}

// LookupVar resolves a variable by walking the dynamic chain from ptr.
func (c *Controller) LookupVar(ptr ArecPtr, name string) (*values.Value, error) {
	for ptr != ArecNone {
		rec, err := c.store.GetArec(ptr)
		if err != nil {
			return nil, err
		}
		if v, ok := rec.Bindings[name]; ok {
			return v, nil
		}
		ptr = rec.DynamicChain
	}
	return nil, fmt.Errorf("%w: %s", ErrUnboundVariable, name)
}

// ResolveFuture resolves a machine's future with a concrete value and
// cascades through its chain. It returns every vmid that must be
// rescheduled: the future's own continuations first, then those of chained
// futures, in insertion order. Resolving an already-resolved future or
// resolving with a future value is an invariant violation.
func (c *Controller) ResolveFuture(vmid int, v *values.Value) ([]int, error) {
	if v.IsFuture() {
		return nil, fmt.Errorf("%w: machine %d with %s", ErrResolveWithFuture, vmid, v)
	}

	unlock := c.store.LockFuture(vmid)
	fut, err := c.store.GetFuture(vmid)
	if err != nil {
		unlock()
		return nil, err
	}
	if fut.Resolved {
		unlock()
		return nil, fmt.Errorf("%w: machine %d", ErrDoubleResolve, vmid)
	}
	fut.Resolved = true
	fut.Value = v
	if err := c.store.SetFuture(vmid, fut); err != nil {
		unlock()
		return nil, err
	}
	continuations := append([]int(nil), fut.Continuations...)
	chain := fut.Chain
	unlock()

	if c.store.IsTopLevel(vmid) {
		if err := c.store.SetResult(v); err != nil {
			return nil, err
		}
		if err := c.store.SetFinished(); err != nil {
			return nil, err
		}
	}

	if chain != ChainNone {
		chained, err := c.ResolveFuture(chain, v)
		if err != nil {
			return nil, err
		}
		continuations = append(continuations, chained...)
	}

	c.log.Debug("resolved future", "vmid", vmid, "value", v, "continuations", continuations)
	c.probe(vmid).Log("resolved with %s, continuations %v", v, continuations)
	return continuations, nil
}

// Finish is the terminal entry point from the evaluator. A concrete value
// resolves the machine's future directly. A future value can only resolve
// this machine once it has itself resolved: if it already has, resolve with
// its value; otherwise chain this machine's future to it and return no
// continuations — resolution will cascade later.
func (c *Controller) Finish(vmid int, v *values.Value) (*values.Value, []int, error) {
	if !v.IsFuture() {
		continuations, err := c.ResolveFuture(vmid, v)
		return v, continuations, err
	}

	target := v.FutureVMID()
	unlock := c.store.LockFuture(target)
	fut, err := c.store.GetFuture(target)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if fut.Resolved {
		unlock()
		continuations, err := c.ResolveFuture(vmid, fut.Value)
		return fut.Value, continuations, err
	}
	if fut.Chain != ChainNone {
		unlock()
		return nil, nil, fmt.Errorf("%w: future of %d", ErrFutureChained, target)
	}
	fut.Chain = vmid
	err = c.store.SetFuture(target, fut)
	unlock()
	if err != nil {
		return nil, nil, err
	}

	c.log.Debug("chained future", "vmid", vmid, "to", target)
	c.probe(vmid).Log("chained to future<%d>", target)
	return nil, nil, nil
}

// GetOrWait returns a resolved future's value, or registers vmid as a
// continuation and reports that the machine must suspend.
func (c *Controller) GetOrWait(vmid int, futurePtr *values.Value) (bool, *values.Value, error) {
	if !futurePtr.IsFuture() {
		return false, nil, fmt.Errorf("%w: wait on %s", ErrBadOperand, futurePtr)
	}
	target := futurePtr.FutureVMID()

	unlock := c.store.LockFuture(target)
	defer unlock()
	fut, err := c.store.GetFuture(target)
	if err != nil {
		return false, nil, err
	}
	if fut.Resolved {
		return true, fut.Value, nil
	}
	if err := c.store.AddContinuation(target, vmid); err != nil {
		return false, nil, err
	}
	c.probe(vmid).Log("waiting on future<%d>", target)
	return false, nil, nil
}

// Stop marks a machine stopped. An unclean stop marks the whole session
// broken. When every machine has stopped the session stops.
func (c *Controller) Stop(vmid int, finishedOK bool) {
	if !finishedOK {
		if err := c.store.SetBroken(); err != nil {
			c.log.Error("mark broken", "vmid", vmid, "err", err)
		}
	}
	if err := c.store.SetStopped(vmid, true); err != nil {
		c.log.Error("mark stopped", "vmid", vmid, "err", err)
	}
	c.probe(vmid).Log("stopped (ok=%v)", finishedOK)

	if c.store.AllStopped() {
		c.mu.Lock()
		if !c.stopped {
			c.stopped = true
			close(c.done)
		}
		c.mu.Unlock()
	}
}

// MarkBroken records a controller-detected invariant violation: the whole
// session is aborted.
func (c *Controller) MarkBroken(err error) {
	c.log.Error("session broken", "err", err)
	if serr := c.store.SetBroken(); serr != nil {
		c.log.Error("mark broken", "err", serr)
	}
}

// LoadState fetches a machine's state for stepping.
func (c *Controller) LoadState(vmid int) (*State, error) {
	return c.store.GetState(vmid)
}

// SaveState writes a machine's state back at a suspension point.
func (c *Controller) SaveState(vmid int, st *State) error {
	return c.store.SetState(vmid, st)
}

// DropState destroys a machine's state once it has stopped.
func (c *Controller) DropState(vmid int) error {
	return c.store.DeleteState(vmid)
}

func (c *Controller) probe(vmid int) *Probe {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.probes[vmid]
	if !ok {
		p = NewProbe()
		c.probes[vmid] = p
	}
	return p
}

// Probe returns the event stream of one machine.
func (c *Controller) Probe(vmid int) *Probe {
	return c.probe(vmid)
}

// Probes returns the vmids that have a probe, in ascending order.
func (c *Controller) Probes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.probes))
	for vmid := range c.probes {
		out = append(out, vmid)
	}
	sort.Ints(out)
	return out
}

// Result returns the top-level result once the session finished cleanly.
func (c *Controller) Result() (*values.Value, bool) {
	return c.store.Result()
}

func (c *Controller) Broken() bool {
	return c.store.Broken()
}

func (c *Controller) Finished() bool {
	return c.store.Finished()
}

// Stopped reports whether every machine has stopped.
func (c *Controller) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Done is closed when every machine has stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}
