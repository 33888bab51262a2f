package vm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Invoker maps runnable machines onto execution contexts. Both strategies
// run a machine until it suspends (awaiting an unresolved future) or
// finishes, schedule spawned children as they are created while the parent
// keeps running, and reschedule continuations returned by the controller.
// A broken session stops accepting new work.
type Invoker interface {
	// Invoke marks a machine runnable.
	Invoke(vmid int)
	// Run drives scheduling until the controller stops or ctx is cancelled.
	Run(ctx context.Context) error
}

// runMachine steps one machine until it suspends, finishes or fails. It
// returns the vmids made runnable by the machine finishing, plus any spawned
// child reported through the spawn callback.
func runMachine(ctrl *Controller, eval *Evaluator, vmid int, spawned func(int)) ([]int, error) {
	st, err := ctrl.LoadState(vmid)
	if err != nil {
		return nil, err
	}

	for {
		res, err := eval.Step(vmid, st)
		if err != nil {
			ctrl.Probe(vmid).Log("error: %v", err)
			ctrl.Stop(vmid, false)
			return nil, fmt.Errorf("machine %d: %w", vmid, err)
		}

		switch res.Kind {
		case StepContinue:

		case StepSpawned:
			spawned(res.Child)

		case StepWaiting:
			// The evaluator persisted the suspension point before it
			// registered the continuation; a racing resolver may already be
			// rescheduling this machine, so the state must not be touched
			// here.
			return nil, nil

		case StepFinished:
			if err := ctrl.SaveState(vmid, st); err != nil {
				ctrl.Stop(vmid, false)
				return nil, err
			}
			value, continuations, err := ctrl.Finish(vmid, res.Value)
			if err != nil {
				ctrl.MarkBroken(err)
				ctrl.Stop(vmid, false)
				return nil, fmt.Errorf("machine %d: %w", vmid, err)
			}
			if value != nil {
				ctrl.Probe(vmid).Log("finished with %s", value)
			}
			if err := ctrl.DropState(vmid); err != nil {
				ctrl.Stop(vmid, false)
				return nil, err
			}
			ctrl.Stop(vmid, true)
			return continuations, nil
		}
	}
}

// CooperativeInvoker runs every machine on a single execution unit,
// dequeueing vmids from a FIFO ready-queue. Stepping is deterministic given
// queue order; the storage backend needs no locking.
type CooperativeInvoker struct {
	ctrl  *Controller
	eval  *Evaluator
	queue []int
}

func NewCooperativeInvoker(ctrl *Controller) *CooperativeInvoker {
	return &CooperativeInvoker{ctrl: ctrl, eval: NewEvaluator(ctrl)}
}

func (i *CooperativeInvoker) Invoke(vmid int) {
	if i.ctrl.Broken() {
		return
	}
	i.queue = append(i.queue, vmid)
}

func (i *CooperativeInvoker) Run(ctx context.Context) error {
	var firstErr error
	for len(i.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		vmid := i.queue[0]
		i.queue = i.queue[1:]

		continuations, err := runMachine(i.ctrl, i.eval, vmid, i.Invoke)
		if err != nil {
			slog.Debug("machine failed", "vmid", vmid, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, c := range continuations {
			i.Invoke(c)
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if !i.ctrl.Stopped() {
		i.ctrl.MarkBroken(ErrDeadlock)
		return ErrDeadlock
	}
	return nil
}

// ThreadInvoker binds every machine to its own goroutine. The storage
// backend must provide real per-future and per-arec locks. Ordering between
// machines is only guaranteed across resolve -> continuation edges.
type ThreadInvoker struct {
	ctrl *Controller
	eval *Evaluator

	mu      sync.Mutex
	group   *errgroup.Group
	started bool
	pending []int
}

func NewThreadInvoker(ctrl *Controller) *ThreadInvoker {
	return &ThreadInvoker{ctrl: ctrl, eval: NewEvaluator(ctrl)}
}

// Invoke schedules a machine. Before Run the vmid is queued; afterwards it
// gets a goroutine immediately.
func (i *ThreadInvoker) Invoke(vmid int) {
	if i.ctrl.Broken() {
		return
	}
	i.mu.Lock()
	if !i.started {
		i.pending = append(i.pending, vmid)
		i.mu.Unlock()
		return
	}
	g := i.group
	i.mu.Unlock()
	g.Go(func() error {
		return i.runOne(vmid)
	})
}

func (i *ThreadInvoker) runOne(vmid int) error {
	continuations, err := runMachine(i.ctrl, i.eval, vmid, i.Invoke)
	if err != nil {
		return err
	}
	for _, c := range continuations {
		i.Invoke(c)
	}
	return nil
}

// Run waits until every scheduled goroutine has drained. Machines dormant on
// a future that nothing will resolve leave the session unstopped, which is
// reported as a deadlock.
func (i *ThreadInvoker) Run(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)

	i.mu.Lock()
	i.group = g
	i.started = true
	pending := i.pending
	i.pending = nil
	i.mu.Unlock()

	for _, vmid := range pending {
		v := vmid
		g.Go(func() error {
			return i.runOne(v)
		})
	}

	err := g.Wait()
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	if !i.ctrl.Stopped() {
		i.ctrl.MarkBroken(ErrDeadlock)
		return ErrDeadlock
	}
	return nil
}
