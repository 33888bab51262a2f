package vm

import (
	"github.com/ternlang/tern/values"
)

// Storage is the backend the controller runs against. Two implementations
// are provided: an in-process arena (plain containers, optionally without
// locking for the cooperative scheduler) and a durable SQLite-backed variant
// that persists the whole session.
//
// Get methods return records the caller may mutate; a mutation is made
// visible by writing the record back with the corresponding Set while holding
// the entry's lock. The in-memory backend shares pointers so the write-back
// is a no-op there, but the controller always performs it so durable
// backends observe every mutation.
type Storage interface {
	// NewThread allocates a fresh vmid. Allocation is monotonic per session.
	NewThread(topLevel bool) (int, error)
	IsTopLevel(vmid int) bool

	// Activation record arena.
	NewArec() (ArecPtr, error)
	GetArec(ptr ArecPtr) (*ActivationRecord, error)
	SetArec(ptr ArecPtr, rec *ActivationRecord) error
	DeleteArec(ptr ArecPtr) error
	IncrementRef(ptr ArecPtr) (int, error)
	DecrementRef(ptr ArecPtr) (int, error)
	LiveArecs() (int, error)

	// Per-machine state.
	GetState(vmid int) (*State, error)
	SetState(vmid int, st *State) error
	DeleteState(vmid int) error

	// Future table.
	GetFuture(vmid int) (*Future, error)
	SetFuture(vmid int, fut *Future) error
	AddContinuation(vmid, waiter int) error

	// Scoped locks. The returned function releases the lock. Cooperative
	// single-threaded backends may return no-ops.
	LockArec(ptr ArecPtr) func()
	LockFuture(vmid int) func()

	// Machine lifecycle flags.
	SetStopped(vmid int, stopped bool) error
	AllStopped() bool
	Machines() []int

	// Session-level flags.
	SetResult(v *values.Value) error
	Result() (*values.Value, bool)
	SetBroken() error
	Broken() bool
	SetFinished() error
	Finished() bool

	Close() error
}
