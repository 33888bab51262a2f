package vmfactory

import (
	"context"
	"fmt"

	"github.com/ternlang/tern/linker"
	"github.com/ternlang/tern/values"
	"github.com/ternlang/tern/vm"
)

// Backend selects where session state lives.
type Backend string

const (
	// BackendMemory keeps the session in process memory.
	BackendMemory Backend = "memory"
	// BackendSQLite persists the session to a SQLite database.
	BackendSQLite Backend = "sqlite"
)

// Options configure a session runtime.
type Options struct {
	// Backend selects the storage backend. Defaults to BackendMemory.
	Backend Backend
	// DSN is the SQLite data source (file path or ":memory:"). Only used
	// with BackendSQLite.
	DSN string
	// Parallel binds each machine to its own goroutine instead of the
	// single-threaded cooperative scheduler.
	Parallel bool
}

// Runtime is a ready-to-run session: a controller over a linked executable
// plus the selected invoker.
type Runtime struct {
	Controller *vm.Controller
	store      vm.Storage
	parallel   bool
}

// New wires a storage backend and a scheduling strategy around a linked
// executable.
func New(exe *linker.Executable, opts Options) (*Runtime, error) {
	var store vm.Storage
	switch opts.Backend {
	case BackendSQLite:
		dsn := opts.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		s, err := vm.NewSQLiteStorage(dsn)
		if err != nil {
			return nil, err
		}
		store = s
	case BackendMemory, "":
		if opts.Parallel {
			store = vm.NewMemoryStorage()
		} else {
			store = vm.NewUnlockedMemoryStorage()
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}

	return &Runtime{
		Controller: vm.NewController(exe, store),
		store:      store,
		parallel:   opts.Parallel,
	}, nil
}

// Call seeds a top-level machine at the named function, runs the invoker to
// completion and returns the top-level result. A broken session reports an
// error naming the failure.
func (r *Runtime) Call(ctx context.Context, fn string, args []*values.Value) (*values.Value, error) {
	vmid, err := r.Controller.ToplevelMachine(values.NewFunction(fn), args)
	if err != nil {
		return nil, err
	}

	var inv vm.Invoker
	if r.parallel {
		inv = vm.NewThreadInvoker(r.Controller)
	} else {
		inv = vm.NewCooperativeInvoker(r.Controller)
	}
	inv.Invoke(vmid)

	runErr := inv.Run(ctx)
	if r.Controller.Broken() {
		if runErr != nil {
			return nil, fmt.Errorf("session broken: %w", runErr)
		}
		return nil, fmt.Errorf("session broken")
	}
	if runErr != nil {
		return nil, runErr
	}

	result, ok := r.Controller.Result()
	if !ok {
		return nil, fmt.Errorf("session stopped without a result")
	}
	return result, nil
}

// Close releases the storage backend.
func (r *Runtime) Close() error {
	return r.store.Close()
}
