package vm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternlang/tern/values"
)

// MemoryStorage keeps the whole session in process memory. With locking
// enabled every arec and future carries its own mutex, which is what the
// parallel invoker requires; the cooperative invoker runs on a single
// execution unit and uses the unlocked variant, whose scoped locks are
// no-ops.
type MemoryStorage struct {
	locking bool

	mu          sync.Mutex
	nextVmid    int
	nextArec    ArecPtr
	topLevel    map[int]bool
	stopped     map[int]bool
	arecs       map[ArecPtr]*ActivationRecord
	states      map[int]*State
	futures     map[int]*Future
	arecLocks   map[ArecPtr]*sync.Mutex
	futureLocks map[int]*sync.Mutex

	result   *values.Value
	hasResult bool
	broken   bool
	finished bool
}

// NewMemoryStorage creates an in-memory backend with per-entry locking, for
// use with the parallel invoker.
func NewMemoryStorage() *MemoryStorage {
	st := newMemoryStorage()
	st.locking = true
	return st
}

// NewUnlockedMemoryStorage creates an in-memory backend whose scoped locks
// are no-ops, for the single-threaded cooperative invoker.
func NewUnlockedMemoryStorage() *MemoryStorage {
	return newMemoryStorage()
}

func newMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		topLevel:    make(map[int]bool),
		stopped:     make(map[int]bool),
		arecs:       make(map[ArecPtr]*ActivationRecord),
		states:      make(map[int]*State),
		futures:     make(map[int]*Future),
		arecLocks:   make(map[ArecPtr]*sync.Mutex),
		futureLocks: make(map[int]*sync.Mutex),
	}
}

func (m *MemoryStorage) NewThread(topLevel bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vmid := m.nextVmid
	m.nextVmid++
	m.topLevel[vmid] = topLevel
	m.stopped[vmid] = false
	m.futureLocks[vmid] = &sync.Mutex{}
	return vmid, nil
}

func (m *MemoryStorage) IsTopLevel(vmid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topLevel[vmid]
}

func (m *MemoryStorage) NewArec() (ArecPtr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ptr := m.nextArec
	m.nextArec++
	m.arecLocks[ptr] = &sync.Mutex{}
	return ptr, nil
}

func (m *MemoryStorage) GetArec(ptr ArecPtr) (*ActivationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.arecs[ptr]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDanglingArec, ptr)
	}
	return rec, nil
}

func (m *MemoryStorage) SetArec(ptr ArecPtr, rec *ActivationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arecs[ptr] = rec
	return nil
}

func (m *MemoryStorage) DeleteArec(ptr ArecPtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.arecs[ptr]; !ok {
		return fmt.Errorf("%w: %d", ErrDanglingArec, ptr)
	}
	delete(m.arecs, ptr)
	return nil
}

func (m *MemoryStorage) IncrementRef(ptr ArecPtr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.arecs[ptr]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrDanglingArec, ptr)
	}
	rec.RefCount++
	return rec.RefCount, nil
}

func (m *MemoryStorage) DecrementRef(ptr ArecPtr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.arecs[ptr]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrDanglingArec, ptr)
	}
	if rec.RefCount == 0 {
		return 0, fmt.Errorf("%w: %d", ErrRefCountUnderflow, ptr)
	}
	rec.RefCount--
	return rec.RefCount, nil
}

func (m *MemoryStorage) LiveArecs() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.arecs), nil
}

func (m *MemoryStorage) GetState(vmid int) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[vmid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchMachine, vmid)
	}
	return st, nil
}

func (m *MemoryStorage) SetState(vmid int, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[vmid] = st
	return nil
}

func (m *MemoryStorage) DeleteState(vmid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, vmid)
	return nil
}

func (m *MemoryStorage) GetFuture(vmid int) (*Future, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fut, ok := m.futures[vmid]
	if !ok {
		return nil, fmt.Errorf("%w: no future for %d", ErrNoSuchMachine, vmid)
	}
	return fut, nil
}

func (m *MemoryStorage) SetFuture(vmid int, fut *Future) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.futures[vmid] = fut
	return nil
}

func (m *MemoryStorage) AddContinuation(vmid, waiter int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fut, ok := m.futures[vmid]
	if !ok {
		return fmt.Errorf("%w: no future for %d", ErrNoSuchMachine, vmid)
	}
	fut.Continuations = append(fut.Continuations, waiter)
	return nil
}

func (m *MemoryStorage) LockArec(ptr ArecPtr) func() {
	if !m.locking {
		return func() {}
	}
	m.mu.Lock()
	lock, ok := m.arecLocks[ptr]
	if !ok {
		lock = &sync.Mutex{}
		m.arecLocks[ptr] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (m *MemoryStorage) LockFuture(vmid int) func() {
	if !m.locking {
		return func() {}
	}
	m.mu.Lock()
	lock, ok := m.futureLocks[vmid]
	if !ok {
		lock = &sync.Mutex{}
		m.futureLocks[vmid] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (m *MemoryStorage) SetStopped(vmid int, stopped bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stopped[vmid]; !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchMachine, vmid)
	}
	m.stopped[vmid] = stopped
	return nil
}

func (m *MemoryStorage) AllStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stopped := range m.stopped {
		if !stopped {
			return false
		}
	}
	return true
}

func (m *MemoryStorage) Machines() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.stopped))
	for vmid := range m.stopped {
		out = append(out, vmid)
	}
	sort.Ints(out)
	return out
}

func (m *MemoryStorage) SetResult(v *values.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = v
	m.hasResult = true
	return nil
}

func (m *MemoryStorage) Result() (*values.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, m.hasResult
}

func (m *MemoryStorage) SetBroken() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken = true
	return nil
}

func (m *MemoryStorage) Broken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broken
}

func (m *MemoryStorage) SetFinished() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = true
	return nil
}

func (m *MemoryStorage) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

func (m *MemoryStorage) Close() error {
	return nil
}
