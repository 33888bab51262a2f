package vm

import "errors"

// Evaluator-local runtime errors. These abort the current step; the invoker
// stops the failing machine and marks the session broken.
var (
	ErrStackUnderflow  = errors.New("stack underflow")
	ErrUnknownFunction = errors.New("unknown function pointer")
	ErrDivisionByZero  = errors.New("division by zero")
	ErrUnboundVariable = errors.New("unbound variable")
	ErrBadOperand      = errors.New("bad operand type")
)

// Controller invariant violations. All fatal: they abort the session.
var (
	ErrDoubleResolve     = errors.New("future already resolved")
	ErrFutureChained     = errors.New("future already chained")
	ErrResolveWithFuture = errors.New("cannot resolve a future with a future value")
	ErrDanglingArec      = errors.New("dangling activation record pointer")
	ErrRefCountUnderflow = errors.New("activation record ref count underflow")
	ErrNoSuchMachine     = errors.New("no such machine")
)

// ErrDeadlock is reported by an invoker when no machine is runnable but the
// session has not stopped: some machine waits on a future nothing will
// resolve.
var ErrDeadlock = errors.New("deadlock: dormant machines remain but no work is runnable")
