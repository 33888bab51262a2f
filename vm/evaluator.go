package vm

import (
	"fmt"

	"github.com/ternlang/tern/opcodes"
	"github.com/ternlang/tern/values"
)

// StepKind classifies the outcome of executing one instruction.
type StepKind int

const (
	// StepContinue: the instruction completed and the machine can keep
	// stepping.
	StepContinue StepKind = iota
	// StepWaiting: the machine suspended on an unresolved future; a
	// continuation has been registered and the IP still points at the wait
	// instruction.
	StepWaiting
	// StepSpawned: a child machine was created; the caller keeps running.
	StepSpawned
	// StepFinished: the machine's top frame returned; Value carries the
	// return value.
	StepFinished
)

// StepResult is what one evaluator step reports back to the invoker.
type StepResult struct {
	Kind  StepKind
	Value *values.Value
	Child int
}

// Evaluator executes one instruction at a time against a machine state. It
// performs no I/O, no locking and no scheduling decisions; every shared-state
// mutation goes through the controller.
type Evaluator struct {
	ctrl *Controller
}

func NewEvaluator(ctrl *Controller) *Evaluator {
	return &Evaluator{ctrl: ctrl}
}

// Step consumes exactly one instruction at st.IP. Errors are decorated with
// the failing instruction pointer and opcode.
func (e *Evaluator) Step(vmid int, st *State) (StepResult, error) {
	code := e.ctrl.Executable().Code
	if st.IP < 0 || st.IP >= len(code) {
		return StepResult{}, fmt.Errorf("instruction pointer %d out of range", st.IP)
	}
	inst := code[st.IP]
	e.ctrl.probe(vmid).Step()

	res, err := e.execute(vmid, st, inst)
	if err != nil {
		return StepResult{}, fmt.Errorf("vm error at ip=%d opcode=%s: %w", st.IP, inst.Opcode, err)
	}
	return res, nil
}

func (e *Evaluator) execute(vmid int, st *State, inst *opcodes.Instruction) (StepResult, error) {
	cont := StepResult{Kind: StepContinue}

	switch inst.Opcode {
	case opcodes.OP_NOP:
		st.IP++
		return cont, nil

	case opcodes.OP_PUSH:
		if len(inst.Operands) != 1 {
			return cont, fmt.Errorf("%w: PUSH needs one operand", ErrBadOperand)
		}
		st.Push(inst.Operands[0])
		st.IP++
		return cont, nil

	case opcodes.OP_POP:
		if _, err := st.Pop(); err != nil {
			return cont, err
		}
		st.IP++
		return cont, nil

	case opcodes.OP_DUP:
		v, err := st.Peek()
		if err != nil {
			return cont, err
		}
		st.Push(v)
		st.IP++
		return cont, nil

	case opcodes.OP_ADD, opcodes.OP_SUB, opcodes.OP_MUL, opcodes.OP_DIV, opcodes.OP_MOD:
		if err := e.execArithmetic(st, inst.Opcode); err != nil {
			return cont, err
		}
		st.IP++
		return cont, nil

	case opcodes.OP_IS_EQUAL, opcodes.OP_IS_SMALLER, opcodes.OP_IS_GREATER:
		if err := e.execComparison(st, inst.Opcode); err != nil {
			return cont, err
		}
		st.IP++
		return cont, nil

	case opcodes.OP_JMP:
		offset, err := inst.IntOperand(0)
		if err != nil {
			return cont, err
		}
		st.IP += 1 + offset
		return cont, nil

	case opcodes.OP_JMPZ:
		offset, err := inst.IntOperand(0)
		if err != nil {
			return cont, err
		}
		v, err := st.Pop()
		if err != nil {
			return cont, err
		}
		if v.ToBool() {
			st.IP++
		} else {
			st.IP += 1 + offset
		}
		return cont, nil

	case opcodes.OP_CALL:
		return e.execCall(vmid, st, inst)

	case opcodes.OP_ASYNC:
		return e.execAsync(vmid, st, inst)

	case opcodes.OP_RETURN:
		return e.execReturn(vmid, st)

	case opcodes.OP_WAIT:
		return e.execWait(vmid, st, inst)

	case opcodes.OP_BIND:
		name, err := inst.NameOperand(0)
		if err != nil {
			return cont, err
		}
		v, err := st.Pop()
		if err != nil {
			return cont, err
		}
		if err := e.ctrl.Bind(st.CurrentArec, name, v); err != nil {
			return cont, err
		}
		st.IP++
		return cont, nil

	case opcodes.OP_LOOKUP:
		name, err := inst.NameOperand(0)
		if err != nil {
			return cont, err
		}
		v, err := e.ctrl.LookupVar(st.CurrentArec, name)
		if err != nil {
			return cont, err
		}
		st.Push(v)
		st.IP++
		return cont, nil

	case opcodes.OP_LIST:
		n, err := inst.IntOperand(0)
		if err != nil {
			return cont, err
		}
		items, err := e.popN(st, n)
		if err != nil {
			return cont, err
		}
		st.Push(values.NewList(items...))
		st.IP++
		return cont, nil

	default:
		return cont, fmt.Errorf("opcode %s not implemented", inst.Opcode)
	}
}

// execCall pops the function pointer and enters the function on this
// machine. The arguments stay on the operand stack for the callee's bind
// instructions.
func (e *Evaluator) execCall(vmid int, st *State, inst *opcodes.Instruction) (StepResult, error) {
	cont := StepResult{Kind: StepContinue}
	arity, err := inst.IntOperand(0)
	if err != nil {
		return cont, err
	}
	fn, err := st.Pop()
	if err != nil {
		return cont, err
	}
	if !fn.IsFunction() {
		return cont, fmt.Errorf("%w: call of %s", ErrBadOperand, fn)
	}
	loc, ok := e.ctrl.Executable().Location(fn.FunctionName())
	if !ok {
		return cont, fmt.Errorf("%w: %s", ErrUnknownFunction, fn.FunctionName())
	}
	if st.Depth() < arity {
		return cont, fmt.Errorf("%w: call %s/%d with %d values", ErrStackUnderflow, fn.FunctionName(), arity, st.Depth())
	}

	rec := newActivationRecord(fn.FunctionName(), st.CurrentArec, vmid, st.IP)
	ptr, err := e.ctrl.PushArec(rec)
	if err != nil {
		return cont, err
	}
	st.CurrentArec = ptr
	st.IP = loc
	return cont, nil
}

// execAsync pops the function pointer and its arguments, creates a child
// machine seeded with the arguments, and pushes the child's future pointer.
func (e *Evaluator) execAsync(vmid int, st *State, inst *opcodes.Instruction) (StepResult, error) {
	cont := StepResult{Kind: StepContinue}
	arity, err := inst.IntOperand(0)
	if err != nil {
		return cont, err
	}
	fn, err := st.Pop()
	if err != nil {
		return cont, err
	}
	if !fn.IsFunction() {
		return cont, fmt.Errorf("%w: async call of %s", ErrBadOperand, fn)
	}
	args, err := e.popN(st, arity)
	if err != nil {
		return cont, err
	}

	child, err := e.ctrl.ThreadMachine(st.CurrentArec, st.IP+1, fn, args)
	if err != nil {
		return cont, err
	}
	st.Push(values.NewFuture(child))
	st.IP++
	e.ctrl.probe(vmid).Log("spawned machine %d at %s", child, fn.FunctionName())
	return StepResult{Kind: StepSpawned, Child: child}, nil
}

// execReturn pops the current activation record. With a same-machine caller
// the machine resumes after the call site with the return value left on the
// stack; otherwise (top-level trampoline or the root frame of a spawned
// machine) the machine finishes with the top of stack.
func (e *Evaluator) execReturn(vmid int, st *State) (StepResult, error) {
	cont := StepResult{Kind: StepContinue}
	rec, err := e.ctrl.GetArec(st.CurrentArec)
	if err != nil {
		return cont, err
	}

	sameMachineCaller := false
	if rec.CallSite != CallSiteNone && rec.DynamicChain != ArecNone {
		parent, err := e.ctrl.GetArec(rec.DynamicChain)
		if err != nil {
			return cont, err
		}
		sameMachineCaller = parent.VMID == vmid
	}

	if !sameMachineCaller {
		value, err := st.Peek()
		if err != nil {
			return cont, err
		}
		if _, err := e.ctrl.PopArec(st.CurrentArec); err != nil {
			return cont, err
		}
		st.CurrentArec = ArecNone
		return StepResult{Kind: StepFinished, Value: value}, nil
	}

	if _, err := e.ctrl.PopArec(st.CurrentArec); err != nil {
		return cont, err
	}
	st.CurrentArec = rec.DynamicChain
	st.IP = rec.CallSite + 1
	return cont, nil
}

// execWait inspects the given stack slot. A non-future is left untouched; a
// resolved future is replaced by its value; an unresolved one suspends the
// machine after registering a continuation, leaving the IP at the wait so
// the instruction re-runs on wakeup.
func (e *Evaluator) execWait(vmid int, st *State, inst *opcodes.Instruction) (StepResult, error) {
	cont := StepResult{Kind: StepContinue}
	slot, err := inst.IntOperand(0)
	if err != nil {
		return cont, err
	}
	v, err := st.Slot(slot)
	if err != nil {
		return cont, err
	}
	if !v.IsFuture() {
		st.IP++
		return cont, nil
	}

	// Persist the suspension point before registering the continuation: a
	// resolver on another execution unit may reschedule this machine the
	// instant the continuation is visible.
	if err := e.ctrl.SaveState(vmid, st); err != nil {
		return cont, err
	}
	resolved, value, err := e.ctrl.GetOrWait(vmid, v)
	if err != nil {
		return cont, err
	}
	if !resolved {
		return StepResult{Kind: StepWaiting}, nil
	}
	if err := st.SetSlot(slot, value); err != nil {
		return cont, err
	}
	st.IP++
	return cont, nil
}

func (e *Evaluator) execArithmetic(st *State, op opcodes.Opcode) error {
	b, err := st.Pop()
	if err != nil {
		return err
	}
	a, err := st.Pop()
	if err != nil {
		return err
	}

	if op == opcodes.OP_ADD && a.IsString() && b.IsString() {
		st.Push(values.NewString(a.Str() + b.Str()))
		return nil
	}
	if !a.IsNumeric() || !b.IsNumeric() {
		return fmt.Errorf("%w: %s %s %s", ErrBadOperand, a.Type, op, b.Type)
	}

	if a.IsInt() && b.IsInt() {
		x, y := a.Int(), b.Int()
		switch op {
		case opcodes.OP_ADD:
			st.Push(values.NewInt(x + y))
		case opcodes.OP_SUB:
			st.Push(values.NewInt(x - y))
		case opcodes.OP_MUL:
			st.Push(values.NewInt(x * y))
		case opcodes.OP_DIV:
			if y == 0 {
				return ErrDivisionByZero
			}
			st.Push(values.NewInt(x / y))
		case opcodes.OP_MOD:
			if y == 0 {
				return ErrDivisionByZero
			}
			st.Push(values.NewInt(x % y))
		}
		return nil
	}

	x, y := a.ToFloat(), b.ToFloat()
	switch op {
	case opcodes.OP_ADD:
		st.Push(values.NewFloat(x + y))
	case opcodes.OP_SUB:
		st.Push(values.NewFloat(x - y))
	case opcodes.OP_MUL:
		st.Push(values.NewFloat(x * y))
	case opcodes.OP_DIV:
		if y == 0 {
			return ErrDivisionByZero
		}
		st.Push(values.NewFloat(x / y))
	case opcodes.OP_MOD:
		return fmt.Errorf("%w: MOD on floats", ErrBadOperand)
	}
	return nil
}

func (e *Evaluator) execComparison(st *State, op opcodes.Opcode) error {
	b, err := st.Pop()
	if err != nil {
		return err
	}
	a, err := st.Pop()
	if err != nil {
		return err
	}

	switch op {
	case opcodes.OP_IS_EQUAL:
		st.Push(values.NewBool(a.Equal(b)))
		return nil
	case opcodes.OP_IS_SMALLER, opcodes.OP_IS_GREATER:
		var less bool
		switch {
		case a.IsNumeric() && b.IsNumeric():
			less = a.ToFloat() < b.ToFloat()
		case a.IsString() && b.IsString():
			less = a.Str() < b.Str()
		default:
			return fmt.Errorf("%w: %s %s %s", ErrBadOperand, a.Type, op, b.Type)
		}
		if op == opcodes.OP_IS_SMALLER {
			st.Push(values.NewBool(less))
		} else {
			st.Push(values.NewBool(!less && !a.Equal(b)))
		}
		return nil
	}
	return fmt.Errorf("opcode %s not implemented", op)
}

// popN pops n values and returns them in push order (deepest first).
func (e *Evaluator) popN(st *State, n int) ([]*values.Value, error) {
	if st.Depth() < n {
		return nil, fmt.Errorf("%w: need %d values, have %d", ErrStackUnderflow, n, st.Depth())
	}
	out := make([]*values.Value, n)
	for i := n - 1; i >= 0; i-- {
		v, err := st.Pop()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
