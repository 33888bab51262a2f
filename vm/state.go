package vm

import (
	"fmt"

	"github.com/ternlang/tern/values"
)

// State is the mutable per-machine execution state: the operand stack, the
// instruction pointer and the current activation record. It is created when
// the machine starts and destroyed when the machine stops.
type State struct {
	Stack       []*values.Value `json:"stack"`
	IP          int             `json:"ip"`
	CurrentArec ArecPtr         `json:"current_arec"`
}

// NewState creates a machine state whose stack is seeded with the call
// arguments, first argument deepest.
func NewState(args []*values.Value) *State {
	stack := make([]*values.Value, len(args))
	copy(stack, args)
	return &State{Stack: stack, CurrentArec: ArecNone}
}

func (s *State) Push(v *values.Value) {
	s.Stack = append(s.Stack, v)
}

func (s *State) Pop() (*values.Value, error) {
	if len(s.Stack) == 0 {
		return nil, ErrStackUnderflow
	}
	v := s.Stack[len(s.Stack)-1]
	s.Stack = s.Stack[:len(s.Stack)-1]
	return v, nil
}

func (s *State) Peek() (*values.Value, error) {
	if len(s.Stack) == 0 {
		return nil, ErrStackUnderflow
	}
	return s.Stack[len(s.Stack)-1], nil
}

// Slot returns the value k positions below the top of the stack; slot 0 is
// the top.
func (s *State) Slot(k int) (*values.Value, error) {
	idx := len(s.Stack) - 1 - k
	if idx < 0 {
		return nil, fmt.Errorf("%w: slot %d of %d", ErrStackUnderflow, k, len(s.Stack))
	}
	return s.Stack[idx], nil
}

// SetSlot replaces the value k positions below the top of the stack.
func (s *State) SetSlot(k int, v *values.Value) error {
	idx := len(s.Stack) - 1 - k
	if idx < 0 {
		return fmt.Errorf("%w: slot %d of %d", ErrStackUnderflow, k, len(s.Stack))
	}
	s.Stack[idx] = v
	return nil
}

func (s *State) Depth() int {
	return len(s.Stack)
}
