package opcodes

import (
	"fmt"
	"strings"

	"github.com/ternlang/tern/values"
)

// Opcode represents a bytecode instruction type.
type Opcode byte

// Stack and arithmetic operations (0-19)
const (
	OP_NOP Opcode = iota // No operation

	OP_PUSH // PUSH value
	OP_POP  // Discard top of stack
	OP_DUP  // Duplicate top of stack

	// Basic arithmetic
	OP_ADD // a + b (string concatenation when both operands are strings)
	OP_SUB // a - b
	OP_MUL // a * b
	OP_DIV // a / b
	OP_MOD // a % b (integers only)

	// Comparison
	OP_IS_EQUAL   // a == b
	OP_IS_SMALLER // a < b
	OP_IS_GREATER // a > b
)

// Control flow (20-39)
const (
	OP_JMP  Opcode = iota + 20 // Relative jump
	OP_JMPZ                    // Pop condition, relative jump when falsy
)

// Calls, futures and machine lifecycle (40-59)
const (
	OP_CALL   Opcode = iota + 40 // CALL arity: pop function pointer, enter it
	OP_ASYNC                     // ASYNC arity: spawn a machine, push its future
	OP_RETURN                    // Pop the activation record, resume the caller
	OP_WAIT                      // WAIT slot: block until the future in slot resolves
)

// Environment operations (60-79)
const (
	OP_BIND   Opcode = iota + 60 // BIND name: pop a value into the current bindings
	OP_LOOKUP                    // LOOKUP name: push a value found on the dynamic chain
	OP_LIST                      // LIST n: pop n values, push them as a list
)

var opcodeNames = map[Opcode]string{
	OP_NOP:  "NOP",
	OP_PUSH: "PUSH",
	OP_POP:  "POP",
	OP_DUP:  "DUP",

	OP_ADD: "ADD",
	OP_SUB: "SUB",
	OP_MUL: "MUL",
	OP_DIV: "DIV",
	OP_MOD: "MOD",

	OP_IS_EQUAL:   "IS_EQUAL",
	OP_IS_SMALLER: "IS_SMALLER",
	OP_IS_GREATER: "IS_GREATER",

	OP_JMP:  "JMP",
	OP_JMPZ: "JMPZ",

	OP_CALL:   "CALL",
	OP_ASYNC:  "ASYNC",
	OP_RETURN: "RETURN",
	OP_WAIT:   "WAIT",

	OP_BIND:   "BIND",
	OP_LOOKUP: "LOOKUP",
	OP_LIST:   "LIST",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP(%d)", byte(op))
}

// Instruction is a single immutable bytecode instruction together with its
// operands.
type Instruction struct {
	Opcode   Opcode
	Operands []*values.Value
}

// NewInstruction constructs an instruction with the given operands.
func NewInstruction(op Opcode, operands ...*values.Value) *Instruction {
	return &Instruction{Opcode: op, Operands: operands}
}

// Constructor helpers used by frontends and the linker.

func Nop() *Instruction                    { return NewInstruction(OP_NOP) }
func Push(v *values.Value) *Instruction    { return NewInstruction(OP_PUSH, v) }
func Pop() *Instruction                    { return NewInstruction(OP_POP) }
func Dup() *Instruction                    { return NewInstruction(OP_DUP) }
func Add() *Instruction                    { return NewInstruction(OP_ADD) }
func Sub() *Instruction                    { return NewInstruction(OP_SUB) }
func Mul() *Instruction                    { return NewInstruction(OP_MUL) }
func Div() *Instruction                    { return NewInstruction(OP_DIV) }
func Mod() *Instruction                    { return NewInstruction(OP_MOD) }
func IsEqual() *Instruction                { return NewInstruction(OP_IS_EQUAL) }
func IsSmaller() *Instruction              { return NewInstruction(OP_IS_SMALLER) }
func IsGreater() *Instruction              { return NewInstruction(OP_IS_GREATER) }
func Jmp(offset int) *Instruction          { return NewInstruction(OP_JMP, values.NewInt(int64(offset))) }
func Jmpz(offset int) *Instruction         { return NewInstruction(OP_JMPZ, values.NewInt(int64(offset))) }
func Call(arity int) *Instruction          { return NewInstruction(OP_CALL, values.NewInt(int64(arity))) }
func Async(arity int) *Instruction         { return NewInstruction(OP_ASYNC, values.NewInt(int64(arity))) }
func Return() *Instruction                 { return NewInstruction(OP_RETURN) }
func Wait(slot int) *Instruction           { return NewInstruction(OP_WAIT, values.NewInt(int64(slot))) }
func Bind(name string) *Instruction        { return NewInstruction(OP_BIND, values.NewSymbol(name)) }
func Lookup(name string) *Instruction      { return NewInstruction(OP_LOOKUP, values.NewSymbol(name)) }
func List(n int) *Instruction              { return NewInstruction(OP_LIST, values.NewInt(int64(n))) }

// IntOperand returns operand i as an int. Used for arities, jump offsets and
// stack slots.
func (in *Instruction) IntOperand(i int) (int, error) {
	if i >= len(in.Operands) {
		return 0, fmt.Errorf("%s: missing operand %d", in.Opcode, i)
	}
	op := in.Operands[i]
	if !op.IsInt() {
		return 0, fmt.Errorf("%s: operand %d is %s, want int", in.Opcode, i, op.Type)
	}
	return int(op.Int()), nil
}

// NameOperand returns operand i as a symbol name.
func (in *Instruction) NameOperand(i int) (string, error) {
	if i >= len(in.Operands) {
		return "", fmt.Errorf("%s: missing operand %d", in.Opcode, i)
	}
	op := in.Operands[i]
	if !op.IsSymbol() {
		return "", fmt.Errorf("%s: operand %d is %s, want symbol", in.Opcode, i, op.Type)
	}
	return op.Sym(), nil
}

// String renders an instruction for listings and probe output.
func (in *Instruction) String() string {
	if len(in.Operands) == 0 {
		return in.Opcode.String()
	}
	parts := make([]string, len(in.Operands))
	for i, op := range in.Operands {
		parts[i] = op.ToString()
	}
	return in.Opcode.String() + " " + strings.Join(parts, " ")
}
