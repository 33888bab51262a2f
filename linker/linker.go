package linker

import (
	"fmt"

	"github.com/ternlang/tern/opcodes"
	"github.com/ternlang/tern/registry"
	"github.com/ternlang/tern/values"
)

// LinkErrorKind classifies linker failures.
type LinkErrorKind int

const (
	ErrMissingEntrypoint LinkErrorKind = iota
	ErrPreambleLength
)

// LinkError is raised synchronously during linking and prevents the
// controller from starting.
type LinkError struct {
	Kind    LinkErrorKind
	Message string
}

func (e *LinkError) Error() string {
	return "link error: " + e.Message
}

// preambleLength is the number of instructions reserved ahead of the first
// function body. The preamble is a single jump to the entry trampoline.
const preambleLength = 1

// Link lays the registered function bodies out into a single executable.
// Function locations are absolute instruction indices; the trampoline placed
// after all bodies pushes the entrypoint function pointer, calls it with
// numArgs arguments, waits on the result and returns. Given equal inputs the
// output is identical: the registry preserves definition order.
func Link(defs *registry.Registry, name, entrypointFn string, numArgs int) (*Executable, error) {
	if _, ok := defs.Lookup(entrypointFn); !ok {
		return nil, &LinkError{
			Kind:    ErrMissingEntrypoint,
			Message: fmt.Sprintf("entrypoint %s not found in definitions", entrypointFn),
		}
	}

	var defsCode []*opcodes.Instruction
	locations := make(map[string]int, defs.Len())

	for _, fnName := range defs.Names() {
		fn, _ := defs.Lookup(fnName)
		locations[fnName] = len(defsCode) + preambleLength
		defsCode = append(defsCode, fn.Instructions...)
	}

	// Relative target of the preamble jump: one past the last body.
	entrypoint := len(defsCode)
	preamble := []*opcodes.Instruction{opcodes.Jmp(entrypoint)}

	if len(preamble) != preambleLength {
		return nil, &LinkError{
			Kind:    ErrPreambleLength,
			Message: fmt.Sprintf("preamble length %d != %d", len(preamble), preambleLength),
		}
	}

	code := make([]*opcodes.Instruction, 0, preambleLength+len(defsCode)+4)
	code = append(code, preamble...)
	code = append(code, defsCode...)
	// Entry trampoline. The machine's initial stack holds the call arguments.
	code = append(code,
		opcodes.Push(values.NewFunction(entrypointFn)),
		opcodes.Call(numArgs),
		opcodes.Wait(0),
		opcodes.Return(),
	)

	return &Executable{Name: name, Locations: locations, Code: code}, nil
}
