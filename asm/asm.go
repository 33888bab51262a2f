// Package asm reads textual programs into the registry the linker consumes.
// The format is line oriented: a "func NAME ARITY" header opens a function
// and every following line is one instruction until the next header.
// Semicolons start comments.
package asm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ternlang/tern/opcodes"
	"github.com/ternlang/tern/registry"
	"github.com/ternlang/tern/values"
)

// ParseError reports a syntax error with its line number.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

func errorf(line int, format string, args ...interface{}) *ParseError {
	return &ParseError{Line: line, Message: fmt.Sprintf(format, args...)}
}

// ParseProgram parses a whole program into a registry, preserving function
// definition order.
func ParseProgram(src string) (*registry.Registry, error) {
	defs := registry.NewRegistry()
	var current *registry.Function

	for lineno, raw := range strings.Split(src, "\n") {
		line := raw
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if fields[0] == "func" {
			if len(fields) != 3 {
				return nil, errorf(lineno+1, "func wants a name and an arity")
			}
			arity, err := strconv.Atoi(fields[2])
			if err != nil || arity < 0 {
				return nil, errorf(lineno+1, "bad arity %q", fields[2])
			}
			current = &registry.Function{Name: fields[1], Arity: arity}
			if err := defs.Define(current); err != nil {
				return nil, errorf(lineno+1, "%v", err)
			}
			continue
		}

		if current == nil {
			return nil, errorf(lineno+1, "instruction outside a function")
		}
		inst, err := parseInstruction(lineno+1, fields)
		if err != nil {
			return nil, err
		}
		current.Instructions = append(current.Instructions, inst)
	}

	if defs.Len() == 0 {
		return nil, errorf(1, "no functions defined")
	}
	return defs, nil
}

func parseInstruction(lineno int, fields []string) (*opcodes.Instruction, error) {
	mnemonic := strings.ToLower(fields[0])
	argc := len(fields) - 1

	switch mnemonic {
	case "nop", "pop", "dup", "add", "sub", "mul", "div", "mod", "eq", "lt", "gt", "return":
		if argc != 0 {
			return nil, errorf(lineno, "%s takes no operand", mnemonic)
		}
		switch mnemonic {
		case "nop":
			return opcodes.Nop(), nil
		case "pop":
			return opcodes.Pop(), nil
		case "dup":
			return opcodes.Dup(), nil
		case "add":
			return opcodes.Add(), nil
		case "sub":
			return opcodes.Sub(), nil
		case "mul":
			return opcodes.Mul(), nil
		case "div":
			return opcodes.Div(), nil
		case "mod":
			return opcodes.Mod(), nil
		case "eq":
			return opcodes.IsEqual(), nil
		case "lt":
			return opcodes.IsSmaller(), nil
		case "gt":
			return opcodes.IsGreater(), nil
		default:
			return opcodes.Return(), nil
		}

	case "push":
		if argc == 0 {
			return nil, errorf(lineno, "push wants a literal")
		}
		lit, err := ParseLiteral(strings.Join(fields[1:], " "))
		if err != nil {
			return nil, errorf(lineno, "%v", err)
		}
		return opcodes.Push(lit), nil

	case "jmp", "jmpz", "call", "async", "wait", "list":
		if argc != 1 {
			return nil, errorf(lineno, "%s wants one integer operand", mnemonic)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errorf(lineno, "bad operand %q", fields[1])
		}
		switch mnemonic {
		case "jmp":
			return opcodes.Jmp(n), nil
		case "jmpz":
			return opcodes.Jmpz(n), nil
		case "call":
			return opcodes.Call(n), nil
		case "async":
			return opcodes.Async(n), nil
		case "wait":
			return opcodes.Wait(n), nil
		default:
			return opcodes.List(n), nil
		}

	case "bind", "lookup":
		if argc != 1 {
			return nil, errorf(lineno, "%s wants a name", mnemonic)
		}
		if mnemonic == "bind" {
			return opcodes.Bind(fields[1]), nil
		}
		return opcodes.Lookup(fields[1]), nil

	default:
		return nil, errorf(lineno, "unknown mnemonic %q", fields[0])
	}
}

// ParseLiteral reads one literal: null, true, false, integers, floats,
// double-quoted strings, &name function pointers, or a bare symbol. The CLI
// uses it for command-line arguments too.
func ParseLiteral(s string) (*values.Value, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, fmt.Errorf("empty literal")
	case s == "null":
		return values.NewNull(), nil
	case s == "true":
		return values.NewBool(true), nil
	case s == "false":
		return values.NewBool(false), nil
	case strings.HasPrefix(s, "&"):
		name := s[1:]
		if name == "" {
			return nil, fmt.Errorf("empty function name")
		}
		return values.NewFunction(name), nil
	case strings.HasPrefix(s, `"`):
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("bad string literal %s", s)
		}
		return values.NewString(unquoted), nil
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return values.NewInt(i), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return values.NewFloat(f), nil
	}
	return values.NewSymbol(s), nil
}
