package linker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternlang/tern/opcodes"
)

// Executable is the linker's output: an immutable code vector plus the table
// of absolute function locations. Instruction 0 is always the preamble jump
// into the entry trampoline at the tail of Code.
type Executable struct {
	Name      string
	Locations map[string]int
	Code      []*opcodes.Instruction
}

// Location returns the absolute instruction index of a linked function.
func (e *Executable) Location(fn string) (int, bool) {
	loc, ok := e.Locations[fn]
	return loc, ok
}

// Listing renders a human-readable disassembly: one line per instruction
// followed by the locations table.
func (e *Executable) Listing() string {
	var b strings.Builder
	if e.Name != "" {
		fmt.Fprintf(&b, "; executable %s\n", e.Name)
	}
	for i, inst := range e.Code {
		fmt.Fprintf(&b, "%5d  %s\n", i, inst)
	}

	names := make([]string, 0, len(e.Locations))
	for name := range e.Locations {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString(";\n; locations:\n")
	for _, name := range names {
		fmt.Fprintf(&b, ";   %s -> %d\n", name, e.Locations[name])
	}
	return b.String()
}
