package registry

import (
	"fmt"

	"github.com/ternlang/tern/opcodes"
)

// Function is a compiled function as emitted by a frontend: a name, the
// number of arguments its body pops, and its instruction list.
type Function struct {
	Name         string
	Arity        int
	Instructions []*opcodes.Instruction
}

// Registry is the ordered mapping from function name to compiled body that
// the linker consumes. Definition order is preserved so that linking is
// reproducible.
type Registry struct {
	names []string
	funcs map[string]*Function
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]*Function)}
}

// Define registers a compiled function. Redefining a name is an error.
func (r *Registry) Define(fn *Function) error {
	if fn == nil || fn.Name == "" {
		return fmt.Errorf("cannot define unnamed function")
	}
	if _, exists := r.funcs[fn.Name]; exists {
		return fmt.Errorf("function %s already defined", fn.Name)
	}
	r.names = append(r.names, fn.Name)
	r.funcs[fn.Name] = fn
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (*Function, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered function names in definition order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Registry) Len() int {
	return len(r.names)
}
