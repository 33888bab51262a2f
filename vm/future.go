package vm

import (
	"github.com/ternlang/tern/values"
)

// ChainNone marks a future that is not chained to another machine's future.
const ChainNone = -1

// Future is the single-assignment cell holding a machine's eventual return
// value. Continuations are the vmids waiting on it; Chain, when set, names
// the vmid whose future must be resolved with the same value once this one
// resolves. A future transitions resolved=false -> true exactly once.
type Future struct {
	Resolved      bool          `json:"resolved"`
	Value         *values.Value `json:"value"`
	Continuations []int         `json:"continuations"`
	Chain         int           `json:"chain"`
}

func NewFuture() *Future {
	return &Future{Chain: ChainNone}
}
