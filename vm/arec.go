package vm

import (
	"github.com/ternlang/tern/values"
)

// ArecPtr is a stable opaque pointer into the controller-owned activation
// record arena.
type ArecPtr int

// ArecNone marks the absence of a dynamic chain link (top-level records).
const ArecNone ArecPtr = -1

// CallSiteNone marks a record with no caller instruction: the root record of
// a top-level machine. The root of a spawned machine records the spawning
// instruction of its parent as its call site.
const CallSiteNone = -1

// ActivationRecord is a per-invocation frame. DynamicChain points at the
// caller's record and forms the environment lookup path; RefCount is one for
// the record's own frame (released when the frame is popped) plus one for
// every record whose dynamic chain points at it.
type ActivationRecord struct {
	Function     string                   `json:"function"`
	DynamicChain ArecPtr                  `json:"dynamic_chain"`
	VMID         int                      `json:"vmid"`
	CallSite     int                      `json:"call_site"`
	Bindings     map[string]*values.Value `json:"bindings"`
	RefCount     int                      `json:"ref_count"`
}

func newActivationRecord(function string, chain ArecPtr, vmid, callSite int) *ActivationRecord {
	return &ActivationRecord{
		Function:     function,
		DynamicChain: chain,
		VMID:         vmid,
		CallSite:     callSite,
		Bindings:     make(map[string]*values.Value),
		RefCount:     1,
	}
}
