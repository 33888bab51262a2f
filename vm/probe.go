package vm

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ProbeEvent is one observation in a machine's event stream.
type ProbeEvent struct {
	Time  time.Duration
	Event string
}

// Probe is the append-only per-machine log of steps, spawns, waits and
// resolutions. It is opaque to the evaluator and consumed only by
// diagnostics.
type Probe struct {
	mu     sync.Mutex
	start  time.Time
	steps  int
	events []ProbeEvent
}

func NewProbe() *Probe {
	return &Probe{start: time.Now()}
}

// Step counts one executed instruction.
func (p *Probe) Step() {
	p.mu.Lock()
	p.steps++
	p.mu.Unlock()
}

// Log appends a formatted event.
func (p *Probe) Log(format string, args ...interface{}) {
	p.mu.Lock()
	p.events = append(p.events, ProbeEvent{
		Time:  time.Since(p.start),
		Event: fmt.Sprintf(format, args...),
	})
	p.mu.Unlock()
}

// Steps returns the number of instructions executed so far.
func (p *Probe) Steps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steps
}

// Events returns a copy of the recorded events.
func (p *Probe) Events() []ProbeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProbeEvent, len(p.events))
	copy(out, p.events)
	return out
}

// String renders the event stream, one event per line.
func (p *Probe) String() string {
	var b strings.Builder
	for _, ev := range p.Events() {
		fmt.Fprintf(&b, "%12s  %s\n", ev.Time, ev.Event)
	}
	return b.String()
}
