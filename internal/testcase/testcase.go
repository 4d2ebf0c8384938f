// Package testcase defines the fuzzer's core data model: a TestCase moving
// through the NEW → GENERATED → DISPATCHED → AWAITING → COMPLETE →
// {PASSED,FAILED} state machine described in spec.md §4 and §3.
package testcase

import (
	"fmt"
	"sync/atomic"

	"github.com/willf/bitset"
)

// State is one node of the per-TestCase state machine from spec.md §4.
type State int

const (
	StateNew State = iota
	StateGenerated
	StateDispatched
	StateAwaiting
	StateComplete
	StatePassed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateGenerated:
		return "GENERATED"
	case StateDispatched:
		return "DISPATCHED"
	case StateAwaiting:
		return "AWAITING"
	case StateComplete:
		return "COMPLETE"
	case StatePassed:
		return "PASSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ProcHandle pairs a runner's opaque handle (interface{} to avoid an import
// cycle with internal/runner) with the client name that owns it, mirroring
// the source's `procs` list of (proc_info, client_name) tuples.
type ProcHandle struct {
	Handle     interface{}
	ClientName string
}

// counter is the process-wide monotonic id source backing the
// "<host-tag>-<counter>" format spec.md §3 requires.
var counter uint64

// NextCounter returns the next value in the process-wide monotonically
// incrementing sequence used to build TestCase ids.
func NextCounter() uint64 {
	return atomic.AddUint64(&counter, 1) - 1
}

// TestCase is the mutable-but-append-only record of one generated state
// test as it moves through generation, dispatch, trace collection and
// archival/discard. Fields other than Traces/TraceFiles/Artifacts/Procs/
// NumProcs/SocketEvents/SocketData/State are immutable after New.
type TestCase struct {
	ID       string
	Filename string
	Payload  map[string]interface{}

	Traces    map[string][]string // client name -> canonical step lines
	TraceFiles []string
	Artifacts  []string
	Procs      []ProcHandle
	NumProcs   int

	// SocketEvents accumulates every completion-event flag observed across
	// this test's runners (spec.md §9's "Replacing ... dynamic attribute
	// stashing"), in place of the source's string-concatenated socketEvent.
	SocketEvents *bitset.BitSet
	SocketData   string

	State State
}

// New constructs a TestCase with a stable, process-wide-unique id in the
// "<hostTag>-<counter>" format spec.md §3 fixes.
func New(hostTag string, payload map[string]interface{}) *TestCase {
	id := fmt.Sprintf("%s-%d", hostTag, NextCounter())
	return &TestCase{
		ID:           id,
		Filename:     id + "-test.json",
		Payload:      payload,
		Traces:       make(map[string][]string),
		SocketEvents: bitset.New(64),
		State:        StateNew,
	}
}

// Dispatch records that len(procs) runners have been started for this test
// (spec.md §3 invariant: len(procs) at dispatch == number of active clients).
func (t *TestCase) Dispatch(procs []ProcHandle) {
	t.Procs = procs
	t.NumProcs = len(procs)
	t.State = StateDispatched
	if t.NumProcs > 0 {
		t.State = StateAwaiting
	}
}

// RecordCompletion decrements NumProcs and ORs eventMask into SocketEvents,
// returning true once every runner for this test has completed.
func (t *TestCase) RecordCompletion(eventMask uint) bool {
	for i := uint(0); i < 32; i++ {
		if eventMask&(1<<i) != 0 {
			t.SocketEvents.Set(uint(i))
		}
	}
	t.NumProcs--
	if t.NumProcs <= 0 {
		t.State = StateComplete
		return true
	}
	return false
}

// EventSummary renders the accumulated socket-event flags, one bracketed
// value per set flag (a readable plus an error completion render as
// "[1][16]"), for parity with spec.md §8 scenario 4.
func (t *TestCase) EventSummary() string {
	if t.SocketEvents.Count() == 0 {
		return "[]"
	}
	out := ""
	for i, ok := t.SocketEvents.NextSet(0); ok; i, ok = t.SocketEvents.NextSet(i + 1) {
		out += fmt.Sprintf("[%d]", 1<<i)
	}
	return out
}
