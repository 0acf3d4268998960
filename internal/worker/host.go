// Package worker implements the worker-side message handling a pool
// dispatches to: construction-time setup (NewHost), per-message task reconstruction, local
// execution, and result packaging back to the controller.
//
// Go goroutines share an address space, so nothing stops a worker from
// reaching back into controller memory; the discipline this package
// enforces — round-tripping every task through codec.Marshal and back —
// is what makes the isolation real rather than aspirational, the same way
// the teacher repository's gohcl.DecodeBody forces every step argument
// through a typed boundary instead of letting handlers paw at raw HCL.
package worker

import (
	"context"
	"fmt"

	"github.com/vk/taskmesh/internal/codec"
	"github.com/vk/taskmesh/internal/registry"
	"github.com/vk/taskmesh/internal/task"
)

// InitPayload lists the fields of a one-time worker init message. The pool
// does not send one: NewHost's arguments carry the worker index and the
// live registry, and HandleTask treats every message as a task descriptor.
type InitPayload struct {
	WorkerIndex int      `msgpack:"workerIndex"`
	MarkerName  string   `msgpack:"markerName"`
	ScriptRoot  string   `msgpack:"scriptRoot"`
	LoadScripts []string `msgpack:"loadScripts"`
	LookupTable []string `msgpack:"lookupTable"`
}

// WireResult is the message a worker posts back to the controller after
// running a task.
type WireResult struct {
	ResultPacked    any      `msgpack:"result"`
	WorkerIndex     int      `msgpack:"workerIndex"`
	InputBackBytes  [][]byte `msgpack:"automatic_backtransfer"`
	ErrMessage      string   `msgpack:"errMessage,omitempty"`
	ErrIsWorkerFail bool     `msgpack:"errIsWorkerFail,omitempty"`
}

// Host is the worker-side handler for one pool slot. It holds no task
// state between messages beyond a reference to the live process-wide
// registry. There is no init message: every message HandleTask receives is
// an independent task descriptor.
//
// Global is resolved fresh on every HandleTask call rather than snapshotted
// once at construction, since callables are commonly registered after the
// pool already exists (every Module.Register call in the application layer
// runs after the Pipeline, and therefore the pool, is built). Each task's
// receiver base is rebuilt fresh once it is unpacked, since a Task's
// LookupTable never crosses the wire.
type Host struct {
	Index  int
	Codecs *codec.Registry
	Global *registry.Registry
}

// NewHost constructs a Host for worker slot idx, bound to the live global
// registry (the Go equivalent of having processed the init message —
// there is no separate script-loading step to await since every worker in
// this process already has the full binary loaded).
func NewHost(idx int, codecs *codec.Registry, global *registry.Registry) *Host {
	return &Host{Index: idx, Codecs: codecs, Global: global}
}

// HandleTask reconstructs a task from wireBytes (a codec.Marshal'd
// task.TransferDescriptor), runs it, and returns the codec.Marshal'd
// WireResult. A task-level failure is reported inside WireResult
// (ErrMessage), not as a Go error return; the pool turns it into a
// WorkerError and aborts. A Go error return is reserved for failing to
// decode the descriptor, reconstruct the task or encode the result, which
// aborts the pool as well.
func (h *Host) HandleTask(ctx context.Context, wireBytes []byte) ([]byte, error) {
	var descriptor task.TransferDescriptor
	if err := codec.Unmarshal(wireBytes, &descriptor); err != nil {
		return nil, fmt.Errorf("worker: decoding task descriptor: %w", err)
	}

	t, err := task.FromTransferDescriptor(descriptor, h.Global, h.Codecs)
	if err != nil {
		return nil, fmt.Errorf("worker: reconstructing task: %w", err)
	}

	inputMovables := t.Movables()

	result, runErr := t.Run(ctx, nil)

	wr := WireResult{WorkerIndex: h.Index}
	allMovables := inputMovables
	if runErr != nil {
		wr.ErrMessage = runErr.Error()
	} else {
		// Pack the result before neutering any input movable: a callable
		// that returns one of its own movable arguments unchanged would
		// otherwise have that argument's buffer zeroed by the input
		// back-transfer loop below before the result ever reads it.
		packed, resultMovables := h.Codecs.Pack(result, false)
		wr.ResultPacked = packed
		allMovables = unionMovables(inputMovables, resultMovables)
	}

	backBytes := make([][]byte, len(allMovables))
	for i, m := range allMovables {
		backBytes[i] = m.Move()
	}
	wr.InputBackBytes = backBytes

	out, err := codec.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("worker: encoding result: %w", err)
	}
	return out, nil
}

// unionMovables appends result movables not already present in input
// movables (by identity), so a result that aliases one of its own inputs
// contributes its back-transfer exactly once.
func unionMovables(input, result []codec.Movable) []codec.Movable {
	if len(result) == 0 {
		return input
	}
	seen := make(map[codec.Movable]bool, len(input))
	for _, m := range input {
		seen[m] = true
	}
	out := input
	for _, m := range result {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
